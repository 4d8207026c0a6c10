package scylla

import (
	"context"
	"time"

	"classpage-auth/internal/model"
)

// UserRepositoryInterface resolves and provisions accounts keyed by a
// normalized contact identifier.
type UserRepositoryInterface interface {
	Create(ctx context.Context, user *model.User, identifierHash string) (bool, error)
	GetByID(ctx context.Context, userBucket int, userID string) (*model.User, error)
	GetByIdentifierHash(ctx context.Context, identifierHash string) (*model.User, error)
	UpdateRole(ctx context.Context, user *model.User, role model.Role, status model.UserStatus) error
	TouchLogin(ctx context.Context, user *model.User, at time.Time, originIP string) error
}

// OTPRepositoryInterface persists one-time codes. Consume is conditional:
// it returns true for exactly one caller per code.
type OTPRepositoryInterface interface {
	Create(ctx context.Context, code *model.OTPCode) error
	GetLive(ctx context.Context, identifierHash string, now time.Time) ([]*model.OTPCode, error)
	Consume(ctx context.Context, identifierHash, otpID string, at time.Time) (bool, error)
	InvalidateAll(ctx context.Context, identifierHash string, at time.Time) (int, error)
}

type TokenRepositoryInterface interface {
	Create(ctx context.Context, token *model.AuthToken) error
	GetByHash(ctx context.Context, tokenHash string) (*model.AuthToken, error)
	Revoke(ctx context.Context, userID, tokenHash string, at time.Time) error
	RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int, error)
}

// InvitationRepositoryInterface manages single-use invitation codes. Claim is
// conditional on status and returns true for the winning caller only.
type InvitationRepositoryInterface interface {
	Create(ctx context.Context, inv *model.Invitation) (bool, error)
	GetByCode(ctx context.Context, code string) (*model.Invitation, error)
	SaveRegistration(ctx context.Context, code string, registrationJSON []byte, dek, keyID string) (bool, error)
	Claim(ctx context.Context, code string) (bool, error)
	StampUse(ctx context.Context, code, userID, pageID string, at time.Time) error
	Disable(ctx context.Context, code string) (bool, error)
}

type PageRepositoryInterface interface {
	Create(ctx context.Context, page *model.Page) error
	GetByID(ctx context.Context, pageID string) (*model.Page, error)
	BindAdmin(ctx context.Context, pageID, userID string, at time.Time) error
	IsAdmin(ctx context.Context, pageID, userID string) (bool, error)
	PagesForAdmin(ctx context.Context, userID string) ([]string, error)
}
