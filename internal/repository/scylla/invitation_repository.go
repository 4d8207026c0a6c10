package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"classpage-auth/internal/model"
	"classpage-auth/internal/util"
)

// InvitationRepository stores single-use invitation codes. Both the claim
// and the registration update are lightweight transactions conditional on
// status = 'active': when two parents race on the same code, exactly one
// claim applies and the loser sees applied=false.
type InvitationRepository struct {
	client *ScyllaClient
}

func NewInvitationRepository(client *ScyllaClient) *InvitationRepository {
	return &InvitationRepository{client: client}
}

func (r *InvitationRepository) Create(ctx context.Context, inv *model.Invitation) (bool, error) {
	var usedBy, usedPage *gocql.UUID

	applied, err := r.client.Prepared.CreateInvitation.Bind(
		inv.Code, inv.SchoolName, inv.AdminEmail, string(inv.Status),
		inv.RegistrationJSON, inv.RegistrationDEK, inv.RegistrationKeyID,
		usedBy, usedPage, inv.CreatedAt, inv.UsedAt,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, fmt.Errorf("failed to create invitation: %w", err)
	}

	if applied {
		util.Debug("invitation created",
			zap.String("school", inv.SchoolName),
			zap.String("admin_email", inv.AdminEmail))
	}
	return applied, nil
}

func (r *InvitationRepository) GetByCode(ctx context.Context, code string) (*model.Invitation, error) {
	var inv model.Invitation
	var status string
	var usedBy, usedPage gocql.UUID
	var usedAt time.Time

	err := r.client.Prepared.GetInvitation.Bind(code).WithContext(ctx).Scan(
		&inv.Code, &inv.SchoolName, &inv.AdminEmail, &status,
		&inv.RegistrationJSON, &inv.RegistrationDEK, &inv.RegistrationKeyID,
		&usedBy, &usedPage, &inv.CreatedAt, &usedAt,
	)
	if err == gocql.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}

	inv.Status = model.InvitationStatus(status)
	var zero gocql.UUID
	if usedBy != zero {
		inv.UsedByUserID = usedBy.String()
	}
	if usedPage != zero {
		inv.UsedPageID = usedPage.String()
	}
	if !usedAt.IsZero() {
		inv.UsedAt = &usedAt
	}
	return &inv, nil
}

// SaveRegistration attaches encrypted family details to a still-active code.
// Returns false when the code was claimed or disabled in the meantime.
func (r *InvitationRepository) SaveRegistration(ctx context.Context, code string, registrationJSON []byte, dek, keyID string) (bool, error) {
	var prevStatus string
	applied, err := r.client.Prepared.UpdateRegistration.Bind(
		registrationJSON, dek, keyID, code, string(model.InvitationActive),
	).WithContext(ctx).ScanCAS(&prevStatus)
	if err != nil {
		return false, fmt.Errorf("failed to save registration: %w", err)
	}
	return applied, nil
}

// Claim flips the code from active to used. The status flip is the
// linearization point of the whole redemption flow: exactly one concurrent
// caller sees applied=true.
func (r *InvitationRepository) Claim(ctx context.Context, code string) (bool, error) {
	var prevStatus string
	applied, err := r.client.Prepared.ClaimInvitation.Bind(
		string(model.InvitationUsed), code, string(model.InvitationActive),
	).WithContext(ctx).ScanCAS(&prevStatus)
	if err != nil {
		return false, fmt.Errorf("failed to claim invitation: %w", err)
	}
	return applied, nil
}

// StampUse records who redeemed the code and which page it produced. Only
// the claim winner reaches this, so it is a plain write.
func (r *InvitationRepository) StampUse(ctx context.Context, code, userID, pageID string, at time.Time) error {
	uid, err := gocql.ParseUUID(userID)
	if err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}
	pid, err := gocql.ParseUUID(pageID)
	if err != nil {
		return fmt.Errorf("invalid page id: %w", err)
	}

	err = r.client.Prepared.StampInvitationUse.Bind(uid, pid, at, code).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to stamp invitation use: %w", err)
	}

	util.Info("invitation claimed",
		zap.String("user_id", userID),
		zap.String("page_id", pageID))
	return nil
}

func (r *InvitationRepository) Disable(ctx context.Context, code string) (bool, error) {
	var prevStatus string
	applied, err := r.client.Prepared.DisableInvitation.Bind(
		string(model.InvitationDisabled), code, string(model.InvitationActive),
	).WithContext(ctx).ScanCAS(&prevStatus)
	if err != nil {
		return false, fmt.Errorf("failed to disable invitation: %w", err)
	}
	return applied, nil
}
