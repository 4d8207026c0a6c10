package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"classpage-auth/internal/bucketing"
	"classpage-auth/internal/config"
	"classpage-auth/internal/encryption"
	"classpage-auth/internal/model"
	"classpage-auth/internal/ratelimit"
	"classpage-auth/internal/repository/scylla"
	"classpage-auth/internal/util"
)

// codeAlphabet excludes 0, 1, I and O so a printed invitation survives
// being read over the phone.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const generateRetries = 5

// InvitationService generates single-use invitation codes and performs the
// claim that turns a code into a page plus a bound page admin. Claiming is a
// conditional active-to-used transition: concurrent claims on the same code
// produce exactly one winner.
//
// Registration is two-phase on purpose. A family can open the invitation
// link several times and save child and parent details without finalizing;
// the code stays active and the link reusable until the claim itself runs.
type InvitationService struct {
	invitations scylla.InvitationRepositoryInterface
	users       scylla.UserRepositoryInterface
	pages       scylla.PageRepositoryInterface
	tokens      *TokenService
	encryptor   *encryption.EncryptionManager
	limiter     *ratelimit.Limiter
	buckets     *bucketing.BucketingManager
	events      *EventRecorder
	cfg         *config.Config
	now         func() time.Time
}

func NewInvitationService(
	invitations scylla.InvitationRepositoryInterface,
	users scylla.UserRepositoryInterface,
	pages scylla.PageRepositoryInterface,
	tokens *TokenService,
	encryptor *encryption.EncryptionManager,
	limiter *ratelimit.Limiter,
	buckets *bucketing.BucketingManager,
	events *EventRecorder,
	cfg *config.Config,
) *InvitationService {
	return &InvitationService{
		invitations: invitations,
		users:       users,
		pages:       pages,
		tokens:      tokens,
		encryptor:   encryptor,
		limiter:     limiter,
		buckets:     buckets,
		events:      events,
		cfg:         cfg,
		now:         time.Now,
	}
}

// GenerateCode creates a fresh invitation for a school. Collisions with an
// existing code are retried with a new draw.
func (s *InvitationService) GenerateCode(ctx context.Context, schoolName, adminEmail string) (*model.Invitation, error) {
	if strings.TrimSpace(schoolName) == "" {
		return nil, fmt.Errorf("%w: school name required", ErrInvalidInput)
	}
	email, err := model.NormalizeIdentifier(adminEmail)
	if err != nil || email.Kind != model.IdentifierEmail {
		return nil, fmt.Errorf("%w: admin email required", ErrInvalidInput)
	}

	for attempt := 0; attempt < generateRetries; attempt++ {
		code, err := randomCode(s.cfg.Invite.CodeLength)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}

		inv := &model.Invitation{
			Code:       code,
			SchoolName: strings.TrimSpace(schoolName),
			AdminEmail: email.Value,
			Status:     model.InvitationActive,
			CreatedAt:  s.now().UTC(),
		}

		created, err := s.invitations.Create(ctx, inv)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		if created {
			s.events.Record(model.AuthEvent{
				EventType: model.EventInviteCreated,
				Outcome:   "ok",
				Detail:    inv.SchoolName,
			})
			return inv, nil
		}
		util.Debug("invitation code collision, retrying", zap.Int("attempt", attempt+1))
	}
	return nil, fmt.Errorf("%w: could not generate a unique code", ErrInternal)
}

// Inspect fetches a code for the landing page. The caller routes to the
// registration form or the login form based on HasRegistration.
func (s *InvitationService) Inspect(ctx context.Context, code string) (*model.Invitation, error) {
	inv, err := s.lookup(ctx, code)
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// RegisterWithCode stores encrypted family details on a still-active code
// without claiming it.
func (s *InvitationService) RegisterWithCode(ctx context.Context, code string, fields *model.RegistrationFields) (*model.Invitation, error) {
	if fields == nil || strings.TrimSpace(fields.ChildName) == "" || strings.TrimSpace(fields.Parent1Name) == "" {
		return nil, fmt.Errorf("%w: child and parent name required", ErrInvalidInput)
	}

	inv, err := s.lookup(ctx, code)
	if err != nil {
		return nil, err
	}
	if inv.Status != model.InvitationActive {
		return nil, fmt.Errorf("%w: code already %s", ErrConflict, inv.Status)
	}

	plaintext, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	encrypted, err := s.encryptor.EncryptField(ctx, plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	applied, err := s.invitations.SaveRegistration(ctx, inv.Code,
		[]byte(encrypted.EncryptedValue), encrypted.EncryptedDEK, encrypted.KeyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if !applied {
		return nil, fmt.Errorf("%w: code already claimed", ErrConflict)
	}

	inv.RegistrationJSON = []byte(encrypted.EncryptedValue)
	inv.RegistrationDEK = encrypted.EncryptedDEK
	inv.RegistrationKeyID = encrypted.KeyID
	return inv, nil
}

// Registration decrypts the stored family details, if any.
func (s *InvitationService) Registration(ctx context.Context, inv *model.Invitation) (*model.RegistrationFields, error) {
	if !inv.HasRegistration() {
		return nil, nil
	}
	plaintext, err := s.encryptor.DecryptField(ctx, &encryption.EncryptedData{
		EncryptedValue: string(inv.RegistrationJSON),
		EncryptedDEK:   inv.RegistrationDEK,
		KeyID:          inv.RegistrationKeyID,
		Version:        "v1",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	var fields model.RegistrationFields
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return &fields, nil
}

// ClaimResult carries everything a successful redemption produces.
type ClaimResult struct {
	Invitation *model.Invitation
	User       *model.User
	PageID     string
	Token      string
	ExpiresAt  time.Time
}

// Claim redeems a code for the given email: the code flips active-to-used,
// a page-admin account is resolved or provisioned for the email, a page is
// provisioned (or the one from a prior partial flow reused), the admin is
// bound to it, and a bearer token is issued.
//
// Unlike OTP verification, claim failures are specific: the code is already
// a shared secret, so "already used" and "email mismatch" are safe to report.
func (s *InvitationService) Claim(ctx context.Context, code, asEmail, originIP, userAgent string) (*ClaimResult, error) {
	email, err := model.NormalizeIdentifier(asEmail)
	if err != nil || email.Kind != model.IdentifierEmail {
		return nil, fmt.Errorf("%w: email required", ErrInvalidInput)
	}

	if originIP != "" {
		decision, err := s.limiter.CheckAndConsume(ctx,
			ratelimit.Scope("invite_claim", "ip", originIP),
			s.cfg.Invite.ClaimLimit, s.cfg.Invite.ClaimWindow)
		if err != nil {
			util.Warn("rate limit check degraded", zap.Error(err))
		}
		if !decision.Allowed {
			s.events.Record(model.AuthEvent{
				EventType: model.EventRateLimited,
				OriginIP:  originIP,
				Outcome:   "blocked",
				Detail:    "invite_claim",
			})
			return nil, &RateLimitedError{RetryAfter: decision.RetryAfter}
		}
	}

	inv, err := s.lookup(ctx, code)
	if err != nil {
		return nil, err
	}
	if inv.Status != model.InvitationActive {
		return nil, fmt.Errorf("%w: code already %s", ErrConflict, inv.Status)
	}
	if !strings.EqualFold(inv.AdminEmail, email.Value) {
		return nil, fmt.Errorf("%w: code belongs to a different email", ErrForbidden)
	}

	now := s.now().UTC()
	user, err := s.resolveOrProvisionAdmin(ctx, email, now)
	if err != nil {
		return nil, err
	}

	// The single conditional update decides the race. A zero-row result is
	// definitive: someone else won, report Conflict rather than retry.
	applied, err := s.invitations.Claim(ctx, inv.Code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if !applied {
		return nil, fmt.Errorf("%w: code already claimed", ErrConflict)
	}

	pageID := inv.UsedPageID
	if pageID == "" {
		pageID = uuid.New().String()
		page := &model.Page{
			PageID:     pageID,
			SchoolName: inv.SchoolName,
			CreatedAt:  now,
		}
		if err := s.pages.Create(ctx, page); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}
	}

	if err := s.pages.BindAdmin(ctx, pageID, user.UserID, now); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if err := s.invitations.StampUse(ctx, inv.Code, user.UserID, pageID, now); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	issued, err := s.tokens.Issue(ctx, user, originIP, userAgent)
	if err != nil {
		return nil, err
	}

	s.events.Record(model.AuthEvent{
		EventType:      model.EventInviteClaimed,
		IdentifierHash: model.HashIdentifier(email.Value),
		UserID:         user.UserID,
		OriginIP:       originIP,
		UserAgent:      userAgent,
		Outcome:        "ok",
	})

	inv.Status = model.InvitationUsed
	inv.UsedByUserID = user.UserID
	inv.UsedPageID = pageID
	inv.UsedAt = &now

	return &ClaimResult{
		Invitation: inv,
		User:       user,
		PageID:     pageID,
		Token:      issued.Token,
		ExpiresAt:  issued.ExpiresAt,
	}, nil
}

func (s *InvitationService) lookup(ctx context.Context, code string) (*model.Invitation, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if normalized == "" {
		return nil, fmt.Errorf("%w: code required", ErrInvalidInput)
	}
	inv, err := s.invitations.GetByCode(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if inv == nil {
		return nil, fmt.Errorf("%w: unknown code", ErrNotFound)
	}
	return inv, nil
}

func (s *InvitationService) resolveOrProvisionAdmin(ctx context.Context, email model.Identifier, now time.Time) (*model.User, error) {
	idHash := model.HashIdentifier(email.Value)

	user, err := s.users.GetByIdentifierHash(ctx, idHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if user != nil {
		if user.Status != model.UserActive {
			return nil, fmt.Errorf("%w: account inactive", ErrForbidden)
		}
		if user.Role == model.RoleParent {
			if err := s.users.UpdateRole(ctx, user, model.RolePageAdmin, model.UserActive); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInternal, err)
			}
		}
		return user, nil
	}

	userID := uuid.New().String()
	fresh := &model.User{
		UserBucket: s.buckets.UserBucket(userID),
		UserID:     userID,
		Identifier: email.Value,
		Role:       model.RolePageAdmin,
		Status:     model.UserActive,
		CreatedAt:  now,
	}
	created, err := s.users.Create(ctx, fresh, idHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if created {
		return fresh, nil
	}

	user, err = s.users.GetByIdentifierHash(ctx, idHash)
	if err != nil || user == nil {
		return nil, fmt.Errorf("%w: identifier link inconsistent", ErrInternal)
	}
	return user, nil
}

func randomCode(length int) (string, error) {
	if length <= 0 {
		length = 8
	}
	out := make([]byte, length)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to draw code character: %w", err)
		}
		out[i] = codeAlphabet[n.Int64()]
	}
	return string(out), nil
}
