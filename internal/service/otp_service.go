package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"classpage-auth/internal/bucketing"
	"classpage-auth/internal/config"
	"classpage-auth/internal/delivery"
	"classpage-auth/internal/hashing"
	"classpage-auth/internal/model"
	"classpage-auth/internal/ratelimit"
	"classpage-auth/internal/repository/scylla"
	"classpage-auth/internal/util"
)

// OTPService issues and verifies one-time sign-in codes. Issuance is
// deliberately non-enumerable: a request for an unknown identifier looks
// identical to one for a registered account. Verification consumes the code
// through a conditional update, so a code verifies at most once no matter
// how many requests race on it.
type OTPService struct {
	users      scylla.UserRepositoryInterface
	codes      scylla.OTPRepositoryInterface
	pages      scylla.PageRepositoryInterface
	tokens     *TokenService
	hasher     *hashing.Hasher
	limiter    *ratelimit.Limiter
	dispatcher *delivery.Dispatcher
	buckets    *bucketing.BucketingManager
	events     *EventRecorder
	cfg        *config.Config
	now        func() time.Time
}

func NewOTPService(
	users scylla.UserRepositoryInterface,
	codes scylla.OTPRepositoryInterface,
	pages scylla.PageRepositoryInterface,
	tokens *TokenService,
	hasher *hashing.Hasher,
	limiter *ratelimit.Limiter,
	dispatcher *delivery.Dispatcher,
	buckets *bucketing.BucketingManager,
	events *EventRecorder,
	cfg *config.Config,
) *OTPService {
	return &OTPService{
		users:      users,
		codes:      codes,
		pages:      pages,
		tokens:     tokens,
		hasher:     hasher,
		limiter:    limiter,
		dispatcher: dispatcher,
		buckets:    buckets,
		events:     events,
		cfg:        cfg,
		now:        time.Now,
	}
}

// VerifyResult is what a successful code verification hands back to the
// handler layer.
type VerifyResult struct {
	Token       string
	ExpiresAt   time.Time
	User        *model.User
	Provisioned bool
	NeedsRedeem bool
}

// RequestOTP generates, stores and dispatches a fresh code. Any live codes
// for the same identifier are invalidated first, so only the newest code
// verifies. The nil return carries no signal about whether the identifier
// belongs to an account.
func (s *OTPService) RequestOTP(ctx context.Context, rawIdentifier, originIP string) error {
	id, err := model.NormalizeIdentifier(rawIdentifier)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	idHash := model.HashIdentifier(id.Value)
	now := s.now().UTC()

	// Both dimensions are limited: the identifier so one target cannot be
	// flooded, the origin IP so one client cannot sweep identifiers.
	if err := s.checkLimit(ctx, ratelimit.Scope("otp_request", "id", idHash),
		s.cfg.OTP.RequestLimit, s.cfg.OTP.RequestWindow, idHash, originIP); err != nil {
		return err
	}
	if originIP != "" {
		if err := s.checkLimit(ctx, ratelimit.Scope("otp_request", "ip", originIP),
			s.cfg.OTP.RequestLimit, s.cfg.OTP.RequestWindow, idHash, originIP); err != nil {
			return err
		}
	}

	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}

	hashResult, err := s.hasher.HashOTP(code)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}

	if _, err := s.codes.InvalidateAll(ctx, idHash, now); err != nil {
		return fmt.Errorf("%w: failed to invalidate prior codes: %v", ErrInternal, err)
	}

	otpCode := &model.OTPCode{
		Identifier:    idHash,
		OTPID:         gocql.TimeUUID().String(),
		CodeHash:      hashResult.Hash,
		CodeSalt:      hashResult.Salt,
		PepperVersion: hashResult.PepperVersion,
		OriginIP:      originIP,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.cfg.OTP.TTL),
	}
	if err := s.codes.Create(ctx, otpCode); err != nil {
		return fmt.Errorf("%w: failed to store code: %v", ErrInternal, err)
	}

	if err := s.dispatcher.Dispatch(ctx, id, code); err != nil {
		util.Error("code dispatch failed", zap.Error(err))
		return fmt.Errorf("%w: delivery failed", ErrInternal)
	}

	s.events.Record(model.AuthEvent{
		EventType:      model.EventOTPRequested,
		IdentifierHash: idHash,
		OriginIP:       originIP,
		Outcome:        "ok",
	})
	return nil
}

// VerifyOTP checks the submitted code against the live codes for the
// identifier and, on success, signs the caller in: the code is consumed,
// an account is resolved or provisioned, and a bearer token is issued.
// Every failure mode after normalization reads as the same unauthorized
// error.
func (s *OTPService) VerifyOTP(ctx context.Context, rawIdentifier, submittedCode, originIP, userAgent string) (*VerifyResult, error) {
	id, err := model.NormalizeIdentifier(rawIdentifier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if len(submittedCode) != otpCodeLength {
		return nil, ErrUnauthorized
	}
	idHash := model.HashIdentifier(id.Value)
	now := s.now().UTC()

	if err := s.checkLimit(ctx, ratelimit.Scope("otp_verify", "id", idHash),
		s.cfg.OTP.VerifyLimit, s.cfg.OTP.VerifyWindow, idHash, originIP); err != nil {
		return nil, err
	}

	live, err := s.codes.GetLive(ctx, idHash, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	var matched *model.OTPCode
	for _, candidate := range live {
		ok, err := s.hasher.VerifyOTP(submittedCode, &hashing.HashResult{
			Hash:          candidate.CodeHash,
			Salt:          candidate.CodeSalt,
			PepperVersion: candidate.PepperVersion,
		})
		if err != nil {
			util.Warn("code verification errored", zap.Error(err))
			continue
		}
		if ok {
			matched = candidate
			break
		}
	}

	if matched == nil {
		s.events.Record(model.AuthEvent{
			EventType:      model.EventOTPRejected,
			IdentifierHash: idHash,
			OriginIP:       originIP,
			Outcome:        "no_match",
		})
		return nil, ErrUnauthorized
	}

	// The conditional consume is the single winner gate: a second request
	// carrying the same valid code sees applied=false and is rejected.
	applied, err := s.codes.Consume(ctx, idHash, matched.OTPID, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if !applied {
		s.events.Record(model.AuthEvent{
			EventType:      model.EventOTPRejected,
			IdentifierHash: idHash,
			OriginIP:       originIP,
			Outcome:        "already_consumed",
		})
		return nil, ErrUnauthorized
	}

	user, provisioned, err := s.resolveOrProvision(ctx, id, idHash, now)
	if err != nil {
		return nil, err
	}
	if user.Status != model.UserActive {
		return nil, ErrForbidden
	}

	if err := s.users.TouchLogin(ctx, user, now, originIP); err != nil {
		util.Warn("failed to record login time", zap.Error(err))
	}

	issued, err := s.tokens.Issue(ctx, user, originIP, userAgent)
	if err != nil {
		return nil, err
	}

	needsRedeem, err := s.needsRedeem(ctx, user)
	if err != nil {
		util.Warn("failed to check page bindings", zap.Error(err))
	}

	s.events.Record(model.AuthEvent{
		EventType:      model.EventOTPVerified,
		IdentifierHash: idHash,
		UserID:         user.UserID,
		OriginIP:       originIP,
		UserAgent:      userAgent,
		Outcome:        "ok",
	})

	return &VerifyResult{
		Token:       issued.Token,
		ExpiresAt:   issued.ExpiresAt,
		User:        user,
		Provisioned: provisioned,
		NeedsRedeem: needsRedeem,
	}, nil
}

func (s *OTPService) resolveOrProvision(ctx context.Context, id model.Identifier, idHash string, now time.Time) (*model.User, bool, error) {
	user, err := s.users.GetByIdentifierHash(ctx, idHash)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if user != nil {
		return user, false, nil
	}

	userID := uuid.New().String()
	fresh := &model.User{
		UserBucket: s.buckets.UserBucket(userID),
		UserID:     userID,
		Identifier: id.Value,
		Role:       model.RoleParent,
		Status:     model.UserActive,
		CreatedAt:  now,
	}

	created, err := s.users.Create(ctx, fresh, idHash)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if created {
		return fresh, true, nil
	}

	// Lost a provisioning race; the winner's account is authoritative.
	user, err = s.users.GetByIdentifierHash(ctx, idHash)
	if err != nil || user == nil {
		return nil, false, fmt.Errorf("%w: identifier link inconsistent", ErrInternal)
	}
	return user, false, nil
}

// needsRedeem reports whether the account still has to redeem an invitation
// code: a page admin with no page bound yet has nothing to manage.
func (s *OTPService) needsRedeem(ctx context.Context, user *model.User) (bool, error) {
	if user.Role != model.RolePageAdmin {
		return false, nil
	}
	pages, err := s.pages.PagesForAdmin(ctx, user.UserID)
	if err != nil {
		return false, err
	}
	return len(pages) == 0, nil
}

func (s *OTPService) checkLimit(ctx context.Context, scope string, limit int, window time.Duration, idHash, originIP string) error {
	decision, err := s.limiter.CheckAndConsume(ctx, scope, limit, window)
	if err != nil {
		util.Warn("rate limit check degraded", zap.Error(err))
	}
	if !decision.Allowed {
		s.events.Record(model.AuthEvent{
			EventType:      model.EventRateLimited,
			IdentifierHash: idHash,
			OriginIP:       originIP,
			Outcome:        "blocked",
			Detail:         scope,
		})
		return &RateLimitedError{RetryAfter: decision.RetryAfter}
	}
	return nil
}

const otpCodeLength = 6

// generateCode draws a uniform six-digit code from crypto/rand using
// rejection sampling, so no digit sequence is more likely than another.
func generateCode() (string, error) {
	const bound = 1000000
	// Largest multiple of bound below 2^32.
	const limit = (1 << 32) / bound * bound

	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		n := binary.BigEndian.Uint32(buf[:])
		if uint64(n) < uint64(limit) {
			return fmt.Sprintf("%06d", n%bound), nil
		}
	}
}
