package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"

	"classpage-auth/internal/bucketing"
	"classpage-auth/internal/config"
	"classpage-auth/internal/hashing"
	"classpage-auth/internal/model"
	redisrepo "classpage-auth/internal/repository/redis"
	"classpage-auth/internal/repository/scylla"
	"classpage-auth/internal/util"
)

// tokenBytes gives 256 bits of entropy per bearer token.
const tokenBytes = 32

// TokenService issues and validates opaque bearer tokens. The plaintext
// token leaves the service exactly once, at issuance; storage and lookup
// work on its SHA-256 digest. Scylla is the source of truth, Redis a
// read-through cache in front of it.
type TokenService struct {
	tokens   scylla.TokenRepositoryInterface
	users    scylla.UserRepositoryInterface
	sessions *redisrepo.SessionCache
	buckets  *bucketing.BucketingManager
	events   *EventRecorder
	cfg      *config.Config
	now      func() time.Time
}

func NewTokenService(
	tokens scylla.TokenRepositoryInterface,
	users scylla.UserRepositoryInterface,
	sessions *redisrepo.SessionCache,
	buckets *bucketing.BucketingManager,
	events *EventRecorder,
	cfg *config.Config,
) *TokenService {
	return &TokenService{
		tokens:   tokens,
		users:    users,
		sessions: sessions,
		buckets:  buckets,
		events:   events,
		cfg:      cfg,
		now:      time.Now,
	}
}

type IssuedToken struct {
	Token     string
	ExpiresAt time.Time
}

// Issue mints a fresh token for the user and returns the plaintext. Callers
// must not persist it; only the digest is stored.
func (s *TokenService) Issue(ctx context.Context, user *model.User, originIP, userAgent string) (*IssuedToken, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("%w: failed to generate token: %v", ErrInternal, err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	digest := hashing.TokenDigest(token)
	now := s.now().UTC()

	record := &model.AuthToken{
		UserID:    user.UserID,
		TokenHash: digest,
		OriginIP:  originIP,
		UserAgent: userAgent,
		CreatedAt: now,
	}
	if err := s.tokens.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("%w: failed to store token: %v", ErrInternal, err)
	}

	if s.sessions != nil {
		err := s.sessions.Put(ctx, digest, redisrepo.SessionData{
			UserID:    user.UserID,
			TokenHash: digest,
			CreatedAt: now,
		}, s.cfg.Session.TTL)
		if err != nil {
			util.Warn("failed to cache session", zap.Error(err))
		}
	}

	s.events.Record(model.AuthEvent{
		EventType: model.EventTokenIssued,
		UserID:    user.UserID,
		OriginIP:  originIP,
		UserAgent: userAgent,
		Outcome:   "ok",
	})

	return &IssuedToken{
		Token:     token,
		ExpiresAt: now.Add(s.cfg.Session.TTL),
	}, nil
}

// Validate resolves a plaintext token to its owning user. Revoked, expired
// and unknown tokens are indistinguishable to the caller.
func (s *TokenService) Validate(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	digest := hashing.TokenDigest(token)
	now := s.now().UTC()

	if s.sessions != nil {
		if data, err := s.sessions.Get(ctx, digest); err == nil && data != nil {
			if now.Before(data.CreatedAt.Add(s.cfg.Session.TTL)) {
				return s.loadOwner(ctx, data.UserID)
			}
		}
	}

	record, err := s.tokens.GetByHash(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if record == nil || record.RevokedAt != nil {
		return nil, ErrUnauthorized
	}
	if !now.Before(record.CreatedAt.Add(s.cfg.Session.TTL)) {
		return nil, ErrUnauthorized
	}

	if s.sessions != nil {
		remaining := record.CreatedAt.Add(s.cfg.Session.TTL).Sub(now)
		err := s.sessions.Put(ctx, digest, redisrepo.SessionData{
			UserID:    record.UserID,
			TokenHash: digest,
			CreatedAt: record.CreatedAt,
		}, remaining)
		if err != nil {
			util.Debug("failed to refill session cache", zap.Error(err))
		}
	}

	return s.loadOwner(ctx, record.UserID)
}

func (s *TokenService) loadOwner(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.userByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if user == nil || user.Status != model.UserActive {
		return nil, ErrUnauthorized
	}
	return user, nil
}

func (s *TokenService) userByID(ctx context.Context, userID string) (*model.User, error) {
	// The bucket is derived from the id, so lookup needs no extra table.
	return s.users.GetByID(ctx, s.buckets.UserBucket(userID), userID)
}

// RevokeOne invalidates a single token, typically on logout.
func (s *TokenService) RevokeOne(ctx context.Context, user *model.User, token string) error {
	digest := hashing.TokenDigest(token)
	now := s.now().UTC()

	if err := s.tokens.Revoke(ctx, user.UserID, digest, now); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if s.sessions != nil {
		if err := s.sessions.Delete(ctx, digest); err != nil {
			util.Warn("failed to drop cached session", zap.Error(err))
		}
	}

	s.events.Record(model.AuthEvent{
		EventType: model.EventTokenRevoked,
		UserID:    user.UserID,
		Outcome:   "one",
	})
	return nil
}

// RevokeAll invalidates every token the user holds, on every device.
func (s *TokenService) RevokeAll(ctx context.Context, user *model.User) (int, error) {
	now := s.now().UTC()

	count, err := s.tokens.RevokeAllForUser(ctx, user.UserID, now)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if s.sessions != nil {
		if err := s.sessions.DeleteAllForUser(ctx, user.UserID); err != nil {
			util.Warn("failed to drop cached sessions", zap.Error(err))
		}
	}

	s.events.Record(model.AuthEvent{
		EventType: model.EventTokenRevoked,
		UserID:    user.UserID,
		Outcome:   "all",
	})
	return count, nil
}
