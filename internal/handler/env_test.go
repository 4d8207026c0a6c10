package handler

import (
	"context"
	"sync"
	"time"

	"classpage-auth/internal/bucketing"
	"classpage-auth/internal/config"
	"classpage-auth/internal/delivery"
	"classpage-auth/internal/encryption"
	"classpage-auth/internal/hashing"
	"classpage-auth/internal/model"
	"classpage-auth/internal/ratelimit"
	"classpage-auth/internal/service"
)

// In-memory stores for endpoint tests. Same compare-and-set behavior as the
// real repositories so conflict paths return real conflicts.

type memUserRepo struct {
	mu      sync.Mutex
	byID    map[string]*model.User
	byIdent map[string]string
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{byID: map[string]*model.User{}, byIdent: map[string]string{}}
}

func (m *memUserRepo) Create(ctx context.Context, user *model.User, identifierHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byIdent[identifierHash]; ok {
		return false, nil
	}
	clone := *user
	m.byID[user.UserID] = &clone
	m.byIdent[identifierHash] = user.UserID
	return true, nil
}

func (m *memUserRepo) GetByID(ctx context.Context, userBucket int, userID string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.byID[userID]; ok {
		clone := *u
		return &clone, nil
	}
	return nil, nil
}

func (m *memUserRepo) GetByIdentifierHash(ctx context.Context, identifierHash string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byIdent[identifierHash]
	if !ok {
		return nil, nil
	}
	clone := *m.byID[id]
	return &clone, nil
}

func (m *memUserRepo) UpdateRole(ctx context.Context, user *model.User, role model.Role, status model.UserStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored, ok := m.byID[user.UserID]; ok {
		stored.Role = role
		stored.Status = status
	}
	user.Role = role
	user.Status = status
	return nil
}

func (m *memUserRepo) TouchLogin(ctx context.Context, user *model.User, at time.Time, originIP string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored, ok := m.byID[user.UserID]; ok {
		t := at
		stored.LastLoginAt = &t
		stored.LastLoginIP = originIP
	}
	return nil
}

type memOTPRepo struct {
	mu    sync.Mutex
	codes []*model.OTPCode
}

func (m *memOTPRepo) Create(ctx context.Context, code *model.OTPCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *code
	m.codes = append(m.codes, &clone)
	return nil
}

func (m *memOTPRepo) GetLive(ctx context.Context, identifierHash string, now time.Time) ([]*model.OTPCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var live []*model.OTPCode
	for i := len(m.codes) - 1; i >= 0; i-- {
		c := m.codes[i]
		if c.Identifier == identifierHash && c.Live(now) {
			clone := *c
			live = append(live, &clone)
		}
	}
	return live, nil
}

func (m *memOTPRepo) Consume(ctx context.Context, identifierHash, otpID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.codes {
		if c.Identifier == identifierHash && c.OTPID == otpID {
			if c.ConsumedAt != nil {
				return false, nil
			}
			t := at
			c.ConsumedAt = &t
			return true, nil
		}
	}
	return false, nil
}

func (m *memOTPRepo) InvalidateAll(ctx context.Context, identifierHash string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.codes {
		if c.Identifier == identifierHash && c.Live(at) {
			t := at
			c.ConsumedAt = &t
			n++
		}
	}
	return n, nil
}

type memTokenRepo struct {
	mu     sync.Mutex
	byHash map[string]*model.AuthToken
}

func (m *memTokenRepo) Create(ctx context.Context, token *model.AuthToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *token
	m.byHash[token.TokenHash] = &clone
	return nil
}

func (m *memTokenRepo) GetByHash(ctx context.Context, tokenHash string) (*model.AuthToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.byHash[tokenHash]; ok {
		clone := *t
		return &clone, nil
	}
	return nil, nil
}

func (m *memTokenRepo) Revoke(ctx context.Context, userID, tokenHash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.byHash[tokenHash]; ok && t.UserID == userID {
		ts := at
		t.RevokedAt = &ts
	}
	return nil
}

func (m *memTokenRepo) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.byHash {
		if t.UserID == userID && t.RevokedAt == nil {
			ts := at
			t.RevokedAt = &ts
			n++
		}
	}
	return n, nil
}

type memInvitationRepo struct {
	mu     sync.Mutex
	byCode map[string]*model.Invitation
}

func (m *memInvitationRepo) Create(ctx context.Context, inv *model.Invitation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byCode[inv.Code]; ok {
		return false, nil
	}
	clone := *inv
	m.byCode[inv.Code] = &clone
	return true, nil
}

func (m *memInvitationRepo) GetByCode(ctx context.Context, code string) (*model.Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv, ok := m.byCode[code]; ok {
		clone := *inv
		return &clone, nil
	}
	return nil, nil
}

func (m *memInvitationRepo) SaveRegistration(ctx context.Context, code string, registrationJSON []byte, dek, keyID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.byCode[code]
	if !ok || inv.Status != model.InvitationActive {
		return false, nil
	}
	inv.RegistrationJSON = append([]byte(nil), registrationJSON...)
	inv.RegistrationDEK = dek
	inv.RegistrationKeyID = keyID
	return true, nil
}

func (m *memInvitationRepo) Claim(ctx context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.byCode[code]
	if !ok || inv.Status != model.InvitationActive {
		return false, nil
	}
	inv.Status = model.InvitationUsed
	return true, nil
}

func (m *memInvitationRepo) StampUse(ctx context.Context, code, userID, pageID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv, ok := m.byCode[code]; ok {
		inv.UsedByUserID = userID
		inv.UsedPageID = pageID
		t := at
		inv.UsedAt = &t
	}
	return nil
}

func (m *memInvitationRepo) Disable(ctx context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.byCode[code]
	if !ok || inv.Status != model.InvitationActive {
		return false, nil
	}
	inv.Status = model.InvitationDisabled
	return true, nil
}

type memPageRepo struct {
	mu     sync.Mutex
	pages  map[string]*model.Page
	admins map[string]map[string]bool
}

func newMemPageRepo() *memPageRepo {
	return &memPageRepo{pages: map[string]*model.Page{}, admins: map[string]map[string]bool{}}
}

func (m *memPageRepo) Create(ctx context.Context, page *model.Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *page
	m.pages[page.PageID] = &clone
	return nil
}

func (m *memPageRepo) GetByID(ctx context.Context, pageID string) (*model.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pages[pageID]; ok {
		clone := *p
		return &clone, nil
	}
	return nil, nil
}

func (m *memPageRepo) BindAdmin(ctx context.Context, pageID, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.admins[pageID] == nil {
		m.admins[pageID] = map[string]bool{}
	}
	m.admins[pageID][userID] = true
	return nil
}

func (m *memPageRepo) IsAdmin(ctx context.Context, pageID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.admins[pageID][userID], nil
}

func (m *memPageRepo) PagesForAdmin(ctx context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for pageID, users := range m.admins {
		if users[userID] {
			out = append(out, pageID)
		}
	}
	return out, nil
}

type memCounterStore struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (m *memCounterStore) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
	return m.counts[key], nil
}

func (m *memCounterStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return 30 * time.Second, nil
}

type recordingSender struct {
	mu    sync.Mutex
	codes []string
}

func (s *recordingSender) SendCode(ctx context.Context, recipient, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes = append(s.codes, code)
	return nil
}

func (s *recordingSender) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.codes) == 0 {
		return ""
	}
	return s.codes[len(s.codes)-1]
}

func handlerTestConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			Pepper:            "test-pepper",
		},
		Bucketing: config.BucketingConfig{
			UserBuckets:  64,
			EventBuckets: 16,
		},
		OTP: config.OTPConfig{
			TTL:           10 * time.Minute,
			RequestLimit:  5,
			RequestWindow: time.Hour,
			VerifyLimit:   5,
			VerifyWindow:  10 * time.Minute,
		},
		Invite: config.InviteConfig{
			CodeLength:  8,
			ClaimLimit:  10,
			ClaimWindow: time.Hour,
		},
		Session: config.SessionConfig{
			CookieName: "cp_session",
			TTL:        30 * 24 * time.Hour,
		},
		RateLimit: config.RateLimitConfig{FailClosed: true},
	}
}

type handlerEnv struct {
	cfg         *config.Config
	users       *memUserRepo
	pages       *memPageRepo
	email       *recordingSender
	sms         *recordingSender
	tokens      *service.TokenService
	invitations *service.InvitationService
	handler     *AuthHandler
}

func newHandlerEnv() *handlerEnv {
	cfg := handlerTestConfig()
	users := newMemUserRepo()
	pages := newMemPageRepo()
	email := &recordingSender{}
	sms := &recordingSender{}

	hasher := hashing.NewHasher(cfg)
	buckets := bucketing.NewBucketingManager(cfg)
	limiter := ratelimit.NewLimiter(&memCounterStore{counts: map[string]int64{}}, buckets, cfg.RateLimit.FailClosed)
	events := service.NewEventRecorder(nil, nil, buckets)
	dispatcher := delivery.NewDispatcherWith(email, sms)
	encryptor := encryption.NewEncryptionManager(cfg)

	tokens := service.NewTokenService(&memTokenRepo{byHash: map[string]*model.AuthToken{}}, users, nil, buckets, events, cfg)
	otp := service.NewOTPService(users, &memOTPRepo{}, pages, tokens,
		hasher, limiter, dispatcher, buckets, events, cfg)
	invitations := service.NewInvitationService(&memInvitationRepo{byCode: map[string]*model.Invitation{}}, users, pages,
		tokens, encryptor, limiter, buckets, events, cfg)
	resolver := service.NewSessionResolver(tokens, cfg)
	gate := service.NewAuthorizationGate(pages)

	return &handlerEnv{
		cfg:         cfg,
		users:       users,
		pages:       pages,
		email:       email,
		sms:         sms,
		tokens:      tokens,
		invitations: invitations,
		handler:     NewAuthHandler(otp, tokens, invitations, resolver, gate, cfg),
	}
}
