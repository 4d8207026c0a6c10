package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"classpage-auth/internal/bucketing"
	"classpage-auth/internal/config"
	"classpage-auth/internal/delivery"
	"classpage-auth/internal/encryption"
	"classpage-auth/internal/hashing"
	"classpage-auth/internal/model"
	"classpage-auth/internal/ratelimit"
)

// In-memory repository fakes with the same compare-and-set semantics as the
// real store, so the exactly-once tests exercise actual races.

type fakeUserRepo struct {
	mu      sync.Mutex
	byID    map[string]*model.User
	byIdent map[string]string // identifier hash -> user id
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{
		byID:    make(map[string]*model.User),
		byIdent: make(map[string]string),
	}
}

func (f *fakeUserRepo) Create(ctx context.Context, user *model.User, identifierHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.byIdent[identifierHash]; exists {
		return false, nil
	}
	clone := *user
	f.byID[user.UserID] = &clone
	f.byIdent[identifierHash] = user.UserID
	return true, nil
}

func (f *fakeUserRepo) GetByID(ctx context.Context, userBucket int, userID string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.byID[userID]
	if !ok {
		return nil, nil
	}
	clone := *user
	return &clone, nil
}

func (f *fakeUserRepo) GetByIdentifierHash(ctx context.Context, identifierHash string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.byIdent[identifierHash]
	if !ok {
		return nil, nil
	}
	clone := *f.byID[userID]
	return &clone, nil
}

func (f *fakeUserRepo) UpdateRole(ctx context.Context, user *model.User, role model.Role, status model.UserStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if stored, ok := f.byID[user.UserID]; ok {
		stored.Role = role
		stored.Status = status
	}
	user.Role = role
	user.Status = status
	return nil
}

func (f *fakeUserRepo) TouchLogin(ctx context.Context, user *model.User, at time.Time, originIP string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if stored, ok := f.byID[user.UserID]; ok {
		t := at
		stored.LastLoginAt = &t
		stored.LastLoginIP = originIP
	}
	return nil
}

type fakeOTPRepo struct {
	mu    sync.Mutex
	codes []*model.OTPCode
}

func newFakeOTPRepo() *fakeOTPRepo { return &fakeOTPRepo{} }

func (f *fakeOTPRepo) Create(ctx context.Context, code *model.OTPCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *code
	f.codes = append(f.codes, &clone)
	return nil
}

func (f *fakeOTPRepo) GetLive(ctx context.Context, identifierHash string, now time.Time) ([]*model.OTPCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var live []*model.OTPCode
	for i := len(f.codes) - 1; i >= 0; i-- {
		c := f.codes[i]
		if c.Identifier == identifierHash && c.Live(now) {
			clone := *c
			live = append(live, &clone)
		}
	}
	return live, nil
}

func (f *fakeOTPRepo) Consume(ctx context.Context, identifierHash, otpID string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.codes {
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

func (f *fakeOTPRepo) InvalidateAll(ctx context.Context, identifierHash string, at time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.codes {
		if c.Identifier == identifierHash && c.Live(at) {
			t := at
			c.ConsumedAt = &t
			n++
		}
	}
	return n, nil
}

type fakeTokenRepo struct {
	mu     sync.Mutex
	byHash map[string]*model.AuthToken
}

func newFakeTokenRepo() *fakeTokenRepo {
	return &fakeTokenRepo{byHash: make(map[string]*model.AuthToken)}
}

func (f *fakeTokenRepo) Create(ctx context.Context, token *model.AuthToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *token
	f.byHash[token.TokenHash] = &clone
	return nil
}

func (f *fakeTokenRepo) GetByHash(ctx context.Context, tokenHash string) (*model.AuthToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	token, ok := f.byHash[tokenHash]
	if !ok {
		return nil, nil
	}
	clone := *token
	return &clone, nil
}

func (f *fakeTokenRepo) Revoke(ctx context.Context, userID, tokenHash string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if token, ok := f.byHash[tokenHash]; ok && token.UserID == userID {
		t := at
		token.RevokedAt = &t
	}
	return nil
}

func (f *fakeTokenRepo) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, token := range f.byHash {
		if token.UserID == userID && token.RevokedAt == nil {
			t := at
			token.RevokedAt = &t
			n++
		}
	}
	return n, nil
}

type fakeInvitationRepo struct {
	mu     sync.Mutex
	byCode map[string]*model.Invitation
}

func newFakeInvitationRepo() *fakeInvitationRepo {
	return &fakeInvitationRepo{byCode: make(map[string]*model.Invitation)}
}

func (f *fakeInvitationRepo) Create(ctx context.Context, inv *model.Invitation) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.byCode[inv.Code]; exists {
		return false, nil
	}
	clone := *inv
	f.byCode[inv.Code] = &clone
	return true, nil
}

func (f *fakeInvitationRepo) GetByCode(ctx context.Context, code string) (*model.Invitation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.byCode[code]
	if !ok {
		return nil, nil
	}
	clone := *inv
	return &clone, nil
}

func (f *fakeInvitationRepo) SaveRegistration(ctx context.Context, code string, registrationJSON []byte, dek, keyID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.byCode[code]
	if !ok || inv.Status != model.InvitationActive {
		return false, nil
	}
	inv.RegistrationJSON = append([]byte(nil), registrationJSON...)
	inv.RegistrationDEK = dek
	inv.RegistrationKeyID = keyID
	return true, nil
}

func (f *fakeInvitationRepo) Claim(ctx context.Context, code string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.byCode[code]
	if !ok || inv.Status != model.InvitationActive {
		return false, nil
	}
	inv.Status = model.InvitationUsed
	return true, nil
}

func (f *fakeInvitationRepo) StampUse(ctx context.Context, code, userID, pageID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inv, ok := f.byCode[code]; ok {
		inv.UsedByUserID = userID
		inv.UsedPageID = pageID
		t := at
		inv.UsedAt = &t
	}
	return nil
}

func (f *fakeInvitationRepo) Disable(ctx context.Context, code string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.byCode[code]
	if !ok || inv.Status != model.InvitationActive {
		return false, nil
	}
	inv.Status = model.InvitationDisabled
	return true, nil
}

type fakePageRepo struct {
	mu     sync.Mutex
	pages  map[string]*model.Page
	admins map[string]map[string]bool // page id -> user ids
}

func newFakePageRepo() *fakePageRepo {
	return &fakePageRepo{
		pages:  make(map[string]*model.Page),
		admins: make(map[string]map[string]bool),
	}
}

func (f *fakePageRepo) Create(ctx context.Context, page *model.Page) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *page
	f.pages[page.PageID] = &clone
	return nil
}

func (f *fakePageRepo) GetByID(ctx context.Context, pageID string) (*model.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page, ok := f.pages[pageID]
	if !ok {
		return nil, nil
	}
	clone := *page
	return &clone, nil
}

func (f *fakePageRepo) BindAdmin(ctx context.Context, pageID, userID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.admins[pageID] == nil {
		f.admins[pageID] = make(map[string]bool)
	}
	f.admins[pageID][userID] = true
	return nil
}

func (f *fakePageRepo) IsAdmin(ctx context.Context, pageID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.admins[pageID][userID], nil
}

func (f *fakePageRepo) PagesForAdmin(ctx context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for pageID, users := range f.admins {
		if users[userID] {
			out = append(out, pageID)
		}
	}
	return out, nil
}

// fakeCounterStore backs the rate limiter in service tests.
type fakeCounterStore struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newFakeCounterStore() *fakeCounterStore {
	return &fakeCounterStore{counts: make(map[string]int64)}
}

func (f *fakeCounterStore) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[key]++
	return f.counts[key], nil
}

func (f *fakeCounterStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return 30 * time.Second, nil
}

// fakeSender records dispatched codes.
type fakeSender struct {
	mu    sync.Mutex
	codes []string
}

func (f *fakeSender) SendCode(ctx context.Context, recipient, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes = append(f.codes, code)
	return nil
}

func (f *fakeSender) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.codes) == 0 {
		return ""
	}
	return f.codes[len(f.codes)-1]
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.codes...)
}

func testConfig() *config.Config {
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

// testEnv wires the full service stack over the fakes.
type testEnv struct {
	cfg         *config.Config
	users       *fakeUserRepo
	codes       *fakeOTPRepo
	tokensRepo  *fakeTokenRepo
	invRepo     *fakeInvitationRepo
	pages       *fakePageRepo
	email       *fakeSender
	sms         *fakeSender
	otp         *OTPService
	tokens      *TokenService
	invitations *InvitationService
}

func newTestEnv() *testEnv {
	cfg := testConfig()
	env := &testEnv{
		cfg:        cfg,
		users:      newFakeUserRepo(),
		codes:      newFakeOTPRepo(),
		tokensRepo: newFakeTokenRepo(),
		invRepo:    newFakeInvitationRepo(),
		pages:      newFakePageRepo(),
		email:      &fakeSender{},
		sms:        &fakeSender{},
	}

	hasher := hashing.NewHasher(cfg)
	buckets := bucketing.NewBucketingManager(cfg)
	limiter := ratelimit.NewLimiter(newFakeCounterStore(), buckets, cfg.RateLimit.FailClosed)
	events := NewEventRecorder(nil, nil, buckets)
	dispatcher := delivery.NewDispatcherWith(env.email, env.sms)
	encryptor := encryption.NewEncryptionManager(cfg)

	env.tokens = NewTokenService(env.tokensRepo, env.users, nil, buckets, events, cfg)
	env.otp = NewOTPService(env.users, env.codes, env.pages, env.tokens,
		hasher, limiter, dispatcher, buckets, events, cfg)
	env.invitations = NewInvitationService(env.invRepo, env.users, env.pages,
		env.tokens, encryptor, limiter, buckets, events, cfg)
	return env
}

func isUpperCode(code string, length int) bool {
	if len(code) != length {
		return false
	}
	return strings.IndexFunc(code, func(r rune) bool {
		return !strings.ContainsRune(codeAlphabet, r)
	}) == -1
}
