package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"classpage-auth/internal/model"
)

func seedUserWithRole(t *testing.T, env *testEnv, id, identifier string, role model.Role) *model.User {
	t.Helper()
	user := &model.User{
		UserID:     id,
		Identifier: identifier,
		Role:       role,
		Status:     model.UserActive,
	}
	created, err := env.users.Create(context.Background(), user, model.HashIdentifier(identifier))
	if err != nil || !created {
		t.Fatalf("seed user %s: created=%v err=%v", identifier, created, err)
	}
	return user
}

func TestResolvePrefersBearerOverCookie(t *testing.T) {
	t.Parallel()
	env := newTestEnv()
	ctx := context.Background()

	bearerUser := seedActiveUser(t, env, "bearer@example.com")
	bearerToken, err := env.tokens.Issue(ctx, bearerUser, "203.0.113.7", "ua")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	cookieUser := seedUserWithRole(t, env, "7f3c0c70-0000-4000-8000-00000000000b", "cookie@example.com", model.RoleParent)
	cookieToken, err := env.tokens.Issue(ctx, cookieUser, "203.0.113.8", "ua")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	resolver := NewSessionResolver(env.tokens, env.cfg)

	req := httptest.NewRequest("GET", "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+bearerToken.Token)
	req.AddCookie(&http.Cookie{Name: env.cfg.Session.CookieName, Value: cookieToken.Token})

	actor, err := resolver.Resolve(ctx, req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if actor.User.UserID != bearerUser.UserID {
		t.Fatalf("resolved %s, want bearer user %s", actor.User.UserID, bearerUser.UserID)
	}
	if actor.Source != "bearer" {
		t.Fatalf("source = %q, want bearer", actor.Source)
	}
}

func TestResolveFallsBackToCookie(t *testing.T) {
	t.Parallel()
	env := newTestEnv()
	ctx := context.Background()

	user := seedActiveUser(t, env, "cookie@example.com")
	issued, err := env.tokens.Issue(ctx, user, "203.0.113.7", "ua")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	resolver := NewSessionResolver(env.tokens, env.cfg)
	req := httptest.NewRequest("GET", "/api/auth/me", nil)
	req.AddCookie(&http.Cookie{Name: env.cfg.Session.CookieName, Value: issued.Token})

	actor, err := resolver.Resolve(ctx, req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if actor.Source != "cookie" {
		t.Fatalf("source = %q, want cookie", actor.Source)
	}
	if actor.User.UserID != user.UserID {
		t.Fatalf("resolved %s, want %s", actor.User.UserID, user.UserID)
	}
}

func TestResolveWithoutCredential(t *testing.T) {
	t.Parallel()
	env := newTestEnv()

	resolver := NewSessionResolver(env.tokens, env.cfg)
	req := httptest.NewRequest("GET", "/api/auth/me", nil)

	if _, err := resolver.Resolve(context.Background(), req); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("no credential: err = %v, want ErrUnauthorized", err)
	}
}

func TestResolveRejectsUnknownBearer(t *testing.T) {
	t.Parallel()
	env := newTestEnv()

	resolver := NewSessionResolver(env.tokens, env.cfg)
	req := httptest.NewRequest("GET", "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")

	if _, err := resolver.Resolve(context.Background(), req); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("bad bearer: err = %v, want ErrUnauthorized", err)
	}
}

func TestResolveIgnoresForeignAuthScheme(t *testing.T) {
	t.Parallel()
	env := newTestEnv()

	resolver := NewSessionResolver(env.tokens, env.cfg)
	req := httptest.NewRequest("GET", "/api/auth/me", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")

	// A non-bearer header is not a credential; with no cookie either the
	// request is simply unauthenticated.
	if _, err := resolver.Resolve(context.Background(), req); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("basic auth: err = %v, want ErrUnauthorized", err)
	}
}

func TestCanManagePageSystemAdminBypassesBindings(t *testing.T) {
	t.Parallel()
	env := newTestEnv()
	gate := NewAuthorizationGate(env.pages)

	admin := seedUserWithRole(t, env, "7f3c0c70-0000-4000-8000-00000000000c", "root@school.example", model.RoleSystemAdmin)

	ok, err := gate.CanManagePage(context.Background(), admin, "page-never-bound")
	if err != nil {
		t.Fatalf("CanManagePage: %v", err)
	}
	if !ok {
		t.Fatal("system admin should manage any page")
	}
}

func TestCanManagePageHonorsBindings(t *testing.T) {
	t.Parallel()
	env := newTestEnv()
	ctx := context.Background()
	gate := NewAuthorizationGate(env.pages)

	admin := seedUserWithRole(t, env, "7f3c0c70-0000-4000-8000-00000000000d", "teacher@school.example", model.RolePageAdmin)
	if err := env.pages.BindAdmin(ctx, "page-1", admin.UserID, time.Now().UTC()); err != nil {
		t.Fatalf("bind admin: %v", err)
	}

	ok, err := gate.CanManagePage(ctx, admin, "page-1")
	if err != nil {
		t.Fatalf("CanManagePage bound: %v", err)
	}
	if !ok {
		t.Fatal("page admin should manage a bound page")
	}

	ok, err = gate.CanManagePage(ctx, admin, "page-2")
	if err != nil {
		t.Fatalf("CanManagePage unbound: %v", err)
	}
	if ok {
		t.Fatal("page admin must not manage an unbound page")
	}
}

func TestCanManagePageDeniesParent(t *testing.T) {
	t.Parallel()
	env := newTestEnv()
	ctx := context.Background()
	gate := NewAuthorizationGate(env.pages)

	parent := seedUserWithRole(t, env, "7f3c0c70-0000-4000-8000-00000000000e", "parent@family.example", model.RoleParent)
	// Even a binding row cannot grant a parent write access.
	if err := env.pages.BindAdmin(ctx, "page-1", parent.UserID, time.Now().UTC()); err != nil {
		t.Fatalf("bind admin: %v", err)
	}

	ok, err := gate.CanManagePage(ctx, parent, "page-1")
	if err != nil {
		t.Fatalf("CanManagePage: %v", err)
	}
	if ok {
		t.Fatal("parent role must never manage pages")
	}
}

func TestCanManagePageRejectsUnknownRole(t *testing.T) {
	t.Parallel()
	env := newTestEnv()
	gate := NewAuthorizationGate(env.pages)

	impostor := &model.User{
		UserID:     "7f3c0c70-0000-4000-8000-00000000000f",
		Identifier: "odd@example.com",
		Role:       "superuser",
		Status:     model.UserActive,
	}
	if _, err := gate.CanManagePage(context.Background(), impostor, "page-1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("unknown role: err = %v, want ErrForbidden", err)
	}
}

func TestRequireSystemAdmin(t *testing.T) {
	t.Parallel()
	env := newTestEnv()
	gate := NewAuthorizationGate(env.pages)

	admin := &model.User{Role: model.RoleSystemAdmin}
	if err := gate.RequireSystemAdmin(admin); err != nil {
		t.Fatalf("system admin rejected: %v", err)
	}

	parent := &model.User{Role: model.RoleParent}
	if err := gate.RequireSystemAdmin(parent); !errors.Is(err, ErrForbidden) {
		t.Fatalf("parent: err = %v, want ErrForbidden", err)
	}

	if err := gate.RequireSystemAdmin(nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("nil user: err = %v, want ErrUnauthorized", err)
	}
}
