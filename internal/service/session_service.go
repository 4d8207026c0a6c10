package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"classpage-auth/internal/config"
	"classpage-auth/internal/hashing"
	"classpage-auth/internal/model"
	"classpage-auth/internal/repository/scylla"
)

// CurrentActor is the uniform identity every downstream controller consumes,
// regardless of which credential the request carried.
type CurrentActor struct {
	User      *model.User
	Token     string
	TokenHash string
	Source    string // "bearer" or "cookie"
}

// CredentialExtractor pulls a candidate token out of a request. Extractors
// run in priority order; the first one that finds a value wins.
type CredentialExtractor struct {
	Source  string
	Extract func(r *http.Request) (string, bool)
}

// SessionResolver turns an incoming request into a CurrentActor. The bearer
// header takes precedence over the session cookie, and the ordering is an
// explicit list rather than inline fallbacks so adding a credential source
// is a one-line change.
type SessionResolver struct {
	tokens     *TokenService
	extractors []CredentialExtractor
}

func NewSessionResolver(tokens *TokenService, cfg *config.Config) *SessionResolver {
	cookieName := cfg.Session.CookieName
	return &SessionResolver{
		tokens: tokens,
		extractors: []CredentialExtractor{
			{
				Source: "bearer",
				Extract: func(r *http.Request) (string, bool) {
					header := r.Header.Get("Authorization")
					if header == "" {
						return "", false
					}
					const prefix = "Bearer "
					if !strings.HasPrefix(header, prefix) {
						return "", false
					}
					token := strings.TrimSpace(header[len(prefix):])
					return token, token != ""
				},
			},
			{
				Source: "cookie",
				Extract: func(r *http.Request) (string, bool) {
					cookie, err := r.Cookie(cookieName)
					if err != nil || cookie.Value == "" {
						return "", false
					}
					return cookie.Value, true
				},
			},
		},
	}
}

// Resolve validates whichever credential the request presents. A request
// with no credential at all and one with a bad credential both come back
// ErrUnauthorized.
func (s *SessionResolver) Resolve(ctx context.Context, r *http.Request) (*CurrentActor, error) {
	for _, extractor := range s.extractors {
		token, ok := extractor.Extract(r)
		if !ok {
			continue
		}
		user, err := s.tokens.Validate(ctx, token)
		if err != nil {
			return nil, err
		}
		return &CurrentActor{
			User:      user,
			Token:     token,
			TokenHash: hashing.TokenDigest(token),
			Source:    extractor.Source,
		}, nil
	}
	return nil, ErrUnauthorized
}

// AuthorizationGate makes role and page-ownership decisions for the rest of
// the application.
type AuthorizationGate struct {
	pages scylla.PageRepositoryInterface
}

func NewAuthorizationGate(pages scylla.PageRepositoryInterface) *AuthorizationGate {
	return &AuthorizationGate{pages: pages}
}

// CanManagePage decides page-level write access. The switch is exhaustive
// over the closed role set: an unknown role is an error, never a silent
// fall-through.
func (g *AuthorizationGate) CanManagePage(ctx context.Context, user *model.User, pageID string) (bool, error) {
	if user == nil {
		return false, ErrUnauthorized
	}
	switch user.Role {
	case model.RoleSystemAdmin:
		// Super-role, bypasses per-page bindings.
		return true, nil
	case model.RolePageAdmin:
		ok, err := g.pages.IsAdmin(ctx, pageID, user.UserID)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		return ok, nil
	case model.RoleParent:
		return false, nil
	default:
		return false, fmt.Errorf("%w: unknown role %q", ErrForbidden, user.Role)
	}
}

// IsPageAdmin is the raw mapping lookup, without the super-role bypass.
func (g *AuthorizationGate) IsPageAdmin(ctx context.Context, userID, pageID string) (bool, error) {
	ok, err := g.pages.IsAdmin(ctx, pageID, userID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return ok, nil
}

// RequireSystemAdmin guards administrative collaborator endpoints.
func (g *AuthorizationGate) RequireSystemAdmin(user *model.User) error {
	if user == nil {
		return ErrUnauthorized
	}
	if user.Role != model.RoleSystemAdmin {
		return ErrForbidden
	}
	return nil
}
