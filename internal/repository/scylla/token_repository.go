package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"classpage-auth/internal/model"
	"classpage-auth/internal/util"
)

// TokenRepository stores bearer tokens by owner, with a token_lookup table
// keyed on the token digest so validation resolves the owner in one read.
type TokenRepository struct {
	client *ScyllaClient
}

func NewTokenRepository(client *ScyllaClient) *TokenRepository {
	return &TokenRepository{client: client}
}

func (r *TokenRepository) Create(ctx context.Context, token *model.AuthToken) error {
	userID, err := gocql.ParseUUID(token.UserID)
	if err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}

	err = r.client.Prepared.CreateToken.Bind(
		userID, token.TokenHash, token.OriginIP, token.UserAgent,
		token.CreatedAt, token.RevokedAt,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	err = r.client.Prepared.CreateTokenLookup.Bind(token.TokenHash, userID).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to store token lookup: %w", err)
	}
	return nil
}

func (r *TokenRepository) GetByHash(ctx context.Context, tokenHash string) (*model.AuthToken, error) {
	var userID gocql.UUID
	err := r.client.Prepared.GetTokenLookup.Bind(tokenHash).WithContext(ctx).Scan(&userID)
	if err == gocql.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token: %w", err)
	}

	var token model.AuthToken
	var gotID gocql.UUID
	var revokedAt time.Time
	err = r.client.Prepared.GetTokenByHash.Bind(userID, tokenHash).WithContext(ctx).Scan(
		&gotID, &token.TokenHash, &token.OriginIP, &token.UserAgent,
		&token.CreatedAt, &revokedAt,
	)
	if err == gocql.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	token.UserID = gotID.String()
	if !revokedAt.IsZero() {
		token.RevokedAt = &revokedAt
	}
	return &token, nil
}

func (r *TokenRepository) Revoke(ctx context.Context, userID, tokenHash string, at time.Time) error {
	id, err := gocql.ParseUUID(userID)
	if err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}

	err = r.client.Prepared.RevokeToken.Bind(at, id, tokenHash).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// RevokeAllForUser stamps every unrevoked token for the user. Returns the
// number of tokens revoked.
func (r *TokenRepository) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int, error) {
	id, err := gocql.ParseUUID(userID)
	if err != nil {
		return 0, fmt.Errorf("invalid user id: %w", err)
	}

	iter := r.client.Prepared.ListUserTokens.Bind(id).WithContext(ctx).Iter()

	var hashes []string
	for {
		var gotID gocql.UUID
		var tokenHash, originIP, userAgent string
		var createdAt, revokedAt time.Time
		if !iter.Scan(&gotID, &tokenHash, &originIP, &userAgent, &createdAt, &revokedAt) {
			break
		}
		if revokedAt.IsZero() {
			hashes = append(hashes, tokenHash)
		}
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("failed to list tokens: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, hash := range hashes {
		hash := hash
		g.Go(func() error {
			return r.Revoke(gctx, userID, hash, at)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	util.Debug("revoked tokens for user",
		zap.String("user_id", userID),
		zap.Int("count", len(hashes)))
	return len(hashes), nil
}
