package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"classpage-auth/internal/client"
	"classpage-auth/internal/util"
)

const (
	sessionDataPrefix  = "sess:"
	userSessionsPrefix = "user_sess:"
)

// ErrSessionNotFound is returned when a session id is unknown or expired.
var ErrSessionNotFound = errors.New("session not found")

// SessionData is what a cookie-backed session resolves to.
type SessionData struct {
	UserID    string    `json:"user_id"`
	TokenHash string    `json:"token_hash"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionCache stores cookie-backed sessions in Redis with a TTL. The bearer
// token remains the credential of record; the session is a pointer to it so
// revoking tokens also kills cookie logins.
type SessionCache struct {
	client *client.RedisClient
}

func NewSessionCache(client *client.RedisClient) *SessionCache {
	return &SessionCache{client: client}
}

func (c *SessionCache) Put(ctx context.Context, sessionID string, data SessionData, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal session data: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, sessionDataPrefix+sessionID, string(payload), ttl)
	userKey := userSessionsPrefix + data.UserID
	pipe.SAdd(ctx, userKey, sessionID)
	pipe.Expire(ctx, userKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to store session",
			zap.String("user_id", data.UserID),
			zap.Error(err))
		return fmt.Errorf("failed to store session: %w", err)
	}

	return nil
}

func (c *SessionCache) Get(ctx context.Context, sessionID string) (*SessionData, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	raw, err := c.client.Get(ctx, sessionDataPrefix+sessionID)
	if err != nil {
		if strings.Contains(err.Error(), "key not found") {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var data SessionData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session data: %w", err)
	}

	return &data, nil
}

func (c *SessionCache) Delete(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := c.Get(ctx, sessionID)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}

	keys := []string{sessionDataPrefix + sessionID}
	if err := c.client.Del(ctx, keys...); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if data != nil {
		_ = c.client.Client.SRem(ctx, userSessionsPrefix+data.UserID, sessionID).Err()
	}

	return nil
}

// DeleteAllForUser removes every session belonging to a user. Used on
// logout-everywhere and role or status changes.
func (c *SessionCache) DeleteAllForUser(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	userKey := userSessionsPrefix + userID
	sessionIDs, err := c.client.Client.SMembers(ctx, userKey).Result()
	if err != nil {
		return fmt.Errorf("failed to list user sessions: %w", err)
	}

	keys := make([]string, 0, len(sessionIDs)+1)
	for _, id := range sessionIDs {
		keys = append(keys, sessionDataPrefix+id)
	}
	keys = append(keys, userKey)

	if err := c.client.Del(ctx, keys...); err != nil {
		util.Error("Failed to delete user sessions",
			zap.String("user_id", userID),
			zap.Int("session_count", len(sessionIDs)),
			zap.Error(err))
		return fmt.Errorf("failed to delete user sessions: %w", err)
	}

	util.Info("User sessions invalidated",
		zap.String("user_id", userID),
		zap.Int("session_count", len(sessionIDs)))

	return nil
}
