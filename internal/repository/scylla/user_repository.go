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

// UserRepository stores accounts partitioned by user bucket, with a separate
// identifier_to_user table for lookup by hashed contact identifier. The
// lookup insert is IF NOT EXISTS so two concurrent provisioning attempts for
// the same identifier produce exactly one account.
type UserRepository struct {
	client *ScyllaClient
}

func NewUserRepository(client *ScyllaClient) *UserRepository {
	return &UserRepository{client: client}
}

func (r *UserRepository) Create(ctx context.Context, user *model.User, identifierHash string) (bool, error) {
	userID, err := gocql.ParseUUID(user.UserID)
	if err != nil {
		return false, fmt.Errorf("invalid user id: %w", err)
	}

	applied, err := r.client.Prepared.CreateIdentifierLink.Bind(
		identifierHash, user.UserBucket, userID, user.CreatedAt,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, fmt.Errorf("failed to link identifier: %w", err)
	}
	if !applied {
		// Lost the race; the caller re-reads the winner.
		return false, nil
	}

	err = r.client.Prepared.CreateUser.Bind(
		user.UserBucket, userID, user.Identifier, string(user.Role), string(user.Status),
		user.CreatedAt, user.LastLoginAt, user.LastLoginIP,
	).WithContext(ctx).Exec()
	if err != nil {
		return false, fmt.Errorf("failed to create user: %w", err)
	}

	util.Debug("user created",
		zap.String("user_id", user.UserID),
		zap.Int("user_bucket", user.UserBucket),
		zap.String("role", string(user.Role)))
	return true, nil
}

func (r *UserRepository) GetByID(ctx context.Context, userBucket int, userID string) (*model.User, error) {
	id, err := gocql.ParseUUID(userID)
	if err != nil {
		return nil, fmt.Errorf("invalid user id: %w", err)
	}

	var user model.User
	var gotID gocql.UUID
	var role, status string
	var lastLoginAt time.Time

	err = r.client.Prepared.GetUserByID.Bind(userBucket, id).WithContext(ctx).Scan(
		&user.UserBucket, &gotID, &user.Identifier, &role, &status,
		&user.CreatedAt, &lastLoginAt, &user.LastLoginIP,
	)
	if err == gocql.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	user.UserID = gotID.String()
	user.Role = model.Role(role)
	user.Status = model.UserStatus(status)
	if !lastLoginAt.IsZero() {
		user.LastLoginAt = &lastLoginAt
	}
	return &user, nil
}

func (r *UserRepository) GetByIdentifierHash(ctx context.Context, identifierHash string) (*model.User, error) {
	var userBucket int
	var userID gocql.UUID

	err := r.client.Prepared.GetUserByIdentifier.Bind(identifierHash).WithContext(ctx).Scan(&userBucket, &userID)
	if err == gocql.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve identifier: %w", err)
	}

	return r.GetByID(ctx, userBucket, userID.String())
}

func (r *UserRepository) UpdateRole(ctx context.Context, user *model.User, role model.Role, status model.UserStatus) error {
	id, err := gocql.ParseUUID(user.UserID)
	if err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}

	err = r.client.Prepared.UpdateUserStatus.Bind(
		string(role), string(status), user.UserBucket, id,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to update user role: %w", err)
	}

	user.Role = role
	user.Status = status
	return nil
}

func (r *UserRepository) TouchLogin(ctx context.Context, user *model.User, at time.Time, originIP string) error {
	id, err := gocql.ParseUUID(user.UserID)
	if err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}

	err = r.client.Prepared.UpdateUserLastLogin.Bind(at, originIP, user.UserBucket, id).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	return nil
}
