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

// maxLiveCodesScan bounds how many recent codes a verify attempt inspects.
// Codes are clustered newest first, and everything older than the scan window
// is either consumed or expired.
const maxLiveCodesScan = 10

// OTPRepository stores one-time codes partitioned by hashed identifier,
// clustered by timeuuid so the newest code reads first. Consumption is a
// lightweight transaction: the update applies only while consumed_at is
// still null, so exactly one verification can win a given code.
type OTPRepository struct {
	client *ScyllaClient
}

func NewOTPRepository(client *ScyllaClient) *OTPRepository {
	return &OTPRepository{client: client}
}

func (r *OTPRepository) Create(ctx context.Context, code *model.OTPCode) error {
	otpID, err := gocql.ParseUUID(code.OTPID)
	if err != nil {
		return fmt.Errorf("invalid otp id: %w", err)
	}

	err = r.client.Prepared.CreateOTP.Bind(
		code.Identifier, otpID, code.CodeHash, code.CodeSalt, code.PepperVersion,
		code.OriginIP, code.CreatedAt, code.ExpiresAt, code.ConsumedAt,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to store otp: %w", err)
	}

	util.Debug("otp stored", zap.String("otp_id", code.OTPID))
	return nil
}

func (r *OTPRepository) GetLive(ctx context.Context, identifierHash string, now time.Time) ([]*model.OTPCode, error) {
	iter := r.client.Prepared.GetLatestOTPs.Bind(identifierHash, maxLiveCodesScan).WithContext(ctx).Iter()

	var live []*model.OTPCode
	for {
		var code model.OTPCode
		var otpID gocql.UUID
		var consumedAt time.Time
		if !iter.Scan(
			&code.Identifier, &otpID, &code.CodeHash, &code.CodeSalt, &code.PepperVersion,
			&code.OriginIP, &code.CreatedAt, &code.ExpiresAt, &consumedAt,
		) {
			break
		}
		code.OTPID = otpID.String()
		if !consumedAt.IsZero() {
			t := consumedAt
			code.ConsumedAt = &t
		}
		if code.Live(now) {
			c := code
			live = append(live, &c)
		}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to read otp codes: %w", err)
	}
	return live, nil
}

func (r *OTPRepository) Consume(ctx context.Context, identifierHash, otpID string, at time.Time) (bool, error) {
	id, err := gocql.ParseUUID(otpID)
	if err != nil {
		return false, fmt.Errorf("invalid otp id: %w", err)
	}

	var prevConsumed time.Time
	applied, err := r.client.Prepared.ConsumeOTP.Bind(at, identifierHash, id).
		WithContext(ctx).ScanCAS(&prevConsumed)
	if err != nil {
		return false, fmt.Errorf("failed to consume otp: %w", err)
	}
	return applied, nil
}

func (r *OTPRepository) InvalidateAll(ctx context.Context, identifierHash string, at time.Time) (int, error) {
	live, err := r.GetLive(ctx, identifierHash, at)
	if err != nil {
		return 0, err
	}

	invalidated := 0
	for _, code := range live {
		applied, err := r.Consume(ctx, identifierHash, code.OTPID, at)
		if err != nil {
			return invalidated, err
		}
		if applied {
			invalidated++
		}
	}

	if invalidated > 0 {
		util.Debug("invalidated prior otp codes", zap.Int("count", invalidated))
	}
	return invalidated, nil
}
