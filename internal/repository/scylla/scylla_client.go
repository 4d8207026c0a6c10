package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"classpage-auth/internal/config"
	"classpage-auth/internal/util"
)

// PreparedStatements holds the statements used by the repositories. The
// conditional (IF) statements are the heart of the subsystem: exactly-once
// OTP consumption and invitation claiming both ride on Scylla LWT.
type PreparedStatements struct {
	CreateUser           *gocql.Query
	CreateIdentifierLink *gocql.Query
	GetUserByID          *gocql.Query
	GetUserByIdentifier  *gocql.Query
	UpdateUserStatus     *gocql.Query
	UpdateUserLastLogin  *gocql.Query

	CreateOTP     *gocql.Query
	GetLatestOTPs *gocql.Query
	ConsumeOTP    *gocql.Query

	CreateToken       *gocql.Query
	CreateTokenLookup *gocql.Query
	GetTokenByHash    *gocql.Query
	GetTokenLookup    *gocql.Query
	RevokeToken       *gocql.Query
	ListUserTokens    *gocql.Query

	CreateInvitation    *gocql.Query
	GetInvitation       *gocql.Query
	ClaimInvitation     *gocql.Query
	UpdateRegistration  *gocql.Query
	DisableInvitation   *gocql.Query
	StampInvitationUse  *gocql.Query

	CreatePage      *gocql.Query
	GetPage         *gocql.Query
	BindPageAdmin   *gocql.Query
	BindAdminPage   *gocql.Query
	GetPageAdmin    *gocql.Query
	ListAdminPages  *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.Mutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	// LWT reads/writes use SERIAL consistency for the paxos phase.
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	// users + identifier lookup
	prepared.CreateUser = s.Session.Query(`
        INSERT INTO users (
            user_bucket, user_id, identifier, role, status,
            created_at, last_login_at, last_login_ip
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.CreateIdentifierLink = s.Session.Query(`
        INSERT INTO identifier_to_user (identifier_hash, user_bucket, user_id, created_at)
        VALUES (?, ?, ?, ?) IF NOT EXISTS`)

	prepared.GetUserByID = s.Session.Query(`
        SELECT user_bucket, user_id, identifier, role, status,
            created_at, last_login_at, last_login_ip
        FROM users WHERE user_bucket = ? AND user_id = ?`)

	prepared.GetUserByIdentifier = s.Session.Query(`
        SELECT user_bucket, user_id FROM identifier_to_user WHERE identifier_hash = ?`)

	prepared.UpdateUserStatus = s.Session.Query(`
        UPDATE users SET role = ?, status = ? WHERE user_bucket = ? AND user_id = ?`)

	prepared.UpdateUserLastLogin = s.Session.Query(`
        UPDATE users SET last_login_at = ?, last_login_ip = ?
        WHERE user_bucket = ? AND user_id = ?`)

	// otp_codes, newest first on otp_id (timeuuid)
	prepared.CreateOTP = s.Session.Query(`
        INSERT INTO otp_codes (
            identifier, otp_id, code_hash, code_salt, pepper_version,
            origin_ip, created_at, expires_at, consumed_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetLatestOTPs = s.Session.Query(`
        SELECT identifier, otp_id, code_hash, code_salt, pepper_version,
            origin_ip, created_at, expires_at, consumed_at
        FROM otp_codes WHERE identifier = ? LIMIT ?`)

	prepared.ConsumeOTP = s.Session.Query(`
        UPDATE otp_codes SET consumed_at = ?
        WHERE identifier = ? AND otp_id = ? IF consumed_at = null`)

	// auth_tokens + hash lookup
	prepared.CreateToken = s.Session.Query(`
        INSERT INTO auth_tokens (user_id, token_hash, origin_ip, user_agent, created_at, revoked_at)
        VALUES (?, ?, ?, ?, ?, ?)`)

	prepared.CreateTokenLookup = s.Session.Query(`
        INSERT INTO token_lookup (token_hash, user_id) VALUES (?, ?)`)

	prepared.GetTokenLookup = s.Session.Query(`
        SELECT user_id FROM token_lookup WHERE token_hash = ?`)

	prepared.GetTokenByHash = s.Session.Query(`
        SELECT user_id, token_hash, origin_ip, user_agent, created_at, revoked_at
        FROM auth_tokens WHERE user_id = ? AND token_hash = ?`)

	prepared.RevokeToken = s.Session.Query(`
        UPDATE auth_tokens SET revoked_at = ? WHERE user_id = ? AND token_hash = ?`)

	prepared.ListUserTokens = s.Session.Query(`
        SELECT user_id, token_hash, origin_ip, user_agent, created_at, revoked_at
        FROM auth_tokens WHERE user_id = ?`)

	// invitations
	prepared.CreateInvitation = s.Session.Query(`
        INSERT INTO invitations (
            code, school_name, admin_email, status,
            registration_json, registration_dek, registration_key_id,
            used_by_user_id, used_page_id, created_at, used_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`)

	prepared.GetInvitation = s.Session.Query(`
        SELECT code, school_name, admin_email, status,
            registration_json, registration_dek, registration_key_id,
            used_by_user_id, used_page_id, created_at, used_at
        FROM invitations WHERE code = ?`)

	prepared.ClaimInvitation = s.Session.Query(`
        UPDATE invitations SET status = ? WHERE code = ? IF status = ?`)

	prepared.UpdateRegistration = s.Session.Query(`
        UPDATE invitations
        SET registration_json = ?, registration_dek = ?, registration_key_id = ?
        WHERE code = ? IF status = ?`)

	prepared.DisableInvitation = s.Session.Query(`
        UPDATE invitations SET status = ? WHERE code = ? IF status = ?`)

	prepared.StampInvitationUse = s.Session.Query(`
        UPDATE invitations SET used_by_user_id = ?, used_page_id = ?, used_at = ?
        WHERE code = ?`)

	// pages + admin bindings (both directions)
	prepared.CreatePage = s.Session.Query(`
        INSERT INTO pages (page_id, school_name, created_at) VALUES (?, ?, ?)`)

	prepared.GetPage = s.Session.Query(`
        SELECT page_id, school_name, created_at FROM pages WHERE page_id = ?`)

	prepared.BindPageAdmin = s.Session.Query(`
        INSERT INTO page_admins (page_id, user_id, created_at) VALUES (?, ?, ?)`)

	prepared.BindAdminPage = s.Session.Query(`
        INSERT INTO admin_pages (user_id, page_id, created_at) VALUES (?, ?, ?)`)

	prepared.GetPageAdmin = s.Session.Query(`
        SELECT user_id FROM page_admins WHERE page_id = ? AND user_id = ?`)

	prepared.ListAdminPages = s.Session.Query(`
        SELECT page_id FROM admin_pages WHERE user_id = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("ScyllaDB prepared statements created")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
