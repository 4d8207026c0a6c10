package model

import "time"

// -------------------- USER --------------------

// Role is the closed set of account roles. Anything outside these constants
// fails authorization rather than falling through.
type Role string

const (
	RoleSystemAdmin Role = "system_admin"
	RolePageAdmin   Role = "page_admin"
	RoleParent      Role = "parent"
)

type UserStatus string

const (
	UserActive   UserStatus = "active"
	UserInactive UserStatus = "inactive"
)

type User struct {
	UserBucket   int        `json:"user_bucket" db:"user_bucket"`
	UserID       string     `json:"user_id" db:"user_id"`
	Identifier   string     `json:"identifier" db:"identifier"` // normalized email or phone
	Role         Role       `json:"role" db:"role"`
	Status       UserStatus `json:"status" db:"status"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
	LastLoginIP  string     `json:"-" db:"last_login_ip"`
}

// -------------------- OTP --------------------

type OTPCode struct {
	Identifier    string     `json:"identifier" db:"identifier"`
	OTPID         string     `json:"otp_id" db:"otp_id"` // timeuuid, newest first
	CodeHash      string     `json:"-" db:"code_hash"`
	CodeSalt      string     `json:"-" db:"code_salt"`
	PepperVersion int        `json:"-" db:"pepper_version"`
	OriginIP      string     `json:"origin_ip" db:"origin_ip"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at" db:"expires_at"`
	ConsumedAt    *time.Time `json:"consumed_at,omitempty" db:"consumed_at"`
}

// Live reports whether the code is still verifiable.
func (o *OTPCode) Live(now time.Time) bool {
	return o.ConsumedAt == nil && now.Before(o.ExpiresAt)
}

// -------------------- AUTH TOKEN --------------------

type AuthToken struct {
	UserID    string     `json:"user_id" db:"user_id"`
	TokenHash string     `json:"-" db:"token_hash"`
	OriginIP  string     `json:"origin_ip" db:"origin_ip"`
	UserAgent string     `json:"user_agent" db:"user_agent"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}

// -------------------- INVITATION --------------------

type InvitationStatus string

const (
	InvitationActive   InvitationStatus = "active"
	InvitationUsed     InvitationStatus = "used"
	InvitationDisabled InvitationStatus = "disabled"
)

// RegistrationFields is the family data a parent can fill in ahead of the
// claim. It is stored envelope-encrypted; the struct exists only in memory.
type RegistrationFields struct {
	ChildName      string `json:"child_name"`
	ChildBirthDate string `json:"child_birth_date,omitempty"`
	Parent1Name    string `json:"parent1_name"`
	Parent1Role    string `json:"parent1_role,omitempty"`
	Parent1Phone   string `json:"parent1_phone,omitempty"`
	Parent2Name    string `json:"parent2_name,omitempty"`
	Parent2Phone   string `json:"parent2_phone,omitempty"`
}

type Invitation struct {
	Code              string           `json:"code" db:"code"`
	SchoolName        string           `json:"school_name" db:"school_name"`
	AdminEmail        string           `json:"admin_email" db:"admin_email"`
	Status            InvitationStatus `json:"status" db:"status"`
	RegistrationJSON  []byte           `json:"-" db:"registration_json"` // encrypted
	RegistrationDEK   string           `json:"-" db:"registration_dek"`
	RegistrationKeyID string           `json:"-" db:"registration_key_id"`
	UsedByUserID      string           `json:"used_by_user_id,omitempty" db:"used_by_user_id"`
	UsedPageID        string           `json:"used_page_id,omitempty" db:"used_page_id"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
	UsedAt            *time.Time       `json:"used_at,omitempty" db:"used_at"`
}

// HasRegistration reports whether family details were stored ahead of the
// claim, which decides between the registration and login forms.
func (i *Invitation) HasRegistration() bool {
	return len(i.RegistrationJSON) > 0
}

// -------------------- PAGE --------------------

type Page struct {
	PageID     string    `json:"page_id" db:"page_id"`
	SchoolName string    `json:"school_name" db:"school_name"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

type PageAdmin struct {
	PageID    string    `json:"page_id" db:"page_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// -------------------- AUDIT --------------------

type AuthEvent struct {
	EventTime      time.Time `json:"event_time"`
	EventType      string    `json:"event_type"`
	IdentifierHash string    `json:"identifier_hash,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	OriginIP       string    `json:"origin_ip,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	Outcome        string    `json:"outcome"`
	Detail         string    `json:"detail,omitempty"`
}

// Event types produced by the auth services.
const (
	EventOTPRequested  = "auth.otp.requested"
	EventOTPVerified   = "auth.otp.verified"
	EventOTPRejected   = "auth.otp.rejected"
	EventTokenIssued   = "auth.token.issued"
	EventTokenRevoked  = "auth.token.revoked"
	EventInviteCreated = "auth.invite.created"
	EventInviteClaimed = "auth.invite.claimed"
	EventRateLimited   = "auth.rate_limited"
)
