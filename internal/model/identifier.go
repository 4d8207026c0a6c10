package model

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// IdentifierKind selects the delivery channel for one-time codes.
type IdentifierKind string

const (
	IdentifierEmail IdentifierKind = "email"
	IdentifierPhone IdentifierKind = "phone"
)

var ErrBadIdentifier = errors.New("identifier is neither an email address nor a phone number")

// Identifier is a normalized login handle. Normalize once at the edge; every
// store keyed by identifier assumes the normalized form.
type Identifier struct {
	Value string
	Kind  IdentifierKind
}

// NormalizeIdentifier lowercases emails and strips formatting from phone
// numbers. Classification is by shape: anything with an "@" is an email,
// otherwise it must reduce to a plausible E.164-ish digit string.
func NormalizeIdentifier(raw string) (Identifier, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Identifier{}, ErrBadIdentifier
	}

	if strings.Contains(trimmed, "@") {
		normalized := strings.ToLower(trimmed)
		at := strings.LastIndex(normalized, "@")
		if at == 0 || at == len(normalized)-1 || !strings.Contains(normalized[at:], ".") {
			return Identifier{}, ErrBadIdentifier
		}
		return Identifier{Value: normalized, Kind: IdentifierEmail}, nil
	}

	var b strings.Builder
	for i, r := range trimmed {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')':
			// formatting, dropped
		default:
			return Identifier{}, ErrBadIdentifier
		}
	}
	digits := strings.TrimPrefix(b.String(), "+")
	if len(digits) < 8 || len(digits) > 15 {
		return Identifier{}, ErrBadIdentifier
	}
	return Identifier{Value: b.String(), Kind: IdentifierPhone}, nil
}

// HashIdentifier produces the deterministic digest used as the lookup key in
// the identifier-to-user table and in audit rows. Plaintext identifiers never
// leave the users table.
func HashIdentifier(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
