// Package auth carries the caller identity the gateway trusts. Token
// issuance and session handling live in the outer platform; the gateway
// receives an already-authenticated identity and only derives authorization
// from it.
package auth

import (
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// PrincipalType distinguishes interactive users from machine clients.
type PrincipalType string

const (
	PrincipalUser PrincipalType = "user"
	PrincipalApp  PrincipalType = "app"
)

// Admin permissions. Either one bypasses access filtering.
const (
	PermUsersAdmin = "users:admin"
	PermRolesAdmin = "roles:admin"
)

// Principal is the authenticated caller. App clients carry roles only;
// users may also hold user-specific grants keyed by UserID.
type Principal struct {
	Type        PrincipalType
	Subject     string
	UserID      *int64
	RoleIDs     []int64
	Permissions []string
}

// IsAdmin reports whether the principal bypasses access filtering.
func (p *Principal) IsAdmin() bool {
	for _, perm := range p.Permissions {
		if perm == PermUsersAdmin || perm == PermRolesAdmin {
			return true
		}
	}
	return false
}

// VerifyClientSecret compares a bcrypt hash against a presented secret.
func VerifyClientSecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// HashClientSecret produces the stored form of an app client secret.
func HashClientSecret(secret string) (string, error) {
	out, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	return string(out), err
}

// FromRequest reads the identity headers set by the fronting auth layer.
// Absent headers yield nil: the caller decides whether anonymous access is
// acceptable for the route.
//
//	X-User-ID:      numeric user id (users only)
//	X-Subject:      username or client id
//	X-Role-IDs:     comma separated numeric role ids
//	X-Permissions:  comma separated permission strings
func FromRequest(r *http.Request) *Principal {
	subject := r.Header.Get("X-Subject")
	userHeader := r.Header.Get("X-User-ID")
	if subject == "" && userHeader == "" {
		return nil
	}

	p := &Principal{Type: PrincipalApp, Subject: subject}
	if userHeader != "" {
		if id, err := strconv.ParseInt(userHeader, 10, 64); err == nil {
			p.Type = PrincipalUser
			p.UserID = &id
		}
	}
	for _, part := range splitList(r.Header.Get("X-Role-IDs")) {
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			p.RoleIDs = append(p.RoleIDs, id)
		}
	}
	p.Permissions = splitList(r.Header.Get("X-Permissions"))
	return p
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
