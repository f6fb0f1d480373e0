// Package credentials models short-lived database credentials and the sources
// that issue them. Implementations are backend-specific: files rendered by a
// Vault Agent sidecar, or the Vault database secrets engine over HTTP.
// Credential material MUST NOT be serialized to JSON responses or logged raw;
// use Redact for any user-visible output.
package credentials

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrCredentialNotFound is returned when no credential material exists at the
// configured location (file absent, Vault path missing).
var ErrCredentialNotFound = errors.New("credential not found")

// ErrMalformedCredential is returned when credential material exists but
// cannot be parsed into a complete username/password pair.
var ErrMalformedCredential = errors.New("malformed credential")

// Credential is one issued username/password pair with its lease metadata.
// Expiry is enforced server-side by the database; Expired is advisory and
// only used to decide when a re-read is worth attempting.
type Credential struct {
	Username      string
	Password      string
	LeaseID       string        // Empty for file-based credentials.
	LeaseDuration time.Duration // Zero when the source does not report a TTL.
	IssuedAt      time.Time
	Renewable     bool
}

// Source issues credentials. Read returns a freshly read credential on every
// call. Callers must not cache beyond one connection attempt, since the
// backing material rotates asynchronously.
type Source interface {
	// Read returns the current credential or ErrCredentialNotFound /
	// ErrMalformedCredential.
	Read(ctx context.Context) (*Credential, error)

	// Name returns the source identifier for logging (never includes secrets).
	Name() string
}

// ExpiresAt returns the lease expiration time, or the zero time when the
// source does not report a TTL.
func (c *Credential) ExpiresAt() time.Time {
	if c.LeaseDuration <= 0 {
		return time.Time{}
	}
	return c.IssuedAt.Add(c.LeaseDuration)
}

// Expired reports whether the lease TTL has elapsed. Always false for
// credentials without a known TTL.
func (c *Credential) Expired(now time.Time) bool {
	exp := c.ExpiresAt()
	return !exp.IsZero() && now.After(exp)
}

// Same reports whether two credentials are the same issued instance.
// Used to detect rotation between successive reads.
func (c *Credential) Same(other *Credential) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.Username == other.Username &&
		c.Password == other.Password &&
		c.LeaseID == other.LeaseID
}

// Redact masks all but the first showChars characters of a secret for display.
// Short values are returned unchanged since masking them reveals the length
// anyway.
func Redact(s string, showChars int) string {
	if len(s) <= 2*showChars {
		return s
	}
	return s[:showChars] + strings.Repeat("*", len(s)-showChars)
}
