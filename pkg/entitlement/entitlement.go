// Package entitlement answers whether a user may use a capability.
//
// Two sources exist. Stored capabilities live in the user_credentials table
// and hold iff a non-empty credential is on file. Secret capabilities are
// derived from request-scoped secrets that are never persisted.
package entitlement

import (
	"context"
	"errors"
	"strings"
)

// Capability names a group of tools gated by the same credential.
type Capability string

const (
	CapabilityCalendar Capability = "calendar"
	CapabilityTinkoff  Capability = "tinkoff"
	CapabilityGitHub   Capability = "github"
	CapabilityEmail    Capability = "email"
)

// ErrInvalidUser is returned for writes on behalf of placeholder identities.
var ErrInvalidUser = errors.New("invalid user id")

// Store reports stored entitlements.
type Store interface {
	HasEntitlement(ctx context.Context, userID string, capability Capability) (bool, error)
	Capabilities(ctx context.Context, userID string) ([]Capability, error)
}

// Secrets holds request-scoped values such as mailbox credentials.
type Secrets map[string]string

// Get returns the trimmed value for key.
func (s Secrets) Get(key string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(s[key])
}

var sensitiveKeyParts = []string{"password", "token", "secret", "credential", "api_key"}

// Values returns the values of keys that hold credentials, for log
// redaction. Addresses and hosts are left out.
func (s Secrets) Values() []string {
	var out []string
	for k, v := range s {
		lk := strings.ToLower(k)
		for _, part := range sensitiveKeyParts {
			if strings.Contains(lk, part) {
				out = append(out, v)
				break
			}
		}
	}
	return out
}

// SecretRule decides whether secrets satisfy a capability.
type SecretRule func(Secrets) bool

// EmailAddress returns the mailbox address from secrets, preferring email_address over imap_user.
func EmailAddress(s Secrets) string {
	if addr := s.Get("email_address"); addr != "" {
		return addr
	}
	return s.Get("imap_user")
}

// HasEmailSecrets reports whether secrets carry a usable mailbox: an address
// containing "@" and ".", a password under "<address>_password" or
// "email_password", and an IMAP host.
func HasEmailSecrets(s Secrets) bool {
	addr := EmailAddress(s)
	if !strings.Contains(addr, "@") || !strings.Contains(addr, ".") {
		return false
	}
	password := s.Get(addr + "_password")
	if password == "" {
		password = s.Get("email_password")
	}
	if password == "" {
		return false
	}
	return s.Get("imap_host") != ""
}

// SecretRules maps capabilities to the rule that decides them from request
// secrets. A capability without a rule holds when a secret of the same name
// is present and non-blank, so new secret-backed tools need no code.
type SecretRules map[Capability]SecretRule

// DefaultSecretRules returns the built-in rules. Only email needs more than
// a presence check.
func DefaultSecretRules() SecretRules {
	return SecretRules{
		CapabilityEmail: HasEmailSecrets,
	}
}

// Holds reports whether s satisfies capability.
func (r SecretRules) Holds(capability Capability, s Secrets) bool {
	if rule, ok := r[capability]; ok {
		return rule(s)
	}
	return s.lookup(string(capability)) != ""
}

// lookup is Get with a case-insensitive fallback, since dotenv keys are
// often upper case.
func (s Secrets) lookup(key string) string {
	if v := s.Get(key); v != "" {
		return v
	}
	for k, v := range s {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// HasSecretCapability evaluates capability against the default rules.
func HasSecretCapability(capability Capability, s Secrets) bool {
	return DefaultSecretRules().Holds(capability, s)
}
