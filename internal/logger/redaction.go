package logger

import (
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"
)

const redacted = "[REDACTED]"

// minSecretValue is the shortest literal value RedactValues will mask.
const minSecretValue = 4

// rule masks the value part of a match. When the pattern has a first
// capture group it is kept (usually the key), everything after it is masked.
type rule struct {
	name    string
	re      *regexp.Regexp
	keepKey bool
}

func keyed(name, pattern string) rule {
	return rule{name: name, re: regexp.MustCompile(pattern), keepKey: true}
}

func whole(name, pattern string) rule {
	return rule{name: name, re: regexp.MustCompile(pattern)}
}

// Redactor masks credentials before log lines reach a sink. Besides the
// pattern rules it masks literal values registered with RedactValues, such
// as the request-scoped mailbox secrets of a turn.
type Redactor struct {
	mu     sync.RWMutex
	rules  []rule
	values []string
}

// NewRedactor creates a redactor with the default rules.
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []rule{
			whole("anthropic_key", `sk-ant-[a-zA-Z0-9_-]{20,}`),
			whole("openai_key", `sk-[a-zA-Z0-9_-]{20,}`),
			keyed("bearer", `(Bearer\s+)[a-zA-Z0-9._-]+`),
			keyed("password", `([a-zA-Z0-9._@-]*password"?\s*[:=]\s*"?)[^\s",}]+`),
			keyed("imap_user", `(imap_user"?\s*[:=]\s*"?)[^\s",}]+`),
			keyed("credential", `("credential"\s*:\s*")[^"]*`),
			keyed("token", `(token"?\s*[:=]\s*"?)[a-zA-Z0-9._-]{20,}`),
			whole("aws_access_key", `AKIA[0-9A-Z]{16}`),
			keyed("aws_secret", `(secret_access_key"?\s*[:=]\s*"?)[^\s",}]+`),
			keyed("secret", `(secret"?\s*[:=]\s*"?)[^\s",}]+`),
		},
	}
}

// AddPattern adds a rule that masks the whole match.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.rules = append(r.rules, rule{name: "custom", re: re})
	r.mu.Unlock()
	return nil
}

// RedactValues masks every later occurrence of the given literal values.
// Values shorter than four characters are ignored.
func (r *Redactor) RedactValues(values ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(r.values))
	for _, v := range r.values {
		seen[v] = true
	}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if len(v) < minSecretValue || seen[v] {
			continue
		}
		seen[v] = true
		r.values = append(r.values, v)
	}
	// Longest first so a value that contains another is masked whole.
	sort.Slice(r.values, func(i, j int) bool { return len(r.values[i]) > len(r.values[j]) })
}

// Redact masks sensitive information in s.
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, v := range r.values {
		s = strings.ReplaceAll(s, v, redacted)
	}
	for _, ru := range r.rules {
		if ru.keepKey {
			s = ru.re.ReplaceAllString(s, "${1}"+redacted)
		} else {
			s = ru.re.ReplaceAllString(s, redacted)
		}
	}
	return s
}

// Wrap returns a writer that redacts everything written to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success since the redacted length differs from the input.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.writer, w.redactor.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
