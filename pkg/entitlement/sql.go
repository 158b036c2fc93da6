package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/steward/internal/observability"
	"github.com/harun/steward/pkg/identity"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Dialect selects placeholder syntax and schema details.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS user_credentials (
	user_id    TEXT NOT NULL,
	capability TEXT NOT NULL,
	credential TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, capability)
)`

// Grant is one stored capability of a user.
type Grant struct {
	Capability Capability
	UpdatedAt  time.Time
}

// SQLStore keeps entitlements in a SQL table.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  zerolog.Logger
	now     func() time.Time
}

// Open opens the database for driver and dsn and ensures the schema exists.
func Open(ctx context.Context, driver, dsn string, logger zerolog.Logger) (*SQLStore, error) {
	dialect := Dialect(driver)
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == DialectSQLite {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	s := NewSQLStore(db, dialect, logger)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info().Str("driver", driver).Msg("Entitlement store initialized")
	return s, nil
}

// NewSQLStore wraps an open database. Call Migrate before first use.
func NewSQLStore(db *sql.DB, dialect Dialect, logger zerolog.Logger) *SQLStore {
	observability.EnsureRegistered()
	return &SQLStore{db: db, dialect: dialect, logger: logger, now: time.Now}
}

// Migrate creates the user_credentials table if missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// placeholder returns the n-th (1-based) bind parameter for the dialect.
func (s *SQLStore) placeholder(n int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// HasEntitlement reports whether a non-empty credential is stored for the pair.
func (s *SQLStore) HasEntitlement(ctx context.Context, userID string, capability Capability) (bool, error) {
	cred, ok, err := s.Credential(ctx, userID, capability)
	if err != nil {
		return false, err
	}
	return ok && cred != "", nil
}

// Credential returns the stored credential for tool implementations. The
// orchestrator itself only ever asks for existence.
func (s *SQLStore) Credential(ctx context.Context, userID string, capability Capability) (string, bool, error) {
	userID = identity.Normalize(userID)
	if userID == "" {
		return "", false, nil
	}

	query := fmt.Sprintf(
		"SELECT credential FROM user_credentials WHERE user_id = %s AND capability = %s",
		s.placeholder(1), s.placeholder(2),
	)
	var cred string
	err := s.db.QueryRowContext(ctx, query, userID, string(capability)).Scan(&cred)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query credential: %w", err)
	}
	cred = strings.TrimSpace(cred)
	return cred, cred != "", nil
}

// Capabilities lists the capabilities with a usable credential for userID.
func (s *SQLStore) Capabilities(ctx context.Context, userID string) ([]Capability, error) {
	grants, err := s.Grants(ctx, userID)
	if err != nil {
		return nil, err
	}
	caps := make([]Capability, 0, len(grants))
	for _, g := range grants {
		caps = append(caps, g.Capability)
	}
	return caps, nil
}

// Grants lists stored capabilities with their update time, ordered by name.
func (s *SQLStore) Grants(ctx context.Context, userID string) ([]Grant, error) {
	userID = identity.Normalize(userID)
	if userID == "" {
		return nil, nil
	}

	query := fmt.Sprintf(
		"SELECT capability, credential, updated_at FROM user_credentials WHERE user_id = %s ORDER BY capability",
		s.placeholder(1),
	)
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list capabilities: %w", err)
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		var (
			capability string
			cred       string
			updatedAt  time.Time
		)
		if err := rows.Scan(&capability, &cred, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan capability: %w", err)
		}
		if strings.TrimSpace(cred) == "" {
			continue
		}
		grants = append(grants, Grant{Capability: Capability(capability), UpdatedAt: updatedAt})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list capabilities: %w", err)
	}
	return grants, nil
}

// Put stores or replaces the credential for a capability.
func (s *SQLStore) Put(ctx context.Context, userID string, capability Capability, credential string) error {
	userID = identity.Normalize(userID)
	if userID == "" {
		return ErrInvalidUser
	}
	if strings.TrimSpace(string(capability)) == "" {
		return fmt.Errorf("capability is required")
	}

	query := fmt.Sprintf(
		`INSERT INTO user_credentials (user_id, capability, credential, updated_at)
		VALUES (%s, %s, %s, %s)
		ON CONFLICT (user_id, capability) DO UPDATE SET credential = excluded.credential, updated_at = excluded.updated_at`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4),
	)
	if _, err := s.db.ExecContext(ctx, query, userID, string(capability), credential, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	observability.RecordEntitlementAudit(ctx, "grant", userID, string(capability))
	return nil
}

// Revoke deletes the credential. Revoking a missing grant is not an error.
func (s *SQLStore) Revoke(ctx context.Context, userID string, capability Capability) error {
	userID = identity.Normalize(userID)
	if userID == "" {
		return ErrInvalidUser
	}

	query := fmt.Sprintf(
		"DELETE FROM user_credentials WHERE user_id = %s AND capability = %s",
		s.placeholder(1), s.placeholder(2),
	)
	if _, err := s.db.ExecContext(ctx, query, userID, string(capability)); err != nil {
		return fmt.Errorf("failed to revoke credential: %w", err)
	}
	observability.RecordEntitlementAudit(ctx, "revoke", userID, string(capability))
	return nil
}
