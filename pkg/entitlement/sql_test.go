package entitlement

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)

func setupSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "entitlements.db")
	store, err := Open(context.Background(), "sqlite3", dsn, testLogger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := setupSQLiteStore(t)

	ok, err := store.HasEntitlement(ctx, "alice", CapabilityCalendar)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, "alice", CapabilityCalendar, "oauth-token"))
	require.NoError(t, store.Put(ctx, "alice", CapabilityGitHub, "ghp_x"))

	ok, err = store.HasEntitlement(ctx, "alice", CapabilityCalendar)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.HasEntitlement(ctx, "bob", CapabilityCalendar)
	require.NoError(t, err)
	assert.False(t, ok, "entitlements are per user")

	caps, err := store.Capabilities(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []Capability{CapabilityCalendar, CapabilityGitHub}, caps)

	cred, ok, err := store.Credential(ctx, "alice", CapabilityGitHub)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ghp_x", cred)

	require.NoError(t, store.Revoke(ctx, "alice", CapabilityCalendar))
	ok, err = store.HasEntitlement(ctx, "alice", CapabilityCalendar)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Revoke(ctx, "alice", CapabilityCalendar), "revoking twice is fine")
}

func TestSQLStoreBlankCredentialIsNoEntitlement(t *testing.T) {
	ctx := context.Background()
	store := setupSQLiteStore(t)

	require.NoError(t, store.Put(ctx, "alice", CapabilityTinkoff, "   "))

	ok, err := store.HasEntitlement(ctx, "alice", CapabilityTinkoff)
	require.NoError(t, err)
	assert.False(t, ok)

	caps, err := store.Capabilities(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, caps)
}

func TestSQLStorePutReplaces(t *testing.T) {
	ctx := context.Background()
	store := setupSQLiteStore(t)

	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return first }
	require.NoError(t, store.Put(ctx, "alice", CapabilityGitHub, "old"))

	second := first.Add(time.Hour)
	store.now = func() time.Time { return second }
	require.NoError(t, store.Put(ctx, "alice", CapabilityGitHub, "new"))

	cred, _, err := store.Credential(ctx, "alice", CapabilityGitHub)
	require.NoError(t, err)
	assert.Equal(t, "new", cred)

	grants, err := store.Grants(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.True(t, grants[0].UpdatedAt.Equal(second))
}

func TestSQLStoreSentinelUsers(t *testing.T) {
	ctx := context.Background()
	store := setupSQLiteStore(t)

	assert.ErrorIs(t, store.Put(ctx, "anonymous", CapabilityGitHub, "x"), ErrInvalidUser)
	assert.ErrorIs(t, store.Revoke(ctx, " guest ", CapabilityGitHub), ErrInvalidUser)

	ok, err := store.HasEntitlement(ctx, "default_user", CapabilityGitHub)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpenValidation(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "dsn", testLogger)
	assert.Error(t, err)

	_, err = Open(context.Background(), "sqlite3", "", testLogger)
	assert.Error(t, err)
}

func TestSQLStoreQueryErrors(t *testing.T) {
	errDB := errors.New("connection reset")

	tests := []struct {
		name      string
		dialect   Dialect
		setupMock func(sqlmock.Sqlmock)
		call      func(*SQLStore) error
	}{
		{
			name:    "has entitlement query fails",
			dialect: DialectPostgres,
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT credential FROM user_credentials WHERE user_id = \$1 AND capability = \$2`).
					WithArgs("alice", "calendar").
					WillReturnError(errDB)
			},
			call: func(s *SQLStore) error {
				_, err := s.HasEntitlement(context.Background(), "alice", CapabilityCalendar)
				return err
			},
		},
		{
			name:    "capabilities query fails",
			dialect: DialectSQLite,
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT capability, credential, updated_at FROM user_credentials WHERE user_id = \?`).
					WithArgs("alice").
					WillReturnError(errDB)
			},
			call: func(s *SQLStore) error {
				_, err := s.Capabilities(context.Background(), "alice")
				return err
			},
		},
		{
			name:    "put fails",
			dialect: DialectPostgres,
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`INSERT INTO user_credentials`).
					WithArgs("alice", "github", "tok", sqlmock.AnyArg()).
					WillReturnError(errDB)
			},
			call: func(s *SQLStore) error {
				return s.Put(context.Background(), "alice", CapabilityGitHub, "tok")
			},
		},
		{
			name:    "revoke fails",
			dialect: DialectSQLite,
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`DELETE FROM user_credentials`).
					WithArgs("alice", "github").
					WillReturnError(errDB)
			},
			call: func(s *SQLStore) error {
				return s.Revoke(context.Background(), "alice", CapabilityGitHub)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			tt.setupMock(mock)
			store := NewSQLStore(db, tt.dialect, testLogger)

			err = tt.call(store)
			require.Error(t, err)
			assert.ErrorIs(t, err, errDB)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSQLStorePostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"credential"}).AddRow(" token ")
	mock.ExpectQuery(`WHERE user_id = \$1 AND capability = \$2`).
		WithArgs("alice", "tinkoff").
		WillReturnRows(rows)

	store := NewSQLStore(db, DialectPostgres, testLogger)
	cred, ok, err := store.Credential(context.Background(), "alice", CapabilityTinkoff)

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "token", cred)
	assert.NoError(t, mock.ExpectationsWereMet())
}
