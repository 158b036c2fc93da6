package toolexecutor

import (
	"context"
	"errors"
	"testing"

	"github.com/harun/steward/pkg/entitlement"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) HasEntitlement(ctx context.Context, userID string, capability entitlement.Capability) (bool, error) {
	args := m.Called(ctx, userID, capability)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) Capabilities(ctx context.Context, userID string) ([]entitlement.Capability, error) {
	args := m.Called(ctx, userID)
	caps, _ := args.Get(0).([]entitlement.Capability)
	return caps, args.Error(1)
}

func noop(ctx context.Context, params map[string]interface{}) (Output, error) {
	return Output{}, nil
}

func catalogRegistry(t *testing.T) *ToolRegistry {
	t.Helper()
	reg := NewToolRegistry()
	entries := []RegistryEntry{
		{Definition: ToolDefinition{Name: "web_search", Description: "search", Handler: noop}, Category: CategoryWeb},
		{Definition: ToolDefinition{Name: "list_events", Description: "events", Handler: noop}, Requirement: RequiresCapability(entitlement.CapabilityCalendar)},
		{Definition: ToolDefinition{Name: "delete_event", Description: "delete", Handler: noop}, Requirement: RequiresCapability(entitlement.CapabilityCalendar), Approval: ApprovalAlways},
		{Definition: ToolDefinition{Name: "list_repos", Description: "repos", Handler: noop}, Requirement: RequiresCapability(entitlement.CapabilityGitHub)},
		{Definition: ToolDefinition{Name: "send_email", Description: "mail", Handler: noop}, Requirement: RequiresSecret(entitlement.CapabilityEmail)},
		{Definition: ToolDefinition{Name: "get_documents", Description: "docs", Handler: noop}, Requirement: RequiresRequest("collections")},
	}
	for _, e := range entries {
		require.NoError(t, reg.Register(e))
	}
	return reg
}

var mailSecrets = entitlement.Secrets{
	"email_address":  "alice@example.com",
	"email_password": "hunter2",
	"imap_host":      "imap.example.com",
}

func TestCatalog_Filter(t *testing.T) {
	tests := []struct {
		name     string
		calendar bool
		github   bool
		secrets  entitlement.Secrets
		request  RequestContext
		want     []string
	}{
		{
			name: "nothing granted",
			want: []string{"web_search"},
		},
		{
			name:     "calendar only",
			calendar: true,
			want:     []string{"delete_event", "list_events", "web_search"},
		},
		{
			name:    "email from secrets",
			secrets: mailSecrets,
			want:    []string{"send_email", "web_search"},
		},
		{
			name:    "documents need a collection",
			request: RequestContext{Collections: []string{"handbook"}},
			want:    []string{"get_documents", "web_search"},
		},
		{
			name:     "everything",
			calendar: true,
			github:   true,
			secrets:  mailSecrets,
			request:  RequestContext{Collections: []string{"handbook"}},
			want:     []string{"delete_event", "get_documents", "list_events", "list_repos", "send_email", "web_search"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockStore{}
			store.On("HasEntitlement", mock.Anything, "alice", entitlement.CapabilityCalendar).Return(tt.calendar, nil).Once()
			store.On("HasEntitlement", mock.Anything, "alice", entitlement.CapabilityGitHub).Return(tt.github, nil).Once()

			catalog := NewCatalog(store, zerolog.Nop())
			entries, err := catalog.Filter(context.Background(), catalogRegistry(t), FilterInput{
				UserID:  "alice",
				Secrets: tt.secrets,
				Request: tt.request,
			})

			require.NoError(t, err)
			assert.Equal(t, tt.want, Names(entries))
			store.AssertExpectations(t)
		})
	}
}

func TestCatalog_StoreErrorFailsClosed(t *testing.T) {
	store := &mockStore{}
	store.On("HasEntitlement", mock.Anything, "alice", entitlement.CapabilityCalendar).Return(false, errors.New("database is locked")).Once()
	store.On("HasEntitlement", mock.Anything, "alice", entitlement.CapabilityGitHub).Return(true, nil).Once()

	catalog := NewCatalog(store, zerolog.Nop())
	entries, err := catalog.Filter(context.Background(), catalogRegistry(t), FilterInput{UserID: "alice"})

	require.NoError(t, err)
	assert.Equal(t, []string{"list_repos", "web_search"}, Names(entries))
	store.AssertExpectations(t)
}

func TestCatalog_NilStore(t *testing.T) {
	catalog := NewCatalog(nil, zerolog.Nop())
	entries, err := catalog.Filter(context.Background(), catalogRegistry(t), FilterInput{UserID: "alice"})

	require.NoError(t, err)
	assert.Equal(t, []string{"web_search"}, Names(entries))
}

func TestCatalog_NilRegistry(t *testing.T) {
	_, err := NewCatalog(nil, zerolog.Nop()).Filter(context.Background(), nil, FilterInput{})
	assert.Error(t, err)
}

func TestCatalog_SecretPresence(t *testing.T) {
	reg := NewToolRegistry()
	require.NoError(t, reg.Register(RegistryEntry{
		Definition:  ToolDefinition{Name: "vk_post", Description: "post", Handler: noop},
		Requirement: RequiresSecret("vk_token"),
	}))
	require.NoError(t, reg.Register(RegistryEntry{
		Definition: ToolDefinition{Name: "web_search", Description: "search", Handler: noop},
	}))

	catalog := NewCatalog(nil, zerolog.Nop())

	entries, err := catalog.Filter(context.Background(), reg, FilterInput{UserID: "alice", Secrets: entitlement.Secrets{"vk_token": "abc"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"vk_post", "web_search"}, Names(entries))

	entries, err = catalog.Filter(context.Background(), reg, FilterInput{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{"web_search"}, Names(entries))

	catalog.WithSecretRules(entitlement.SecretRules{"vk_token": func(entitlement.Secrets) bool { return false }})
	entries, err = catalog.Filter(context.Background(), reg, FilterInput{UserID: "alice", Secrets: entitlement.Secrets{"vk_token": "abc"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"web_search"}, Names(entries))
}
