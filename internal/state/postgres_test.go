package state

import (
	"database/sql"
	"errors"
	"os"
	"strings"
	"testing"
)

func TestNewPostgresBackendRequiresDSN(t *testing.T) {
	if _, err := NewPostgresBackend("   "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestPostgresQuoteIdentifier(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"n8nsync_state", `"n8nsync_state"`},
		{`weird"name`, `"weird""name"`},
		{"  padded  ", `"padded"`},
		{"", `""`},
	}
	for _, tc := range cases {
		if got := postgresQuoteIdentifier(tc.in); got != tc.want {
			t.Fatalf("quote(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestPostgresBackendOpenFailureIsSticky(t *testing.T) {
	backend, err := NewPostgresBackend("postgres://localhost/sync")
	if err != nil {
		t.Fatalf("new backend failed: %v", err)
	}
	backend.openDB = func(driverName, dsn string) (*sql.DB, error) {
		return nil, errors.New("connection refused")
	}
	if _, err := backend.Load(); err == nil {
		t.Fatalf("expected load to fail when open fails")
	}
	if err := backend.Save(&Snapshot{Workflows: map[string]Entry{}}); err == nil {
		t.Fatalf("expected save to fail when open fails")
	}
}

func TestPostgresIntegrationRoundTrip(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("N8NSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set N8NSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}

	backend, err := NewPostgresBackend(dsn)
	if err != nil {
		t.Fatalf("new backend failed: %v", err)
	}
	backend.tableName = "n8nsync_state_it"
	t.Cleanup(func() { _ = backend.Close() })

	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", snapshot)
	}

	saved := &Snapshot{Workflows: map[string]Entry{
		"wf_1": {LastSyncedHash: "abc", LastSyncedAt: "2026-08-23T10:00:00Z"},
	}}
	if err := backend.Save(saved); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if loaded == nil || loaded.Workflows["wf_1"].LastSyncedHash != "abc" {
		t.Fatalf("unexpected snapshot: %+v", loaded)
	}
}
