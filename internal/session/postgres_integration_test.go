package session

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationSessionRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres session backend: %v", err)
	}
	pg, ok := backend.(*PostgresBackend)
	if !ok {
		t.Fatalf("expected *PostgresBackend, got %T", backend)
	}
	pg.tableName = postgresIntegrationTableName("leadboard_sessions_it")
	pg.sessionKey = "it"
	t.Cleanup(func() {
		_ = pg.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	stored, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if stored != nil {
		t.Fatalf("expected nil initial session, got %+v", stored)
	}

	saved := &Session{
		Token:          "tok_1",
		OrganizationID: "org_1",
		UserID:         "user_1",
		FullName:       "Ana Souza",
		ExpiresAt:      time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
	if err := backend.Save(saved); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	saved.Token = "tok_2"
	if err := backend.Save(saved); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if loaded == nil || loaded.Token != "tok_2" || loaded.FullName != "Ana Souza" {
		t.Fatalf("unexpected loaded session %+v", loaded)
	}
	if !loaded.ExpiresAt.Equal(saved.ExpiresAt) {
		t.Fatalf("expected expiry %s, got %s", saved.ExpiresAt, loaded.ExpiresAt)
	}

	if err := backend.Clear(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if loaded, err := backend.Load(); err != nil || loaded != nil {
		t.Fatalf("expected nil session after clear, got %+v err=%v", loaded, err)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("LEADBOARD_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set LEADBOARD_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	if strings.TrimSpace(dsn) == "" || strings.TrimSpace(tableName) == "" {
		return
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
