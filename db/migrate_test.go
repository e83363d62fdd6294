package db

import (
	"context"
	"strings"
	"testing"
)

func TestMigrationsEmbeddedInOrder(t *testing.T) {
	names, err := Migrations()
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if len(names) == 0 {
		t.Fatalf("expected embedded migrations")
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Errorf("migrations out of order: %s before %s", names[i-1], names[i])
		}
	}

	body, err := migrationFS.ReadFile(names[0])
	if err != nil {
		t.Fatalf("read %s: %v", names[0], err)
	}
	for _, table := range []string{"cases", "inspections", "case_events", "outbox", "case_documents", "review_notes", "audit_logs", "operators"} {
		if !strings.Contains(string(body), "CREATE TABLE IF NOT EXISTS "+table+" ") {
			t.Errorf("expected %s table in %s", table, names[0])
		}
	}
}

func TestNewPoolRejectsEmptyDSN(t *testing.T) {
	if _, err := NewPool(context.Background(), "", PoolOptions{}); err == nil {
		t.Fatalf("expected error for empty connection string")
	}
}
