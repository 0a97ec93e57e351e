package storage

import (
	"context"
	"errors"
	"testing"
)

func openTestSQL(t *testing.T) *SQLDocuments {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent opens the same database twice and verifies the
// schema_version count stays the same.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := OpenSQLite(dir)
	if err != nil {
		t.Fatalf("first OpenSQLite failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := OpenSQLite(dir)
	if err != nil {
		t.Fatalf("second OpenSQLite failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestSQL(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestSQLDocumentsRoundTrip(t *testing.T) {
	s := openTestSQL(t)
	ctx := context.Background()

	if _, err := s.Load(ctx, DocIntents); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load before Save: want ErrNotFound, got %v", err)
	}

	if err := s.Save(ctx, DocIntents, []byte(`{"version":1,"intents":[]}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, DocIntents, []byte(`{"version":1,"intents":[{"id":"a"}]}`)); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	got, err := s.Load(ctx, DocIntents)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != `{"version":1,"intents":[{"id":"a"}]}` {
		t.Errorf("Load = %s, want latest body", got)
	}

	var count int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM documents").Scan(&count); err != nil {
		t.Fatalf("counting documents: %v", err)
	}
	if count != 1 {
		t.Errorf("documents rows = %d, want 1 (upsert)", count)
	}
}

func TestSQLDocumentsSaveAllIsAtomic(t *testing.T) {
	s := openTestSQL(t)
	ctx := context.Background()

	if _, err := s.DB().Exec(`CREATE TRIGGER fail_links BEFORE INSERT ON documents
		WHEN NEW.name = 'links' BEGIN SELECT RAISE(ABORT, 'disk full'); END`); err != nil {
		t.Fatalf("creating trigger: %v", err)
	}

	err := s.SaveAll(ctx, map[string][]byte{
		DocIntents: []byte(`{"version":1,"intents":[]}`),
		DocLinks:   []byte(`{"version":1,"links":[]}`),
	})
	if err == nil {
		t.Fatal("SaveAll: want error from failing links insert")
	}
	if _, err := s.Load(ctx, DocIntents); !errors.Is(err, ErrNotFound) {
		t.Errorf("intents after failed SaveAll: want ErrNotFound, got %v", err)
	}

	if _, err := s.DB().Exec("DROP TRIGGER fail_links"); err != nil {
		t.Fatalf("dropping trigger: %v", err)
	}
	if err := s.SaveAll(ctx, map[string][]byte{
		DocIntents: []byte(`{"version":1,"intents":[]}`),
		DocLinks:   []byte(`{"version":1,"links":[]}`),
	}); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}
	if _, err := s.Load(ctx, DocLinks); err != nil {
		t.Errorf("Load links: %v", err)
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLDocuments{dialect: DialectPostgres}
	if got := pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"); got != "SELECT a FROM t WHERE x = $1 AND y = $2" {
		t.Errorf("postgres rebind = %q", got)
	}
	lite := &SQLDocuments{dialect: DialectSQLite}
	if got := lite.rebind("x = ?"); got != "x = ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("CREATE TABLE a (x INT);\n\n  CREATE INDEX i ON a(x);\n")
	if len(got) != 2 {
		t.Fatalf("got %d statements, want 2: %q", len(got), got)
	}
	if got[1] != "CREATE INDEX i ON a(x)" {
		t.Errorf("second statement = %q", got[1])
	}
}

func TestParseMigrationVersion(t *testing.T) {
	v, err := parseMigrationVersion("007_add_things.sql")
	if err != nil || v != 7 {
		t.Errorf("parseMigrationVersion = %d, %v", v, err)
	}
	if _, err := parseMigrationVersion("bogus.sql"); err == nil {
		t.Error("expected error for file without version prefix")
	}
}
