package provision

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
)

type fakeResult struct{}

func (fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (fakeResult) RowsAffected() (int64, error) { return 1, nil }

type fakeDB struct {
	stmts   []string
	args    [][]any
	execErr error
	pingErr error
}

func (f *fakeDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if f.execErr != nil {
		return nil, f.execErr
	}
	f.stmts = append(f.stmts, query)
	f.args = append(f.args, args)
	return fakeResult{}, nil
}

func (f *fakeDB) PingContext(ctx context.Context) error { return f.pingErr }

func newTestSchema(db *fakeDB) *PostgresSchemaProvisioner {
	return &PostgresSchemaProvisioner{db: db, timeout: DefaultTimeout}
}

func TestEnsureSchemaStatements(t *testing.T) {
	db := &fakeDB{}
	p := newTestSchema(db)

	ref, err := p.EnsureSchema(context.Background(), testTenant())
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if ref.Name != "tenant_acme_corp" || ref.Role != "tenant_acme_corp" {
		t.Fatalf("ref: %+v", ref)
	}

	joined := strings.Join(db.stmts, "\n")
	for _, want := range []string{
		`CREATE SCHEMA IF NOT EXISTS "tenant_acme_corp"`,
		`CREATE TABLE IF NOT EXISTS "tenant_acme_corp".tenant_config`,
		`ENABLE ROW LEVEL SECURITY`,
		`current_setting('app.tenant_id')`,
		`CREATE ROLE "tenant_acme_corp" NOLOGIN`,
		`GRANT USAGE ON SCHEMA "tenant_acme_corp" TO "tenant_acme_corp"`,
		`ON CONFLICT (tenant_id) DO UPDATE`,
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing statement fragment %q", want)
		}
	}

	// The metadata upsert must be parameterised, never string-built values.
	last := db.args[len(db.args)-1]
	if len(last) != 3 || last[0] != "acme-corp" || last[2] != "starter" {
		t.Fatalf("upsert args: %v", last)
	}
}

func TestEnsureSchemaIdempotent(t *testing.T) {
	db := &fakeDB{}
	p := newTestSchema(db)
	tn := testTenant()

	first, err := p.EnsureSchema(context.Background(), tn)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	count := len(db.stmts)
	second, err := p.EnsureSchema(context.Background(), tn)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first != second {
		t.Fatalf("refs differ: %v vs %v", first, second)
	}
	// Same statement set each run; all use create-if-absent semantics.
	if len(db.stmts) != 2*count {
		t.Fatalf("statement count: %d vs %d", len(db.stmts), 2*count)
	}
}

func TestEnsureSchemaNoCrossSchemaGrants(t *testing.T) {
	for _, stmt := range schemaStatements("tenant_a", "tenant_a") {
		if strings.Contains(stmt, "GRANT") && !strings.Contains(stmt, `"tenant_a"`) {
			t.Errorf("grant not scoped to tenant schema: %s", stmt)
		}
		if strings.Contains(stmt, "SUPERUSER") || strings.Contains(stmt, "ALL DATABASES") {
			t.Errorf("over-broad grant: %s", stmt)
		}
	}
}

func TestEnsureSchemaRejectsInvalidTenant(t *testing.T) {
	db := &fakeDB{}
	p := newTestSchema(db)
	tn := testTenant()
	tn.ID = "bad id!"

	_, err := p.EnsureSchema(context.Background(), tn)
	if err == nil || KindOf(err) != KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(db.stmts) != 0 {
		t.Fatal("no SQL may run for an invalid tenant")
	}
}

func TestEnsureSchemaConnectionFailureIsUnavailable(t *testing.T) {
	db := &fakeDB{pingErr: errors.New("dial tcp: connection refused")}
	p := newTestSchema(db)

	_, err := p.EnsureSchema(context.Background(), testTenant())
	if err == nil || KindOf(err) != KindUnavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
}

func TestDropSchemaIdempotent(t *testing.T) {
	db := &fakeDB{}
	p := newTestSchema(db)
	tn := testTenant()

	if err := p.DropSchema(context.Background(), tn); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if err := p.DropSchema(context.Background(), tn); err != nil {
		t.Fatalf("repeat drop: %v", err)
	}
	joined := strings.Join(db.stmts, "\n")
	if !strings.Contains(joined, `DROP SCHEMA IF EXISTS "tenant_acme_corp" CASCADE`) {
		t.Fatalf("missing drop schema: %s", joined)
	}
	if !strings.Contains(joined, `DROP ROLE IF EXISTS "tenant_acme_corp"`) {
		t.Fatalf("missing drop role: %s", joined)
	}
}

func TestClassifySQLError(t *testing.T) {
	if KindOf(classifySQLError("x", errors.New("read tcp: connection reset by peer"))) != KindUnavailable {
		t.Fatal("connection reset should be Unavailable")
	}
	if KindOf(classifySQLError("x", errors.New("syntax error at or near"))) != KindUnknown {
		t.Fatal("syntax error should be Unknown")
	}
	if KindOf(classifySQLError("x", context.DeadlineExceeded)) != KindUnavailable {
		t.Fatal("deadline should be Unavailable")
	}
}
