package provision

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/ceres-platform/tenant-operator/internal/logging"
	"github.com/ceres-platform/tenant-operator/internal/naming"
)

// sqlExecer is the slice of *sql.DB the provisioner needs; tests substitute a
// recording fake.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PingContext(ctx context.Context) error
}

// PostgresSchemaProvisioner creates per-tenant schemas over a privileged
// administrative connection pool. Every statement uses create-if-absent
// semantics so a re-run on an already provisioned tenant is a success no-op.
type PostgresSchemaProvisioner struct {
	db      sqlExecer
	timeout time.Duration
	closer  func() error
}

// NewPostgresSchemaProvisioner opens an admin connection pool for the given
// DSN using the pgx stdlib driver.
func NewPostgresSchemaProvisioner(dsn string) (*PostgresSchemaProvisioner, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(1 * time.Hour)
	return &PostgresSchemaProvisioner{db: db, timeout: DefaultTimeout, closer: db.Close}, nil
}

func (p *PostgresSchemaProvisioner) Close() error {
	if p.closer != nil {
		return p.closer()
	}
	return nil
}

// EnsureSchema provisions the tenant schema, its metadata table, the
// row-level isolation policy and the dedicated tenant role, then records the
// tenant metadata row. Safe to call twice.
func (p *PostgresSchemaProvisioner) EnsureSchema(ctx context.Context, t Tenant) (SchemaRef, error) {
	if err := naming.ValidateTenantID(t.ID); err != nil {
		return SchemaRef{}, Validationf(StepSchema, "tenantID: %v", err)
	}
	schema := naming.SchemaName(t.ID)
	role := naming.DatabaseRole(t.ID)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.db.PingContext(ctx); err != nil {
		return SchemaRef{}, Unavailablef(StepSchema, "ping admin database: %v", err)
	}

	for _, stmt := range schemaStatements(schema, role) {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return SchemaRef{}, classifySQLError("apply schema statement", err)
		}
	}

	if _, err := p.db.ExecContext(ctx, upsertTenantConfigSQL(schema), t.ID, t.DisplayName, t.Plan); err != nil {
		return SchemaRef{}, classifySQLError("record tenant metadata", err)
	}

	logging.L.Info("schema ensured", zap.String("tenant", t.ID), zap.String("schema", schema))
	return SchemaRef{Name: schema, Role: role}, nil
}

// DropSchema tears the tenant schema and role down. Missing objects are
// success so teardown stays idempotent.
func (p *PostgresSchemaProvisioner) DropSchema(ctx context.Context, t Tenant) error {
	if err := naming.ValidateTenantID(t.ID); err != nil {
		return Validationf(StepSchema, "tenantID: %v", err)
	}
	schema := naming.SchemaName(t.ID)
	role := naming.DatabaseRole(t.ID)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	for _, stmt := range []string{
		fmt.Sprintf(`DROP SCHEMA IF EXISTS %s CASCADE`, quoteIdent(schema)),
		fmt.Sprintf(`DROP ROLE IF EXISTS %s`, quoteIdent(role)),
	} {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return classifySQLError("drop schema", err)
		}
	}
	return nil
}

// schemaStatements returns the idempotent DDL for one tenant, in order.
// Identifier inputs are derived from validated tenant IDs only.
func schemaStatements(schema, role string) []string {
	qs := quoteIdent(schema)
	qr := quoteIdent(role)
	return []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, qs),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.tenant_config (
			id SERIAL PRIMARY KEY,
			tenant_id VARCHAR(32) UNIQUE NOT NULL,
			display_name VARCHAR(255) NOT NULL DEFAULT '',
			plan VARCHAR(32) NOT NULL DEFAULT 'starter',
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, qs),

		fmt.Sprintf(`ALTER TABLE %s.tenant_config ENABLE ROW LEVEL SECURITY`, qs),

		// The isolation predicate compares against the session context set per
		// request, so isolation holds even under a single shared role.
		fmt.Sprintf(`DO $$ BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM pg_policies
				WHERE schemaname = '%s' AND tablename = 'tenant_config' AND policyname = 'tenant_isolation'
			) THEN
				CREATE POLICY tenant_isolation ON %s.tenant_config
					USING (tenant_id = current_setting('app.tenant_id')::text);
			END IF;
		END $$`, schema, qs),

		fmt.Sprintf(`DO $$ BEGIN
			IF NOT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = '%s') THEN
				CREATE ROLE %s NOLOGIN;
			END IF;
		END $$`, role, qr),

		// Grants stay scoped to this tenant's schema; the role never gains
		// cross-schema privileges.
		fmt.Sprintf(`GRANT USAGE ON SCHEMA %s TO %s`, qs, qr),
		fmt.Sprintf(`GRANT ALL PRIVILEGES ON ALL TABLES IN SCHEMA %s TO %s`, qs, qr),
		fmt.Sprintf(`GRANT ALL PRIVILEGES ON ALL SEQUENCES IN SCHEMA %s TO %s`, qs, qr),
		fmt.Sprintf(`ALTER DEFAULT PRIVILEGES IN SCHEMA %s GRANT ALL PRIVILEGES ON TABLES TO %s`, qs, qr),
	}
}

func upsertTenantConfigSQL(schema string) string {
	return fmt.Sprintf(`INSERT INTO %s.tenant_config (tenant_id, display_name, plan)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id) DO UPDATE
		SET display_name = EXCLUDED.display_name, plan = EXCLUDED.plan, updated_at = now()`, quoteIdent(schema))
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// classifySQLError follows the driver's plain-error style: connection-level
// trouble retries later, everything else surfaces for triage.
func classifySQLError(op string, err error) *Error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr),
		errors.Is(err, sql.ErrConnDone):
		return Unavailablef(StepSchema, "%s: %v", op, err)
	}
	msg := err.Error()
	for _, token := range []string{"connection refused", "connection reset", "timeout", "the database system is starting up"} {
		if strings.Contains(msg, token) {
			return Unavailablef(StepSchema, "%s: %v", op, err)
		}
	}
	return Unknownf(StepSchema, "%s: %v", op, err)
}
