// Package provision holds the three tenant provisioners (namespace, identity,
// schema) and the typed error taxonomy the reconciler consumes. Provisioners
// perform external side effects only; status is owned by the reconciler.
package provision

import (
	"context"
	"time"
)

// Pipeline step names, in creation order.
const (
	StepNamespace = "namespace"
	StepIdentity  = "identity"
	StepSchema    = "schema"
)

// DefaultTimeout bounds each external API call. A timeout is classified the
// same as a 5xx: Unavailable.
const DefaultTimeout = 10 * time.Second

// Tenant is the validated input every provisioner operates on. It is built
// from an admitted TenantSpec after defaulting; provisioners may assume the
// field rules already hold.
type Tenant struct {
	ID            string
	DisplayName   string
	AdminUsername string
	AdminEmail    string
	Plan          string
	Namespace     string
	RealmName     string
}

// NamespaceRef identifies a provisioned compute namespace.
type NamespaceRef struct {
	Name string
}

// RealmRef identifies a provisioned identity realm.
type RealmRef struct {
	Name string
}

// UserRef is an opaque reference to a created identity user. It never carries
// credentials.
type UserRef struct {
	ID       string
	Username string
}

// SchemaRef identifies a provisioned database schema and its dedicated role.
type SchemaRef struct {
	Name string
	Role string
}

// NamespaceProvisioner creates and tears down the tenant's isolated compute
// namespace and its access-control bindings.
type NamespaceProvisioner interface {
	EnsureNamespace(ctx context.Context, t Tenant) (NamespaceRef, error)
	EnsureAccessBindings(ctx context.Context, t Tenant, ns NamespaceRef) error
	DeleteNamespace(ctx context.Context, name string) error
}

// IdentityProvisioner creates and tears down the tenant's identity realm and
// bootstrap admin user.
type IdentityProvisioner interface {
	EnsureRealm(ctx context.Context, t Tenant) (RealmRef, error)
	EnsureAdminUser(ctx context.Context, t Tenant, realm RealmRef) (UserRef, error)
	DeleteRealm(ctx context.Context, name string) error
}

// SchemaProvisioner creates and tears down the tenant's database schema,
// metadata table, row-level isolation policy and dedicated role.
type SchemaProvisioner interface {
	EnsureSchema(ctx context.Context, t Tenant) (SchemaRef, error)
	DropSchema(ctx context.Context, t Tenant) error
}
