package naming

import (
	"fmt"
	"strings"
)

const (
	namespacePrefix = "tenant-"
	schemaPrefix    = "tenant_"

	tenantIDMinLen = 3
	tenantIDMaxLen = 32

	LabelTenantID  = "ceres.io/tenant-id"
	LabelManagedBy = "app.kubernetes.io/managed-by"

	AnnotationPodSecurity = "pod-security.kubernetes.io/enforce"

	ManagerName = "ceres-tenant-operator"
)

// Plans accepted by the validation rules, in display order.
var Plans = []string{"free", "starter", "professional", "enterprise"}

// Namespace derives the compute namespace for a tenant. Pure and injective
// over valid tenant IDs: two distinct IDs never map to the same namespace.
func Namespace(tenantID string) string {
	return namespacePrefix + tenantID
}

// RealmName derives the identity realm for a tenant. The realm shares the
// tenant ID's charset so realm validation equals tenant-ID validation.
func RealmName(tenantID string) string {
	return tenantID
}

// SchemaName derives the SQL schema for a tenant: lowercased, hyphens become
// underscores. Valid tenant IDs never contain underscores, so the mapping
// stays injective.
func SchemaName(tenantID string) string {
	return schemaPrefix + normalizeSQL(tenantID)
}

// DatabaseRole derives the dedicated per-tenant database role. It matches
// SchemaName so the role/schema pairing is obvious in pg_catalog.
func DatabaseRole(tenantID string) string {
	return schemaPrefix + normalizeSQL(tenantID)
}

func normalizeSQL(id string) string {
	return strings.ReplaceAll(strings.ToLower(id), "-", "_")
}

// ValidateTenantID enforces the tenant identity rules: 3-32 characters,
// lowercase alphanumerics and hyphens only, no leading/trailing hyphen.
func ValidateTenantID(id string) error {
	if id == "" {
		return fmt.Errorf("tenantID is required")
	}
	if len(id) < tenantIDMinLen || len(id) > tenantIDMaxLen {
		return fmt.Errorf("tenantID must be between %d and %d characters", tenantIDMinLen, tenantIDMaxLen)
	}
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			continue
		}
		return fmt.Errorf("tenantID must contain only lowercase alphanumeric characters and hyphens")
	}
	if strings.HasPrefix(id, "-") || strings.HasSuffix(id, "-") {
		return fmt.Errorf("tenantID must not start or end with a hyphen")
	}
	return nil
}

// ValidateEmail checks the minimal shape required of an admin email: a local
// part, an @, and a domain containing a dot.
func ValidateEmail(email string) error {
	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 {
		return fmt.Errorf("invalid email format: %q", email)
	}
	domain := email[at+1:]
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return fmt.Errorf("invalid email domain: %q", email)
	}
	return nil
}

// ValidatePlan checks the subscription plan against the closed enum.
func ValidatePlan(plan string) error {
	for _, p := range Plans {
		if plan == p {
			return nil
		}
	}
	return fmt.Errorf("plan must be one of: %s", strings.Join(Plans, ", "))
}
