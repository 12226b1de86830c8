package provision

import (
	"context"
	"errors"

	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/ceres-platform/tenant-operator/internal/naming"
)

const (
	tenantAdminRoleName        = "tenant-admin"
	tenantAdminBindingName     = "tenant-admin-binding"
	tenantAdminServiceAccount  = "tenant-admin"
	podSecurityEnforceBaseline = "baseline"
)

// Capabilities granted inside the tenant namespace. Namespaced kinds only;
// the role never reaches cluster scope.
var tenantAdminRules = []rbacv1.PolicyRule{
	{
		APIGroups: []string{""},
		Resources: []string{"pods", "services", "configmaps", "secrets"},
		Verbs:     []string{"get", "list", "watch", "create", "update", "patch", "delete"},
	},
	{
		APIGroups: []string{"apps"},
		Resources: []string{"deployments", "statefulsets", "daemonsets"},
		Verbs:     []string{"get", "list", "watch", "create", "update", "patch", "delete"},
	},
	{
		APIGroups: []string{"batch"},
		Resources: []string{"jobs", "cronjobs"},
		Verbs:     []string{"get", "list", "watch", "create", "update", "patch", "delete"},
	},
}

// KubeNamespaceProvisioner provisions tenant namespaces and RBAC on a
// Kubernetes clientset.
type KubeNamespaceProvisioner struct {
	clientset kubernetes.Interface
	timeout   func(context.Context) (context.Context, context.CancelFunc)
}

func NewKubeNamespaceProvisioner(cset kubernetes.Interface) *KubeNamespaceProvisioner {
	return &KubeNamespaceProvisioner{
		clientset: cset,
		timeout: func(ctx context.Context) (context.Context, context.CancelFunc) {
			return context.WithTimeout(ctx, DefaultTimeout)
		},
	}
}

// EnsureNamespace creates the tenant namespace with its identifying labels.
// An existing namespace carrying the same tenant-id label is success; one
// carrying a different tenant-id is a NamespaceConflict and is never adopted.
func (p *KubeNamespaceProvisioner) EnsureNamespace(ctx context.Context, t Tenant) (NamespaceRef, error) {
	ctx, cancel := p.timeout(ctx)
	defer cancel()

	name := t.Namespace
	if name == "" {
		name = naming.Namespace(t.ID)
	}

	existing, err := p.clientset.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		if owner := existing.Labels[naming.LabelTenantID]; owner != t.ID {
			return NamespaceRef{}, Conflictf(StepNamespace, ReasonNamespaceConflict,
				"namespace %q exists with tenant-id label %q, want %q", name, owner, t.ID)
		}
		return NamespaceRef{Name: name}, nil
	}
	if !apierrors.IsNotFound(err) {
		return NamespaceRef{}, classifyAPIError(StepNamespace, "get namespace", err)
	}

	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: name,
			Labels: map[string]string{
				naming.LabelTenantID:  t.ID,
				naming.LabelManagedBy: naming.ManagerName,
			},
			Annotations: map[string]string{
				naming.AnnotationPodSecurity: podSecurityEnforceBaseline,
			},
		},
	}
	if _, err := p.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{}); err != nil {
		if apierrors.IsAlreadyExists(err) {
			// Lost a create race; re-check ownership on the next call path.
			return p.EnsureNamespace(ctx, t)
		}
		return NamespaceRef{}, classifyAPIError(StepNamespace, "create namespace", err)
	}
	return NamespaceRef{Name: name}, nil
}

// EnsureAccessBindings sets up the ServiceAccount, Role and RoleBinding that
// scope tenant workload management to the namespace.
func (p *KubeNamespaceProvisioner) EnsureAccessBindings(ctx context.Context, t Tenant, ns NamespaceRef) error {
	ctx, cancel := p.timeout(ctx)
	defer cancel()

	sa := &corev1.ServiceAccount{
		ObjectMeta: metav1.ObjectMeta{
			Name:      tenantAdminServiceAccount,
			Namespace: ns.Name,
			Labels:    map[string]string{naming.LabelTenantID: t.ID},
		},
	}
	if _, err := p.clientset.CoreV1().ServiceAccounts(ns.Name).Create(ctx, sa, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return classifyAPIError(StepNamespace, "create serviceaccount", err)
	}

	if err := p.ensureRole(ctx, ns.Name); err != nil {
		return err
	}

	rb := &rbacv1.RoleBinding{
		ObjectMeta: metav1.ObjectMeta{
			Name:      tenantAdminBindingName,
			Namespace: ns.Name,
			Labels:    map[string]string{naming.LabelTenantID: t.ID},
		},
		RoleRef: rbacv1.RoleRef{
			APIGroup: rbacv1.GroupName,
			Kind:     "Role",
			Name:     tenantAdminRoleName,
		},
		Subjects: []rbacv1.Subject{
			{Kind: rbacv1.ServiceAccountKind, Name: tenantAdminServiceAccount, Namespace: ns.Name},
		},
	}
	if _, err := p.clientset.RbacV1().RoleBindings(ns.Name).Create(ctx, rb, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return classifyAPIError(StepNamespace, "create rolebinding", err)
	}
	return nil
}

// ensureRole converges the Role's rules on update so manual edits drift back.
func (p *KubeNamespaceProvisioner) ensureRole(ctx context.Context, ns string) error {
	roles := p.clientset.RbacV1().Roles(ns)
	if role, err := roles.Get(ctx, tenantAdminRoleName, metav1.GetOptions{}); err == nil {
		role.Rules = tenantAdminRules
		if _, err := roles.Update(ctx, role, metav1.UpdateOptions{}); err != nil && !apierrors.IsConflict(err) {
			return classifyAPIError(StepNamespace, "update role", err)
		}
		return nil
	} else if !apierrors.IsNotFound(err) {
		return classifyAPIError(StepNamespace, "get role", err)
	}
	role := &rbacv1.Role{
		ObjectMeta: metav1.ObjectMeta{Name: tenantAdminRoleName, Namespace: ns},
		Rules:      tenantAdminRules,
	}
	if _, err := roles.Create(ctx, role, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return classifyAPIError(StepNamespace, "create role", err)
	}
	return nil
}

// DeleteNamespace removes the tenant namespace. Already gone is success so
// teardown stays idempotent across restarts.
func (p *KubeNamespaceProvisioner) DeleteNamespace(ctx context.Context, name string) error {
	ctx, cancel := p.timeout(ctx)
	defer cancel()

	err := p.clientset.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return classifyAPIError(StepNamespace, "delete namespace", err)
	}
	return nil
}

// classifyAPIError maps Kubernetes API failures into the provision taxonomy:
// timeouts and server-side trouble retry later, everything else surfaces for
// triage.
func classifyAPIError(step, op string, err error) *Error {
	switch {
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err), apierrors.IsServiceUnavailable(err),
		apierrors.IsInternalError(err), apierrors.IsTooManyRequests(err), errors.Is(err, context.DeadlineExceeded):
		return Unavailablef(step, "%s: %v", op, err)
	default:
		return Unknownf(step, "%s: %v", op, err)
	}
}
