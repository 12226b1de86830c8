package v1alpha1

import (
	"context"
	"testing"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/ceres-platform/tenant-operator/internal/naming"
	v1alpha1 "github.com/ceres-platform/tenant-operator/pkg/api/v1alpha1"
)

func webhookScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme := runtime.NewScheme()
	if err := v1alpha1.AddToScheme(scheme); err != nil {
		t.Fatal(err)
	}
	return scheme
}

func newValidator(t *testing.T, objs ...client.Object) *TenantValidator {
	t.Helper()
	c := fake.NewClientBuilder().
		WithScheme(webhookScheme(t)).
		WithIndex(&v1alpha1.Tenant{}, tenantIDKey, func(raw client.Object) []string {
			return []string{raw.(*v1alpha1.Tenant).Spec.TenantID}
		}).
		WithObjects(objs...).
		Build()
	return &TenantValidator{Client: c}
}

func newTenantObj(name, tenantID string) *v1alpha1.Tenant {
	return &v1alpha1.Tenant{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec: v1alpha1.TenantSpec{
			TenantID:   tenantID,
			AdminEmail: "admin@example.com",
			Plan:       v1alpha1.PlanStarter,
		},
	}
}

func TestDefaulterFillsDerivedFields(t *testing.T) {
	tenant := &v1alpha1.Tenant{
		ObjectMeta: metav1.ObjectMeta{Name: "acme-corp"},
		Spec: v1alpha1.TenantSpec{
			TenantID:   "acme-corp",
			AdminEmail: "admin@acme.example",
		},
	}

	d := &TenantDefaulter{}
	if err := d.Default(context.Background(), tenant); err != nil {
		t.Fatal(err)
	}

	if tenant.Spec.Plan != v1alpha1.PlanStarter {
		t.Fatalf("plan: %s", tenant.Spec.Plan)
	}
	if tenant.Spec.Namespace != "tenant-acme-corp" {
		t.Fatalf("namespace: %s", tenant.Spec.Namespace)
	}
	if tenant.Spec.RealmName != "acme-corp" {
		t.Fatalf("realmName: %s", tenant.Spec.RealmName)
	}
	if tenant.Labels[naming.LabelTenantID] != "acme-corp" {
		t.Fatalf("labels: %v", tenant.Labels)
	}
	if tenant.Labels[naming.LabelManagedBy] != naming.ManagerName {
		t.Fatalf("labels: %v", tenant.Labels)
	}
}

func TestDefaulterKeepsExplicitValues(t *testing.T) {
	tenant := newTenantObj("acme-corp", "acme-corp")
	tenant.Spec.Plan = v1alpha1.PlanEnterprise
	tenant.Spec.Namespace = "tenant-acme-corp"
	tenant.Spec.RealmName = "acme-corp"

	d := &TenantDefaulter{}
	if err := d.Default(context.Background(), tenant); err != nil {
		t.Fatal(err)
	}
	if tenant.Spec.Plan != v1alpha1.PlanEnterprise {
		t.Fatalf("plan overwritten: %s", tenant.Spec.Plan)
	}
}

func TestValidateCreateRejectsBadFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*v1alpha1.Tenant)
	}{
		{"short tenant id", func(tn *v1alpha1.Tenant) { tn.Spec.TenantID = "a" }},
		{"illegal characters", func(tn *v1alpha1.Tenant) { tn.Spec.TenantID = "bad id!" }},
		{"bad email", func(tn *v1alpha1.Tenant) { tn.Spec.AdminEmail = "not-an-email" }},
		{"unknown plan", func(tn *v1alpha1.Tenant) { tn.Spec.Plan = "gold" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tenant := newTenantObj("acme-corp", "acme-corp")
			tc.mutate(tenant)
			v := newValidator(t)
			if _, err := v.ValidateCreate(context.Background(), tenant); err == nil {
				t.Fatal("expected rejection")
			} else if !apierrors.IsInvalid(err) {
				t.Fatalf("expected Invalid error, got %v", err)
			}
		})
	}
}

func TestValidateCreateAcceptsValidTenant(t *testing.T) {
	v := newValidator(t)
	if _, err := v.ValidateCreate(context.Background(), newTenantObj("acme-corp", "acme-corp")); err != nil {
		t.Fatal(err)
	}
}

func TestValidateCreateRejectsDuplicateTenantID(t *testing.T) {
	existing := newTenantObj("first", "acme-corp")
	v := newValidator(t, existing)

	_, err := v.ValidateCreate(context.Background(), newTenantObj("second", "acme-corp"))
	if err == nil {
		t.Fatal("expected duplicate tenantID rejection")
	}
	if !apierrors.IsInvalid(err) {
		t.Fatalf("expected Invalid error, got %v", err)
	}
}

func TestValidateUpdateRejectsIdentityChanges(t *testing.T) {
	v := newValidator(t)
	oldTenant := newTenantObj("acme-corp", "acme-corp")
	oldTenant.Spec.Namespace = "tenant-acme-corp"
	oldTenant.Spec.RealmName = "acme-corp"

	changed := oldTenant.DeepCopy()
	changed.Spec.TenantID = "acme-corp-2"
	if _, err := v.ValidateUpdate(context.Background(), oldTenant, changed); err == nil {
		t.Fatal("tenantID change accepted")
	}

	changed = oldTenant.DeepCopy()
	changed.Spec.Namespace = "other-ns"
	if _, err := v.ValidateUpdate(context.Background(), oldTenant, changed); err == nil {
		t.Fatal("namespace change accepted")
	}

	changed = oldTenant.DeepCopy()
	changed.Spec.DisplayName = "Acme Corporation Ltd"
	if _, err := v.ValidateUpdate(context.Background(), oldTenant, changed); err != nil {
		t.Fatalf("display name change rejected: %v", err)
	}
}
