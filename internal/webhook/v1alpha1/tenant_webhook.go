// Package v1alpha1 holds the admission webhooks for the Tenant resource.
// Mutation fills derived defaults so the reconciler always sees a closed
// spec; validation rejects malformed specs before they are persisted.
package v1alpha1

import (
	"context"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/validation/field"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/webhook"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"go.uber.org/zap"

	"github.com/ceres-platform/tenant-operator/internal/logging"
	"github.com/ceres-platform/tenant-operator/internal/naming"
	v1alpha1 "github.com/ceres-platform/tenant-operator/pkg/api/v1alpha1"
)

const tenantIDKey = "spec.tenantID"

// SetupTenantWebhooksWithManager registers the Tenant defaulter and validator
// and the tenantID field index used for duplicate detection.
func SetupTenantWebhooksWithManager(mgr ctrl.Manager) error {
	if err := mgr.GetFieldIndexer().IndexField(context.Background(), &v1alpha1.Tenant{}, tenantIDKey, func(raw client.Object) []string {
		return []string{raw.(*v1alpha1.Tenant).Spec.TenantID}
	}); err != nil {
		return fmt.Errorf("index %s: %w", tenantIDKey, err)
	}

	return ctrl.NewWebhookManagedBy(mgr).
		For(&v1alpha1.Tenant{}).
		WithDefaulter(&TenantDefaulter{}).
		WithValidator(&TenantValidator{Client: mgr.GetClient()}).
		Complete()
}

// +kubebuilder:webhook:path=/mutate-ceres-io-v1alpha1-tenant,mutating=true,failurePolicy=fail,sideEffects=None,groups=ceres.io,resources=tenants,verbs=create;update,versions=v1alpha1,name=mtenant.ceres.io,admissionReviewVersions=v1

// TenantDefaulter fills the derived fields a client may omit.
type TenantDefaulter struct{}

var _ webhook.CustomDefaulter = (*TenantDefaulter)(nil)

func (d *TenantDefaulter) Default(_ context.Context, obj runtime.Object) error {
	tenant, ok := obj.(*v1alpha1.Tenant)
	if !ok {
		return apierrors.NewInternalError(fmt.Errorf("expected a Tenant but got %T", obj))
	}

	if tenant.Spec.Plan == "" {
		tenant.Spec.Plan = v1alpha1.PlanStarter
	}
	if tenant.Spec.Namespace == "" && tenant.Spec.TenantID != "" {
		tenant.Spec.Namespace = naming.Namespace(tenant.Spec.TenantID)
	}
	if tenant.Spec.RealmName == "" && tenant.Spec.TenantID != "" {
		tenant.Spec.RealmName = naming.RealmName(tenant.Spec.TenantID)
	}
	if tenant.Labels == nil {
		tenant.Labels = map[string]string{}
	}
	tenant.Labels[naming.LabelTenantID] = tenant.Spec.TenantID
	tenant.Labels[naming.LabelManagedBy] = naming.ManagerName

	logging.L.Debug("tenant defaulted",
		zap.String("name", tenant.Name),
		zap.String("namespace", tenant.Spec.Namespace),
		zap.String("plan", tenant.Spec.Plan))
	return nil
}

// +kubebuilder:webhook:path=/validate-ceres-io-v1alpha1-tenant,mutating=false,failurePolicy=fail,sideEffects=None,groups=ceres.io,resources=tenants,verbs=create;update,versions=v1alpha1,name=vtenant.ceres.io,admissionReviewVersions=v1

// TenantValidator enforces the spec field rules and tenantID uniqueness.
type TenantValidator struct {
	Client client.Client
}

var _ webhook.CustomValidator = (*TenantValidator)(nil)

func (v *TenantValidator) ValidateCreate(ctx context.Context, obj runtime.Object) (admission.Warnings, error) {
	tenant, ok := obj.(*v1alpha1.Tenant)
	if !ok {
		return nil, apierrors.NewInternalError(fmt.Errorf("expected a Tenant but got %T", obj))
	}

	errs := validateSpec(tenant.Spec)

	// A duplicate tenantID would collide on every derived resource name.
	var existing v1alpha1.TenantList
	if err := v.Client.List(ctx, &existing, client.MatchingFields{tenantIDKey: tenant.Spec.TenantID}); err != nil {
		return nil, apierrors.NewInternalError(fmt.Errorf("list tenants: %w", err))
	}
	for _, other := range existing.Items {
		if other.Name == tenant.Name {
			continue
		}
		dup := field.Duplicate(field.NewPath("spec", "tenantID"), tenant.Spec.TenantID)
		dup.Detail = fmt.Sprintf("tenant %s already uses this tenantID", other.Name)
		errs = append(errs, dup)
		break
	}

	return nil, invalidOrNil(tenant, errs)
}

func (v *TenantValidator) ValidateUpdate(_ context.Context, oldObj, newObj runtime.Object) (admission.Warnings, error) {
	newTenant, okNew := newObj.(*v1alpha1.Tenant)
	oldTenant, okOld := oldObj.(*v1alpha1.Tenant)
	if !okNew || !okOld {
		return nil, apierrors.NewInternalError(fmt.Errorf("expected Tenant objects, got %T and %T", oldObj, newObj))
	}

	errs := validateSpec(newTenant.Spec)
	if newTenant.Spec.TenantID != oldTenant.Spec.TenantID {
		errs = append(errs, field.Invalid(field.NewPath("spec", "tenantID"), newTenant.Spec.TenantID, "tenantID is immutable"))
	}
	if newTenant.Spec.Namespace != oldTenant.Spec.Namespace {
		errs = append(errs, field.Invalid(field.NewPath("spec", "namespace"), newTenant.Spec.Namespace, "namespace is immutable"))
	}
	if newTenant.Spec.RealmName != oldTenant.Spec.RealmName {
		errs = append(errs, field.Invalid(field.NewPath("spec", "realmName"), newTenant.Spec.RealmName, "realmName is immutable"))
	}

	return nil, invalidOrNil(newTenant, errs)
}

func (v *TenantValidator) ValidateDelete(context.Context, runtime.Object) (admission.Warnings, error) {
	return nil, nil
}

func validateSpec(spec v1alpha1.TenantSpec) field.ErrorList {
	errs := field.ErrorList{}
	if err := naming.ValidateTenantID(spec.TenantID); err != nil {
		errs = append(errs, field.Invalid(field.NewPath("spec", "tenantID"), spec.TenantID, err.Error()))
	}
	if err := naming.ValidateEmail(spec.AdminEmail); err != nil {
		errs = append(errs, field.Invalid(field.NewPath("spec", "adminEmail"), spec.AdminEmail, err.Error()))
	}
	if spec.Plan != "" {
		if err := naming.ValidatePlan(spec.Plan); err != nil {
			errs = append(errs, field.NotSupported(field.NewPath("spec", "plan"), spec.Plan, naming.Plans))
		}
	}
	return errs
}

func invalidOrNil(tenant *v1alpha1.Tenant, errs field.ErrorList) error {
	if len(errs) == 0 {
		return nil
	}
	return apierrors.NewInvalid(v1alpha1.GroupVersion.WithKind("Tenant").GroupKind(), tenant.Name, errs)
}
