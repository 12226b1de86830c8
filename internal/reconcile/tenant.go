// Package reconcile drives Tenant resources to convergence: namespace,
// identity realm and database schema provisioned in order, status reported
// through phase and conditions. The reconciler is the only status writer.
package reconcile

import (
	"context"
	"strconv"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"go.uber.org/zap"

	"github.com/ceres-platform/tenant-operator/internal/audit"
	"github.com/ceres-platform/tenant-operator/internal/logging"
	"github.com/ceres-platform/tenant-operator/internal/metrics"
	"github.com/ceres-platform/tenant-operator/internal/naming"
	"github.com/ceres-platform/tenant-operator/internal/provision"
	v1alpha1 "github.com/ceres-platform/tenant-operator/pkg/api/v1alpha1"
)

const (
	tenantFinalizer            = "ceres.io/tenant-teardown"
	teardownAttemptsAnnotation = "ceres.io/teardown-attempts"

	// Teardown is best-effort: after this many attempts the finalizer is
	// removed so a broken downstream cannot block record removal forever.
	maxTeardownAttempts = 5

	teardownRetryDelay = 30 * time.Second
)

// TenantReconciler owns the tenant state machine. Provisioner clients are
// constructor dependencies so tests inject fakes; nothing is ambient.
type TenantReconciler struct {
	client.Client
	Scheme *runtime.Scheme

	Namespaces provision.NamespaceProvisioner
	Identity   provision.IdentityProvisioner
	Schemas    provision.SchemaProvisioner
	Audit      audit.Recorder

	// MaxConcurrent bounds cross-tenant parallelism. Events for one tenant
	// are always serialized by the workqueue.
	MaxConcurrent int
}

// clientProvisioner is satisfied by identity provisioners that also manage
// the tenant application's OAuth client. Optional; failures are best-effort.
type clientProvisioner interface {
	EnsureClient(ctx context.Context, t provision.Tenant, realm provision.RealmRef, redirectURIs []string) error
}

func (r *TenantReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	start := time.Now()
	defer func() { metrics.ReconcileSeconds.Observe(time.Since(start).Seconds()) }()

	var tenant v1alpha1.Tenant
	if err := r.Get(ctx, req.NamespacedName, &tenant); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}
	log := logging.L.With(zap.String("tenant", tenant.Spec.TenantID), zap.String("name", tenant.Name))

	if !tenant.DeletionTimestamp.IsZero() {
		return r.reconcileDeletion(ctx, &tenant, log)
	}

	if !controllerutil.ContainsFinalizer(&tenant, tenantFinalizer) {
		controllerutil.AddFinalizer(&tenant, tenantFinalizer)
		if err := r.Update(ctx, &tenant); err != nil {
			return ctrl.Result{}, client.IgnoreNotFound(err)
		}
		return ctrl.Result{Requeue: true}, nil
	}

	model, verr := buildModel(tenant.Spec)
	if verr != nil {
		// Never reach a provisioner with a malformed spec. No requeue: only a
		// spec change can fix this.
		log.Warn("tenant spec rejected", zap.Error(verr))
		return r.markFailed(ctx, &tenant, verr)
	}

	switch tenant.Status.Phase {
	case "":
		// First observation.
		tenant.Status.Phase = v1alpha1.TenantPhasePending
		if res, err := r.updateStatus(ctx, &tenant); err != nil || res.Requeue {
			return res, err
		}
		return ctrl.Result{Requeue: true}, nil
	case v1alpha1.TenantPhaseActive:
		if tenant.Status.ObservedGeneration == tenant.Generation {
			return ctrl.Result{}, nil
		}
		// Spec changed while Active: provision again for the new generation.
	case v1alpha1.TenantPhaseDeleting:
		// Deletion already underway; handled above once the timestamp is set.
		return ctrl.Result{}, nil
	}

	return r.provisionTenant(ctx, &tenant, model, log)
}

// provisionTenant runs the three-step pipeline. Steps already recorded in
// ResourcesCreated are skipped unless the generation changed, which forces a
// re-verify through the provisioners' own exists checks.
func (r *TenantReconciler) provisionTenant(ctx context.Context, tenant *v1alpha1.Tenant, model provision.Tenant, log *zap.Logger) (ctrl.Result, error) {
	forceVerify := tenant.Status.ObservedGeneration != tenant.Generation

	if tenant.Status.Phase != v1alpha1.TenantPhaseProvisioning {
		tenant.Status.Phase = v1alpha1.TenantPhaseProvisioning
		if res, err := r.updateStatus(ctx, tenant); err != nil || res.Requeue {
			return res, err
		}
	}

	// Step 1: namespace, then its access bindings.
	if forceVerify || !hasResource(tenant, model.Namespace) {
		ref, err := r.timedStep(provision.StepNamespace, func() (any, error) {
			nsRef, err := r.Namespaces.EnsureNamespace(ctx, model)
			if err != nil {
				return nil, err
			}
			if err := r.Namespaces.EnsureAccessBindings(ctx, model, nsRef); err != nil {
				return nil, err
			}
			return nsRef, nil
		})
		if err != nil {
			return r.failStep(ctx, tenant, v1alpha1.ConditionNamespaceReady, err, log)
		}
		addResource(tenant, ref.(provision.NamespaceRef).Name)
		r.setCondition(tenant, v1alpha1.ConditionNamespaceReady, metav1.ConditionTrue, "Provisioned", "namespace and access bindings in place")
		r.recordStep(model.ID, provision.StepNamespace, audit.OutcomeSuccess, "")
	}

	// Step 2: identity realm and bootstrap admin.
	if forceVerify || !hasResource(tenant, model.RealmName) {
		ref, err := r.timedStep(provision.StepIdentity, func() (any, error) {
			realm, err := r.Identity.EnsureRealm(ctx, model)
			if err != nil {
				return nil, err
			}
			if _, err := r.Identity.EnsureAdminUser(ctx, model, realm); err != nil {
				return nil, err
			}
			if cp, ok := r.Identity.(clientProvisioner); ok {
				if err := cp.EnsureClient(ctx, model, realm, nil); err != nil {
					log.Warn("oauth client not ensured", zap.Error(err))
				}
			}
			return realm, nil
		})
		if err != nil {
			return r.failStep(ctx, tenant, v1alpha1.ConditionIdentityReady, err, log)
		}
		addResource(tenant, ref.(provision.RealmRef).Name)
		r.setCondition(tenant, v1alpha1.ConditionIdentityReady, metav1.ConditionTrue, "Provisioned", "realm and admin user in place")
		r.recordStep(model.ID, provision.StepIdentity, audit.OutcomeSuccess, "")
	}

	// Step 3: database schema.
	schemaName := naming.SchemaName(model.ID)
	if forceVerify || !hasResource(tenant, schemaName) {
		ref, err := r.timedStep(provision.StepSchema, func() (any, error) {
			return r.Schemas.EnsureSchema(ctx, model)
		})
		if err != nil {
			return r.failStep(ctx, tenant, v1alpha1.ConditionSchemaReady, err, log)
		}
		addResource(tenant, ref.(provision.SchemaRef).Name)
		r.setCondition(tenant, v1alpha1.ConditionSchemaReady, metav1.ConditionTrue, "Provisioned", "schema, role and isolation policy in place")
		r.recordStep(model.ID, provision.StepSchema, audit.OutcomeSuccess, "")
	}

	tenant.Status.Phase = v1alpha1.TenantPhaseActive
	tenant.Status.ObservedGeneration = tenant.Generation
	if tenant.Status.ProvisionedAt == nil {
		now := metav1.Now()
		tenant.Status.ProvisionedAt = &now
	}
	r.setCondition(tenant, v1alpha1.ConditionReady, metav1.ConditionTrue, "TenantProvisioned", "all provisioning steps succeeded")
	log.Info("tenant provisioned")
	return r.updateStatus(ctx, tenant)
}

// failStep records the failing step and moves the tenant to Failed. Earlier
// steps' resources stay recorded: the policy is idempotent resume, not
// rollback. Retry arrives with the next observation (external resync).
func (r *TenantReconciler) failStep(ctx context.Context, tenant *v1alpha1.Tenant, condType string, err error, log *zap.Logger) (ctrl.Result, error) {
	step := provision.StepOf(err)
	kind := provision.KindOf(err)
	reason := provision.ReasonOf(err)

	metrics.ProvisionFailuresTotal.WithLabelValues(step, string(kind)).Inc()
	r.recordStep(tenant.Spec.TenantID, step, audit.OutcomeFailure, reason)
	if kind == provision.KindUnknown {
		log.Error("provisioning step failed unexpectedly", zap.String("step", step), zap.Error(err))
	} else {
		log.Warn("provisioning step failed", zap.String("step", step), zap.String("kind", string(kind)), zap.Error(err))
	}

	r.setCondition(tenant, condType, metav1.ConditionFalse, reason, failureMessage(step, kind))
	tenant.Status.Phase = v1alpha1.TenantPhaseFailed
	tenant.Status.ObservedGeneration = tenant.Generation
	r.setCondition(tenant, v1alpha1.ConditionReady, metav1.ConditionFalse, reason, failureMessage(step, kind))
	return r.updateStatus(ctx, tenant)
}

// markFailed handles validation rejections found before any provisioner ran.
func (r *TenantReconciler) markFailed(ctx context.Context, tenant *v1alpha1.Tenant, err error) (ctrl.Result, error) {
	tenant.Status.Phase = v1alpha1.TenantPhaseFailed
	tenant.Status.ObservedGeneration = tenant.Generation
	r.setCondition(tenant, v1alpha1.ConditionReady, metav1.ConditionFalse, provision.ReasonInvalidField, err.Error())
	return r.updateStatus(ctx, tenant)
}

// reconcileDeletion tears down recorded resources in reverse creation order.
// Teardown is idempotent and bounded: after maxTeardownAttempts the finalizer
// is removed regardless so the record is not blocked indefinitely.
func (r *TenantReconciler) reconcileDeletion(ctx context.Context, tenant *v1alpha1.Tenant, log *zap.Logger) (ctrl.Result, error) {
	if !controllerutil.ContainsFinalizer(tenant, tenantFinalizer) {
		return ctrl.Result{}, nil
	}

	attempts := teardownAttempts(tenant) + 1
	metrics.TeardownAttemptsTotal.Inc()
	if tenant.Annotations == nil {
		tenant.Annotations = map[string]string{}
	}
	tenant.Annotations[teardownAttemptsAnnotation] = strconv.Itoa(attempts)
	if err := r.Update(ctx, tenant); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	if tenant.Status.Phase != v1alpha1.TenantPhaseDeleting {
		tenant.Status.Phase = v1alpha1.TenantPhaseDeleting
		if res, err := r.updateStatus(ctx, tenant); err != nil || res.Requeue {
			return res, err
		}
	}

	// Match on derived names rather than a validated model: with webhooks
	// disabled the spec may no longer validate, and recorded resources still
	// have to be released.
	remaining := make([]string, 0, len(tenant.Status.ResourcesCreated))
	model := provision.Tenant{
		ID:        tenant.Spec.TenantID,
		Namespace: tenant.Spec.Namespace,
		RealmName: tenant.Spec.RealmName,
	}
	if model.Namespace == "" {
		model.Namespace = naming.Namespace(model.ID)
	}
	if model.RealmName == "" {
		model.RealmName = naming.RealmName(model.ID)
	}
	schemaName := naming.SchemaName(model.ID)

	created := tenant.Status.ResourcesCreated
	for i := len(created) - 1; i >= 0; i-- {
		name := created[i]
		var err error
		switch name {
		case schemaName:
			err = r.Schemas.DropSchema(ctx, model)
		case model.RealmName:
			err = r.Identity.DeleteRealm(ctx, name)
		case model.Namespace:
			err = r.Namespaces.DeleteNamespace(ctx, name)
		default:
			log.Warn("unrecognised provisioned resource, skipping", zap.String("resource", name))
			continue
		}
		if err != nil {
			log.Warn("teardown step failed", zap.String("resource", name), zap.Error(err))
			remaining = append([]string{name}, remaining...)
			continue
		}
		r.recordStep(model.ID, "teardown:"+name, audit.OutcomeSuccess, "")
	}

	tenant.Status.ResourcesCreated = remaining
	if res, err := r.updateStatus(ctx, tenant); err != nil || res.Requeue {
		return res, err
	}

	if len(remaining) > 0 && attempts < maxTeardownAttempts {
		return ctrl.Result{RequeueAfter: teardownRetryDelay}, nil
	}
	if len(remaining) > 0 {
		log.Error("teardown attempts exhausted, releasing tenant record",
			zap.Strings("remaining", remaining), zap.Int("attempts", attempts))
	}

	controllerutil.RemoveFinalizer(tenant, tenantFinalizer)
	if err := r.Update(ctx, tenant); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}
	log.Info("tenant released", zap.Int("attempts", attempts))
	return ctrl.Result{}, nil
}

// updateStatus persists status with optimistic concurrency. A conflict means
// a newer observation exists: re-read and retry instead of overwriting.
func (r *TenantReconciler) updateStatus(ctx context.Context, tenant *v1alpha1.Tenant) (ctrl.Result, error) {
	now := metav1.Now()
	tenant.Status.LastUpdated = &now
	if err := r.Status().Update(ctx, tenant); err != nil {
		if apierrors.IsConflict(err) {
			return ctrl.Result{Requeue: true}, nil
		}
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}
	return ctrl.Result{}, nil
}

func (r *TenantReconciler) setCondition(tenant *v1alpha1.Tenant, condType string, status metav1.ConditionStatus, reason, message string) {
	meta.SetStatusCondition(&tenant.Status.Conditions, metav1.Condition{
		Type:               condType,
		Status:             status,
		Reason:             reason,
		Message:            message,
		ObservedGeneration: tenant.Generation,
	})
}

func (r *TenantReconciler) timedStep(step string, fn func() (any, error)) (any, error) {
	start := time.Now()
	out, err := fn()
	metrics.ProvisionStepSeconds.WithLabelValues(step).Observe(time.Since(start).Seconds())
	return out, err
}

func (r *TenantReconciler) recordStep(tenantID, step, outcome, reason string) {
	if r.Audit == nil {
		return
	}
	r.Audit.Record(audit.Event{
		Tenant:  tenantID,
		Action:  "provision",
		Step:    step,
		Outcome: outcome,
		Reason:  reason,
		Actor:   naming.ManagerName,
	})
}

// buildModel validates the spec and applies derivation defaults, returning
// the closed shape the provisioners operate on.
func buildModel(spec v1alpha1.TenantSpec) (provision.Tenant, error) {
	if err := naming.ValidateTenantID(spec.TenantID); err != nil {
		return provision.Tenant{}, provision.Validationf("spec", "tenantID: %v", err)
	}
	if err := naming.ValidateEmail(spec.AdminEmail); err != nil {
		return provision.Tenant{}, provision.Validationf("spec", "adminEmail: %v", err)
	}
	plan := spec.Plan
	if plan == "" {
		plan = v1alpha1.PlanStarter
	}
	if err := naming.ValidatePlan(plan); err != nil {
		return provision.Tenant{}, provision.Validationf("spec", "plan: %v", err)
	}
	ns := spec.Namespace
	if ns == "" {
		ns = naming.Namespace(spec.TenantID)
	}
	realm := spec.RealmName
	if realm == "" {
		realm = naming.RealmName(spec.TenantID)
	}
	return provision.Tenant{
		ID:            spec.TenantID,
		DisplayName:   spec.DisplayName,
		AdminUsername: spec.AdminUsername,
		AdminEmail:    spec.AdminEmail,
		Plan:          plan,
		Namespace:     ns,
		RealmName:     realm,
	}, nil
}

func failureMessage(step string, kind provision.Kind) string {
	return "step " + step + " failed: " + string(kind)
}

func hasResource(tenant *v1alpha1.Tenant, name string) bool {
	for _, r := range tenant.Status.ResourcesCreated {
		if r == name {
			return true
		}
	}
	return false
}

func addResource(tenant *v1alpha1.Tenant, name string) {
	if !hasResource(tenant, name) {
		tenant.Status.ResourcesCreated = append(tenant.Status.ResourcesCreated, name)
	}
}

func teardownAttempts(tenant *v1alpha1.Tenant) int {
	n, _ := strconv.Atoi(tenant.Annotations[teardownAttemptsAnnotation])
	return n
}

// SetupWithManager registers the controller. MaxConcurrent reconciles run in
// parallel across tenants; one tenant is never reconciled concurrently.
func (r *TenantReconciler) SetupWithManager(mgr ctrl.Manager) error {
	if r.Scheme == nil {
		r.Scheme = mgr.GetScheme()
	}
	concurrent := r.MaxConcurrent
	if concurrent <= 0 {
		concurrent = 4
	}
	return ctrl.NewControllerManagedBy(mgr).
		For(&v1alpha1.Tenant{}).
		WithOptions(controller.Options{MaxConcurrentReconciles: concurrent}).
		Named("tenant").
		Complete(r)
}
