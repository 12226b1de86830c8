package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

var (
	GroupVersion = schema.GroupVersion{Group: "ceres.io", Version: "v1alpha1"}
)

// TenantPhase summarises where a tenant is in its provisioning lifecycle.
type TenantPhase string

const (
	TenantPhasePending      TenantPhase = "Pending"
	TenantPhaseProvisioning TenantPhase = "Provisioning"
	TenantPhaseActive       TenantPhase = "Active"
	TenantPhaseFailed       TenantPhase = "Failed"
	TenantPhaseDeleting     TenantPhase = "Deleting"
)

// Condition types maintained by the tenant reconciler. The latest entry per
// type is authoritative.
const (
	ConditionNamespaceReady = "NamespaceReady"
	ConditionIdentityReady  = "IdentityReady"
	ConditionSchemaReady    = "SchemaReady"
	ConditionReady          = "Ready"
)

// Subscription plans accepted by the platform.
const (
	PlanFree         = "free"
	PlanStarter      = "starter"
	PlanProfessional = "professional"
	PlanEnterprise   = "enterprise"
)

// TenantSpec defines the desired state of a tenant. TenantID is the primary
// identity; the admission layer fills Namespace, RealmName and Plan defaults
// before the reconciler ever observes the object.
type TenantSpec struct {
	TenantID      string `json:"tenantID"`
	DisplayName   string `json:"displayName,omitempty"`
	AdminUsername string `json:"adminUsername,omitempty"`
	AdminEmail    string `json:"adminEmail"`
	Plan          string `json:"plan,omitempty"`
	Namespace     string `json:"namespace,omitempty"`
	RealmName     string `json:"realmName,omitempty"`
}

func (s TenantSpec) DeepCopy() TenantSpec {
	return s
}

// TenantStatus is the observed state, written only by the reconciler.
// ResourcesCreated records the external identifiers actually provisioned
// (namespace, realm, schema) and drives idempotent resume and teardown.
type TenantStatus struct {
	Phase              TenantPhase        `json:"phase,omitempty"`
	Conditions         []metav1.Condition `json:"conditions,omitempty"`
	ProvisionedAt      *metav1.Time       `json:"provisionedAt,omitempty"`
	LastUpdated        *metav1.Time       `json:"lastUpdated,omitempty"`
	ObservedGeneration int64              `json:"observedGeneration,omitempty"`
	ResourcesCreated   []string           `json:"resourcesCreated,omitempty"`
}

func (s TenantStatus) DeepCopy() TenantStatus {
	out := s
	if s.Conditions != nil {
		out.Conditions = make([]metav1.Condition, len(s.Conditions))
		copy(out.Conditions, s.Conditions)
	}
	if s.ProvisionedAt != nil {
		out.ProvisionedAt = s.ProvisionedAt.DeepCopy()
	}
	if s.LastUpdated != nil {
		out.LastUpdated = s.LastUpdated.DeepCopy()
	}
	if s.ResourcesCreated != nil {
		out.ResourcesCreated = append([]string{}, s.ResourcesCreated...)
	}
	return out
}

// Tenant is an isolated customer unit provisioned with its own namespace,
// identity realm and database schema.
type Tenant struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   TenantSpec   `json:"spec,omitempty"`
	Status TenantStatus `json:"status,omitempty"`
}

func (in *Tenant) DeepCopy() *Tenant {
	if in == nil {
		return nil
	}
	return in.DeepCopyObject().(*Tenant)
}

func (in *Tenant) DeepCopyObject() runtime.Object {
	if in == nil {
		return nil
	}
	out := *in
	out.ObjectMeta = *in.ObjectMeta.DeepCopy()
	out.Spec = in.Spec.DeepCopy()
	out.Status = in.Status.DeepCopy()
	return &out
}

// TenantList contains a list of tenants.
type TenantList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Tenant `json:"items"`
}

func (in *TenantList) DeepCopyObject() runtime.Object {
	if in == nil {
		return nil
	}
	out := *in
	out.ListMeta = in.ListMeta
	if in.Items != nil {
		out.Items = make([]Tenant, len(in.Items))
		for i := range in.Items {
			out.Items[i] = *in.Items[i].DeepCopyObject().(*Tenant)
		}
	}
	return &out
}

// AddToScheme registers the Tenant API types.
func AddToScheme(scheme *runtime.Scheme) error {
	scheme.AddKnownTypes(GroupVersion,
		&Tenant{}, &TenantList{},
	)
	metav1.AddToGroupVersion(scheme, GroupVersion)
	return nil
}
