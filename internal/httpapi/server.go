// Package httpapi serves the tenant management REST API. It is a thin layer
// over the Tenant custom resources: writes go through the API server where
// admission fills defaults, and the operator does the actual provisioning.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/ceres-platform/tenant-operator/internal/lib/httperr"
	"github.com/ceres-platform/tenant-operator/internal/logging"
	"github.com/ceres-platform/tenant-operator/internal/naming"
	v1alpha1 "github.com/ceres-platform/tenant-operator/pkg/api/v1alpha1"
	"github.com/ceres-platform/tenant-operator/pkg/catalog"
)

const (
	version               = "0.1.0"
	defaultTokenTTL       = 60 * time.Minute
	maxBodyBytes    int64 = 1 << 20 // 1MB
	otelServiceName       = "ceres-tenant-api"

	rateLimitRequests = 300
	rateLimitWindow   = time.Minute
)

// Server exposes the HTTP handlers for the management API.
type Server struct {
	kube        ctrlclient.Client
	requireAuth bool
	signingKey  []byte
}

// NewServer builds a Server over the given cluster client. Auth is enabled
// with CERES_REQUIRE_AUTH; the HS256 signing key comes from JWT_SIGNING_KEY.
func NewServer(kube ctrlclient.Client) *Server {
	return &Server{
		kube:        kube,
		requireAuth: parseBool(os.Getenv("CERES_REQUIRE_AUTH")),
		signingKey:  []byte(os.Getenv("JWT_SIGNING_KEY")),
	}
}

// Router returns the configured HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httprate.LimitByIP(rateLimitRequests, rateLimitWindow))
	r.Use(otelhttp.NewMiddleware(otelServiceName))
	r.Use(s.logMiddleware)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/healthz", s.healthz)
		api.Get("/readyz", s.readyz)
		api.Get("/version", s.versionHandler)
		api.Get("/plans", s.listPlans)

		api.Post("/tokens", s.issueToken)
		api.With(s.authMiddleware).Get("/me", s.me)

		api.Route("/tenants", func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Post("/", s.createTenant)
			r.Get("/", s.listTenants)
			r.Route("/{tenantID}", func(r chi.Router) {
				r.Use(s.tenantCtx)
				r.Get("/", s.getTenant)
				r.Delete("/", s.deleteTenant)
				r.Get("/status", s.tenantStatus)
			})
		})
	})

	return r
}

// StartHTTP listens and serves until the context is canceled.
func StartHTTP(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		_ = srv.Shutdown(context.Background())
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		}
		spanCtx := trace.SpanContextFromContext(r.Context())
		if spanCtx.IsValid() {
			fields = append(fields, zap.String("trace_id", spanCtx.TraceID().String()))
		}
		logging.L.Info("http_request", fields...)
	})
}

// tenantCtx rejects requests whose X-Ceres-Tenant header names a different
// tenant than the path. The header is optional; setting it lets proxies pin
// a request to one tenant regardless of the path they forward.
func (s *Server) tenantCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hdr := r.Header.Get("X-Ceres-Tenant"); hdr != "" && hdr != chi.URLParam(r, "tenantID") {
			httperr.Write(w, http.StatusBadRequest, "CERES-400", "tenant header does not match request path")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAuth {
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), &Claims{
				Subject: "anonymous",
				Roles:   []string{RoleAdmin},
			})))
			return
		}
		claims, err := AuthConfig{Key: s.signingKey}.ParseFromHeader(r.Header.Get("Authorization"))
		if err != nil {
			httperr.Write(w, http.StatusUnauthorized, "CERES-401", "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func (s *Server) requireRole(w http.ResponseWriter, r *http.Request, allowed ...string) bool {
	if !s.requireAuth {
		return true
	}
	claims := ClaimsFrom(r.Context())
	for _, role := range allowed {
		if HasRole(claims, role) {
			return true
		}
	}
	httperr.Write(w, http.StatusForbidden, "CERES-403", "forbidden")
	return false
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	var list v1alpha1.TenantList
	if err := s.kube.List(r.Context(), &list, ctrlclient.Limit(1)); err != nil {
		httperr.Write(w, http.StatusServiceUnavailable, "CERES-503", "cluster not reachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) versionHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": version})
}

func (s *Server) listPlans(w http.ResponseWriter, _ *http.Request) {
	plans, err := catalog.Plans()
	if err != nil {
		httperr.Write(w, http.StatusInternalServerError, "CERES-500", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	if len(s.signingKey) == 0 {
		httperr.Write(w, http.StatusInternalServerError, "CERES-500", "signing key not configured")
		return
	}
	var req TokenRequest
	if err := decodeJSON(r, &req); err != nil {
		httperr.Write(w, http.StatusBadRequest, "CERES-400", err.Error())
		return
	}
	if req.Subject == "" {
		httperr.Write(w, http.StatusBadRequest, "CERES-400", "subject is required")
		return
	}
	ttl := defaultTokenTTL
	if req.TTLMinutes > 0 {
		ttl = time.Duration(req.TTLMinutes) * time.Minute
	}
	exp := time.Now().Add(ttl)
	claims := Claims{
		Subject: req.Subject,
		Roles:   req.Roles,
		Tenant:  req.Tenant,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.signingKey)
	if err != nil {
		httperr.Write(w, http.StatusInternalServerError, "CERES-500", "could not sign token")
		return
	}
	writeJSON(w, http.StatusCreated, TokenResponse{Token: signed, ExpiresAt: exp})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"subject": claims.Subject,
		"roles":   claims.Roles,
		"tenant":  claims.Tenant,
	})
}

func (s *Server) createTenant(w http.ResponseWriter, r *http.Request) {
	if !s.requireRole(w, r, RoleAdmin, RoleOps) {
		return
	}
	var req TenantRequest
	if err := decodeJSON(r, &req); err != nil {
		httperr.Write(w, http.StatusBadRequest, "CERES-400", err.Error())
		return
	}
	if err := naming.ValidateTenantID(req.TenantID); err != nil {
		httperr.Write(w, http.StatusBadRequest, "CERES-400", "tenantId: "+err.Error())
		return
	}
	if err := naming.ValidateEmail(req.AdminEmail); err != nil {
		httperr.Write(w, http.StatusBadRequest, "CERES-400", "adminEmail: "+err.Error())
		return
	}
	plan := req.Plan
	if plan == "" {
		plan = v1alpha1.PlanStarter
	}
	if err := naming.ValidatePlan(plan); err != nil {
		httperr.Write(w, http.StatusBadRequest, "CERES-400", "plan: "+err.Error())
		return
	}

	tenant := &v1alpha1.Tenant{
		ObjectMeta: metav1.ObjectMeta{
			Name: req.TenantID,
			Labels: map[string]string{
				naming.LabelTenantID:  req.TenantID,
				naming.LabelManagedBy: naming.ManagerName,
			},
		},
		Spec: v1alpha1.TenantSpec{
			TenantID:      req.TenantID,
			DisplayName:   req.DisplayName,
			AdminUsername: req.AdminUsername,
			AdminEmail:    req.AdminEmail,
			Plan:          plan,
			Namespace:     naming.Namespace(req.TenantID),
			RealmName:     naming.RealmName(req.TenantID),
		},
	}
	if err := s.kube.Create(r.Context(), tenant); err != nil {
		if apierrors.IsAlreadyExists(err) || apierrors.IsConflict(err) {
			httperr.Write(w, http.StatusConflict, "CERES-409", "tenant already exists")
			return
		}
		if apierrors.IsInvalid(err) {
			httperr.Write(w, http.StatusBadRequest, "CERES-400", err.Error())
			return
		}
		httperr.Write(w, http.StatusInternalServerError, "CERES-500", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toTenantResponse(tenant))
}

func (s *Server) listTenants(w http.ResponseWriter, r *http.Request) {
	if !s.requireRole(w, r, RoleAdmin, RoleOps, RoleReadOnly) {
		return
	}
	var list v1alpha1.TenantList
	if err := s.kube.List(r.Context(), &list); err != nil {
		httperr.Write(w, http.StatusInternalServerError, "CERES-500", err.Error())
		return
	}
	phase := strings.TrimSpace(r.URL.Query().Get("phase"))
	plan := strings.TrimSpace(r.URL.Query().Get("plan"))
	out := make([]TenantResponse, 0, len(list.Items))
	for i := range list.Items {
		t := &list.Items[i]
		if phase != "" && string(t.Status.Phase) != phase {
			continue
		}
		if plan != "" && t.Spec.Plan != plan {
			continue
		}
		out = append(out, toTenantResponse(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTenant(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	tenantID := chi.URLParam(r, "tenantID")
	if s.requireAuth && !CanAccessTenant(claims, tenantID) {
		httperr.Write(w, http.StatusForbidden, "CERES-403", "forbidden")
		return
	}
	tenant, ok := s.fetchTenant(w, r, tenantID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toTenantResponse(tenant))
}

func (s *Server) deleteTenant(w http.ResponseWriter, r *http.Request) {
	if !s.requireRole(w, r, RoleAdmin, RoleOps) {
		return
	}
	tenantID := chi.URLParam(r, "tenantID")
	tenant, ok := s.fetchTenant(w, r, tenantID)
	if !ok {
		return
	}
	if err := s.kube.Delete(r.Context(), tenant); err != nil && !apierrors.IsNotFound(err) {
		httperr.Write(w, http.StatusInternalServerError, "CERES-500", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "deleting"})
}

func (s *Server) tenantStatus(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	tenantID := chi.URLParam(r, "tenantID")
	if s.requireAuth && !CanAccessTenant(claims, tenantID) {
		httperr.Write(w, http.StatusForbidden, "CERES-403", "forbidden")
		return
	}
	tenant, ok := s.fetchTenant(w, r, tenantID)
	if !ok {
		return
	}
	conds := make([]ConditionResponse, 0, len(tenant.Status.Conditions))
	for _, c := range tenant.Status.Conditions {
		conds = append(conds, ConditionResponse{
			Type:    c.Type,
			Status:  string(c.Status),
			Reason:  c.Reason,
			Message: c.Message,
		})
	}
	writeJSON(w, http.StatusOK, TenantStatusResponse{
		TenantID:         tenant.Spec.TenantID,
		Phase:            string(tenant.Status.Phase),
		Conditions:       conds,
		ResourcesCreated: tenant.Status.ResourcesCreated,
		ProvisionedAt:    timePtr(tenant.Status.ProvisionedAt),
		LastUpdated:      timePtr(tenant.Status.LastUpdated),
	})
}

func (s *Server) fetchTenant(w http.ResponseWriter, r *http.Request, tenantID string) (*v1alpha1.Tenant, bool) {
	var tenant v1alpha1.Tenant
	if err := s.kube.Get(r.Context(), types.NamespacedName{Name: tenantID}, &tenant); err != nil {
		if apierrors.IsNotFound(err) {
			httperr.Write(w, http.StatusNotFound, "CERES-404", "tenant not found")
			return nil, false
		}
		httperr.Write(w, http.StatusInternalServerError, "CERES-500", err.Error())
		return nil, false
	}
	return &tenant, true
}

// Request and response DTOs.
type TokenRequest struct {
	Subject    string   `json:"subject"`
	Roles      []string `json:"roles"`
	Tenant     string   `json:"tenant,omitempty"`
	TTLMinutes int      `json:"ttlMinutes"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type TenantRequest struct {
	TenantID      string `json:"tenantId"`
	DisplayName   string `json:"displayName"`
	AdminUsername string `json:"adminUsername"`
	AdminEmail    string `json:"adminEmail"`
	Plan          string `json:"plan"`
}

type TenantResponse struct {
	TenantID    string     `json:"tenantId"`
	DisplayName string     `json:"displayName,omitempty"`
	AdminEmail  string     `json:"adminEmail"`
	Plan        string     `json:"plan"`
	Namespace   string     `json:"namespace"`
	RealmName   string     `json:"realmName"`
	Phase       string     `json:"phase"`
	CreatedAt   time.Time  `json:"createdAt"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

type ConditionResponse struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

type TenantStatusResponse struct {
	TenantID         string              `json:"tenantId"`
	Phase            string              `json:"phase"`
	Conditions       []ConditionResponse `json:"conditions"`
	ResourcesCreated []string            `json:"resourcesCreated"`
	ProvisionedAt    *time.Time          `json:"provisionedAt,omitempty"`
	LastUpdated      *time.Time          `json:"lastUpdated,omitempty"`
}

func toTenantResponse(t *v1alpha1.Tenant) TenantResponse {
	resp := TenantResponse{
		TenantID:    t.Spec.TenantID,
		DisplayName: t.Spec.DisplayName,
		AdminEmail:  t.Spec.AdminEmail,
		Plan:        t.Spec.Plan,
		Namespace:   t.Spec.Namespace,
		RealmName:   t.Spec.RealmName,
		Phase:       string(t.Status.Phase),
		CreatedAt:   t.CreationTimestamp.Time,
	}
	if t.DeletionTimestamp != nil {
		resp.DeletedAt = &t.DeletionTimestamp.Time
	}
	return resp
}

func timePtr(t *metav1.Time) *time.Time {
	if t == nil {
		return nil
	}
	return &t.Time
}

// Helpers.
func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on", "y", "t":
		return true
	default:
		return false
	}
}
