package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	crzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"go.uber.org/zap"

	"github.com/ceres-platform/tenant-operator/internal/audit"
	"github.com/ceres-platform/tenant-operator/internal/logging"
	"github.com/ceres-platform/tenant-operator/internal/observability"
	"github.com/ceres-platform/tenant-operator/internal/provision"
	"github.com/ceres-platform/tenant-operator/internal/reconcile"
	"github.com/ceres-platform/tenant-operator/internal/util"
	webhookv1alpha1 "github.com/ceres-platform/tenant-operator/internal/webhook/v1alpha1"
	v1alpha1 "github.com/ceres-platform/tenant-operator/pkg/api/v1alpha1"
)

func main() {
	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(v1alpha1.AddToScheme(scheme))

	ctrl.SetLogger(crzap.New(crzap.UseDevMode(parseBool(os.Getenv("CERES_DEV")))))

	shutdownTrace := func(context.Context) error { return nil }
	if closer, err := observability.SetupOTel(context.Background(), observability.Config{
		ServiceName:    "ceres-tenant-operator",
		ServiceVersion: os.Getenv("CERES_VERSION"),
		Environment:    os.Getenv("CERES_ENV"),
	}); err != nil {
		logging.L.Warn("otel_setup_failed", zap.Error(err))
	} else {
		shutdownTrace = closer
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTrace(ctx)
		}()
	}

	// The resync period is the retry trigger for Failed tenants: every resync
	// re-queues every tenant, and the reconciler resumes from recorded state.
	resync := time.Duration(getEnvInt("RESYNC_MINUTES", 5)) * time.Minute

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Cache:                  cache.Options{SyncPeriod: &resync},
		Metrics:                metricsserver.Options{BindAddress: ":8081"},
		HealthProbeBindAddress: ":8082",
		LeaderElection:         true,
		LeaderElectionID:       "ceres-tenant-operator-leader",
	})
	if err != nil {
		logging.L.Fatal("manager", zap.Error(err))
	}

	clientset, err := kubernetes.NewForConfig(mgr.GetConfig())
	if err != nil {
		logging.L.Fatal("clientset", zap.Error(err))
	}

	identity := provision.NewKeycloakIdentityProvisioner(provision.KeycloakConfig{
		BaseURL:       requireEnv("KEYCLOAK_URL"),
		AdminRealm:    os.Getenv("KEYCLOAK_ADMIN_REALM"),
		AdminUser:     requireEnv("KEYCLOAK_ADMIN_USER"),
		AdminPassword: requireEnv("KEYCLOAK_ADMIN_PASSWORD"),
	})

	dsn := requireEnv("DATABASE_URL")
	var schemas *provision.PostgresSchemaProvisioner
	err = util.Retry(60*time.Second, func() (bool, error) {
		p, e := provision.NewPostgresSchemaProvisioner(dsn)
		if e != nil {
			return true, e
		}
		schemas = p
		return false, nil
	})
	if err != nil {
		logging.L.Fatal("postgres connect", zap.Error(err))
	}
	defer schemas.Close()

	recorder := audit.NewRecorder(audit.FromEnv())
	recorder.Run()
	defer recorder.Stop()

	if err := (&reconcile.TenantReconciler{
		Client:        mgr.GetClient(),
		Scheme:        scheme,
		Namespaces:    provision.NewKubeNamespaceProvisioner(clientset),
		Identity:      identity,
		Schemas:       schemas,
		Audit:         recorder,
		MaxConcurrent: getEnvInt("MAX_CONCURRENT_RECONCILES", 4),
	}).SetupWithManager(mgr); err != nil {
		logging.L.Fatal("tenant reconciler", zap.Error(err))
	}

	if os.Getenv("ENABLE_WEBHOOKS") != "false" {
		if err := webhookv1alpha1.SetupTenantWebhooksWithManager(mgr); err != nil {
			logging.L.Fatal("tenant webhooks", zap.Error(err))
		}
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		logging.L.Fatal("healthz", zap.Error(err))
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		logging.L.Fatal("readyz", zap.Error(err))
	}

	logging.L.Info("CERES tenant operator starting manager",
		zap.Duration("resync", resync))
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		logging.L.Fatal("manager stopped", zap.Error(err))
	}
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		logging.L.Fatal("missing required env", zap.String("env", key))
	}
	return v
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func parseBool(v string) bool {
	switch v {
	case "true", "1", "yes", "on", "y", "t":
		return true
	default:
		return false
	}
}
