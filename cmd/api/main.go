package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"

	"go.uber.org/zap"

	"github.com/ceres-platform/tenant-operator/internal/httpapi"
	"github.com/ceres-platform/tenant-operator/internal/logging"
	"github.com/ceres-platform/tenant-operator/internal/observability"
	v1alpha1 "github.com/ceres-platform/tenant-operator/pkg/api/v1alpha1"
)

func main() {
	shutdownTrace := func(context.Context) error { return nil }
	if closer, err := observability.SetupOTel(context.Background(), observability.Config{
		ServiceName:    "ceres-tenant-api",
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

	if v := os.Getenv("CERES_REQUIRE_AUTH"); v == "true" || v == "1" || v == "yes" || v == "on" {
		if os.Getenv("JWT_SIGNING_KEY") == "" {
			logging.L.Fatal("missing required env for auth", zap.String("env", "JWT_SIGNING_KEY"))
		}
	}

	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(v1alpha1.AddToScheme(scheme))

	kube, err := ctrlclient.New(ctrl.GetConfigOrDie(), ctrlclient.Options{Scheme: scheme})
	if err != nil {
		logging.L.Fatal("cluster client", zap.Error(err))
	}

	srv := httpapi.NewServer(kube)
	s := &http.Server{
		Addr:              ":8080",
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	logging.L.Info("CERES tenant API listening", zap.String("addr", s.Addr))
	if err := httpapi.StartHTTP(context.Background(), s); err != nil && err != http.ErrServerClosed {
		logging.L.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	time.Sleep(100 * time.Millisecond)
}
