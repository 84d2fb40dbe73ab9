// Command example-operator demonstrates wiring pkg/kreactor into a
// runnable operator binary: it loads configuration, builds a Kubernetes
// dynamic client, registers a handful of example handlers against a demo
// resource, and serves the admin/metrics HTTP surface alongside the
// reactor's watch loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/jordigilh/kreactor/internal/config"
	"github.com/jordigilh/kreactor/pkg/adminserver"
	"github.com/jordigilh/kreactor/pkg/k8sclient"
	"github.com/jordigilh/kreactor/pkg/kreactor"
	"github.com/jordigilh/kreactor/pkg/notify"
)

var (
	configPath = flag.String("config", "config.yaml", "path to the operator's YAML configuration file")
	kubeconfig = flag.String("kubeconfig", "", "path to a kubeconfig file; empty uses in-cluster config")
	namespace  = flag.String("namespace", "", "namespace to watch; empty watches all namespaces")
)

var widgetResource = kreactor.Resource{Group: "examples.kreactor.io", Version: "v1", Plural: "widgets"}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	zapLog, err := buildZapLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLog.Sync() //nolint:errcheck
	logger := zapr.NewLogger(zapLog)

	restConfig, err := loadRestConfig(*kubeconfig)
	if err != nil {
		logger.Error(err, "failed to load kubernetes client config")
		os.Exit(1)
	}

	dynClient, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		logger.Error(err, "failed to build dynamic client")
		os.Exit(1)
	}

	registry := kreactor.NewOperatorRegistry()
	registerWidgetHandlers(registry.ForResource(widgetResource))

	metrics := kreactor.NewMetrics()
	for _, collector := range metrics.Collectors() {
		if err := ctrlmetrics.Registry.Register(collector); err != nil {
			logger.Error(err, "failed to register metrics collector")
			os.Exit(1)
		}
	}

	client := k8sclient.New(dynClient, "kreactor")

	reactor := kreactor.NewReactor(registry, client, kreactor.AllAtOnce, nil, logger, cfg.Worker.ToWorkerConfig()).
		WithMetrics(metrics)

	if token := os.Getenv("SLACK_BOT_TOKEN"); token != "" {
		if channel := os.Getenv("SLACK_CHANNEL"); channel != "" {
			reactor = reactor.WithOutcomeSink(notify.NewSlackSink(token, channel))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	admin := &http.Server{
		Addr:    cfg.Admin.Address,
		Handler: adminserver.New(reactor),
	}
	go func() {
		logger.Info("admin server listening", "address", cfg.Admin.Address)
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "admin server stopped unexpectedly")
		}
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- reactor.Run(ctx, client, *namespace)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-runErr:
		if err != nil {
			logger.Error(err, "reactor stopped unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ExitTimeoutDuration())
	defer cancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "admin server did not shut down cleanly")
	}

	<-runErr
	logger.Info("shutdown complete")
}

func loadRestConfig(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	}
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
}

func buildZapLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.Encoding = "console"
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.Encoding = "json"
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	return zapConfig.Build()
}

// registerWidgetHandlers wires a small set of example handlers
// demonstrating the registration surface: a plain Create/Update handler,
// a field-scoped handler, a blocking handler for slow I/O, and a
// finalizer-backed Delete handler.
func registerWidgetHandlers(widgets *kreactor.ResourceRegistry) {
	if _, err := widgets.Register(func(ctx context.Context, hctx *kreactor.Context) (interface{}, error) {
		hctx.Logger.Info("reconciling widget", "name", hctx.Name, "namespace", hctx.Namespace)
		return map[string]interface{}{"synced": true}, nil
	}, kreactor.WithID("widgets/sync"), kreactor.WithInitial()); err != nil {
		panic(err)
	}

	if _, err := widgets.Register(func(ctx context.Context, hctx *kreactor.Context) (interface{}, error) {
		hctx.Logger.Info("widget spec.replicas changed", "diff", hctx.Diff)
		return nil, nil
	}, kreactor.WithID("widgets/on-replicas-change"), kreactor.WithField("spec", "replicas")); err != nil {
		panic(err)
	}

	if _, err := widgets.RegisterBlocking(func(ctx context.Context, hctx *kreactor.Context) (interface{}, error) {
		time.Sleep(100 * time.Millisecond)
		return nil, nil
	}, kreactor.WithID("widgets/slow-probe"), kreactor.WithReason(kreactor.ReasonUpdate), kreactor.WithTimeout(5*time.Second)); err != nil {
		panic(err)
	}

	if _, err := widgets.Register(func(ctx context.Context, hctx *kreactor.Context) (interface{}, error) {
		hctx.Logger.Info("cleaning up widget resources", "name", hctx.Name)
		return nil, nil
	}, kreactor.WithID("widgets/cleanup"), kreactor.WithReason(kreactor.ReasonDelete)); err != nil {
		panic(err)
	}
}
