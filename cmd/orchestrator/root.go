package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
	"k8s.io/klog/v2/textlogger"

	"github.com/scoutflo/code-orchestrator/internal/app"
	"github.com/scoutflo/code-orchestrator/internal/config"
	"github.com/scoutflo/code-orchestrator/internal/telemetry"
	"github.com/scoutflo/code-orchestrator/pkg/health"
)

var rootCmd = &cobra.Command{
	Use:   "code-orchestrator [options]",
	Short: "Kubernetes-backed code-execution orchestrator",
	Long: `
Kubernetes-backed code-execution orchestrator

  # start with defaults, configuration from environment and flags
  code-orchestrator

  # override the KV and object-store endpoints
  code-orchestrator --kv-addr redis:6379 --objectstore-endpoint minio:9000

Metrics are served on --metrics-addr, health checks on --health-addr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging()

		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		application, err := app.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("construct application: %w", err)
		}
		defer func() {
			if closeErr := application.Close(); closeErr != nil {
				klog.Errorf("error closing application: %v", closeErr)
			}
		}()

		application.Start(ctx)

		metricsServer := newMetricsServer(cfg.MetricsAddr, application)
		healthServer := newHealthServer(cfg.HealthAddr, application)

		go serve(metricsServer, "metrics")
		go serve(healthServer, "health")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		klog.V(0).Infof("received signal %v, starting graceful shutdown", sig)

		application.Health.SetReady(false)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
		_ = healthServer.Shutdown(shutdownCtx)

		return nil
	},
}

func newMetricsServer(addr string, application *app.App) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler(application.Registry))
	return &http.Server{Addr: addr, Handler: mux}
}

func newHealthServer(addr string, application *app.App) *http.Server {
	mux := http.NewServeMux()
	health.AttachHealthEndpoints(mux, application.Health)
	return &http.Server{Addr: addr, Handler: mux}
}

func serve(server *http.Server, name string) {
	klog.V(0).Infof("%s server listening on %s", name, server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		klog.Errorf("%s server error: %v", name, err)
	}
}

func init() {
	rootCmd.Flags().IntP("log-level", "", 2, "klog verbosity level")
	rootCmd.Flags().String("kv-mode", "standalone", "KV deployment mode: standalone, sharded, replicated")
	rootCmd.Flags().String("kv-addr", "", "KV endpoint for standalone mode")
	rootCmd.Flags().StringSlice("kv-cluster-nodes", nil, "KV seed endpoints for sharded mode")
	rootCmd.Flags().StringSlice("kv-sentinel-nodes", nil, "KV sentinel endpoints for replicated mode")
	rootCmd.Flags().String("kv-sentinel-master", "", "KV sentinel master name for replicated mode")
	rootCmd.Flags().String("kv-namespace-prefix", "orchestrator", "Namespace prefix for every KV key")
	rootCmd.Flags().String("objectstore-endpoint", "", "Object-store endpoint")
	rootCmd.Flags().String("objectstore-bucket", "code-orchestrator", "Object-store bucket name")
	rootCmd.Flags().String("cluster-namespace", "default", "Kubernetes namespace for managed pods and jobs")
	rootCmd.Flags().String("cluster-kubeconfig", "", "Path to a kubeconfig file; in-cluster config is used when empty and reachable")
	rootCmd.Flags().String("pod-execution-mode", "agent", "Pod execution mode: agent or legacy")
	rootCmd.Flags().String("metrics-addr", ":9090", "Address to serve Prometheus metrics on")
	rootCmd.Flags().String("health-addr", ":8082", "Address to serve health checks on")

	bindings := map[string]string{
		"log_level":            "log-level",
		"kv.mode":              "kv-mode",
		"kv.addr":              "kv-addr",
		"kv.cluster_nodes":     "kv-cluster-nodes",
		"kv.sentinel_nodes":    "kv-sentinel-nodes",
		"kv.sentinel_master":   "kv-sentinel-master",
		"kv.namespace_prefix":  "kv-namespace-prefix",
		"objectstore.endpoint": "objectstore-endpoint",
		"objectstore.bucket":   "objectstore-bucket",
		"cluster.namespace":    "cluster-namespace",
		"cluster.kubeconfig":   "cluster-kubeconfig",
		"pod.execution_mode":   "pod-execution-mode",
		"metrics_addr":         "metrics-addr",
		"health_addr":          "health-addr",
	}
	for key, flagName := range bindings {
		_ = viper.BindPFlag(key, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetDefault("kv.max_connections", 20)
	viper.SetDefault("kv.socket_timeout", 5*time.Second)
	viper.SetDefault("kv.socket_connect_timeout", 5*time.Second)
	viper.SetDefault("pod.creation_timeout", 60*time.Second)
	viper.SetDefault("pod.termination_grace", 10*time.Second)
	viper.SetDefault("job.backoff_limit", 0)
	viper.SetDefault("job.ttl_seconds_after_finished", 300)
	viper.SetDefault("job.active_deadline_seconds", 300)
	viper.SetDefault("pool.replenish_interval", 5*time.Second)
	viper.SetDefault("pool.health_interval", 30*time.Second)
	viper.SetDefault("pool.health_failure_threshold", 2)
	viper.SetDefault("pool.acquire_deadline", 2*time.Second)
	viper.SetDefault("state.size_cap_bytes", 64*1024*1024)
	viper.SetDefault("state.archival_interval", 5*time.Minute)
	viper.SetDefault("state.archival_near_expiry", time.Minute)
	viper.SetDefault("resources.total_pod_ceiling", 200)

	viper.SetEnvPrefix("ORCHESTRATOR")
	viper.AutomaticEnv()
}

// Execute runs the root command, exiting the process on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		klog.Errorf("exiting: %v", err)
		os.Exit(1)
	}
}

func initLogging() {
	logLevel := viper.GetInt("log_level")
	if logLevel < 0 {
		logLevel = 2
	}

	textConfig := textlogger.NewConfig(
		textlogger.Output(os.Stderr),
		textlogger.Verbosity(logLevel),
	)
	logger := textlogger.NewLogger(textConfig)
	klog.SetLoggerWithOptions(logger)

	flagSet := flag.NewFlagSet("code-orchestrator", flag.ContinueOnError)
	klog.InitFlags(flagSet)
	if err := flagSet.Parse([]string{"--v", strconv.Itoa(logLevel)}); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing log level: %v\n", err)
	}

	klog.V(0).Infof("logging initialized at level %d", logLevel)
}
