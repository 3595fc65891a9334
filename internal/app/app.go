// Package app builds the single application-context object holding
// every client and service the orchestrator needs, constructed once at
// startup. No package-level globals or lazily-initialised singletons:
// every component is wired here and passed explicitly to its
// dependents, mirroring Design Note 2's replacement for the source's
// global KV pool and settings object.
package app

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/scoutflo/code-orchestrator/internal/config"
	"github.com/scoutflo/code-orchestrator/internal/telemetry"
	"github.com/scoutflo/code-orchestrator/pkg/cluster"
	"github.com/scoutflo/code-orchestrator/pkg/health"
	"github.com/scoutflo/code-orchestrator/pkg/kv"
	"github.com/scoutflo/code-orchestrator/pkg/objectstore"
	"github.com/scoutflo/code-orchestrator/pkg/podlifecycle"
	"github.com/scoutflo/code-orchestrator/pkg/pool"
	"github.com/scoutflo/code-orchestrator/pkg/runner"
	"github.com/scoutflo/code-orchestrator/pkg/session"
	"github.com/scoutflo/code-orchestrator/pkg/sidecar"
	"github.com/scoutflo/code-orchestrator/pkg/state"
)

// App is every wired client and service the orchestrator needs to run.
type App struct {
	Config *config.Config

	KV      *kv.Client
	Objects *objectstore.Client
	Cluster *cluster.Client

	Lifecycle *podlifecycle.Manager
	Pool      *pool.Pool
	Sessions  *session.Service
	States    *state.Service
	Runner    *runner.Runner

	Metrics  *telemetry.Metrics
	Registry *prometheus.Registry
	Health   *health.HealthChecker
}

// New constructs every client, pinging the KV store and checking (or
// creating) the object-store bucket so misconfiguration fails fast at
// startup rather than on first use. The cluster API is not contacted here.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	metrics, registry := telemetry.New()

	kvClient, err := kv.New(cfg.KV, metrics)
	if err != nil {
		return nil, err
	}
	if err := kvClient.Ping(ctx); err != nil {
		return nil, err
	}

	objectClient, err := objectstore.New(cfg.ObjectStore, metrics)
	if err != nil {
		return nil, err
	}
	if err := objectClient.EnsureBucket(ctx); err != nil {
		return nil, err
	}

	clusterClient, err := cluster.New(cfg.Cluster)
	if err != nil {
		return nil, err
	}

	lifecycle := podlifecycle.NewManager(clusterClient, cfg.PodDefaults, cfg.Job)

	warmPool := pool.New(lifecycle, cfg.Languages, cfg.ImageForLanguage, cfg.Pool, metrics)

	sessionTTL := defaultSessionTTL(cfg)
	sessions := session.New(kvClient, sessionTTL)
	states := state.New(kvClient, objectClient, cfg.State.SizeCapBytes)

	sidecarClient := sidecar.New(longestExecutionTimeout(cfg))

	run := runner.New(
		sessions,
		&stateAdapter{svc: states},
		&podController{pool: warmPool, manager: lifecycle, cfg: cfg},
		sidecarTransport{client: sidecarClient},
		sessionFileSource{objects: objectClient},
		outputStore{objects: objectClient},
		languageTimeouts{cfg: cfg},
		metrics,
		sessionTTL,
	)

	return &App{
		Config:    cfg,
		KV:        kvClient,
		Objects:   objectClient,
		Cluster:   clusterClient,
		Lifecycle: lifecycle,
		Pool:      warmPool,
		Sessions:  sessions,
		States:    states,
		Runner:    run,
		Metrics:   metrics,
		Registry:  registry,
		Health:    health.NewHealthChecker(),
	}, nil
}

// defaultSessionTTL is the session lifetime: ten times the longest
// configured execution timeout, but never less than one hour. Sessions
// themselves are not per-language, so this is a single deployment-wide
// value.
func defaultSessionTTL(cfg *config.Config) time.Duration {
	longest := time.Hour
	for _, lang := range cfg.Languages {
		if lang.ExecutionTimeout*10 > longest {
			longest = lang.ExecutionTimeout * 10
		}
	}
	return longest
}

// longestExecutionTimeout bounds the shared sidecar client's backstop
// timeout; the real per-execution deadline comes from the request
// context, not this value.
func longestExecutionTimeout(cfg *config.Config) time.Duration {
	longest := 30 * time.Second
	for _, lang := range cfg.Languages {
		if lang.ExecutionTimeout > longest {
			longest = lang.ExecutionTimeout
		}
	}
	return longest
}

// Start launches every background sweep: pool replenishment and health
// checks, session expiry, and state archival. It runs the startup pool
// reconciliation synchronously and then returns; every loop exits when
// ctx is cancelled.
func (a *App) Start(ctx context.Context) {
	a.Pool.Start(ctx)

	if err := a.Pool.Reconcile(ctx); err != nil {
		klog.Errorf("app: startup pool reconciliation failed: %v", err)
	}

	go a.sessionSweepLoop(ctx)
	go a.archivalSweepLoop(ctx)

	a.Health.SetReady(true)
}

func (a *App) sessionSweepLoop(ctx context.Context) {
	interval := a.Config.Pool.ReplenishInterval * 10
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Sessions.SweepExpired(ctx); err != nil {
				klog.Errorf("app: session sweep failed: %v", err)
			}
		}
	}
}

func (a *App) archivalSweepLoop(ctx context.Context) {
	interval := a.Config.State.ArchivalInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions, err := a.Sessions.List(ctx, 0, 0)
			if err != nil {
				klog.Errorf("app: archival sweep failed to list sessions: %v", err)
				continue
			}
			ids := make([]string, len(sessions))
			for i, sess := range sessions {
				ids[i] = sess.ID
			}
			if _, err := a.States.SweepNearExpiry(ctx, ids, a.Config.State.ArchivalNearExpiry); err != nil {
				klog.Errorf("app: archival sweep failed: %v", err)
			}
		}
	}
}

// Close releases every client holding a live connection.
func (a *App) Close() error {
	return a.KV.Close()
}
