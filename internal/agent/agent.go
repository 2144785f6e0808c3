package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/harpyharpoon/MJOLNIR/internal/audit"
	"github.com/harpyharpoon/MJOLNIR/internal/auth"
	"github.com/harpyharpoon/MJOLNIR/internal/config"
	"github.com/harpyharpoon/MJOLNIR/internal/executor"
	"github.com/harpyharpoon/MJOLNIR/internal/http"
	"github.com/harpyharpoon/MJOLNIR/internal/integrity"
	"github.com/harpyharpoon/MJOLNIR/internal/logging"
	"github.com/harpyharpoon/MJOLNIR/internal/metrics"
	"github.com/harpyharpoon/MJOLNIR/internal/monitor"
	"github.com/harpyharpoon/MJOLNIR/internal/orchestrator"
	"github.com/harpyharpoon/MJOLNIR/internal/systemd"
	"github.com/harpyharpoon/MJOLNIR/internal/telemetry"
	"github.com/harpyharpoon/MJOLNIR/internal/types"
)

const version = "1.0.0"

// Agent wires the guardian components together and owns their lifetimes
type Agent struct {
	logger          *logging.Logger
	config          *config.Config
	registry        *prometheus.Registry
	metrics         *metrics.Metrics
	auditLog        *audit.Log
	tokens          *auth.Registry
	engine          *integrity.Engine
	monitor         *monitor.Monitor
	source          monitor.Source
	orchestrator    *orchestrator.Orchestrator
	feed            *auth.FeedReader
	httpServer      *http.Server
	systemdNotifier *systemd.Notifier
	nc              *nats.Conn
	forwarder       *audit.Forwarder
	telemetrySender *telemetry.Sender
	startTime       time.Time
}

// New creates the guardian. Audit, token registry, port monitor and
// integrity store failures are fatal; NATS and the recovery credential
// are optional.
func New(ctx context.Context, logger *logging.Logger, cfg *config.Config) (*Agent, error) {
	if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)

	auditLog, err := audit.Open(ctx, cfg.AuditBackend, cfg.AuditPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	if err := auditLog.Verify(ctx); err != nil {
		logger.LogSecurityEvent("audit_chain_broken", "error", err)
	}

	a := &Agent{
		logger:          logger,
		config:          cfg,
		registry:        reg,
		metrics:         m,
		auditLog:        auditLog,
		systemdNotifier: systemd.NewNotifier(),
		startTime:       time.Now(),
	}
	if err := a.build(ctx); err != nil {
		if a.source != nil {
			_ = a.source.Close()
		}
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *Agent) build(ctx context.Context) error {
	cfg := a.config
	logger := a.logger

	tokens, err := auth.LoadRegistry(cfg.TokenRegistryPath)
	if err != nil {
		return fmt.Errorf("failed to load token registry: %w", err)
	}
	a.tokens = tokens

	verifier, err := auth.LoadRecoveryVerifier(cfg.RecoveryHashFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Warn("No recovery credential configured, lockdown can only be cleared by restart",
			"path", cfg.RecoveryHashFile)
		verifier = nil
	case err != nil:
		return fmt.Errorf("failed to load recovery credential: %w", err)
	}

	var key []byte
	if cfg.EncryptBackups {
		if key, err = integrity.LoadKeyFile(cfg.BackupKeyFile); err != nil {
			return fmt.Errorf("failed to load backup key: %w", err)
		}
	}
	store, err := integrity.NewStore(cfg.ManifestDir, logger.WithComponent("integrity"))
	if err != nil {
		return fmt.Errorf("failed to open manifest store: %w", err)
	}
	a.engine = integrity.NewEngine(store, key, logger.WithComponent("integrity"))

	exec := executor.NewExecutor(executor.ExecRunner{}, executor.BackoffPolicy{
		Base:        cfg.ActionBackoffBase,
		Max:         cfg.ActionBackoffMax,
		MaxJitter:   cfg.ActionBackoffBase / 2,
		MaxAttempts: cfg.ActionMaxAttempts,
	}, logger.WithComponent("executor"))

	a.connectNATS()

	var requester executor.Requester
	if a.nc != nil {
		requester = a.nc
	}
	alerter := executor.NewAlerter(requester, cfg.AlertSubject, cfg.AlertAckTimeout, exec, cfg.AlertAction, logger.WithComponent("alert"))

	deps := orchestrator.Deps{
		Gate:      auth.NewGate(tokens),
		Audit:     a.auditLog,
		Integrity: a.engine,
		Executor:  exec,
		Alerter:   alerter,
		Metrics:   a.metrics,
		Logger:    logger.WithComponent("orchestrator"),
	}
	if verifier != nil {
		deps.Recovery = verifier
	}
	a.orchestrator, err = orchestrator.New(orchestrator.Options{
		HostID:          cfg.HostID,
		ChallengeWindow: cfg.ChallengeWindow,
		Policy:          cfg.EscalationPolicy,
		Artifacts:       cfg.Artifacts,
		LockdownActions: cfg.LockdownActions,
		MaxQueuedEvents: cfg.MaxQueuedEvents,
	}, deps)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	if a.nc != nil {
		a.telemetrySender = telemetry.NewSender(logger.WithComponent("telemetry"), a.nc,
			cfg.TelemetrySubject, cfg.HostID, a.orchestrator.Snapshot)
		a.forwarder = audit.NewForwarder(a.auditLog, a.nc, cfg.AuditSubject, cfg.HostID,
			filepath.Join(cfg.StateDir, "audit.cursor"), logger.WithComponent("audit"))
	}

	source, err := monitor.OpenNetlink()
	if err != nil {
		return fmt.Errorf("failed to open uevent socket: %w", err)
	}
	a.source = source
	a.monitor, err = monitor.NewMonitor(monitor.Options{
		TrustedPort:  cfg.TrustedPort,
		SysfsRoot:    cfg.SysfsRoot,
		DedupeWindow: cfg.DedupeWindow,
		OnDegraded: func(cause error) {
			a.orchestrator.ReportDegraded(ctx, cause)
			if a.telemetrySender != nil {
				if err := a.telemetrySender.SendDegraded(cause); err != nil {
					logger.Debug("Dropped degraded telemetry", "error", err)
				}
			}
		},
	}, source, logger.WithComponent("monitor"))
	if err != nil {
		return fmt.Errorf("failed to create port monitor: %w", err)
	}

	if cfg.TokenFeedPath != "" {
		a.feed = auth.NewFeedReader(cfg.TokenFeedPath, func(uid string) error {
			return a.orchestrator.Present(ctx, uid)
		}, logger.WithComponent("feed"))
	}

	httpDeps := http.Deps{
		Guardian:  a.orchestrator,
		Tokens:    tokens,
		Audit:     a.auditLog,
		Manifests: store,
		Gatherer:  a.registry,
	}
	if verifier != nil {
		httpDeps.Operator = verifier
	}
	a.httpServer = http.NewServer(logger, cfg.HostID, cfg.HTTPAddress, cfg.HTTPRateLimit, cfg.HTTPRateBurst, httpDeps)

	return nil
}

// connectNATS dials the optional broker. The guardian never depends on it.
func (a *Agent) connectNATS() {
	if a.config.NATSURL == "" {
		return
	}
	nc, err := nats.Connect(a.config.NATSURL,
		nats.Name("mjolnir-"+a.config.HostID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			a.logger.LogNATSEvent("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			a.logger.LogNATSEvent("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		a.logger.LogNATSEvent("nats_error", "error", err, "url", a.config.NATSURL)
		return
	}
	a.logger.LogNATSEvent("nats_connected", "url", nc.ConnectedUrl())
	a.nc = nc
}

// Run starts every component and blocks until ctx is done
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("Starting guardian", "host_id", a.config.HostID, "trusted_port", a.config.TrustedPort)

	if _, err := a.auditLog.Append(ctx, audit.KindGuardianStarted, map[string]any{
		"version":      version,
		"trusted_port": a.config.TrustedPort,
		"policy":       string(a.config.EscalationPolicy),
	}); err != nil {
		return fmt.Errorf("failed to audit startup: %w", err)
	}

	events, err := a.monitor.Observe(ctx)
	if err != nil {
		return fmt.Errorf("failed to start port monitor: %w", err)
	}

	var wg sync.WaitGroup
	run := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("Component stopped", "component", name, "error", err)
			}
		}()
	}

	statusUpdates, unsubscribe := a.orchestrator.Subscribe()
	defer unsubscribe()

	run("orchestrator", func() error { return a.orchestrator.Run(ctx, events) })
	run("http", func() error { return a.httpServer.Start(ctx) })
	if a.feed != nil {
		run("feed", func() error { return a.feed.Run(ctx) })
	}
	if a.forwarder != nil {
		run("audit_forwarder", func() error { a.forwarder.Run(ctx); return nil })
	}
	if a.telemetrySender != nil {
		transitions, unsub := a.orchestrator.Subscribe()
		defer unsub()
		a.telemetrySender.Start(ctx, transitions)
		defer a.telemetrySender.Stop()
	}
	run("baseline", func() error { a.baselineLoop(ctx); return nil })

	if a.systemdNotifier.IsAvailable() {
		if err := a.systemdNotifier.NotifyReady(); err != nil {
			a.logger.Warn("Failed to notify systemd ready", "error", err)
		}
		a.notifyStatus()
		a.systemdNotifier.StartWatchdog(ctx, systemd.WatchdogInterval(), func(err error) {
			a.logger.Warn("Failed to ping systemd watchdog", "error", err)
		})
	}
	a.logger.LogSystemEvent("guardian_started", "version", version)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Guardian context cancelled, shutting down")
			return a.shutdown(&wg)
		case _, ok := <-statusUpdates:
			if !ok {
				statusUpdates = nil
				continue
			}
			a.notifyStatus()
		}
	}
}

func (a *Agent) notifyStatus() {
	if !a.systemdNotifier.IsAvailable() {
		return
	}
	snap := a.orchestrator.Snapshot()
	status := fmt.Sprintf("state: %s, cycle: %d", snap.State, snap.Cycle)
	if err := a.systemdNotifier.NotifyStatus(status); err != nil {
		a.logger.Debug("Failed to update systemd status", "error", err)
	}
}

// baselineLoop compares the artifacts against the stored baseline at
// startup and then every BaselineInterval
func (a *Agent) baselineLoop(ctx context.Context) {
	if a.config.BaselineInterval <= 0 {
		return
	}
	ticker := time.NewTicker(a.config.BaselineInterval)
	defer ticker.Stop()

	for {
		a.rotateBaseline(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *Agent) rotateBaseline(ctx context.Context) {
	mismatches, err := a.engine.RotateBaseline(ctx, a.config.BaselinePath, a.config.Artifacts)
	if err != nil {
		a.logger.LogBackupEvent("baseline_failed", "error", err)
		return
	}
	if len(mismatches) == 0 {
		return
	}
	a.metrics.BaselineMismatches.Add(float64(len(mismatches)))
	if _, err := a.auditLog.Append(ctx, audit.KindBaselineMismatch, map[string]any{
		"mismatches": mismatches,
	}); err != nil {
		a.metrics.AuditAppendErrors.Inc()
		a.logger.Error("Failed to audit baseline mismatch", "error", err)
	}
}

func (a *Agent) shutdown(wg *sync.WaitGroup) error {
	if a.systemdNotifier.IsAvailable() {
		if err := a.systemdNotifier.NotifyStopping(); err != nil {
			a.logger.Warn("Failed to notify systemd stopping", "error", err)
		}
	}

	wg.Wait()
	a.close()
	a.logger.LogSystemEvent("guardian_stopped", "uptime", time.Since(a.startTime).String())
	return nil
}

// close releases what the components do not close themselves. The monitor
// owns the uevent socket once Observe has started.
func (a *Agent) close() {
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.nc.Close()
		}
	}
	if a.systemdNotifier != nil {
		_ = a.systemdNotifier.Close()
	}
	if err := a.auditLog.Close(); err != nil {
		a.logger.Error("Failed to close audit log", "error", err)
	}
}

// Snapshot returns the current security state
func (a *Agent) Snapshot() types.StateSnapshot {
	return a.orchestrator.Snapshot()
}
