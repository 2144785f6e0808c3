package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/harpyharpoon/MJOLNIR/internal/config"
)

// Logger provides structured logging with systemd integration
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new structured logger
func NewLogger(cfg *config.Config) *Logger {
	var output io.Writer = os.Stderr
	addSource := false

	// systemd captures stderr for the journal; elsewhere log to the state dir
	if !isSystemd() {
		logFile := filepath.Join(cfg.StateDir, "mjolnir.log")
		if err := os.MkdirAll(cfg.StateDir, 0700); err == nil {
			if file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600); err == nil {
				output = io.MultiWriter(os.Stderr, file)
			}
		}
		addSource = true
	}

	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{
		Level:     ParseLevel(cfg.LogLevel),
		AddSource: addSource,
	})

	return &Logger{
		Logger: slog.New(handler).With(
			"host_id", cfg.HostID,
			"service", "mjolnir",
		),
	}
}

// New wraps an existing slog logger
func New(l *slog.Logger) *Logger {
	return &Logger{Logger: l}
}

// Discard returns a logger that drops everything; used by tests
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// ParseLevel parses log level string
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// isSystemd checks if running under systemd
func isSystemd() bool {
	if os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getenv("NOTIFY_SOCKET") != "" {
		return true
	}
	return os.Getpid() == 1
}

// LogSystemEvent logs system-related events
func (l *Logger) LogSystemEvent(event string, additional ...any) {
	args := append([]any{"event", event}, additional...)

	switch event {
	case "guardian_started":
		l.Info("Guardian started", args...)
	case "guardian_stopped":
		l.Info("Guardian stopped", args...)
	case "config_loaded":
		l.Info("Configuration loaded", args...)
	case "http_server_started":
		l.Info("HTTP server started", args...)
	case "http_server_stopped":
		l.Info("HTTP server stopped", args...)
	default:
		l.Info("System event", args...)
	}
}

// LogPortEvent logs port monitor events
func (l *Logger) LogPortEvent(event string, portID string, additional ...any) {
	args := append([]any{"event", event, "port_id", portID}, additional...)

	switch event {
	case "trusted_attach":
		l.Info("Trusted port attach", args...)
	case "untrusted_attach":
		l.Warn("Untrusted port attach", args...)
	case "detach":
		l.Info("Port detach", args...)
	case "present_at_startup":
		l.Info("Device present at startup", args...)
	case "degraded_monitoring":
		l.Error("Port monitoring degraded", args...)
	default:
		l.Info("Port event", args...)
	}
}

// LogSecurityEvent logs security-related events
func (l *Logger) LogSecurityEvent(event string, additional ...any) {
	args := append([]any{"event", event}, additional...)

	switch event {
	case "challenge_opened":
		l.Warn("Authentication challenge opened", args...)
	case "challenge_satisfied":
		l.Info("Authentication challenge satisfied", args...)
	case "challenge_timed_out":
		l.Warn("Authentication challenge timed out", args...)
	case "stale_submission":
		l.Warn("Stale token submission ignored", args...)
	case "unrecognized_token":
		l.Warn("Unrecognized or revoked token presented", args...)
	case "lockdown_started":
		l.Error("Lockdown started", args...)
	case "locked_down":
		l.Error("System locked down", args...)
	case "recovery_denied":
		l.Error("Recovery denied", args...)
	case "recovered":
		l.Info("Recovered from lockdown", args...)
	case "mandatory_artifact_failed":
		l.Error("Mandatory artifact missing from emergency backup", args...)
	case "challenge_already_open":
		l.Error("Challenge already open: single-flight violated", args...)
	default:
		l.Warn("Security event", args...)
	}
}

// LogBackupEvent logs integrity engine events
func (l *Logger) LogBackupEvent(event string, additional ...any) {
	args := append([]any{"event", event}, additional...)

	switch event {
	case "capture_started":
		l.Info("Backup capture started", args...)
	case "artifact_failed":
		l.Warn("Artifact capture failed", args...)
	case "manifest_sealed":
		l.Info("Backup manifest sealed", args...)
	case "baseline_mismatch":
		l.Warn("Baseline hash mismatch", args...)
	case "baseline_ok":
		l.Info("All artifacts match baseline", args...)
	default:
		l.Info("Backup event", args...)
	}
}

// LogActionEvent logs action executor events
func (l *Logger) LogActionEvent(event string, action string, additional ...any) {
	args := append([]any{"event", event, "action", action}, additional...)

	switch event {
	case "action_succeeded":
		l.Info("Action succeeded", args...)
	case "action_retry":
		l.Warn("Action failed, retrying", args...)
	case "action_fatal":
		l.Error("Action could not be confirmed", args...)
	default:
		l.Info("Action event", args...)
	}
}

// LogNATSEvent logs NATS-related events
func (l *Logger) LogNATSEvent(event string, additional ...any) {
	args := append([]any{"event", event}, additional...)

	switch event {
	case "nats_connected":
		l.Info("NATS connected", args...)
	case "nats_disconnected":
		l.Warn("NATS disconnected", args...)
	case "nats_error":
		l.Error("NATS error", args...)
	default:
		l.Debug("NATS event", args...)
	}
}

// WithComponent creates a logger with component context
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.Logger.With("component", component)}
}
