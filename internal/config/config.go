package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harpyharpoon/MJOLNIR/internal/types"
)

// ErrMissingTrustedPort is fatal at startup
var ErrMissingTrustedPort = errors.New("trusted_port is not configured")

// Config holds the guardian configuration
type Config struct {
	HostID   string `yaml:"host_id" json:"host_id"`
	StateDir string `yaml:"state_dir" json:"state_dir"`
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Trigger and authentication
	TrustedPort       string                 `yaml:"trusted_port" json:"trusted_port"`
	ChallengeWindow   time.Duration          `yaml:"challenge_window" json:"challenge_window"`
	EscalationPolicy  types.EscalationPolicy `yaml:"escalation_policy" json:"escalation_policy"`
	TokenRegistryPath string                 `yaml:"token_registry_path" json:"token_registry_path"`
	TokenFeedPath     string                 `yaml:"token_feed_path" json:"token_feed_path"`
	RecoveryHashFile  string                 `yaml:"recovery_hash_file" json:"recovery_hash_file"`

	// Port monitor
	SysfsRoot       string        `yaml:"sysfs_root" json:"sysfs_root"`
	DedupeWindow    time.Duration `yaml:"dedupe_window" json:"dedupe_window"`
	MaxQueuedEvents int           `yaml:"max_queued_events" json:"max_queued_events"`

	// Integrity engine
	Artifacts        []types.Artifact `yaml:"artifacts" json:"artifacts"`
	ManifestDir      string           `yaml:"manifest_dir" json:"manifest_dir"`
	EncryptBackups   bool             `yaml:"encrypt_backups" json:"encrypt_backups"`
	BackupKeyFile    string           `yaml:"backup_key_file" json:"backup_key_file"`
	BaselineInterval time.Duration    `yaml:"baseline_interval" json:"baseline_interval"`
	BaselinePath     string           `yaml:"baseline_path" json:"baseline_path"`

	// Action executor
	LockdownActions   []types.Action `yaml:"lockdown_actions" json:"lockdown_actions"`
	AlertAction       *types.Action  `yaml:"alert_action" json:"alert_action,omitempty"`
	ActionMaxAttempts int            `yaml:"action_max_attempts" json:"action_max_attempts"`
	ActionBackoffBase time.Duration  `yaml:"action_backoff_base" json:"action_backoff_base"`
	ActionBackoffMax  time.Duration  `yaml:"action_backoff_max" json:"action_backoff_max"`

	// Audit
	AuditBackend string `yaml:"audit_backend" json:"audit_backend"`
	AuditPath    string `yaml:"audit_path" json:"audit_path"`

	// NATS (empty URL disables forwarding, telemetry and alert request-reply)
	NATSURL          string        `yaml:"nats_url" json:"nats_url"`
	TelemetrySubject string        `yaml:"telemetry_subject" json:"telemetry_subject"`
	AuditSubject     string        `yaml:"audit_subject" json:"audit_subject"`
	AlertSubject     string        `yaml:"alert_subject" json:"alert_subject"`
	AlertAckTimeout  time.Duration `yaml:"alert_ack_timeout" json:"alert_ack_timeout"`

	// Operator API
	HTTPAddress   string  `yaml:"http_address" json:"http_address"`
	HTTPRateLimit float64 `yaml:"http_rate_limit" json:"http_rate_limit"`
	HTTPRateBurst int     `yaml:"http_rate_burst" json:"http_rate_burst"`
}

// DefaultArtifacts is the mandatory set captured when no artifacts are configured
func DefaultArtifacts() []types.Artifact {
	return []types.Artifact{
		{Path: "/etc/passwd", Category: "DOCS", Mandatory: true},
		{Path: "/etc/shadow", Category: "DOCS", Mandatory: true},
		{Path: "/etc/hosts", Category: "NETWORKING", Mandatory: true},
		{Path: "/etc/hostname", Category: "NETWORKING", Mandatory: true},
		{Path: "/etc/resolv.conf", Category: "NETWORKING", Mandatory: true},
		{Path: "/etc/fstab", Category: "NETWORKING", Mandatory: true},
		{Path: "/etc/ssh/sshd_config", Category: "MISC", Mandatory: true},
	}
}

// Defaults returns a configuration with every optional field populated
func Defaults() *Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	stateDir := "/var/lib/mjolnir"

	return &Config{
		HostID:            hostname,
		StateDir:          stateDir,
		LogLevel:          "info",
		ChallengeWindow:   30 * time.Second,
		EscalationPolicy:  types.PolicyProceedLockdown,
		TokenRegistryPath: filepath.Join(stateDir, "tokens.jsonl"),
		RecoveryHashFile:  filepath.Join(stateDir, "recovery.hash"),
		SysfsRoot:         "/sys",
		DedupeWindow:      2 * time.Second,
		MaxQueuedEvents:   32,
		Artifacts:         DefaultArtifacts(),
		ManifestDir:       filepath.Join(stateDir, "backups"),
		BaselineInterval:  7 * 24 * time.Hour,
		BaselinePath:      filepath.Join(stateDir, "baseline.json"),
		ActionMaxAttempts: 3,
		ActionBackoffBase: 500 * time.Millisecond,
		ActionBackoffMax:  10 * time.Second,
		AuditBackend:      "file",
		AuditPath:         filepath.Join(stateDir, "audit.jsonl"),
		TelemetrySubject:  "mjolnir.telemetry",
		AuditSubject:      "mjolnir.audit",
		AlertSubject:      "mjolnir.alerts",
		AlertAckTimeout:   10 * time.Second,
		HTTPAddress:       "127.0.0.1:7878",
		HTTPRateLimit:     1,
		HTTPRateBurst:     5,
	}
}

// Load loads configuration from the optional YAML file named by
// MJOLNIR_CONFIG and then from environment variables
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("MJOLNIR_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadFile loads configuration from a YAML file without consulting the environment
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := ValidateDocument(data); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HostID = getEnv("MJOLNIR_HOST_ID", c.HostID)
	c.StateDir = getEnv("MJOLNIR_STATE_DIR", c.StateDir)
	c.LogLevel = getEnv("MJOLNIR_LOG_LEVEL", c.LogLevel)

	c.TrustedPort = getEnv("MJOLNIR_TRUSTED_PORT", c.TrustedPort)
	c.ChallengeWindow = getDurationEnv("MJOLNIR_CHALLENGE_WINDOW_SEC", c.ChallengeWindow)
	c.EscalationPolicy = types.EscalationPolicy(getEnv("MJOLNIR_ESCALATION_POLICY", string(c.EscalationPolicy)))
	c.TokenRegistryPath = getEnv("MJOLNIR_TOKEN_REGISTRY", c.TokenRegistryPath)
	c.TokenFeedPath = getEnv("MJOLNIR_TOKEN_FEED", c.TokenFeedPath)
	c.RecoveryHashFile = getEnv("MJOLNIR_RECOVERY_HASH_FILE", c.RecoveryHashFile)

	c.SysfsRoot = getEnv("MJOLNIR_SYSFS_ROOT", c.SysfsRoot)
	c.MaxQueuedEvents = getIntEnv("MJOLNIR_MAX_QUEUED_EVENTS", c.MaxQueuedEvents)

	if paths := os.Getenv("MJOLNIR_ARTIFACTS"); paths != "" {
		c.Artifacts = parseArtifactList(paths)
	}
	c.ManifestDir = getEnv("MJOLNIR_MANIFEST_DIR", c.ManifestDir)
	c.EncryptBackups = getBoolEnv("MJOLNIR_ENCRYPT_BACKUPS", c.EncryptBackups)
	c.BackupKeyFile = getEnv("MJOLNIR_BACKUP_KEY_FILE", c.BackupKeyFile)
	c.BaselineInterval = getDurationEnv("MJOLNIR_BASELINE_INTERVAL_SEC", c.BaselineInterval)

	c.ActionMaxAttempts = getIntEnv("MJOLNIR_ACTION_MAX_ATTEMPTS", c.ActionMaxAttempts)

	c.AuditBackend = getEnv("MJOLNIR_AUDIT_BACKEND", c.AuditBackend)
	c.AuditPath = getEnv("MJOLNIR_AUDIT_PATH", c.AuditPath)

	c.NATSURL = getEnv("MJOLNIR_NATS_URL", c.NATSURL)
	c.AlertAckTimeout = getDurationEnv("MJOLNIR_ALERT_ACK_TIMEOUT_SEC", c.AlertAckTimeout)

	c.HTTPAddress = getEnv("MJOLNIR_HTTP_ADDRESS", c.HTTPAddress)
}

// parseArtifactList parses "CATEGORY:/path,/other/path" lists; entries without
// a category land in MISC. Every entry from the environment is mandatory.
func parseArtifactList(value string) []types.Artifact {
	var artifacts []types.Artifact
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		category := "MISC"
		path := item
		if i := strings.Index(item, ":"); i > 0 && !strings.HasPrefix(item, "/") {
			category = item[:i]
			path = item[i+1:]
		}
		artifacts = append(artifacts, types.Artifact{Path: path, Category: category, Mandatory: true})
	}
	return artifacts
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if strings.TrimSpace(c.TrustedPort) == "" {
		return ErrMissingTrustedPort
	}
	if c.HostID == "" {
		return fmt.Errorf("host_id cannot be empty")
	}
	if c.ChallengeWindow < time.Second || c.ChallengeWindow > 10*time.Minute {
		return fmt.Errorf("challenge_window must be between 1s and 10m, got %s", c.ChallengeWindow)
	}
	policy, err := types.ParseEscalationPolicy(string(c.EscalationPolicy))
	if err != nil {
		return err
	}
	c.EscalationPolicy = policy

	if c.TokenRegistryPath == "" {
		return fmt.Errorf("token_registry_path cannot be empty")
	}
	if c.ManifestDir == "" {
		return fmt.Errorf("manifest_dir cannot be empty")
	}
	if c.EncryptBackups && c.BackupKeyFile == "" {
		return fmt.Errorf("encrypt_backups requires backup_key_file")
	}
	for i, a := range c.Artifacts {
		if a.Path == "" {
			return fmt.Errorf("artifacts[%d]: path cannot be empty", i)
		}
	}
	for i, a := range c.LockdownActions {
		if a.Name == "" || a.Path == "" {
			return fmt.Errorf("lockdown_actions[%d]: name and path are required", i)
		}
	}
	if c.ActionMaxAttempts < 1 || c.ActionMaxAttempts > 10 {
		return fmt.Errorf("action_max_attempts must be between 1 and 10")
	}
	if c.MaxQueuedEvents <= 0 {
		return fmt.Errorf("max_queued_events must be positive")
	}
	switch c.AuditBackend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("audit_backend must be file or sqlite, got %q", c.AuditBackend)
	}
	if c.AuditPath == "" {
		return fmt.Errorf("audit_path cannot be empty")
	}
	if c.HTTPRateLimit <= 0 || c.HTTPRateBurst <= 0 {
		return fmt.Errorf("http rate limit and burst must be positive")
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable with a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getDurationEnv reads a number of seconds
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

// getBoolEnv gets a bool environment variable with a default value
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
