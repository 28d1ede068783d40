package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	dserrors "github.com/systmms/secretd/internal/errors"
	"github.com/systmms/secretd/internal/logging"
)

// Config holds the runtime configuration for a secretd process.
type Config struct {
	Path       string
	Logger     *logging.Logger
	Definition *Definition
}

// Definition represents the secretd.yaml structure.
type Definition struct {
	Version     int               `yaml:"version"`
	Store       StoreConfig       `yaml:"store"`
	KMS         KMSConfig         `yaml:"kms"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Workers     WorkerConfig      `yaml:"workers"`
	Replicas    []ReplicaConfig   `yaml:"replicas,omitempty"`
	Audit       AuditConfig       `yaml:"audit"`
	Access      AccessConfig      `yaml:"access"`
	Defaults    RotationDefaults  `yaml:"defaults"`
	Listen      string            `yaml:"listen,omitempty"` // metrics/health address
}

// StoreConfig configures the durable secret store.
type StoreConfig struct {
	Path          string `yaml:"path"`
	BusyTimeoutMs int    `yaml:"busy_timeout_ms,omitempty"`
}

// KMSConfig selects and configures the key provider.
type KMSConfig struct {
	Provider        string `yaml:"provider"` // "aws.kms" or "static"
	KeyID           string `yaml:"key_id,omitempty"`
	Region          string `yaml:"region,omitempty"`
	Profile         string `yaml:"profile,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	Passphrase      string `yaml:"passphrase,omitempty"` // static provider only
	TimeoutMs       int    `yaml:"timeout_ms,omitempty"`
}

// SchedulerConfig configures the rotation scheduler loop.
type SchedulerConfig struct {
	TickSeconds int `yaml:"tick_seconds,omitempty"`
}

// WorkerConfig configures the rotation worker pool.
type WorkerConfig struct {
	Count               int `yaml:"count,omitempty"`
	ActionTimeoutMs     int `yaml:"action_timeout_ms,omitempty"`
	ClaimStalenessSecs  int `yaml:"claim_staleness_seconds,omitempty"`
}

// ReplicaConfig describes one replication target region.
type ReplicaConfig struct {
	Region  string                 `yaml:"region"`
	Backend string                 `yaml:"backend"` // memory | aws.secretsmanager | aws.ssm | gcp.secretmanager | azure.keyvault
	Config  map[string]interface{} `yaml:",inline"`
}

// AuditConfig configures the audit emitter.
type AuditConfig struct {
	Sink        string `yaml:"sink,omitempty"` // "file" (default) or "memory"
	Path        string `yaml:"path,omitempty"`
	SpillDir    string `yaml:"spill_dir,omitempty"`
	RetryBudget int    `yaml:"retry_budget,omitempty"`
	QueueSize   int    `yaml:"queue_size,omitempty"`
}

// AccessConfig carries the access policy documents and cache settings.
type AccessConfig struct {
	CacheTTLSeconds int          `yaml:"cache_ttl_seconds,omitempty"` // 0 disables the cache
	Policies        []PolicyRule `yaml:"policies"`
}

// PolicyRule is one access policy statement.
type PolicyRule struct {
	Principal  string   `yaml:"principal"`
	Pattern    string   `yaml:"pattern"`
	Operations []string `yaml:"operations"`
	Effect     string   `yaml:"effect"` // "allow" or "deny"
}

// RotationDefaults applies to secrets whose policy omits a field.
type RotationDefaults struct {
	IntervalSeconds  int    `yaml:"interval_seconds,omitempty"`
	GraceSeconds     int    `yaml:"grace_seconds,omitempty"`
	MaxAttempts      int    `yaml:"max_attempts,omitempty"`
	RetentionSeconds int    `yaml:"retention_seconds,omitempty"`
	SecretLength     int    `yaml:"secret_length,omitempty"`
	SecretCharset    string `yaml:"secret_charset,omitempty"`
}

// Load reads and parses the secretd.yaml file, applying defaults.
func (c *Config) Load() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return dserrors.ConfigError{
				Field:      "path",
				Value:      c.Path,
				Message:    "configuration file not found",
				Suggestion: "Create a secretd.yaml or pass --config with its location",
			}
		}
		return dserrors.UserError{
			Message:    "Failed to read configuration file",
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return dserrors.ConfigError{
			Field:      "yaml",
			Message:    fmt.Sprintf("failed to parse configuration: %v", err),
			Suggestion: "Check the YAML syntax of your secretd.yaml",
		}
	}

	def.applyDefaults()
	if err := def.validate(); err != nil {
		return err
	}

	c.Definition = &def
	return nil
}

func (d *Definition) applyDefaults() {
	if d.Store.BusyTimeoutMs == 0 {
		d.Store.BusyTimeoutMs = 5000
	}
	if d.KMS.Provider == "" {
		d.KMS.Provider = "static"
	}
	if d.KMS.TimeoutMs == 0 {
		d.KMS.TimeoutMs = 10000
	}
	if d.Scheduler.TickSeconds == 0 {
		d.Scheduler.TickSeconds = 60
	}
	if d.Workers.Count == 0 {
		d.Workers.Count = 4
	}
	if d.Workers.ActionTimeoutMs == 0 {
		d.Workers.ActionTimeoutMs = 30000
	}
	if d.Workers.ClaimStalenessSecs == 0 {
		d.Workers.ClaimStalenessSecs = 300
	}
	if d.Audit.Sink == "" {
		d.Audit.Sink = "file"
	}
	if d.Audit.RetryBudget == 0 {
		d.Audit.RetryBudget = 5
	}
	if d.Audit.QueueSize == 0 {
		d.Audit.QueueSize = 1024
	}
	if d.Defaults.IntervalSeconds == 0 {
		d.Defaults.IntervalSeconds = 86400
	}
	if d.Defaults.GraceSeconds == 0 {
		d.Defaults.GraceSeconds = 3600
	}
	if d.Defaults.MaxAttempts == 0 {
		d.Defaults.MaxAttempts = 5
	}
	if d.Defaults.RetentionSeconds == 0 {
		d.Defaults.RetentionSeconds = 7 * 86400
	}
	if d.Defaults.SecretLength == 0 {
		d.Defaults.SecretLength = 32
	}
	if d.Listen == "" {
		d.Listen = "127.0.0.1:9465"
	}
}

func (d *Definition) validate() error {
	if d.Store.Path == "" {
		return dserrors.ConfigError{
			Field:      "store.path",
			Message:    "store path is required",
			Suggestion: "Set store.path to the SQLite database location, e.g. /var/lib/secretd/store.db",
		}
	}

	switch d.KMS.Provider {
	case "static":
		if d.KMS.Passphrase == "" {
			return dserrors.ConfigError{
				Field:      "kms.passphrase",
				Message:    "the static key provider requires a passphrase",
				Suggestion: "Set kms.passphrase, or switch kms.provider to aws.kms",
			}
		}
	case "aws.kms":
		if d.KMS.KeyID == "" {
			return dserrors.ConfigError{
				Field:      "kms.key_id",
				Message:    "the aws.kms provider requires a key id",
				Suggestion: "Set kms.key_id to a KMS key ID, alias or ARN",
			}
		}
	default:
		return dserrors.ConfigError{
			Field:      "kms.provider",
			Value:      d.KMS.Provider,
			Message:    "unknown key provider",
			Suggestion: "Supported providers: static, aws.kms",
		}
	}

	seen := make(map[string]bool, len(d.Replicas))
	for i, r := range d.Replicas {
		if r.Region == "" {
			return dserrors.ConfigError{
				Field:   fmt.Sprintf("replicas[%d].region", i),
				Message: "replica region name is required",
			}
		}
		if seen[r.Region] {
			return dserrors.ConfigError{
				Field:   fmt.Sprintf("replicas[%d].region", i),
				Value:   r.Region,
				Message: "duplicate replica region",
			}
		}
		seen[r.Region] = true
		switch r.Backend {
		case "memory", "aws.secretsmanager", "aws.ssm", "gcp.secretmanager", "azure.keyvault":
		default:
			return dserrors.ConfigError{
				Field:      fmt.Sprintf("replicas[%d].backend", i),
				Value:      r.Backend,
				Message:    "unknown replica backend",
				Suggestion: "Supported backends: memory, aws.secretsmanager, aws.ssm, gcp.secretmanager, azure.keyvault",
			}
		}
	}

	for i, p := range d.Access.Policies {
		if p.Effect != "allow" && p.Effect != "deny" {
			return dserrors.ConfigError{
				Field:      fmt.Sprintf("access.policies[%d].effect", i),
				Value:      p.Effect,
				Message:    "policy effect must be allow or deny",
				Suggestion: "Set effect to \"allow\" or \"deny\"",
			}
		}
	}

	return nil
}

// KMSTimeout returns the key provider call timeout.
func (d *Definition) KMSTimeout() time.Duration {
	return time.Duration(d.KMS.TimeoutMs) * time.Millisecond
}

// SchedulerTick returns the scheduler poll interval.
func (d *Definition) SchedulerTick() time.Duration {
	return time.Duration(d.Scheduler.TickSeconds) * time.Second
}

// ActionTimeout returns the hard per-action timeout for rotation workers.
func (d *Definition) ActionTimeout() time.Duration {
	return time.Duration(d.Workers.ActionTimeoutMs) * time.Millisecond
}

// ClaimStaleness returns how old an IN_PROGRESS claim must be before another
// worker may reclaim the job.
func (d *Definition) ClaimStaleness() time.Duration {
	return time.Duration(d.Workers.ClaimStalenessSecs) * time.Second
}

// AccessCacheTTL returns the authorization cache TTL; zero disables caching.
func (d *Definition) AccessCacheTTL() time.Duration {
	return time.Duration(d.Access.CacheTTLSeconds) * time.Second
}
