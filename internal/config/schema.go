// Package config provides configuration loading and validation for certrotor.
package config

import (
	"time"

	"github.com/coral-mesh/certrotor/internal/logging"
	"github.com/coral-mesh/certrotor/internal/pki"
	"github.com/coral-mesh/certrotor/internal/retry"
)

// SchemaVersion is the configuration schema version.
const SchemaVersion = "1"

// Config represents certrotor.yaml. Every recognized option is enumerated here;
// unknown keys are rejected when the file is loaded.
type Config struct {
	Version     string `yaml:"version" json:"version"`
	Cluster     string `yaml:"cluster" json:"cluster" env:"CERTROTOR_CLUSTER" jsonschema:"required"`
	StateDir    string `yaml:"state_dir" json:"state_dir" env:"CERTROTOR_STATE_DIR"`
	MetricsAddr string `yaml:"metrics_addr,omitempty" json:"metrics_addr,omitempty" env:"CERTROTOR_METRICS_ADDR"`

	// Inventory is the DuckDB file holding nodes, certificates and operations.
	// The value ":memory:" keeps the inventory in process memory.
	Inventory string `yaml:"inventory" json:"inventory" env:"CERTROTOR_INVENTORY"`

	Logging      logging.Config     `yaml:"logging" json:"logging"`
	CA           CAConfig           `yaml:"ca" json:"ca"`
	Nodes        []NodeConfig       `yaml:"nodes" json:"nodes"`
	Certificates CertificatesConfig `yaml:"certificates" json:"certificates"`
	Retry        retry.Config       `yaml:"retry" json:"retry"`
	Health       HealthConfig       `yaml:"health" json:"health"`
	Lease        LeaseConfig        `yaml:"lease" json:"lease"`
	Backup       BackupConfig       `yaml:"backup" json:"backup"`
	Agent        AgentConfig        `yaml:"agent" json:"agent"`
}

// CAConfig locates the CA store and its password sources.
type CAConfig struct {
	Dir                      string        `yaml:"dir" json:"dir" env:"CERTROTOR_CA_DIR"`
	RootPasswordFile         string        `yaml:"root_password_file,omitempty" json:"root_password_file,omitempty" env:"CERTROTOR_CA_ROOT_PASSWORD_FILE"`
	IntermediatePasswordFile string        `yaml:"intermediate_password_file,omitempty" json:"intermediate_password_file,omitempty" env:"CERTROTOR_CA_INTERMEDIATE_PASSWORD_FILE"`
	RootValidity             time.Duration `yaml:"root_validity" json:"root_validity"`
	IntermediateValidity     time.Duration `yaml:"intermediate_validity" json:"intermediate_validity"`

	// ReadOnly opens the store as a backup holder replica.
	ReadOnly bool `yaml:"read_only,omitempty" json:"read_only,omitempty" env:"CERTROTOR_CA_READ_ONLY"`
}

// NodeConfig seeds a cluster member into the inventory.
type NodeConfig struct {
	Name           string   `yaml:"name" json:"name" jsonschema:"required"`
	Addresses      []string `yaml:"addresses" json:"addresses"`
	HealthEndpoint string   `yaml:"health_endpoint" json:"health_endpoint"`

	// DataPlane defaults to true. Dedicated CA holders set it to false.
	DataPlane *bool  `yaml:"data_plane,omitempty" json:"data_plane,omitempty"`
	CARole    string `yaml:"ca_role,omitempty" json:"ca_role,omitempty" jsonschema:"enum=none,enum=primary,enum=backup"`
}

// Identity converts the entry into a node identity.
func (n NodeConfig) Identity() pki.NodeIdentity {
	role := pki.CARole(n.CARole)
	if role == "" {
		role = pki.CARoleNone
	}
	return pki.NodeIdentity{
		Name:           n.Name,
		Addresses:      n.Addresses,
		HealthEndpoint: n.HealthEndpoint,
		DataPlane:      n.DataPlane == nil || *n.DataPlane,
		CARole:         role,
	}
}

// CertificatesConfig is the leaf certificate duration and renewal policy.
type CertificatesConfig struct {
	DefaultLifetime time.Duration `yaml:"default_lifetime" json:"default_lifetime" env:"CERTROTOR_CERT_DEFAULT_LIFETIME"`
	MinLifetime     time.Duration `yaml:"min_lifetime" json:"min_lifetime" env:"CERTROTOR_CERT_MIN_LIFETIME"`
	MaxLifetime     time.Duration `yaml:"max_lifetime" json:"max_lifetime" env:"CERTROTOR_CERT_MAX_LIFETIME"`

	// RenewalThreshold is the fraction of the original lifetime below which a
	// certificate is renewed.
	RenewalThreshold float64       `yaml:"renewal_threshold" json:"renewal_threshold" env:"CERTROTOR_RENEWAL_THRESHOLD"`
	RenewalTimeOfDay string        `yaml:"renewal_time_of_day" json:"renewal_time_of_day" env:"CERTROTOR_RENEWAL_TIME_OF_DAY"`
	RenewalJitter    time.Duration `yaml:"renewal_jitter" json:"renewal_jitter" env:"CERTROTOR_RENEWAL_JITTER"`
	RenewalResync    time.Duration `yaml:"renewal_resync" json:"renewal_resync"`
	Classes          []string      `yaml:"classes" json:"classes" env:"CERTROTOR_CERT_CLASSES"`
}

// Policy returns the configured duration policy.
func (c CertificatesConfig) Policy() pki.DurationPolicy {
	return pki.DurationPolicy{Default: c.DefaultLifetime, Min: c.MinLifetime, Max: c.MaxLifetime}
}

// CertClasses returns the configured classes as typed values.
func (c CertificatesConfig) CertClasses() []pki.Class {
	out := make([]pki.Class, 0, len(c.Classes))
	for _, name := range c.Classes {
		out = append(out, pki.Class(name))
	}
	return out
}

// HealthConfig controls the quorum health gate.
type HealthConfig struct {
	ProbeTimeout time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
	PollRetries  int           `yaml:"poll_retries" json:"poll_retries" env:"CERTROTOR_HEALTH_POLL_RETRIES"`
	PollBackoff  time.Duration `yaml:"poll_backoff" json:"poll_backoff" env:"CERTROTOR_HEALTH_POLL_BACKOFF"`

	// Force overrides the quorum pre-check. The override is recorded in every report.
	Force bool `yaml:"force" json:"force" env:"CERTROTOR_FORCE"`
}

// LeaseConfig selects the rotation lease backend.
type LeaseConfig struct {
	Backend   string        `yaml:"backend" json:"backend" env:"CERTROTOR_LEASE_BACKEND" jsonschema:"enum=memory,enum=redis"`
	RedisAddr string        `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty" env:"CERTROTOR_REDIS_ADDR"`
	RedisDB   int           `yaml:"redis_db,omitempty" json:"redis_db,omitempty"`
	TTL       time.Duration `yaml:"ttl" json:"ttl"`
}

// BackupConfig controls the backup pipeline.
type BackupConfig struct {
	Encryption   string `yaml:"encryption" json:"encryption" env:"CERTROTOR_BACKUP_ENCRYPTION" jsonschema:"enum=none,enum=symmetric-password,enum=envelope-key-service"`
	PasswordFile string `yaml:"password_file,omitempty" json:"password_file,omitempty" env:"CERTROTOR_BACKUP_PASSWORD_FILE"`
	KMSKeyID     string `yaml:"kms_key_id,omitempty" json:"kms_key_id,omitempty" env:"CERTROTOR_BACKUP_KMS_KEY_ID"`

	Store    string `yaml:"store" json:"store" env:"CERTROTOR_BACKUP_STORE" jsonschema:"enum=fs,enum=s3"`
	Dir      string `yaml:"dir,omitempty" json:"dir,omitempty" env:"CERTROTOR_BACKUP_DIR"`
	Bucket   string `yaml:"bucket,omitempty" json:"bucket,omitempty" env:"CERTROTOR_BACKUP_BUCKET"`
	Prefix   string `yaml:"prefix,omitempty" json:"prefix,omitempty" env:"CERTROTOR_BACKUP_PREFIX"`
	Region   string `yaml:"region,omitempty" json:"region,omitempty" env:"AWS_REGION"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty" env:"CERTROTOR_BACKUP_ENDPOINT"`

	CACheckInterval  time.Duration `yaml:"ca_check_interval" json:"ca_check_interval"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval" json:"snapshot_interval"`
	RetentionDays    int           `yaml:"retention_days" json:"retention_days" env:"CERTROTOR_BACKUP_RETENTION_DAYS"`
	AlertURL         string        `yaml:"alert_url,omitempty" json:"alert_url,omitempty" env:"CERTROTOR_BACKUP_ALERT_URL"`

	// OnlineOnly refuses offline data snapshots when no node is healthy.
	OnlineOnly bool `yaml:"online_only,omitempty" json:"online_only,omitempty" env:"CERTROTOR_BACKUP_ONLINE_ONLY"`
}

// AgentConfig configures the local node agent.
type AgentConfig struct {
	RootDir         string        `yaml:"root_dir" json:"root_dir" env:"CERTROTOR_AGENT_ROOT_DIR"`
	ReloadCommand   string        `yaml:"reload_command,omitempty" json:"reload_command,omitempty"`
	RestartCommand  string        `yaml:"restart_command,omitempty" json:"restart_command,omitempty"`
	SnapshotCommand string        `yaml:"snapshot_command,omitempty" json:"snapshot_command,omitempty"`
	HookTimeout     time.Duration `yaml:"hook_timeout" json:"hook_timeout"`
}

// NodeIdentities returns every configured node as an identity.
func (c *Config) NodeIdentities() []pki.NodeIdentity {
	out := make([]pki.NodeIdentity, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		out = append(out, n.Identity())
	}
	return out
}
