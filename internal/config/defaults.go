package config

import (
	"path/filepath"

	"github.com/coral-mesh/certrotor/internal/constants"
	"github.com/coral-mesh/certrotor/internal/logging"
	"github.com/coral-mesh/certrotor/internal/retry"
)

// Default returns a config with sensible defaults for every option except the
// cluster name and node list.
func Default() *Config {
	return &Config{
		Version:     SchemaVersion,
		StateDir:    constants.DefaultDir,
		MetricsAddr: constants.DefaultMetricsAddr,
		Logging:     logging.DefaultConfig(),
		CA: CAConfig{
			RootValidity:         constants.RootCAValidity,
			IntermediateValidity: constants.IntermediateCAValidity,
		},
		Certificates: CertificatesConfig{
			DefaultLifetime:  constants.DefaultLeafLifetime,
			MinLifetime:      constants.DefaultMinLeafLifetime,
			MaxLifetime:      constants.DefaultMaxLeafLifetime,
			RenewalThreshold: constants.DefaultRenewalThreshold,
			RenewalTimeOfDay: constants.DefaultRenewalTimeOfDay,
			RenewalJitter:    constants.DefaultRenewalJitter,
			RenewalResync:    constants.DefaultRenewalResync,
			Classes:          []string{constants.ClassPeer, constants.ClassServer, constants.ClassClient},
		},
		Retry: retry.Config{
			MaxRetries:     constants.DefaultMaxRetries,
			InitialBackoff: constants.DefaultInitialBackoff,
			MaxBackoff:     constants.DefaultMaxBackoff,
			Jitter:         constants.DefaultRetryJitter,
		},
		Health: HealthConfig{
			ProbeTimeout: constants.DefaultProbeTimeout,
			PollRetries:  constants.DefaultHealthPollRetries,
			PollBackoff:  constants.DefaultHealthPollBackoff,
		},
		Lease: LeaseConfig{
			Backend: "memory",
			TTL:     constants.DefaultLeaseTTL,
		},
		Backup: BackupConfig{
			Encryption:       constants.EncryptionNone,
			Store:            "fs",
			CACheckInterval:  constants.DefaultCACheckInterval,
			SnapshotInterval: constants.DefaultSnapshotInterval,
			RetentionDays:    constants.DefaultRetentionDays,
		},
		Agent: AgentConfig{
			HookTimeout: constants.DefaultHookTimeout,
		},
	}
}

// applyDerived fills paths that default relative to StateDir.
func (c *Config) applyDerived() {
	if c.StateDir == "" {
		c.StateDir = constants.DefaultDir
	}
	if c.Inventory == "" {
		c.Inventory = filepath.Join(c.StateDir, "inventory.duckdb")
	}
	if c.CA.Dir == "" {
		c.CA.Dir = filepath.Join(c.StateDir, "ca")
	}
	if c.Agent.RootDir == "" {
		c.Agent.RootDir = filepath.Join(c.StateDir, "nodes")
	}
	if c.Backup.Store == "fs" && c.Backup.Dir == "" {
		c.Backup.Dir = filepath.Join(c.StateDir, "backups")
	}
}
