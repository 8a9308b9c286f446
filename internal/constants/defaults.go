package constants

import "time"

// CA lifetimes.
const (
	RootCAValidity = 10 * 365 * 24 * time.Hour

	IntermediateCAValidity = 5 * 365 * 24 * time.Hour
)

// Leaf certificate policy.
const (
	DefaultLeafLifetime = 365 * 24 * time.Hour

	// DefaultMinLeafLifetime is the shortest lifetime an operator may configure.
	DefaultMinLeafLifetime = 24 * time.Hour

	DefaultMaxLeafLifetime = 2 * 365 * 24 * time.Hour

	// DefaultRenewalThreshold renews a certificate once less than this share of its
	// original lifetime remains.
	DefaultRenewalThreshold = 1.0 / 3.0

	DefaultRenewalJitter = 30 * time.Minute

	// DefaultRenewalResync is how often the scheduler reloads the certificate inventory.
	DefaultRenewalResync = 10 * time.Minute
)

// Retry - bounded exponential backoff for transient failures.
const (
	DefaultMaxRetries = 5

	DefaultInitialBackoff = 1 * time.Second

	DefaultMaxBackoff = 30 * time.Second

	DefaultRetryJitter = 0.1
)

// Health gate.
const (
	DefaultProbeTimeout = 5 * time.Second

	DefaultHealthPollRetries = 12

	DefaultHealthPollBackoff = 5 * time.Second

	// MinQuorumClusterSize is the smallest cluster that survives one member restarting.
	MinQuorumClusterSize = 3
)

// Replication polling.
const (
	DefaultReplicaPollRetries = 6

	DefaultReplicaPollBackoff = 2 * time.Second
)

// Lease.
const (
	DefaultLeaseTTL = 30 * time.Minute

	LeaseKey = "certrotor:rotation-lease"
)

// Backup.
const (
	DefaultCACheckInterval = 1 * time.Hour

	DefaultSnapshotInterval = 6 * time.Hour

	DefaultRetentionDays = 365

	DefaultHookTimeout = 2 * time.Minute
)

// DefaultShutdownTimeout bounds the daemon's graceful shutdown.
const DefaultShutdownTimeout = 10 * time.Second

// File permissions.
const (
	DirPerm = 0o700

	SecretFilePerm = 0o400

	KeyFilePerm = 0o600

	CertFilePerm = 0o644
)
