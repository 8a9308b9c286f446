// Package constants defines shared configuration constants.
package constants

var (
	ConfigFile = "certrotor.yaml"

	DefaultDir = "/var/lib/certrotor"

	DefaultInventoryPath = DefaultDir + "/" + "inventory.duckdb"

	DefaultCADir = DefaultDir + "/" + "ca"

	// DefaultAgentRootDir holds one directory per node with its leaf certificates.
	DefaultAgentRootDir = DefaultDir + "/" + "nodes"

	DefaultBackupDir = DefaultDir + "/" + "backups"

	DefaultMetricsAddr = "127.0.0.1:9464"

	// DefaultRenewalTimeOfDay is the local wall-clock time renewal timers aim for.
	DefaultRenewalTimeOfDay = "03:00"
)

// Certificate classes issued to every node.
const (
	ClassPeer   = "peer"
	ClassServer = "server"
	ClassClient = "client"
)

// Backup payload kinds.
const (
	KindCASecrets    = "ca-secrets"
	KindDataSnapshot = "data-snapshot"
)

// Encryption methods.
const (
	EncryptionNone     = "none"
	EncryptionPassword = "symmetric-password"
	EncryptionEnvelope = "envelope-key-service"
)
