package helpers

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/certrotor/internal/agent"
	"github.com/coral-mesh/certrotor/internal/backup"
	"github.com/coral-mesh/certrotor/internal/ca"
	"github.com/coral-mesh/certrotor/internal/config"
	"github.com/coral-mesh/certrotor/internal/constants"
	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/health"
	"github.com/coral-mesh/certrotor/internal/inventory"
	"github.com/coral-mesh/certrotor/internal/issuer"
	"github.com/coral-mesh/certrotor/internal/logging"
	"github.com/coral-mesh/certrotor/internal/pki"
	"github.com/coral-mesh/certrotor/internal/rollout"
	"github.com/coral-mesh/certrotor/internal/rotation"
)

// Environment variables consulted for secrets that have no file configured.
const (
	EnvRootPassword         = "CERTROTOR_CA_ROOT_PASSWORD"
	EnvIntermediatePassword = "CERTROTOR_CA_INTERMEDIATE_PASSWORD"
	EnvBackupPassword       = "CERTROTOR_BACKUP_PASSWORD"
)

// App is the set of components a command works with, built from the config file.
type App struct {
	Config    *config.Config
	Logger    zerolog.Logger
	Inventory inventory.Store
	Agent     *agent.Local
	CA        *ca.Store
	Passwords *PasswordReader

	redis *redis.Client
}

// AppOption changes how NewApp builds an App.
type AppOption func(*appOptions)

type appOptions struct {
	sharedInventory bool
}

// WithSharedInventory opens the inventory file only for the duration of each
// call, so other commands can use it while the App is alive.
func WithSharedInventory() AppOption {
	return func(o *appOptions) { o.sharedInventory = true }
}

// OpenApp loads the config named by the --config flag and opens the inventory.
func OpenApp(cmd *cobra.Command, opts ...AppOption) (*App, error) {
	path := constants.ConfigFile
	if f := cmd.Flag("config"); f != nil && f.Value.String() != "" {
		path = f.Value.String()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if f := cmd.Flag("log-level"); f != nil && f.Value.String() != "" {
		cfg.Logging.Level = f.Value.String()
	}
	return NewApp(cmd.Context(), cfg, cmd.ErrOrStderr(), opts...)
}

// NewApp builds an App from cfg. The inventory is seeded with the configured
// nodes the first time it is opened.
func NewApp(ctx context.Context, cfg *config.Config, stderr io.Writer, opts ...AppOption) (*App, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}
	cfg.Logging.Output = stderr
	logger := logging.New(cfg.Logging).With().Str("cluster", cfg.Cluster).Logger()

	var inv inventory.Store
	if cfg.Inventory == ":memory:" {
		inv = inventory.NewMemory()
	} else {
		if err := os.MkdirAll(cfg.StateDir, constants.DirPerm); err != nil {
			return nil, fmt.Errorf("failed to create state dir: %w", err)
		}
		var err error
		if o.sharedInventory {
			inv, err = inventory.NewOnDemand(cfg.Inventory, logger)
		} else {
			inv, err = inventory.OpenDuckDB(cfg.Inventory, logger)
		}
		if err != nil {
			return nil, err
		}
	}

	a := &App{
		Config:    cfg,
		Logger:    logger,
		Inventory: inv,
		Passwords: NewPasswordReader(stderr),
	}
	if err := a.seed(ctx); err != nil {
		_ = inv.Close()
		return nil, err
	}

	a.Agent = agent.NewLocal(agent.LocalConfig{
		RootDir:         cfg.Agent.RootDir,
		ReloadCommand:   cfg.Agent.ReloadCommand,
		RestartCommand:  cfg.Agent.RestartCommand,
		SnapshotCommand: cfg.Agent.SnapshotCommand,
		HookTimeout:     cfg.Agent.HookTimeout,
		Logger:          logger,
	})
	a.CA = ca.New(cfg.CA.Dir, ca.Options{
		Cluster:              cfg.Cluster,
		ReadOnly:             cfg.CA.ReadOnly,
		RootValidity:         cfg.CA.RootValidity,
		IntermediateValidity: cfg.CA.IntermediateValidity,
		Replicator:           a.Agent,
		Retry:                cfg.Retry,
		Logger:               logger,
	})
	return a, nil
}

func (a *App) seed(ctx context.Context) error {
	existing, err := a.Inventory.ListNodes(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for _, n := range a.Config.NodeIdentities() {
		if err := a.Inventory.UpsertNode(ctx, n); err != nil {
			return fmt.Errorf("failed to seed node %s: %w", n.Name, err)
		}
	}
	return nil
}

// Close releases the inventory and the lease connection.
func (a *App) Close() {
	errors.DeferClose(a.Logger, a.Inventory, "failed to close inventory")
	if a.redis != nil {
		errors.DeferClose(a.Logger, a.redis, "failed to close redis client")
	}
}

// Nodes returns the current inventory.
func (a *App) Nodes(ctx context.Context) ([]pki.NodeIdentity, error) {
	return a.Inventory.ListNodes(ctx)
}

// CAPasswords resolves both CA passwords. confirm asks twice when prompting.
func (a *App) CAPasswords(confirm bool) (ca.PasswordConfig, error) {
	read := a.Passwords.Read
	if confirm {
		read = a.Passwords.ReadConfirmed
	}
	root, err := read(PasswordSource{
		Field:  "ca.root_password",
		File:   a.Config.CA.RootPasswordFile,
		Env:    EnvRootPassword,
		Prompt: "Root CA password",
	})
	if err != nil {
		return ca.PasswordConfig{}, err
	}
	inter, err := read(PasswordSource{
		Field:  "ca.intermediate_password",
		File:   a.Config.CA.IntermediatePasswordFile,
		Env:    EnvIntermediatePassword,
		Prompt: "Intermediate CA password",
	})
	if err != nil {
		return ca.PasswordConfig{}, err
	}
	return ca.PasswordConfig{Root: root, Intermediate: inter}, nil
}

// LoadSigningCA unseals the CA keys so certificates can be signed.
func (a *App) LoadSigningCA() error {
	pw, err := a.CAPasswords(false)
	if err != nil {
		return err
	}
	return a.CA.Load(&pw)
}

// Gate returns a quorum gate over the current data-plane members.
func (a *App) Gate(ctx context.Context) (*health.QuorumGate, error) {
	nodes, err := a.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	return health.NewQuorumGate(health.NewHTTPProbe(a.Config.Health.ProbeTimeout), nodes, a.Logger), nil
}

// Lease returns the configured rotation lease.
func (a *App) Lease() (rotation.Lease, error) {
	switch a.Config.Lease.Backend {
	case "", "memory":
		return rotation.NewMemoryLease(), nil
	case "redis":
		if a.redis == nil {
			a.redis = redis.NewClient(&redis.Options{Addr: a.Config.Lease.RedisAddr, DB: a.Config.Lease.RedisDB})
		}
		return rotation.NewRedisLease(a.redis, constants.LeaseKey+":"+a.Config.Cluster), nil
	default:
		return nil, errors.Configf("lease.backend", "unknown backend %q", a.Config.Lease.Backend)
	}
}

// Issuer builds a certificate issuer signing with the loaded CA.
func (a *App) Issuer() (*issuer.Issuer, error) {
	return issuer.New(a.CA, a.Agent, a.Inventory, issuer.Config{
		Policy: a.Config.Certificates.Policy(),
		Retry:  a.Config.Retry,
		Logger: a.Logger,
	})
}

// Controller builds a rotation controller. The CA must be loaded with its
// passwords for operations that sign.
func (a *App) Controller(ctx context.Context, force bool) (*rotation.Controller, error) {
	gate, err := a.Gate(ctx)
	if err != nil {
		return nil, err
	}
	iss, err := a.Issuer()
	if err != nil {
		return nil, err
	}
	lease, err := a.Lease()
	if err != nil {
		return nil, err
	}
	coord := rollout.New(a.Agent, gate, rollout.Config{
		PollRetries: a.Config.Health.PollRetries,
		PollBackoff: a.Config.Health.PollBackoff,
		Logger:      a.Logger,
	})
	return rotation.New(rotation.Deps{
		CA:        a.CA,
		Issuer:    iss,
		Reloader:  a.Agent,
		Rollout:   coord,
		Inventory: a.Inventory,
		Lease:     lease,
	}, rotation.Config{
		Classes:  a.Config.Certificates.CertClasses(),
		Force:    force || a.Config.Health.Force,
		LeaseTTL: a.Config.Lease.TTL,
		Logger:   a.Logger,
	}), nil
}

// Pipeline builds the backup pipeline. The data snapshot source is only
// available when the agent has a snapshot command.
func (a *App) Pipeline(ctx context.Context) (*backup.Pipeline, error) {
	b := a.Config.Backup

	keyring, err := a.keyring(ctx)
	if err != nil {
		return nil, err
	}
	enc, err := keyring.For(b.Encryption)
	if err != nil {
		return nil, err
	}

	var store backup.ObjectStore
	switch b.Store {
	case "s3":
		store, err = backup.NewS3Store(ctx, backup.S3Config{
			Bucket:   b.Bucket,
			Prefix:   b.Prefix,
			Region:   b.Region,
			Endpoint: b.Endpoint,
		})
	default:
		store, err = backup.NewFSStore(b.Dir)
	}
	if err != nil {
		return nil, err
	}

	alerter, err := backup.NewPingAlerter(b.AlertURL, a.Logger)
	if err != nil {
		return nil, err
	}

	sources := []backup.Source{backup.NewCASource(a.Config.CA.Dir)}
	if a.Config.Agent.SnapshotCommand != "" {
		gate, err := a.Gate(ctx)
		if err != nil {
			return nil, err
		}
		sources = append(sources, backup.NewSnapshotSource(a.Agent, gate, a.Inventory, b.OnlineOnly, a.Logger))
	}

	return backup.New(backup.Config{
		Cluster:       a.Config.Cluster,
		Store:         store,
		Encryptor:     enc,
		Keyring:       keyring,
		Sources:       sources,
		Alerter:       alerter,
		Retry:         a.Config.Retry,
		RetentionDays: b.RetentionDays,
		Logger:        a.Logger,
	})
}

// keyring holds every encryptor whose credentials are configured, so that
// artifacts written under an earlier method can still be restored.
func (a *App) keyring(ctx context.Context) (backup.Keyring, error) {
	b := a.Config.Backup
	var encs []backup.Encryptor

	pwSrc := PasswordSource{Field: "backup.password_file", File: b.PasswordFile, Env: EnvBackupPassword}
	if b.PasswordFile != "" || a.Passwords.fromEnv(pwSrc) || b.Encryption == constants.EncryptionPassword {
		pw, err := a.Passwords.Read(pwSrc)
		if err != nil {
			return nil, err
		}
		enc, err := backup.NewPasswordEncryptor(pw)
		if err != nil {
			return nil, err
		}
		encs = append(encs, enc)
	}
	if b.KMSKeyID != "" {
		client, err := backup.NewKMSClient(ctx, b.Region)
		if err != nil {
			return nil, err
		}
		enc, err := backup.NewEnvelopeEncryptor(client, b.KMSKeyID)
		if err != nil {
			return nil, err
		}
		encs = append(encs, enc)
	}
	return backup.NewKeyring(encs...), nil
}
