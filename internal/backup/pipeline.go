package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/certrotor/internal/constants"
	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/metrics"
	"github.com/coral-mesh/certrotor/internal/retry"
)

// Target receives a restored payload.
type Target interface {
	Kind() string
	// Validate checks the decrypted payload before anything is written.
	Validate(data []byte, a *Artifact) error
	// Apply writes the payload atomically.
	Apply(data []byte) error
}

// Config configures a Pipeline.
type Config struct {
	Cluster   string
	Store     ObjectStore
	Encryptor Encryptor

	// Keyring decrypts artifacts written with other methods. The pipeline's
	// own encryptor is always added.
	Keyring Keyring

	Sources []Source
	Alerter Alerter
	Retry   retry.Config

	// RetentionDays prunes dated artifacts older than this after a successful
	// backup. Zero disables pruning.
	RetentionDays int

	Logger zerolog.Logger
	Now    func() time.Time
}

// Pipeline backs up and restores the CA material and data snapshots.
type Pipeline struct {
	cluster   string
	store     ObjectStore
	encryptor Encryptor
	keyring   Keyring
	sources   map[string]Source
	alerter   Alerter
	retry     retry.Config
	retention int
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Cluster == "" {
		return nil, errors.Configf("cluster", "must be set")
	}
	if cfg.Store == nil {
		return nil, errors.Configf("backup.store", "no object store configured")
	}
	if cfg.Encryptor == nil {
		cfg.Encryptor = NoEncryption{}
	}
	if cfg.Alerter == nil {
		cfg.Alerter = NopAlerter{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if !cfg.Retry.Valid() {
		cfg.Retry = retry.Config{
			MaxRetries:     constants.DefaultMaxRetries,
			InitialBackoff: constants.DefaultInitialBackoff,
			MaxBackoff:     constants.DefaultMaxBackoff,
		}
	}
	keyring := NewKeyring(cfg.Encryptor)
	for method, e := range cfg.Keyring {
		if _, ok := keyring[method]; !ok {
			keyring[method] = e
		}
	}
	p := &Pipeline{
		cluster:   cfg.Cluster,
		store:     cfg.Store,
		encryptor: cfg.Encryptor,
		keyring:   keyring,
		sources:   make(map[string]Source),
		alerter:   cfg.Alerter,
		retry:     cfg.Retry,
		retention: cfg.RetentionDays,
		logger:    cfg.Logger.With().Str("component", "backup").Logger(),
		now:       cfg.Now,
	}
	for _, s := range cfg.Sources {
		p.sources[s.Kind()] = s
	}
	return p, nil
}

// Backup collects, encrypts and uploads one artifact of kind. A CA backup whose
// source hash equals the latest artifact returns that artifact with
// ErrUnchanged unless force is set.
func (p *Pipeline) Backup(ctx context.Context, kind string, force bool) (*Artifact, error) {
	start := p.now()
	logger := p.logger.With().Str("kind", kind).Logger()

	a, err := p.backup(ctx, kind, force, logger)
	switch {
	case errors.Is(err, ErrUnchanged):
		metrics.Backups.WithLabelValues(kind, "no_changes").Inc()
		p.alerter.Notify(ctx, kind, AlertNoChanges)
		logger.Info().Str("latest", a.Key).Msg("Source unchanged, backup skipped")
		return a, err
	case err != nil:
		metrics.Backups.WithLabelValues(kind, "failed").Inc()
		p.alerter.Notify(context.WithoutCancel(ctx), kind, AlertFail)
		logger.Error().Err(err).Msg("Backup failed")
		return nil, err
	}

	metrics.Backups.WithLabelValues(kind, "success").Inc()
	metrics.BackupSize.WithLabelValues(kind).Set(float64(a.Size))
	metrics.LastBackup.WithLabelValues(kind).Set(float64(a.CreatedAt.Unix()))
	p.alerter.Notify(ctx, kind, AlertSuccess)
	logger.Info().
		Str("key", a.Key).
		Str("size", humanize.Bytes(uint64(a.Size))).
		Str("encryption", a.Encryption).
		Dur("took", p.now().Sub(start)).
		Msg("Backup completed")

	if p.retention > 0 {
		if n, err := p.Prune(ctx, kind); err != nil {
			logger.Warn().Err(err).Msg("Retention cleanup failed")
		} else if n > 0 {
			logger.Info().Int("pruned", n).Msg("Old backups pruned")
		}
	}
	return a, nil
}

func (p *Pipeline) backup(ctx context.Context, kind string, force bool, logger zerolog.Logger) (*Artifact, error) {
	src, ok := p.sources[kind]
	if !ok {
		return nil, errors.Configf("backup.kind", "no source for %q", kind)
	}
	payload, err := src.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect %s: %w", kind, err)
	}

	if kind == constants.KindCASecrets && !force {
		latest, err := p.Latest(ctx, kind)
		switch {
		case err == nil && latest.SourceHash == payload.SourceHash:
			return latest, ErrUnchanged
		case err != nil && !errors.Is(err, ErrNoBackup):
			return nil, err
		}
	}

	plainSum := sha256Hex(payload.Data)
	stored, err := p.encryptor.Encrypt(ctx, payload.Data)
	if err != nil {
		return nil, fmt.Errorf("encryption failed: %w", err)
	}
	if err := p.testDecrypt(ctx, stored, plainSum); err != nil {
		return nil, err
	}

	now := p.now().UTC()
	a := &Artifact{
		Key:               ArtifactKey(p.cluster, kind, now, p.encryptor.Suffix()),
		Cluster:           p.cluster,
		Kind:              kind,
		CreatedAt:         now.Truncate(time.Second),
		Encryption:        p.encryptor.Method(),
		Size:              int64(len(stored)),
		StoredSHA256:      sha256Hex(stored),
		PlaintextSHA256:   plainSum,
		SourceHash:        payload.SourceHash,
		SourceFingerprint: payload.SourceFingerprint,
		SourceNode:        payload.SourceNode,
		Online:            payload.Online,
	}

	if err := p.put(ctx, a.Key, stored, logger); err != nil {
		return nil, err
	}
	if err := p.verifyUpload(ctx, a); err != nil {
		return nil, err
	}
	if err := p.put(ctx, checksumKey(a.Key), checksumLine(plainSum, a.Key), logger); err != nil {
		return nil, err
	}
	manifest, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := p.put(ctx, manifestKey(a.Key), manifest, logger); err != nil {
		return nil, err
	}
	if err := p.put(ctx, LatestKey(p.cluster, kind), manifest, logger); err != nil {
		return nil, err
	}
	return a, nil
}

// testDecrypt proves the artifact can be opened before it is uploaded.
func (p *Pipeline) testDecrypt(ctx context.Context, stored []byte, plainSum string) error {
	check, err := p.encryptor.Decrypt(ctx, stored)
	if err != nil {
		return fmt.Errorf("encryption validation failed: %w", err)
	}
	if got := sha256Hex(check); got != plainSum {
		return &errors.IntegrityError{Kind: errors.ChecksumMismatch, Subject: "encryption validation", Expected: plainSum, Actual: got}
	}
	return nil
}

// verifyUpload reads the artifact back and compares its checksum.
func (p *Pipeline) verifyUpload(ctx context.Context, a *Artifact) error {
	data, err := p.get(ctx, a.Key)
	if err != nil {
		return fmt.Errorf("upload verification failed: %w", err)
	}
	if got := sha256Hex(data); got != a.StoredSHA256 {
		return &errors.IntegrityError{Kind: errors.ChecksumMismatch, Subject: "uploaded " + a.Key, Expected: a.StoredSHA256, Actual: got}
	}
	return nil
}

func (p *Pipeline) put(ctx context.Context, key string, data []byte, logger zerolog.Logger) error {
	return retry.DoNotify(ctx, p.retry, func() error {
		return p.store.Put(ctx, key, data)
	}, errors.IsTransient, func(attempt int, err error, next time.Duration) {
		logger.Warn().Err(err).Str("key", key).Int("attempt", attempt).Dur("next", next).Msg("Upload failed, retrying")
	})
}

func (p *Pipeline) get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := retry.Do(ctx, p.retry, func() error {
		var err error
		data, err = p.store.Get(ctx, key)
		return err
	}, errors.IsTransient)
	return data, err
}

// Latest returns the newest manifest of kind, or ErrNoBackup.
func (p *Pipeline) Latest(ctx context.Context, kind string) (*Artifact, error) {
	return p.manifest(ctx, LatestKey(p.cluster, kind))
}

// Artifact returns the manifest of the artifact stored at key.
func (p *Pipeline) Artifact(ctx context.Context, key string) (*Artifact, error) {
	return p.manifest(ctx, manifestKey(key))
}

func (p *Pipeline) manifest(ctx context.Context, key string) (*Artifact, error) {
	data, err := p.get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoBackup, key)
		}
		return nil, err
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", key, err)
	}
	return &a, nil
}

// List returns the manifests of kind, newest first. An empty kind lists every kind.
func (p *Pipeline) List(ctx context.Context, kind string) ([]*Artifact, error) {
	objs, err := p.store.List(ctx, p.cluster+"/")
	if err != nil {
		return nil, err
	}
	var out []*Artifact
	for _, obj := range objs {
		if !strings.HasSuffix(obj.Key, ".json") {
			continue
		}
		key := strings.TrimSuffix(obj.Key, ".json")
		_, k, ok := parseArtifactKey(key)
		if !ok || (kind != "" && k != kind) {
			continue
		}
		a, err := p.Artifact(ctx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Restore fetches ref, verifies and decrypts it, lets target validate the
// plaintext and then applies it. ref is an artifact key or "latest". Nothing is
// written unless every check passes.
func (p *Pipeline) Restore(ctx context.Context, ref string, target Target) (*Artifact, error) {
	kind := target.Kind()
	logger := p.logger.With().Str("kind", kind).Str("ref", ref).Logger()

	a, err := p.restore(ctx, ref, target)
	if err != nil {
		metrics.Restores.WithLabelValues(kind, "failed").Inc()
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			p.alerter.Notify(context.WithoutCancel(ctx), kind, AlertFail)
		}
		logger.Error().Err(err).Msg("Restore failed")
		return nil, err
	}
	metrics.Restores.WithLabelValues(kind, "success").Inc()
	logger.Info().Str("key", a.Key).Time("created_at", a.CreatedAt).Msg("Restore completed")
	return a, nil
}

func (p *Pipeline) restore(ctx context.Context, ref string, target Target) (*Artifact, error) {
	var (
		a   *Artifact
		err error
	)
	if ref == "" || ref == "latest" {
		a, err = p.Latest(ctx, target.Kind())
	} else {
		a, err = p.Artifact(ctx, ref)
	}
	if err != nil {
		return nil, err
	}
	if a.Kind != target.Kind() {
		return nil, errors.Configf("restore", "%s is a %s artifact, target expects %s", a.Key, a.Kind, target.Kind())
	}

	stored, err := p.get(ctx, a.Key)
	if err != nil {
		return nil, err
	}
	if got := sha256Hex(stored); got != a.StoredSHA256 {
		return nil, &errors.IntegrityError{Kind: errors.ChecksumMismatch, Subject: a.Key, Expected: a.StoredSHA256, Actual: got}
	}

	enc, err := p.keyring.For(a.Encryption)
	if err != nil {
		return nil, err
	}
	var plain []byte
	err = retry.DoNotify(ctx, p.retry, func() error {
		var err error
		plain, err = enc.Decrypt(ctx, stored)
		return err
	}, errors.IsTransient, func(attempt int, err error, next time.Duration) {
		p.logger.Warn().Err(err).Str("key", a.Key).Int("attempt", attempt).Dur("next", next).Msg("Decryption failed, retrying")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt %s: %w", a.Key, err)
	}
	if got := sha256Hex(plain); got != a.PlaintextSHA256 {
		return nil, &errors.IntegrityError{Kind: errors.ChecksumMismatch, Subject: a.Key + " plaintext", Expected: a.PlaintextSHA256, Actual: got}
	}

	if err := target.Validate(plain, a); err != nil {
		return nil, fmt.Errorf("restored payload rejected: %w", err)
	}
	if err := target.Apply(plain); err != nil {
		return nil, fmt.Errorf("failed to apply restore: %w", err)
	}
	return a, nil
}

// Decrypt opens a downloaded artifact outside the pipeline, detecting the
// method from its name.
func (p *Pipeline) Decrypt(ctx context.Context, name string, data []byte) ([]byte, error) {
	enc, err := p.keyring.For(MethodForKey(name))
	if err != nil {
		return nil, err
	}
	var plain []byte
	err = retry.Do(ctx, p.retry, func() error {
		var err error
		plain, err = enc.Decrypt(ctx, data)
		return err
	}, errors.IsTransient)
	return plain, err
}

// Prune deletes artifacts of kind older than the retention period together
// with their sidecars. Latest pointers are never pruned.
func (p *Pipeline) Prune(ctx context.Context, kind string) (int, error) {
	if p.retention <= 0 {
		return 0, nil
	}
	cutoff := p.now().UTC().AddDate(0, 0, -p.retention)
	objs, err := p.store.List(ctx, p.cluster+"/")
	if err != nil {
		return 0, err
	}
	pruned := 0
	var errs []error
	for _, obj := range objs {
		at, k, ok := parseArtifactKey(obj.Key)
		if !ok || k != kind || !at.Before(cutoff) {
			continue
		}
		for _, key := range []string{obj.Key, checksumKey(obj.Key), manifestKey(obj.Key)} {
			if err := p.store.Delete(ctx, key); err != nil {
				errs = append(errs, err)
			}
		}
		pruned++
	}
	return pruned, errors.Join(errs...)
}
