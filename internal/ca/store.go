// Package ca owns the root and intermediate CA material of the cluster.
//
// The primary holder's Store bootstraps and rotates the hierarchy; backup holders
// receive read-only replicas via Replicate and never mutate them. Private keys are
// sealed with the CA passwords at rest and exist in plaintext only in memory.
package ca

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/certrotor/internal/constants"
	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/pki"
	"github.com/coral-mesh/certrotor/internal/retry"
	"github.com/coral-mesh/certrotor/internal/safe"
)

var (
	ErrNotInitialized     = errors.New("CA store is not initialized")
	ErrAlreadyInitialized = errors.New("CA store is already initialized")
	ErrReadOnly           = errors.New("CA store is a read-only replica")
	ErrNotLoaded          = errors.New("CA store is not loaded")
)

// PasswordConfig holds the passwords sealing the root and intermediate keys.
type PasswordConfig struct {
	Root         []byte
	Intermediate []byte
}

// Validate returns a ConfigError when a password is missing.
func (p PasswordConfig) Validate() error {
	var errs errors.ConfigErrors
	if len(p.Root) == 0 {
		errs = append(errs, &errors.ConfigError{Field: "ca.root_password", Reason: "must be provided"})
	}
	if len(p.Intermediate) == 0 {
		errs = append(errs, &errors.ConfigError{Field: "ca.intermediate_password", Reason: "must be provided"})
	}
	return errs.OrNil()
}

// PreRotateHook runs before the current material is retired. A failing hook
// aborts the rotation without mutating anything.
type PreRotateHook func(ctx context.Context) error

// Options configures a Store.
type Options struct {
	Cluster              string
	ReadOnly             bool
	RootValidity         time.Duration
	IntermediateValidity time.Duration

	// Replicator pushes bundles to backup holders. Only needed by Replicate.
	Replicator Replicator
	// Retry bounds replica pushes and fingerprint convergence polling.
	Retry retry.Config

	Logger zerolog.Logger
	Now    func() time.Time
}

// Store is the CA hierarchy store rooted at one directory.
type Store struct {
	dir                  string
	cluster              string
	readOnly             bool
	rootValidity         time.Duration
	intermediateValidity time.Duration
	replicator           Replicator
	retry                retry.Config
	logger               zerolog.Logger
	now                  func() time.Time

	mu        sync.RWMutex
	active    *pki.Hierarchy
	meta      *Metadata
	preRotate PreRotateHook
}

// New creates a store for dir. Call Bootstrap or Load before use.
func New(dir string, opts Options) *Store {
	s := &Store{
		dir:                  dir,
		cluster:              opts.Cluster,
		readOnly:             opts.ReadOnly,
		rootValidity:         opts.RootValidity,
		intermediateValidity: opts.IntermediateValidity,
		replicator:           opts.Replicator,
		retry:                opts.Retry,
		logger:               opts.Logger.With().Str("component", "ca").Logger(),
		now:                  opts.Now,
	}
	if s.rootValidity == 0 {
		s.rootValidity = constants.RootCAValidity
	}
	if s.intermediateValidity == 0 {
		s.intermediateValidity = constants.IntermediateCAValidity
	}
	if s.now == nil {
		s.now = time.Now
	}
	if !s.retry.Valid() {
		s.retry = retry.Config{
			MaxRetries:     constants.DefaultReplicaPollRetries,
			InitialBackoff: constants.DefaultReplicaPollBackoff,
			MaxBackoff:     constants.DefaultMaxBackoff,
		}
	}
	return s
}

// Dir returns the CA directory.
func (s *Store) Dir() string { return s.dir }

// ReadOnly reports whether the store is a replica.
func (s *Store) ReadOnly() bool { return s.readOnly }

// SetPreRotateHook registers the hook run by Rotate.
func (s *Store) SetPreRotateHook(hook PreRotateHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preRotate = hook
}

// Initialized reports whether the directory holds CA material.
func (s *Store) Initialized() bool {
	_, err := os.Stat(filepath.Join(s.dir, filepath.FromSlash(pki.CAMetadataPath)))
	return err == nil
}

// Bootstrap creates generation 1 and returns its root fingerprint.
func (s *Store) Bootstrap(ctx context.Context, pw PasswordConfig) (string, error) {
	if err := pw.Validate(); err != nil {
		return "", err
	}
	if s.readOnly {
		return "", ErrReadOnly
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Initialized() {
		return "", ErrAlreadyInitialized
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m, h, err := s.generate(pw, 1, "")
	if err != nil {
		return "", err
	}

	staged, err := safe.StageDir(s.dir)
	if err != nil {
		return "", fmt.Errorf("failed to stage CA directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(staged) }()

	if err := writeLayout(staged, m.files); err != nil {
		return "", err
	}
	if err := safe.SwapDir(staged, s.dir); err != nil {
		return "", fmt.Errorf("failed to install CA directory: %w", err)
	}

	s.active = h
	s.meta = &m.meta

	s.logger.Info().
		Str("fingerprint", h.Root.Fingerprint).
		Time("root_not_after", h.Root.NotAfter).
		Msg("CA hierarchy bootstrapped")

	return h.Root.Fingerprint, nil
}

// Load reads the active material. Primary holders pass the passwords to unseal
// the keys; replicas pass nil and get a hierarchy without signers.
func (s *Store) Load(pw *PasswordConfig) error {
	if !s.Initialized() {
		return ErrNotInitialized
	}
	if pw != nil {
		if err := pw.Validate(); err != nil {
			return err
		}
	}

	files, err := readLayout(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read CA layout: %w", err)
	}
	meta, err := readMetadata(s.dir)
	if err != nil {
		return err
	}

	h, err := parseHierarchy(files, meta.Generation)
	if err != nil {
		return err
	}
	if !pki.EqualFingerprint(h.Root.Fingerprint, meta.RootFingerprint) {
		return &errors.IntegrityError{
			Kind:     errors.FingerprintMismatch,
			Subject:  "root CA",
			Expected: meta.RootFingerprint,
			Actual:   h.Root.Fingerprint,
		}
	}

	if pw != nil && !s.readOnly {
		rootKey, err := openKey(h.Root.SealedKey, pw.Root)
		if err != nil {
			return fmt.Errorf("failed to unseal root key: %w", err)
		}
		intKey, err := openKey(h.Intermediate.SealedKey, pw.Intermediate)
		if err != nil {
			return fmt.Errorf("failed to unseal intermediate key: %w", err)
		}
		h.Root.Signer = rootKey
		h.Intermediate.Signer = intKey
	}

	s.mu.Lock()
	s.active = h
	s.meta = meta
	s.mu.Unlock()

	s.logger.Debug().
		Int("generation", meta.Generation).
		Str("fingerprint", h.Root.Fingerprint).
		Bool("can_sign", h.CanSign()).
		Msg("CA hierarchy loaded")
	return nil
}

func parseHierarchy(files map[string][]byte, generation int) (*pki.Hierarchy, error) {
	level := func(lvl pki.Level, certPath, keyPath string) (*pki.CertificateAuthority, error) {
		cert, err := pki.ParseCertificatePEM(files[certPath])
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s certificate: %w", lvl, err)
		}
		return &pki.CertificateAuthority{
			Level:          lvl,
			Certificate:    cert,
			CertificatePEM: files[certPath],
			SealedKey:      files[keyPath],
			Fingerprint:    pki.Fingerprint(cert),
			NotBefore:      cert.NotBefore,
			NotAfter:       cert.NotAfter,
		}, nil
	}
	root, err := level(pki.LevelRoot, pki.RootCertPath, pki.RootKeyPath)
	if err != nil {
		return nil, err
	}
	intermediate, err := level(pki.LevelIntermediate, pki.IntermediateCertPath, pki.IntermediateKeyPath)
	if err != nil {
		return nil, err
	}
	return &pki.Hierarchy{Generation: generation, Root: root, Intermediate: intermediate}, nil
}

// GetActive returns the active hierarchy.
func (s *Store) GetActive() (*pki.Hierarchy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return nil, ErrNotLoaded
	}
	return s.active, nil
}

// Metadata returns the active generation's metadata.
func (s *Store) Metadata() (*Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.meta == nil {
		return nil, ErrNotLoaded
	}
	m := *s.meta
	return &m, nil
}

// Rotate replaces the hierarchy with a completely new root and intermediate
// sealed under pw. The current material is kept under retired/ and never reused.
func (s *Store) Rotate(ctx context.Context, pw PasswordConfig) (string, error) {
	if err := pw.Validate(); err != nil {
		return "", err
	}
	if s.readOnly {
		return "", ErrReadOnly
	}

	s.mu.RLock()
	current, meta, hook := s.active, s.meta, s.preRotate
	s.mu.RUnlock()
	if current == nil || meta == nil {
		return "", ErrNotLoaded
	}

	if hook != nil {
		if err := hook(ctx); err != nil {
			return "", fmt.Errorf("pre-rotation hook failed: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, h, err := s.generate(pw, meta.Generation+1, current.Root.Fingerprint)
	if err != nil {
		return "", err
	}

	staged, err := safe.StageDir(s.dir)
	if err != nil {
		return "", fmt.Errorf("failed to stage CA directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(staged) }()

	// Earlier retirements carry over untouched.
	retired := filepath.Join(s.dir, pki.RetiredDir)
	if _, err := os.Stat(retired); err == nil {
		if err := copyTree(retired, filepath.Join(staged, pki.RetiredDir)); err != nil {
			return "", fmt.Errorf("failed to carry over retired material: %w", err)
		}
	}

	old, err := readLayout(s.dir)
	if err != nil {
		return "", fmt.Errorf("failed to read current CA layout: %w", err)
	}
	retiredDir := filepath.Join(staged, pki.RetiredDir, retiredName(meta.Generation, s.now()))
	if err := writeLayout(retiredDir, old); err != nil {
		return "", fmt.Errorf("failed to retire generation %d: %w", meta.Generation, err)
	}

	if err := writeLayout(staged, m.files); err != nil {
		return "", err
	}
	if err := safe.SwapDir(staged, s.dir); err != nil {
		return "", fmt.Errorf("failed to install rotated CA directory: %w", err)
	}

	s.active = h
	s.meta = &m.meta

	s.logger.Warn().
		Int("generation", m.meta.Generation).
		Str("old_fingerprint", current.Root.Fingerprint).
		Str("new_fingerprint", h.Root.Fingerprint).
		Msg("CA hierarchy rotated; certificates chained to the retired root are no longer trusted")

	return h.Root.Fingerprint, nil
}

// Sign issues a certificate for pub from tmpl with the active intermediate.
// NotAfter is capped at the intermediate's expiry.
func (s *Store) Sign(ctx context.Context, tmpl *x509.Certificate, pub crypto.PublicKey) (*x509.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := s.GetActive()
	if err != nil {
		return nil, err
	}
	if !h.CanSign() {
		return nil, ErrReadOnly
	}

	if tmpl.NotAfter.After(h.Intermediate.NotAfter) {
		tmpl.NotAfter = h.Intermediate.NotAfter
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, h.Intermediate.Certificate, pub, h.Intermediate.Signer)
	if err != nil {
		return nil, fmt.Errorf("failed to sign certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}

// Bundle returns the replicable material of the active generation.
func (s *Store) Bundle() (*pki.CABundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.meta == nil {
		return nil, ErrNotLoaded
	}
	files, err := readLayout(s.dir)
	if err != nil {
		return nil, err
	}
	return &pki.CABundle{Cluster: s.meta.Cluster, Generation: s.meta.Generation, Files: files}, nil
}

// Retired lists the retired generation directories, oldest first.
func (s *Store) Retired() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, pki.RetiredDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
