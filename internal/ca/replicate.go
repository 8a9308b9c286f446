package ca

import (
	"context"
	"fmt"
	"time"

	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/pki"
	"github.com/coral-mesh/certrotor/internal/retry"
	"github.com/coral-mesh/certrotor/internal/seal"
)

// Replicator pushes CA bundles to a backup holder and reads back what the
// holder computes from its replica. agent.NodeAgent implementations satisfy it.
type Replicator interface {
	ReplicateCA(ctx context.Context, node pki.NodeIdentity, bundle *pki.CABundle) error
	CAFingerprint(ctx context.Context, node pki.NodeIdentity) (pki.CAFingerprints, error)
}

// errNotConverged marks a replica still reporting a previous generation.
var errNotConverged = errors.New("replica has not converged")

// Replicate copies the active encrypted material to target and waits until the
// replica reports the same fingerprints. A replica reporting any other
// hierarchy is an IntegrityError; the caller must re-replicate from source.
func (s *Store) Replicate(ctx context.Context, target pki.NodeIdentity) error {
	if s.replicator == nil {
		return errors.Configf("ca.replicator", "no replicator configured")
	}
	if target.CARole == pki.CARolePrimary {
		return fmt.Errorf("refusing to replicate onto primary holder %s", target.Name)
	}

	bundle, err := s.Bundle()
	if err != nil {
		return err
	}
	for _, rel := range []string{pki.RootKeyPath, pki.IntermediateKeyPath} {
		if !seal.IsSealed(bundle.Files[rel]) {
			return fmt.Errorf("refusing to replicate unsealed key %s", rel)
		}
	}
	want, err := bundle.Fingerprints()
	if err != nil {
		return err
	}
	meta, err := s.Metadata()
	if err != nil {
		return err
	}

	logger := s.logger.With().Str("node", target.Name).Int("generation", bundle.Generation).Logger()

	err = retry.DoNotify(ctx, s.retry, func() error {
		return s.replicator.ReplicateCA(ctx, target, bundle)
	}, errors.IsTransient, func(attempt int, err error, next time.Duration) {
		logger.Warn().Err(err).Int("attempt", attempt).Dur("next", next).Msg("CA push failed, retrying")
	})
	if err != nil {
		return fmt.Errorf("failed to push CA bundle to %s: %w", target.Name, err)
	}

	var last pki.CAFingerprints
	err = retry.Do(ctx, s.retry, func() error {
		got, err := s.replicator.CAFingerprint(ctx, target)
		if err != nil {
			return err
		}
		last = got
		if got.Equal(want) {
			return nil
		}
		if got.Root == "" || pki.EqualFingerprint(got.Root, meta.PreviousRootFingerprint) {
			return errNotConverged
		}
		return &errors.IntegrityError{
			Kind:     errors.FingerprintMismatch,
			Subject:  "CA replica on " + target.Name,
			Expected: want.Root,
			Actual:   got.Root,
		}
	}, func(err error) bool {
		return errors.Is(err, errNotConverged) || errors.IsTransient(err)
	})
	if err != nil {
		if errors.IsIntegrity(err, "") {
			return err
		}
		if errors.Is(err, errNotConverged) {
			return &errors.IntegrityError{
				Kind:     errors.FingerprintMismatch,
				Subject:  "CA replica on " + target.Name,
				Expected: want.Root,
				Actual:   last.Root,
				Err:      err,
			}
		}
		return fmt.Errorf("failed to read CA fingerprint from %s: %w", target.Name, err)
	}

	logger.Info().Str("fingerprint", want.Root).Msg("CA replica verified")
	return nil
}
