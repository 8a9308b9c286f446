// Package errors defines the certrotor error taxonomy and small cleanup helpers.
//
// Every failure surfaced to an operator falls into one of four classes:
//
//   - ConfigError: invalid or missing configuration; fatal, raised before any mutation.
//   - TransientError: an unreachable CA, health endpoint or object store; retried with
//     bounded backoff and turned into a failed step once retries are exhausted.
//   - IntegrityError: checksum, fingerprint or chain mismatch; never retried against the
//     same material and never partially applied.
//   - QuorumRiskError: a restart would push the cluster below quorum; blocks unless forced.
//
// The package re-exports the standard library helpers so callers only import one errors package.
package errors

import (
	"database/sql"
	"errors"
	"io"

	"github.com/rs/zerolog"
)

var (
	New    = errors.New
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// DeferClose closes an io.Closer and logs a failure instead of dropping it.
func DeferClose(logger zerolog.Logger, closer io.Closer, msg string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn().Err(err).Msg(msg)
	}
}

// DeferRollback rolls back a transaction, ignoring sql.ErrTxDone after a commit.
func DeferRollback(logger zerolog.Logger, tx *sql.Tx) {
	if tx == nil {
		return
	}
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logger.Warn().Err(err).Msg("transaction rollback failed")
	}
}
