// Package backup takes encrypted, checksummed backups of the CA material and
// of data-plane snapshots, uploads them to an object store and restores them.
//
// Every artifact is stored under a dated key with two sidecars: <key>.sha256
// holding the plaintext checksum and <key>.json holding the manifest. The
// manifest of the most recent artifact of each kind is also written to
// <cluster>/latest-<kind>.json.
package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/coral-mesh/certrotor/internal/constants"
	"github.com/coral-mesh/certrotor/internal/errors"
)

var (
	// ErrUnchanged is returned with the latest artifact when a change-triggered
	// backup finds the source identical to it.
	ErrUnchanged = errors.New("source unchanged since the latest backup")

	// ErrNoBackup means no artifact of the kind exists yet.
	ErrNoBackup = errors.New("no backup found")
)

// Artifact is the manifest of one stored backup.
type Artifact struct {
	Key        string    `json:"key"`
	Cluster    string    `json:"cluster"`
	Kind       string    `json:"kind"`
	CreatedAt  time.Time `json:"created_at"`
	Encryption string    `json:"encryption"`
	Size       int64     `json:"size"`

	// StoredSHA256 covers the uploaded bytes, PlaintextSHA256 the decrypted payload.
	StoredSHA256    string `json:"stored_sha256"`
	PlaintextSHA256 string `json:"plaintext_sha256"`

	// SourceHash drives change detection. SourceFingerprint is the root CA
	// fingerprint for CA backups.
	SourceHash        string `json:"source_hash"`
	SourceFingerprint string `json:"source_fingerprint,omitempty"`
	SourceNode        string `json:"source_node,omitempty"`

	// Online is false for data snapshots taken while the cluster was unhealthy.
	Online bool `json:"online"`
}

// ValidKind reports whether kind names a backup payload.
func ValidKind(kind string) bool {
	return kind == constants.KindCASecrets || kind == constants.KindDataSnapshot
}

func extension(kind string) string {
	if kind == constants.KindCASecrets {
		return "ca.tar.gz"
	}
	return "db"
}

// ArtifactKey builds <cluster>/<yyyy>/<mm>/<cluster>-<yyyy-mm-dd>_<HH-MM-SS>-snapshot.<ext><suffix>.
func ArtifactKey(cluster, kind string, at time.Time, suffix string) string {
	at = at.UTC()
	name := fmt.Sprintf("%s-%s-snapshot.%s%s", cluster, at.Format("2006-01-02_15-04-05"), extension(kind), suffix)
	return path.Join(cluster, at.Format("2006"), at.Format("01"), name)
}

// LatestKey is the pointer to the newest manifest of kind.
func LatestKey(cluster, kind string) string {
	return path.Join(cluster, "latest-"+kind+".json")
}

func checksumKey(key string) string { return key + ".sha256" }
func manifestKey(key string) string { return key + ".json" }

var artifactName = regexp.MustCompile(`-(\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2})-snapshot\.(db|ca\.tar\.gz)(\.enc|\.kms)?$`)

// parseArtifactKey returns the creation time and kind encoded in an artifact
// key. Sidecars and pointers do not parse.
func parseArtifactKey(key string) (time.Time, string, bool) {
	m := artifactName.FindStringSubmatch(path.Base(key))
	if m == nil {
		return time.Time{}, "", false
	}
	at, err := time.Parse("2006-01-02_15-04-05", m[1])
	if err != nil {
		return time.Time{}, "", false
	}
	kind := constants.KindDataSnapshot
	if m[2] == "ca.tar.gz" {
		kind = constants.KindCASecrets
	}
	return at, kind, true
}

// MethodForKey detects the encryption method from an artifact's suffix.
func MethodForKey(key string) string {
	switch {
	case strings.HasSuffix(key, suffixEnvelope):
		return constants.EncryptionEnvelope
	case strings.HasSuffix(key, suffixPassword):
		return constants.EncryptionPassword
	default:
		return constants.EncryptionNone
	}
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// checksumLine is the sha256sum-compatible content of a .sha256 sidecar.
func checksumLine(sum, key string) []byte {
	name := strings.TrimSuffix(strings.TrimSuffix(path.Base(key), suffixEnvelope), suffixPassword)
	return []byte(sum + "  " + name + "\n")
}
