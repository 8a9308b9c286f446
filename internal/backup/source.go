package backup

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/certrotor/internal/constants"
	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/health"
	"github.com/coral-mesh/certrotor/internal/pki"
	"github.com/coral-mesh/certrotor/internal/safe"
)

// Payload is the plaintext collected by a Source.
type Payload struct {
	Data              []byte
	SourceHash        string
	SourceFingerprint string
	SourceNode        string
	Online            bool
}

// Source produces the payload of one backup kind.
type Source interface {
	Kind() string
	Collect(ctx context.Context) (*Payload, error)
}

// caTrees are the CA directory subtrees a CA backup covers.
var caTrees = []string{pki.CAConfigDir, pki.CACertsDir, pki.CASecretsDir}

// maxArchiveEntry bounds a single file extracted from a CA archive.
const maxArchiveEntry = 16 << 20

// CASource archives the active material of a CA directory.
type CASource struct {
	dir string
}

// NewCASource backs up dir.
func NewCASource(dir string) *CASource {
	return &CASource{dir: dir}
}

func (s *CASource) Kind() string { return constants.KindCASecrets }

// Files reads every file of the backed-up subtrees keyed by slash path.
func (s *CASource) Files() (map[string][]byte, error) {
	files := make(map[string][]byte)
	for _, tree := range caTrees {
		root := filepath.Join(s.dir, tree)
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".tmp-") {
				return nil
			}
			rel, err := filepath.Rel(s.dir, p)
			if err != nil {
				return err
			}
			data, err := safe.ReadFile(p, nil)
			if err != nil {
				return err
			}
			files[filepath.ToSlash(rel)] = data
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read CA directory: %w", err)
		}
	}
	if _, ok := files[pki.RootCertPath]; !ok {
		return nil, fmt.Errorf("%s is not an initialized CA directory", s.dir)
	}
	return files, nil
}

// Hash returns the change-detection hash of the CA directory.
func (s *CASource) Hash(ctx context.Context) (string, error) {
	files, err := s.Files()
	if err != nil {
		return "", err
	}
	return TreeHash(files), nil
}

func (s *CASource) Collect(ctx context.Context) (*Payload, error) {
	files, err := s.Files()
	if err != nil {
		return nil, err
	}
	fp, err := rootFingerprint(files)
	if err != nil {
		return nil, err
	}
	data, err := writeArchive(files)
	if err != nil {
		return nil, err
	}
	return &Payload{Data: data, SourceHash: TreeHash(files), SourceFingerprint: fp, Online: true}, nil
}

// TreeHash is sha256 over the sorted "relpath:sha256" lines of files.
func TreeHash(files map[string][]byte) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	var b strings.Builder
	for _, p := range paths {
		b.WriteString(p)
		b.WriteByte(':')
		b.WriteString(sha256Hex(files[p]))
		b.WriteByte('\n')
	}
	return sha256Hex([]byte(b.String()))
}

func rootFingerprint(files map[string][]byte) (string, error) {
	cert, err := pki.ParseCertificatePEM(files[pki.RootCertPath])
	if err != nil {
		return "", fmt.Errorf("failed to parse root certificate: %w", err)
	}
	return pki.Fingerprint(cert), nil
}

// layoutPerm is the mode a CA file is written with.
func layoutPerm(rel string) fs.FileMode {
	if path.Dir(rel) == pki.CASecretsDir {
		return constants.SecretFilePerm
	}
	return constants.CertFilePerm
}

func writeArchive(files map[string][]byte) ([]byte, error) {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, p := range paths {
		hdr := &tar.Header{
			Name:     p,
			Mode:     int64(layoutPerm(p)),
			Size:     int64(len(files[p])),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(files[p]); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// readArchive extracts a CA archive into memory. Entries outside the CA
// subtrees are rejected.
func readArchive(data []byte) (map[string][]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("not a gzip archive: %w", err)
	}
	defer func() { _ = gz.Close() }()

	files := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("corrupt archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(hdr.Name)
		if !filepath.IsLocal(filepath.FromSlash(name)) || !inCATree(name) {
			return nil, fmt.Errorf("unexpected archive entry %q", hdr.Name)
		}
		content, err := io.ReadAll(io.LimitReader(tr, maxArchiveEntry+1))
		if err != nil {
			return nil, fmt.Errorf("corrupt archive entry %s: %w", name, err)
		}
		if len(content) > maxArchiveEntry {
			return nil, fmt.Errorf("archive entry %s is too large", name)
		}
		files[name] = content
	}
	return files, nil
}

func inCATree(name string) bool {
	for _, tree := range caTrees {
		if strings.HasPrefix(name, tree+"/") {
			return true
		}
	}
	return false
}

// Snapshotter takes a data snapshot on a node.
type Snapshotter interface {
	Snapshot(ctx context.Context, node pki.NodeIdentity) ([]byte, error)
}

// NodeLister lists the inventory.
type NodeLister interface {
	ListNodes(ctx context.Context) ([]pki.NodeIdentity, error)
}

// SnapshotSource snapshots the first healthy data-plane member. When none is
// healthy it falls back to an offline snapshot unless OnlineOnly is set.
type SnapshotSource struct {
	agent      Snapshotter
	gate       health.Gate
	nodes      NodeLister
	onlineOnly bool
	logger     zerolog.Logger
}

// NewSnapshotSource creates a data snapshot source.
func NewSnapshotSource(agent Snapshotter, gate health.Gate, nodes NodeLister, onlineOnly bool, logger zerolog.Logger) *SnapshotSource {
	return &SnapshotSource{
		agent:      agent,
		gate:       gate,
		nodes:      nodes,
		onlineOnly: onlineOnly,
		logger:     logger.With().Str("source", constants.KindDataSnapshot).Logger(),
	}
}

func (s *SnapshotSource) Kind() string { return constants.KindDataSnapshot }

func (s *SnapshotSource) Collect(ctx context.Context) (*Payload, error) {
	all, err := s.nodes.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	var members []pki.NodeIdentity
	for _, n := range all {
		if n.DataPlane {
			members = append(members, n)
		}
	}
	if len(members) == 0 {
		return nil, errors.Configf("nodes", "no data-plane member to snapshot")
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })

	for _, n := range members {
		status, err := s.gate.Node(ctx, n)
		if err != nil || status != health.Healthy {
			s.logger.Debug().Err(err).Str("node", n.Name).Msg("Member not healthy, trying next")
			continue
		}
		return s.take(ctx, n, true)
	}

	if s.onlineOnly {
		return nil, fmt.Errorf("no healthy data-plane member, refusing offline snapshot: %w", errors.ErrHealthUnreachable)
	}
	s.logger.Warn().Msg("No healthy data-plane member, taking an offline snapshot")
	var errs []error
	for _, n := range members {
		p, err := s.take(ctx, n, false)
		if err == nil {
			return p, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

func (s *SnapshotSource) take(ctx context.Context, n pki.NodeIdentity, online bool) (*Payload, error) {
	data, err := s.agent.Snapshot(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("snapshot of %s failed: %w", n.Name, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("snapshot of %s is empty", n.Name)
	}
	return &Payload{Data: data, SourceHash: sha256Hex(data), SourceNode: n.Name, Online: online}, nil
}

// CADirTarget restores a CA archive into a CA directory.
type CADirTarget struct {
	dir string
}

// NewCADirTarget restores into dir.
func NewCADirTarget(dir string) *CADirTarget {
	return &CADirTarget{dir: dir}
}

func (t *CADirTarget) Kind() string { return constants.KindCASecrets }

// Validate checks the archive holds a complete CA whose root matches the artifact.
func (t *CADirTarget) Validate(data []byte, a *Artifact) error {
	files, err := readArchive(data)
	if err != nil {
		return err
	}
	for _, rel := range []string{pki.CAMetadataPath, pki.RootCertPath, pki.IntermediateCertPath, pki.RootKeyPath, pki.IntermediateKeyPath} {
		if _, ok := files[rel]; !ok {
			return fmt.Errorf("archive is missing %s", rel)
		}
	}
	fp, err := rootFingerprint(files)
	if err != nil {
		return err
	}
	if a.SourceFingerprint != "" && !pki.EqualFingerprint(fp, a.SourceFingerprint) {
		return &errors.IntegrityError{
			Kind:     errors.FingerprintMismatch,
			Subject:  "restored root CA",
			Expected: a.SourceFingerprint,
			Actual:   fp,
		}
	}
	if a.SourceHash != "" && TreeHash(files) != a.SourceHash {
		return &errors.IntegrityError{Kind: errors.ChecksumMismatch, Subject: "restored CA tree", Expected: a.SourceHash, Actual: TreeHash(files)}
	}
	return nil
}

// Apply builds the restored tree next to the CA directory, carries over its
// retired generations and swaps it into place.
func (t *CADirTarget) Apply(data []byte) error {
	files, err := readArchive(data)
	if err != nil {
		return err
	}
	staged, err := safe.StageDir(t.dir)
	if err != nil {
		return fmt.Errorf("failed to stage restore: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(staged) }

	for rel, content := range files {
		if err := safe.WriteFile(filepath.Join(staged, filepath.FromSlash(rel)), content, layoutPerm(rel)); err != nil {
			cleanup()
			return err
		}
	}
	retired := filepath.Join(t.dir, pki.RetiredDir)
	carried := filepath.Join(staged, pki.RetiredDir)
	moved := false
	if _, err := os.Stat(retired); err == nil {
		if err := os.Rename(retired, carried); err != nil {
			cleanup()
			return fmt.Errorf("failed to carry over retired generations: %w", err)
		}
		moved = true
	}
	if err := safe.SwapDir(staged, t.dir); err != nil {
		if moved {
			_ = os.Rename(carried, retired)
		}
		cleanup()
		return err
	}
	return nil
}

// FileTarget restores a payload into a single file.
type FileTarget struct {
	path      string
	kind      string
	validator func([]byte) error
}

// NewFileTarget restores artifacts of kind into path. validator, when set,
// checks the payload before it is written.
func NewFileTarget(path, kind string, validator func([]byte) error) *FileTarget {
	return &FileTarget{path: path, kind: kind, validator: validator}
}

func (t *FileTarget) Kind() string { return t.kind }

func (t *FileTarget) Validate(data []byte, _ *Artifact) error {
	if len(data) == 0 {
		return errors.New("payload is empty")
	}
	if t.validator != nil {
		return t.validator(data)
	}
	return nil
}

func (t *FileTarget) Apply(data []byte) error {
	return safe.WriteFile(t.path, data, constants.KeyFilePerm)
}
