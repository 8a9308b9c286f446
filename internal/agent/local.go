package agent

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/certrotor/internal/constants"
	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/pki"
	"github.com/coral-mesh/certrotor/internal/safe"
)

const pendingSuffix = ".pending"

// ErrKeyMismatch is returned when an installed certificate does not match the node's key.
var ErrKeyMismatch = errors.New("certificate public key does not match node key")

// LocalConfig configures a Local agent.
type LocalConfig struct {
	// RootDir holds one directory per node.
	RootDir string

	// Hook commands are split shell-style. The tokens {node}, {dir} and
	// {output} are replaced by the node name, its directory and, for
	// snapshots, the file the command must write.
	ReloadCommand   string
	RestartCommand  string
	SnapshotCommand string
	HookTimeout     time.Duration

	Logger zerolog.Logger
}

// Local manages node directories on the controller's filesystem.
type Local struct {
	cfg    LocalConfig
	logger zerolog.Logger
	mu     sync.Mutex
}

// NewLocal creates a Local agent.
func NewLocal(cfg LocalConfig) *Local {
	if cfg.HookTimeout == 0 {
		cfg.HookTimeout = constants.DefaultHookTimeout
	}
	return &Local{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "agent").Logger(),
	}
}

// NodeDir returns the directory of a node.
func (l *Local) NodeDir(node string) string {
	return filepath.Join(l.cfg.RootDir, node)
}

func (l *Local) GenerateCSR(ctx context.Context, node pki.NodeIdentity, class pki.Class) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	tmpl := &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:         node.Name,
			OrganizationalUnit: []string{string(class)},
		},
		DNSNames: []string{node.Name},
	}
	for _, addr := range node.Addresses {
		if ip := net.ParseIP(addr); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, addr)
		}
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSR: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	l.mu.Lock()
	defer l.mu.Unlock()
	path := filepath.Join(l.NodeDir(node.Name), KeyFileName(node.Name, class)+pendingSuffix)
	if err := safe.WriteFile(path, keyPEM, constants.KeyFilePerm); err != nil {
		return nil, fmt.Errorf("failed to store pending key: %w", err)
	}
	return csr, nil
}

func (l *Local) InstallCertificate(ctx context.Context, node pki.NodeIdentity, class pki.Class, certPEM, rootPEM []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cert, err := pki.ParseCertificatePEM(certPEM)
	if err != nil {
		return fmt.Errorf("invalid certificate: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	dir := l.NodeDir(node.Name)
	keyPath := filepath.Join(dir, KeyFileName(node.Name, class))
	pendingPath := keyPath + pendingSuffix

	// A pending key from GenerateCSR wins over the installed one.
	usePending := false
	if key, err := readKey(pendingPath); err == nil && publicKeysEqual(key.Public(), cert.PublicKey) {
		usePending = true
	} else if key, err := readKey(keyPath); err != nil || !publicKeysEqual(key.Public(), cert.PublicKey) {
		return fmt.Errorf("%s/%s: %w", node.Name, class, ErrKeyMismatch)
	}

	if err := safe.WriteFile(filepath.Join(dir, RootBundleFileName), rootPEM, constants.CertFilePerm); err != nil {
		return fmt.Errorf("failed to install root bundle: %w", err)
	}
	if usePending {
		if err := os.Rename(pendingPath, keyPath); err != nil {
			return fmt.Errorf("failed to promote key: %w", err)
		}
	}
	if err := safe.WriteFile(filepath.Join(dir, CertFileName(node.Name, class)), certPEM, constants.CertFilePerm); err != nil {
		return fmt.Errorf("failed to install certificate: %w", err)
	}

	l.logger.Debug().
		Str("node", node.Name).
		Str("class", string(class)).
		Str("serial", pki.SerialString(cert.SerialNumber)).
		Bool("new_key", usePending).
		Msg("Certificate installed")
	return nil
}

// InstalledCertificate returns the installed certificate PEM of a class.
func (l *Local) InstalledCertificate(node string, class pki.Class) ([]byte, error) {
	return safe.ReadFile(filepath.Join(l.NodeDir(node), CertFileName(node, class)), nil)
}

func (l *Local) Reload(ctx context.Context, node pki.NodeIdentity) error {
	return l.runHook(ctx, "reload", l.cfg.ReloadCommand, node, "")
}

func (l *Local) Restart(ctx context.Context, node pki.NodeIdentity) error {
	return l.runHook(ctx, "restart", l.cfg.RestartCommand, node, "")
}

func (l *Local) Snapshot(ctx context.Context, node pki.NodeIdentity) ([]byte, error) {
	if l.cfg.SnapshotCommand == "" {
		return nil, errors.Configf("agent.snapshot_command", "not configured")
	}
	out, err := os.CreateTemp("", "certrotor-snapshot-*")
	if err != nil {
		return nil, err
	}
	path := out.Name()
	_ = out.Close()
	defer func() { _ = os.Remove(path) }()

	if err := l.runHook(ctx, "snapshot", l.cfg.SnapshotCommand, node, path); err != nil {
		return nil, err
	}
	data, err := safe.ReadFile(path, &safe.ReadOptions{MaxSize: 1 << 40})
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("snapshot of %s is empty", node.Name)
	}
	return data, nil
}

func (l *Local) ReplicateCA(ctx context.Context, node pki.NodeIdentity, bundle *pki.CABundle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := filepath.Join(l.NodeDir(node.Name), ReplicaDirName)
	staged, err := safe.StageDir(target)
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(staged) }()

	for _, rel := range bundle.Paths() {
		perm := os.FileMode(constants.CertFilePerm)
		if strings.HasPrefix(rel, pki.CASecretsDir+"/") {
			perm = constants.SecretFilePerm
		}
		if err := safe.WriteFile(filepath.Join(staged, filepath.FromSlash(rel)), bundle.Files[rel], perm); err != nil {
			return fmt.Errorf("failed to write replica file %s: %w", rel, err)
		}
	}
	if err := safe.SwapDir(staged, target); err != nil {
		return fmt.Errorf("failed to install CA replica: %w", err)
	}

	l.logger.Info().Str("node", node.Name).Int("generation", bundle.Generation).Msg("CA replica installed")
	return nil
}

func (l *Local) CAFingerprint(ctx context.Context, node pki.NodeIdentity) (pki.CAFingerprints, error) {
	if err := ctx.Err(); err != nil {
		return pki.CAFingerprints{}, err
	}
	dir := filepath.Join(l.NodeDir(node.Name), ReplicaDirName)
	rootPEM, err := safe.ReadFile(filepath.Join(dir, filepath.FromSlash(pki.RootCertPath)), nil)
	if err != nil {
		if os.IsNotExist(err) {
			return pki.CAFingerprints{}, nil
		}
		return pki.CAFingerprints{}, err
	}
	intPEM, err := safe.ReadFile(filepath.Join(dir, filepath.FromSlash(pki.IntermediateCertPath)), nil)
	if err != nil {
		return pki.CAFingerprints{}, err
	}
	return pki.FingerprintsFromPEM(rootPEM, intPEM)
}

func (l *Local) runHook(ctx context.Context, name, command string, node pki.NodeIdentity, output string) error {
	logger := l.logger.With().Str("node", node.Name).Str("hook", name).Logger()
	if command == "" {
		logger.Debug().Msg("No hook command configured")
		return nil
	}

	args, err := shlex.Split(command)
	if err != nil || len(args) == 0 {
		return errors.Configf("agent."+name+"_command", "cannot parse %q", command)
	}
	replacer := strings.NewReplacer("{node}", node.Name, "{dir}", l.NodeDir(node.Name), "{output}", output)
	for i := range args {
		args[i] = replacer.Replace(args[i])
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.HookTimeout)
	defer cancel()

	//nolint:gosec // G204: operator-configured hook command.
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(),
		"CERTROTOR_NODE="+node.Name,
		"CERTROTOR_NODE_DIR="+l.NodeDir(node.Name),
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s hook on %s failed: %w: %s", name, node.Name, err, strings.TrimSpace(stderr.String()))
	}
	logger.Info().Dur("took", time.Since(start)).Msg("Hook completed")
	return nil
}

func readKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := safe.ReadFile(path, nil)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

func publicKeysEqual(a crypto.PublicKey, b crypto.PublicKey) bool {
	ak, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && ak.Equal(b)
}
