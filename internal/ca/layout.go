package ca

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/certrotor/internal/constants"
	"github.com/coral-mesh/certrotor/internal/pki"
	"github.com/coral-mesh/certrotor/internal/safe"
)

// Metadata is config/ca.yaml.
type Metadata struct {
	Cluster                 string    `yaml:"cluster" json:"cluster"`
	Generation              int       `yaml:"generation" json:"generation"`
	CreatedAt               time.Time `yaml:"created_at" json:"created_at"`
	RootFingerprint         string    `yaml:"root_fingerprint" json:"root_fingerprint"`
	IntermediateFingerprint string    `yaml:"intermediate_fingerprint" json:"intermediate_fingerprint"`
	RootNotAfter            time.Time `yaml:"root_not_after" json:"root_not_after"`
	IntermediateNotAfter    time.Time `yaml:"intermediate_not_after" json:"intermediate_not_after"`

	// PreviousRootFingerprint is the root this generation replaced.
	PreviousRootFingerprint string `yaml:"previous_root_fingerprint,omitempty" json:"previous_root_fingerprint,omitempty"`
}

// material is one generated hierarchy serialized to the on-disk layout.
type material struct {
	meta  Metadata
	files map[string][]byte
}

func (m *material) marshal() error {
	data, err := yaml.Marshal(&m.meta)
	if err != nil {
		return fmt.Errorf("failed to marshal CA metadata: %w", err)
	}
	m.files[pki.CAMetadataPath] = data
	return nil
}

// filePerm returns the mode a layout file is written with.
func filePerm(rel string) fs.FileMode {
	if filepath.Dir(filepath.ToSlash(rel)) == pki.CASecretsDir {
		return constants.SecretFilePerm
	}
	return constants.CertFilePerm
}

// writeLayout writes files under root with layout permissions.
func writeLayout(root string, files map[string][]byte) error {
	for rel, data := range files {
		if err := safe.WriteFile(filepath.Join(root, filepath.FromSlash(rel)), data, filePerm(rel)); err != nil {
			return fmt.Errorf("failed to write %s: %w", rel, err)
		}
	}
	return nil
}

// readLayout reads the active material of a CA directory.
func readLayout(dir string) (map[string][]byte, error) {
	files := make(map[string][]byte, 5)
	for _, rel := range []string{
		pki.CAMetadataPath,
		pki.RootCertPath,
		pki.IntermediateCertPath,
		pki.RootKeyPath,
		pki.IntermediateKeyPath,
	} {
		data, err := safe.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)), nil)
		if err != nil {
			return nil, err
		}
		files[rel] = data
	}
	return files, nil
}

func readMetadata(dir string) (*Metadata, error) {
	data, err := safe.ReadFile(filepath.Join(dir, filepath.FromSlash(pki.CAMetadataPath)), nil)
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse CA metadata: %w", err)
	}
	return &meta, nil
}

// copyTree copies every regular file under src into dst, keeping modes.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, constants.DirPerm)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := safe.ReadFile(path, nil)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode().Perm())
	})
}

// retiredName is the directory a generation is retired into.
func retiredName(generation int, at time.Time) string {
	return fmt.Sprintf("%04d-%s", generation, at.UTC().Format("20060102T150405Z"))
}
