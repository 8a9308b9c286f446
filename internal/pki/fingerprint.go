package pki

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
)

// Fingerprint is the lowercase hex SHA-256 of the certificate DER.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// NormalizeFingerprint accepts "sha256:AB:CD..." or plain hex and returns plain
// lowercase hex.
func NormalizeFingerprint(fp string) string {
	fp = strings.TrimPrefix(strings.TrimSpace(fp), "sha256:")
	fp = strings.ReplaceAll(fp, ":", "")
	return strings.ToLower(fp)
}

// EqualFingerprint compares two fingerprints after normalization.
func EqualFingerprint(a, b string) bool {
	na, nb := NormalizeFingerprint(a), NormalizeFingerprint(b)
	return na != "" && na == nb
}

// NewSerial returns a random 128-bit serial number.
func NewSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}

// SerialString renders a serial as lowercase hex.
func SerialString(serial *big.Int) string {
	return serial.Text(16)
}

// EncodeCertificatePEM wraps DER bytes in a CERTIFICATE block.
func EncodeCertificatePEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// ParseCertificatePEM parses the first CERTIFICATE block.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no certificate PEM block found")
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}
