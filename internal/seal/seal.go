// Package seal encrypts small secrets and backup payloads under an operator password.
//
// A sealed blob is laid out as:
//
//	magic "CRS1" | argon2 time (4) | argon2 memory KiB (4) | argon2 threads (1) |
//	salt (16) | nonce (12) | AES-256-GCM ciphertext
//
// The argon2id output is expanded with HKDF-SHA256 using a caller label, so the same
// password never yields the same AES key for two purposes.
package seal

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"github.com/coral-mesh/certrotor/internal/errors"
)

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32
)

var magic = []byte("CRS1")

const headerSize = 4 + 4 + 4 + 1 + saltSize + nonceSize

// Labels used for key derivation.
const (
	LabelCAKey  = "certrotor ca-key"
	LabelBackup = "certrotor backup"
)

// Params are the argon2id cost parameters written into every blob.
type Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

// DefaultParams is used by Seal. Tests lower it to keep runs fast.
var DefaultParams = Params{Time: 3, Memory: 64 * 1024, Threads: 4}

// ErrEmptyPassword is returned when sealing or opening with an empty password.
var ErrEmptyPassword = errors.New("seal: empty password")

// Seal encrypts plaintext with a key derived from password and label.
func Seal(password []byte, label string, plaintext []byte) ([]byte, error) {
	return SealWith(DefaultParams, password, label, plaintext)
}

// SealWith is Seal with explicit argon2 parameters.
func SealWith(p Params, password []byte, label string, plaintext []byte) ([]byte, error) {
	if len(password) == 0 {
		return nil, ErrEmptyPassword
	}

	header := make([]byte, headerSize)
	copy(header, magic)
	binary.BigEndian.PutUint32(header[4:], p.Time)
	binary.BigEndian.PutUint32(header[8:], p.Memory)
	header[12] = p.Threads
	salt := header[13 : 13+saltSize]
	nonce := header[13+saltSize:]
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	gcm, err := newGCM(p, password, label, salt)
	if err != nil {
		return nil, err
	}

	// The header is authenticated so tampered cost parameters fail to open.
	out := make([]byte, headerSize, headerSize+len(plaintext)+gcm.Overhead())
	copy(out, header)
	return gcm.Seal(out, nonce, plaintext, header), nil
}

// Open reverses Seal. Any malformed blob, wrong password or tampered byte yields
// an IntegrityError of kind DecryptionFailed.
func Open(password []byte, label string, blob []byte) ([]byte, error) {
	if len(password) == 0 {
		return nil, ErrEmptyPassword
	}
	if len(blob) < headerSize || !bytes.Equal(blob[:4], magic) {
		return nil, &errors.IntegrityError{Kind: errors.DecryptionFailed, Subject: label, Err: errors.New("not a sealed blob")}
	}

	header := blob[:headerSize]
	p := Params{
		Time:    binary.BigEndian.Uint32(header[4:]),
		Memory:  binary.BigEndian.Uint32(header[8:]),
		Threads: header[12],
	}
	if p.Time == 0 || p.Threads == 0 || p.Memory > 4*1024*1024 {
		return nil, &errors.IntegrityError{Kind: errors.DecryptionFailed, Subject: label, Err: errors.New("invalid cost parameters")}
	}
	salt := header[13 : 13+saltSize]
	nonce := header[13+saltSize:]

	gcm, err := newGCM(p, password, label, salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, blob[headerSize:], header)
	if err != nil {
		return nil, &errors.IntegrityError{Kind: errors.DecryptionFailed, Subject: label, Err: err}
	}
	return plaintext, nil
}

// IsSealed reports whether data starts with the sealed blob magic.
func IsSealed(data []byte) bool {
	return len(data) >= headerSize && bytes.Equal(data[:4], magic)
}

func newGCM(p Params, password []byte, label string, salt []byte) (cipher.AEAD, error) {
	master := argon2.IDKey(password, salt, p.Time, p.Memory, p.Threads, keySize)

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, []byte(label)), key); err != nil {
		return nil, fmt.Errorf("HKDF expansion failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
