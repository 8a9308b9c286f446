package backup

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/coral-mesh/certrotor/internal/constants"
	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/safe"
	"github.com/coral-mesh/certrotor/internal/seal"
)

const (
	suffixPassword = ".enc"
	suffixEnvelope = ".kms"

	gcmNonceSize = 12
)

// Encryptor protects a payload before upload.
type Encryptor interface {
	Method() string
	// Suffix is appended to the artifact key.
	Suffix() string
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	// Decrypt returns an IntegrityError of kind DecryptionFailed when the
	// ciphertext does not open.
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// NoEncryption stores payloads as is.
type NoEncryption struct{}

func (NoEncryption) Method() string { return constants.EncryptionNone }
func (NoEncryption) Suffix() string { return "" }

func (NoEncryption) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}

func (NoEncryption) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	return ciphertext, nil
}

// PasswordEncryptor seals payloads with argon2id and AES-256-GCM.
type PasswordEncryptor struct {
	password []byte
}

// NewPasswordEncryptor returns a ConfigError for an empty password.
func NewPasswordEncryptor(password []byte) (*PasswordEncryptor, error) {
	if len(password) == 0 {
		return nil, errors.Configf("backup.password_file", "a password is required for %s encryption", constants.EncryptionPassword)
	}
	return &PasswordEncryptor{password: password}, nil
}

func (e *PasswordEncryptor) Method() string { return constants.EncryptionPassword }
func (e *PasswordEncryptor) Suffix() string { return suffixPassword }

func (e *PasswordEncryptor) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	return seal.Seal(e.password, seal.LabelBackup, plaintext)
}

func (e *PasswordEncryptor) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	return seal.Open(e.password, seal.LabelBackup, ciphertext)
}

// KMSClient is the part of the AWS KMS client used for envelope encryption.
type KMSClient interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// EnvelopeEncryptor encrypts every payload with a fresh AES-256 data key from
// the key service. The stored layout is
//
//	uint32 BE len(encrypted key) | encrypted key | 12-byte nonce | AES-GCM ciphertext
type EnvelopeEncryptor struct {
	client KMSClient
	keyID  string
}

// NewEnvelopeEncryptor returns a ConfigError without a key ID.
func NewEnvelopeEncryptor(client KMSClient, keyID string) (*EnvelopeEncryptor, error) {
	if keyID == "" {
		return nil, errors.Configf("backup.kms_key_id", "a key ID is required for %s encryption", constants.EncryptionEnvelope)
	}
	if client == nil {
		return nil, errors.Configf("backup.kms_key_id", "no key service client configured")
	}
	return &EnvelopeEncryptor{client: client, keyID: keyID}, nil
}

func (e *EnvelopeEncryptor) Method() string { return constants.EncryptionEnvelope }
func (e *EnvelopeEncryptor) Suffix() string { return suffixEnvelope }

func (e *EnvelopeEncryptor) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	out, err := e.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(e.keyID),
		KeySpec: kmstypes.DataKeySpecAes256,
	})
	if err != nil {
		return nil, errors.Transient("kms generate data key", err)
	}
	defer clear(out.Plaintext)

	gcm, err := newAESGCM(out.Plaintext)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	encKey := out.CiphertextBlob
	keyLen, clamped := safe.IntToUint32(len(encKey))
	if clamped || keyLen == 0 {
		return nil, fmt.Errorf("invalid encrypted data key of %d bytes", len(encKey))
	}
	buf := make([]byte, 4, 4+len(encKey)+gcmNonceSize+len(plaintext)+gcm.Overhead())
	binary.BigEndian.PutUint32(buf, keyLen)
	buf = append(buf, encKey...)
	buf = append(buf, nonce...)
	return gcm.Seal(buf, nonce, plaintext, nil), nil
}

func (e *EnvelopeEncryptor) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	fail := func(err error) error {
		return &errors.IntegrityError{Kind: errors.DecryptionFailed, Subject: "envelope", Err: err}
	}
	if len(ciphertext) < 4 {
		return nil, fail(errors.New("truncated envelope"))
	}
	keyLen := int(binary.BigEndian.Uint32(ciphertext))
	if keyLen == 0 || len(ciphertext) < 4+keyLen+gcmNonceSize {
		return nil, fail(fmt.Errorf("invalid encrypted key length %d", keyLen))
	}
	encKey := ciphertext[4 : 4+keyLen]
	nonce := ciphertext[4+keyLen : 4+keyLen+gcmNonceSize]
	body := ciphertext[4+keyLen+gcmNonceSize:]

	out, err := e.client.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: encKey})
	if err != nil {
		var invalid *kmstypes.InvalidCiphertextException
		if errors.As(err, &invalid) {
			return nil, fail(err)
		}
		return nil, errors.Transient("kms decrypt", err)
	}
	defer clear(out.Plaintext)

	gcm, err := newAESGCM(out.Plaintext)
	if err != nil {
		return nil, fail(err)
	}
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fail(err)
	}
	return plaintext, nil
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid data key: %w", err)
	}
	return cipher.NewGCM(block)
}

// NewKMSClient loads the default AWS configuration and returns a KMS client.
func NewKMSClient(ctx context.Context, region string) (*kms.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return kms.NewFromConfig(cfg), nil
}

// Keyring holds the encryptors available for restores, keyed by method.
type Keyring map[string]Encryptor

// NewKeyring indexes encs. NoEncryption is always present.
func NewKeyring(encs ...Encryptor) Keyring {
	k := Keyring{constants.EncryptionNone: NoEncryption{}}
	for _, e := range encs {
		if e != nil {
			k[e.Method()] = e
		}
	}
	return k
}

// For returns the encryptor of method or a ConfigError.
func (k Keyring) For(method string) (Encryptor, error) {
	e, ok := k[method]
	if !ok {
		return nil, errors.Configf("backup.encryption", "no credentials configured for %s artifacts", method)
	}
	return e, nil
}
