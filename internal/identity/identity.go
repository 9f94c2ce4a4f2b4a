// Package identity persists a client keypair under a passphrase so the
// same public key can be announced across runs.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/piera23/PieraChat/internal/envelope"
)

const (
	fileVersion = 1
	saltSize    = 16

	argonTime    = 1
	argonMemory  = 1 << 16
	argonThreads = 8
)

var (
	ErrExists     = errors.New("identity: file already exists")
	ErrPassphrase = errors.New("identity: wrong passphrase or corrupt file")
)

// sealedFile is the on-disk format. The public key is kept in the clear;
// only the private scalar is sealed.
type sealedFile struct {
	Version   int       `json:"version"`
	PublicKey string    `json:"publicKey"`
	Salt      string    `json:"salt"`
	Nonce     string    `json:"nonce"`
	SealedKey string    `json:"sealedKey"`
	CreatedAt time.Time `json:"createdAt"`
}

// Create generates a fresh keypair and writes it to path sealed under
// passphrase. It refuses to overwrite an existing identity.
func Create(path, passphrase string) (*envelope.Cipher, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, ErrExists
	}

	cipher, err := envelope.NewCipher()
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	kek := deriveKEK(passphrase, salt)
	defer zero(kek)

	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	priv := cipher.PrivateKeyBytes()
	sealed := aead.Seal(nil, nonce, priv, nil)
	zero(priv)

	file := sealedFile{
		Version:   fileVersion,
		PublicKey: cipher.PublicKey(),
		Salt:      base64.StdEncoding.EncodeToString(salt),
		Nonce:     base64.StdEncoding.EncodeToString(nonce),
		SealedKey: base64.StdEncoding.EncodeToString(sealed),
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create identity dir: %w", err)
		}
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write identity: %w", err)
	}
	return cipher, nil
}

// Load opens a sealed identity file and recovers the keypair.
func Load(path, passphrase string) (*envelope.Cipher, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity %s: %w", path, err)
	}

	var file sealedFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, ErrPassphrase
	}
	if file.Version != fileVersion {
		return nil, fmt.Errorf("identity: unsupported version %d", file.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil || len(salt) != saltSize {
		return nil, ErrPassphrase
	}
	nonce, err := base64.StdEncoding.DecodeString(file.Nonce)
	if err != nil {
		return nil, ErrPassphrase
	}
	sealed, err := base64.StdEncoding.DecodeString(file.SealedKey)
	if err != nil {
		return nil, ErrPassphrase
	}

	kek := deriveKEK(passphrase, salt)
	defer zero(kek)

	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrPassphrase
	}
	priv, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrPassphrase
	}
	defer zero(priv)

	cipher, err := envelope.NewCipherFromPrivate(priv)
	if err != nil {
		return nil, fmt.Errorf("rebuild keypair: %w", err)
	}
	return cipher, nil
}

// Fingerprint returns the SHA-256 hex digest of a public key, for manual
// out-of-band comparison.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

func deriveKEK(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, envelope.KeySize)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
