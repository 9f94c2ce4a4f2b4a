package envelope

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the length of X25519 public/private keys and content keys.
	KeySize = 32
)

var (
	curve = ecdh.X25519()

	// wrapInfo labels the HKDF expansion for content-key wrapping.
	wrapInfo = []byte("pierachat/envelope/key-wrap/v1")

	ErrDecrypt = errors.New("envelope decryption failed")
)

// Cipher holds one session's long-lived X25519 keypair and performs
// envelope construction and opening. It is an explicit lifecycle object:
// construct at session start, Close at session end.
type Cipher struct {
	priv *ecdh.PrivateKey
	pub  []byte
}

// NewCipher generates a fresh session keypair.
func NewCipher() (*Cipher, error) {
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate session keypair: %w", err)
	}
	return &Cipher{
		priv: priv,
		pub:  append([]byte(nil), priv.PublicKey().Bytes()...),
	}, nil
}

// NewCipherFromPrivate restores a cipher from stored private key material.
func NewCipherFromPrivate(private []byte) (*Cipher, error) {
	if len(private) != KeySize {
		return nil, fmt.Errorf("private key must be %d bytes (got %d)", KeySize, len(private))
	}
	priv, err := curve.NewPrivateKey(private)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Cipher{
		priv: priv,
		pub:  append([]byte(nil), priv.PublicKey().Bytes()...),
	}, nil
}

// PublicKey returns the exported public half, ready to attach to a join.
func (c *Cipher) PublicKey() string {
	return base64.StdEncoding.EncodeToString(c.pub)
}

// PublicKeyBytes returns the raw public key.
func (c *Cipher) PublicKeyBytes() []byte {
	return append([]byte(nil), c.pub...)
}

// PrivateKeyBytes exports the private half for sealed storage.
func (c *Cipher) PrivateKeyBytes() []byte {
	return append([]byte(nil), c.priv.Bytes()...)
}

// Seal encrypts plaintext under a fresh content key and wraps that key for
// every recipient in the map plus the sender's own "self" slot. Recipients
// whose keys fail to parse are omitted from the wrapped-key map rather than
// failing the whole envelope; they can never decrypt this message.
func (c *Cipher) Seal(plaintext []byte, recipients map[string][]byte) (*Envelope, error) {
	contentKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(contentKey); err != nil {
		return nil, fmt.Errorf("generate content key: %w", err)
	}
	defer zeroBytes(contentKey)

	aead, err := chacha20poly1305.NewX(contentKey)
	if err != nil {
		return nil, fmt.Errorf("init content cipher: %w", err)
	}
	iv := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	ciphertext := aead.Seal(nil, iv, plaintext, nil)

	wrapped := make(map[string]string, len(recipients)+1)
	for slot, pub := range recipients {
		raw, err := c.wrapKey(contentKey, pub)
		if err != nil {
			// Unknown or bad key material: omit the slot, keep the envelope.
			continue
		}
		wrapped[slot] = base64.StdEncoding.EncodeToString(raw)
	}
	raw, err := c.wrapKey(contentKey, c.pub)
	if err != nil {
		return nil, fmt.Errorf("wrap self key: %w", err)
	}
	wrapped[SelfSlot] = base64.StdEncoding.EncodeToString(raw)

	return &Envelope{
		Ciphertext:    base64.StdEncoding.EncodeToString(ciphertext),
		IV:            base64.StdEncoding.EncodeToString(iv),
		EncryptedKeys: wrapped,
	}, nil
}

// Open recovers the plaintext by trying the given slots in order. The first
// slot holding a wrapped key that unwraps under our private key wins.
func (c *Cipher) Open(env *Envelope, slots ...string) ([]byte, error) {
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", ErrMalformed)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", ErrMalformed)
	}

	var lastErr error = ErrNoWrappedKey
	for _, slot := range slots {
		wrapped, err := env.WrappedKey(slot)
		if err != nil {
			lastErr = err
			continue
		}
		contentKey, err := c.unwrapKey(wrapped)
		if err != nil {
			lastErr = err
			continue
		}
		aead, err := chacha20poly1305.NewX(contentKey)
		zeroBytes(contentKey)
		if err != nil {
			lastErr = err
			continue
		}
		if len(iv) != chacha20poly1305.NonceSizeX {
			return nil, fmt.Errorf("iv must be %d bytes: %w", chacha20poly1305.NonceSizeX, ErrMalformed)
		}
		plaintext, err := aead.Open(nil, iv, ciphertext, nil)
		if err != nil {
			lastErr = ErrDecrypt
			continue
		}
		return plaintext, nil
	}
	return nil, lastErr
}

// Close drops the key material. The ecdh private key is unexported and
// copy-on-read, so dropping the reference is the best we can do for it.
func (c *Cipher) Close() {
	c.priv = nil
	zeroBytes(c.pub)
}

// wrapKey encrypts the content key under a recipient public key using an
// ephemeral X25519 exchange: output is ephemeralPub || nonce || sealed key.
func (c *Cipher) wrapKey(contentKey, recipientPub []byte) ([]byte, error) {
	if len(recipientPub) != KeySize {
		return nil, fmt.Errorf("recipient key must be %d bytes (got %d)", KeySize, len(recipientPub))
	}
	peer, err := curve.NewPublicKey(recipientPub)
	if err != nil {
		return nil, fmt.Errorf("parse recipient key: %w", err)
	}
	eph, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	shared, err := eph.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("derive wrap secret: %w", err)
	}
	defer zeroBytes(shared)

	ephPub := eph.PublicKey().Bytes()
	kek, err := deriveWrapKey(shared, ephPub, recipientPub)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(kek)

	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, fmt.Errorf("init wrap cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate wrap nonce: %w", err)
	}

	out := make([]byte, 0, KeySize+len(nonce)+len(contentKey)+aead.Overhead())
	out = append(out, ephPub...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, contentKey, nil)
	return out, nil
}

// unwrapKey reverses wrapKey with the local private key.
func (c *Cipher) unwrapKey(wrapped []byte) ([]byte, error) {
	if len(wrapped) < KeySize+chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("wrapped key too short: %w", ErrMalformed)
	}
	ephPub := wrapped[:KeySize]
	nonce := wrapped[KeySize : KeySize+chacha20poly1305.NonceSizeX]
	sealed := wrapped[KeySize+chacha20poly1305.NonceSizeX:]

	peer, err := curve.NewPublicKey(ephPub)
	if err != nil {
		return nil, fmt.Errorf("parse ephemeral key: %w", ErrMalformed)
	}
	shared, err := c.priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("derive unwrap secret: %w", err)
	}
	defer zeroBytes(shared)

	kek, err := deriveWrapKey(shared, ephPub, c.pub)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(kek)

	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, fmt.Errorf("init unwrap cipher: %w", err)
	}
	contentKey, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return contentKey, nil
}

func deriveWrapKey(shared, ephPub, recipientPub []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephPub)+len(recipientPub))
	salt = append(salt, ephPub...)
	salt = append(salt, recipientPub...)

	reader := hkdf.New(sha256.New, shared, salt, wrapInfo)
	kek := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, kek); err != nil {
		return nil, fmt.Errorf("derive wrap key: %w", err)
	}
	return kek, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
