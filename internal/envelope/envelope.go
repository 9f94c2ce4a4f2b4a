// Package envelope implements the per-message hybrid encryption protocol:
// a fresh symmetric content key seals the payload, and the content key is
// wrapped once per recipient under that recipient's X25519 public key.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// SelfSlot is the reserved recipient identifier for the sender's own copy
// of the content key, letting the sender re-read its own sent messages.
const SelfSlot = "self"

var (
	ErrNoWrappedKey = errors.New("no wrapped key for this recipient")
	ErrMalformed    = errors.New("malformed envelope")
)

// Envelope is the immutable bundle sent in place of plaintext. Field names
// match the JSON carried inside the relay's encryptedMessage field.
type Envelope struct {
	Ciphertext    string            `json:"encryptedMessage"`
	IV            string            `json:"iv"`
	EncryptedKeys map[string]string `json:"encryptedKeys"`
}

// Encode serializes the envelope as compact JSON.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses an envelope from its JSON form.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", ErrMalformed)
	}
	if env.Ciphertext == "" || env.IV == "" {
		return nil, fmt.Errorf("envelope missing ciphertext or iv: %w", ErrMalformed)
	}
	return &env, nil
}

// WrappedKey returns the raw wrapped content key stored under the given slot.
func (e *Envelope) WrappedKey(slot string) ([]byte, error) {
	encoded, ok := e.EncryptedKeys[slot]
	if !ok {
		return nil, ErrNoWrappedKey
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode wrapped key for %s: %w", slot, ErrMalformed)
	}
	return raw, nil
}
