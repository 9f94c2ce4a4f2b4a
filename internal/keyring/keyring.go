// Package keyring maintains a client's directory of peer public keys,
// populated from the relay's presence broadcasts.
package keyring

import (
	"encoding/base64"
	"fmt"
	"sort"
	"sync"

	"github.com/piera23/PieraChat/internal/envelope"
)

// Entry pairs a username with its imported public key.
type Entry struct {
	Username  string
	PublicKey []byte
}

// Directory maps username to public key. It is an explicit lifecycle
// object owned by one client session; construct at session start and Clear
// at session end. Last writer wins: a later presence broadcast for the same
// username silently overwrites the stored key.
type Directory struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewDirectory creates an empty key directory.
func NewDirectory() *Directory {
	return &Directory{keys: make(map[string][]byte)}
}

// Put imports a base64-encoded public key for a username. Empty key
// material is ignored: a peer may join without announcing a key.
func (d *Directory) Put(username, publicKey string) error {
	if username == "" || publicKey == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return fmt.Errorf("decode public key for %s: %w", username, err)
	}
	if len(raw) != envelope.KeySize {
		return fmt.Errorf("public key for %s must be %d bytes (got %d)", username, envelope.KeySize, len(raw))
	}

	d.mu.Lock()
	d.keys[username] = raw
	d.mu.Unlock()
	return nil
}

// Remove evicts a username, typically on a leave broadcast.
func (d *Directory) Remove(username string) {
	d.mu.Lock()
	delete(d.keys, username)
	d.mu.Unlock()
}

// Lookup fetches a username's key.
func (d *Directory) Lookup(username string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	raw, ok := d.keys[username]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), raw...), true
}

// Recipients returns a copy of the full directory keyed by username,
// shaped for envelope.Cipher.Seal.
func (d *Directory) Recipients() map[string][]byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string][]byte, len(d.keys))
	for username, raw := range d.keys {
		out[username] = append([]byte(nil), raw...)
	}
	return out
}

// Subset returns the directory restricted to the given usernames. Usernames
// without a stored key are silently omitted; they can never decrypt the
// resulting envelope.
func (d *Directory) Subset(usernames []string) map[string][]byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string][]byte, len(usernames))
	for _, username := range usernames {
		if raw, ok := d.keys[username]; ok {
			out[username] = append([]byte(nil), raw...)
		}
	}
	return out
}

// Snapshot lists all entries sorted by username.
func (d *Directory) Snapshot() []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Entry, 0, len(d.keys))
	for username, raw := range d.keys {
		out = append(out, Entry{Username: username, PublicKey: append([]byte(nil), raw...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Len reports the number of stored keys.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.keys)
}

// Clear wipes all stored key material, for session teardown.
func (d *Directory) Clear() {
	d.mu.Lock()
	for username, raw := range d.keys {
		for i := range raw {
			raw[i] = 0
		}
		delete(d.keys, username)
	}
	d.mu.Unlock()
}
