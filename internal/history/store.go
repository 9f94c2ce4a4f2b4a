// Package history is the client-side message archive. Everything here
// stays on the user's machine; the relay never participates in storage.
package history

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

const exportVersion = "2.0"

var (
	messagesBucket = []byte("messages")
	idIndexBucket  = []byte("message_ids")
	contactsBucket = []byte("contacts")
)

var ErrClosed = errors.New("history: store closed")

// Message is one archived chat event, decrypted before it gets here.
type Message struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Username  string    `json:"username"`
	Body      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	IsOwn     bool      `json:"isOwn"`
	Encrypted bool      `json:"encrypted"`
}

// Contact is a recently seen peer.
type Contact struct {
	Username string    `json:"username"`
	LastSeen time.Time `json:"lastSeen"`
}

// Export is the interchange envelope for history dumps.
type Export struct {
	Version      string    `json:"version"`
	ExportDate   time.Time `json:"exportDate"`
	MessageCount int       `json:"messageCount"`
	Messages     []Message `json:"messages"`
}

// Store archives messages in a local bolt database. Messages are keyed by
// insertion sequence so Load returns them in arrival order; a secondary
// id index makes Save idempotent for redelivered messages.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the history database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history db %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{messagesBucket, idIndexBucket, contactsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init history buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return ErrClosed
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Save archives one message. A message id seen before overwrites the
// earlier record in place instead of appending a duplicate.
func (s *Store) Save(msg Message) error {
	if s.db == nil {
		return ErrClosed
	}
	if msg.ID == "" {
		return errors.New("history: message id required")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(messagesBucket)
		ids := tx.Bucket(idIndexBucket)

		key := ids.Get([]byte(msg.ID))
		if key == nil {
			seq, err := msgs.NextSequence()
			if err != nil {
				return err
			}
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], seq)
			key = buf[:]
			if err := ids.Put([]byte(msg.ID), key); err != nil {
				return err
			}
		}
		return msgs.Put(key, raw)
	})
}

// Load returns up to limit of the most recent messages, oldest first.
// limit <= 0 means everything.
func (s *Store) Load(limit int) ([]Message, error) {
	if s.db == nil {
		return nil, ErrClosed
	}

	var out []Message
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(messagesBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("decode message %x: %w", k, err)
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Count reports the number of archived messages.
func (s *Store) Count() (int, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(messagesBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Clear deletes every archived message. Contacts survive.
func (s *Store) Clear() error {
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{messagesBucket, idIndexBucket} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

// DumpExport packages the full archive for interchange.
func (s *Store) DumpExport() (Export, error) {
	msgs, err := s.Load(0)
	if err != nil {
		return Export{}, err
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return Export{
		Version:      exportVersion,
		ExportDate:   time.Now().UTC(),
		MessageCount: len(msgs),
		Messages:     msgs,
	}, nil
}

// TouchContact records that a peer was just seen.
func (s *Store) TouchContact(username string) error {
	if s.db == nil {
		return ErrClosed
	}
	if username == "" {
		return errors.New("history: contact username required")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(contactsBucket).Put([]byte(username), []byte(now))
	})
}

// Contacts lists known peers, most recently seen first.
func (s *Store) Contacts() ([]Contact, error) {
	if s.db == nil {
		return nil, ErrClosed
	}

	var out []Contact
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(contactsBucket).ForEach(func(k, v []byte) error {
			seen, err := time.Parse(time.RFC3339Nano, string(v))
			if err != nil {
				return fmt.Errorf("decode contact %s: %w", k, err)
			}
			out = append(out, Contact{Username: string(k), LastSeen: seen})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out, nil
}
