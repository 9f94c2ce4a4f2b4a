// Package media is a TTL-keyed blob store backing the bulk upload
// endpoints. Attachments are encrypted client-side before upload; the
// store only ever sees opaque bytes.
package media

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/piera23/PieraChat/internal/config"
)

var (
	ErrNotFound = errors.New("media: file not found")
	ErrTooLarge = errors.New("media: file exceeds size limit")
	ErrExpired  = errors.New("media: file expired")
)

const (
	dataSuffix = ".bin"
	metaSuffix = ".meta.json"
)

// Meta describes one stored blob.
type Meta struct {
	FileID      string    `json:"fileId"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	UploadedAt  time.Time `json:"uploadedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Store keeps blobs on disk under a single directory, one data file and
// one metadata sidecar per blob. The in-memory index is rebuilt from the
// sidecars on startup, so restarts keep unexpired uploads alive.
type Store struct {
	mu    sync.RWMutex
	log   *zap.Logger
	dir   string
	ttl   time.Duration
	max   int64
	blobs map[string]Meta
	nowFn func() time.Time
}

// NewStore opens (or creates) the blob directory and rebuilds the index.
func NewStore(cfg config.MediaConfig, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create media dir %s: %w", cfg.Dir, err)
	}

	s := &Store{
		log:   logger,
		dir:   cfg.Dir,
		ttl:   cfg.TTL,
		max:   cfg.MaxFileBytes,
		blobs: make(map[string]Meta),
		nowFn: time.Now,
	}
	if err := s.rebuildIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) rebuildIndex() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scan media dir %s: %w", s.dir, err)
	}

	now := s.nowFn()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			s.log.Warn("unreadable media sidecar", zap.String("path", path), zap.Error(err))
			continue
		}
		var meta Meta
		if err := json.Unmarshal(raw, &meta); err != nil || meta.FileID == "" {
			s.log.Warn("corrupt media sidecar", zap.String("path", path))
			continue
		}
		if now.After(meta.ExpiresAt) {
			s.removeFiles(meta.FileID)
			continue
		}
		s.blobs[meta.FileID] = meta
	}
	return nil
}

// Save streams one upload into the store and returns its metadata. Uploads
// beyond the configured size limit fail with ErrTooLarge and leave no
// partial file behind.
func (s *Store) Save(r io.Reader, name, contentType string) (Meta, error) {
	id := uuid.NewString()
	dataPath := s.dataPath(id)

	f, err := os.OpenFile(dataPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return Meta{}, fmt.Errorf("create media file: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(r, s.max+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(dataPath)
		return Meta{}, fmt.Errorf("write media file: %w", err)
	}
	if n > s.max {
		_ = os.Remove(dataPath)
		return Meta{}, ErrTooLarge
	}

	now := s.nowFn().UTC()
	meta := Meta{
		FileID:      id,
		Name:        name,
		ContentType: contentType,
		Size:        n,
		UploadedAt:  now,
		ExpiresAt:   now.Add(s.ttl),
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		_ = os.Remove(dataPath)
		return Meta{}, fmt.Errorf("encode media sidecar: %w", err)
	}
	if err := os.WriteFile(s.metaPath(id), raw, 0o600); err != nil {
		_ = os.Remove(dataPath)
		return Meta{}, fmt.Errorf("write media sidecar: %w", err)
	}

	s.mu.Lock()
	s.blobs[id] = meta
	s.mu.Unlock()

	s.log.Info("media stored",
		zap.String("file_id", id),
		zap.Int64("size", n),
		zap.Time("expires_at", meta.ExpiresAt))
	return meta, nil
}

// Open returns a reader over a stored blob. Expired blobs report
// ErrExpired and are evicted on the spot rather than waiting for a sweep.
func (s *Store) Open(id string) (io.ReadCloser, Meta, error) {
	s.mu.RLock()
	meta, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, Meta{}, ErrNotFound
	}
	if s.nowFn().After(meta.ExpiresAt) {
		s.Delete(id)
		return nil, Meta{}, ErrExpired
	}

	f, err := os.Open(s.dataPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			s.Delete(id)
			return nil, Meta{}, ErrNotFound
		}
		return nil, Meta{}, fmt.Errorf("open media file: %w", err)
	}
	return f, meta, nil
}

// Delete removes a blob and its sidecar. Deleting an unknown id reports
// ErrNotFound.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	_, ok := s.blobs[id]
	delete(s.blobs, id)
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	s.removeFiles(id)
	return nil
}

// SweepExpired evicts every blob past its deadline and returns the count.
func (s *Store) SweepExpired(now time.Time) int {
	s.mu.Lock()
	var expired []string
	for id, meta := range s.blobs {
		if now.After(meta.ExpiresAt) {
			expired = append(expired, id)
			delete(s.blobs, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.removeFiles(id)
	}
	return len(expired)
}

// Len reports the number of indexed blobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

func (s *Store) removeFiles(id string) {
	_ = os.Remove(s.dataPath(id))
	_ = os.Remove(s.metaPath(id))
}

func (s *Store) dataPath(id string) string {
	return filepath.Join(s.dir, id+dataSuffix)
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.dir, id+metaSuffix)
}
