package media

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/piera23/PieraChat/internal/config"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(config.MediaConfig{
		Dir:          t.TempDir(),
		TTL:          time.Hour,
		MaxFileBytes: 1024,
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestSaveOpenDelete(t *testing.T) {
	store := testStore(t)

	meta, err := store.Save(strings.NewReader("blob-bytes"), "photo.enc", "application/octet-stream")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if meta.FileID == "" || meta.Size != int64(len("blob-bytes")) {
		t.Fatalf("unexpected meta: %+v", meta)
	}
	if !meta.ExpiresAt.After(meta.UploadedAt) {
		t.Fatalf("expiry must be after upload: %+v", meta)
	}

	blob, got, err := store.Open(meta.FileID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, _ := io.ReadAll(blob)
	blob.Close()
	if string(data) != "blob-bytes" || got.Name != "photo.enc" {
		t.Fatalf("round trip failed: %q %+v", data, got)
	}

	if err := store.Delete(meta.FileID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := store.Open(meta.FileID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(meta.FileID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete reports ErrNotFound, got %v", err)
	}
}

func TestSaveRejectsOversize(t *testing.T) {
	store := testStore(t)

	_, err := store.Save(bytes.NewReader(make([]byte, 2048)), "big.bin", "")
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatal("rejected upload must not be indexed")
	}
}

func TestSweepExpired(t *testing.T) {
	store := testStore(t)
	now := time.Now()
	store.nowFn = func() time.Time { return now }

	meta, err := store.Save(strings.NewReader("temp"), "t.bin", "")
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	if n := store.SweepExpired(now.Add(30 * time.Minute)); n != 0 {
		t.Fatalf("nothing expired yet, swept %d", n)
	}
	if n := store.SweepExpired(now.Add(2 * time.Hour)); n != 1 {
		t.Fatalf("expected 1 expired blob, swept %d", n)
	}
	if _, _, err := store.Open(meta.FileID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after sweep, got %v", err)
	}
}

func TestOpenExpiredEvictsEagerly(t *testing.T) {
	store := testStore(t)
	now := time.Now()
	store.nowFn = func() time.Time { return now }

	meta, _ := store.Save(strings.NewReader("x"), "x.bin", "")

	now = now.Add(2 * time.Hour)
	if _, _, err := store.Open(meta.FileID); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatal("expired blob must be evicted on access")
	}
}

func TestIndexRebuiltOnReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := config.MediaConfig{Dir: dir, TTL: time.Hour, MaxFileBytes: 1024}

	store, err := NewStore(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	meta, err := store.Save(strings.NewReader("durable"), "d.bin", "")
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	reopened, err := NewStore(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	blob, _, err := reopened.Open(meta.FileID)
	if err != nil {
		t.Fatalf("open after reopen: %v", err)
	}
	data, _ := io.ReadAll(blob)
	blob.Close()
	if string(data) != "durable" {
		t.Fatalf("unexpected content %q", data)
	}
}

func uploadFile(t *testing.T, ts *httptest.Server, name string, content []byte) map[string]string {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	writer.Close()

	resp, err := http.Post(ts.URL+uploadPath, writer.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status %d", resp.StatusCode)
	}

	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	return out
}

func TestUploadDownloadDeleteEndpoints(t *testing.T) {
	store := testStore(t)
	mux := http.NewServeMux()
	store.Mount(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	out := uploadFile(t, ts, "attachment.enc", []byte("sealed-attachment"))
	if out["fileId"] == "" || out["downloadUrl"] == "" || out["expiresAt"] == "" {
		t.Fatalf("upload response incomplete: %v", out)
	}

	resp, err := http.Get(ts.URL + out["downloadUrl"])
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(data) != "sealed-attachment" {
		t.Fatalf("download failed: %d %q", resp.StatusCode, data)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+filesPath+out["fileId"], nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d", resp.StatusCode)
	}

	resp, _ = http.Get(ts.URL + out["downloadUrl"])
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestUploadWithoutFileField(t *testing.T) {
	store := testStore(t)
	mux := http.NewServeMux()
	store.Mount(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp, err := http.Post(ts.URL+uploadPath, "text/plain", strings.NewReader("nope"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
