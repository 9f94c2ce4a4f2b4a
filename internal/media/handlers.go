package media

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	uploadPath   = "/api/upload"
	downloadPath = "/api/download/"
	filesPath    = "/api/files/"
)

// Mount attaches the upload, download, and delete endpoints.
func (s *Store) Mount(mux *http.ServeMux) {
	mux.HandleFunc(uploadPath, s.handleUpload)
	mux.HandleFunc(downloadPath, s.handleDownload)
	mux.HandleFunc(filesPath, s.handleDelete)
}

func (s *Store) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// The multipart reader streams; only the in-flight part is buffered.
	r.Body = http.MaxBytesReader(w, r.Body, s.max+1024*1024)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	meta, err := s.Save(file, header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		s.log.Error("media upload failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "upload failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"fileId":      meta.FileID,
		"downloadUrl": downloadPath + meta.FileID,
		"expiresAt":   meta.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Store) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, downloadPath)
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return
	}

	blob, meta, err := s.Open(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpired) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		s.log.Error("media download failed", zap.String("file_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "download failed")
		return
	}
	defer blob.Close()

	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.Header().Set("Content-Disposition", `attachment; filename="`+meta.Name+`"`)
	_, _ = io.Copy(w, blob)
}

func (s *Store) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, filesPath)
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return
	}

	if err := s.Delete(id); err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
