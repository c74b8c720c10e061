// Package playback streams rendered artifacts to HTTP clients with byte
// range support, so exported video can be previewed and resumed.
package playback

import (
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
)

// Artifact identifies a file on disk and how to present it.
type Artifact struct {
	Path        string
	Name        string // download file name; defaults to the base of Path
	ContentType string // defaults to the extension's MIME type
	Inline      bool   // display in the browser instead of downloading
}

type PlaybackService interface {
	ServeArtifact(w http.ResponseWriter, r *http.Request, a Artifact) error
}

type Server struct {
	logger *slog.Logger
}

func NewServer(logger *slog.Logger) *Server {
	return &Server{logger: logger}
}

func (s *Server) ServeArtifact(w http.ResponseWriter, r *http.Request, a Artifact) error {
	file, err := os.Open(a.Path)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "artifact not found", http.StatusNotFound)
			return nil
		}
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat artifact: %w", err)
	}
	if stat.IsDir() {
		http.Error(w, "artifact not found", http.StatusNotFound)
		return nil
	}

	size := stat.Size()
	etag := fmt.Sprintf(`"%x-%x"`, stat.ModTime().UnixNano(), size)

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", contentType(a))
	h.Set("ETag", etag)
	h.Set("Last-Modified", stat.ModTime().UTC().Format(http.TimeFormat))
	h.Set("Content-Disposition", disposition(a))

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	parsed, err := ParseRange(r.Header.Get("Range"), size)
	switch {
	case err == ErrUnsatisfiable:
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "Range Not Satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return nil
	case err == ErrInvalidRange:
		// Malformed ranges are ignored and the whole artifact is sent.
		parsed = nil
	case err != nil:
		return err
	}

	if parsed == nil {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return nil
		}
		_, err = io.Copy(w, file)
		return s.copyErr(err, a)
	}

	h.Set("Content-Length", strconv.FormatInt(parsed.ContentLength(), 10))
	h.Set("Content-Range", parsed.ContentRange(size))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := file.Seek(parsed.Start, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek: %w", err)
	}
	_, err = io.CopyN(w, file, parsed.ContentLength())
	return s.copyErr(err, a)
}

// copyErr logs interrupted transfers; the status line is already sent.
func (s *Server) copyErr(err error, a Artifact) error {
	if err != nil && s.logger != nil {
		s.logger.Debug("artifact transfer interrupted", "path", a.Path, "error", err)
	}
	return nil
}

func contentType(a Artifact) string {
	if a.ContentType != "" {
		return a.ContentType
	}
	if ct := mime.TypeByExtension(filepath.Ext(a.Path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func disposition(a Artifact) string {
	name := a.Name
	if name == "" {
		name = filepath.Base(a.Path)
	}
	kind := "attachment"
	if a.Inline {
		kind = "inline"
	}
	return mime.FormatMediaType(kind, map[string]string{"filename": name})
}
