// Package sink delivers finished export artifacts to their destinations.
package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/heimdex/heimdex-render/internal/export"
)

// DirSink writes artifacts to <dir>/<export id>/<artifact name>.
type DirSink struct {
	dir    string
	logger *slog.Logger
}

func NewDirSink(dir string, logger *slog.Logger) *DirSink {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DirSink{dir: filepath.Clean(dir), logger: logger}
}

func (s *DirSink) Dir() string {
	return s.dir
}

func (s *DirSink) Deliver(ctx context.Context, exportID string, a *export.Artifact) (*export.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a == nil || len(a.Data) == 0 {
		return nil, fmt.Errorf("empty artifact")
	}
	if err := export.CheckPathSegment(exportID, 64); err != nil {
		return nil, fmt.Errorf("export id: %w", err)
	}
	if err := export.CheckPathSegment(a.Name, 120); err != nil {
		return nil, fmt.Errorf("artifact name: %w", err)
	}
	id, name := exportID, a.Name

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	if err := export.CheckOutputDir(s.dir); err != nil {
		return nil, err
	}
	target := filepath.Join(s.dir, id)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	path := filepath.Join(target, name)
	if err := writeAtomic(path, a.Data); err != nil {
		return nil, err
	}
	s.logger.Info("artifact written", "export_id", exportID, "path", path, "bytes", len(a.Data))
	return &export.Delivery{Location: path, LocalPath: path}, nil
}

// writeAtomic writes data next to path and renames it into place.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".partial-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}
