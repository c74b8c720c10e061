// Package encoder provides isolated staging workspaces through which the
// export pipeline hands frames and audio to ffmpeg.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"github.com/heimdex/heimdex-render/internal/ffmpeg"
)

const (
	runDirPrefix = "run-"
	lockFileName = ".lock"
)

var (
	ErrReserved    = errors.New("reserved workspace file")
	ErrInvalidName = errors.New("invalid workspace file name")
	ErrNotFound    = errors.New("workspace file not found")
	ErrClosed      = errors.New("workspace closed")
	ErrLocked      = errors.New("workspace locked by another process")
)

// Workspace is the staging surface of one export run. Names are flat; a
// workspace never exposes files of another run.
type Workspace interface {
	ID() string
	WriteFile(ctx context.Context, name string, data []byte) error
	ReadFile(ctx context.Context, name string) ([]byte, error)
	ListFiles(ctx context.Context) ([]string, error)
	DeleteFile(ctx context.Context, name string) error
	// Run invokes the encoder with args, resolving file names against
	// the workspace.
	Run(ctx context.Context, args []string) (ffmpeg.RunResult, error)
	Close() error
}

// CommandRunner executes ffmpeg in a working directory.
type CommandRunner interface {
	Run(ctx context.Context, dir string, args ...string) ffmpeg.RunResult
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// DirWorkspace is a run directory under the staging root, held under an
// exclusive flock for its lifetime.
type DirWorkspace struct {
	id     string
	dir    string
	runner CommandRunner
	lock   *flock.Flock
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// OpenDirWorkspace creates <root>/run-<id> and locks it.
func OpenDirWorkspace(root, id string, runner CommandRunner, logger *slog.Logger) (*DirWorkspace, error) {
	dir := filepath.Join(root, runDirPrefix+id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock workspace: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}

	return &DirWorkspace{
		id:     id,
		dir:    dir,
		runner: runner,
		lock:   lock,
		logger: logger,
	}, nil
}

func (w *DirWorkspace) ID() string  { return w.id }
func (w *DirWorkspace) Dir() string { return w.dir }

func (w *DirWorkspace) path(name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	return filepath.Join(w.dir, name), nil
}

func (w *DirWorkspace) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return nil
}

func (w *DirWorkspace) WriteFile(ctx context.Context, name string, data []byte) error {
	if err := w.checkOpen(ctx); err != nil {
		return err
	}
	if name == lockFileName {
		return fmt.Errorf("%w: %s", ErrReserved, name)
	}
	p, err := w.path(name)
	if err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

func (w *DirWorkspace) ReadFile(ctx context.Context, name string) ([]byte, error) {
	if err := w.checkOpen(ctx); err != nil {
		return nil, err
	}
	p, err := w.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return data, err
}

// ListFiles returns every regular file in the workspace, including the
// reserved lock file, sorted by name.
func (w *DirWorkspace) ListFiles(ctx context.Context) ([]string, error) {
	if err := w.checkOpen(ctx); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (w *DirWorkspace) DeleteFile(ctx context.Context, name string) error {
	if err := w.checkOpen(ctx); err != nil {
		return err
	}
	if name == lockFileName {
		return fmt.Errorf("%w: %s", ErrReserved, name)
	}
	p, err := w.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return err
	}
	return nil
}

func (w *DirWorkspace) Run(ctx context.Context, args []string) (ffmpeg.RunResult, error) {
	if err := w.checkOpen(ctx); err != nil {
		return ffmpeg.RunResult{}, err
	}
	if w.runner == nil {
		return ffmpeg.RunResult{}, ffmpeg.ErrNotInstalled
	}
	res := w.runner.Run(ctx, w.dir, args...)
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// Close removes the run directory and releases the lock. It is safe to
// call more than once.
func (w *DirWorkspace) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	rmErr := os.RemoveAll(w.dir)
	unlockErr := w.lock.Unlock()
	if rmErr != nil {
		return fmt.Errorf("remove workspace: %w", rmErr)
	}
	if unlockErr != nil && w.logger != nil {
		w.logger.Debug("workspace unlock failed", "workspace_id", w.id, "error", unlockErr)
	}
	return nil
}
