package encoder

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/heimdex/heimdex-render/internal/ffmpeg"
)

// EncodeFunc stands in for ffmpeg inside a MemWorkspace.
type EncodeFunc func(ctx context.Context, ws *MemWorkspace, args []string) ffmpeg.RunResult

// MemWorkspace keeps staged files in memory. It backs dry runs and tests.
type MemWorkspace struct {
	id string

	mu       sync.Mutex
	files    map[string][]byte
	reserved map[string]bool
	runs     [][]string
	writes   int
	closed   bool

	// Mangle, when set, replaces the bytes stored by WriteFile.
	Mangle func(name string, data []byte) []byte
	// Encode simulates the encoder; nil writes a placeholder output.mp4.
	Encode EncodeFunc
}

func NewMemWorkspace(id string, reserved ...string) *MemWorkspace {
	ws := &MemWorkspace{
		id:       id,
		files:    make(map[string][]byte),
		reserved: make(map[string]bool),
	}
	for _, name := range reserved {
		ws.reserved[name] = true
		ws.files[name] = nil
	}
	return ws
}

func (w *MemWorkspace) ID() string { return w.id }

func (w *MemWorkspace) WriteFile(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validName(name); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.reserved[name] {
		return fmt.Errorf("%w: %s", ErrReserved, name)
	}
	stored := append([]byte(nil), data...)
	if w.Mangle != nil {
		stored = w.Mangle(name, stored)
	}
	w.files[name] = stored
	w.writes++
	return nil
}

// Put stores data without write hooks, as the encoder would.
func (w *MemWorkspace) Put(name string, data []byte) {
	w.mu.Lock()
	w.files[name] = append([]byte(nil), data...)
	w.mu.Unlock()
}

func (w *MemWorkspace) ReadFile(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	data, ok := w.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return append([]byte(nil), data...), nil
}

func (w *MemWorkspace) ListFiles(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	return w.namesLocked(), nil
}

func (w *MemWorkspace) namesLocked() []string {
	names := make([]string, 0, len(w.files))
	for name := range w.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (w *MemWorkspace) DeleteFile(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.reserved[name] {
		return fmt.Errorf("%w: %s", ErrReserved, name)
	}
	if _, ok := w.files[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(w.files, name)
	return nil
}

func (w *MemWorkspace) Run(ctx context.Context, args []string) (ffmpeg.RunResult, error) {
	if err := ctx.Err(); err != nil {
		return ffmpeg.RunResult{}, err
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ffmpeg.RunResult{}, ErrClosed
	}
	w.runs = append(w.runs, append([]string(nil), args...))
	encode := w.Encode
	w.mu.Unlock()

	if encode == nil {
		if len(args) > 0 {
			w.Put(args[len(args)-1], []byte("mem-encoded"))
		}
		return ffmpeg.RunResult{}, nil
	}
	return encode(ctx, w, args), nil
}

func (w *MemWorkspace) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

// Runs returns the argument lists of every encoder invocation.
func (w *MemWorkspace) Runs() [][]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([][]string, len(w.runs))
	copy(out, w.runs)
	return out
}

// Files lists what is currently staged, ignoring the closed state.
func (w *MemWorkspace) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.namesLocked()
}

// Writes counts WriteFile calls that stored data.
func (w *MemWorkspace) Writes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes
}
