package encoder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
)

// Opener creates a fresh workspace for a run id.
type Opener interface {
	Open(id string) (Workspace, error)
}

// DirOpener opens DirWorkspaces under Root.
type DirOpener struct {
	Root   string
	Runner CommandRunner
	Logger *slog.Logger
}

func (o DirOpener) Open(id string) (Workspace, error) {
	return OpenDirWorkspace(o.Root, id, o.Runner, o.Logger)
}

// MemOpener hands out MemWorkspaces, applying Configure to each.
type MemOpener struct {
	Configure func(ws *MemWorkspace)

	mu     sync.Mutex
	opened []*MemWorkspace
}

func (o *MemOpener) Open(id string) (Workspace, error) {
	ws := NewMemWorkspace(id)
	if o.Configure != nil {
		o.Configure(ws)
	}
	o.mu.Lock()
	o.opened = append(o.opened, ws)
	o.mu.Unlock()
	return ws, nil
}

// Opened returns every workspace handed out so far.
func (o *MemOpener) Opened() []*MemWorkspace {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*MemWorkspace(nil), o.opened...)
}

// Pool bounds how many runs hold a workspace at once. Acquire blocks
// until a slot is free; Release closes the workspace and frees the slot.
type Pool struct {
	opener Opener
	slots  chan struct{}
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]Workspace
}

func NewPool(opener Opener, size int, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pool{
		opener: opener,
		slots:  make(chan struct{}, size),
		logger: logger,
		active: make(map[string]Workspace),
	}
}

// NewDirPool creates the staging root and a pool of directory workspaces.
func NewDirPool(root string, runner CommandRunner, size int, logger *slog.Logger) (*Pool, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return NewPool(DirOpener{Root: root, Runner: runner, Logger: logger}, size, logger), nil
}

func (p *Pool) Acquire(ctx context.Context) (Workspace, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	id := uuid.NewString()
	ws, err := p.opener.Open(id)
	if err != nil {
		<-p.slots
		return nil, fmt.Errorf("open workspace: %w", err)
	}

	p.mu.Lock()
	p.active[id] = ws
	p.mu.Unlock()

	p.logger.Debug("workspace acquired", "workspace_id", id, "active", p.Active())
	return ws, nil
}

// Release closes ws and returns its slot. Releasing an unknown or already
// released workspace is a no-op.
func (p *Pool) Release(ws Workspace) error {
	if ws == nil {
		return nil
	}
	p.mu.Lock()
	_, ok := p.active[ws.ID()]
	delete(p.active, ws.ID())
	p.mu.Unlock()
	if !ok {
		return nil
	}

	err := ws.Close()
	<-p.slots
	p.logger.Debug("workspace released", "workspace_id", ws.ID(), "active", p.Active())
	return err
}

func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

func (p *Pool) Size() int {
	return cap(p.slots)
}
