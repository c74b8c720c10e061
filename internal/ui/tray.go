// Package ui shows the agent's export activity in the system tray.
package ui

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getlantern/systray"

	"github.com/heimdex/heimdex-render/internal/library"
)

const refreshInterval = 2 * time.Second

// Queue is the part of the export runner the tray controls.
type Queue interface {
	IsPaused() bool
	Pause()
	Resume()
	ActiveCount() int
}

type Tray struct {
	repo   library.Repository
	queue  Queue
	logger *slog.Logger

	statusItem *systray.MenuItem
	lastItem   *systray.MenuItem
	pauseItem  *systray.MenuItem

	mu sync.Mutex

	onOpenExports func() error
	onQuit        func()
}

type TrayConfig struct {
	Repository    library.Repository
	Queue         Queue
	Logger        *slog.Logger
	OnOpenExports func() error
	OnQuit        func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		repo:          cfg.Repository,
		queue:         cfg.Queue,
		logger:        cfg.Logger,
		onOpenExports: cfg.OnOpenExports,
		onQuit:        cfg.OnQuit,
	}
}

// Run blocks on the platform event loop until Quit.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	icon, err := iconPNG()
	if err != nil {
		t.logger.Warn("failed to render tray icon", "error", err)
	} else {
		systray.SetIcon(icon)
	}
	systray.SetTitle("Heimdex")
	systray.SetTooltip("Heimdex Render")

	t.statusItem = systray.AddMenuItem("Status: Idle", "Current export status")
	t.statusItem.Disable()

	t.lastItem = systray.AddMenuItem("No exports yet", "Most recent export")
	t.lastItem.Disable()

	systray.AddSeparator()

	t.pauseItem = systray.AddMenuItem("Pause", "Pause the export queue")
	openItem := systray.AddMenuItem("Open Exports Folder", "Show rendered exports")

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit Heimdex Render")

	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.refresh()
			case <-t.pauseItem.ClickedCh:
				t.togglePause()
			case <-openItem.ClickedCh:
				t.handleOpenExports()
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	t.refresh()
	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	t.logger.Info("system tray exiting")
}

func (t *Tray) togglePause() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.queue == nil {
		return
	}

	if t.queue.IsPaused() {
		t.queue.Resume()
		t.pauseItem.SetTitle("Pause")
	} else {
		t.queue.Pause()
		t.pauseItem.SetTitle("Resume")
	}
	t.statusItem.SetTitle(statusLine(t.queue.IsPaused(), t.queue.ActiveCount(), 0))
}

func (t *Tray) handleOpenExports() {
	if t.onOpenExports != nil {
		if err := t.onOpenExports(); err != nil {
			t.logger.Error("failed to open exports folder", "error", err)
		}
	}
}

func (t *Tray) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	exports, err := t.repo.ListExports(ctx, 20)
	if err != nil {
		t.logger.Debug("tray refresh failed", "error", err)
		return
	}

	queued := 0
	for _, e := range exports {
		if e.Status == library.StatusQueued {
			queued++
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.statusItem.SetTitle(statusLine(t.queue.IsPaused(), t.queue.ActiveCount(), queued))
	if len(exports) > 0 {
		t.lastItem.SetTitle(lastExportLine(exports[0]))
	}
}

func (t *Tray) Quit() {
	systray.Quit()
}

func statusLine(paused bool, active, queued int) string {
	switch {
	case paused && queued > 0:
		return fmt.Sprintf("Status: Paused (%d queued)", queued)
	case paused:
		return "Status: Paused"
	case active > 0 && queued > 0:
		return fmt.Sprintf("Status: Rendering %d (%d queued)", active, queued)
	case active > 0:
		return fmt.Sprintf("Status: Rendering %d", active)
	default:
		return "Status: Idle"
	}
}

func lastExportLine(e *library.Export) string {
	name := e.ProjectName
	if name == "" {
		name = e.ProjectID
	}
	switch e.Status {
	case library.StatusRunning:
		return fmt.Sprintf("%s: %.0f%%", name, e.Progress)
	default:
		return fmt.Sprintf("%s: %s", name, e.Status)
	}
}
