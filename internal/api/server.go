package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/heimdex/heimdex-render/internal/export"
	"github.com/heimdex/heimdex-render/internal/ffmpeg"
	"github.com/heimdex/heimdex-render/internal/library"
	"github.com/heimdex/heimdex-render/internal/notify"
	"github.com/heimdex/heimdex-render/internal/playback"
	"github.com/heimdex/heimdex-render/internal/timeline"
)

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// ExportQueue is the part of the background runner the API drives.
type ExportQueue interface {
	Enqueue(ctx context.Context, projectID string, cfg export.Config) (*library.Export, error)
	Cancel(ctx context.Context, id string) error
	Pause()
	Resume()
	IsPaused() bool
	ActiveCount() int
}

// ServerConfig wires the API to the rest of the agent. DefaultFPS applies
// to export requests that leave fps unset; ShareBaseURL prefixes share links.
type ServerConfig struct {
	Port           int
	Config         ConfigStore
	Repository     library.Repository
	Queue          ExportQueue
	Hub            *notify.Hub
	Projects       timeline.Store
	PlaybackServer playback.PlaybackService
	Doctor         *ffmpeg.CachedDoctor
	ShareBaseURL   string
	DefaultFPS     float64
	Version        string
	Logger         *slog.Logger
	StartTime      time.Time
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
