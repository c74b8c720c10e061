package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/heimdex/heimdex-render/internal/api"
	"github.com/heimdex/heimdex-render/internal/config"
	"github.com/heimdex/heimdex-render/internal/db"
	"github.com/heimdex/heimdex-render/internal/encoder"
	"github.com/heimdex/heimdex-render/internal/library"
	"github.com/heimdex/heimdex-render/internal/logging"
	"github.com/heimdex/heimdex-render/internal/notify"
	"github.com/heimdex/heimdex-render/internal/playback"
	"github.com/heimdex/heimdex-render/internal/timeline"
	"github.com/heimdex/heimdex-render/internal/ui"
	"github.com/heimdex/heimdex-render/internal/watcher"
)

const instanceLockName = "heimdex-render.lock"

func newServeCommand(ctx *commandContext) *cobra.Command {
	var headless bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the render agent: HTTP API, export queue and tray icon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return serve(cfg, headless || cfg.Headless())
		},
	}
	cmd.Flags().BoolVar(&headless, "headless", false, "Do not show the system tray icon")
	return cmd
}

func serve(cfg config.Config, headless bool) error {
	startTime := time.Now()

	logger, logCloser, err := logging.NewFileLogger(cfg.LogLevel(), cfg.LogFile())
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logCloser.Close()
	logger.Info("starting heimdex render", "version", config.Version, "commit", config.GitCommit, "data_dir", cfg.DataDir())

	lock := flock.New(filepath.Join(cfg.DataDir(), instanceLockName))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another heimdex-render server is already using %s", cfg.DataDir())
	}
	defer lock.Unlock()

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	if n, err := database.MarkInterruptedExports(context.Background()); err != nil {
		logger.Warn("failed to mark interrupted exports", "error", err)
	} else if n > 0 {
		logger.Info("marked interrupted exports as failed", "count", n)
	}

	authToken, err := ensureAuthToken(database)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Printf("║  HEIMDEX RENDER %-41s ║\n", config.Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-28d ║\n", cfg.Port())
	fmt.Printf("║  Auth Token: %-45s ║\n", authToken)
	fmt.Printf("║  Projects:   %-45s ║\n", logging.SanitizePath(cfg.ProjectsDir()))
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	sweep := encoder.CleanStale(context.Background(), cfg.StagingDir(), cfg.StaleMaxAge(), logger)
	if len(sweep.Removed) > 0 || len(sweep.Errors) > 0 {
		logger.Info("staging sweep finished", "removed", len(sweep.Removed), "errors", len(sweep.Errors))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stack, err := buildRenderStack(cfg, stackOptions{AssetDir: cfg.ProjectsDir()}, logger)
	if err != nil {
		return err
	}
	if stack.doctor != nil {
		probeCtx, probeCancel := context.WithTimeout(ctx, 30*time.Second)
		if caps, err := stack.doctor.Refresh(probeCtx); err != nil {
			logger.Warn("initial ffmpeg probe failed", "error", err)
		} else if !caps.CanEncodeVideo() {
			logger.Warn("ffmpeg lacks libx264, video exports will fail", "version", caps.FFmpegVersion)
		}
		probeCancel()
	}

	projects := timeline.NewDirStore(cfg.ProjectsDir(), logging.WithComponent(logger, "projects"))
	projectWatcher := watcher.NewFSWatcher(".json", logging.WithComponent(logger, "watcher"))
	projectWatcher.OnChange(func(path string, event watcher.EventType) {
		projects.Invalidate(path)
	})
	if err := projectWatcher.Watch(ctx, cfg.ProjectsDir()); err != nil {
		logger.Warn("project watcher unavailable, edits need a restart to be seen", "error", err)
	}
	defer projectWatcher.Stop()

	repo := library.NewRepository(database.Conn())
	hub := notify.NewHub(notify.DefaultBuffer, logger)

	runner := library.NewRunner(library.RunnerConfig{
		Repo:        repo,
		Exporter:    stack.exporter,
		Projects:    projects,
		Publisher:   hub,
		Fallback:    stack.library,
		Logger:      logging.WithComponent(logger, "runner"),
		Concurrency: cfg.MaxConcurrentRuns(),
	})
	runnerDone := make(chan struct{})
	go func() {
		runner.Start(ctx)
		close(runnerDone)
	}()

	apiServer := api.NewServer(api.ServerConfig{
		Port:           cfg.Port(),
		Config:         database,
		Repository:     repo,
		Queue:          runner,
		Hub:            hub,
		Projects:       projects,
		PlaybackServer: playback.NewServer(logger),
		Doctor:         stack.doctor,
		ShareBaseURL:   cfg.ShareBaseURL(),
		DefaultFPS:     cfg.DefaultFPS(),
		Version:        config.Version,
		Logger:         logging.WithComponent(logger, "api"),
		StartTime:      startTime,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	quitCh := make(chan struct{})
	quit := func() {
		select {
		case <-quitCh:
		default:
			close(quitCh)
		}
	}

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			quit()
		case <-quitCh:
		}
	}()

	if headless {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray := ui.NewTray(ui.TrayConfig{
			Repository: repo,
			Queue:      runner,
			Logger:     logging.WithComponent(logger, "tray"),
			OnOpenExports: func() error {
				return openFolder(cfg.ExportsDir())
			},
			OnQuit: quit,
		})
		go tray.Run()
	}

	<-quitCh

	logger.Info("initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	cancel()
	select {
	case <-runnerDone:
	case <-shutdownCtx.Done():
		logger.Warn("export runs did not stop in time")
	}

	logger.Info("shutdown complete")
	return nil
}

func ensureAuthToken(database *db.DB) (string, error) {
	ctx := context.Background()

	existing, err := database.GetConfig(ctx, api.AuthTokenKey)
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := database.SetConfig(ctx, api.AuthTokenKey, token); err != nil {
		return "", err
	}

	return token, nil
}

func openFolder(dir string) error {
	var name string
	switch runtime.GOOS {
	case "darwin":
		name = "open"
	case "windows":
		name = "explorer"
	case "linux", "freebsd", "openbsd":
		name = "xdg-open"
	default:
		return errors.New("opening folders is not supported on " + runtime.GOOS)
	}
	return exec.Command(name, dir).Start()
}
