package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"

	"github.com/heimdex/heimdex-render/internal/config"
	"github.com/heimdex/heimdex-render/internal/db"
	"github.com/heimdex/heimdex-render/internal/library"
)

type commandContext struct {
	configFlag  *string
	envFileFlag *string

	configOnce sync.Once
	config     config.Config
	configErr  error
}

func newCommandContext(configFlag, envFileFlag *string) *commandContext {
	return &commandContext{
		configFlag:  configFlag,
		envFileFlag: envFileFlag,
	}
}

func (c *commandContext) ensureConfig() (config.Config, error) {
	c.configOnce.Do(func() {
		opts := config.Options{
			ConfigFile: os.Getenv(config.EnvConfigFile),
			EnvFile:    config.DefaultEnvFile,
		}
		if c.configFlag != nil && strings.TrimSpace(*c.configFlag) != "" {
			opts.ConfigFile = strings.TrimSpace(*c.configFlag)
		}
		if c.envFileFlag != nil {
			opts.EnvFile = strings.TrimSpace(*c.envFileFlag)
		}
		cfg, err := config.Load(opts)
		if err != nil {
			c.configErr = fmt.Errorf("load config: %w", err)
			return
		}
		for _, dir := range []string{cfg.DataDir(), cfg.StagingDir(), cfg.ProjectsDir(), cfg.ExportsDir()} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				c.configErr = fmt.Errorf("create %s: %w", dir, err)
				return
			}
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// consoleLogger is used by one-shot commands; it only surfaces warnings so
// command output stays readable.
func (c *commandContext) consoleLogger() *slog.Logger {
	level := slog.LevelWarn
	if cfg, err := c.ensureConfig(); err == nil && cfg.LogLevel() == "debug" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// withLibrary opens the export library for the duration of fn.
func (c *commandContext) withLibrary(fn func(library.Repository) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	database, err := db.New(cfg.DBPath(), c.consoleLogger())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	return fn(library.NewRepository(database.Conn()))
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
