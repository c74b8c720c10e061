package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/heimdex/heimdex-render/internal/audio"
	"github.com/heimdex/heimdex-render/internal/config"
	"github.com/heimdex/heimdex-render/internal/encoder"
	"github.com/heimdex/heimdex-render/internal/export"
	"github.com/heimdex/heimdex-render/internal/ffmpeg"
	"github.com/heimdex/heimdex-render/internal/media"
	"github.com/heimdex/heimdex-render/internal/notify"
	"github.com/heimdex/heimdex-render/internal/sink"
)

// renderStack is everything an export run needs, shared by the server and
// the one-shot export command.
type renderStack struct {
	exporter *export.Exporter
	pool     *encoder.Pool
	ffmpeg   *ffmpeg.Runner
	doctor   *ffmpeg.CachedDoctor
	library  *sink.DirSink
}

type stackOptions struct {
	// AssetDir resolves relative asset references.
	AssetDir string
	// LocalDir overrides where "local" exports are written.
	LocalDir string
	Summary  export.SummaryNotifier
}

func buildRenderStack(cfg config.Config, opts stackOptions, logger *slog.Logger) (*renderStack, error) {
	st := &renderStack{}

	ffCfg := ffmpeg.DefaultConfig(logger)
	ffCfg.FFmpegPath = cfg.FFmpegPath()
	ffCfg.FFprobePath = cfg.FFprobePath()

	mediaCfg := media.Config{BaseDir: opts.AssetDir, Logger: logger}
	var cmdRunner encoder.CommandRunner
	var decoder audio.Decoder

	runner, err := ffmpeg.NewRunner(ffCfg)
	if err != nil {
		logger.Warn("ffmpeg unavailable, only snapshot exports will succeed", "error", err)
	} else {
		st.ffmpeg = runner
		st.doctor = ffmpeg.NewCachedDoctor(runner, logger)
		mediaCfg.Frames = runner
		mediaCfg.Prober = runner
		cmdRunner = runner
		decoder = runner
	}

	pool, err := encoder.NewDirPool(cfg.StagingDir(), cmdRunner, cfg.MaxConcurrentRuns(), logger)
	if err != nil {
		return nil, err
	}
	st.pool = pool

	provider := media.NewFileProvider(mediaCfg)
	mixer := audio.NewEngine(audio.Config{
		SampleRate: cfg.SampleRate(),
		Resolver:   provider,
		Decoder:    decoder,
		Logger:     logger,
	})

	sinks, library, err := buildSinks(cfg, opts.LocalDir, logger)
	if err != nil {
		return nil, err
	}
	st.library = library

	summary := opts.Summary
	if summary == nil {
		summary = notify.NewSummary(cfg.Ntfy(), logger)
	}

	st.exporter = export.NewExporter(export.Deps{
		Pool:     pool,
		Provider: provider,
		Mixer:    mixer,
		Sinks:    sinks,
		Summary:  summary,
		Logger:   logger,
	})
	return st, nil
}

// buildSinks maps every destination to its sink. The remote destination is
// S3-compatible storage when configured, else the Heimdex cloud API.
func buildSinks(cfg config.Config, localDir string, logger *slog.Logger) (map[export.Destination]export.Sink, *sink.DirSink, error) {
	if localDir == "" {
		localDir = filepath.Join(cfg.ExportsDir(), "downloads")
	}
	library := sink.NewDirSink(filepath.Join(cfg.ExportsDir(), "library"), logger)
	shared := sink.NewDirSink(filepath.Join(cfg.ExportsDir(), "shared"), logger)

	sinks := map[export.Destination]export.Sink{
		export.DestinationLocal:   sink.NewDirSink(localDir, logger),
		export.DestinationLibrary: library,
		export.DestinationShare:   sink.NewShareSink(shared, cfg.ShareBaseURL()),
	}

	switch {
	case cfg.S3().Enabled():
		s3, err := sink.NewS3Sink(cfg.S3(), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("configure s3 sink: %w", err)
		}
		sinks[export.DestinationRemote] = s3
	case cfg.Cloud().Enabled():
		c := cfg.Cloud()
		sinks[export.DestinationRemote] = sink.NewCloudSink(c.BaseURL, c.Token, c.OrgID, logger)
	default:
		logger.Debug("no remote destination configured")
	}

	return sinks, library, nil
}
