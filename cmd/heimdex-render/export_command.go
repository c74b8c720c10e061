package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/heimdex/heimdex-render/internal/export"
	"github.com/heimdex/heimdex-render/internal/timeline"
)

func newExportCommand(ctx *commandContext) *cobra.Command {
	var (
		format      string
		destination string
		resolution  string
		quality     string
		fps         float64
		outDir      string
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "export <project.json>",
		Short: "Render a project file once, without the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			projectPath, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			project, err := timeline.LoadFile(projectPath)
			if err != nil {
				return fmt.Errorf("load project: %w", err)
			}
			if project.ID == "" {
				project.ID = strings.TrimSuffix(filepath.Base(projectPath), filepath.Ext(projectPath))
			}

			if outDir != "" {
				if outDir, err = filepath.Abs(outDir); err != nil {
					return err
				}
			}
			if fps == 0 {
				fps = cfg.DefaultFPS()
			}
			exportCfg := export.Config{
				Format:      export.Format(format),
				Destination: export.Destination(destination),
				Resolution:  export.Resolution(resolution),
				Quality:     export.Quality(quality),
				FPS:         fps,
			}

			logger := ctx.consoleLogger()
			stack, err := buildRenderStack(cfg, stackOptions{
				AssetDir: filepath.Dir(projectPath),
				LocalDir: outDir,
			}, logger)
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			bar := newProgressPrinter(cmd.ErrOrStderr(), isTerminal(cmd.ErrOrStderr()) && !jsonOutput)
			session := stack.exporter.NewSession(uuid.NewString(), export.NotifierFunc(bar.update))
			res, runErr := session.Start(runCtx, project, exportCfg)
			bar.finish()

			if jsonOutput && res != nil {
				if err := writeJSON(cmd, exportResultJSON(res)); err != nil {
					return err
				}
			} else if res != nil {
				printExportResult(cmd.OutOrStdout(), res)
			}

			if runErr != nil {
				if runCtx.Err() != nil {
					return context.Canceled
				}
				return runErr
			}
			if res.Status == export.StatusPartial {
				return fmt.Errorf("export rendered but was not delivered to %s", exportCfg.Destination)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", string(export.FormatVideo), "Output format: video, image-sequence or snapshot")
	cmd.Flags().StringVarP(&destination, "destination", "d", string(export.DestinationLocal), "Where the artifact goes: local-download, library-save, remote-upload or share-target")
	cmd.Flags().StringVarP(&resolution, "resolution", "r", "", "Output resolution tier (default 1080p)")
	cmd.Flags().StringVarP(&quality, "quality", "q", "", "Encoder quality tier (default high)")
	cmd.Flags().Float64Var(&fps, "fps", 0, "Frame rate (default from configuration)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Directory for local-download exports")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the result as JSON")

	return cmd
}

// progressPrinter renders session progress as a redrawn bar on terminals
// and as one line per state change elsewhere.
type progressPrinter struct {
	out       io.Writer
	tty       bool
	lastState string
	drawn     bool
}

func newProgressPrinter(out io.Writer, tty bool) *progressPrinter {
	return &progressPrinter{out: out, tty: tty}
}

const progressBarWidth = 30

func (p *progressPrinter) update(pr export.Progress) {
	if !p.tty {
		if pr.State != p.lastState {
			fmt.Fprintf(p.out, "[%5.1f%%] %s\n", pr.Percentage, pr.Message)
			p.lastState = pr.State
		}
		return
	}
	filled := int(pr.Percentage / 100 * progressBarWidth)
	filled = max(0, min(progressBarWidth, filled))
	bar := strings.Repeat("█", filled) + strings.Repeat("░", progressBarWidth-filled)
	msg := pr.Message
	if len(msg) > 48 {
		msg = msg[:45] + "..."
	}
	fmt.Fprintf(p.out, "\r\033[K%s %5.1f%%  %s", bar, pr.Percentage, msg)
	p.drawn = true
}

func (p *progressPrinter) finish() {
	if p.tty && p.drawn {
		fmt.Fprintln(p.out)
	}
}

func printExportResult(out io.Writer, res *export.Result) {
	switch res.Status {
	case export.StatusSucceeded:
		fmt.Fprintf(out, "Exported %s (%s) in %s\n",
			res.Artifact.Name, humanize.Bytes(uint64(res.Artifact.Size())), res.Elapsed.Round(time.Millisecond))
		fmt.Fprintf(out, "Location: %s\n", res.Delivery.Location)
	case export.StatusPartial:
		fmt.Fprintf(out, "Rendered %s (%s) but delivery failed\n",
			res.Artifact.Name, humanize.Bytes(uint64(res.Artifact.Size())))
	default:
		fmt.Fprintf(out, "Export failed after %s\n", res.Elapsed.Round(time.Millisecond))
	}
	for _, w := range res.WarningMessages() {
		fmt.Fprintf(out, "  Warning: %s\n", w)
	}
}

func exportResultJSON(res *export.Result) map[string]any {
	out := map[string]any{
		"export_id":  res.ExportID,
		"project_id": res.ProjectID,
		"status":     string(res.Status),
		"format":     string(res.Config.Format),
		"elapsed_ms": res.Elapsed.Milliseconds(),
		"warnings":   res.WarningMessages(),
	}
	if res.Artifact != nil {
		out["artifact"] = res.Artifact.Name
		out["size_bytes"] = res.Artifact.Size()
	}
	if res.Delivery != nil {
		out["location"] = res.Delivery.Location
		if res.Delivery.ShareToken != "" {
			out["share_token"] = res.Delivery.ShareToken
		}
	}
	if res.Err != nil {
		out["error"] = res.Err.Error()
	}
	return out
}
