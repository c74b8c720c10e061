package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/heimdex/heimdex-render/internal/encoder"
)

func newStagingCommand(ctx *commandContext) *cobra.Command {
	stagingCmd := &cobra.Command{
		Use:   "staging",
		Short: "Manage export run workspaces",
	}

	stagingCmd.AddCommand(newStagingListCommand(ctx))
	stagingCmd.AddCommand(newStagingCleanCommand(ctx))

	return stagingCmd
}

func newStagingListCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List run workspaces in the staging directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			stagingDir := cfg.StagingDir()
			dirs, err := encoder.ListDirectories(stagingDir)
			if err != nil {
				return fmt.Errorf("list staging directories: %w", err)
			}

			var totalSize int64
			for _, dir := range dirs {
				totalSize += dir.Size
			}

			if jsonOutput {
				if dirs == nil {
					dirs = []encoder.DirInfo{}
				}
				return writeJSON(cmd, map[string]any{
					"staging_dir":      stagingDir,
					"directories":      dirs,
					"total_size_bytes": totalSize,
				})
			}

			out := cmd.OutOrStdout()
			if len(dirs) == 0 {
				fmt.Fprintln(out, "No run workspaces found")
				return nil
			}

			fmt.Fprintf(out, "Staging directory: %s\n\n", stagingDir)
			rows := make([][]string, 0, len(dirs))
			for _, dir := range dirs {
				state := "idle"
				if dir.Locked {
					state = "in use"
				}
				rows = append(rows, []string{
					dir.Name,
					formatAge(time.Since(dir.ModTime)),
					humanize.Bytes(uint64(dir.Size)),
					state,
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Workspace", "Age", "Size", "State"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft},
			))
			fmt.Fprintf(out, "\nTotal: %d workspaces, %s\n", len(dirs), humanize.Bytes(uint64(totalSize)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print workspaces as JSON")
	return cmd
}

func newStagingCleanCommand(ctx *commandContext) *cobra.Command {
	var (
		maxAge     time.Duration
		all        bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove stale run workspaces",
		Long: `Remove run workspaces left behind by interrupted exports.

Workspaces older than --max-age (default: the configured stale age) are
removed unless a running export still holds them. Use --all to ignore age;
workspaces in use are still kept.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			age := cfg.StaleMaxAge()
			if cmd.Flags().Changed("max-age") {
				age = maxAge
			}
			if all {
				age = 0
			}
			if age < 0 {
				return fmt.Errorf("--max-age must not be negative")
			}

			result := encoder.CleanStale(cmd.Context(), cfg.StagingDir(), age, ctx.consoleLogger())
			if jsonOutput {
				errs := make([]string, 0, len(result.Errors))
				for _, e := range result.Errors {
					errs = append(errs, fmt.Sprintf("%s: %v", e.Path, e.Error))
				}
				return writeJSON(cmd, map[string]any{
					"removed": len(result.Removed),
					"skipped": len(result.Skipped),
					"errors":  errs,
				})
			}
			printStagingCleanResult(cmd, result)
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "Only remove workspaces older than this")
	cmd.Flags().BoolVar(&all, "all", false, "Remove every workspace not in use")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the result as JSON")
	return cmd
}

func printStagingCleanResult(cmd *cobra.Command, result encoder.CleanStaleResult) {
	out := cmd.OutOrStdout()
	if len(result.Removed) == 0 && len(result.Errors) == 0 {
		fmt.Fprintln(out, "No stale workspaces to clean")
	} else {
		fmt.Fprintf(out, "Removed %d workspaces", len(result.Removed))
		if len(result.Errors) > 0 {
			fmt.Fprintf(out, ", %d errors", len(result.Errors))
		}
		fmt.Fprintln(out)
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  Error: %s: %v\n", filepath.Base(e.Path), e.Error)
		}
	}
	if len(result.Skipped) > 0 {
		fmt.Fprintf(out, "Kept %d workspaces still in use\n", len(result.Skipped))
	}
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
