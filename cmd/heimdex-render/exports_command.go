package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/heimdex/heimdex-render/internal/library"
)

func newExportsCommand(ctx *commandContext) *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "exports",
		Short: "Inspect the export library",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			return ctx.withLibrary(func(repo library.Repository) error {
				exports, err := repo.ListExports(cmd.Context(), limit)
				if err != nil {
					return fmt.Errorf("list exports: %w", err)
				}
				if jsonOutput {
					if exports == nil {
						exports = []*library.Export{}
					}
					return writeJSON(cmd, exports)
				}

				out := cmd.OutOrStdout()
				if len(exports) == 0 {
					fmt.Fprintln(out, "No exports yet")
					return nil
				}
				rows := make([][]string, 0, len(exports))
				for _, e := range exports {
					rows = append(rows, exportRow(e))
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "Project", "Format", "Destination", "Status", "Progress", "Size", "Created"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of exports to list")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print exports as JSON")

	cmd.AddCommand(newExportsShowCommand(ctx))
	cmd.AddCommand(newExportsRemoveCommand(ctx))
	return cmd
}

func newExportsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one export as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLibrary(func(repo library.Repository) error {
				e, err := repo.GetExport(cmd.Context(), args[0])
				if errors.Is(err, library.ErrNotFound) {
					return fmt.Errorf("export %s not found", args[0])
				}
				if err != nil {
					return err
				}
				return writeJSON(cmd, e)
			})
		},
	}
}

func newExportsRemoveCommand(ctx *commandContext) *cobra.Command {
	var keepFile bool

	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a finished export and its kept artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLibrary(func(repo library.Repository) error {
				e, err := repo.GetExport(cmd.Context(), args[0])
				if errors.Is(err, library.ErrNotFound) {
					return fmt.Errorf("export %s not found", args[0])
				}
				if err != nil {
					return err
				}
				if !e.Terminal() {
					return fmt.Errorf("export %s is %s; cancel it first", e.ID, e.Status)
				}
				if e.HasArtifact() && !keepFile {
					if err := os.Remove(e.ArtifactPath); err != nil && !errors.Is(err, os.ErrNotExist) {
						return fmt.Errorf("remove artifact: %w", err)
					}
				}
				if err := repo.DeleteExport(cmd.Context(), e.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed export %s\n", e.ID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&keepFile, "keep-file", false, "Keep the artifact file on disk")
	return cmd
}

func exportRow(e *library.Export) []string {
	project := e.ProjectName
	if project == "" {
		project = e.ProjectID
	}
	size := "-"
	if e.ArtifactSize > 0 {
		size = humanize.Bytes(uint64(e.ArtifactSize))
	}
	return []string{
		shortID(e.ID),
		project,
		string(e.Format),
		strings.TrimSuffix(strings.TrimSuffix(string(e.Destination), "-download"), "-upload"),
		e.Status,
		fmt.Sprintf("%.0f%%", e.Progress),
		size,
		humanize.Time(e.CreatedAt),
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
