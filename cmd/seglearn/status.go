// cmd/seglearn/status.go
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/lumix-ai/seglearn/internal/config"
	"github.com/lumix-ai/seglearn/internal/ledger"
	"github.com/lumix-ai/seglearn/internal/state"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show trained tasks per fold and recorded runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return printStatus(cmd.Context(), os.Stdout, cfg)
	},
}

func printStatus(ctx context.Context, w io.Writer, cfg *config.Config) error {
	path := filepath.Join(cfg.Training.OutputDir, state.FileName(cfg.Continual.Extension))
	st, err := state.Open(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Training state: %s\n", path)

	folds := tablewriter.NewWriter(w)
	folds.SetHeader([]string{"Fold", "Finished", "Alpha", "Scales", "POD Lambda", "EWC Lambda", "Batch", "Importance"})
	for _, key := range st.Folds() {
		f, err := st.Lookup(key)
		if err != nil {
			return err
		}
		artifacts := "-"
		if fisherAt, _, ok := f.Artifacts(); ok {
			artifacts = filepath.Dir(fisherAt)
		}
		folds.Append([]string{
			key,
			strings.Join(f.Finished(), ", "),
			fmt.Sprint(f.UsedAlpha),
			fmt.Sprint(f.UsedScales),
			fmt.Sprint(f.UsedPODLambda),
			fmt.Sprint(f.UsedEWCLambda),
			fmt.Sprint(f.UsedBatchSize),
			artifacts,
		})
	}
	folds.Render()

	if cfg.Ledger.Path == "" {
		return nil
	}
	l, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return err
	}
	defer l.Close()
	runs, err := l.Runs(ctx, "")
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Run", "Fold", "Task", "Strategy", "Heads", "Status", "Started", "Best Dice"})
	for _, r := range runs {
		table.Append([]string{
			shortID(r.ID),
			r.Fold,
			r.Task,
			r.Strategy,
			fmt.Sprint(r.Heads),
			string(r.Status),
			r.StartedAt.Format("2006-01-02 15:04"),
			fmt.Sprintf("%.4f", r.BestDice),
		})
	}
	table.Render()
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
