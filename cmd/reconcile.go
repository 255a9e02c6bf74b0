package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/doctadg/perpstrader-sub009/internal/app"
	"github.com/doctadg/perpstrader-sub009/internal/reconcile"
	"github.com/doctadg/perpstrader-sub009/internal/snapshot"
	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

//nolint:gochecknoglobals // Cobra boilerplate
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare local position state against venue truth",
	Long: `Run a one-shot reconciliation between the last exported state
snapshot (the local baseline) and live venue positions, and print the
discrepancy report. Without a snapshot the baseline is empty and every
venue position reports as missing locally.

With --apply the recommended adjustments are applied to local state
instead of only being surfaced.

Examples:
  # Report drift against the last snapshot in $SNAPSHOT_DIR
  perpstrader reconcile

  # Adopt venue truth into local state
  perpstrader reconcile --apply`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().Bool("apply", false, "Apply recommended adjustments to local state")
	reconcileCmd.Flags().StringP("dir", "d", "", "Snapshot directory (defaults to SNAPSHOT_DIR)")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	apply, _ := cmd.Flags().GetBool("apply")
	dir, _ := cmd.Flags().GetString("dir")

	cfg, err := loadCLIConfig()
	if err != nil {
		return err
	}
	cfg.ReconcileAutoApply = apply
	if dir == "" {
		dir = cfg.SnapshotDir
	}

	logger, err := newCLILogger(cfg)
	if err != nil {
		return err
	}
	defer syncLogger(logger)()

	application, err := app.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}
	defer func() { _ = application.Shutdown() }()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	err = application.Venue().Initialize(ctx)
	if err != nil {
		return fmt.Errorf("initialize venue client: %w", err)
	}

	baseline, source := loadBaseline(dir)
	application.State().ReplacePositions(baseline)
	fmt.Printf("Baseline: %s (%d positions)\n", source, len(baseline))

	report, err := application.Reconciler().Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	displayReconcileReport(report)

	return nil
}

// loadBaseline reads the newest exported snapshot under dir. A missing
// or unreadable snapshot yields an empty baseline.
func loadBaseline(dir string) ([]*types.Position, string) {
	if dir == "" {
		return nil, "none"
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, "none"
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "snapshot-") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, "none"
	}
	// Timestamped names sort chronologically.
	sort.Strings(names)
	newest := names[len(names)-1]

	raw, err := os.ReadFile(filepath.Join(dir, newest))
	if err != nil {
		return nil, "none"
	}

	var snap snapshot.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, "none"
	}

	positions := make([]*types.Position, 0, len(snap.Positions))
	for i := range snap.Positions {
		positions = append(positions, &snap.Positions[i])
	}

	return positions, newest
}

func displayReconcileReport(report *reconcile.Report) {
	fmt.Println("\n========================================")
	fmt.Println("Reconciliation Report")
	fmt.Println("========================================")
	fmt.Printf("Checked At:       %s\n", report.CheckedAt.Format(time.RFC3339))
	fmt.Printf("Matched:          %d\n", report.Matched)
	fmt.Printf("Discrepancies:    %d\n", len(report.Discrepancies))

	if report.Clean() {
		fmt.Println("\nLocal state agrees with the venue.")
		return
	}

	fmt.Printf("\n%-18s %-8s %12s %12s %12s\n",
		"Type", "Symbol", "Local", "Venue", "Diff")
	fmt.Println("----------------------------------------------------------------")
	for _, d := range report.Discrepancies {
		fmt.Printf("%-18s %-8s %12.5f %12.5f %12.5f\n",
			d.Type, d.Symbol, d.LocalQty, d.VenueQty, d.Difference)
	}

	applied := 0
	for _, adj := range report.Adjustments {
		if adj.Applied {
			applied++
		}
	}
	fmt.Printf("\nAdjustments:      %d (%d applied)\n", len(report.Adjustments), applied)
}
