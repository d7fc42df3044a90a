package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"github.com/xuri/excelize/v2"

	"github.com/kalambet/sensorgate/internal/cleanup"
	"github.com/kalambet/sensorgate/internal/config"
	"github.com/kalambet/sensorgate/internal/logging"
	"github.com/kalambet/sensorgate/internal/storage"
)

// These commands open the database file directly so they keep working when
// the service is down, e.g. from a systemd timer.

func openStore() (config.Config, *storage.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("opening storage: %w", err)
	}
	return cfg, store, nil
}

// --- cleanup ---

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete uploaded readings older than the retention period",
	Long: `Delete readings that were uploaded more than --days days ago. Pending
readings are never deleted. Safe to run from cron or a systemd timer while the
service is running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		showStats, _ := cmd.Flags().GetBool("stats")
		if days < 0 {
			return fmt.Errorf("--days must not be negative")
		}

		cfg, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		logger, sync, err := logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return err
		}
		defer sync()

		c := cleanup.New(store, cleanup.Options{
			RetentionDays:  cfg.Cleanup.RetentionDays,
			AttemptLogDays: cfg.Cleanup.AttemptLogDays,
			Logger:         logger,
		})
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
		defer cancel()

		if showStats {
			st, err := c.Stats(ctx)
			if err != nil {
				return err
			}
			printStatus("Pending", "%d", st.Pending)
			printStatus("Uploaded", "%d", st.Uploaded)
		}

		res, err := c.RunOnce(ctx, days, dryRun)
		if err != nil {
			return err
		}
		writeCleanupResult(cmd.OutOrStdout(), res)
		return nil
	},
}

func writeCleanupResult(w io.Writer, res cleanup.Result) {
	verb := "Deleted"
	if res.DryRun {
		verb = "Would delete"
	}
	fmt.Fprintf(w, "%s %d readings uploaded before %s (retention %d days)\n",
		verb, res.Deleted, res.Cutoff.Local().Format(time.DateTime), res.RetentionDays)
	if res.Oldest != nil && res.Newest != nil {
		fmt.Fprintf(w, "  uploaded between %s and %s\n",
			res.Oldest.Local().Format(time.DateTime), res.Newest.Local().Format(time.DateTime))
	}
	if res.AttemptsPruned > 0 {
		fmt.Fprintf(w, "  pruned %d upload log entries\n", res.AttemptsPruned)
	}
}

func init() {
	cleanupCmd.Flags().Int("days", 0, "retention in days (default: cleanup.retention_days)")
	cleanupCmd.Flags().Bool("dry-run", false, "only count what would be deleted")
	cleanupCmd.Flags().Bool("stats", false, "print pending and uploaded counts first")
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export readings to an .xlsx spreadsheet",
	Long: `Export stored readings to a spreadsheet with one sheet per device type.

Examples:
  sensorgate export --out readings.xlsx
  sensorgate export --out backlog.xlsx --pending-only
  sensorgate export --out today.xlsx --since 24h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		pendingOnly, _ := cmd.Flags().GetBool("pending-only")
		since, _ := cmd.Flags().GetDuration("since")
		if out == "" {
			return fmt.Errorf("--out is required")
		}

		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		q := storage.ReadingQuery{PendingOnly: pendingOnly}
		if since > 0 {
			q.Since = time.Now().Add(-since)
		}
		rows, err := store.ListReadings(cmd.Context(), q)
		if err != nil {
			return err
		}
		if err := exportReadings(out, rows); err != nil {
			return err
		}
		printSuccess("Exported %d readings to %s", len(rows), out)
		return nil
	},
}

// exportReadings writes one sheet per device type. Columns are the fixed
// reading attributes followed by the union of payload keys, sorted.
func exportReadings(path string, rows []storage.Reading) error {
	byType := make(map[string][]storage.Reading)
	var types []string
	for _, r := range rows {
		if _, ok := byType[r.DeviceType]; !ok {
			types = append(types, r.DeviceType)
		}
		byType[r.DeviceType] = append(byType[r.DeviceType], r)
	}
	slices.Sort(types)

	f := excelize.NewFile()
	defer f.Close()

	if len(types) == 0 {
		types = []string{"readings"}
	}
	for i, typ := range types {
		if i == 0 {
			if err := f.SetSheetName("Sheet1", typ); err != nil {
				return fmt.Errorf("naming sheet %s: %w", typ, err)
			}
		} else if _, err := f.NewSheet(typ); err != nil {
			return fmt.Errorf("creating sheet %s: %w", typ, err)
		}
		if err := writeSheet(f, typ, byType[typ]); err != nil {
			return err
		}
	}
	return f.SaveAs(path)
}

func writeSheet(f *excelize.File, sheet string, rows []storage.Reading) error {
	keySet := make(map[string]bool)
	for _, r := range rows {
		for _, k := range r.Payload.Keys() {
			keySet[k] = true
		}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	header := []any{"id", "device", "created_at", "quality", "error_code", "uploaded", "uploaded_at"}
	for _, k := range keys {
		header = append(header, k)
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("writing header of %s: %w", sheet, err)
	}

	for i, r := range rows {
		uploadedAt := ""
		if r.UploadedAt != nil {
			uploadedAt = r.UploadedAt.UTC().Format(time.RFC3339)
		}
		row := []any{r.ID, r.ExternalID, r.CreatedAt.UTC().Format(time.RFC3339), r.Quality, r.ErrorCode, r.Uploaded, uploadedAt}
		for _, k := range keys {
			if v, ok := r.Payload[k]; ok {
				row = append(row, v.Any())
			} else {
				row = append(row, nil)
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("writing row %d of %s: %w", i+2, sheet, err)
		}
	}
	return nil
}

func init() {
	exportCmd.Flags().String("out", "", "output .xlsx path")
	exportCmd.Flags().Bool("pending-only", false, "only readings not yet uploaded")
	exportCmd.Flags().Duration("since", 0, "only readings newer than this, e.g. 24h")
}

// --- migrate ---

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema and print its version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		v, err := store.SchemaVersion(cmd.Context())
		if err != nil {
			return err
		}
		printSuccess("Database %s at schema version %d", filepath.Join(cfg.Storage.DataDir, storage.DBFileName), v)
		return nil
	},
}
