package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/shopsync/internal/core/config"
	"github.com/vietddude/shopsync/internal/infra/store/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-collection document counts and feed positions",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	rows, err := db.QueryContext(ctx, `
		SELECT collection,
		       count(*) FILTER (WHERE NOT deleted) AS live,
		       count(*) FILTER (WHERE deleted) AS tombstones,
		       coalesce(max(version), 0) AS version
		  FROM documents
		 GROUP BY collection
		 ORDER BY collection`)
	if err != nil {
		slog.Error("Failed to query documents", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = rows.Close()
	}()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "COLLECTION\tLIVE\tTOMBSTONES\tVERSION")

	for rows.Next() {
		var collection string
		var live, tombstones, version int64
		if err := rows.Scan(&collection, &live, &tombstones, &version); err != nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", collection, live, tombstones, version)
	}
	_ = w.Flush()
}
