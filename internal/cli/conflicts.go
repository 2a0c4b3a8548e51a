package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/shopsync/internal/core/config"
	"github.com/vietddude/shopsync/internal/core/domain"
)

var ackConflictID string

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List or acknowledge queued conflicts on a running instance",
	Run:   runConflicts,
}

func init() {
	conflictsCmd.Flags().StringVar(&ackConflictID, "ack", "", "acknowledge the conflict with this id")
	rootCmd.AddCommand(conflictsCmd)
}

func runConflicts(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	base := fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 5 * time.Second}

	if ackConflictID != "" {
		ackConflict(client, base, ackConflictID)
		return
	}

	resp, err := client.Get(base + "/conflicts")
	if err != nil {
		slog.Error("Failed to reach instance, is it running?", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var records []domain.ConflictRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		slog.Error("Failed to decode conflicts", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tCOLLECTION\tENTITY\tFIELDS\tDETECTED\tACKED")
	for _, r := range records {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%t\n",
			r.ID, r.Collection, r.EntityID, len(r.LocalFields),
			r.DetectedAt.Format(time.RFC3339), r.Acknowledged)
	}
	_ = w.Flush()
}

func ackConflict(client *http.Client, base, id string) {
	resp, err := client.Post(base+"/conflicts/ack?id="+url.QueryEscape(id), "", nil)
	if err != nil {
		slog.Error("Failed to reach instance, is it running?", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusNoContent {
		slog.Error("Acknowledge failed", "status", resp.Status)
		os.Exit(1)
	}
	fmt.Println("acknowledged", id)
}
