package cmd

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var statusServer string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the health endpoint of a running noaad instance",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusServer, "server", "http://localhost:8080", "noaad server URL")
	rootCmd.AddCommand(statusCmd)
}

// healthReport mirrors the JSON served by GET /api/v1/health.
type healthReport struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Uptime   string `json:"uptime"`
	Location string `json:"location"`
	Archive  struct {
		Oldest       string `json:"oldest"`
		Newest       string `json:"newest"`
		Observations int    `json:"observations"`
	} `json:"archive"`
	Summaries struct {
		First    string `json:"first"`
		Last     string `json:"last"`
		LastSync struct {
			DaysScanned      int           `json:"days_scanned"`
			DaysEmpty        int           `json:"days_empty"`
			DaysFailed       int           `json:"days_failed"`
			RecordsProcessed int           `json:"records_processed"`
			RowsWritten      int           `json:"rows_written"`
			Duration         time.Duration `json:"duration"`
			Finished         time.Time     `json:"finished"`
		} `json:"last_sync"`
	} `json:"summaries"`
	Collector struct {
		LastObsAt  time.Time `json:"last_obs_at"`
		Received   int       `json:"received"`
		ErrorCount int       `json:"error_count"`
		LastError  string    `json:"last_error"`
	} `json:"collector"`
	Database struct {
		Driver    string `json:"driver"`
		Status    string `json:"status"`
		SizeBytes int64  `json:"size_bytes"`
	} `json:"database"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
	resp, err := client.Get(statusServer + "/api/v1/health")
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", statusServer, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %s", resp.Status)
	}

	var health healthReport
	if err := json.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(&health); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	printStatus(cmd.OutOrStdout(), &health, time.Now())
	return nil
}

// printStatus writes the human-readable report.
func printStatus(w io.Writer, h *healthReport, now time.Time) {
	fmt.Fprintf(w, "noaad %s\n", h.Version)
	fmt.Fprintf(w, "Status: %s\n", h.Status)
	fmt.Fprintf(w, "Uptime: %s\n", h.Uptime)
	if h.Location != "" {
		fmt.Fprintf(w, "Location: %s\n", h.Location)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Archive:")
	if h.Archive.Oldest == "" {
		fmt.Fprintln(w, "  empty")
	} else {
		fmt.Fprintf(w, "  Records: %s\n", humanize.Comma(int64(h.Archive.Observations)))
		fmt.Fprintf(w, "  Range: %s to %s\n", h.Archive.Oldest, h.Archive.Newest)
	}
	if !h.Collector.LastObsAt.IsZero() {
		fmt.Fprintf(w, "  Last ingest: %s (%s received)\n",
			humanize.RelTime(h.Collector.LastObsAt, now, "ago", "from now"),
			humanize.Comma(int64(h.Collector.Received)))
	}
	if h.Collector.ErrorCount > 0 {
		fmt.Fprintf(w, "  Ingest errors: %d (last: %s)\n", h.Collector.ErrorCount, h.Collector.LastError)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Summaries:")
	if h.Summaries.First == "" {
		fmt.Fprintln(w, "  none")
	} else {
		fmt.Fprintf(w, "  Days: %s to %s\n", h.Summaries.First, h.Summaries.Last)
	}
	if ls := h.Summaries.LastSync; !ls.Finished.IsZero() {
		fmt.Fprintf(w, "  Last sync: %s, %d days written, %d empty, %d failed, %s records in %s\n",
			humanize.RelTime(ls.Finished, now, "ago", "from now"),
			ls.RowsWritten, ls.DaysEmpty, ls.DaysFailed,
			humanize.Comma(int64(ls.RecordsProcessed)), ls.Duration.Round(time.Millisecond))
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Database: %s (%s)\n", h.Database.Driver, h.Database.Status)
	if h.Database.SizeBytes > 0 {
		fmt.Fprintf(w, "  Size: %s\n", humanize.Bytes(uint64(h.Database.SizeBytes)))
	}
}
