package cli

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/gkobilansky/funnel-goat/internal/store"
)

func newExportCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Export raw event data",
		Long: `Export every event of the sessions exposed to an experiment, tagged with
the variant each session saw, in CSV or JSON format.

Examples:
  fgoat export hero --format csv > hero-events.csv
  fgoat export hero --format json > hero-events.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			if format != "csv" && format != "json" {
				return fmt.Errorf("invalid format: must be 'csv' or 'json'")
			}

			return a.withStore(func(s *store.SQLiteStore) error {
				ctx := cmd.Context()
				if _, err := getExperiment(ctx, s, id); err != nil {
					return err
				}

				records, err := s.GetEvents(ctx, id)
				if err != nil {
					return fmt.Errorf("failed to get events: %w", err)
				}

				rows := exportRows(id, records)
				if format == "csv" {
					return exportCSV(cmd.OutOrStdout(), rows)
				}
				return exportJSON(cmd.OutOrStdout(), id, rows)
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "output format (csv or json)")
	return cmd
}

type exportRow struct {
	Timestamp int64           `json:"timestamp"`
	EventID   string          `json:"event_id"`
	Name      string          `json:"name"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id,omitempty"`
	Variant   string          `json:"variant"`
	GoalID    string          `json:"goal_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// exportRows tags each event with the variant its session was exposed to
// in experimentID.
func exportRows(experimentID string, records []*store.EventRecord) []exportRow {
	variants := make(map[string]string)
	for _, r := range records {
		if r.ExperimentID == experimentID && r.VariantID != "" {
			if _, ok := variants[r.SessionID]; !ok {
				variants[r.SessionID] = r.VariantID
			}
		}
	}

	rows := make([]exportRow, len(records))
	for i, r := range records {
		rows[i] = exportRow{
			Timestamp: r.OccurredAt.UnixMilli(),
			EventID:   r.EventID,
			Name:      r.Name,
			SessionID: r.SessionID,
			UserID:    r.UserID,
			Variant:   variants[r.SessionID],
			GoalID:    r.GoalID,
			Payload:   json.RawMessage(r.Payload),
		}
	}
	return rows
}

func exportCSV(out io.Writer, rows []exportRow) error {
	w := csv.NewWriter(out)

	if err := w.Write([]string{"timestamp", "event_id", "name", "session_id", "user_id", "variant", "goal_id"}); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, r := range rows {
		row := []string{
			strconv.FormatInt(r.Timestamp, 10),
			r.EventID,
			r.Name,
			r.SessionID,
			r.UserID,
			r.Variant,
			r.GoalID,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	w.Flush()
	return w.Error()
}

type jsonExport struct {
	Experiment string      `json:"experiment"`
	Events     []exportRow `json:"events"`
}

func exportJSON(out io.Writer, id string, rows []exportRow) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(jsonExport{Experiment: id, Events: rows})
}
