package cli

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/ciheal/internal/db"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded iteration events",
	Long: `Show the iteration event log. By default the newest events across all runs
are listed; --run selects a single run, and --run last the most recent one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := dbConfig(cmd)
		if err != nil {
			return err
		}
		d, cleanup, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		runID, _ := cmd.Flags().GetString("run")
		limit, _ := cmd.Flags().GetInt("limit")

		if runID == "last" {
			if runID, err = d.LastRunID(); err != nil {
				return err
			}
			if runID == "" {
				cmd.Println("No events recorded.")
				return nil
			}
		}

		var events []db.Event
		if runID != "" {
			events, err = d.RunEvents(runID)
		} else {
			events, err = d.RecentEvents(limit)
		}
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			if events == nil {
				events = []db.Event{}
			}
			return writeJSON(cmd, events)
		}

		if len(events) == 0 {
			cmd.Println("No events recorded.")
			return nil
		}

		table := newTable(cmd.OutOrStdout(), "Time", "Run", "Iter", "Event", "Detail")
		for _, e := range events {
			_ = table.Append([]string{
				e.Timestamp.Local().Format("2006-01-02 15:04:05"),
				shortID(e.RunID),
				strconv.Itoa(e.Iteration),
				e.Event,
				truncate(e.Detail, 60),
			})
		}
		_ = table.Render()
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 50, "number of recent events to show")
	historyCmd.Flags().String("run", "", "show every event of one run id (or \"last\")")
	historyCmd.Flags().String("format", "text", "Output format: text or json")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
