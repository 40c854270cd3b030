package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/ciheal/internal/plan"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Inspect or discard the persisted remediation plan",
}

var planShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the persisted plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := planStore(cmd)
		if err != nil {
			return err
		}
		p, err := store.Load()
		if errors.Is(err, plan.ErrNoPlan) {
			cmd.Println("No persisted plan.")
			return nil
		}
		if err != nil {
			return fmt.Errorf("load plan: %w", err)
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, p)
		}
		printPlan(cmd.OutOrStdout(), p)
		return nil
	},
}

var planClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the persisted plan so the next run plans from scratch",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := planStore(cmd)
		if err != nil {
			return err
		}
		if err := store.Clear(); err != nil {
			return fmt.Errorf("clear plan: %w", err)
		}
		cmd.Println("Plan cleared.")
		return nil
	},
}

func init() {
	planShowCmd.Flags().String("format", "text", "Output format: text or json")
	planCmd.AddCommand(planShowCmd)
	planCmd.AddCommand(planClearCmd)
}

func printPlan(w io.Writer, p *plan.Plan) {
	fmt.Fprintf(w, "Plan (%s, %d batch(es))\n", p.Source, len(p.Batches))
	if !p.CreatedAt.IsZero() {
		fmt.Fprintf(w, "Created: %s\n", p.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	if p.Notes != "" {
		fmt.Fprintf(w, "Notes:   %s\n", p.Notes)
	}
	if len(p.Batches) == 0 {
		return
	}

	fmt.Fprintln(w)
	table := newTable(w, "#", "Batch", "Action")
	for i, b := range p.Batches {
		for _, a := range b.Actions {
			_ = table.Append([]string{fmt.Sprintf("%d", i+1), b.Name, a.String()})
		}
	}
	_ = table.Render()

	if len(p.Patches) == 0 {
		return
	}
	names := make([]string, 0, len(p.Patches))
	for name := range p.Patches {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(w, "\nPatches:")
	for _, name := range names {
		fmt.Fprintf(w, "  %s -> %s\n", name, p.Patches[name].Filename)
	}
}
