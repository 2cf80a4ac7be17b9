package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"mailcal/internal/database"
	"mailcal/internal/models"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
	boldStyle    = lipgloss.NewStyle().Bold(true)
	syncedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#16a34a"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#d97706"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626"))
)

var (
	eventsLimit    int
	eventsUpcoming bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print the reconciled timeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		db, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		occs, err := database.ListOccurrences(ctx, db, 0)
		if err != nil {
			return err
		}
		if eventsUpcoming {
			occs = upcoming(occs, time.Now())
		}
		if eventsLimit > 0 && len(occs) > eventsLimit {
			occs = occs[:eventsLimit]
		}

		renderTimeline(cmd.OutOrStdout(), occs, cfg.Location())
		return nil
	},
}

func init() {
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 0, "show at most this many events")
	eventsCmd.Flags().BoolVar(&eventsUpcoming, "upcoming", false, "hide events that already ended")
}

// upcoming drops occurrences that ended before now; input order is kept
func upcoming(occs []models.Occurrence, now time.Time) []models.Occurrence {
	kept := occs[:0]
	for _, occ := range occs {
		if !occ.End.Before(now) {
			kept = append(kept, occ)
		}
	}
	return kept
}

func renderTimeline(w io.Writer, occs []models.Occurrence, loc *time.Location) {
	if len(occs) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No events."))
		return
	}

	fmt.Fprintf(w, "%s\n\n", boldStyle.Render(fmt.Sprintf("Timeline (%d events, %s):", len(occs), loc)))

	var lastDay string
	for _, occ := range occs {
		start := occ.Start.In(loc)
		day := start.Format("Mon 2 Jan 2006")
		if day != lastDay {
			fmt.Fprintf(w, "  %s\n", boldStyle.Render(day))
			lastDay = day
		}

		mark := syncedStyle.Render("✓")
		if !occ.Synced {
			mark = pendingStyle.Render("•")
		}
		fmt.Fprintf(w, "    %s %-13s  %s\n", mark, span(occ, loc), occ.Summary)
	}
}

func span(occ models.Occurrence, loc *time.Location) string {
	if occ.AllDay {
		start, end := occ.Start.In(loc), occ.End.In(loc)
		if start.YearDay() == end.YearDay() && start.Year() == end.Year() {
			return "all day"
		}
		return "until " + end.Format("2 Jan")
	}
	return occ.Start.In(loc).Format("15:04") + " - " + occ.End.In(loc).Format("15:04")
}

func formatRun(run models.CycleRun) string {
	parts := []string{
		fmt.Sprintf("selected %d", run.Selected),
		fmt.Sprintf("processed %d", run.Processed),
		fmt.Sprintf("pushed %d", run.Pushed),
	}
	failed := fmt.Sprintf("failed %d", run.Failed)
	if run.Failed > 0 {
		failed = errStyle.Render(failed)
	}
	parts = append(parts, failed)

	line := "Cycle: " + strings.Join(parts, ", ")
	if run.Error != "" {
		line += " " + errStyle.Render("("+run.Error+")")
	}
	return line
}
