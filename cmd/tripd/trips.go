package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/roamline/tripd/internal/config"
	"github.com/roamline/tripd/internal/outbox"
	"github.com/roamline/tripd/internal/store"
	"github.com/roamline/tripd/internal/trip"
	"github.com/roamline/tripd/internal/ui"
)

var addCmd = &cobra.Command{
	Use:     "add <title>",
	GroupID: "trips",
	Short:   "Add a trip",
	Long: `Add a trip to the local store and queue it for upload.

The trip exists locally right away, so this works offline and signed
out. The queued create uploads when the daemon (or 'tripd sync') next
runs with connectivity and a session.

Dates accept ISO form or natural language:
  tripd add "Kyoto in autumn" --start "nov 3" --end "nov 14"
  tripd add "Lisbon long weekend" --dest "Lisbon, Portugal" --start 2026-09-18`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		st := openStore(cfg)
		defer st.Close()

		tr := trip.New(args[0])
		if dest, _ := cmd.Flags().GetString("dest"); dest != "" {
			tr.Destination = dest
		}
		if notes, _ := cmd.Flags().GetString("notes"); notes != "" {
			tr.Notes = notes
		}
		if v, _ := cmd.Flags().GetString("start"); v != "" {
			tr.StartDate = parseWhen("--start", v)
		}
		if v, _ := cmd.Flags().GetString("end"); v != "" {
			tr.EndDate = parseWhen("--end", v)
		}

		// The owner comes from the active session when there is one;
		// either way the trip stays local-only until the remote create
		// is confirmed.
		if sess := currentSession(cfg); sess != nil {
			tr.OwnerID = sess.UserID
		}
		tr.LocalOnly = true

		if err := tr.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := st.PutTrip(tr); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving trip: %v\n", err)
			os.Exit(1)
		}
		queueAction(cfg, st, outbox.CreateTrip{Trip: tr.Clone()})

		fmt.Printf("%s Added %q\n", ui.RenderPass("✓"), tr.Title)
		fmt.Printf("   ID: %s\n", tr.ID)
		if dates := dateRange(tr); dates != "" {
			fmt.Printf("   Dates: %s\n", dates)
		}
		fmt.Printf("   Queued for upload\n")
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "trips",
	Short:   "List trips",
	Long: `List trips in the local store, most recently updated first.

Trips not yet confirmed by the cloud are marked local-only.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		st := openStore(cfg)
		defer st.Close()

		var (
			trips []*trip.Trip
			err   error
		)
		if statusStr, _ := cmd.Flags().GetString("status"); statusStr != "" {
			status := trip.Status(statusStr)
			if !status.Valid() {
				fmt.Fprintf(os.Stderr, "Error: unknown status %q (planning, upcoming, in_progress, completed, canceled)\n", statusStr)
				os.Exit(1)
			}
			trips, err = st.ListTripsByStatus(status)
		} else {
			trips, err = st.ListTrips()
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing trips: %v\n", err)
			os.Exit(1)
		}

		if len(trips) == 0 {
			fmt.Println("No trips. Add one with 'tripd add <title>'.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tDATES\tSYNC")
		for _, tr := range trips {
			sync := ""
			if tr.LocalOnly {
				sync = ui.RenderWarn("local-only")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				shortID(tr.ID), tr.Title, ui.RenderStatus(tr.Status), dateRange(tr), sync)
		}
		w.Flush()
	},
}

var showCmd = &cobra.Command{
	Use:     "show <id>",
	GroupID: "trips",
	Short:   "Show a trip",
	Long: `Show one trip in full. The id may be a unique prefix.

Opening a trip counts as an access: last_accessed_at moves locally and
a touch action is queued so other devices see it too.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		st := openStore(cfg)
		defer st.Close()

		tr := resolveTrip(st, args[0])

		fmt.Printf("\n%s\n", ui.RenderBold(tr.Title))
		fmt.Printf("ID: %s\n", tr.ID)
		fmt.Printf("Status: %s\n", ui.RenderStatus(tr.Status))
		if tr.Destination != "" {
			fmt.Printf("Destination: %s\n", tr.Destination)
		}
		if dates := dateRange(tr); dates != "" {
			fmt.Printf("Dates: %s\n", dates)
		}
		if tr.Notes != "" {
			fmt.Printf("Notes: %s\n", tr.Notes)
		}
		if tr.LocalOnly {
			fmt.Printf("Sync: %s\n", ui.RenderWarn("local-only, not yet uploaded"))
		} else {
			fmt.Printf("Sync: synced\n")
		}
		fmt.Printf("Updated: %s\n", tr.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Println()

		// Record the access. A failure here must not break 'show'.
		now := time.Now().UTC()
		tr.Touch(now)
		if err := st.PutTrip(tr); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to record access: %v\n", err)
			return
		}
		queueAction(cfg, st, outbox.TouchTrip{ID: tr.ID, AccessedAt: now})
	},
}

var updateCmd = &cobra.Command{
	Use:     "update <id>",
	GroupID: "trips",
	Short:   "Update a trip",
	Long: `Update fields of a trip. The id may be a unique prefix.

The change applies locally right away and an update action is queued
for the cloud. Only the given flags change; everything else is left
alone:
  tripd update 4f21 --status upcoming
  tripd update 4f21 --start "march 2" --end "march 9"
  tripd update 4f21 --notes ""        # clears the notes`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		st := openStore(cfg)
		defer st.Close()

		tr := resolveTrip(st, args[0])

		var patch trip.Patch
		if cmd.Flags().Changed("title") {
			v, _ := cmd.Flags().GetString("title")
			patch.Title = &v
		}
		if cmd.Flags().Changed("dest") {
			v, _ := cmd.Flags().GetString("dest")
			patch.Destination = &v
		}
		if cmd.Flags().Changed("notes") {
			v, _ := cmd.Flags().GetString("notes")
			patch.Notes = &v
		}
		if cmd.Flags().Changed("status") {
			v, _ := cmd.Flags().GetString("status")
			status := trip.Status(v)
			if !status.Valid() {
				fmt.Fprintf(os.Stderr, "Error: unknown status %q (planning, upcoming, in_progress, completed, canceled)\n", v)
				os.Exit(1)
			}
			patch.Status = &status
		}
		if cmd.Flags().Changed("start") {
			v, _ := cmd.Flags().GetString("start")
			patch.StartDate = parseWhen("--start", v)
		}
		if cmd.Flags().Changed("end") {
			v, _ := cmd.Flags().GetString("end")
			patch.EndDate = parseWhen("--end", v)
		}

		if patch.IsZero() {
			fmt.Fprintf(os.Stderr, "Error: nothing to update (see 'tripd update --help' for flags)\n")
			os.Exit(1)
		}
		if err := patch.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		patch.Apply(tr)
		tr.UpdateTimestamp()
		if err := tr.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := st.PutTrip(tr); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving trip: %v\n", err)
			os.Exit(1)
		}
		queueAction(cfg, st, outbox.UpdateTrip{ID: tr.ID, Patch: patch})

		fmt.Printf("%s Updated %q\n", ui.RenderPass("✓"), tr.Title)
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <id>",
	GroupID: "trips",
	Short:   "Delete a trip",
	Long: `Delete a trip. The id may be a unique prefix.

The trip disappears locally right away and a delete action is queued
so the cloud copy goes too. Asks for confirmation unless --yes.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		st := openStore(cfg)
		defer st.Close()

		tr := resolveTrip(st, args[0])

		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			var confirmed bool
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Delete %q?", tr.Title)).
				Description("The trip is removed locally and a delete is queued for the cloud copy.").
				Affirmative("Delete").
				Negative("Keep").
				Value(&confirmed).
				Run()
			if err != nil || !confirmed {
				fmt.Println("Cancelled.")
				return
			}
		}

		if err := st.DeleteTrip(tr.ID); err != nil {
			fmt.Fprintf(os.Stderr, "Error deleting trip: %v\n", err)
			os.Exit(1)
		}
		queueAction(cfg, st, outbox.DeleteTrip{ID: tr.ID})

		fmt.Printf("%s Deleted %q\n", ui.RenderPass("✓"), tr.Title)
	},
}

func init() {
	addCmd.Flags().String("dest", "", "destination, free-form")
	addCmd.Flags().String("start", "", "start date (ISO or natural language)")
	addCmd.Flags().String("end", "", "end date (ISO or natural language)")
	addCmd.Flags().String("notes", "", "notes")

	listCmd.Flags().String("status", "", "only trips with this status")

	updateCmd.Flags().String("title", "", "new title")
	updateCmd.Flags().String("dest", "", "new destination")
	updateCmd.Flags().String("start", "", "new start date (ISO or natural language)")
	updateCmd.Flags().String("end", "", "new end date (ISO or natural language)")
	updateCmd.Flags().String("notes", "", "new notes")
	updateCmd.Flags().String("status", "", "new status")

	rmCmd.Flags().BoolP("yes", "y", false, "skip the confirmation prompt")

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(rmCmd)
}

// queueAction persists one outbox item for the daemon or a one-shot
// sync to drain later.
func queueAction(cfg *config.Config, st *store.Store, action outbox.Action) {
	item, err := outbox.NewItem(action, cfg.MaxRetries)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error queueing %s: %v\n", action.Kind(), err)
		os.Exit(1)
	}
	if err := st.PutOutboxItem(item); err != nil {
		fmt.Fprintf(os.Stderr, "Error queueing %s: %v\n", action.Kind(), err)
		os.Exit(1)
	}
}

// resolveTrip finds a trip by exact ID or unique ID prefix.
func resolveTrip(st *store.Store, arg string) *trip.Trip {
	tr, err := st.GetTrip(arg)
	if err == nil {
		return tr
	}
	if !errors.Is(err, store.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "Error loading trip: %v\n", err)
		os.Exit(1)
	}

	trips, err := st.ListTrips()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing trips: %v\n", err)
		os.Exit(1)
	}

	var matches []*trip.Trip
	for _, t := range trips {
		if strings.HasPrefix(t.ID, arg) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0]
	case 0:
		fmt.Fprintf(os.Stderr, "Error: no trip matches %q\n", arg)
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "Error: %q is ambiguous:\n", arg)
		for _, t := range matches {
			fmt.Fprintf(os.Stderr, "  %s  %s\n", shortID(t.ID), t.Title)
		}
		os.Exit(1)
	}
	return nil
}

// parseWhen parses a date flag value: ISO first, then natural language.
func parseWhen(flag, value string) *time.Time {
	if d, err := time.Parse("2006-01-02", value); err == nil {
		return &d
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(value, time.Now())
	if err != nil || r == nil {
		fmt.Fprintf(os.Stderr, "Error: cannot understand %s date %q\n", flag, value)
		fmt.Fprintf(os.Stderr, "Try ISO form (2026-11-03) or phrases like \"next friday\"\n")
		os.Exit(1)
	}
	d := r.Time
	return &d
}

// shortID abbreviates a UUID for table output.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// dateRange formats a trip's travel dates for display.
func dateRange(tr *trip.Trip) string {
	const layout = "2006-01-02"
	switch {
	case tr.StartDate != nil && tr.EndDate != nil:
		return tr.StartDate.Format(layout) + " to " + tr.EndDate.Format(layout)
	case tr.StartDate != nil:
		return "from " + tr.StartDate.Format(layout)
	case tr.EndDate != nil:
		return "until " + tr.EndDate.Format(layout)
	default:
		return ""
	}
}
