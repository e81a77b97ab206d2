package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/roamline/tripd/internal/config"
	"github.com/roamline/tripd/internal/logging"
	"github.com/roamline/tripd/internal/notify"
	"github.com/roamline/tripd/internal/outbox"
	"github.com/roamline/tripd/internal/remote"
	"github.com/roamline/tripd/internal/session"
	"github.com/roamline/tripd/internal/status"
	"github.com/roamline/tripd/internal/syncer"
	"github.com/roamline/tripd/internal/ui"
)

// syncTimeout bounds a one-shot sync, which drains the queue and
// reconciles every trip.
const syncTimeout = 60 * time.Second

// daemonStatusTimeout bounds asking a running daemon for its snapshot.
const daemonStatusTimeout = 2 * time.Second

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Sync with the cloud once",
	Long: `Run one synchronization pass and exit.

The pass:
  1. Recovers actions interrupted by an earlier crash
  2. Drains queued actions to the cloud in order
  3. Reconciles every trip by last writer wins: local-only trips are
     created remotely, newer local copies push, newer remote copies pull

Requires connectivity and a signed-in session. The daemon does all of
this continuously; 'tripd sync' is for working without one.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		requireBaseURL(cfg)
		sess := requireSession(cfg)

		st := openStore(cfg)
		defer st.Close()

		logger := logging.CLI("sync", cfg.Verbose)
		client := newRemoteClient(cfg, sess)

		ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
		defer cancel()

		if err := client.Ping(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: cloud unreachable: %v\n", err)
			os.Exit(1)
		}

		// Same wiring as the daemon's engine, minus the long-lived
		// parts: the queue applies through the coordinator.
		var coord *syncer.Coordinator
		queue, err := outbox.New(outbox.Config{
			Store: st,
			Apply: func(ctx context.Context, action outbox.Action) error {
				return coord.ApplyAction(ctx, action)
			},
			Online:        func() bool { return true },
			Retryable:     remote.IsRetryable,
			MaxRetries:    cfg.MaxRetries,
			DrainInterval: cfg.DrainInterval,
			Logger:        logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		coord, err = syncer.New(syncer.Config{
			Store:  st,
			Remote: client,
			Queue:  queue,
			Logger: logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Syncing with %s...\n", ui.RenderAccent("🔄"), cfg.BaseURL)
		start := time.Now()

		if n, err := queue.RecoverStuckItems(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to recover interrupted actions: %v\n", err)
		} else if n > 0 {
			fmt.Printf("   Recovered %d interrupted actions\n", n)
		}

		drain, err := queue.Drain(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error draining queue: %v\n", err)
			os.Exit(1)
		}

		force, err := coord.ForceSyncToCloud(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reconciling trips: %v\n", err)
			os.Exit(1)
		}

		elapsed := time.Since(start)
		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), elapsed.Round(time.Millisecond))
		if drain.Attempted > 0 {
			fmt.Printf("   Actions: %d applied, %d retried, %d failed\n",
				drain.Completed, drain.Retried, drain.Failed)
		}
		fmt.Printf("   Trips: %d created, %d pushed, %d pulled\n",
			force.Created, force.Pushed, force.Pulled)
		for _, e := range force.Errors {
			fmt.Printf("   %s %v\n", ui.RenderWarn("⚠"), e)
		}
		if drain.Failed > 0 || len(force.Errors) > 0 {
			fmt.Printf("\nSome work failed; see 'tripd outbox' and retry with 'tripd retry'\n")
			os.Exit(1)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync status",
	Long: `Show the current sync state.

When the daemon is running its live snapshot is used; otherwise the
status is assembled from the local database and a connectivity probe.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		asJSON, _ := cmd.Flags().GetBool("json")

		// A running daemon knows more than we can compute here (live
		// connectivity, last sync time), so prefer its snapshot.
		if snap, ok := daemonStatus(cfg); ok {
			renderStatus(cfg, snap, "running", asJSON)
			return
		}

		st := openStore(cfg)
		defer st.Close()

		var snap status.Snapshot
		pending, err := st.CountOutboxByStatus(outbox.StatusPending)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting queued actions: %v\n", err)
			os.Exit(1)
		}
		snap.PendingActions = pending
		failed, err := st.CountOutboxByStatus(outbox.StatusFailed)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting failed actions: %v\n", err)
			os.Exit(1)
		}
		snap.FailedActions = failed

		if cfg.BaseURL != "" {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.ProbeTimeout)
			defer cancel()
			client := newRemoteClient(cfg, nil)
			snap.Online = client.Ping(ctx) == nil
		}

		renderStatus(cfg, snap, "not running", asJSON)
	},
}

var retryCmd = &cobra.Command{
	Use:     "retry",
	GroupID: "sync",
	Short:   "Retry failed actions",
	Long: `Reset failed actions to pending with a fresh retry budget.

They drain on the daemon's next pass, or run 'tripd sync' to drain
them now.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		st := openStore(cfg)
		defer st.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		n, err := st.ResetOutboxFailed(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error resetting failed actions: %v\n", err)
			os.Exit(1)
		}
		if n == 0 {
			fmt.Println("No failed actions.")
			return
		}
		fmt.Printf("%s Reset %d failed actions to pending\n", ui.RenderPass("✓"), n)
	},
}

var clearCmd = &cobra.Command{
	Use:     "clear",
	GroupID: "sync",
	Short:   "Discard failed actions",
	Long: `Discard failed actions permanently.

The mutations they carry are abandoned: whatever they would have sent
to the cloud is never sent. Asks for confirmation unless --yes.

Use --completed to prune completed history instead; that never loses
work.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		st := openStore(cfg)
		defer st.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if completed, _ := cmd.Flags().GetBool("completed"); completed {
			n, err := st.DeleteOutboxByStatus(ctx, outbox.StatusCompleted)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error pruning completed actions: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s Pruned %d completed actions\n", ui.RenderPass("✓"), n)
			return
		}

		failed, err := st.CountOutboxByStatus(outbox.StatusFailed)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting failed actions: %v\n", err)
			os.Exit(1)
		}
		if failed == 0 {
			fmt.Println("No failed actions.")
			return
		}

		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			var confirmed bool
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Discard %d failed actions?", failed)).
				Description("Their changes are abandoned and never reach the cloud.").
				Affirmative("Discard").
				Negative("Keep").
				Value(&confirmed).
				Run()
			if err != nil || !confirmed {
				fmt.Println("Cancelled.")
				return
			}
		}

		n, err := st.DeleteOutboxByStatus(ctx, outbox.StatusFailed)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error discarding failed actions: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Discarded %d failed actions\n", ui.RenderPass("✓"), n)
	},
}

var outboxCmd = &cobra.Command{
	Use:     "outbox",
	GroupID: "sync",
	Short:   "List queued actions",
	Long: `List the action queue with per-item errors.

Completed actions are hidden unless --all. The ERROR column shows why
an action is waiting or failed; 'tripd retry' gives failed actions a
fresh budget.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		st := openStore(cfg)
		defer st.Close()

		items, err := st.ListOutboxItems()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing actions: %v\n", err)
			os.Exit(1)
		}

		all, _ := cmd.Flags().GetBool("all")
		wide, _ := cmd.Flags().GetBool("wide")

		var shown []*outbox.Item
		for _, item := range items {
			if !all && item.Status == outbox.StatusCompleted {
				continue
			}
			shown = append(shown, item)
		}
		if len(shown) == 0 {
			fmt.Println("Queue is empty.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tACTION\tTRIP\tSTATUS\tTRIES\tAGE\tERROR")
		for _, item := range shown {
			errMsg := item.Error
			if !wide && len(errMsg) > 48 {
				errMsg = errMsg[:45] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
				shortID(item.ID), item.Action.Kind(), shortID(item.TripID()),
				renderItemStatus(item.Status), item.RetryCount, item.MaxRetries,
				age(item.CreatedAt), errMsg)
		}
		w.Flush()
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "print the snapshot as JSON")

	clearCmd.Flags().BoolP("yes", "y", false, "skip the confirmation prompt")
	clearCmd.Flags().Bool("completed", false, "prune completed actions instead")

	outboxCmd.Flags().Bool("all", false, "include completed actions")
	outboxCmd.Flags().Bool("wide", false, "do not truncate error messages")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(outboxCmd)
}

// newRemoteClient builds the API client. With a nil session the client
// can still ping; authenticated calls fail with ErrAuthRequired.
func newRemoteClient(cfg *config.Config, sess *session.Session) *remote.HTTPClient {
	client, err := remote.NewHTTPClient(remote.Config{
		BaseURL: cfg.BaseURL,
		Token: func(ctx context.Context) (string, error) {
			if sess == nil {
				return "", session.ErrSignedOut
			}
			return sess.Token, nil
		},
		UserAgent: userAgent(),
		Logger:    logging.CLI("remote", cfg.Verbose),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return client
}

// daemonStatus asks a running daemon for its live snapshot.
func daemonStatus(cfg *config.Config) (status.Snapshot, bool) {
	var snap status.Snapshot

	addr := cfg.NotifyAddr
	if addr == "" {
		addr = notify.DefaultAddr
	}
	httpClient := &http.Client{Timeout: daemonStatusTimeout}
	resp, err := httpClient.Get("http://" + addr + "/status")
	if err != nil {
		return snap, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return snap, false
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return snap, false
	}
	return snap, true
}

// renderStatus prints one snapshot. daemonState is "running" or
// "not running".
func renderStatus(cfg *config.Config, snap status.Snapshot, daemonState string, asJSON bool) {
	if asJSON {
		out := struct {
			status.Snapshot
			Daemon string `json:"daemon"`
		}{snap, daemonState}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding status: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
		return
	}

	fmt.Printf("\n%s Sync Status\n\n", ui.RenderAccent("📡"))
	fmt.Printf("Daemon: %s\n", daemonState)
	if snap.Online {
		fmt.Printf("Cloud: %s\n", ui.RenderPass("online"))
	} else {
		fmt.Printf("Cloud: %s\n", ui.RenderWarn("offline"))
	}
	if sess := currentSession(cfg); sess != nil {
		fmt.Printf("Signed in: %s\n", sess.Email)
	} else {
		fmt.Printf("Signed in: %s\n", ui.RenderWarn("no"))
	}
	if snap.Syncing {
		fmt.Printf("Reconciling: yes\n")
	}
	fmt.Printf("Pending actions: %d\n", snap.PendingActions)
	if snap.FailedActions > 0 {
		fmt.Printf("Failed actions: %s\n", ui.RenderErr(fmt.Sprintf("%d", snap.FailedActions)))
		fmt.Printf("\nRun 'tripd outbox' for details, 'tripd retry' to retry\n")
	} else {
		fmt.Printf("Failed actions: 0\n")
	}
	if snap.LastSyncAt != nil {
		fmt.Printf("Last sync: %s\n", snap.LastSyncAt.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Println()
}

// renderItemStatus colors an outbox status for table output.
func renderItemStatus(s outbox.Status) string {
	switch s {
	case outbox.StatusPending:
		return ui.RenderAccent(string(s))
	case outbox.StatusSyncing:
		return ui.RenderWarn(string(s))
	case outbox.StatusCompleted:
		return ui.RenderPass(string(s))
	case outbox.StatusFailed:
		return ui.RenderErr(string(s))
	default:
		return string(s)
	}
}

// age formats how long ago t was, coarsely.
func age(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
