package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roamline/tripd/internal/engine"
	"github.com/roamline/tripd/internal/logging"
	"github.com/roamline/tripd/internal/notify"
	"github.com/roamline/tripd/internal/status"
	"github.com/roamline/tripd/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync daemon (foreground)",
	Long: `Run the background sync engine in the foreground.

The daemon:
  1. Watches the session file for sign-in and sign-out
  2. Probes connectivity and reacts when it changes
  3. Drains queued actions to the cloud with retries
  4. Subscribes to the cloud change feed and merges remote edits
  5. Broadcasts changes to local clients over WebSocket

Local clients (editor plugins, menu-bar apps) connect to the
notification feed:
  ws://127.0.0.1:8787/ws

Logs go to stderr and to a rotating file in the data directory.
Press Ctrl+C to stop; queued work survives restarts.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		requireBaseURL(cfg)

		st := openStore(cfg)
		defer st.Close()

		// Daemon logs rotate; stderr keeps the live view.
		rotating := logging.NewRotatingWriter(cfg.LogPath())
		defer rotating.Close()
		logW := logging.DaemonWriter(rotating)

		// The notify server reports engine status; the engine exists a
		// few lines further down, so the closure guards against early
		// /status hits.
		var eng *engine.Engine
		notifyAddr, _ := cmd.Flags().GetString("notify-addr")
		if notifyAddr == "" {
			notifyAddr = cfg.NotifyAddr
		}
		srv := notify.NewServer(&notify.Config{
			Addr: notifyAddr,
			Status: func(ctx context.Context) (status.Snapshot, error) {
				if eng == nil {
					return status.Snapshot{}, fmt.Errorf("engine starting")
				}
				return eng.Status(ctx)
			},
			Logger: logging.Component(logW, "notify"),
		})
		handler := notify.NewHandler(srv, st, logging.Component(logW, "notify"))

		eng, err := engine.New(engine.Config{
			Store:         st,
			SessionPath:   cfg.SessionPath(),
			BaseURL:       cfg.BaseURL,
			UserAgent:     userAgent(),
			MaxRetries:    cfg.MaxRetries,
			DrainInterval: cfg.DrainInterval,
			ProbeInterval: cfg.ProbeInterval,
			ProbeTimeout:  cfg.ProbeTimeout,
			Notifier:      handler,
			Logger:        logging.Component(logW, "engine"),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to build sync engine: %v\n", err)
			os.Exit(1)
		}

		if err := srv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start notification server: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Starting tripd sync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Data dir: %s\n", cfg.DataDir)
		fmt.Printf("   Database: %s\n", cfg.DatabasePath())
		fmt.Printf("   Remote: %s\n", cfg.BaseURL)
		fmt.Printf("   Notifications: ws://%s/ws\n", srv.Addr())
		fmt.Printf("   Log file: %s\n", cfg.LogPath())
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		// Wait for interrupt signal
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		// Start blocks until the context ends, then stops the engine.
		if err := eng.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			_ = srv.Stop()
			os.Exit(1)
		}

		// Graceful shutdown
		fmt.Println("\nShutting down...")
		if err := srv.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("Daemon stopped")
	},
}

func init() {
	daemonCmd.Flags().String("notify-addr", "", "notification server bind address (default "+notify.DefaultAddr+")")

	rootCmd.AddCommand(daemonCmd)
}
