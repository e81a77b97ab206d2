package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roamline/tripd/internal/config"
	"github.com/roamline/tripd/internal/session"
	"github.com/roamline/tripd/internal/store"
	"github.com/roamline/tripd/internal/ui"
)

// version is overridden at release build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "tripd",
	Short: "Offline-first trip planner with background sync",
	Long: `tripd keeps your trips in a local database and syncs them with the
Roamline cloud in the background.

Everything works offline: trips are created, edited, and deleted
locally first, and every mutation is queued durably. When connectivity
and a signed-in session are available, queued actions drain to the
cloud and remote changes flow back in.

Start here:
  tripd init                      # create the data directory
  tripd add "Kyoto in autumn"     # works offline
  tripd daemon                    # keep everything synced

Sign-in happens in the Roamline app; tripd picks the session up from
the shared session file.`,
	Version: version,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "trips", Title: "Trip Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
	)

	rootCmd.PersistentFlags().String("config", "", "config file (default <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "data directory (default ~/.tripd)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log component activity to stderr")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")
}

// loadConfig resolves configuration for one command run: defaults, then
// the config file, then TRIPD_* environment variables, then persistent
// flags on top.
func loadConfig(cmd *cobra.Command) *config.Config {
	cfgFile, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")

	// --data-dir without --config also moves the config file search.
	if cfgFile == "" && dataDir != "" {
		candidate := filepath.Join(dataDir, "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			cfgFile = candidate
		}
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Verbose = true
	}
	if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
		ui.DisableColor()
	}
	return cfg
}

// openStore opens the local database, creating the data directory and
// schema on first use.
func openStore(cfg *config.Config) *store.Store {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating data directory: %v\n", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
		os.Exit(1)
	}
	return st
}

// currentSession loads the session file, or nil when signed out.
func currentSession(cfg *config.Config) *session.Session {
	sess, err := session.Load(cfg.SessionPath())
	if err != nil {
		return nil
	}
	return sess
}

// requireSession loads the session file and exits when signed out.
func requireSession(cfg *config.Config) *session.Session {
	sess, err := session.Load(cfg.SessionPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: not signed in\n")
		fmt.Fprintf(os.Stderr, "Sign in with the Roamline app; tripd reads %s\n", cfg.SessionPath())
		os.Exit(1)
	}
	return sess
}

// requireBaseURL exits when no remote API root is configured.
func requireBaseURL(cfg *config.Config) {
	if cfg.BaseURL == "" {
		fmt.Fprintf(os.Stderr, "Error: no base_url configured\n")
		fmt.Fprintf(os.Stderr, "Set base_url in %s or TRIPD_BASE_URL\n", cfg.ConfigPath())
		os.Exit(1)
	}
}

// userAgent identifies this build to the remote API.
func userAgent() string {
	return "tripd/" + version
}
