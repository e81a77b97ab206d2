package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roamline/tripd/internal/config"
	"github.com/roamline/tripd/internal/migrate"
	"github.com/roamline/tripd/internal/session"
	"github.com/roamline/tripd/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "setup",
	Short:   "Create the data directory",
	Long: `Create the data directory, the local database, and a starter
config file.

Running init is optional: every command creates what it needs on
first use. It exists so you can see and edit the config before
anything else runs.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)

		st := openStore(cfg)
		st.Close()

		fmt.Printf("%s Initialized %s\n", ui.RenderPass("✓"), cfg.DataDir)
		fmt.Printf("   Database: %s\n", cfg.DatabasePath())

		if _, err := os.Stat(cfg.ConfigPath()); err == nil {
			fmt.Printf("   Config: %s (already exists, left untouched)\n", cfg.ConfigPath())
		} else {
			if err := config.WriteStarter(cfg.ConfigPath(), *cfg); err != nil {
				fmt.Fprintf(os.Stderr, "Error writing config: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("   Config: %s (created)\n", cfg.ConfigPath())
		}

		fmt.Printf("\nNext steps:\n")
		fmt.Printf("  1. Set base_url in the config (or TRIPD_BASE_URL)\n")
		fmt.Printf("  2. Sign in with the Roamline app\n")
		fmt.Printf("  3. Run 'tripd daemon' to keep everything synced\n")
	},
}

var importCmd = &cobra.Command{
	Use:     "import <export.jsonl>",
	GroupID: "setup",
	Short:   "Import a legacy trip export",
	Long: `Import trips from a legacy Roamline JSONL export.

Imported trips are local-only until the next sync uploads them. Trips
that already exist locally are skipped, never overwritten, so running
the same export twice is safe.

  tripd import trips-export.jsonl --dry-run   # preview
  tripd import trips-export.jsonl --backup    # copy the file aside first`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		st := openStore(cfg)
		defer st.Close()

		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		fmt.Printf("%s Importing from %s...\n", ui.RenderAccent("🔄"), args[0])
		result, err := migrate.Import(ctx, st, migrate.Options{
			FromJSONL: args[0],
			DryRun:    dryRun,
			Backup:    backup,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if dryRun {
			fmt.Printf("%s Dry run; nothing written\n", ui.RenderPass("✓"))
			fmt.Printf("   Would import: %d\n", result.TripsImported)
		} else {
			fmt.Printf("%s Import complete\n", ui.RenderPass("✓"))
			fmt.Printf("   Imported: %d\n", result.TripsImported)
		}
		fmt.Printf("   Skipped: %d\n", result.Skipped)
		if result.BackupCreated != "" {
			fmt.Printf("   Backup: %s\n", result.BackupCreated)
		}
		for _, e := range result.Errors {
			fmt.Printf("   %s %s\n", ui.RenderWarn("⚠"), e)
		}
		if !dryRun && result.TripsImported > 0 {
			fmt.Printf("\nImported trips upload on the next sync\n")
		}
	},
}

var whoamiCmd = &cobra.Command{
	Use:     "whoami",
	GroupID: "setup",
	Short:   "Show the signed-in account",
	Long: `Show the account tripd syncs as.

Sign-in and sign-out happen in the Roamline app; tripd only reads the
session file it maintains.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)

		sess, err := session.Load(cfg.SessionPath())
		if errors.Is(err, session.ErrSignedOut) {
			fmt.Println("Signed out.")
			fmt.Printf("Sign in with the Roamline app; tripd reads %s\n", cfg.SessionPath())
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading session: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Signed in as %s\n", sess.Email)
		fmt.Printf("   Account: %s\n", sess.UserID)
		if sess.ExpiresAt.IsZero() {
			fmt.Printf("   Token: does not expire\n")
		} else {
			fmt.Printf("   Token expires: %s\n", sess.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
		}
	},
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "preview without writing")
	importCmd.Flags().Bool("backup", false, "copy the export aside before importing")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(whoamiCmd)
}
