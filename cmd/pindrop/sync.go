package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldmark/pindrop/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the pending queue to the server",
	Long: `Push all queued offline operations to the pin API.

Operations are submitted oldest-first. Entries that fail with a server
rejection stay queued and are reported; updates behind a failed create
are held to preserve ordering.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(os.Stderr, "[sync] ", log.LstdFlags)
		a, err := buildApp(logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		if a.store == nil {
			fmt.Printf("%s Nothing to sync: no durable storage\n", ui.RenderWarn("⚠"))
			return
		}

		a.probeOnce()
		if !a.monitor.Online() {
			fmt.Printf("%s Server unreachable at %s, queue left intact\n",
				ui.RenderWarn("⚠"), cfg.RemoteURL)
			os.Exit(1)
		}

		fmt.Printf("%s Syncing to %s...\n", ui.RenderAccent("🔄"), cfg.RemoteURL)
		start := time.Now()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		result, err := a.syncer.Drain(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during sync: %v\n", err)
			os.Exit(1)
		}
		if result == nil {
			fmt.Printf("%s Sync skipped\n", ui.RenderWarn("⚠"))
			return
		}

		elapsed := time.Since(start)
		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), elapsed.Round(time.Millisecond))
		fmt.Printf("   Cleared: %d\n", result.Cleared)
		if result.Failed > 0 {
			fmt.Printf("   %s Failed: %d (still queued)\n", ui.RenderFail("✗"), result.Failed)
		}
		if result.Held > 0 {
			fmt.Printf("   %s Held: %d (waiting on earlier operations)\n", ui.RenderWarn("⚠"), result.Held)
		}
		fmt.Printf("   Remaining: %d\n", result.Remaining)

		if result.Failed > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
