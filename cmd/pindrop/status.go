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

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache and sync queue status",
	Long: `Display the current state of the local cache.

Shows:
  - Cache file location and size
  - Number of cached pins and pending operations
  - Server reachability`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(os.Stderr, "[status] ", log.LstdFlags)
		a, err := buildApp(logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		fmt.Printf("\n%s Pindrop Status\n\n", ui.RenderAccent("📍"))
		fmt.Printf("Server: %s\n", cfg.RemoteURL)

		a.probeOnce()
		if a.monitor.Online() {
			fmt.Printf("Reachability: %s\n", ui.RenderPass("online"))
		} else {
			fmt.Printf("Reachability: %s\n", ui.RenderWarn("offline"))
		}

		if a.store == nil {
			fmt.Printf("Cache: %s\n\n", ui.RenderWarn("unavailable (remote-only mode)"))
			return
		}

		info, err := os.Stat(cfg.DBPath)
		if err == nil {
			fmt.Printf("Cache: %s (%s)\n", cfg.DBPath, formatSize(info.Size()))
		} else {
			fmt.Printf("Cache: %s\n", cfg.DBPath)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pins, err := a.store.GetAllPins(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading cache: %v\n", err)
			os.Exit(1)
		}

		queue, err := a.store.GetQueue(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading queue: %v\n", err)
			os.Exit(1)
		}

		unsynced, err := a.store.CountUnsynced(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting unsynced: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Pins: %d\n", len(pins))
		if unsynced > 0 {
			fmt.Printf("Unsynced: %s\n", ui.RenderWarn(fmt.Sprintf("%d", unsynced)))
		} else {
			fmt.Printf("Unsynced: 0\n")
		}
		fmt.Printf("Pending operations: %d\n", len(queue))

		if len(queue) > 0 {
			fmt.Printf("\n%s Pending queue\n", ui.RenderHeader("Queue"))
			for _, op := range queue {
				fmt.Printf("   #%d %s %s %s\n", op.Seq, op.Action, op.PinID,
					ui.RenderDim(op.CreatedAt.Local().Format("2006-01-02 15:04:05")))
			}
		}
		fmt.Println()
	},
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
