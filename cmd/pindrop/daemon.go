package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fieldmark/pindrop/internal/daemon"
	"github.com/fieldmark/pindrop/internal/dashboard"
	"github.com/fieldmark/pindrop/internal/spool"
	"github.com/fieldmark/pindrop/internal/ui"
)

var daemonDashboard bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon (foreground)",
	Long: `Run the pindrop sync daemon in the foreground.

The daemon will:
  1. Probe server reachability and drain the queue on reconnect
  2. Drain the pending queue on a fixed interval
  3. Import capture files dropped into the spool directory
  4. Optionally serve the WebSocket status dashboard

With log_file configured, output goes to a rotating log file instead of
stderr. Press Ctrl+C to stop.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := daemonLogger()

		a, err := buildApp(logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		var importer *spool.Importer
		if cfg.SpoolDir != "" {
			if err := os.MkdirAll(cfg.SpoolDir, 0o755); err != nil {
				fmt.Fprintf(os.Stderr, "Error creating spool directory: %v\n", err)
				os.Exit(1)
			}
			importer = spool.NewImporter(cfg.SpoolDir, a.service, logger)
		}

		var dash *dashboard.Server
		if daemonDashboard {
			dash = dashboard.NewServer(&dashboard.Config{
				Port:   cfg.DashboardPort,
				Stats:  statsProvider(a),
				Logger: logger,
			})
		}

		d, err := daemon.New(a.syncer, a.monitor, importer, dash, &daemon.Config{
			DrainInterval: cfg.DrainInterval,
			SpoolDir:      cfg.SpoolDir,
			Logger:        logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Starting pindrop daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Server: %s\n", cfg.RemoteURL)
		if cfg.DBPath != "" {
			fmt.Printf("   Cache: %s\n", cfg.DBPath)
		}
		if cfg.SpoolDir != "" {
			fmt.Printf("   Spool: %s\n", cfg.SpoolDir)
		}
		if daemonDashboard {
			fmt.Printf("   Dashboard: ws://localhost:%d/ws\n", cfg.DashboardPort)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}
	},
}

// statsProvider builds the dashboard's welcome-message statistics from
// the local cache. Without a cache the stats stay zero.
func statsProvider(a *app) func() dashboard.StatsData {
	return func() dashboard.StatsData {
		stats := dashboard.StatsData{ByDisposition: map[string]int{}}
		if a.store == nil {
			return stats
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		pins, err := a.store.GetAllPins(ctx)
		if err != nil {
			return stats
		}
		stats.Total = len(pins)
		for _, p := range pins {
			stats.ByDisposition[string(p.Disposition)]++
			if !p.Synced {
				stats.Unsynced++
			}
		}
		return stats
	}
}

// daemonLogger returns a stderr logger, or a rotating file logger when
// log_file is configured.
func daemonLogger() *log.Logger {
	if cfg.LogFile == "" {
		return log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	return log.New(&lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}, "[daemon] ", log.LstdFlags)
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonDashboard, "dashboard", false, "also serve the WebSocket status dashboard")
	rootCmd.AddCommand(daemonCmd)
}
