package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fieldmark/pindrop/internal/dashboard"
	"github.com/fieldmark/pindrop/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebSocket status dashboard",
	Long: `Serve the real-time sync dashboard over WebSocket.

Clients connecting to /ws receive sync_complete, queue_update and
reachability events as JSON messages. Usually the dashboard runs inside
the daemon ('pindrop daemon --dashboard'); this command runs it
standalone, for example to front an external monitoring page.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(os.Stderr, "[dashboard] ", log.LstdFlags)

		server := dashboard.NewServer(&dashboard.Config{
			Port:   cfg.DashboardPort,
			Logger: logger,
		})
		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Dashboard listening on ws://%s/ws\n", ui.RenderAccent("📊"), server.GetAddr())
		fmt.Printf("Press Ctrl+C to stop\n")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping dashboard: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
