package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldmark/pindrop/internal/pin"
	"github.com/fieldmark/pindrop/internal/service"
	"github.com/fieldmark/pindrop/internal/store"
	"github.com/fieldmark/pindrop/internal/ui"
)

var (
	addLat         float64
	addLng         float64
	addNoCoords    bool
	addDisposition string

	markVisit bool
)

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Drop a new pin",
	Long: `Record a new field visit pin.

While the server is reachable the pin is created directly; otherwise it
is stored locally and queued for the next sync. Either way the pin is
visible immediately.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := mustBuildApp()
		defer a.Close()
		a.probeOnce()

		p := &pin.Pin{Disposition: pin.Disposition(addDisposition)}
		if !addNoCoords {
			p.Latitude = pin.Float64(addLat)
			p.Longitude = pin.Float64(addLng)
		}

		ctx, cancel := opContext()
		defer cancel()

		rec, err := a.service.Create(ctx, p)
		if err != nil {
			var coordErr *pin.InvalidCoordinateError
			switch {
			case errors.As(err, &coordErr):
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			case errors.Is(err, store.ErrQueueFull):
				fmt.Fprintf(os.Stderr, "Error: offline queue is full, sync before adding more pins\n")
			default:
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			os.Exit(1)
		}

		fmt.Printf("%s Dropped pin %s [%s]\n", ui.RenderPass("✓"), rec.ID, ui.SyncBadge(rec.Synced))
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List pins",
	Long: `List all pins, freshest data first.

While reachable this fetches from the server and refreshes the cache;
offline it lists the cache, including pins not yet synced.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := mustBuildApp()
		defer a.Close()
		a.probeOnce()

		ctx, cancel := opContext()
		defer cancel()

		res, err := a.service.FetchAll(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if res.Source == service.SourceCache {
			fmt.Printf("%s Showing cached data (server unreachable)\n\n", ui.RenderWarn("⚠"))
		}

		if len(res.Pins) == 0 {
			fmt.Println("No pins yet")
			return
		}

		for _, p := range res.Pins {
			coords := ui.RenderDim("no coordinates")
			if p.Latitude != nil && p.Longitude != nil {
				coords = fmt.Sprintf("%.5f,%.5f", *p.Latitude, *p.Longitude)
			}
			fmt.Printf("%s  %-14s %s visits=%d [%s]\n",
				p.ID, ui.Disposition(string(p.Disposition)), coords, p.VisitCount, ui.SyncBadge(p.Synced))
		}
	},
}

var markCmd = &cobra.Command{
	Use:   "mark <pin-id> <disposition>",
	Short: "Set a pin's disposition",
	Long: `Update the disposition of an existing pin.

Valid dispositions: unmarked, not-home, appointment, signed,
do-not-contact. With --visit the visit counter is also incremented.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		id, disposition := args[0], args[1]
		if !pin.Disposition(disposition).Valid() {
			fmt.Fprintf(os.Stderr, "Error: unknown disposition %q\n", disposition)
			os.Exit(1)
		}

		a := mustBuildApp()
		defer a.Close()
		a.probeOnce()

		ctx, cancel := opContext()
		defer cancel()

		changes := pin.Changes{"disposition": disposition}
		if markVisit {
			changes["visit_count"] = 1
			if a.store != nil {
				if current, err := a.store.GetPin(ctx, id); err == nil {
					changes["visit_count"] = current.VisitCount + 1
				}
			}
		}

		rec, err := a.service.Update(ctx, id, changes)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Marked %s as %s [%s]\n",
			ui.RenderPass("✓"), rec.ID, ui.Disposition(string(rec.Disposition)), ui.SyncBadge(rec.Synced))
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <pin-id>",
	Short: "Delete a pin",
	Long: `Delete a pin on the server.

Deletion requires the server to be reachable; there is no offline
delete.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustBuildApp()
		defer a.Close()
		a.probeOnce()

		ctx, cancel := opContext()
		defer cancel()

		if err := a.service.Delete(ctx, args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), args[0])
	},
}

func mustBuildApp() *app {
	a, err := buildApp(log.New(os.Stderr, "[pins] ", log.LstdFlags))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return a
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func init() {
	addCmd.Flags().Float64Var(&addLat, "lat", 0, "latitude")
	addCmd.Flags().Float64Var(&addLng, "lng", 0, "longitude")
	addCmd.Flags().BoolVar(&addNoCoords, "no-coords", false, "drop the pin without coordinates")
	addCmd.Flags().StringVar(&addDisposition, "disposition", "unmarked", "initial disposition")
	markCmd.Flags().BoolVar(&markVisit, "visit", false, "also increment the visit counter")

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(markCmd)
	rootCmd.AddCommand(deleteCmd)
}
