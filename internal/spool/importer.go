package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fieldmark/pindrop/internal/pin"
)

// Capture is the on-disk format of one spool file. Fields match the
// pin wire format so capture tools can write the same JSON they would
// send to the API.
type Capture struct {
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	Disposition string   `json:"disposition,omitempty"`
	VisitCount  int      `json:"visit_count,omitempty"`
	Notes       string   `json:"notes,omitempty"`
}

// Creator is the slice of the pin service the importer needs.
type Creator interface {
	Create(ctx context.Context, p *pin.Pin) (*pin.Pin, error)
}

// processedDir is where imported files are moved, relative to the
// spool directory.
const processedDir = "processed"

// failedDir is where unparseable or rejected files are moved.
const failedDir = "failed"

// Importer watches a spool directory and records each dropped capture
// file as a pin. Imported files move to processed/, bad files to
// failed/, so the directory itself is the work queue and nothing is
// imported twice.
type Importer struct {
	dir      string
	creator  Creator
	watcher  *Watcher
	onImport func(*pin.Pin)
	logger   *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewImporter creates an Importer for the given spool directory. If
// logger is nil, a default logger writing to stderr is used.
func NewImporter(dir string, creator Creator, logger *log.Logger) *Importer {
	if logger == nil {
		logger = log.New(os.Stderr, "[spool] ", log.LstdFlags)
	}
	return &Importer{
		dir:     dir,
		creator: creator,
		logger:  logger,
	}
}

// OnImport registers a callback invoked with the recorded pin after
// each successful import. Must be called before Start.
func (im *Importer) OnImport(fn func(*pin.Pin)) {
	im.onImport = fn
}

// Start scans the spool directory for captures left over from a
// previous run, then watches for new files. It returns after the
// initial scan; watching continues in the background until Stop.
func (im *Importer) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(im.dir, processedDir), 0o755); err != nil {
		return fmt.Errorf("failed to create processed directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(im.dir, failedDir), 0o755); err != nil {
		return fmt.Errorf("failed to create failed directory: %w", err)
	}

	im.ctx, im.cancel = context.WithCancel(ctx)

	watcher, err := NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Start(im.dir); err != nil {
		return err
	}
	im.watcher = watcher

	// Watch first, scan second, so a file landing between the two is
	// never missed. A file caught by both is handled by ImportFile
	// treating an already-moved file as a no-op.
	if err := im.Scan(im.ctx); err != nil {
		im.logger.Printf("WARNING: initial spool scan failed: %v", err)
	}

	im.wg.Add(1)
	go im.run()

	return nil
}

// Stop shuts the importer down and waits for in-flight imports.
func (im *Importer) Stop() {
	if im.cancel != nil {
		im.cancel()
	}
	if im.watcher != nil {
		if err := im.watcher.Stop(); err != nil {
			im.logger.Printf("WARNING: failed to stop spool watcher: %v", err)
		}
	}
	im.wg.Wait()
}

func (im *Importer) run() {
	defer im.wg.Done()

	for {
		select {
		case <-im.ctx.Done():
			return

		case event, ok := <-im.watcher.Events():
			if !ok {
				return
			}
			if event.Op == OpDelete {
				continue
			}
			if err := im.ImportFile(im.ctx, event.Path); err != nil {
				im.logger.Printf("WARNING: failed to import %s: %v", filepath.Base(event.Path), err)
			}

		case err, ok := <-im.watcher.Errors():
			if !ok {
				return
			}
			im.logger.Printf("WARNING: spool watcher error: %v", err)
		}
	}
}

// Scan imports every capture file currently in the spool directory.
func (im *Importer) Scan(ctx context.Context) error {
	matches, err := filepath.Glob(filepath.Join(im.dir, "*.json"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := im.ImportFile(ctx, path); err != nil {
			im.logger.Printf("WARNING: failed to import %s: %v", filepath.Base(path), err)
		}
	}
	return nil
}

// ImportFile reads one capture file, records it as a pin, and moves
// the file to processed/. Unparseable or rejected captures move to
// failed/ so they stop retrying but remain inspectable. A file that
// has already been moved away is a no-op.
func (im *Importer) ImportFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read capture: %w", err)
	}

	var c Capture
	if err := json.Unmarshal(data, &c); err != nil {
		im.quarantine(path)
		return fmt.Errorf("failed to parse capture: %w", err)
	}

	p := &pin.Pin{
		Latitude:    c.Latitude,
		Longitude:   c.Longitude,
		Disposition: pin.Disposition(c.Disposition),
		VisitCount:  c.VisitCount,
	}
	if !p.Disposition.Valid() {
		p.Disposition = pin.DispositionUnmarked
	}

	rec, err := im.creator.Create(ctx, p)
	if err != nil {
		var coordErr *pin.InvalidCoordinateError
		if errors.As(err, &coordErr) {
			im.quarantine(path)
		}
		return fmt.Errorf("failed to record capture: %w", err)
	}

	dest := filepath.Join(im.dir, processedDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		im.logger.Printf("WARNING: imported %s but failed to archive it: %v", filepath.Base(path), err)
	}

	if im.onImport != nil {
		im.onImport(rec)
	}

	im.logger.Printf("Imported capture %s as pin %s", filepath.Base(path), rec.ID)
	return nil
}

func (im *Importer) quarantine(path string) {
	dest := filepath.Join(im.dir, failedDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		im.logger.Printf("WARNING: failed to quarantine %s: %v", filepath.Base(path), err)
	}
}
