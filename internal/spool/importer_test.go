package spool

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fieldmark/pindrop/internal/pin"
)

type captureRecorder struct {
	mu      sync.Mutex
	created []*pin.Pin
	fail    error
}

func (r *captureRecorder) Create(ctx context.Context, p *pin.Pin) (*pin.Pin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return nil, r.fail
	}
	cp := *p
	cp.ID = "srv-1"
	r.created = append(r.created, &cp)
	return &cp, nil
}

func (r *captureRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.created)
}

func writeCapture(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write capture: %v", err)
	}
	return path
}

func newTestImporter(t *testing.T, rec *captureRecorder) (*Importer, string) {
	t.Helper()
	dir := t.TempDir()
	im := NewImporter(dir, rec, log.New(io.Discard, "", 0))
	return im, dir
}

func TestImportFile(t *testing.T) {
	rec := &captureRecorder{}
	im, dir := newTestImporter(t, rec)
	path := writeCapture(t, dir, "visit.json", `{"latitude":40.7,"longitude":-74.0,"disposition":"signed"}`)

	if err := os.MkdirAll(filepath.Join(dir, processedDir), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := im.ImportFile(context.Background(), path); err != nil {
		t.Fatalf("ImportFile failed: %v", err)
	}

	if rec.count() != 1 {
		t.Fatalf("expected 1 created pin, got %d", rec.count())
	}
	p := rec.created[0]
	if p.Latitude == nil || *p.Latitude != 40.7 {
		t.Errorf("latitude not carried over: %v", p.Latitude)
	}
	if p.Disposition != pin.DispositionSigned {
		t.Errorf("disposition not carried over: %s", p.Disposition)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("imported file should be moved out of the spool")
	}
	if _, err := os.Stat(filepath.Join(dir, processedDir, "visit.json")); err != nil {
		t.Errorf("imported file not archived: %v", err)
	}
}

func TestOnImportCallback(t *testing.T) {
	rec := &captureRecorder{}
	im, dir := newTestImporter(t, rec)
	path := writeCapture(t, dir, "visit.json", `{"latitude":40.7,"longitude":-74.0,"disposition":"signed"}`)

	var mu sync.Mutex
	var notified []*pin.Pin
	im.OnImport(func(p *pin.Pin) {
		mu.Lock()
		notified = append(notified, p)
		mu.Unlock()
	})

	if err := os.MkdirAll(filepath.Join(dir, processedDir), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := im.ImportFile(context.Background(), path); err != nil {
		t.Fatalf("ImportFile failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(notified) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notified))
	}
	if notified[0].ID != "srv-1" {
		t.Errorf("callback should receive the recorded pin, got %+v", notified[0])
	}
}

func TestImportFileBadJSON(t *testing.T) {
	rec := &captureRecorder{}
	im, dir := newTestImporter(t, rec)
	path := writeCapture(t, dir, "garbage.json", `{not json`)

	if err := os.MkdirAll(filepath.Join(dir, failedDir), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := im.ImportFile(context.Background(), path); err == nil {
		t.Fatal("expected a parse error")
	}

	if rec.count() != 0 {
		t.Error("unparseable capture must not create a pin")
	}
	if _, err := os.Stat(filepath.Join(dir, failedDir, "garbage.json")); err != nil {
		t.Errorf("bad file not quarantined: %v", err)
	}
}

func TestImportFileRejectedCoordinates(t *testing.T) {
	rec := &captureRecorder{fail: &pin.InvalidCoordinateError{Field: "latitude"}}
	im, dir := newTestImporter(t, rec)
	path := writeCapture(t, dir, "bad.json", `{"latitude":1,"longitude":2}`)

	if err := os.MkdirAll(filepath.Join(dir, failedDir), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := im.ImportFile(context.Background(), path); err == nil {
		t.Fatal("expected an error")
	}
	if _, err := os.Stat(filepath.Join(dir, failedDir, "bad.json")); err != nil {
		t.Errorf("rejected capture not quarantined: %v", err)
	}
}

func TestImportFileTransientFailureLeavesFile(t *testing.T) {
	rec := &captureRecorder{fail: errors.New("queue is full")}
	im, dir := newTestImporter(t, rec)
	path := writeCapture(t, dir, "visit.json", `{"latitude":1,"longitude":2}`)

	if err := im.ImportFile(context.Background(), path); err == nil {
		t.Fatal("expected an error")
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("capture must stay in the spool for retry on transient failure")
	}
}

func TestImportFileMissingIsNoOp(t *testing.T) {
	rec := &captureRecorder{}
	im, dir := newTestImporter(t, rec)

	err := im.ImportFile(context.Background(), filepath.Join(dir, "gone.json"))
	if err != nil {
		t.Fatalf("missing file should be a no-op, got: %v", err)
	}
}

func TestStartImportsExistingAndNewFiles(t *testing.T) {
	rec := &captureRecorder{}
	im, dir := newTestImporter(t, rec)

	writeCapture(t, dir, "existing.json", `{"latitude":1,"longitude":2}`)

	if err := im.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer im.Stop()

	waitFor(t, func() bool { return rec.count() == 1 })

	writeCapture(t, dir, "new.json", `{"latitude":3,"longitude":4}`)
	waitFor(t, func() bool { return rec.count() == 2 })
}

func TestStopIsIdempotent(t *testing.T) {
	rec := &captureRecorder{}
	im, _ := newTestImporter(t, rec)
	if err := im.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	im.Stop()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
