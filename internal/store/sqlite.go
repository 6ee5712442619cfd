package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/fieldmark/pindrop/internal/pin"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DefaultMaxQueue bounds the pending queue for an indefinitely offline
// client. Offline writes past this bound fail with ErrQueueFull.
const DefaultMaxQueue = 1000

// timeFormat is RFC3339 UTC with fixed-width nanoseconds. RFC3339Nano
// trims trailing zeros, which breaks lexicographic ordering on the
// TEXT columns ('Z' sorts after '.'), so timestamps are stored
// zero-padded instead.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// DB is the SQLite-backed Store. The database runs in embedded mode
// with WAL so status reads stay concurrent with sync writes.
type DB struct {
	conn     *sql.DB
	path     string
	maxQueue int
}

// Options configures Open.
type Options struct {
	// MaxQueue bounds the pending queue (default DefaultMaxQueue).
	MaxQueue int
}

// Open creates a database connection at the specified path.
//
// If the database doesn't exist it is created along with the schema.
// Open is idempotent; calling it against an existing database only
// re-applies the CREATE IF NOT EXISTS statements.
//
// Failures to create or open the file are wrapped in
// ErrStorageUnavailable so callers can degrade to always-remote mode.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	db, err := store.Open(".pindrop/pins.db", nil)
//	if errors.Is(err, store.ErrStorageUnavailable) {
//	    // offline capture disabled, continue remote-only
//	}
func Open(path string, opts *Options) (*DB, error) {
	if opts == nil {
		opts = &Options{}
	}
	maxQueue := opts.MaxQueue
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueue
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create database directory: %v", ErrStorageUnavailable, err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrStorageUnavailable, err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %v", ErrStorageUnavailable, err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn:     conn,
		path:     path,
		maxQueue: maxQueue,
	}

	// WAL mode for concurrent reads during sync writes
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Close closes the database connection after a WAL checkpoint so all
// changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

func (db *DB) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS pins (
		id TEXT PRIMARY KEY,
		latitude REAL,
		longitude REAL,
		disposition TEXT NOT NULL DEFAULT 'unmarked',
		synced INTEGER NOT NULL DEFAULT 0,
		offline_created INTEGER NOT NULL DEFAULT 0,
		visit_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		idempotency_key TEXT
	);

	CREATE TABLE IF NOT EXISTS sync_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		pin_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Lookup indexes: by sync status and by update time
	CREATE INDEX IF NOT EXISTS idx_pins_synced ON pins(synced);
	CREATE INDEX IF NOT EXISTS idx_pins_updated ON pins(updated_at);
	CREATE INDEX IF NOT EXISTS idx_queue_pin ON sync_queue(pin_id);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// UpsertPins implements Store.UpsertPins.
func (db *DB) UpsertPins(ctx context.Context, pins []*pin.Pin) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, p := range pins {
		if err := upsertPinTx(ctx, tx, p); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

func upsertPinTx(ctx context.Context, tx *sql.Tx, p *pin.Pin) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid pin: %w", err)
	}

	query := `
	INSERT INTO pins (
		id, latitude, longitude, disposition, synced,
		offline_created, visit_count, created_at, updated_at, idempotency_key
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		latitude = excluded.latitude,
		longitude = excluded.longitude,
		disposition = excluded.disposition,
		synced = excluded.synced,
		offline_created = excluded.offline_created,
		visit_count = excluded.visit_count,
		updated_at = excluded.updated_at,
		idempotency_key = excluded.idempotency_key
	`

	_, err := tx.ExecContext(ctx, query,
		p.ID,
		floatToNull(p.Latitude),
		floatToNull(p.Longitude),
		string(p.Disposition),
		boolToInt(p.Synced),
		boolToInt(p.OfflineCreated),
		p.VisitCount,
		p.CreatedAt.UTC().Format(timeFormat),
		p.UpdatedAt.UTC().Format(timeFormat),
		p.IdempotencyKey,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert pin %s: %w", p.ID, err)
	}
	return nil
}

const pinColumns = `id, latitude, longitude, disposition, synced,
	offline_created, visit_count, created_at, updated_at, idempotency_key`

// GetPin implements Store.GetPin.
func (db *DB) GetPin(ctx context.Context, id string) (*pin.Pin, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+pinColumns+` FROM pins WHERE id = ?`, id)
	p, err := scanPin(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pin %s: %w", id, err)
	}
	return p, nil
}

// GetAllPins implements Store.GetAllPins.
func (db *DB) GetAllPins(ctx context.Context) ([]*pin.Pin, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+pinColumns+` FROM pins ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pins: %w", err)
	}
	defer rows.Close()

	var pins []*pin.Pin
	for rows.Next() {
		p, err := scanPin(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pin: %w", err)
		}
		pins = append(pins, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pins: %w", err)
	}

	return pins, nil
}

// ReplaceAll implements Store.ReplaceAll. The fetched set is
// authoritative; only pins still referenced by the pending queue keep
// their local snapshot, because dropping them would leave queue entries
// with no backing record.
func (db *DB) ReplaceAll(ctx context.Context, pins []*pin.Pin) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM pins WHERE id NOT IN (SELECT pin_id FROM sync_queue)`)
	if err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}

	for _, p := range pins {
		var refs int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sync_queue WHERE pin_id = ?`, p.ID).Scan(&refs)
		if err != nil {
			return fmt.Errorf("failed to count queue refs for %s: %w", p.ID, err)
		}
		if refs > 0 {
			continue
		}
		if err := upsertPinTx(ctx, tx, p); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit replace: %w", err)
	}
	return nil
}

// CreateWithQueue implements Store.CreateWithQueue.
func (db *DB) CreateWithQueue(ctx context.Context, p *pin.Pin, op *pin.PendingOp) error {
	return db.writeWithQueue(ctx, p, op)
}

// UpdateWithQueue implements Store.UpdateWithQueue.
func (db *DB) UpdateWithQueue(ctx context.Context, p *pin.Pin, op *pin.PendingOp) error {
	return db.writeWithQueue(ctx, p, op)
}

func (db *DB) writeWithQueue(ctx context.Context, p *pin.Pin, op *pin.PendingOp) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid queue entry: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := db.checkQueueBoundTx(ctx, tx); err != nil {
		return err
	}
	if err := upsertPinTx(ctx, tx, p); err != nil {
		return err
	}
	if _, err := enqueueTx(ctx, tx, op); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit queued write: %w", err)
	}
	return nil
}

func (db *DB) checkQueueBoundTx(ctx context.Context, tx *sql.Tx) error {
	var depth int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&depth); err != nil {
		return fmt.Errorf("failed to count queue: %w", err)
	}
	if depth >= db.maxQueue {
		return fmt.Errorf("%w: %d entries pending", ErrQueueFull, depth)
	}
	return nil
}

func enqueueTx(ctx context.Context, tx *sql.Tx, op *pin.PendingOp) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO sync_queue (action, pin_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(op.Action),
		op.PinID,
		string(op.Payload),
		op.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s for %s: %w", op.Action, op.PinID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue sequence: %w", err)
	}
	op.Seq = seq
	return seq, nil
}

// EnqueueOp implements Store.EnqueueOp.
func (db *DB) EnqueueOp(ctx context.Context, op *pin.PendingOp) (int64, error) {
	if err := op.Validate(); err != nil {
		return 0, fmt.Errorf("invalid queue entry: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := db.checkQueueBoundTx(ctx, tx); err != nil {
		return 0, err
	}
	seq, err := enqueueTx(ctx, tx, op)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return seq, nil
}

// GetQueue implements Store.GetQueue.
func (db *DB) GetQueue(ctx context.Context) ([]*pin.PendingOp, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT seq, action, pin_id, payload, created_at FROM sync_queue ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	defer rows.Close()

	var ops []*pin.PendingOp
	for rows.Next() {
		var op pin.PendingOp
		var action, payload, createdAt string
		if err := rows.Scan(&op.Seq, &action, &op.PinID, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		op.Action = pin.Action(action)
		op.Payload = json.RawMessage(payload)
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			op.CreatedAt = t
		}
		ops = append(ops, &op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync queue: %w", err)
	}

	return ops, nil
}

// RemoveQueueEntry implements Store.RemoveQueueEntry.
func (db *DB) RemoveQueueEntry(ctx context.Context, seq int64) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM sync_queue WHERE seq = ?`, seq)
	if err != nil {
		return fmt.Errorf("failed to remove queue entry %d: %w", seq, err)
	}
	return nil
}

// CountQueueForPin implements Store.CountQueueForPin.
func (db *DB) CountQueueForPin(ctx context.Context, id string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE pin_id = ?`, id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue refs for %s: %w", id, err)
	}
	return count, nil
}

// ReconcileIdentity implements Store.ReconcileIdentity.
func (db *DB) ReconcileIdentity(ctx context.Context, localID, serverID string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if serverID != localID {
		var hasLocal int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM pins WHERE id = ?`, localID).Scan(&hasLocal); err != nil {
			return fmt.Errorf("failed to look up %s: %w", localID, err)
		}

		if hasLocal > 0 {
			// The server may already hold this record under its own ID
			// (duplicate create collapsed via idempotency key); drop any
			// cached copy so no two records share an ID.
			if _, err := tx.ExecContext(ctx, `DELETE FROM pins WHERE id = ?`, serverID); err != nil {
				return fmt.Errorf("failed to clear existing record %s: %w", serverID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE pins SET id = ? WHERE id = ?`, serverID, localID); err != nil {
				return fmt.Errorf("failed to rewrite pin id %s -> %s: %w", localID, serverID, err)
			}
		} else {
			// Resuming an interrupted reconcile: the snapshot already
			// moved to the server ID. Nothing to rewrite but the flags.
			var hasServer int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM pins WHERE id = ?`, serverID).Scan(&hasServer); err != nil {
				return fmt.Errorf("failed to look up %s: %w", serverID, err)
			}
			if hasServer == 0 {
				return fmt.Errorf("reconcile %s -> %s: %w", localID, serverID, ErrNotFound)
			}
		}

		// Rewrite forward references so no queue entry dangles on the
		// retired local identifier.
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_queue SET pin_id = ? WHERE pin_id = ?`, serverID, localID); err != nil {
			return fmt.Errorf("failed to rewrite queue refs %s -> %s: %w", localID, serverID, err)
		}
	}

	// synced=yes only when nothing else is queued for this record.
	_, err = tx.ExecContext(ctx, `
		UPDATE pins SET
			offline_created = 0,
			synced = NOT EXISTS (SELECT 1 FROM sync_queue WHERE pin_id = ?)
		WHERE id = ?`, serverID, serverID)
	if err != nil {
		return fmt.Errorf("failed to mark %s reconciled: %w", serverID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reconcile: %w", err)
	}
	return nil
}

// MarkSynced implements Store.MarkSynced.
func (db *DB) MarkSynced(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE pins SET synced = 1
		WHERE id = ?
		  AND NOT EXISTS (SELECT 1 FROM sync_queue WHERE pin_id = ?)`, id, id)
	if err != nil {
		return fmt.Errorf("failed to mark %s synced: %w", id, err)
	}
	return nil
}

// DeletePin implements Store.DeletePin.
func (db *DB) DeletePin(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM pins WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete pin %s: %w", id, err)
	}
	return nil
}

// CountUnsynced implements Store.CountUnsynced.
func (db *DB) CountUnsynced(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM pins WHERE synced = 0`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsynced pins: %w", err)
	}
	return count, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPin(row scanner) (*pin.Pin, error) {
	var p pin.Pin
	var lat, lng sql.NullFloat64
	var disposition, createdAt, updatedAt string
	var synced, offlineCreated int
	var idemKey sql.NullString

	err := row.Scan(
		&p.ID,
		&lat,
		&lng,
		&disposition,
		&synced,
		&offlineCreated,
		&p.VisitCount,
		&createdAt,
		&updatedAt,
		&idemKey,
	)
	if err != nil {
		return nil, err
	}

	p.Latitude = nullToFloat(lat)
	p.Longitude = nullToFloat(lng)
	p.Disposition = pin.Disposition(disposition)
	if !p.Disposition.Valid() {
		p.Disposition = pin.DispositionUnmarked
	}
	p.Synced = synced != 0
	p.OfflineCreated = offlineCreated != 0
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		p.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		p.UpdatedAt = t
	}
	if idemKey.Valid {
		p.IdempotencyKey = idemKey.String
	}

	return &p, nil
}

func floatToNull(f *float64) sql.NullFloat64 {
	if f == nil || math.IsNaN(*f) || math.IsInf(*f, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullToFloat(nf sql.NullFloat64) *float64 {
	if !nf.Valid || math.IsNaN(nf.Float64) || math.IsInf(nf.Float64, 0) {
		return nil
	}
	f := nf.Float64
	return &f
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
