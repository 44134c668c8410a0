// Package store persists the device registry and tile history, and mirrors
// tile changes to Redis for dashboards running elsewhere.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"androidfarm/farm"
	"androidfarm/logging"
	"androidfarm/models"
)

const schemaVersion = 1

// DefaultDatabasePath is where the registry lives unless configured.
const DefaultDatabasePath = "./data/androidfarm.db"

// SQLite stores devices and connection events.
type SQLite struct {
	DB  *sql.DB
	log zerolog.Logger
}

// Event is one persisted tile transition.
type Event struct {
	ID       int64     `json:"id"`
	DeviceID string    `json:"device_id"`
	From     string    `json:"from,omitempty"`
	To       string    `json:"to"`
	Tier     string    `json:"tier,omitempty"`
	Error    string    `json:"error,omitempty"`
	Removed  bool      `json:"removed,omitempty"`
	At       time.Time `json:"at"`
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = DefaultDatabasePath
	}
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	s := &SQLite{DB: db, log: logging.WithComponent("store")}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	s.log.Info().
		Str(logging.FieldEvent, "store.opened").
		Str("path", path).
		Msg("database initialized")
	return s, nil
}

func (s *SQLite) migrate() error {
	var current int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		adb_device_id TEXT NOT NULL,
		hardware_serial TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		android_version TEXT NOT NULL DEFAULT '',
		resolution TEXT NOT NULL DEFAULT '',
		battery INTEGER NOT NULL DEFAULT 0,
		first_seen_ms INTEGER NOT NULL,
		last_seen_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS connection_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		from_state TEXT NOT NULL DEFAULT '',
		to_state TEXT NOT NULL,
		tier TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		removed BOOLEAN NOT NULL DEFAULT 0,
		at_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_device ON connection_events(device_id, id);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertDevices records a scan: listed devices become online with their
// first sighting preserved, every other known device goes offline.
func (s *SQLite) UpsertDevices(ctx context.Context, devices []models.Device, now time.Time) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ms := now.UnixMilli()
	if _, err := tx.ExecContext(ctx, `UPDATE devices SET status = ?`, models.StatusOffline); err != nil {
		return fmt.Errorf("mark offline: %w", err)
	}

	const upsert = `
	INSERT INTO devices (id, adb_device_id, hardware_serial, name, status, android_version, resolution, battery, first_seen_ms, last_seen_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		adb_device_id = excluded.adb_device_id,
		hardware_serial = excluded.hardware_serial,
		name = excluded.name,
		status = excluded.status,
		android_version = excluded.android_version,
		resolution = excluded.resolution,
		battery = excluded.battery,
		last_seen_ms = excluded.last_seen_ms
	`
	for _, d := range devices {
		_, err := tx.ExecContext(ctx, upsert,
			d.ID, d.ADBDeviceID, d.HardwareSerial, d.Name, models.StatusOnline,
			d.AndroidVersion, d.Resolution, d.Battery, ms, ms,
		)
		if err != nil {
			return fmt.Errorf("upsert device %s: %w", d.ID, err)
		}
	}
	return tx.Commit()
}

// Devices returns every known device ordered by id.
func (s *SQLite) Devices(ctx context.Context) ([]models.Device, error) {
	rows, err := s.DB.QueryContext(ctx, `
	SELECT id, adb_device_id, hardware_serial, name, status, android_version, resolution, battery, first_seen_ms, last_seen_ms
	FROM devices ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Device
	for rows.Next() {
		var (
			d               models.Device
			firstMs, lastMs int64
		)
		if err := rows.Scan(&d.ID, &d.ADBDeviceID, &d.HardwareSerial, &d.Name, &d.Status,
			&d.AndroidVersion, &d.Resolution, &d.Battery, &firstMs, &lastMs); err != nil {
			return nil, err
		}
		d.FirstSeen = time.UnixMilli(firstMs).UTC()
		d.LastSeen = time.UnixMilli(lastMs).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecordChange appends a tile transition to connection_events.
func (s *SQLite) RecordChange(ctx context.Context, c farm.Change) error {
	var tier string
	if c.Tile.Quality != nil {
		tier = c.Tile.Quality.Label
	}
	_, err := s.DB.ExecContext(ctx, `
	INSERT INTO connection_events (device_id, from_state, to_state, tier, error, removed, at_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.DeviceID, string(c.From), string(c.To), tier, c.Tile.LastError, c.Removed, c.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record change for %s: %w", c.DeviceID, err)
	}
	return nil
}

// Events returns the most recent events for deviceID, newest first. An empty
// deviceID returns events for every device.
func (s *SQLite) Events(ctx context.Context, deviceID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, device_id, from_state, to_state, tier, error, removed, at_ms FROM connection_events`
	args := []any{}
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e    Event
			atMs int64
		)
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.From, &e.To, &e.Tier, &e.Error, &e.Removed, &atMs); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(atMs).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.DB.Close()
}
