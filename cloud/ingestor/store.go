package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alimk/nightwatch/pkg/models"
)

// store wraps the SQLite history of device snapshots and alarm events. All
// methods are safe for concurrent use; the pool is capped at one connection
// so writes are serialised and ":memory:" databases survive across calls.
type store struct {
	db   *sql.DB
	path string
}

// openStore opens (or creates) the SQLite database at path and runs the
// schema migration.
func openStore(path string) (*store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &store{db: db, path: path}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS device_states (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id         TEXT    NOT NULL,
    ts_rfc3339        TEXT    NOT NULL,
    received_at_unix  INTEGER NOT NULL,
    connected         INTEGER NOT NULL,
    light_level       INTEGER NOT NULL,
    night_mode        INTEGER NOT NULL,
    motion_input      INTEGER NOT NULL,
    alarm_active      INTEGER NOT NULL,
    buzzer_timer      INTEGER NOT NULL,
    notification_sent INTEGER NOT NULL,
    raw_json          TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_device_states_device_received
    ON device_states (device_id, received_at_unix DESC);

CREATE TABLE IF NOT EXISTS alarm_events (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id         TEXT    NOT NULL UNIQUE,
    device_id        TEXT    NOT NULL,
    ts_rfc3339       TEXT    NOT NULL,
    received_at_unix INTEGER NOT NULL,
    kind             TEXT    NOT NULL,
    light_level      INTEGER NOT NULL,
    buzzer_timer     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alarm_events_device_received
    ON alarm_events (device_id, received_at_unix DESC);
`)
	return err
}

// insertState appends one accepted snapshot to the history.
func (s *store) insertState(snap models.DeviceSnapshot, receivedAt int64) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal raw_json: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO device_states
		    (device_id, ts_rfc3339, received_at_unix,
		     connected, light_level, night_mode, motion_input,
		     alarm_active, buzzer_timer, notification_sent, raw_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.DeviceID,
		snap.Timestamp.UTC().Format(time.RFC3339Nano),
		receivedAt,
		snap.Connected,
		snap.LightLevel,
		snap.NightMode,
		snap.MotionInput,
		snap.AlarmActive,
		snap.BuzzerTimer,
		snap.NotificationSent,
		string(raw),
	)
	return err
}

// insertEvent stores one alarm event. MQTT delivers at least once, so an
// event whose ID is already stored is skipped and reported as not inserted.
func (s *store) insertEvent(ev models.AlarmEvent, receivedAt int64) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO alarm_events
		    (event_id, device_id, ts_rfc3339, received_at_unix,
		     kind, light_level, buzzer_timer)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID,
		ev.DeviceID,
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		receivedAt,
		ev.Kind,
		ev.LightLevel,
		ev.BuzzerTimer,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// stateRow is what GET /api/v1/state/last returns.
type stateRow struct {
	ID               int64  `json:"id"`
	DeviceID         string `json:"device_id"`
	TsRFC3339        string `json:"ts_rfc3339"`
	ReceivedAt       int64  `json:"received_at_unix"`
	Connected        bool   `json:"connected"`
	LightLevel       int    `json:"light_level"`
	NightMode        bool   `json:"night_mode"`
	MotionInput      bool   `json:"motion_input"`
	AlarmActive      bool   `json:"alarm_active"`
	BuzzerTimer      int    `json:"buzzer_timer"`
	NotificationSent bool   `json:"notification_sent"`
}

const stateColumns = `id, device_id, ts_rfc3339, received_at_unix,
	connected, light_level, night_mode, motion_input,
	alarm_active, buzzer_timer, notification_sent`

// queryLastState returns the most recently received snapshot, optionally
// filtered by deviceID (empty string = no filter). Returns (nil, nil) when
// no rows match.
func (s *store) queryLastState(deviceID string) (*stateRow, error) {
	q := `SELECT ` + stateColumns + ` FROM device_states`
	var args []any
	if deviceID != "" {
		q += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	q += ` ORDER BY received_at_unix DESC, id DESC LIMIT 1`

	r := &stateRow{}
	err := s.db.QueryRow(q, args...).Scan(
		&r.ID, &r.DeviceID, &r.TsRFC3339, &r.ReceivedAt,
		&r.Connected, &r.LightLevel, &r.NightMode, &r.MotionInput,
		&r.AlarmActive, &r.BuzzerTimer, &r.NotificationSent,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// eventRow is one element of GET /api/v1/events/recent.
type eventRow struct {
	ID          string `json:"id"`
	DeviceID    string `json:"device_id"`
	TsRFC3339   string `json:"ts_rfc3339"`
	ReceivedAt  int64  `json:"received_at_unix"`
	Kind        string `json:"kind"`
	LightLevel  int    `json:"light_level"`
	BuzzerTimer int    `json:"buzzer_timer"`
}

// queryRecentEvents returns the last limit alarm events, newest first,
// optionally filtered by deviceID. limit is clamped to [1, 500] by the caller.
func (s *store) queryRecentEvents(deviceID string, limit int) ([]eventRow, error) {
	q := `SELECT event_id, device_id, ts_rfc3339, received_at_unix,
	             kind, light_level, buzzer_timer
	      FROM alarm_events`
	var args []any
	if deviceID != "" {
		q += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	q += ` ORDER BY received_at_unix DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []eventRow
	for rows.Next() {
		r := eventRow{}
		if err := rows.Scan(
			&r.ID, &r.DeviceID, &r.TsRFC3339, &r.ReceivedAt,
			&r.Kind, &r.LightLevel, &r.BuzzerTimer,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// storeStats is a point-in-time view of the history tables.
type storeStats struct {
	StateRows     int64
	EventRows     int64
	LastWriteUnix int64
	FileBytes     int64
}

// statsSnapshot collects row counts, the newest write time and the database
// file size. Fields that cannot be read are left at zero.
func (s *store) statsSnapshot() storeStats {
	var st storeStats
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM device_states`).Scan(&st.StateRows); err != nil {
		logger.Warn("count device_states failed", "error", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM alarm_events`).Scan(&st.EventRows); err != nil {
		logger.Warn("count alarm_events failed", "error", err)
	}
	err := s.db.QueryRow(`
		SELECT MAX(ts) FROM (
		    SELECT COALESCE(MAX(received_at_unix), 0) AS ts FROM device_states
		    UNION ALL
		    SELECT COALESCE(MAX(received_at_unix), 0) FROM alarm_events
		)`).Scan(&st.LastWriteUnix)
	if err != nil {
		logger.Warn("query last write failed", "error", err)
	}
	if s.path != ":memory:" {
		if fi, err := os.Stat(s.path); err == nil {
			st.FileBytes = fi.Size()
		}
	}
	return st
}

// ping returns nil if the DB is reachable.
func (s *store) ping() error {
	return s.db.Ping()
}

func (s *store) close() error {
	return s.db.Close()
}
