// Package store implements the relational persistence contract on an
// embedded sqlite database: device identities, the message log, and the
// per-receiver acknowledgment cursor that drives offline replay.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
	"pkt.systems/pslog"
)

// ErrDeviceNotFound reports an update against an unknown device id.
var ErrDeviceNotFound = errors.New("store: device not found")

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id                 TEXT PRIMARY KEY,
	name               TEXT,
	avatar             TEXT,
	auto_message_clean INTEGER NOT NULL DEFAULT 0,
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid       TEXT NOT NULL UNIQUE,
	sender     TEXT NOT NULL,
	receiver   TEXT NOT NULL,
	msg_type   TEXT NOT NULL,
	content    TEXT,
	extra      TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_receiver_id ON messages(receiver, id);
CREATE TABLE IF NOT EXISTS message_acks (
	receiver TEXT PRIMARY KEY,
	last_ack INTEGER NOT NULL DEFAULT 0
);
`

// MessageType enumerates the payload kinds peers exchange.
type MessageType string

// Message payload kinds.
const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeVideo MessageType = "video"
	TypeFile  MessageType = "file"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeFile:
		return true
	}
	return false
}

// Device is a persisted peer identity. The id doubles as the bearer token a
// device authenticates with.
type Device struct {
	ID string `json:"id"`
	// Name is the user-visible display name.
	Name   *string `json:"name,omitempty"`
	Avatar *string `json:"avatar,omitempty"`
	// AutoMessageClean selects per-device message retention: 0 keep,
	// 1 seven days, 2 thirty days, 3 ninety days.
	AutoMessageClean int       `json:"autoMessageClean"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// DevicePatch carries a partial device update; nil fields are untouched.
type DevicePatch struct {
	Name             *string `json:"name,omitempty"`
	Avatar           *string `json:"avatar,omitempty"`
	AutoMessageClean *int    `json:"autoMessageClean,omitempty"`
}

// Message is an immutable persisted relay record.
type Message struct {
	ID        int64       `json:"id"`
	UUID      string      `json:"uuid"`
	Sender    string      `json:"sender"`
	Receiver  string      `json:"receiver"`
	Type      MessageType `json:"type"`
	Content   *string     `json:"content,omitempty"`
	Extra     *string     `json:"extra,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// AckCursor marks the highest message id a receiver has confirmed.
type AckCursor struct {
	Receiver string `json:"receiver"`
	LastAck  int64  `json:"lastAck"`
}

// Store wraps the sqlite handle behind the narrow query contract the server
// core requires.
type Store struct {
	db     *sql.DB
	logger pslog.Logger
}

// Open creates parent directories, opens (or creates) the database at path,
// and applies the schema. The pure-Go sqlite driver needs no cgo.
func Open(ctx context.Context, path string, logger pslog.Logger) (*Store, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("store: create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// A single writer connection sidesteps SQLITE_BUSY under concurrent
	// deliveries; sqlite serializes writes anyway.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", strings.TrimSuffix(pragma, ";"), err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	logger.Debug("database ready", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the handle is still usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetDevice looks a device up by id. A miss is (nil, nil), not an error.
func (s *Store) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, avatar, auto_message_clean, created_at, updated_at FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get device: %w", err)
	}
	return d, nil
}

// CreateDevice persists a new device identity.
func (s *Store) CreateDevice(ctx context.Context, d Device) (*Device, error) {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, name, avatar, auto_message_clean, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.Avatar, d.AutoMessageClean, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("store: create device: %w", err)
	}
	return s.GetDevice(ctx, d.ID)
}

// UpdateDevice applies a partial update, bumping updated_at.
func (s *Store) UpdateDevice(ctx context.Context, id string, patch DevicePatch) (*Device, error) {
	sets := make([]string, 0, 4)
	args := make([]any, 0, 5)
	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	if patch.Avatar != nil {
		sets = append(sets, "avatar = ?")
		args = append(args, *patch.Avatar)
	}
	if patch.AutoMessageClean != nil {
		sets = append(sets, "auto_message_clean = ?")
		args = append(args, *patch.AutoMessageClean)
	}
	if len(sets) == 0 {
		return s.GetDevice(ctx, id)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UnixMilli(), id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE devices SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return nil, fmt.Errorf("store: update device: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("store: update device rows: %w", err)
	}
	if affected == 0 {
		return nil, ErrDeviceNotFound
	}
	return s.GetDevice(ctx, id)
}

// ListDevices returns all known devices, oldest first.
func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, avatar, auto_message_clean, created_at, updated_at FROM devices ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	defer rows.Close()
	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list devices: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// InsertMessage persists m, assigning the monotonic id and creation time.
func (s *Store) InsertMessage(ctx context.Context, m Message) (*Message, error) {
	if !m.Type.Valid() {
		return nil, fmt.Errorf("store: invalid message type %q", m.Type)
	}
	created := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (uuid, sender, receiver, msg_type, content, extra, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.UUID, m.Sender, m.Receiver, string(m.Type), m.Content, m.Extra, created.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("store: insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: insert message id: %w", err)
	}
	m.ID = id
	m.CreatedAt = created
	return &m, nil
}

// MessagesFor pages through a receiver's history, newest first.
func (s *Store) MessagesFor(ctx context.Context, receiver string, page, pageSize int) ([]Message, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, uuid, sender, receiver, msg_type, content, extra, created_at
		 FROM messages WHERE receiver = ? ORDER BY id DESC LIMIT ? OFFSET ?`,
		receiver, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("store: query messages: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, 0, err
	}
	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE receiver = ?`, receiver).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count messages: %w", err)
	}
	return msgs, total, nil
}

// MessagesAfter returns every message for receiver with id greater than
// afterID, newest first. This is the backlog-replay query.
func (s *Store) MessagesAfter(ctx context.Context, receiver string, afterID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, uuid, sender, receiver, msg_type, content, extra, created_at
		 FROM messages WHERE receiver = ? AND id > ? ORDER BY id DESC`,
		receiver, afterID)
	if err != nil {
		return nil, fmt.Errorf("store: query backlog: %w", err)
	}
	return collectMessages(rows)
}

// UpsertAck advances the receiver's acknowledgment cursor.
func (s *Store) UpsertAck(ctx context.Context, receiver string, lastID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_acks (receiver, last_ack) VALUES (?, ?)
		 ON CONFLICT(receiver) DO UPDATE SET last_ack = excluded.last_ack`,
		receiver, lastID)
	if err != nil {
		return fmt.Errorf("store: upsert ack: %w", err)
	}
	return nil
}

// GetAck returns the receiver's cursor, or nil when none exists yet.
func (s *Store) GetAck(ctx context.Context, receiver string) (*AckCursor, error) {
	var c AckCursor
	err := s.db.QueryRowContext(ctx,
		`SELECT receiver, last_ack FROM message_acks WHERE receiver = ?`, receiver).
		Scan(&c.Receiver, &c.LastAck)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get ack: %w", err)
	}
	return &c, nil
}

// retentionDays maps the auto_message_clean enum onto a day count.
func retentionDays(policy int) int {
	switch policy {
	case 1:
		return 7
	case 2:
		return 30
	case 3:
		return 90
	}
	return 0
}

// PruneExpired deletes messages older than each device's retention window
// and reports how many rows were removed.
func (s *Store) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	devices, err := s.ListDevices(ctx)
	if err != nil {
		return 0, err
	}
	var removed int64
	for _, d := range devices {
		days := retentionDays(d.AutoMessageClean)
		if days == 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -days).UnixMilli()
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM messages WHERE receiver = ? AND created_at < ?`, d.ID, cutoff)
		if err != nil {
			return removed, fmt.Errorf("store: prune messages for %s: %w", d.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return removed, fmt.Errorf("store: prune rows: %w", err)
		}
		if n > 0 {
			s.logger.Debug("pruned expired messages", "device", d.ID, "removed", n, "days", days)
		}
		removed += n
	}
	return removed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var name, avatar sql.NullString
	var created, updated int64
	if err := row.Scan(&d.ID, &name, &avatar, &d.AutoMessageClean, &created, &updated); err != nil {
		return nil, err
	}
	if name.Valid {
		d.Name = &name.String
	}
	if avatar.Valid {
		d.Avatar = &avatar.String
	}
	d.CreatedAt = time.UnixMilli(created)
	d.UpdatedAt = time.UnixMilli(updated)
	return &d, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		var content, extra sql.NullString
		var msgType string
		var created int64
		if err := rows.Scan(&m.ID, &m.UUID, &m.Sender, &m.Receiver, &msgType, &content, &extra, &created); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.Type = MessageType(msgType)
		if content.Valid {
			m.Content = &content.String
		}
		if extra.Valid {
			m.Extra = &extra.String
		}
		m.CreatedAt = time.UnixMilli(created)
		out = append(out, m)
	}
	return out, rows.Err()
}
