package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists records and attribute series in a local SQLite
// database. Records are stored as JSON blobs keyed by id; attribute
// history is an append-only table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a SQLite database at
// dbPath and initializes the schema. An empty path defaults to
// "./data/convoflow.db".
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/convoflow.db"
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		data TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (kind, id)
	);

	CREATE TABLE IF NOT EXISTS user_attributes (
		user_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		ts DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_user_attributes_lookup
		ON user_attributes(user_id, key, ts);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Users returns the user collection.
func (s *SQLiteStore) Users() UserStore { return &sqliteUsers{s} }

// Channels returns the channel collection.
func (s *SQLiteStore) Channels() ChannelStore { return &sqliteChannels{s} }

// Teams returns the team collection.
func (s *SQLiteStore) Teams() TeamStore { return &sqliteTeams{s} }

func (s *SQLiteStore) getRecord(ctx context.Context, kind, id string, dst any) error {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM records WHERE kind = ? AND id = ?`, kind, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s %s: %w", kind, id, err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	return nil
}

func (s *SQLiteStore) saveRecord(ctx context.Context, kind, id string, rec any) error {
	if id == "" {
		return ErrMissingID
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", kind, id, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (kind, id, data, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (kind, id) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP`,
		kind, id, string(raw))
	if err != nil {
		return fmt.Errorf("save %s %s: %w", kind, id, err)
	}
	return nil
}

func (s *SQLiteStore) deleteRecord(ctx context.Context, kind, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE kind = ? AND id = ?`, kind, id); err != nil {
		return fmt.Errorf("delete %s %s: %w", kind, id, err)
	}
	return nil
}

func (s *SQLiteStore) allRecords(ctx context.Context, kind string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM records WHERE kind = ?`, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		out = append(out, raw)
	}
	return out, rows.Err()
}

type sqliteUsers struct{ store *SQLiteStore }

func (u *sqliteUsers) Get(ctx context.Context, id string) (*User, error) {
	var rec User
	if err := u.store.getRecord(ctx, "user", id, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (u *sqliteUsers) Save(ctx context.Context, rec *User) error {
	if rec == nil {
		return ErrMissingID
	}
	return u.store.saveRecord(ctx, "user", rec.ID, rec)
}

func (u *sqliteUsers) Delete(ctx context.Context, id string) error {
	return u.store.deleteRecord(ctx, "user", id)
}

func (u *sqliteUsers) All(ctx context.Context) ([]*User, error) {
	raws, err := u.store.allRecords(ctx, "user")
	if err != nil {
		return nil, err
	}
	out := make([]*User, 0, len(raws))
	for _, raw := range raws {
		var rec User
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode user: %w", err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (u *sqliteUsers) SaveAttribute(ctx context.Context, userID string, attr Attribute) error {
	if userID == "" || attr.Key == "" {
		return ErrMissingID
	}
	if attr.Timestamp.IsZero() {
		attr.Timestamp = time.Now()
	}
	raw, err := json.Marshal(attr.Value)
	if err != nil {
		return fmt.Errorf("encode attribute %s/%s: %w", userID, attr.Key, err)
	}
	_, err = u.store.db.ExecContext(ctx,
		`INSERT INTO user_attributes (user_id, key, value, ts) VALUES (?, ?, ?, ?)`,
		userID, attr.Key, string(raw), attr.Timestamp)
	if err != nil {
		return fmt.Errorf("save attribute %s/%s: %w", userID, attr.Key, err)
	}
	return nil
}

func (u *sqliteUsers) LatestAttribute(ctx context.Context, userID, key string) (*Attribute, error) {
	var raw string
	var ts time.Time
	err := u.store.db.QueryRowContext(ctx,
		`SELECT value, ts FROM user_attributes WHERE user_id = ? AND key = ?
		 ORDER BY ts DESC, rowid DESC LIMIT 1`, userID, key).Scan(&raw, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest attribute %s/%s: %w", userID, key, err)
	}
	attr := Attribute{Key: key, Timestamp: ts}
	if err := json.Unmarshal([]byte(raw), &attr.Value); err != nil {
		return nil, fmt.Errorf("decode attribute %s/%s: %w", userID, key, err)
	}
	return &attr, nil
}

func (u *sqliteUsers) AttributeHistory(ctx context.Context, userID, key string) ([]Attribute, error) {
	rows, err := u.store.db.QueryContext(ctx,
		`SELECT value, ts FROM user_attributes WHERE user_id = ? AND key = ?
		 ORDER BY ts ASC, rowid ASC`, userID, key)
	if err != nil {
		return nil, fmt.Errorf("attribute history %s/%s: %w", userID, key, err)
	}
	defer rows.Close()

	var out []Attribute
	for rows.Next() {
		var raw string
		var ts time.Time
		if err := rows.Scan(&raw, &ts); err != nil {
			return nil, fmt.Errorf("scan attribute %s/%s: %w", userID, key, err)
		}
		attr := Attribute{Key: key, Timestamp: ts}
		if err := json.Unmarshal([]byte(raw), &attr.Value); err != nil {
			return nil, fmt.Errorf("decode attribute %s/%s: %w", userID, key, err)
		}
		out = append(out, attr)
	}
	return out, rows.Err()
}

type sqliteChannels struct{ store *SQLiteStore }

func (c *sqliteChannels) Get(ctx context.Context, id string) (*Channel, error) {
	var rec Channel
	if err := c.store.getRecord(ctx, "channel", id, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *sqliteChannels) Save(ctx context.Context, rec *Channel) error {
	if rec == nil {
		return ErrMissingID
	}
	return c.store.saveRecord(ctx, "channel", rec.ID, rec)
}

func (c *sqliteChannels) Delete(ctx context.Context, id string) error {
	return c.store.deleteRecord(ctx, "channel", id)
}

func (c *sqliteChannels) All(ctx context.Context) ([]*Channel, error) {
	raws, err := c.store.allRecords(ctx, "channel")
	if err != nil {
		return nil, err
	}
	out := make([]*Channel, 0, len(raws))
	for _, raw := range raws {
		var rec Channel
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode channel: %w", err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

type sqliteTeams struct{ store *SQLiteStore }

func (t *sqliteTeams) Get(ctx context.Context, id string) (*Team, error) {
	var rec Team
	if err := t.store.getRecord(ctx, "team", id, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (t *sqliteTeams) Save(ctx context.Context, rec *Team) error {
	if rec == nil {
		return ErrMissingID
	}
	return t.store.saveRecord(ctx, "team", rec.ID, rec)
}

func (t *sqliteTeams) Delete(ctx context.Context, id string) error {
	return t.store.deleteRecord(ctx, "team", id)
}

func (t *sqliteTeams) All(ctx context.Context) ([]*Team, error) {
	raws, err := t.store.allRecords(ctx, "team")
	if err != nil {
		return nil, err
	}
	out := make([]*Team, 0, len(raws))
	for _, raw := range raws {
		var rec Team
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode team: %w", err)
		}
		out = append(out, &rec)
	}
	return out, nil
}
