// Package store is the SQLite persistence layer shared by the catalog
// matcher, the session tracker, and the estimator's aggregate reads.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/streamsight/internal/core"
	"github.com/you/streamsight/internal/eventtrace"
	"github.com/you/streamsight/internal/httpapi"
)

const schema = `CREATE TABLE IF NOT EXISTS events (
  id TEXT NOT NULL,
  platform TEXT NOT NULL,
  type TEXT NOT NULL,
  channel_id TEXT NOT NULL,
  broadcast_id TEXT NOT NULL DEFAULT '',
  sender_external_id TEXT NOT NULL,
  sender_nickname TEXT NOT NULL,
  sender_role TEXT NOT NULL DEFAULT 'regular',
  badges_json TEXT NOT NULL DEFAULT '[]',
  message TEXT NOT NULL DEFAULT '',
  amount_krw INTEGER NOT NULL DEFAULT 0,
  original_amount REAL NOT NULL DEFAULT 0,
  currency TEXT NOT NULL DEFAULT '',
  donation_type TEXT NOT NULL DEFAULT '',
  ts TEXT NOT NULL,
  raw_json TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (platform, id)
);

CREATE TABLE IF NOT EXISTS catalog_entries (
  id TEXT PRIMARY KEY,
  name_en TEXT NOT NULL,
  name_local TEXT NOT NULL DEFAULT '',
  genre TEXT NOT NULL DEFAULT '',
  developer TEXT NOT NULL DEFAULT '',
  verified INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS catalog_entries_name_en ON catalog_entries(name_en);

CREATE TABLE IF NOT EXISTS category_mappings (
  platform TEXT NOT NULL,
  platform_category_id TEXT NOT NULL,
  platform_name TEXT NOT NULL DEFAULT '',
  catalog_entry_id TEXT NOT NULL,
  confidence REAL NOT NULL,
  is_manual INTEGER NOT NULL DEFAULT 0,
  updated_at TEXT NOT NULL,
  PRIMARY KEY (platform, platform_category_id)
);

CREATE TABLE IF NOT EXISTS platform_categories (
  platform TEXT NOT NULL,
  platform_category_id TEXT NOT NULL,
  name TEXT NOT NULL,
  viewer_count INTEGER NOT NULL DEFAULT 0,
  active INTEGER NOT NULL DEFAULT 1,
  updated_at TEXT NOT NULL,
  PRIMARY KEY (platform, platform_category_id)
);

CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  platform TEXT NOT NULL,
  channel_id TEXT NOT NULL,
  broadcast_id TEXT NOT NULL DEFAULT '',
  external_user_id TEXT NOT NULL,
  person_id TEXT NOT NULL DEFAULT '',
  nickname TEXT NOT NULL DEFAULT '',
  started_at TEXT NOT NULL,
  ended_at TEXT,
  duration_seconds INTEGER,
  category_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS sessions_broadcast ON sessions(broadcast_id);
CREATE INDEX IF NOT EXISTS sessions_open_key ON sessions(platform, channel_id, external_user_id) WHERE ended_at IS NULL;

CREATE TABLE IF NOT EXISTS concurrency_snapshots (
  platform TEXT NOT NULL,
  channel_id TEXT NOT NULL,
  broadcast_id TEXT NOT NULL,
  ts TEXT NOT NULL,
  viewer_count INTEGER NOT NULL,
  PRIMARY KEY (broadcast_id, ts)
);`

type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	ApplySQLitePragmas(context.Background(), db)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping() error { return s.db.Ping() }

func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) String() string {
	return fmt.Sprintf("SQLiteStore{%p}", s.db)
}

// WriteEvent inserts one canonical event; replays of the same (platform, id)
// are silently dropped.
func (s *SQLiteStore) WriteEvent(ctx context.Context, ev core.Event) error {
	const q = `INSERT INTO events (id, platform, type, channel_id, broadcast_id,
  sender_external_id, sender_nickname, sender_role, badges_json,
  message, amount_krw, original_amount, currency, donation_type, ts, raw_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(platform, id) DO NOTHING;`
	badges, _ := json.Marshal(ev.Sender.Badges)
	if ev.Sender.Badges == nil {
		badges = []byte("[]")
	}
	ts := ev.Ts.UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, q,
		ev.ID, string(ev.Platform), string(ev.Type), ev.ChannelID, ev.BroadcastID,
		ev.Sender.ExternalID, ev.Sender.Nickname, string(ev.Sender.Role), string(badges),
		ev.Content.Message, ev.Content.AmountKRW, ev.Content.OriginalAmount,
		ev.Content.Currency, ev.Content.DonationType, ts, ev.RawJSON)
	return errors.Wrap(err, "insert event")
}

// Write satisfies the pipeline's Writer interface.
func (s *SQLiteStore) Write(ctx context.Context, ev core.Event, trace *eventtrace.EventTrace) error {
	if err := s.WriteEvent(ctx, ev); err != nil {
		return err
	}
	if trace != nil {
		trace.IncCounter(eventtrace.StageWrittenToDB)
	}
	return nil
}

func (s *SQLiteStore) CountEvents(ctx context.Context, filters httpapi.Filters) (int64, error) {
	query, args := buildEventQuery(filters, true)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count events")
	}
	return n, nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, filters httpapi.Filters) ([]core.Event, error) {
	query, args := buildEventQuery(filters, false)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list events")
	}
	defer rows.Close()

	var out []core.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate events")
	}
	return out, nil
}

func scanEvent(rows *sql.Rows) (core.Event, error) {
	var (
		ev       core.Event
		platform string
		kind     string
		role     string
		badges   string
		ts       string
	)
	if err := rows.Scan(&ev.ID, &platform, &kind, &ev.ChannelID, &ev.BroadcastID,
		&ev.Sender.ExternalID, &ev.Sender.Nickname, &role, &badges,
		&ev.Content.Message, &ev.Content.AmountKRW, &ev.Content.OriginalAmount,
		&ev.Content.Currency, &ev.Content.DonationType, &ts, &ev.RawJSON); err != nil {
		return core.Event{}, errors.Wrap(err, "scan event")
	}
	ev.Platform = core.Platform(platform)
	ev.Type = core.EventType(kind)
	ev.Sender.Role = core.Role(role)
	if badges != "" && badges != "[]" {
		_ = json.Unmarshal([]byte(badges), &ev.Sender.Badges)
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		ev.Ts = t
	}
	return ev, nil
}

const eventColumns = `id, platform, type, channel_id, broadcast_id,
  sender_external_id, sender_nickname, sender_role, badges_json,
  message, amount_krw, original_amount, currency, donation_type, ts, raw_json`

func buildEventQuery(filters httpapi.Filters, count bool) (string, []any) {
	var builder strings.Builder
	if count {
		builder.WriteString("SELECT COUNT(*) FROM events")
	} else {
		builder.WriteString("SELECT " + eventColumns + " FROM events")
	}

	var (
		conditions []string
		args       []any
	)

	if len(filters.Platforms) > 0 {
		placeholders := make([]string, 0, len(filters.Platforms))
		for _, p := range filters.Platforms {
			placeholders = append(placeholders, "?")
			args = append(args, p)
		}
		conditions = append(conditions, fmt.Sprintf("platform IN (%s)", strings.Join(placeholders, ",")))
	}

	if len(filters.Types) > 0 {
		placeholders := make([]string, 0, len(filters.Types))
		for _, t := range filters.Types {
			placeholders = append(placeholders, "?")
			args = append(args, t)
		}
		conditions = append(conditions, fmt.Sprintf("type IN (%s)", strings.Join(placeholders, ",")))
	}

	if filters.ChannelID != "" {
		conditions = append(conditions, "channel_id = ?")
		args = append(args, filters.ChannelID)
	}

	if filters.BroadcastID != "" {
		conditions = append(conditions, "broadcast_id = ?")
		args = append(args, filters.BroadcastID)
	}

	if filters.Since != nil {
		conditions = append(conditions, "ts >= ?")
		args = append(args, filters.Since.UTC().Format(time.RFC3339Nano))
	}

	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}

	if !count {
		order := "DESC"
		if filters.Order == httpapi.OrderAsc {
			order = "ASC"
		}
		builder.WriteString(" ORDER BY ts ")
		builder.WriteString(order)
		limit := filters.Limit
		if limit <= 0 {
			limit = 100
		}
		builder.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	builder.WriteString(";")
	return builder.String(), args
}
