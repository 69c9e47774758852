package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/you/streamsight/internal/core"
)

// Session side of the store. Every close is conditional on ended_at IS NULL:
// a concurrent exit and sweep race resolves to exactly one writer.

func (s *SQLiteStore) InsertSession(ctx context.Context, sess core.ViewerSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, platform, channel_id, broadcast_id, external_user_id, person_id, nickname, started_at, category_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		sess.ID, string(sess.Platform), sess.ChannelID, sess.BroadcastID,
		sess.ExternalUserID, sess.PersonID, sess.Nickname,
		sess.StartedAt.UTC().Format(time.RFC3339Nano), sess.CategoryID)
	return errors.Wrap(err, "insert session")
}

func (s *SQLiteStore) CloseSession(ctx context.Context, id string, endedAt time.Time, durationSeconds int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, duration_seconds = ?
WHERE id = ? AND ended_at IS NULL;`,
		endedAt.UTC().Format(time.RFC3339Nano), durationSeconds, id)
	if err != nil {
		return false, errors.Wrap(err, "close session")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "close session rows")
	}
	return n > 0, nil
}

func (s *SQLiteStore) CloseOpenForBroadcast(ctx context.Context, broadcastID string, endedAt time.Time) (int64, error) {
	// Duration comes from the stored start time, not the caller's view of it.
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
SET ended_at = ?,
    duration_seconds = CAST(MAX(0, (julianday(?) - julianday(started_at)) * 86400) AS INTEGER)
WHERE broadcast_id = ? AND ended_at IS NULL;`,
		endedAt.UTC().Format(time.RFC3339Nano),
		endedAt.UTC().Format(time.RFC3339Nano),
		broadcastID)
	if err != nil {
		return 0, errors.Wrap(err, "close broadcast sessions")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "close broadcast rows")
}

func (s *SQLiteStore) CloseOpenOlderThan(ctx context.Context, cutoff, endedAt time.Time, durationSeconds int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, duration_seconds = ?
WHERE ended_at IS NULL AND started_at < ?;`,
		endedAt.UTC().Format(time.RFC3339Nano), durationSeconds,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, errors.Wrap(err, "close stale sessions")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "close stale rows")
}

func (s *SQLiteStore) UniqueViewers(ctx context.Context, broadcastID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT external_user_id) FROM sessions WHERE broadcast_id = ?;`,
		broadcastID).Scan(&n)
	return n, errors.Wrap(err, "unique viewers")
}

func (s *SQLiteStore) AverageWatchTime(ctx context.Context, broadcastID string) (float64, error) {
	var avg *float64
	err := s.db.QueryRowContext(ctx,
		`SELECT AVG(duration_seconds) FROM sessions
WHERE broadcast_id = ? AND duration_seconds IS NOT NULL;`,
		broadcastID).Scan(&avg)
	if err != nil {
		return 0, errors.Wrap(err, "average watch time")
	}
	if avg == nil {
		return 0, nil
	}
	return *avg, nil
}
