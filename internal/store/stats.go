package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/you/streamsight/internal/core"
	"github.com/you/streamsight/internal/estimate"
)

// Snapshot is one periodic concurrency reading a connector reported for a
// broadcast.
type Snapshot struct {
	Platform    core.Platform
	ChannelID   string
	BroadcastID string
	Ts          time.Time
	ViewerCount int
}

func (s *SQLiteStore) RecordSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO concurrency_snapshots (platform, channel_id, broadcast_id, ts, viewer_count)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(broadcast_id, ts) DO UPDATE SET viewer_count = excluded.viewer_count;`,
		string(snap.Platform), snap.ChannelID, snap.BroadcastID,
		snap.Ts.UTC().Format(time.RFC3339Nano), snap.ViewerCount)
	return errors.Wrap(err, "record snapshot")
}

// BroadcastIDs enumerates the broadcasts of a channel that left any trace
// (sessions or snapshots) during the given UTC day.
func (s *SQLiteStore) BroadcastIDs(ctx context.Context, platform core.Platform, channelID string, day time.Time) ([]string, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	from := dayStart.Format(time.RFC3339Nano)
	to := dayStart.Add(24 * time.Hour).Format(time.RFC3339Nano)

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT broadcast_id FROM sessions
WHERE platform = ? AND channel_id = ? AND broadcast_id != '' AND started_at >= ? AND started_at < ?
UNION
SELECT DISTINCT broadcast_id FROM concurrency_snapshots
WHERE platform = ? AND channel_id = ? AND ts >= ? AND ts < ?
ORDER BY broadcast_id;`,
		string(platform), channelID, from, to,
		string(platform), channelID, from, to)
	if err != nil {
		return nil, errors.Wrap(err, "list broadcasts")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan broadcast id")
		}
		out = append(out, id)
	}
	return out, errors.Wrap(rows.Err(), "iterate broadcasts")
}

// BroadcastStats reads the aggregates one estimate needs: confirmed actives
// are distinct senders of chat or donation events (provably present), and
// average concurrency comes from the periodic snapshots.
func (s *SQLiteStore) BroadcastStats(ctx context.Context, broadcastID string) (estimate.Stats, error) {
	var stats estimate.Stats

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT sender_external_id) FROM events
WHERE broadcast_id = ? AND type IN ('chat', 'donation');`,
		broadcastID).Scan(&stats.ConfirmedActiveViewers)
	if err != nil {
		return estimate.Stats{}, errors.Wrap(err, "confirmed actives")
	}

	var avg *float64
	err = s.db.QueryRowContext(ctx,
		`SELECT AVG(viewer_count) FROM concurrency_snapshots WHERE broadcast_id = ?;`,
		broadcastID).Scan(&avg)
	if err != nil {
		return estimate.Stats{}, errors.Wrap(err, "average concurrency")
	}
	if avg != nil {
		stats.AverageConcurrentViewers = *avg
	}
	return stats, nil
}
