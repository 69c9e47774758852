// Package session tracks per-viewer presence: enter opens a durable session,
// exit (or broadcast end, or a staleness sweep) closes it. The in-memory key
// index is the only shared mutable state and gives O(1) duplicate-enter
// suppression and exit lookup.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/you/streamsight/internal/core"
)

// DefaultStaleAfter is how long a session may stay open before the sweep
// reclaims it. The reclaimed duration is capped at this window because the
// exit signal is presumed lost, not late.
const DefaultStaleAfter = time.Hour

// Store is the durable side of the tracker. Close operations are conditional:
// they only touch rows still open at write time, so a concurrent exit and a
// concurrent sweep never double-close the same row.
type Store interface {
	InsertSession(ctx context.Context, s core.ViewerSession) error
	// CloseSession closes one session if it is still open. Returns false
	// when another writer closed it first.
	CloseSession(ctx context.Context, id string, endedAt time.Time, durationSeconds int64) (bool, error)
	// CloseOpenForBroadcast closes every open session of a broadcast,
	// computing each duration from the stored start time. Returns the
	// number of rows closed.
	CloseOpenForBroadcast(ctx context.Context, broadcastID string, endedAt time.Time) (int64, error)
	// CloseOpenOlderThan closes every open session started before cutoff,
	// assigning the fixed duration. Returns the number of rows closed.
	CloseOpenOlderThan(ctx context.Context, cutoff, endedAt time.Time, durationSeconds int64) (int64, error)
	UniqueViewers(ctx context.Context, broadcastID string) (int64, error)
	AverageWatchTime(ctx context.Context, broadcastID string) (float64, error)
}

// EnterData is a presence enter signal from a platform connector.
type EnterData struct {
	Platform       core.Platform
	ChannelID      string
	BroadcastID    string
	ExternalUserID string
	PersonID       string
	Nickname       string
	CategoryID     string
}

// ExitData is a presence leave signal. Spurious or duplicate leaves are
// expected and ignored.
type ExitData struct {
	Platform       core.Platform
	ChannelID      string
	ExternalUserID string
}

type activeSession struct {
	id          string
	broadcastID string
	startedAt   time.Time
}

type Tracker struct {
	store      Store
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string

	mu     sync.Mutex
	active map[string]activeSession
	closed bool
}

type Option func(*Tracker)

func WithStaleAfter(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.staleAfter = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithIDSource(newID func() string) Option {
	return func(t *Tracker) { t.newID = newID }
}

func New(store Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:      store,
		staleAfter: DefaultStaleAfter,
		logger:     slog.Default(),
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
		active:     make(map[string]activeSession),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func sessionKey(platform core.Platform, channelID, externalUserID string) string {
	return string(platform) + "\x1f" + channelID + "\x1f" + externalUserID
}

// HandleUserEnter opens a session for the key unless one is already active,
// in which case the existing session id comes back as a no-op. The key is
// reserved under the lock and the durable insert happens outside it, so one
// producer's storage latency never blocks another key.
func (t *Tracker) HandleUserEnter(ctx context.Context, data EnterData) (string, error) {
	if data.Platform == "" || data.ChannelID == "" || data.ExternalUserID == "" {
		return "", errors.New("session: platform, channelId and externalUserId are required")
	}
	key := sessionKey(data.Platform, data.ChannelID, data.ExternalUserID)
	now := t.now().UTC()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", errors.New("session: tracker is shut down")
	}
	if existing, ok := t.active[key]; ok {
		t.mu.Unlock()
		return existing.id, nil
	}
	id := t.newID()
	t.active[key] = activeSession{id: id, broadcastID: data.BroadcastID, startedAt: now}
	t.mu.Unlock()

	row := core.ViewerSession{
		ID:             id,
		Platform:       data.Platform,
		ChannelID:      data.ChannelID,
		BroadcastID:    data.BroadcastID,
		ExternalUserID: data.ExternalUserID,
		PersonID:       data.PersonID,
		Nickname:       data.Nickname,
		StartedAt:      now,
		CategoryID:     data.CategoryID,
	}
	if err := t.store.InsertSession(ctx, row); err != nil {
		t.mu.Lock()
		if cur, ok := t.active[key]; ok && cur.id == id {
			delete(t.active, key)
		}
		t.mu.Unlock()
		return "", fmt.Errorf("session: insert: %w", err)
	}
	return id, nil
}

// HandleUserExit closes the key's session. An exit with no active session is
// a no-op, not an error; duplicate leave signals are routine.
func (t *Tracker) HandleUserExit(ctx context.Context, data ExitData) error {
	key := sessionKey(data.Platform, data.ChannelID, data.ExternalUserID)
	now := t.now().UTC()

	t.mu.Lock()
	entry, ok := t.active[key]
	if ok {
		delete(t.active, key)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}

	duration := int64(now.Sub(entry.startedAt).Seconds())
	if duration < 0 {
		duration = 0
	}
	closed, err := t.store.CloseSession(ctx, entry.id, now, duration)
	if err != nil {
		// The index entry is already gone; an open row left behind is
		// reclaimed by the staleness sweep.
		return fmt.Errorf("session: close %s: %w", entry.id, err)
	}
	if !closed {
		t.logger.Debug("session: already closed by another writer", "session_id", entry.id)
	}
	return nil
}

// CloseAllSessions force-closes every still-open session of a broadcast and
// purges matching keys from the index. Used at broadcast end so no open
// session leaks past it.
func (t *Tracker) CloseAllSessions(ctx context.Context, broadcastID string) (int64, error) {
	if broadcastID == "" {
		return 0, errors.New("session: broadcastId is required")
	}
	now := t.now().UTC()

	closed, err := t.store.CloseOpenForBroadcast(ctx, broadcastID, now)
	if err != nil {
		return 0, fmt.Errorf("session: close broadcast %s: %w", broadcastID, err)
	}

	t.mu.Lock()
	for key, entry := range t.active {
		if entry.broadcastID == broadcastID {
			delete(t.active, key)
		}
	}
	t.mu.Unlock()

	t.logger.Info("session: broadcast closed", "broadcast_id", broadcastID, "sessions_closed", closed)
	return closed, nil
}

// CleanupStaleSessions force-closes open sessions older than the staleness
// window, assigning the window itself as the duration (a cap, not a
// measurement). An expected maintenance outcome, logged at info level.
func (t *Tracker) CleanupStaleSessions(ctx context.Context) (int64, error) {
	now := t.now().UTC()
	cutoff := now.Add(-t.staleAfter)
	capSeconds := int64(t.staleAfter.Seconds())

	reclaimed, err := t.store.CloseOpenOlderThan(ctx, cutoff, now, capSeconds)
	if err != nil {
		return 0, fmt.Errorf("session: stale sweep: %w", err)
	}

	t.mu.Lock()
	for key, entry := range t.active {
		if entry.startedAt.Before(cutoff) {
			delete(t.active, key)
		}
	}
	t.mu.Unlock()

	if reclaimed > 0 {
		t.logger.Info("session: stale sessions reclaimed", "count", reclaimed, "cap_seconds", capSeconds)
	}
	return reclaimed, nil
}

// UniqueViewers counts distinct viewers with a session in the broadcast.
func (t *Tracker) UniqueViewers(ctx context.Context, broadcastID string) (int64, error) {
	return t.store.UniqueViewers(ctx, broadcastID)
}

// AverageWatchTime is the mean duration in seconds over the broadcast's
// closed sessions.
func (t *Tracker) AverageWatchTime(ctx context.Context, broadcastID string) (float64, error) {
	return t.store.AverageWatchTime(ctx, broadcastID)
}

// ActiveCount reports how many sessions the index currently holds open.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// Shutdown force-closes every indexed session and refuses further enters.
func (t *Tracker) Shutdown(ctx context.Context) error {
	now := t.now().UTC()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	remaining := make([]activeSession, 0, len(t.active))
	for _, entry := range t.active {
		remaining = append(remaining, entry)
	}
	t.active = make(map[string]activeSession)
	t.mu.Unlock()

	var firstErr error
	for _, entry := range remaining {
		duration := int64(now.Sub(entry.startedAt).Seconds())
		if duration < 0 {
			duration = 0
		}
		if _, err := t.store.CloseSession(ctx, entry.id, now, duration); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("session: shutdown close %s: %w", entry.id, err)
		}
	}
	if len(remaining) > 0 {
		t.logger.Info("session: shutdown closed remaining sessions", "count", len(remaining))
	}
	return firstErr
}
