package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/you/streamsight/internal/core"
)

type fakeSessionStore struct {
	mu        sync.Mutex
	rows      map[string]*core.ViewerSession
	inserted  int
	insertErr error
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{rows: make(map[string]*core.ViewerSession)}
}

func (f *fakeSessionStore) InsertSession(_ context.Context, s core.ViewerSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted++
	row := s
	f.rows[s.ID] = &row
	return nil
}

func (f *fakeSessionStore) CloseSession(_ context.Context, id string, endedAt time.Time, durationSeconds int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok || row.EndedAt != nil {
		return false, nil
	}
	ended := endedAt
	row.EndedAt = &ended
	dur := durationSeconds
	row.DurationSeconds = &dur
	return true, nil
}

func (f *fakeSessionStore) CloseOpenForBroadcast(_ context.Context, broadcastID string, endedAt time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, row := range f.rows {
		if row.BroadcastID == broadcastID && row.EndedAt == nil {
			ended := endedAt
			row.EndedAt = &ended
			dur := int64(endedAt.Sub(row.StartedAt).Seconds())
			row.DurationSeconds = &dur
			n++
		}
	}
	return n, nil
}

func (f *fakeSessionStore) CloseOpenOlderThan(_ context.Context, cutoff, endedAt time.Time, durationSeconds int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, row := range f.rows {
		if row.EndedAt == nil && row.StartedAt.Before(cutoff) {
			ended := endedAt
			row.EndedAt = &ended
			dur := durationSeconds
			row.DurationSeconds = &dur
			n++
		}
	}
	return n, nil
}

func (f *fakeSessionStore) UniqueViewers(_ context.Context, broadcastID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]struct{})
	for _, row := range f.rows {
		if row.BroadcastID == broadcastID {
			seen[row.ExternalUserID] = struct{}{}
		}
	}
	return int64(len(seen)), nil
}

func (f *fakeSessionStore) AverageWatchTime(_ context.Context, broadcastID string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum, n float64
	for _, row := range f.rows {
		if row.BroadcastID == broadcastID && row.DurationSeconds != nil {
			sum += float64(*row.DurationSeconds)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return sum / n, nil
}

func (f *fakeSessionStore) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, row := range f.rows {
		if row.EndedAt == nil {
			n++
		}
	}
	return n
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker(store Store, clock *testClock, opts ...Option) *Tracker {
	seq := 0
	base := []Option{
		WithClock(clock.Now),
		WithIDSource(func() string { seq++; return fmt.Sprintf("sess-%d", seq) }),
	}
	return New(store, append(base, opts...)...)
}

func enter(platform core.Platform, channel, user, broadcast string) EnterData {
	return EnterData{Platform: platform, ChannelID: channel, BroadcastID: broadcast, ExternalUserID: user, Nickname: user}
}

func TestDuplicateEnterIsSuppressed(t *testing.T) {
	store := newFakeSessionStore()
	tr := newTestTracker(store, newTestClock())
	ctx := context.Background()

	first, err := tr.HandleUserEnter(ctx, enter(core.PlatformChzzk, "ch1", "u1", "b1"))
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	second, err := tr.HandleUserEnter(ctx, enter(core.PlatformChzzk, "ch1", "u1", "b1"))
	if err != nil {
		t.Fatalf("duplicate enter: %v", err)
	}
	if first != second {
		t.Fatalf("duplicate enter returned a new session: %s vs %s", first, second)
	}
	if store.inserted != 1 {
		t.Fatalf("expected one durable row, got %d", store.inserted)
	}

	// The same user on another platform is a distinct key.
	other, err := tr.HandleUserEnter(ctx, enter(core.PlatformTwitch, "ch1", "u1", "b1"))
	if err != nil {
		t.Fatalf("cross-platform enter: %v", err)
	}
	if other == first {
		t.Fatalf("distinct keys shared a session id")
	}
}

func TestExitClosesAndClearsIndex(t *testing.T) {
	store := newFakeSessionStore()
	clock := newTestClock()
	tr := newTestTracker(store, clock)
	ctx := context.Background()

	id, err := tr.HandleUserEnter(ctx, enter(core.PlatformSoop, "bj1", "u1", "b1"))
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	clock.Advance(90 * time.Second)

	if err := tr.HandleUserExit(ctx, ExitData{Platform: core.PlatformSoop, ChannelID: "bj1", ExternalUserID: "u1"}); err != nil {
		t.Fatalf("exit: %v", err)
	}
	row := store.rows[id]
	if row.EndedAt == nil || row.DurationSeconds == nil {
		t.Fatalf("session not closed: %+v", row)
	}
	if *row.DurationSeconds != 90 {
		t.Fatalf("duration = %d, want 90", *row.DurationSeconds)
	}
	if tr.ActiveCount() != 0 {
		t.Fatalf("index not cleared")
	}

	// Second exit for the same key is a no-op.
	if err := tr.HandleUserExit(ctx, ExitData{Platform: core.PlatformSoop, ChannelID: "bj1", ExternalUserID: "u1"}); err != nil {
		t.Fatalf("duplicate exit: %v", err)
	}

	// Re-enter after close starts a fresh session.
	fresh, err := tr.HandleUserEnter(ctx, enter(core.PlatformSoop, "bj1", "u1", "b1"))
	if err != nil {
		t.Fatalf("re-enter: %v", err)
	}
	if fresh == id {
		t.Fatalf("re-enter reused closed session id")
	}
}

func TestSpuriousExitIsNoOp(t *testing.T) {
	store := newFakeSessionStore()
	tr := newTestTracker(store, newTestClock())

	if err := tr.HandleUserExit(context.Background(), ExitData{Platform: core.PlatformYouTube, ChannelID: "lc1", ExternalUserID: "ghost"}); err != nil {
		t.Fatalf("spurious exit must be a no-op, got %v", err)
	}
}

func TestCloseAllSessionsLeavesNoneOpen(t *testing.T) {
	store := newFakeSessionStore()
	clock := newTestClock()
	tr := newTestTracker(store, clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := tr.HandleUserEnter(ctx, enter(core.PlatformChzzk, "ch1", fmt.Sprintf("u%d", i), "b1")); err != nil {
			t.Fatalf("enter %d: %v", i, err)
		}
	}
	if _, err := tr.HandleUserEnter(ctx, enter(core.PlatformChzzk, "ch2", "u9", "b2")); err != nil {
		t.Fatalf("enter other broadcast: %v", err)
	}
	clock.Advance(10 * time.Minute)

	closed, err := tr.CloseAllSessions(ctx, "b1")
	if err != nil {
		t.Fatalf("close all: %v", err)
	}
	if closed != 5 {
		t.Fatalf("closed = %d, want 5", closed)
	}
	if store.openCount() != 1 {
		t.Fatalf("open rows = %d, want only the other broadcast's", store.openCount())
	}
	if tr.ActiveCount() != 1 {
		t.Fatalf("index count = %d, want 1", tr.ActiveCount())
	}
}

func TestCleanupStaleSessionsCapsDuration(t *testing.T) {
	store := newFakeSessionStore()
	clock := newTestClock()
	tr := newTestTracker(store, clock)
	ctx := context.Background()

	stale, err := tr.HandleUserEnter(ctx, enter(core.PlatformTwitch, "ch1", "old", "b1"))
	if err != nil {
		t.Fatalf("enter stale: %v", err)
	}
	clock.Advance(61 * time.Minute)
	young, err := tr.HandleUserEnter(ctx, enter(core.PlatformTwitch, "ch1", "new", "b1"))
	if err != nil {
		t.Fatalf("enter young: %v", err)
	}
	clock.Advance(59 * time.Minute) // young is 59m old, stale is 2h old

	reclaimed, err := tr.CleanupStaleSessions(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed = %d, want 1", reclaimed)
	}
	if row := store.rows[stale]; row.EndedAt == nil || *row.DurationSeconds != 3600 {
		t.Fatalf("stale session not capped at 3600s: %+v", row)
	}
	if row := store.rows[young]; row.EndedAt != nil {
		t.Fatalf("59-minute-old session must be untouched")
	}
	if tr.ActiveCount() != 1 {
		t.Fatalf("index count = %d, want 1", tr.ActiveCount())
	}
}

func TestConcurrentEnterExitSameKey(t *testing.T) {
	store := newFakeSessionStore()
	tr := newTestTracker(store, newTestClock())
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 32)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := tr.HandleUserEnter(ctx, enter(core.PlatformChzzk, "ch1", "same", "b1"))
			if err != nil {
				t.Errorf("enter: %v", err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("concurrent enters produced different sessions: %v", ids)
		}
	}
	if store.inserted != 1 {
		t.Fatalf("expected one durable row, got %d", store.inserted)
	}
}

func TestShutdownForceClosesRemaining(t *testing.T) {
	store := newFakeSessionStore()
	clock := newTestClock()
	tr := newTestTracker(store, clock)
	ctx := context.Background()

	if _, err := tr.HandleUserEnter(ctx, enter(core.PlatformSoop, "bj1", "u1", "b1")); err != nil {
		t.Fatalf("enter: %v", err)
	}
	clock.Advance(2 * time.Minute)

	if err := tr.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if store.openCount() != 0 {
		t.Fatalf("open rows after shutdown: %d", store.openCount())
	}
	if _, err := tr.HandleUserEnter(ctx, enter(core.PlatformSoop, "bj1", "u2", "b1")); err == nil {
		t.Fatalf("enter after shutdown should fail")
	}
}

func TestAggregates(t *testing.T) {
	store := newFakeSessionStore()
	clock := newTestClock()
	tr := newTestTracker(store, clock)
	ctx := context.Background()

	for _, u := range []string{"u1", "u2", "u3"} {
		if _, err := tr.HandleUserEnter(ctx, enter(core.PlatformChzzk, "ch1", u, "b1")); err != nil {
			t.Fatalf("enter %s: %v", u, err)
		}
	}
	clock.Advance(100 * time.Second)
	if _, err := tr.CloseAllSessions(ctx, "b1"); err != nil {
		t.Fatalf("close all: %v", err)
	}

	unique, err := tr.UniqueViewers(ctx, "b1")
	if err != nil {
		t.Fatalf("unique: %v", err)
	}
	if unique != 3 {
		t.Fatalf("unique = %d, want 3", unique)
	}
	avg, err := tr.AverageWatchTime(ctx, "b1")
	if err != nil {
		t.Fatalf("avg: %v", err)
	}
	if avg != 100 {
		t.Fatalf("avg = %v, want 100", avg)
	}
}
