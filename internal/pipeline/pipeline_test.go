package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/you/streamsight/internal/catalog"
	"github.com/you/streamsight/internal/core"
	"github.com/you/streamsight/internal/eventtrace"
	"github.com/you/streamsight/internal/normalize"
	"github.com/you/streamsight/internal/session"
	"github.com/you/streamsight/internal/store"
)

type fakeWriter struct {
	mu     sync.Mutex
	events []core.Event
	err    error
}

func (w *fakeWriter) Write(_ context.Context, ev core.Event, trace *eventtrace.EventTrace) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.events = append(w.events, ev)
	if trace != nil {
		trace.IncCounter(eventtrace.StageWrittenToDB)
	}
	return nil
}

type fakeSessions struct {
	enters   []session.EnterData
	exits    []session.ExitData
	enterErr error
	active   int
	reclaim  int64
	swept    chan struct{}
}

func (f *fakeSessions) HandleUserEnter(_ context.Context, data session.EnterData) (string, error) {
	if f.enterErr != nil {
		return "", f.enterErr
	}
	f.enters = append(f.enters, data)
	return "sess-1", nil
}

func (f *fakeSessions) HandleUserExit(_ context.Context, data session.ExitData) error {
	f.exits = append(f.exits, data)
	return nil
}

func (f *fakeSessions) CloseAllSessions(_ context.Context, _ string) (int64, error) {
	return int64(len(f.enters)), nil
}

func (f *fakeSessions) CleanupStaleSessions(_ context.Context) (int64, error) {
	if f.swept != nil {
		select {
		case f.swept <- struct{}{}:
		default:
		}
	}
	return f.reclaim, nil
}

func (f *fakeSessions) ActiveCount() int { return f.active }

type fakeMatcher struct {
	cats []catalog.Category
	err  error
}

func (f *fakeMatcher) AutoMapCategory(_ context.Context, cat catalog.Category) (catalog.MatchResult, error) {
	if f.err != nil {
		return catalog.MatchResult{}, f.err
	}
	f.cats = append(f.cats, cat)
	return catalog.MatchResult{CatalogEntryID: "entry-1", Confidence: 1, Method: "alias"}, nil
}

type fakeRegistry struct {
	seen []catalog.Category
}

func (f *fakeRegistry) UpsertPlatformCategory(_ context.Context, cat catalog.Category, _ time.Time) error {
	f.seen = append(f.seen, cat)
	return nil
}

type fakeSnapshots struct {
	snaps []store.Snapshot
}

func (f *fakeSnapshots) RecordSnapshot(_ context.Context, snap store.Snapshot) error {
	f.snaps = append(f.snaps, snap)
	return nil
}

func chzzkChatPayload(t *testing.T, msg string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"msgTypeCode": 1,
		"uid":         "hash-1",
		"msg":         msg,
		"msgTime":     1764000000000,
		"profile": map[string]any{
			"nickname": "viewer",
		},
		"channelId": "ch1",
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func newTestPipeline(w Writer, sess Sessions, opts ...Option) *Pipeline {
	norm := normalize.New(normalize.StaticRates{"KRW": 1})
	return New(norm, w, sess, opts...)
}

func TestIngestPersistsNormalizedEvent(t *testing.T) {
	writer := &fakeWriter{}
	pipe := newTestPipeline(writer, &fakeSessions{})

	ev, err := pipe.Ingest(context.Background(), "chzzk", "ch1", chzzkChatPayload(t, "hello"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if ev.Type != core.EventChat || ev.Platform != core.PlatformChzzk {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if len(writer.events) != 1 || writer.events[0].Content.Message != "hello" {
		t.Fatalf("expected persisted event, got %+v", writer.events)
	}
}

func TestIngestDropsMalformedPayload(t *testing.T) {
	writer := &fakeWriter{}
	pipe := newTestPipeline(writer, &fakeSessions{})

	_, err := pipe.Ingest(context.Background(), "chzzk", "ch1", []byte(`{"msg":"no type"}`))
	var malformed *normalize.MalformedEventError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected malformed error, got %v", err)
	}
	if len(writer.events) != 0 {
		t.Fatalf("malformed payload must not be persisted")
	}

	// The pipeline keeps working after a drop.
	if _, err := pipe.Ingest(context.Background(), "chzzk", "ch1", chzzkChatPayload(t, "still alive")); err != nil {
		t.Fatalf("ingest after drop: %v", err)
	}
	if len(writer.events) != 1 {
		t.Fatalf("expected 1 event after recovery, got %d", len(writer.events))
	}
}

func TestIngestRejectsUnknownPlatform(t *testing.T) {
	writer := &fakeWriter{}
	pipe := newTestPipeline(writer, &fakeSessions{})

	_, err := pipe.Ingest(context.Background(), "mixer", "ch1", []byte(`{}`))
	if !errors.Is(err, normalize.ErrUnsupportedPlatform) {
		t.Fatalf("expected unsupported platform error, got %v", err)
	}
}

func TestIngestSurfacesWriteFailure(t *testing.T) {
	writer := &fakeWriter{err: errors.New("disk full")}
	pipe := newTestPipeline(writer, &fakeSessions{})

	if _, err := pipe.Ingest(context.Background(), "chzzk", "ch1", chzzkChatPayload(t, "x")); err == nil {
		t.Fatalf("expected write error to surface")
	}
}

func TestPresenceSignals(t *testing.T) {
	sessions := &fakeSessions{}
	pipe := newTestPipeline(&fakeWriter{}, sessions)

	id, err := pipe.HandleUserEnter(context.Background(), session.EnterData{
		Platform: core.PlatformSoop, ChannelID: "ch1", ExternalUserID: "u1",
	})
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if id != "sess-1" {
		t.Fatalf("unexpected session id %q", id)
	}
	if err := pipe.HandleUserExit(context.Background(), session.ExitData{
		Platform: core.PlatformSoop, ChannelID: "ch1", ExternalUserID: "u1",
	}); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if len(sessions.enters) != 1 || len(sessions.exits) != 1 {
		t.Fatalf("expected 1 enter and 1 exit, got %d/%d", len(sessions.enters), len(sessions.exits))
	}

	sessions.enterErr = errors.New("db down")
	if _, err := pipe.HandleUserEnter(context.Background(), session.EnterData{
		Platform: core.PlatformSoop, ChannelID: "ch1", ExternalUserID: "u2",
	}); err == nil {
		t.Fatalf("expected enter error to surface")
	}
}

func TestHandleCategoryUpdate(t *testing.T) {
	matcher := &fakeMatcher{}
	registry := &fakeRegistry{}
	pipe := newTestPipeline(&fakeWriter{}, &fakeSessions{},
		WithCategories(matcher, registry))

	cat := catalog.Category{
		Platform:           core.PlatformChzzk,
		PlatformCategoryID: "lol",
		Name:               "리그 오브 레전드",
		ViewerCount:        4000,
	}
	result, err := pipe.HandleCategoryUpdate(context.Background(), cat)
	if err != nil {
		t.Fatalf("category update: %v", err)
	}
	if result.CatalogEntryID != "entry-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(registry.seen) != 1 || registry.seen[0].PlatformCategoryID != "lol" {
		t.Fatalf("expected registry sighting, got %+v", registry.seen)
	}

	// A matcher failure still records the sighting for later review.
	matcher.err = errors.New("no entries")
	if _, err := pipe.HandleCategoryUpdate(context.Background(), cat); err == nil {
		t.Fatalf("expected matcher error to surface")
	}
	if len(registry.seen) != 2 {
		t.Fatalf("expected sighting recorded despite failure, got %d", len(registry.seen))
	}
}

func TestRecordSnapshotDefaultsTimestamp(t *testing.T) {
	snaps := &fakeSnapshots{}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pipe := newTestPipeline(&fakeWriter{}, &fakeSessions{},
		WithSnapshots(snaps),
		WithClock(func() time.Time { return fixed }))

	err := pipe.RecordSnapshot(context.Background(), store.Snapshot{
		Platform: core.PlatformTwitch, ChannelID: "ch", BroadcastID: "b1", ViewerCount: 42,
	})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snaps.snaps) != 1 || !snaps.snaps[0].Ts.Equal(fixed) {
		t.Fatalf("expected clock-stamped snapshot, got %+v", snaps.snaps)
	}
}

func metricValue(t *testing.T, pipe *Pipeline, name string) float64 {
	t.Helper()
	families, err := pipe.Metrics().Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		m := mf.GetMetric()[0]
		if c := m.GetCounter(); c != nil {
			return c.GetValue()
		}
		if g := m.GetGauge(); g != nil {
			return g.GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func TestRunSweeperCountsReclaimedSessions(t *testing.T) {
	sessions := &fakeSessions{reclaim: 3, swept: make(chan struct{}, 2)}
	pipe := newTestPipeline(&fakeWriter{}, sessions)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pipe.RunSweeper(ctx, 5*time.Millisecond)

	// The second sweep only starts after the first one's count was recorded.
	for i := 0; i < 2; i++ {
		select {
		case <-sessions.swept:
		case <-time.After(2 * time.Second):
			t.Fatalf("sweeper never ran (iteration %d)", i)
		}
	}
	cancel()

	if got := metricValue(t, pipe, "streamsight_stale_sessions_reclaimed_total"); got < 3 {
		t.Fatalf("reclaimed counter = %v, want at least 3", got)
	}
}

func TestOpenSessionsGaugeReportsTrackerCount(t *testing.T) {
	sessions := &fakeSessions{active: 7}
	pipe := newTestPipeline(&fakeWriter{}, sessions)

	if got := metricValue(t, pipe, "streamsight_open_sessions"); got != 7 {
		t.Fatalf("open sessions gauge = %v, want 7", got)
	}
}

func TestPresenceAndCategoryTraceStages(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	pipe := newTestPipeline(&fakeWriter{}, &fakeSessions{},
		WithLogger(logger),
		WithTraceLogging(true),
		WithCategories(&fakeMatcher{}, &fakeRegistry{}))

	if _, err := pipe.HandleUserEnter(context.Background(), session.EnterData{
		Platform: core.PlatformChzzk, ChannelID: "ch1", ExternalUserID: "u1",
	}); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if !strings.Contains(buf.String(), "session_updated") {
		t.Fatalf("enter trace missing session stage: %s", buf.String())
	}

	buf.Reset()
	_, err := pipe.HandleCategoryUpdate(context.Background(), catalog.Category{
		Platform: core.PlatformChzzk, PlatformCategoryID: "lol", Name: "리그 오브 레전드",
	})
	if err != nil {
		t.Fatalf("category update: %v", err)
	}
	if !strings.Contains(buf.String(), "category_mapped") {
		t.Fatalf("category trace missing mapped stage: %s", buf.String())
	}
}
