// Package pipeline wires the ingest path: raw connector payloads are
// normalized, traced, persisted, and fanned out, while presence signals and
// category updates feed the session tracker and catalog matcher.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/you/streamsight/internal/catalog"
	"github.com/you/streamsight/internal/core"
	"github.com/you/streamsight/internal/eventtrace"
	"github.com/you/streamsight/internal/normalize"
	"github.com/you/streamsight/internal/session"
	"github.com/you/streamsight/internal/store"
)

// Writer persists a normalized event.
type Writer interface {
	Write(ctx context.Context, ev core.Event, trace *eventtrace.EventTrace) error
}

// Normalizer converts a raw platform payload to the canonical event shape.
type Normalizer interface {
	Normalize(platform string, raw []byte) (core.Event, error)
}

// Sessions is the presence surface of the session tracker.
type Sessions interface {
	HandleUserEnter(ctx context.Context, data session.EnterData) (string, error)
	HandleUserExit(ctx context.Context, data session.ExitData) error
	CloseAllSessions(ctx context.Context, broadcastID string) (int64, error)
	CleanupStaleSessions(ctx context.Context) (int64, error)
	ActiveCount() int
}

// Categories resolves platform categories against the catalog.
type Categories interface {
	AutoMapCategory(ctx context.Context, cat catalog.Category) (catalog.MatchResult, error)
}

// CategoryRegistry records which platform categories are currently live.
type CategoryRegistry interface {
	UpsertPlatformCategory(ctx context.Context, cat catalog.Category, seenAt time.Time) error
}

// Snapshots records concurrency samples for the estimator.
type Snapshots interface {
	RecordSnapshot(ctx context.Context, snap store.Snapshot) error
}

type Pipeline struct {
	normalizer Normalizer
	writer     Writer
	sessions   Sessions
	categories Categories
	registry   CategoryRegistry
	snapshots  Snapshots
	logger     *slog.Logger
	metrics    *Metrics
	now        func() time.Time
	traces     bool
}

type Option func(*Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithTraceLogging enables per-event trace logs. Noisy; meant for debugging
// a single channel, not production.
func WithTraceLogging(enabled bool) Option {
	return func(p *Pipeline) { p.traces = enabled }
}

func WithCategories(matcher Categories, registry CategoryRegistry) Option {
	return func(p *Pipeline) {
		p.categories = matcher
		p.registry = registry
	}
}

func WithSnapshots(snapshots Snapshots) Option {
	return func(p *Pipeline) { p.snapshots = snapshots }
}

func New(normalizer Normalizer, writer Writer, sessions Sessions, opts ...Option) *Pipeline {
	p := &Pipeline{
		normalizer: normalizer,
		writer:     writer,
		sessions:   sessions,
		logger:     slog.Default(),
		metrics:    newMetrics(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if sessions != nil {
		p.metrics.trackOpenSessions(func() float64 {
			return float64(sessions.ActiveCount())
		})
	}
	return p
}

// Metrics exposes the pipeline's Prometheus collectors for registration or
// scraping alongside the HTTP API's registry.
func (p *Pipeline) Metrics() *Metrics { return p.metrics }

// RunSweeper runs the stale-session sweep on a fixed interval until the
// context ends. Sweep errors are logged, never fatal.
func (p *Pipeline) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := p.sessions.CleanupStaleSessions(ctx)
			if err != nil {
				p.metrics.IncSessionErrors("sweep")
				p.logger.Error("stale session sweep failed", "err", err)
				continue
			}
			p.metrics.AddSweepReclaimed(reclaimed)
		}
	}
}

// Ingest normalizes and persists one raw connector payload. Malformed
// payloads are logged and dropped; the pipeline keeps running. The returned
// event is the canonical form, valid only when err is nil.
func (p *Pipeline) Ingest(ctx context.Context, platform, channelID string, raw []byte) (core.Event, error) {
	trace := eventtrace.NewTraceFromConnectorEvent(platform, channelID, "", snippet(raw))

	ev, err := p.normalizer.Normalize(platform, raw)
	if err != nil {
		var malformed *normalize.MalformedEventError
		switch {
		case errors.As(err, &malformed):
			trace.IncCounter(eventtrace.StageDropped("malformed"))
			p.metrics.IncMalformed(platform)
			p.logger.Warn("malformed event dropped",
				"platform", platform, "channel", channelID, "reason", malformed.Reason)
		case errors.Is(err, normalize.ErrUnsupportedPlatform):
			trace.IncCounter(eventtrace.StageDropped("unsupported_platform"))
			p.metrics.IncMalformed(platform)
			p.logger.Warn("unsupported platform payload dropped", "platform", platform)
		default:
			trace.IncCounter(eventtrace.StageDropped("normalize_error"))
			p.metrics.IncMalformed(platform)
			p.logger.Error("normalize failed", "platform", platform, "err", err)
		}
		return core.Event{}, err
	}
	trace.IncCounter(eventtrace.StageNormalizedOK)
	trace.Sender = ev.Sender.Nickname

	if err := p.writer.Write(ctx, ev, trace); err != nil {
		trace.IncCounter(eventtrace.StageDropped("write_error"))
		p.metrics.IncWriteErrors()
		p.logger.Error("event write failed",
			"platform", ev.Platform, "channel", ev.ChannelID, "id", ev.ID, "err", err)
		return core.Event{}, err
	}

	p.metrics.IncIngested(string(ev.Platform), string(ev.Type))
	if p.traces {
		trace.LogTrace(p.logger, "event ingested")
	}
	return ev, nil
}

// HandleUserEnter opens a viewer session for a presence enter signal.
func (p *Pipeline) HandleUserEnter(ctx context.Context, data session.EnterData) (string, error) {
	trace := eventtrace.NewTraceFromConnectorEvent(string(data.Platform), data.ChannelID, data.Nickname, "")
	id, err := p.sessions.HandleUserEnter(ctx, data)
	if err != nil {
		trace.IncCounter(eventtrace.StageDropped("session_error"))
		p.metrics.IncSessionErrors("enter")
		return "", err
	}
	trace.IncCounter(eventtrace.StageSessionUpdated)
	p.metrics.IncPresence("enter")
	if p.traces {
		trace.LogTrace(p.logger, "presence enter")
	}
	return id, nil
}

// HandleUserExit closes the viewer's open session, if any.
func (p *Pipeline) HandleUserExit(ctx context.Context, data session.ExitData) error {
	trace := eventtrace.NewTraceFromConnectorEvent(string(data.Platform), data.ChannelID, "", "")
	if err := p.sessions.HandleUserExit(ctx, data); err != nil {
		trace.IncCounter(eventtrace.StageDropped("session_error"))
		p.metrics.IncSessionErrors("exit")
		return err
	}
	trace.IncCounter(eventtrace.StageSessionUpdated)
	p.metrics.IncPresence("exit")
	if p.traces {
		trace.LogTrace(p.logger, "presence exit")
	}
	return nil
}

// HandleBroadcastEnd closes every open session for the broadcast.
func (p *Pipeline) HandleBroadcastEnd(ctx context.Context, broadcastID string) (int64, error) {
	closed, err := p.sessions.CloseAllSessions(ctx, broadcastID)
	if err != nil {
		p.metrics.IncSessionErrors("broadcast_end")
		return closed, err
	}
	p.logger.Info("broadcast ended", "broadcast", broadcastID, "closed_sessions", closed)
	return closed, nil
}

// HandleCategoryUpdate records a live platform category and resolves it
// against the catalog. Matching failures leave the category visible in the
// unmapped review queue instead of halting the caller.
func (p *Pipeline) HandleCategoryUpdate(ctx context.Context, cat catalog.Category) (catalog.MatchResult, error) {
	if p.registry != nil {
		if err := p.registry.UpsertPlatformCategory(ctx, cat, p.now().UTC()); err != nil {
			p.logger.Error("platform category upsert failed",
				"platform", cat.Platform, "category", cat.PlatformCategoryID, "err", err)
		}
	}
	if p.categories == nil {
		return catalog.MatchResult{}, nil
	}
	trace := eventtrace.NewTraceFromConnectorEvent(string(cat.Platform), cat.PlatformCategoryID, "", cat.Name)
	result, err := p.categories.AutoMapCategory(ctx, cat)
	if err != nil {
		trace.IncCounter(eventtrace.StageDropped("category_error"))
		p.metrics.IncCategoryErrors()
		p.logger.Warn("category mapping failed",
			"platform", cat.Platform, "category", cat.PlatformCategoryID, "err", err)
		return catalog.MatchResult{}, err
	}
	trace.IncCounter(eventtrace.StageCategoryMapped)
	p.metrics.IncCategoryMapped(result.Method)
	if p.traces {
		trace.LogTrace(p.logger, "category mapped")
	}
	return result, nil
}

// RecordSnapshot stores one concurrency sample.
func (p *Pipeline) RecordSnapshot(ctx context.Context, snap store.Snapshot) error {
	if p.snapshots == nil {
		return nil
	}
	if snap.Ts.IsZero() {
		snap.Ts = p.now().UTC()
	}
	return p.snapshots.RecordSnapshot(ctx, snap)
}

func snippet(raw []byte) string {
	const max = 64
	if len(raw) <= max {
		return string(raw)
	}
	return string(raw[:max])
}
