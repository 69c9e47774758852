package eventtrace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
)

// Stage represents a pipeline stage used for tracking event processing.
type Stage string

const (
	StageSeenFromConnector Stage = "seen_from_connector"
	StageNormalizedOK      Stage = "normalized_ok"
	StageCategoryMapped    Stage = "category_mapped"
	StageSessionUpdated    Stage = "session_updated"
	StageWrittenToDB       Stage = "written_to_db"
	StageBroadcast         Stage = "broadcast"

	StageDroppedPrefix = "dropped_"
)

// StageDropped creates a Stage for a dropped event with the given reason.
func StageDropped(reason string) Stage {
	return Stage(fmt.Sprintf("%s%s", StageDroppedPrefix, reason))
}

// EventTrace captures trace metadata for an event throughout the pipeline.
type EventTrace struct {
	Platform string
	Channel  string
	Sender   string
	Snippet  string
	TraceID  string

	mu       sync.Mutex
	counters map[Stage]int64
}

// NewTraceFromConnectorEvent constructs a trace from connector metadata and
// seeds the seen_from_connector counter.
func NewTraceFromConnectorEvent(platform, channel, sender, snippet string) *EventTrace {
	trace := &EventTrace{
		Platform: platform,
		Channel:  channel,
		Sender:   sender,
		Snippet:  snippet,
		TraceID:  computeTraceID(platform, channel, sender, snippet),
		counters: make(map[Stage]int64),
	}

	trace.counters[StageSeenFromConnector] = 1
	return trace
}

// IncCounter increments the counter for the provided stage and returns the
// updated value.
func (t *EventTrace) IncCounter(stage Stage) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counters[stage]++
	return t.counters[stage]
}

// LogTrace logs the trace metadata and counters using structured logging.
func (t *EventTrace) LogTrace(logger *slog.Logger, msg string) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info(msg,
		"trace_id", t.TraceID,
		"platform", t.Platform,
		"channel", t.Channel,
		"sender", t.Sender,
		"snippet", t.Snippet,
		"counters", t.snapshotCounters(),
	)
}

func (t *EventTrace) snapshotCounters() map[Stage]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	copy := make(map[Stage]int64, len(t.counters))
	for stage, count := range t.counters {
		copy[stage] = count
	}

	return copy
}

func computeTraceID(platform, channel, sender, snippet string) string {
	digest := sha256.Sum256([]byte(platform + "\x1f" + channel + "\x1f" + sender + "\x1f" + snippet))
	return hex.EncodeToString(digest[:])
}
