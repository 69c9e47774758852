package store

import (
	"context"

	"github.com/you/streamsight/internal/core"
	"github.com/you/streamsight/internal/eventtrace"
)

type broadcaster interface {
	Broadcast(core.Event)
}

// WithBroadcast persists first, then pushes to live consumers; an event that
// failed to persist is never broadcast.
type WithBroadcast struct {
	*SQLiteStore
	api broadcaster
}

func WithAPI(base *SQLiteStore, api broadcaster) *WithBroadcast {
	return &WithBroadcast{SQLiteStore: base, api: api}
}

func (w *WithBroadcast) Write(ctx context.Context, ev core.Event, trace *eventtrace.EventTrace) error {
	if err := w.SQLiteStore.WriteEvent(ctx, ev); err != nil {
		return err
	}
	if trace != nil {
		trace.IncCounter(eventtrace.StageWrittenToDB)
	}
	if w.api != nil {
		w.api.Broadcast(ev)
		if trace != nil {
			trace.IncCounter(eventtrace.StageBroadcast)
		}
	}
	return nil
}
