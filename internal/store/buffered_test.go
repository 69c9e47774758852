package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/you/streamsight/internal/core"
	"github.com/you/streamsight/internal/eventtrace"
)

type recordingWriter struct {
	mu        sync.Mutex
	events    []core.Event
	failAfter int
	calls     int
}

func (r *recordingWriter) Write(_ context.Context, ev core.Event, _ *eventtrace.EventTrace) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failAfter > 0 && r.calls >= r.failAfter {
		return fmt.Errorf("boom")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingWriter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestBufferedWriterBatchFlush(t *testing.T) {
	base := &recordingWriter{}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 2, FlushInterval: time.Hour})
	defer func() {
		if err := bw.Close(); err != nil {
			t.Fatalf("close error: %v", err)
		}
	}()

	ctx := context.Background()
	if err := bw.Write(ctx, core.Event{ID: "1"}, nil); err != nil {
		t.Fatalf("write1: %v", err)
	}
	if base.Count() != 0 {
		t.Fatalf("expected no flush yet")
	}
	if err := bw.Write(ctx, core.Event{ID: "2"}, nil); err != nil {
		t.Fatalf("write2: %v", err)
	}
	if base.Count() != 2 {
		t.Fatalf("expected batch flush, got %d", base.Count())
	}
}

func TestBufferedWriterFlushInterval(t *testing.T) {
	base := &recordingWriter{}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 10, FlushInterval: 20 * time.Millisecond})
	defer func() {
		if err := bw.Close(); err != nil {
			t.Fatalf("close error: %v", err)
		}
	}()

	if err := bw.Write(context.Background(), core.Event{ID: "interval"}, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if base.Count() != 1 {
		t.Fatalf("expected timer flush, got %d", base.Count())
	}
}

func TestBufferedWriterErrorPropagation(t *testing.T) {
	base := &recordingWriter{failAfter: 1}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 1, FlushInterval: 0})
	defer func() {
		_ = bw.Close()
	}()

	if err := bw.Write(context.Background(), core.Event{ID: "err"}, nil); err == nil {
		t.Fatalf("expected error from underlying writer")
	}
}

func TestBufferedWriterCloseFlushesRemainder(t *testing.T) {
	base := &recordingWriter{}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 100, FlushInterval: time.Hour})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := bw.Write(ctx, core.Event{ID: fmt.Sprintf("ev-%d", i)}, nil); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if base.Count() != 0 {
		t.Fatalf("expected writes buffered, got %d", base.Count())
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if base.Count() != 3 {
		t.Fatalf("expected close flush of 3 events, got %d", base.Count())
	}
	if err := bw.Write(ctx, core.Event{ID: "late"}, nil); err == nil {
		t.Fatalf("expected write after close to fail")
	}
}
