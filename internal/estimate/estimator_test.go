package estimate

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/you/streamsight/internal/core"
)

type fakeStats struct {
	broadcasts map[string]Stats
	order      []string
	listErr    error
}

func (f *fakeStats) BroadcastIDs(_ context.Context, _ core.Platform, _ string, _ time.Time) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]string(nil), f.order...), nil
}

func (f *fakeStats) BroadcastStats(_ context.Context, id string) (Stats, error) {
	s, ok := f.broadcasts[id]
	if !ok {
		return Stats{}, errors.New("unknown broadcast")
	}
	return s, nil
}

func TestEstimateChatBranchWins(t *testing.T) {
	e := New(nil)
	got := e.EstimateTotalViewers(Params{ConfirmedActiveViewers: 30, AverageConcurrentViewers: 0})

	if got.EstimatedTotalViewers != 100 {
		t.Fatalf("total = %v, want 100", got.EstimatedTotalViewers)
	}
	if got.EstimationMethod != MethodChat {
		t.Fatalf("method = %s, want %s", got.EstimationMethod, MethodChat)
	}
}

func TestEstimateConcurrentBranchWins(t *testing.T) {
	e := New(nil)
	got := e.EstimateTotalViewers(Params{ConfirmedActiveViewers: 5, AverageConcurrentViewers: 200})

	if got.EstimatedTotalViewers != 500 {
		t.Fatalf("total = %v, want 500", got.EstimatedTotalViewers)
	}
	if got.EstimationMethod != MethodConcurrent {
		t.Fatalf("method = %s, want %s", got.EstimationMethod, MethodConcurrent)
	}
	if chat := float64(5) / DefaultChatParticipationRate; math.Abs(chat-16.7) > 0.04 {
		t.Fatalf("chat branch = %v, want about 16.7", chat)
	}
}

func TestEstimateMonotonicInConfirmed(t *testing.T) {
	e := New(nil)
	prev := -1.0
	for confirmed := 0; confirmed <= 300; confirmed += 10 {
		got := e.EstimateTotalViewers(Params{ConfirmedActiveViewers: confirmed, AverageConcurrentViewers: 120})
		if got.EstimatedTotalViewers < prev {
			t.Fatalf("estimate decreased at confirmed=%d: %v < %v", confirmed, got.EstimatedTotalViewers, prev)
		}
		prev = got.EstimatedTotalViewers

		// With participation <= 1 the total never undercuts what we can prove.
		if got.EstimatedTotalViewers < float64(confirmed) {
			t.Fatalf("estimate %v below confirmed %d", got.EstimatedTotalViewers, confirmed)
		}
	}
}

func TestConfidenceBands(t *testing.T) {
	e := New(nil)

	cases := []struct {
		name string
		p    Params
		want string
	}{
		// The score floor is 50, so even a near-empty broadcast reports the
		// "50-60%" band rather than "40-50%".
		{"no bonuses", Params{ConfirmedActiveViewers: 2, AverageConcurrentViewers: 0}, "50-60%"},
		{"one tier", Params{ConfirmedActiveViewers: 12, AverageConcurrentViewers: 0}, "50-60%"},
		// 55 confirmed -> 183 by chat; 300 avg -> 750 by concurrency:
		// two tiers and the concurrency bonus, but no agreement: 65.
		{"tiers plus concurrency", Params{ConfirmedActiveViewers: 55, AverageConcurrentViewers: 300}, "60-70%"},
		// 150 confirmed -> 500 by chat; 210 avg -> 525 by concurrency:
		// agreement within 30% on top of every tier bonus: 80.
		{"everything agrees", Params{ConfirmedActiveViewers: 150, AverageConcurrentViewers: 210}, "70-80%"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := e.EstimateTotalViewers(tc.p)
			if got.ConfidenceBand != tc.want {
				t.Fatalf("band = %s, want %s", got.ConfidenceBand, tc.want)
			}
		})
	}
}

func TestEstimateDailyPicksLargestBroadcast(t *testing.T) {
	stats := &fakeStats{
		order: []string{"b1", "b2", "b3"},
		broadcasts: map[string]Stats{
			"b1": {ConfirmedActiveViewers: 30},                                 // 100 by chat
			"b2": {ConfirmedActiveViewers: 5, AverageConcurrentViewers: 200},   // 500 by concurrency
			"b3": {ConfirmedActiveViewers: 60, AverageConcurrentViewers: 40},   // 200 by chat
		},
	}
	e := New(stats)

	day := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	got, err := e.EstimateDailyViewers(context.Background(), core.PlatformChzzk, "ch1", day)
	if err != nil {
		t.Fatalf("daily: %v", err)
	}
	if got.EstimatedTotalViewers != 500 || got.BestBroadcastID != "b2" {
		t.Fatalf("daily picked %s at %v, want b2 at 500", got.BestBroadcastID, got.EstimatedTotalViewers)
	}
	if got.BroadcastCount != 3 {
		t.Fatalf("broadcast count = %d, want 3", got.BroadcastCount)
	}
}

func TestEstimateDailyNoBroadcasts(t *testing.T) {
	e := New(&fakeStats{})

	got, err := e.EstimateDailyViewers(context.Background(), core.PlatformSoop, "bj1", time.Now())
	if err != nil {
		t.Fatalf("daily: %v", err)
	}
	if got.EstimatedTotalViewers != 0 || got.ConfidenceBand != BandNA {
		t.Fatalf("expected zero estimate with N/A band, got %+v", got)
	}
}

func TestEstimateDailyPropagatesStorageError(t *testing.T) {
	e := New(&fakeStats{listErr: errors.New("db gone")})

	if _, err := e.EstimateDailyViewers(context.Background(), core.PlatformTwitch, "c", time.Now()); err == nil {
		t.Fatalf("expected storage error to propagate")
	}
}
