package ingestapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/you/streamsight/internal/catalog"
	"github.com/you/streamsight/internal/core"
	"github.com/you/streamsight/internal/normalize"
	"github.com/you/streamsight/internal/session"
	"github.com/you/streamsight/internal/store"
)

type fakePipeline struct {
	events    int
	enters    []session.EnterData
	exits     []session.ExitData
	ended     []string
	cats      []catalog.Category
	snaps     []store.Snapshot
	ingestErr error
}

func (f *fakePipeline) Ingest(_ context.Context, platform, _ string, _ []byte) (core.Event, error) {
	if f.ingestErr != nil {
		return core.Event{}, f.ingestErr
	}
	f.events++
	return core.Event{ID: "ev-1", Type: core.EventChat, Platform: core.Platform(platform)}, nil
}

func (f *fakePipeline) HandleUserEnter(_ context.Context, data session.EnterData) (string, error) {
	f.enters = append(f.enters, data)
	return "sess-1", nil
}

func (f *fakePipeline) HandleUserExit(_ context.Context, data session.ExitData) error {
	f.exits = append(f.exits, data)
	return nil
}

func (f *fakePipeline) HandleBroadcastEnd(_ context.Context, broadcastID string) (int64, error) {
	f.ended = append(f.ended, broadcastID)
	return 3, nil
}

func (f *fakePipeline) HandleCategoryUpdate(_ context.Context, cat catalog.Category) (catalog.MatchResult, error) {
	f.cats = append(f.cats, cat)
	return catalog.MatchResult{CatalogEntryID: "entry-1", Confidence: 1, Method: "alias"}, nil
}

func (f *fakePipeline) RecordSnapshot(_ context.Context, snap store.Snapshot) error {
	f.snaps = append(f.snaps, snap)
	return nil
}

func post(t *testing.T, mux *http.ServeMux, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func newTestMux(pipe Pipeline) *http.ServeMux {
	mux := http.NewServeMux()
	New(pipe).Register(mux)
	return mux
}

func TestHandleEvent(t *testing.T) {
	pipe := &fakePipeline{}
	mux := newTestMux(pipe)

	rec := post(t, mux, "/ingest/event", `{"platform":"chzzk","channel":"ch1","payload":{"msgTypeCode":1}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if pipe.events != 1 {
		t.Fatalf("expected 1 ingested event, got %d", pipe.events)
	}

	rec = post(t, mux, "/ingest/event", `{"platform":"","payload":{}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing platform, got %d", rec.Code)
	}
	rec = post(t, mux, "/ingest/event", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", rec.Code)
	}
}

func TestHandleEventErrorMapping(t *testing.T) {
	pipe := &fakePipeline{ingestErr: &normalize.MalformedEventError{Platform: core.PlatformChzzk, Reason: "missing msgTypeCode"}}
	mux := newTestMux(pipe)

	rec := post(t, mux, "/ingest/event", `{"platform":"chzzk","payload":{}}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for malformed payload, got %d", rec.Code)
	}

	pipe.ingestErr = normalize.ErrUnsupportedPlatform
	rec = post(t, mux, "/ingest/event", `{"platform":"mixer","payload":{}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported platform, got %d", rec.Code)
	}
}

func TestHandlePresence(t *testing.T) {
	pipe := &fakePipeline{}
	mux := newTestMux(pipe)

	rec := post(t, mux, "/ingest/enter",
		`{"platform":"soop","channelId":"bj1","broadcastId":"b1","externalUserId":"u1","nickname":"alice"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("enter status %d: %s", rec.Code, rec.Body.String())
	}
	var enterResp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &enterResp); err != nil {
		t.Fatalf("decode enter: %v", err)
	}
	if enterResp["sessionId"] != "sess-1" {
		t.Fatalf("unexpected session id: %v", enterResp)
	}
	if len(pipe.enters) != 1 || pipe.enters[0].BroadcastID != "b1" {
		t.Fatalf("unexpected enter data: %+v", pipe.enters)
	}

	rec = post(t, mux, "/ingest/enter", `{"platform":"soop","externalUserId":"u1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing channelId, got %d", rec.Code)
	}

	rec = post(t, mux, "/ingest/exit", `{"platform":"soop","channelId":"bj1","externalUserId":"u1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("exit status %d", rec.Code)
	}
	if len(pipe.exits) != 1 {
		t.Fatalf("expected 1 exit, got %d", len(pipe.exits))
	}
}

func TestHandleBroadcastEnd(t *testing.T) {
	pipe := &fakePipeline{}
	mux := newTestMux(pipe)

	rec := post(t, mux, "/ingest/broadcast-end", `{"broadcastId":"b9"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["closedSessions"] != 3 {
		t.Fatalf("expected 3 closed, got %v", resp)
	}
	if len(pipe.ended) != 1 || pipe.ended[0] != "b9" {
		t.Fatalf("unexpected ended: %v", pipe.ended)
	}

	rec = post(t, mux, "/ingest/broadcast-end", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without broadcastId, got %d", rec.Code)
	}
}

func TestHandleCategoryAndSnapshot(t *testing.T) {
	pipe := &fakePipeline{}
	mux := newTestMux(pipe)

	rec := post(t, mux, "/ingest/category",
		`{"platform":"chzzk","platformCategoryId":"lol","name":"리그 오브 레전드","viewerCount":4000}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("category status %d: %s", rec.Code, rec.Body.String())
	}
	var result catalog.MatchResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.CatalogEntryID != "entry-1" || result.Method != "alias" {
		t.Fatalf("unexpected result: %+v", result)
	}

	rec = post(t, mux, "/ingest/category", `{"platform":"chzzk","name":"x"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing category id, got %d", rec.Code)
	}

	rec = post(t, mux, "/ingest/snapshot",
		`{"platform":"twitch","channelId":"ch","broadcastId":"b1","viewerCount":123}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot status %d", rec.Code)
	}
	if len(pipe.snaps) != 1 || pipe.snaps[0].ViewerCount != 123 {
		t.Fatalf("unexpected snapshots: %+v", pipe.snaps)
	}

	rec = post(t, mux, "/ingest/snapshot", `{"platform":"twitch","broadcastId":"b1","viewerCount":-1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative viewerCount, got %d", rec.Code)
	}
}
