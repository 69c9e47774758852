// Package ingestapi exposes the write side of the pipeline over HTTP:
// platform connectors POST raw payloads, presence signals, category updates,
// and concurrency snapshots here.
package ingestapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/you/streamsight/internal/catalog"
	"github.com/you/streamsight/internal/core"
	"github.com/you/streamsight/internal/normalize"
	"github.com/you/streamsight/internal/session"
	"github.com/you/streamsight/internal/store"
)

// Pipeline is the ingest surface this server fronts.
type Pipeline interface {
	Ingest(ctx context.Context, platform, channelID string, raw []byte) (core.Event, error)
	HandleUserEnter(ctx context.Context, data session.EnterData) (string, error)
	HandleUserExit(ctx context.Context, data session.ExitData) error
	HandleBroadcastEnd(ctx context.Context, broadcastID string) (int64, error)
	HandleCategoryUpdate(ctx context.Context, cat catalog.Category) (catalog.MatchResult, error)
	RecordSnapshot(ctx context.Context, snap store.Snapshot) error
}

type Server struct {
	pipe Pipeline
}

func New(pipe Pipeline) *Server { return &Server{pipe: pipe} }

// Register mounts the ingest routes on the given mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /ingest/event", s.handleEvent)
	mux.HandleFunc("POST /ingest/enter", s.handleEnter)
	mux.HandleFunc("POST /ingest/exit", s.handleExit)
	mux.HandleFunc("POST /ingest/broadcast-end", s.handleBroadcastEnd)
	mux.HandleFunc("POST /ingest/category", s.handleCategory)
	mux.HandleFunc("POST /ingest/snapshot", s.handleSnapshot)
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondErr(w http.ResponseWriter, status int, msg string) {
	respond(w, status, map[string]string{"error": msg})
}

type eventRequest struct {
	Platform string          `json:"platform"`
	Channel  string          `json:"channel"`
	Payload  json.RawMessage `json:"payload"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Platform) == "" || len(req.Payload) == 0 {
		respondErr(w, http.StatusBadRequest, "platform and payload required")
		return
	}

	ev, err := s.pipe.Ingest(r.Context(), req.Platform, req.Channel, req.Payload)
	if err != nil {
		var malformed *normalize.MalformedEventError
		switch {
		case errors.As(err, &malformed):
			respondErr(w, http.StatusUnprocessableEntity, malformed.Error())
		case errors.Is(err, normalize.ErrUnsupportedPlatform):
			respondErr(w, http.StatusBadRequest, err.Error())
		default:
			respondErr(w, http.StatusInternalServerError, "ingest failed")
		}
		return
	}
	respond(w, http.StatusOK, map[string]any{"ok": true, "id": ev.ID, "type": ev.Type})
}

type enterRequest struct {
	Platform       string `json:"platform"`
	ChannelID      string `json:"channelId"`
	BroadcastID    string `json:"broadcastId"`
	ExternalUserID string `json:"externalUserId"`
	PersonID       string `json:"personId"`
	Nickname       string `json:"nickname"`
	CategoryID     string `json:"categoryId"`
}

func (s *Server) handleEnter(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req enterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	platform, ok := core.ParsePlatform(req.Platform)
	if !ok {
		respondErr(w, http.StatusBadRequest, "invalid platform")
		return
	}
	if req.ChannelID == "" || req.ExternalUserID == "" {
		respondErr(w, http.StatusBadRequest, "channelId and externalUserId required")
		return
	}

	id, err := s.pipe.HandleUserEnter(r.Context(), session.EnterData{
		Platform:       platform,
		ChannelID:      req.ChannelID,
		BroadcastID:    req.BroadcastID,
		ExternalUserID: req.ExternalUserID,
		PersonID:       req.PersonID,
		Nickname:       req.Nickname,
		CategoryID:     req.CategoryID,
	})
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "enter failed")
		return
	}
	respond(w, http.StatusOK, map[string]string{"sessionId": id})
}

type exitRequest struct {
	Platform       string `json:"platform"`
	ChannelID      string `json:"channelId"`
	ExternalUserID string `json:"externalUserId"`
}

func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req exitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	platform, ok := core.ParsePlatform(req.Platform)
	if !ok {
		respondErr(w, http.StatusBadRequest, "invalid platform")
		return
	}

	err := s.pipe.HandleUserExit(r.Context(), session.ExitData{
		Platform:       platform,
		ChannelID:      req.ChannelID,
		ExternalUserID: req.ExternalUserID,
	})
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "exit failed")
		return
	}
	respond(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleBroadcastEnd(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req struct {
		BroadcastID string `json:"broadcastId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.BroadcastID == "" {
		respondErr(w, http.StatusBadRequest, "broadcastId required")
		return
	}
	closed, err := s.pipe.HandleBroadcastEnd(r.Context(), req.BroadcastID)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "broadcast end failed")
		return
	}
	respond(w, http.StatusOK, map[string]int64{"closedSessions": closed})
}

type categoryRequest struct {
	Platform           string `json:"platform"`
	PlatformCategoryID string `json:"platformCategoryId"`
	Name               string `json:"name"`
	ViewerCount        int    `json:"viewerCount"`
}

func (s *Server) handleCategory(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req categoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	platform, ok := core.ParsePlatform(req.Platform)
	if !ok {
		respondErr(w, http.StatusBadRequest, "invalid platform")
		return
	}
	if req.PlatformCategoryID == "" || req.Name == "" {
		respondErr(w, http.StatusBadRequest, "platformCategoryId and name required")
		return
	}

	result, err := s.pipe.HandleCategoryUpdate(r.Context(), catalog.Category{
		Platform:           platform,
		PlatformCategoryID: req.PlatformCategoryID,
		Name:               req.Name,
		ViewerCount:        req.ViewerCount,
	})
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "category mapping failed")
		return
	}
	respond(w, http.StatusOK, result)
}

type snapshotRequest struct {
	Platform    string    `json:"platform"`
	ChannelID   string    `json:"channelId"`
	BroadcastID string    `json:"broadcastId"`
	Ts          time.Time `json:"ts,omitempty"`
	ViewerCount int       `json:"viewerCount"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req snapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	platform, ok := core.ParsePlatform(req.Platform)
	if !ok {
		respondErr(w, http.StatusBadRequest, "invalid platform")
		return
	}
	if req.BroadcastID == "" || req.ViewerCount < 0 {
		respondErr(w, http.StatusBadRequest, "broadcastId required and viewerCount must be >= 0")
		return
	}

	err := s.pipe.RecordSnapshot(r.Context(), store.Snapshot{
		Platform:    platform,
		ChannelID:   req.ChannelID,
		BroadcastID: req.BroadcastID,
		Ts:          req.Ts,
		ViewerCount: req.ViewerCount,
	})
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "snapshot failed")
		return
	}
	respond(w, http.StatusOK, map[string]bool{"ok": true})
}
