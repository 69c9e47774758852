package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/you/streamsight/internal/core"
)

// handleWS pushes matching events over a WebSocket. Clients only receive;
// incoming frames are drained and discarded.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	acceptOpts := &websocket.AcceptOptions{}
	if s.cors != nil && s.cors.allowAll {
		acceptOpts.InsecureSkipVerify = true
	} else if s.cors != nil {
		for origin := range s.cors.origins {
			acceptOpts.OriginPatterns = append(acceptOpts.OriginPatterns, trimScheme(origin))
		}
	}

	conn, err := websocket.Accept(baseWriter(w), r, acceptOpts)
	if err != nil {
		s.logger.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "server error")

	client := &streamClient{
		ch:      make(chan core.Event, 256),
		filters: filters.CloneForStream(),
	}
	if !s.addClient(client) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.metrics.IncWSClients(1)
	defer func() {
		s.removeClient(client)
		s.metrics.IncWSClients(-1)
	}()

	// CloseRead drains incoming frames and cancels the context when the
	// peer goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-client.ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
			s.metrics.IncEventsSent("ws")
		}
	}
}

func trimScheme(origin string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if len(origin) > len(prefix) && origin[:len(prefix)] == prefix {
			return origin[len(prefix):]
		}
	}
	return origin
}
