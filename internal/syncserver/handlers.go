package syncserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"iso-builder/internal/protocol"
	"iso-builder/internal/transport"
)

const (
	maxPollBatch = 128
	maxPostBody  = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Cross-origin observers are admitted; CORS for the API is handled by
	// the router.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Routes mounts the WebSocket and long-polling endpoints on r.
func (h *Hub) Routes(r chi.Router) {
	r.Get(transport.WebSocketPath, h.ServeWS)
	r.Post(transport.PollingPath, h.OpenSession)
	r.Get(transport.PollingPath+"/{sid}", h.Poll)
	r.Post(transport.PollingPath+"/{sid}", h.Send)
	r.Delete(transport.PollingPath+"/{sid}", h.CloseSession)
}

// ServeWS upgrades the request and serves one WebSocket peer until either
// side closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}
	conn := transport.NewWebSocketConn(c)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	p := h.connect(ctx, transport.KindWebSocket)
	written := make(chan struct{})
	go func() {
		defer close(written)
		h.writeLoop(ctx, conn, p)
	}()

	for {
		env, err := conn.Read(ctx)
		if errors.Is(err, protocol.ErrMalformedEnvelope) {
			h.log.Warn().Err(err).Str("peer", p.id).Msg("dropping malformed frame")
			continue
		}
		if err != nil {
			break
		}
		p.touch()
		h.dispatch(ctx, p, env)
	}
	h.disconnect(p, protocol.ReasonTransport)
	<-written
}

func (h *Hub) writeLoop(ctx context.Context, conn *transport.WebSocketConn, p *peer) {
	ping := time.NewTicker(transport.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-p.done:
			if p.closeReason() == protocol.ReasonServer {
				_ = conn.CloseWithReason(protocol.ReasonServer)
				return
			}
			_ = conn.Close()
			return
		case env := <-p.send:
			if err := conn.Write(ctx, env); err != nil {
				h.disconnect(p, protocol.ReasonTransport)
				_ = conn.Close()
				return
			}
		case <-ping.C:
			if err := conn.Ping(); err != nil {
				h.disconnect(p, protocol.ReasonTransport)
				_ = conn.Close()
				return
			}
		}
	}
}

// OpenSession starts a long-polling session.
func (h *Hub) OpenSession(w http.ResponseWriter, r *http.Request) {
	p := h.connect(r.Context(), transport.KindPolling)
	writeJSON(w, http.StatusOK, transport.SessionResponse{SID: p.id})
}

// Poll holds the request until envelopes are queued for the session or the
// wait elapses.
func (h *Hub) Poll(w http.ResponseWriter, r *http.Request) {
	p, ok := h.lookup(chi.URLParam(r, "sid"))
	if !ok {
		http.Error(w, "session expired", http.StatusGone)
		return
	}
	p.touch()
	defer p.touch()

	wait := h.opts.MaxPollWait
	if v := r.URL.Query().Get("wait"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 && d < wait {
			wait = d
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	var batch []protocol.Envelope
	select {
	case env := <-p.send:
		batch = append(batch, env)
	case <-p.done:
		http.Error(w, "session closed", http.StatusGone)
		return
	case <-timer.C:
		w.WriteHeader(http.StatusNoContent)
		return
	case <-r.Context().Done():
		return
	}
drain:
	for len(batch) < maxPollBatch {
		select {
		case env := <-p.send:
			batch = append(batch, env)
		default:
			break drain
		}
	}
	writeJSON(w, http.StatusOK, batch)
}

// Send accepts a JSON array of envelopes from the session.
func (h *Hub) Send(w http.ResponseWriter, r *http.Request) {
	p, ok := h.lookup(chi.URLParam(r, "sid"))
	if !ok {
		http.Error(w, "session expired", http.StatusGone)
		return
	}
	p.touch()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPostBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	batch, skipped, err := protocol.DecodeBatch(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if skipped > 0 {
		h.log.Warn().Str("peer", p.id).Int("skipped", skipped).Msg("dropping malformed envelopes")
	}
	for _, env := range batch {
		h.dispatch(r.Context(), p, env)
	}
	w.WriteHeader(http.StatusNoContent)
}

// CloseSession ends a polling session. Unknown sessions are not an error.
func (h *Hub) CloseSession(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.lookup(chi.URLParam(r, "sid")); ok {
		h.disconnect(p, protocol.ReasonClient)
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
