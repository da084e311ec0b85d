package dashboard

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxdesk/extwatch/internal/agents"
	"github.com/voxdesk/extwatch/internal/cache"
	"github.com/voxdesk/extwatch/internal/presence"
	"github.com/voxdesk/extwatch/internal/realtime"
	"github.com/voxdesk/extwatch/internal/reconcile"
)

// statusView is a cached status as browsers see it.
type statusView struct {
	Extension  string          `json:"extension"`
	IsOnline   bool            `json:"isOnline"`
	LastSeen   *time.Time      `json:"lastSeen"`
	URI        string          `json:"uri,omitempty"`
	UserAgent  string          `json:"userAgent,omitempty"`
	Source     presence.Source `json:"source"`
	ObservedAt time.Time       `json:"observedAt"`
	Version    uint64          `json:"version"`
	Hydrated   bool            `json:"hydrated,omitempty"`
}

func newStatusView(e cache.Entry[presence.StatusSnapshot]) statusView {
	return statusView{
		Extension:  e.Key,
		IsOnline:   e.Payload.IsOnline,
		LastSeen:   e.Payload.LastSeen,
		URI:        e.Payload.URI,
		UserAgent:  e.Payload.UserAgent,
		Source:     e.Payload.Source,
		ObservedAt: e.Payload.ObservedAt,
		Version:    e.Version,
		Hydrated:   e.Hydrated,
	}
}

func statusViews(entries []cache.Entry[presence.StatusSnapshot]) []statusView {
	out := make([]statusView, 0, len(entries))
	for _, e := range entries {
		out = append(out, newStatusView(e))
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════
// HEALTH & PRESENCE
// ═══════════════════════════════════════════════════════════════════════════

// handleHealth reports build and sync state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	subs := []realtime.Subscription{}
	if ch := s.presence.Channels(); ch != nil {
		subs = ch.Subscriptions()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"version":       VersionInfo(),
		"buildTime":     BuildTime,
		"cacheVersion":  s.presence.Aggregate().Version,
		"polling":       s.presence.Polling(),
		"subscriptions": subs,
		"clients":       s.hub.Len(),
	})
}

// handleGetPresence returns cached statuses and aggregates.
func (s *Server) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	exts := splitList(r.URL.Query().Get("extensions"))
	writeJSON(w, http.StatusOK, statePayload{
		Statuses:  statusViews(s.presence.Statuses(exts)),
		Aggregate: s.presence.Aggregate(),
	})
}

// handleRefresh fetches immediately and returns what changed.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Extensions []string `json:"extensions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	changed, err := s.presence.Refresh(r.Context(), req.Extensions)
	if err != nil {
		s.log.Warn().Err(err).Msg("manual refresh failed")
		writeUpstreamError(w, err)
		return
	}
	if changed == nil {
		changed = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"changed": changed,
		"version": s.presence.Aggregate().Version,
	})
}

// ═══════════════════════════════════════════════════════════════════════════
// AGENTS
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	recs, err := s.agents.List(r.Context())
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to list agents")
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": recs})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.agents.Get(r.Context(), chi.URLParam(r, "ext"))
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var rec agents.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	created, err := s.agents.Create(r.Context(), rec)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var patch agents.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rec, err := s.agents.Update(r.Context(), chi.URLParam(r, "ext"), patch)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.Delete(r.Context(), chi.URLParam(r, "ext")); err != nil {
		writeUpstreamError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ═══════════════════════════════════════════════════════════════════════════
// WEBSOCKET
// ═══════════════════════════════════════════════════════════════════════════

// handleWebSocket mounts a browser surface on presence.
// Query: context (gating policy key), extensions (comma separated, optional).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	uiContext := q.Get("context")
	if uiContext == "" {
		uiContext = DefaultContext
	}
	extensions := splitList(q.Get("extensions"))
	for _, ext := range extensions {
		if !presence.ValidExtension(ext) {
			writeError(w, http.StatusBadRequest, "invalid extension "+strconv.Quote(ext))
			return
		}
	}

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	if frame := s.hub.expiredFrame(); frame != nil {
		closeWith(conn, frame)
		return
	}

	client := &Client{
		id:         uuid.NewString(),
		context:    uiContext,
		extensions: extensions,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		hub:        s.hub,
	}

	dispose, err := s.presence.Mount(s.ctx, reconcile.MountOptions{
		Context:    client.context,
		Extensions: client.extensions,
		OwnerID:    client.id,
		Listener:   client.onChange,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("context", uiContext).Msg("mount rejected")
		closeWith(conn, s.hub.expiredFrame())
		return
	}
	client.setDispose(dispose)

	select {
	case s.hub.register <- client:
	case <-s.hub.quit:
		dispose()
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// closeWith writes frame, if any, and closes the connection.
func closeWith(conn *websocket.Conn, frame []byte) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if frame != nil {
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
}

// ═══════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeUpstreamError maps collaborator errors onto HTTP statuses.
func writeUpstreamError(w http.ResponseWriter, err error) {
	var se *presence.StatusError
	switch {
	case presence.IsAuthExpired(err):
		writeError(w, http.StatusUnauthorized, "session expired")
	case errors.Is(err, agents.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, agents.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &se):
		writeError(w, http.StatusBadGateway, se.Error())
	default:
		writeError(w, http.StatusBadGateway, "upstream unavailable")
	}
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
