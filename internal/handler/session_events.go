package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/sheetlens/internal/gate"
	"github.com/hitoshi/sheetlens/internal/middleware"
	"github.com/hitoshi/sheetlens/internal/model"
)

const sseHeartbeatInterval = 25 * time.Second

// SessionEventsHandler はゲート状態の変化をServer-Sent Eventsで配信する。
type SessionEventsHandler struct {
	auth      AuthServiceInterface
	users     gate.Resolver
	heartbeat time.Duration
}

// NewSessionEventsHandler はSessionEventsHandlerを生成する。
func NewSessionEventsHandler(auth AuthServiceInterface, users gate.Resolver) *SessionEventsHandler {
	return &SessionEventsHandler{auth: auth, users: users, heartbeat: sseHeartbeatInterval}
}

// ServeHTTP は接続中のセッションについてゲートのスナップショットを送り続ける。
// GET /api/session/events
// 最初のイベントは現在の状態。サインアウトすると unauthenticated が届く。
func (h *SessionEventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	clearStreamDeadlines(w)

	m := gate.New(nil, h.users)
	defer m.Close()

	snapshots := make(chan gate.Snapshot, 8)
	stopGate := m.Watch(func(snap gate.Snapshot) {
		select {
		case snapshots <- snap:
		case <-ctx.Done():
		}
	})
	defer stopGate()

	stopAuth, err := h.auth.Watch(ctx, middleware.SessionIDFromContext(ctx), func(identity *model.Identity) {
		if err := m.HandleIdentity(ctx, identity); err != nil {
			slog.Warn("failed to resolve user on session stream", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	defer stopAuth()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case snap := <-snapshots:
			data, err := json.Marshal(snap)
			if err != nil {
				slog.Error("failed to marshal gate snapshot", slog.String("error", err.Error()))
				continue
			}
			fmt.Fprintf(w, "event: gate\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// clearStreamDeadlines は長時間の接続のためにサーバーの読み書き期限を解除する。
func clearStreamDeadlines(w http.ResponseWriter) {
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})
}
