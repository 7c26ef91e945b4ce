package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/sheetlens/internal/gate"
	"github.com/hitoshi/sheetlens/internal/live"
	"github.com/hitoshi/sheetlens/internal/middleware"
	"github.com/hitoshi/sheetlens/internal/model"
	"github.com/hitoshi/sheetlens/internal/store"
	"golang.org/x/net/websocket"
)

const (
	maxLiveSubscriptionsPerConn = 32
	maxLiveFramesPerSecond      = 20
	maxLiveDecodeErrors         = 3
)

// ライブ購読の種類
const (
	LiveKindValue = "value"
	LiveKindList  = "list"
	LiveKindQuery = "query"
)

// liveFrame はWebSocketでやり取りするフレーム。
type liveFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// liveTarget は購読の指定。
type liveTarget struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Path  string `json:"path"`
	Field string `json:"field,omitempty"`
	Value string `json:"value,omitempty"`
}

type liveStatePayload struct {
	ID      string `json:"id"`
	Data    any    `json:"data"`
	Loading bool   `json:"loading"`
	Error   string `json:"error,omitempty"`
}

type liveErrorPayload struct {
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// liveSubscription は1つのライブバインディングを表す。
type liveSubscription interface {
	kind() string
	retarget(target liveTarget)
	isRevoked() bool
	close()
}

type bindingSub[D any] struct {
	kindName string
	binding  interface {
		Watch(fn func(live.State[D])) func()
		Close()
	}
	setTarget func(target liveTarget)

	// 購読後に参照権限を失った場合に立つ
	revoked   atomic.Bool
	closeOnce sync.Once
}

func (s *bindingSub[D]) kind() string { return s.kindName }

func (s *bindingSub[D]) retarget(target liveTarget) { s.setTarget(target) }

func (s *bindingSub[D]) isRevoked() bool { return s.revoked.Load() }

func (s *bindingSub[D]) close() {
	// バインディングを閉じると Watch の登録も全て解除される
	s.closeOnce.Do(s.binding.Close)
}

// LiveHandler はストアのライブバインディングをWebSocketで配信するハンドラー。
type LiveHandler struct {
	store   store.Store
	auth    AuthServiceInterface
	users   gate.Resolver
	uploads UploadServiceInterface
	tracker live.Tracker
}

// NewLiveHandler はLiveHandlerを生成する。tracker はnilでもよい。
func NewLiveHandler(s store.Store, auth AuthServiceInterface, users gate.Resolver, uploads UploadServiceInterface, tracker live.Tracker) *LiveHandler {
	return &LiveHandler{store: s, auth: auth, users: users, uploads: uploads, tracker: tracker}
}

// ServeHTTP はWebSocketへアップグレードする。
// GET /api/live
func (h *LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user := currentUser(w, r)
	if user == nil {
		return
	}
	clearStreamDeadlines(w)
	websocket.Handler(func(conn *websocket.Conn) {
		h.serveConn(conn, user)
	}).ServeHTTP(w, r)
}

// liveConn は1本のWebSocket接続の状態。
type liveConn struct {
	h    *LiveHandler
	conn *websocket.Conn
	user *model.User

	writeMu sync.Mutex
	enc     *json.Encoder

	mu     sync.Mutex
	subs   map[string]liveSubscription
	closed bool
}

func (h *LiveHandler) serveConn(conn *websocket.Conn, user *model.User) {
	ctx, cancel := context.WithCancel(conn.Request().Context())
	defer cancel()

	lc := &liveConn{
		h:    h,
		conn: conn,
		user: user,
		enc:  json.NewEncoder(conn),
		subs: make(map[string]liveSubscription),
	}
	defer lc.shutdown()

	// セッションが失効したら全購読を閉じて切断する
	m := gate.New(nil, h.users)
	defer m.Close()
	stopGate := m.Watch(func(snap gate.Snapshot) {
		if snap.State == gate.StateUnauthenticated {
			lc.closeAll()
			_ = lc.write(liveFrame{Type: "session.state", Payload: mustJSON(snap)})
			_ = conn.Close()
		}
	})
	defer stopGate()

	stopAuth, err := h.auth.Watch(ctx, middleware.SessionIDFromContext(ctx), func(identity *model.Identity) {
		if err := m.HandleIdentity(ctx, identity); err != nil {
			slog.Warn("failed to resolve user on live connection", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		_ = lc.writeError("", "", model.ErrCodeSubscriptionFailed, "failed to watch session")
		return
	}
	defer stopAuth()

	lc.readLoop()
}

func (lc *liveConn) readLoop() {
	dec := json.NewDecoder(lc.conn)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame liveFrame
		if err := dec.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) || lc.isClosed() {
				return
			}
			decodeErrors++
			_ = lc.writeError("", "", "INVALID_FRAME", "invalid frame payload")
			if decodeErrors >= maxLiveDecodeErrors {
				return
			}
			// デコーダーの状態は壊れているため作り直す
			dec = json.NewDecoder(lc.conn)
			continue
		}
		decodeErrors = 0

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxLiveFramesPerSecond {
			_ = lc.writeError(frame.RequestID, "", "RATE_LIMIT_EXCEEDED", "too many frames")
			return
		}

		switch frame.Type {
		case "live.subscribe":
			lc.handleSubscribe(frame)
		case "live.update":
			lc.handleUpdate(frame)
		case "live.unsubscribe":
			lc.handleUnsubscribe(frame)
		default:
			_ = lc.writeError(frame.RequestID, "", "INVALID_FRAME", "unsupported frame type")
		}
	}
}

func (lc *liveConn) handleSubscribe(frame liveFrame) {
	target, ok := lc.decodeTarget(frame)
	if !ok {
		return
	}

	lc.mu.Lock()
	_, exists := lc.subs[target.ID]
	count := len(lc.subs)
	lc.mu.Unlock()
	if exists {
		_ = lc.writeError(frame.RequestID, target.ID, "INVALID_FRAME", "subscription id already in use")
		return
	}
	if count >= maxLiveSubscriptionsPerConn {
		_ = lc.writeError(frame.RequestID, target.ID, "RATE_LIMIT_EXCEEDED", "too many subscriptions")
		return
	}

	sub := lc.open(target)

	lc.mu.Lock()
	if lc.closed || sub.isRevoked() {
		lc.mu.Unlock()
		sub.close()
		return
	}
	lc.subs[target.ID] = sub
	lc.mu.Unlock()
}

// handleUpdate は既存購読の対象を切り替える。
func (lc *liveConn) handleUpdate(frame liveFrame) {
	target, ok := lc.decodeTarget(frame)
	if !ok {
		return
	}
	lc.mu.Lock()
	sub, exists := lc.subs[target.ID]
	lc.mu.Unlock()
	if !exists {
		_ = lc.writeError(frame.RequestID, target.ID, "INVALID_FRAME", "unknown subscription id")
		return
	}
	// 権限は新しい指定で検証済みのため、種類の変更は許さない
	if sub.kind() != target.Kind {
		_ = lc.writeError(frame.RequestID, target.ID, "INVALID_FRAME", "kind cannot be changed")
		return
	}
	sub.retarget(target)
}

func (lc *liveConn) handleUnsubscribe(frame liveFrame) {
	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.ID == "" {
		_ = lc.writeError(frame.RequestID, "", "INVALID_FRAME", "id is required")
		return
	}
	lc.mu.Lock()
	sub, exists := lc.subs[payload.ID]
	delete(lc.subs, payload.ID)
	lc.mu.Unlock()
	if exists {
		sub.close()
	}
}

// decodeTarget はペイロードを読み取り、形式と参照権限を検証する。
func (lc *liveConn) decodeTarget(frame liveFrame) (liveTarget, bool) {
	var target liveTarget
	if err := json.Unmarshal(frame.Payload, &target); err != nil || target.ID == "" {
		_ = lc.writeError(frame.RequestID, "", "INVALID_FRAME", "id is required")
		return target, false
	}
	if err := lc.h.authorize(lc.conn.Request().Context(), lc.user, target); err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			_ = lc.writeError(frame.RequestID, target.ID, apiErr.Code, apiErr.Message)
		} else {
			_ = lc.writeError(frame.RequestID, target.ID, model.ErrCodeSubscriptionFailed, err.Error())
		}
		return target, false
	}
	return target, true
}

// open は種類に応じたバインディングを生成し、状態をクライアントへ転送する。
func (lc *liveConn) open(target liveTarget) liveSubscription {
	var opts []live.Option
	if lc.h.tracker != nil {
		opts = append(opts, live.WithTracker(lc.h.tracker))
	}

	id := target.ID
	switch target.Kind {
	case LiveKindValue:
		v := live.NewValue[json.RawMessage](lc.h.store, target.Path, opts...)
		sub := &bindingSub[*json.RawMessage]{
			kindName:  LiveKindValue,
			binding:   v,
			setTarget: func(s liveTarget) { v.SetPath(s.Path) },
		}
		// 購読時に存在しなかったレコードは、作成された時点で所有者を確認する
		v.Watch(func(s live.State[*json.RawMessage]) {
			if s.Data != nil && !lc.canSee(*s.Data) {
				if sub.revoked.CompareAndSwap(false, true) {
					_ = lc.writeError("", id, model.ErrCodeForbidden, "subscription target is owned by another user")
					go lc.drop(id, sub)
				}
				return
			}
			if sub.revoked.Load() {
				return
			}
			lc.sendState(id, s.Data, s.Loading, s.Err)
		})
		return sub
	case LiveKindList:
		l := live.NewList[json.RawMessage](lc.h.store, target.Path, opts...)
		l.Watch(func(s live.State[[]json.RawMessage]) { lc.sendState(id, s.Data, s.Loading, s.Err) })
		return &bindingSub[[]json.RawMessage]{
			kindName:  LiveKindList,
			binding:   l,
			setTarget: func(s liveTarget) { l.SetPath(s.Path) },
		}
	default:
		q := live.NewQuery[json.RawMessage](lc.h.store, target.Path, target.Field, target.Value, opts...)
		q.Watch(func(s live.State[[]json.RawMessage]) { lc.sendState(id, s.Data, s.Loading, s.Err) })
		return &bindingSub[[]json.RawMessage]{
			kindName:  LiveKindQuery,
			binding:   q,
			setTarget: func(s liveTarget) { q.SetParams(s.Path, s.Field, s.Value) },
		}
	}
}

// canSee は一般ユーザーが doc を参照できるかを返す。userId を持つレコードは所有者のみ参照できる。
func (lc *liveConn) canSee(doc json.RawMessage) bool {
	if lc.user.IsAdmin() {
		return true
	}
	var owner struct {
		UserID *string `json:"userId"`
	}
	if err := json.Unmarshal(doc, &owner); err != nil || owner.UserID == nil {
		return true
	}
	return *owner.UserID == lc.user.ID
}

// drop は権限を失った購読を登録から外して閉じる。
func (lc *liveConn) drop(id string, sub liveSubscription) {
	lc.mu.Lock()
	if current, ok := lc.subs[id]; ok && current == sub {
		delete(lc.subs, id)
	}
	lc.mu.Unlock()
	sub.close()
}

func (lc *liveConn) sendState(id string, data any, loading bool, err error) {
	payload := liveStatePayload{ID: id, Data: data, Loading: loading}
	if err != nil {
		payload.Error = err.Error()
	}
	if werr := lc.write(liveFrame{Type: "live.state", Payload: mustJSON(payload)}); werr != nil && !lc.isClosed() {
		slog.Debug("failed to write live state", slog.String("error", werr.Error()))
	}
}

func (lc *liveConn) write(frame liveFrame) error {
	lc.writeMu.Lock()
	defer lc.writeMu.Unlock()
	return lc.enc.Encode(frame)
}

func (lc *liveConn) writeError(requestID, id, code, message string) error {
	return lc.write(liveFrame{
		Type:      "live.error",
		RequestID: requestID,
		Payload:   mustJSON(liveErrorPayload{ID: id, Code: code, Message: message}),
	})
}

func (lc *liveConn) isClosed() bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.closed
}

// closeAll は全購読を解除する。以降の購読は受け付けない。
func (lc *liveConn) closeAll() {
	lc.mu.Lock()
	lc.closed = true
	subs := lc.subs
	lc.subs = make(map[string]liveSubscription)
	lc.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (lc *liveConn) shutdown() {
	lc.closeAll()
	_ = lc.conn.Close()
}

// authorize はユーザーがtargetの対象を購読できるかどうかを判定する。
// 管理者は全て、一般ユーザーは自分のユーザーレコードと自分のアップロードのみ購読できる。
func (h *LiveHandler) authorize(ctx context.Context, user *model.User, target liveTarget) error {
	p, err := store.ParsePath(target.Path)
	if err != nil {
		return model.NewInvalidInputError(err.Error())
	}
	switch target.Kind {
	case LiveKindValue:
		if !p.IsDocument() {
			return model.NewInvalidInputError("value subscription requires a document path")
		}
	case LiveKindList:
		if p.IsDocument() {
			return model.NewInvalidInputError("list subscription requires a collection path")
		}
	case LiveKindQuery:
		if p.IsDocument() || target.Field == "" {
			return model.NewInvalidInputError("query subscription requires a collection path and field")
		}
	default:
		return model.NewInvalidInputError("unknown kind " + target.Kind)
	}

	if user.IsAdmin() {
		return nil
	}

	switch {
	case target.Kind == LiveKindValue && p.Collection == "users" && p.Key == user.ID:
		return nil
	case target.Kind == LiveKindQuery && p.Collection == "uploads" && target.Field == "userId" && target.Value == user.ID:
		return nil
	case target.Kind == LiveKindValue && p.Collection == "uploads":
		upload, err := h.uploads.GetUpload(ctx, p.Key)
		if err != nil {
			return err
		}
		if upload == nil || upload.UserID == user.ID {
			return nil
		}
	}
	return model.NewForbiddenError()
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
