// Package gate は認証状態に応じて描画する画面を決める状態機械を提供する。
//
// 状態は ConfigError / Resolving / Unauthenticated / Authenticated の4つ。
// ConfigError は他のすべてに優先し、一度入ると抜けない。
package gate

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hitoshi/sheetlens/internal/model"
	"github.com/hitoshi/sheetlens/internal/pubsub"
)

// State はゲートの状態。
type State string

const (
	StateConfigError     State = "config_error"
	StateResolving       State = "resolving"
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticated   State = "authenticated"
)

// View は状態に対応して描画する画面。
type View string

const (
	ViewLoading      View = "loading"
	ViewSignIn       View = "signin"
	ViewConfigNotice View = "config_notice"
	ViewShell        View = "shell"
)

// DefaultRoute はサインイン成功後の遷移先。
const DefaultRoute = "/"

// Resolver は外部IDに対応するUserを取得し、なければ作成する。
type Resolver interface {
	Resolve(ctx context.Context, identity *model.Identity) (*model.User, error)
}

// Snapshot はある時点のゲート状態。
type Snapshot struct {
	State State       `json:"state"`
	User  *model.User `json:"user,omitempty"`
	// ConfigError は State が config_error の場合の理由。
	ConfigError string `json:"configError,omitempty"`
	// Error は直近のUser解決の失敗理由。
	Error string `json:"error,omitempty"`
}

// View は描画する画面を返す。
func (s Snapshot) View() View {
	switch s.State {
	case StateConfigError:
		return ViewConfigNotice
	case StateAuthenticated:
		return ViewShell
	case StateUnauthenticated:
		return ViewSignIn
	default:
		return ViewLoading
	}
}

// Loading は最初の解決が完了していないかどうかを返す。
func (s Snapshot) Loading() bool {
	return s.State == StateResolving
}

// Machine はゲートの状態機械。
type Machine struct {
	resolver Resolver

	mu   sync.Mutex
	snap Snapshot
	// seq は外部IDイベントの通番。解決中に新しいイベントが届いた場合、
	// 古い解決結果を捨てるために使う。
	seq uint64

	watchers *pubsub.Broker[Snapshot]
}

// New はMachineを生成する。configErr がnilでない場合は ConfigError で開始し、
// 以降どのイベントでも遷移しない。
func New(configErr error, resolver Resolver) *Machine {
	m := &Machine{
		resolver: resolver,
		snap:     Snapshot{State: StateResolving},
		watchers: pubsub.New[Snapshot](),
	}
	if configErr != nil {
		m.snap = Snapshot{State: StateConfigError, ConfigError: configErr.Error()}
	}
	return m
}

// Snapshot は現在の状態を返す。
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Render は現在の状態で描画する画面を返す。
func (m *Machine) Render() View {
	return m.Snapshot().View()
}

// HandleIdentity は外部IDの変更イベントを処理する。
// nil なら Unauthenticated へ、そうでなければUserを解決して Authenticated へ遷移する。
// 解決中に新しいイベントが届いた場合、古い解決結果は破棄する。
// 解決に失敗した場合は Unauthenticated とし、Error に理由を設定してエラーを返す。
func (m *Machine) HandleIdentity(ctx context.Context, identity *model.Identity) error {
	m.mu.Lock()
	if m.snap.State == StateConfigError {
		m.mu.Unlock()
		return nil
	}
	m.seq++
	seq := m.seq
	if identity == nil {
		m.setLocked(Snapshot{State: StateUnauthenticated})
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	user, err := m.resolver.Resolve(ctx, identity)

	m.mu.Lock()
	defer m.mu.Unlock()
	if seq != m.seq {
		slog.Debug("古いユーザー解決結果を破棄しました", slog.String("uid", identity.UID))
		return nil
	}
	if err != nil {
		slog.Error("ユーザーの解決に失敗しました",
			slog.String("uid", identity.UID),
			slog.String("error", err.Error()),
		)
		m.setLocked(Snapshot{State: StateUnauthenticated, Error: err.Error()})
		return err
	}
	m.setLocked(Snapshot{State: StateAuthenticated, User: user})
	return nil
}

// SignedIn はサインインまたはサインアップの成功を処理し、遷移先を返す。
func (m *Machine) SignedIn(ctx context.Context, identity *model.Identity) (string, error) {
	if err := m.HandleIdentity(ctx, identity); err != nil {
		return "", err
	}
	return DefaultRoute, nil
}

// SignedOut はサインアウトを処理する。
func (m *Machine) SignedOut() {
	// nil の処理は失敗しない
	_ = m.HandleIdentity(context.Background(), nil)
}

// Watch は状態変化ごとにfnを呼び出す。登録直後に現在状態が1回届く。
// 戻り値の関数で監視を解除する。
func (m *Machine) Watch(fn func(Snapshot)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.watchers.Subscribe("state", fn)
	h.Send(m.snap)
	return h.Close
}

// Close は全ての監視を停止する。
func (m *Machine) Close() {
	m.watchers.Close()
}

func (m *Machine) setLocked(next Snapshot) {
	if next.State != m.snap.State {
		attrs := []any{slog.String("from", string(m.snap.State)), slog.String("to", string(next.State))}
		if next.User != nil {
			attrs = append(attrs, slog.String("user_id", next.User.ID))
		}
		slog.Info("ゲート状態が遷移しました", attrs...)
	}
	m.snap = next
	m.watchers.Publish("state", next)
}
