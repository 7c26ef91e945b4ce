package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
)

// DocumentChangesChannel は documents テーブルのトリガーが通知するチャネル名。
const DocumentChangesChannel = "document_changes"

// PostgresFeed は PostgreSQL の LISTEN/NOTIFY で変更を受け取るChangeFeed。
// 通知はトリガーが発行するため Announce は何もしない。
type PostgresFeed struct {
	listener *pq.Listener
	local    *LocalFeed

	closeOnce sync.Once
	done      chan struct{}
}

// NewPostgresFeed はdatabaseURLに接続して document_changes を LISTEN する。
func NewPostgresFeed(databaseURL string) (*PostgresFeed, error) {
	listener := pq.NewListener(databaseURL, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			slog.Warn("change listener event",
				slog.Int("event", int(ev)),
				slog.String("error", err.Error()),
			)
		}
	})
	if err := listener.Listen(DocumentChangesChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to listen %s: %w", DocumentChangesChannel, err)
	}

	f := &PostgresFeed{
		listener: listener,
		local:    NewLocalFeed(),
		done:     make(chan struct{}),
	}
	go f.loop()
	return f, nil
}

func (f *PostgresFeed) loop() {
	for {
		select {
		case <-f.done:
			return
		case n, ok := <-f.listener.Notify:
			if !ok {
				return
			}
			// 再接続時は nil が届く。取りこぼした変更があり得るため全件再評価させる。
			if n == nil {
				f.local.announceAll()
				continue
			}
			_ = f.local.Announce(context.Background(), n.Extra)
		case <-time.After(90 * time.Second):
			go func() {
				if err := f.listener.Ping(); err != nil {
					slog.Warn("change listener ping failed", slog.String("error", err.Error()))
				}
			}()
		}
	}
}

// Announce はトリガーが通知するため何もしない。
func (f *PostgresFeed) Announce(context.Context, string) error {
	return nil
}

// Watch はcollectionの変更監視を登録する。
func (f *PostgresFeed) Watch(collection string, fn func()) (func(), error) {
	return f.local.Watch(collection, fn)
}

// Close はLISTEN接続を閉じる。
func (f *PostgresFeed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		f.local.Close()
		err = f.listener.Close()
	})
	return err
}

var _ ChangeFeed = (*PostgresFeed)(nil)
