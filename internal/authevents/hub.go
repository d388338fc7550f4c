// Package authevents は会員ごとの認証状態変更イベントを配信する。
// Hubが購読者の登録・解除・配信を単一のループで処理し、
// WebSocket接続（/ws/auth）やテストから購読できる。
package authevents

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/flowsapp/flowsweb/internal/model"
)

const defaultBufferSize = 16

// Publisher は認証状態変更イベントの発行インターフェース。
// サービス層はHubではなくこのインターフェースに依存する。
type Publisher interface {
	Publish(change model.AuthChange)
}

// Subscription は1つの購読。Cから受信できる。
// 購読解除または配信遅延による切断でCはクローズされる。
type Subscription struct {
	memberID string
	ch       chan model.AuthChange
}

// C はイベントを受信するチャネルを返す。
func (s *Subscription) C() <-chan model.AuthChange {
	return s.ch
}

// MemberID は購読対象の会員IDを返す。
func (s *Subscription) MemberID() string {
	return s.memberID
}

// Hub は購読者を管理し、イベントを会員ごとに配信する。
type Hub struct {
	subscribers map[string]map[*Subscription]struct{}
	register    chan *Subscription
	unregister  chan *Subscription
	broadcast   chan model.AuthChange
	done        chan struct{}
	count       atomic.Int64

	bufferSize int
	logger     *slog.Logger
	now        func() time.Time
}

// NewHub はHubを生成する。Runを別ゴルーチンで起動してから使う。
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]map[*Subscription]struct{}),
		register:    make(chan *Subscription),
		unregister:  make(chan *Subscription),
		broadcast:   make(chan model.AuthChange, 64),
		done:        make(chan struct{}),
		bufferSize:  defaultBufferSize,
		logger:      logger,
		now:         time.Now,
	}
}

// Run はコンテキストがキャンセルされるまでイベントループを実行する。
// 終了時は全ての購読をクローズする。
func (h *Hub) Run(ctx context.Context) {
	defer h.cleanup()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("認証イベントハブを停止します")
			return

		case sub := <-h.register:
			subs, ok := h.subscribers[sub.memberID]
			if !ok {
				subs = make(map[*Subscription]struct{})
				h.subscribers[sub.memberID] = subs
			}
			subs[sub] = struct{}{}
			h.count.Add(1)

		case sub := <-h.unregister:
			h.remove(sub)

		case change := <-h.broadcast:
			for sub := range h.subscribers[change.MemberID] {
				select {
				case sub.ch <- change:
				default:
					h.logger.Warn("配信が滞っている購読者を切断しました",
						slog.String("member_id", sub.memberID),
						slog.String("type", string(change.Type)),
					)
					h.remove(sub)
				}
			}
		}
	}
}

// Subscribe は会員のイベントを購読する。
// Hubが停止済みの場合はクローズ済みの購読を返す。
func (h *Hub) Subscribe(memberID string) *Subscription {
	sub := &Subscription{memberID: memberID, ch: make(chan model.AuthChange, h.bufferSize)}
	select {
	case h.register <- sub:
	case <-h.done:
		close(sub.ch)
	}
	return sub
}

// Unsubscribe は購読を解除する。複数回呼んでもよい。
func (h *Hub) Unsubscribe(sub *Subscription) {
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// Publish はイベントを配信キューに積む。Atが未設定の場合は現在時刻を入れる。
func (h *Hub) Publish(change model.AuthChange) {
	if change.MemberID == "" {
		return
	}
	if change.At.IsZero() {
		change.At = h.now().UTC()
	}
	select {
	case h.broadcast <- change:
	case <-h.done:
	}
}

// Subscribers は現在の購読数を返す。
func (h *Hub) Subscribers() int {
	return int(h.count.Load())
}

func (h *Hub) remove(sub *Subscription) {
	subs, ok := h.subscribers[sub.memberID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.subscribers, sub.memberID)
	}
	h.count.Add(-1)
	close(sub.ch)
}

func (h *Hub) cleanup() {
	h.count.Store(0)
	close(h.done)
	for _, subs := range h.subscribers {
		for sub := range subs {
			close(sub.ch)
		}
	}
	h.subscribers = make(map[string]map[*Subscription]struct{})
}

var _ Publisher = (*Hub)(nil)
