package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/flowsapp/flowsweb/internal/middleware"
	"github.com/flowsapp/flowsweb/internal/model"
)

// AuthEventStream は会員ごとの認証状態変更イベントをWebSocketに流す。
// authevents.Hubが実装する。
type AuthEventStream interface {
	Serve(ctx context.Context, conn *websocket.Conn, memberID string)
}

// TokenResolver はハンドオフトークンから会員を解決する。
type TokenResolver interface {
	MemberFromToken(ctx context.Context, token string) (*model.Member, error)
}

// EventsHandler は認証状態変更の購読エンドポイント。
type EventsHandler struct {
	stream   AuthEventStream
	tokens   TokenResolver
	upgrader websocket.Upgrader
}

// NewEventsHandler はEventsHandlerを生成する。
// Originヘッダーを持つブラウザからの接続はサイト自身のオリジンのみ受け付ける。
// ネイティブアプリはOriginを送らない。
func NewEventsHandler(stream AuthEventStream, tokens TokenResolver, baseURL string) *EventsHandler {
	siteOrigin := ""
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		siteOrigin = u.Scheme + "://" + u.Host
	}
	return &EventsHandler{
		stream: stream,
		tokens: tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || strings.EqualFold(origin, siteOrigin)
			},
		},
	}
}

// AuthStream はWebSocketにアップグレードし、会員の認証状態変更を流す。
// GET /ws/auth（セッションCookie、または ?token=<ハンドオフトークン>）
func (h *EventsHandler) AuthStream(w http.ResponseWriter, r *http.Request) {
	memberID := middleware.MemberIDFromContext(r.Context())
	if memberID == "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = bearerToken(r)
		}
		if token == "" {
			writeAPIError(w, model.NewLoginRequiredError())
			return
		}
		member, err := h.tokens.MemberFromToken(r.Context(), token)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		memberID = member.ID
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeが失敗レスポンスを書き込み済み
		slog.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	slog.Info("auth stream connected", slog.String("member_id", memberID))
	h.stream.Serve(r.Context(), conn, memberID)
	slog.Info("auth stream disconnected", slog.String("member_id", memberID))
}
