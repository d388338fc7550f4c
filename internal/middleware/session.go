// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/flowsapp/flowsweb/internal/model"
)

const (
	// SessionCookieName はWebセッションIDを保持するCookieの名前。
	SessionCookieName = "flows_session"
	// MemberstackCookieName はMemberstackのブラウザSDKが設定するトークンCookieの名前。
	MemberstackCookieName = "_ms-mid"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// memberContextKey はリクエストコンテキストに会員を格納するためのキー。
	memberContextKey = contextKey("member")
	// sessionIDContextKey はリクエストコンテキストにセッションIDを格納するためのキー。
	sessionIDContextKey = contextKey("session_id")
)

// MemberResolver はCookieから現在の会員を解決するインターフェース。
// auth.Serviceが実装する。
type MemberResolver interface {
	CurrentMember(ctx context.Context, sessionID, msToken string) (*model.Member, error)
}

// NewSessionMiddleware はセッションCookieとMemberstackのトークンCookieから会員を解決し、
// リクエストコンテキストに注入するミドルウェアを返す。
// 未ログインのリクエストもそのまま通す。ログイン必須かどうかはハンドラーが判断する。
func NewSessionMiddleware(resolver MemberResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := cookieValue(r, SessionCookieName)
			msToken := cookieValue(r, MemberstackCookieName)

			ctx := r.Context()
			if sessionID != "" {
				ctx = context.WithValue(ctx, sessionIDContextKey, sessionID)
			}

			if sessionID != "" || msToken != "" {
				member, err := resolver.CurrentMember(ctx, sessionID, msToken)
				if err != nil {
					slog.Error("failed to resolve member",
						slog.String("path", r.URL.Path),
						slog.String("error", err.Error()),
					)
				}
				if member != nil {
					ctx = ContextWithMember(ctx, member)
				}
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// MemberFromContext はリクエストコンテキストから会員を取得する。未ログインの場合はnil。
func MemberFromContext(ctx context.Context) *model.Member {
	member, _ := ctx.Value(memberContextKey).(*model.Member)
	return member
}

// MemberIDFromContext はリクエストコンテキストから会員IDを取得する。未ログインの場合は空文字列。
func MemberIDFromContext(ctx context.Context) string {
	if member := MemberFromContext(ctx); member != nil {
		return member.ID
	}
	return ""
}

// SessionIDFromContext はリクエストのセッションCookieの値を返す。
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDContextKey).(string)
	return id
}

// ContextWithMember はコンテキストに会員を注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithMember(ctx context.Context, member *model.Member) context.Context {
	return context.WithValue(ctx, memberContextKey, member)
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
