package model

import "time"

// SessionSource はWebセッションの発行経路を表す。
type SessionSource string

const (
	// SessionSourceSync はネイティブアプリからのトークン同期で発行されたセッション。
	SessionSourceSync SessionSource = "sync"
	// SessionSourceLogin はメールアドレス/パスワードでのログインで発行されたセッション。
	SessionSourceLogin SessionSource = "login"
	// SessionSourceSignup は新規登録で発行されたセッション。
	SessionSourceSignup SessionSource = "signup"
	// SessionSourceGoogle はGoogleログインで発行されたセッション。
	SessionSourceGoogle SessionSource = "google"
)

// Session はWebサイトのログインセッションを表す。
type Session struct {
	ID        string
	MemberID  string
	Source    SessionSource
	ExpiresAt time.Time
	CreatedAt time.Time
}

// HandoffToken はWebとネイティブアプリの間で受け渡す非署名トークンの中身。
// 暗号学的な資格情報ではなく、有効期限・改ざん・失効のいずれも検証されない。
type HandoffToken struct {
	MemberID string
	IssuedAt time.Time
}

// Purchase はStripe Checkoutの完了をWebhookから記録したもの。
type Purchase struct {
	ID               string
	MemberID         string
	StripeSessionID  string
	StripeCustomerID string
	PriceID          string
	Status           string
	CreatedAt        time.Time
}

// AuthChangeType は認証状態変更イベントの種類。
type AuthChangeType string

const (
	AuthChangeLogin         AuthChangeType = "login"
	AuthChangeSignup        AuthChangeType = "signup"
	AuthChangeLogout        AuthChangeType = "logout"
	AuthChangePlanChanged   AuthChangeType = "plan_changed"
	AuthChangeSessionSynced AuthChangeType = "session_synced"
)

// AuthChange は会員ごとの認証状態変更イベント。
// ログアウト時はMemberがnilになる。
type AuthChange struct {
	Type     AuthChangeType `json:"type"`
	MemberID string         `json:"memberId"`
	Member   *Member        `json:"member"`
	At       time.Time      `json:"at"`
}
