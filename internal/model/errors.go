// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
// Messageはネイティブアプリとの互換性のため "error" キーでシリアライズされる。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, billing, system
	Action   string // ユーザー向け対処方法

	// HTTPStatus が0以外の場合、コードからのステータス変換より優先される。
	// プロバイダーのステータスをそのまま返す必要がある場合に使う。
	HTTPStatus int
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeLoginFailed        = "LOGIN_FAILED"
	ErrCodeSignupFailed       = "SIGNUP_FAILED"
	ErrCodeEmailExists        = "EMAIL_ALREADY_EXISTS"
	ErrCodeTokenRequired      = "TOKEN_REQUIRED"
	ErrCodeNoToken            = "NO_TOKEN"
	ErrCodeInvalidToken       = "INVALID_TOKEN"
	ErrCodeInvalidTokenFormat = "INVALID_TOKEN_FORMAT"
	ErrCodeTokenExpired       = "TOKEN_EXPIRED"
	ErrCodeMemberNotFound     = "MEMBER_NOT_FOUND"
	ErrCodeLoginRequired      = "LOGIN_REQUIRED"
	ErrCodeUnknownPrice       = "UNKNOWN_PRICE"
	ErrCodeUnknownPlan        = "UNKNOWN_PLAN"
	ErrCodeAlreadySubscribed  = "ALREADY_SUBSCRIBED"
	ErrCodeNoSubscriptions    = "NO_SUBSCRIPTIONS"
	ErrCodeProvider           = "PROVIDER_ERROR"
	ErrCodeConfig             = "CONFIG_ERROR"
	ErrCodeSyncFailed         = "SYNC_FAILED"
	ErrCodeInvalidWebhook     = "INVALID_WEBHOOK"
)

// NewCredentialsRequiredError はメールアドレスまたはパスワードが未入力の場合のエラーを生成する。
func NewCredentialsRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  "Email and password are required",
		Category: "validation",
		Action:   "Enter both your email address and password.",
	}
}

// NewInvalidCredentialsError はログイン失敗エラーを生成する。
// プロバイダーがメッセージを返した場合はそれを使う。
func NewInvalidCredentialsError(providerMessage string) *APIError {
	msg := providerMessage
	if msg == "" {
		msg = "Invalid email or password"
	}
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  msg,
		Category: "auth",
		Action:   "Check your email and password and try again.",
	}
}

// NewLoginFailedError はログインは成功したが会員情報を取得できなかった場合のエラーを生成する。
func NewLoginFailedError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeLoginFailed,
		Message:  message,
		Category: "auth",
		Action:   "Try again in a moment.",
	}
}

// NewSignupFailedError は新規登録失敗エラーを生成する。
// statusにはプロバイダーが返したHTTPステータスを渡す（0の場合は400）。
func NewSignupFailedError(message string, status int) *APIError {
	if message == "" {
		message = "Signup failed"
	}
	if status == 0 {
		status = 400
	}
	return &APIError{
		Code:       ErrCodeSignupFailed,
		Message:    message,
		Category:   "auth",
		Action:     "Check your details and try again.",
		HTTPStatus: status,
	}
}

// NewEmailExistsError はメールアドレス重複エラーを生成する。
func NewEmailExistsError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailExists,
		Message:  "An account with this email already exists",
		Category: "auth",
		Action:   "Sign in instead, or use a different email address.",
	}
}

// NewTokenRequiredError はトークン未指定エラーを生成する。
func NewTokenRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenRequired,
		Message:  "Token is required",
		Category: "validation",
		Action:   "Sign in from the app again.",
	}
}

// NewNoTokenError は認証トークンが提供されなかった場合のエラーを生成する。
func NewNoTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeNoToken,
		Message:  "No authentication token provided",
		Category: "auth",
		Action:   "Sign in again.",
	}
}

// NewInvalidTokenError は不正なトークンのエラーを生成する。
func NewInvalidTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidToken,
		Message:  "Invalid token",
		Category: "auth",
		Action:   "Sign in again.",
	}
}

// NewInvalidTokenFormatError はトークンのデコードに失敗した場合のエラーを生成する。
func NewInvalidTokenFormatError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTokenFormat,
		Message:  "Invalid token format",
		Category: "auth",
		Action:   "Sign in again.",
	}
}

// NewTokenExpiredError はトークンの有効期間を過ぎた場合のエラーを生成する。
func NewTokenExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenExpired,
		Message:  "Token has expired",
		Category: "auth",
		Action:   "Sign in from the app again.",
	}
}

// NewMemberNotFoundError は会員が見つからない場合のエラーを生成する。
func NewMemberNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeMemberNotFound,
		Message:  "Member not found",
		Category: "auth",
		Action:   "Sign in again.",
	}
}

// NewLoginRequiredError はログインが必要な操作を未ログインで実行した場合のエラーを生成する。
func NewLoginRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeLoginRequired,
		Message:  "Please sign in to continue",
		Category: "auth",
		Action:   "Sign in, then choose your plan again.",
	}
}

// NewUnknownPriceError はカタログにない価格IDが指定された場合のエラーを生成する。
func NewUnknownPriceError(priceID string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownPrice,
		Message:  fmt.Sprintf("Unknown price: %s", priceID),
		Category: "validation",
		Action:   "Choose a plan from the pricing page.",
	}
}

// NewUnknownPlanError はカタログにない無料プランIDが指定された場合のエラーを生成する。
func NewUnknownPlanError(planID string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownPlan,
		Message:  fmt.Sprintf("Unknown plan: %s", planID),
		Category: "validation",
		Action:   "Choose a plan from the pricing page.",
	}
}

// NewAlreadySubscribedError は既に有効なプランを購入しようとした場合のエラーを生成する。
func NewAlreadySubscribedError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadySubscribed,
		Message:  "You are already subscribed to this plan",
		Category: "billing",
		Action:   "Manage your subscription from the billing portal.",
	}
}

// NewNoSubscriptionsError は管理対象のサブスクリプションがない場合のエラーを生成する。
func NewNoSubscriptionsError() *APIError {
	return &APIError{
		Code:     ErrCodeNoSubscriptions,
		Message:  "No active subscriptions to manage",
		Category: "billing",
		Action:   "Choose a plan from the pricing page first.",
	}
}

// NewProviderError は外部プロバイダー呼び出しの失敗エラーを生成する。
func NewProviderError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeProvider,
		Message:  message,
		Category: "system",
		Action:   "Try again in a moment.",
	}
}

// NewSyncFailedError はセッション同期の失敗エラーを生成する。
func NewSyncFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeSyncFailed,
		Message:  "Failed to sync session",
		Category: "system",
		Action:   "Try again in a moment.",
	}
}

// NewInvalidWebhookError はWebhookの署名検証やデコードに失敗した場合のエラーを生成する。
func NewInvalidWebhookError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidWebhook,
		Message:  fmt.Sprintf("Invalid webhook: %s", reason),
		Category: "billing",
		Action:   "",
	}
}
