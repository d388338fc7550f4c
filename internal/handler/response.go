package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/flowsapp/flowsweb/internal/middleware"
	"github.com/flowsapp/flowsweb/internal/model"
)

// maxJSONBodySize はJSONリクエストボディの上限（1MB）。
const maxJSONBodySize = 1 << 20

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeAPIError は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusForAPIError(apiErr), apiErr)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIError(w, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	middleware.WriteInternalServerError(w)
}

// statusForAPIError はAPIErrorコードからHTTPステータスコードにマッピングする。
// HTTPStatusが設定されている場合はそれを優先する。
func statusForAPIError(apiErr *model.APIError) int {
	if apiErr.HTTPStatus != 0 {
		return apiErr.HTTPStatus
	}
	switch apiErr.Code {
	case model.ErrCodeValidation, model.ErrCodeSignupFailed, model.ErrCodeTokenRequired,
		model.ErrCodeUnknownPrice, model.ErrCodeUnknownPlan, model.ErrCodeNoSubscriptions,
		model.ErrCodeInvalidWebhook:
		return http.StatusBadRequest
	case model.ErrCodeInvalidCredentials, model.ErrCodeLoginFailed, model.ErrCodeNoToken,
		model.ErrCodeInvalidToken, model.ErrCodeInvalidTokenFormat, model.ErrCodeTokenExpired,
		model.ErrCodeMemberNotFound, model.ErrCodeLoginRequired:
		return http.StatusUnauthorized
	case model.ErrCodeEmailExists, model.ErrCodeAlreadySubscribed:
		return http.StatusConflict
	case model.ErrCodeProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON はリクエストボディをJSONとしてデコードする。
// 空ボディはゼロ値のまま成功とする。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) *model.APIError {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return &model.APIError{
			Code:     model.ErrCodeValidation,
			Message:  fmt.Sprintf("Invalid request body: %s", jsonErrorReason(err)),
			Category: "validation",
			Action:   "Check the request format and try again.",
		}
	}
	return nil
}

func jsonErrorReason(err error) string {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return "too large"
	}
	return "malformed JSON"
}
