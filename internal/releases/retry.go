package releases

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// initialRetryDelay は取得失敗後の初回再試行までの遅延。
const initialRetryDelay = time.Minute

// StatusError はappcastが200以外を返したことを表す。
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected appcast status: %d", e.StatusCode)
}

// isTransient は早めの再試行で回復が見込めるエラーかを返す。
// 404/410/401/403 は設定の誤りとみなし、通常の間隔まで待つ。
func isTransient(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return true
	}
	switch {
	case se.StatusCode == http.StatusNotFound || se.StatusCode == http.StatusGone:
		return false
	case se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden:
		return false
	default:
		return true
	}
}

// retryDelay は連続失敗回数に基づく指数バックオフの遅延を返す。
// 初回1分、2倍ずつ増加し、maxDelayを上限とする。
func retryDelay(consecutiveFailures int, maxDelay time.Duration) time.Duration {
	delay := initialRetryDelay
	if delay >= maxDelay {
		return maxDelay
	}
	for i := 0; i < consecutiveFailures; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}
