// Package handoff はWebサイトとネイティブアプリの間で受け渡すセッショントークンを扱う。
//
// トークンは base64(memberId:unixMillis) の非署名文字列であり、
// 暗号学的な資格情報ではない。署名・リプレイ対策は持たない。
package handoff

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/flowsapp/flowsweb/internal/model"
)

var (
	// ErrInvalidToken はデコードできたがメンバーIDを取り出せないトークンを表す。
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidTokenFormat はbase64としてデコードできないトークンを表す。
	ErrInvalidTokenFormat = errors.New("invalid token format")
	// ErrTokenExpired は最大有効期間を超えたトークンを表す。
	ErrTokenExpired = errors.New("token expired")
)

// Mint はメンバーIDと発行時刻からトークンを生成する。
func Mint(memberID string, now time.Time) string {
	raw := fmt.Sprintf("%s:%d", memberID, now.UnixMilli())
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// Parse はトークンをデコードしてメンバーIDと発行時刻を取り出す。
// 最初のコロンより前をメンバーIDとして扱う。コロンを含まない場合やメンバーIDが
// 空・不正なUTF-8の場合はErrInvalidToken。タイムスタンプが数値でない場合は
// エラーにはせず、IssuedAtをゼロ値のままにする。
func Parse(token string) (model.HandoffToken, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return model.HandoffToken{}, ErrInvalidToken
	}

	decoded, err := decode(token)
	if err != nil {
		return model.HandoffToken{}, ErrInvalidTokenFormat
	}

	memberID, rest, found := strings.Cut(string(decoded), ":")
	if !found || memberID == "" || !utf8.ValidString(memberID) {
		return model.HandoffToken{}, ErrInvalidToken
	}

	ht := model.HandoffToken{MemberID: memberID}
	if ms, err := strconv.ParseInt(rest, 10, 64); err == nil {
		ht.IssuedAt = time.UnixMilli(ms)
	}
	return ht, nil
}

// CheckAge はトークンの経過時間を検証する。
// maxAgeが0以下の場合は検証しない。発行時刻が読み取れないトークンは期限切れとして扱う。
func CheckAge(ht model.HandoffToken, maxAge time.Duration, now time.Time) error {
	if maxAge <= 0 {
		return nil
	}
	if ht.IssuedAt.IsZero() || now.Sub(ht.IssuedAt) > maxAge {
		return ErrTokenExpired
	}
	return nil
}

// decode は標準・パディングなし・URLセーフのbase64を順に試す。
func decode(token string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	var lastErr error
	for _, enc := range encodings {
		b, err := enc.DecodeString(token)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
