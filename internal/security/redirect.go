package security

import (
	"fmt"
	"net/url"
	"strings"
)

// RedirectValidator はログイン後のリダイレクト先を検証する。
// ネイティブアプリのカスタムスキーム（flows:// など）と自サイトのオリジンのみ許可する。
type RedirectValidator struct {
	schemes    []string
	siteOrigin *url.URL
}

// NewRedirectValidator はRedirectValidatorを生成する。
// baseURLは自サイトのオリジン（例: https://flows.example）。
func NewRedirectValidator(schemes []string, baseURL string) *RedirectValidator {
	v := &RedirectValidator{}
	for _, s := range schemes {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			v.schemes = append(v.schemes, s)
		}
	}
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		v.siteOrigin = u
	}
	return v
}

// Validate はリダイレクト先が許可されている場合にnilを返す。
// 自サイト内の相対パス（"/account" など）も許可する。
func (v *RedirectValidator) Validate(raw string) error {
	if raw == "" {
		return fmt.Errorf("empty redirect")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid redirect: %w", err)
	}

	if u.Scheme == "" && u.Host == "" {
		// "//evil.example" のようなプロトコル相対URLは拒否する
		if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") && !strings.HasPrefix(raw, "/\\") {
			return nil
		}
		return fmt.Errorf("disallowed relative redirect: %s", raw)
	}

	scheme := strings.ToLower(u.Scheme)
	if containsFold(v.schemes, scheme) {
		return nil
	}

	if v.siteOrigin != nil && scheme == strings.ToLower(v.siteOrigin.Scheme) &&
		strings.EqualFold(u.Host, v.siteOrigin.Host) {
		return nil
	}

	return fmt.Errorf("disallowed redirect: %s", raw)
}
