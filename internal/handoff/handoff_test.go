package handoff

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"
)

func TestMint_EncodesMemberIDAndMillis(t *testing.T) {
	now := time.UnixMilli(1718000000123)

	token := Mint("mem_abc", now)

	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		t.Fatalf("token is not std base64: %v", err)
	}
	if string(decoded) != "mem_abc:1718000000123" {
		t.Errorf("decoded = %q, want %q", decoded, "mem_abc:1718000000123")
	}
}

func TestParse_RoundTrip(t *testing.T) {
	now := time.UnixMilli(1718000000123)

	ht, err := Parse(Mint("mem_abc", now))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if ht.MemberID != "mem_abc" {
		t.Errorf("MemberID = %q, want %q", ht.MemberID, "mem_abc")
	}
	if !ht.IssuedAt.Equal(now) {
		t.Errorf("IssuedAt = %v, want %v", ht.IssuedAt, now)
	}
}

func TestParse_AcceptsURLSafeAndUnpadded(t *testing.T) {
	raw := []byte("mem_??>:1")
	for name, token := range map[string]string{
		"url":     base64.URLEncoding.EncodeToString(raw),
		"raw-std": base64.RawStdEncoding.EncodeToString(raw),
		"raw-url": base64.RawURLEncoding.EncodeToString(raw),
	} {
		t.Run(name, func(t *testing.T) {
			ht, err := Parse(token)
			if err != nil {
				t.Fatalf("Parse(%q) returned error: %v", token, err)
			}
			if ht.MemberID != "mem_??>" {
				t.Errorf("MemberID = %q", ht.MemberID)
			}
		})
	}
}

func TestParse_NonNumericTimestampIsTolerated(t *testing.T) {
	token := base64.StdEncoding.EncodeToString([]byte("mem_1:not-a-number"))

	ht, err := Parse(token)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if ht.MemberID != "mem_1" {
		t.Errorf("MemberID = %q", ht.MemberID)
	}
	if !ht.IssuedAt.IsZero() {
		t.Errorf("IssuedAt = %v, want zero", ht.IssuedAt)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"空文字列", "", ErrInvalidToken},
		{"base64ではない", "%%%not-base64%%%", ErrInvalidTokenFormat},
		{"メンバーIDが空", base64.StdEncoding.EncodeToString([]byte(":12345")), ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.token)
			if !errors.Is(err, tt.want) {
				t.Errorf("Parse(%q) error = %v, want %v", tt.token, err, tt.want)
			}
		})
	}
}

func TestParse_RejectsTokenWithoutPair(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"コロンなし", base64.StdEncoding.EncodeToString([]byte("mem_only"))},
		{"バイナリ", "//79"},
		{"任意の4文字", "abcd"},
		{"不正なUTF-8のメンバーID", base64.StdEncoding.EncodeToString([]byte("\xff\xfe:123"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ht, err := Parse(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Parse(%q) = %+v, %v; want ErrInvalidToken", tt.token, ht, err)
			}
		})
	}
}

func TestCheckAge(t *testing.T) {
	now := time.Now()
	fresh, _ := Parse(Mint("mem_1", now.Add(-time.Minute)))
	stale, _ := Parse(Mint("mem_1", now.Add(-2*time.Hour)))

	if err := CheckAge(stale, 0, now); err != nil {
		t.Errorf("maxAge=0 should disable the check, got %v", err)
	}
	if err := CheckAge(fresh, time.Hour, now); err != nil {
		t.Errorf("fresh token rejected: %v", err)
	}
	if err := CheckAge(stale, time.Hour, now); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("stale token error = %v, want ErrTokenExpired", err)
	}
}
