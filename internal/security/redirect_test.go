package security

import "testing"

func TestRedirectValidator_Validate(t *testing.T) {
	v := NewRedirectValidator([]string{"flows", " Flows-Beta "}, "https://flows.example")

	tests := []struct {
		name     string
		redirect string
		wantErr  bool
	}{
		{"アプリのコールバック", "flows://auth/callback", false},
		{"スキームは大文字小文字を区別しない", "FLOWS://auth/callback", false},
		{"追加スキーム", "flows-beta://auth/callback", false},
		{"自サイト", "https://flows.example/account", false},
		{"自サイトの相対パス", "/account-billing", false},
		{"空", "", true},
		{"他サイト", "https://evil.example/steal", true},
		{"自サイトのhttp版", "http://flows.example/account", true},
		{"プロトコル相対URL", "//evil.example/x", true},
		{"javascriptスキーム", "javascript:alert(1)", true},
		{"相対パス以外の相対参照", "account", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.redirect)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q) error = %v, wantErr %v", tt.redirect, err, tt.wantErr)
			}
		})
	}
}

func TestRedirectValidator_NoSiteOrigin(t *testing.T) {
	v := NewRedirectValidator([]string{"flows"}, "")

	if err := v.Validate("https://flows.example/account"); err == nil {
		t.Error("expected error when no site origin is configured")
	}
	if err := v.Validate("flows://auth/callback"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
