package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// DB に接続できない環境では各コマンドがエラーを返す。
func TestRun_CommandsFailWithoutDatabase(t *testing.T) {
	for _, args := range [][]string{{"serve"}, {"worker"}, {"migrate"}, {}} {
		t.Run(strings.Join(append([]string{"run"}, args...), " "), func(t *testing.T) {
			setTestEnv(t)

			var buf bytes.Buffer
			if err := Run(&buf, args); err == nil {
				t.Fatal("expected error with unreachable database")
			}
		})
	}
}

func TestRun_WithMissingEnv_ReturnsError(t *testing.T) {
	clearRequiredEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{"serve"})
	if err == nil {
		t.Fatal("Run with missing env should return error")
	}
	if !strings.Contains(err.Error(), "initialization failed") {
		t.Errorf("error = %v, want initialization failure", err)
	}
}

func TestRunHealthcheck(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	if err := runHealthcheck(u.Port()); err != nil {
		t.Errorf("runHealthcheck() error = %v", err)
	}

	status = http.StatusServiceUnavailable
	if err := runHealthcheck(u.Port()); err == nil {
		t.Error("expected error on 503")
	}
}

func TestRunWhoami(t *testing.T) {
	synced := false
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/sync", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Token string `json:"token"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Token != "handoff-token" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"Invalid token","code":"INVALID_TOKEN"}`))
			return
		}
		synced = true
		http.SetCookie(w, &http.Cookie{Name: "session_id", Value: "sess_1", Path: "/"})
		w.Write([]byte(`{"success":true,"member":{"id":"mem_123","auth":{"email":"user@example.com"}}}`))
	})
	mux.HandleFunc("GET /api/auth/session", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session_id"); err != nil || c.Value != "sess_1" {
			w.Write([]byte(`{"member":null}`))
			return
		}
		w.Write([]byte(`{"member":{"id":"mem_123","auth":{"email":"user@example.com"},"planConnections":[{"planId":"pln_pro","status":"ACTIVE"}]}}`))
	})
	mux.HandleFunc("GET /api/billing/plans", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"plans":[{"name":"Free","displayPrice":"$0","active":false},{"name":"Pro","displayPrice":"$3.99/mo","active":true}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var out bytes.Buffer
	if err := runWhoami(&out, srv.URL, "handoff-token"); err != nil {
		t.Fatalf("runWhoami() error = %v", err)
	}
	if !synced {
		t.Error("sync endpoint was not called")
	}

	got := out.String()
	if !strings.Contains(got, "member: mem_123 <user@example.com>") {
		t.Errorf("output missing member line:\n%s", got)
	}
	if !strings.Contains(got, "* $3.99/mo") || !strings.Contains(got, "Pro") {
		t.Errorf("output missing active plan:\n%s", got)
	}

	if err := runWhoami(&out, srv.URL, "wrong"); err == nil {
		t.Error("expected error for invalid token")
	}
}

func TestRunWhoami_RequiresToken(t *testing.T) {
	var out bytes.Buffer
	if err := runWhoami(&out, "http://localhost:1", ""); err == nil {
		t.Fatal("expected error without token")
	}
}
