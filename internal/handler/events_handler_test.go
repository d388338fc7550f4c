package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowsapp/flowsweb/internal/model"
)

// greetingStream は接続した会員IDを1メッセージ送って終了する。
type greetingStream struct {
	served chan string
}

func (s *greetingStream) Serve(ctx context.Context, conn *websocket.Conn, memberID string) {
	conn.WriteJSON(model.AuthChange{Type: model.AuthChangeSessionSynced, MemberID: memberID})
	s.served <- memberID
}

func newEventsServer(t *testing.T, stream *greetingStream) *httptest.Server {
	t.Helper()
	tokens := &mockAuthService{
		memberFromTokenFn: func(ctx context.Context, token string) (*model.Member, error) {
			if token != "good" {
				return nil, model.NewInvalidTokenError()
			}
			return testMember(), nil
		},
	}
	h := NewEventsHandler(stream, tokens, testBaseURL)
	srv := httptest.NewServer(http.HandlerFunc(h.AuthStream))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/auth" + query
}

func TestEventsHandler_AuthStream_Token(t *testing.T) {
	stream := &greetingStream{served: make(chan string, 1)}
	srv := newEventsServer(t, stream)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?token=good"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var change model.AuthChange
	if err := conn.ReadJSON(&change); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if change.MemberID != "mem_123" || change.Type != model.AuthChangeSessionSynced {
		t.Errorf("change = %+v", change)
	}

	select {
	case id := <-stream.served:
		if id != "mem_123" {
			t.Errorf("served member = %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream was not served")
	}
}

func TestEventsHandler_AuthStream_Rejects(t *testing.T) {
	stream := &greetingStream{served: make(chan string, 1)}
	srv := newEventsServer(t, stream)

	tests := []struct {
		name       string
		query      string
		header     http.Header
		wantStatus int
	}{
		{name: "no credentials", wantStatus: http.StatusUnauthorized},
		{name: "invalid token", query: "?token=bad", wantStatus: http.StatusUnauthorized},
		{name: "foreign origin", query: "?token=good", header: http.Header{"Origin": {"https://evil.example"}}, wantStatus: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, tt.query), tt.header)
			if err == nil {
				conn.Close()
				t.Fatal("expected handshake failure")
			}
			if resp == nil || resp.StatusCode != tt.wantStatus {
				got := 0
				if resp != nil {
					got = resp.StatusCode
				}
				t.Errorf("status = %d, want %d", got, tt.wantStatus)
			}
		})
	}
}

func TestEventsHandler_AuthStream_SiteOrigin(t *testing.T) {
	stream := &greetingStream{served: make(chan string, 1)}
	srv := newEventsServer(t, stream)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?token=good"), http.Header{"Origin": {testBaseURL}})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	conn.Close()
}
