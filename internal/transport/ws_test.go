package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// echoServer accepts one websocket connection and echoes every frame.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if err := conn.Write(r.Context(), typ, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWSEmitAndReceive(t *testing.T) {
	srv := echoServer(t)

	ch, err := NewWS(srv.URL, "/", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ch.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	packets, err := ch.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	if err := ch.Emit(ctx, "status:online", map[string]string{"k": "v"}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	select {
	case pkt := <-packets:
		if pkt.Event != "status:online" {
			t.Errorf("event = %q, want status:online", pkt.Event)
		}
		var data map[string]string
		if err := json.Unmarshal(pkt.Data, &data); err != nil {
			t.Fatalf("unmarshal data: %v", err)
		}
		if data["k"] != "v" {
			t.Errorf("data = %v", data)
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for echoed packet")
	}
}

func TestWSStreamClosesOnDisconnect(t *testing.T) {
	srv := echoServer(t)

	ch, err := NewWS(srv.URL, "/", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	packets, err := ch.Dial(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case _, ok := <-packets:
		if ok {
			t.Error("expected closed stream, got packet")
		}
	case <-ctx.Done():
		t.Fatal("stream did not close after Close()")
	}
}

func TestEmitWithoutDial(t *testing.T) {
	ch, err := NewWS("http://localhost:1", "/chatserver", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Emit(context.Background(), "message:create", nil); err == nil {
		t.Error("Emit() before Dial() should fail")
	}
}

func TestWSURL(t *testing.T) {
	tests := []struct {
		addr string
		path string
		want string
	}{
		{"http://chat.example.org", "/chatserver", "ws://chat.example.org/chatserver"},
		{"https://chat.example.org", "/chatserver", "wss://chat.example.org/chatserver"},
		{"https://chat.example.org/", "/chatserver", "wss://chat.example.org/chatserver"},
	}
	for _, tt := range tests {
		got, err := wsURL(tt.addr, tt.path)
		if err != nil {
			t.Errorf("wsURL(%q, %q) error = %v", tt.addr, tt.path, err)
			continue
		}
		if got != tt.want {
			t.Errorf("wsURL(%q, %q) = %q, want %q", tt.addr, tt.path, got, tt.want)
		}
	}

	if _, err := wsURL("ftp://x", "/p"); err == nil {
		t.Error("wsURL should reject unsupported schemes")
	}
}
