package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/mikeyg42/emocapture/internal/config"
	"github.com/mikeyg42/emocapture/internal/recorderlog"
	"github.com/mikeyg42/emocapture/internal/session"
)

type rpcFunc func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error)

// newBackend starts a websocket JSON-RPC server and counts accepted connections.
func newBackend(t *testing.T, fn rpcFunc) (*httptest.Server, *int32) {
	t.Helper()
	var conns int32
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		atomic.AddInt32(&conns, 1)
		conn := jsonrpc2.NewConn(context.Background(), newObjectStream(ws), jsonrpc2.HandlerWithError(fn))
		<-conn.DisconnectNotify()
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func testChannelConfig(srv *httptest.Server) config.ChannelConfig {
	cfg := config.NewDefaultConfig().Channel
	cfg.Endpoint = strings.TrimPrefix(srv.URL, "http://")
	cfg.Path = "/"
	cfg.RetryBackoff = time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	cfg.DialTimeout = time.Second
	return cfg
}

func testPayload() *session.Payload {
	return &session.Payload{
		Username:   "tester",
		ImageBlobs: [][]byte{[]byte("webm-0"), []byte("webm-1")},
		Emotions:   []string{"happy", "unlabeled"},
		Timestamps: []string{"2025-05-22-14-03-09-0", "2025-05-22-14-03-09-1"},
		IsPool:     true,
	}
}

func TestClientURL(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		tls      bool
		want     string
	}{
		{name: "host and port", endpoint: "localhost:5252", want: "ws://localhost:5252/ws"},
		{name: "http scheme stripped", endpoint: "http://backend:5252", want: "ws://backend:5252/ws"},
		{name: "tls", endpoint: "backend.example.com", tls: true, want: "wss://backend.example.com/ws"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.NewDefaultConfig().Channel
			cfg.Endpoint = tt.endpoint
			cfg.UseTLS = tt.tls
			if got := NewClient(cfg, recorderlog.NewNop()).URL(); got != tt.want {
				t.Fatalf("URL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientDispatchCall(t *testing.T) {
	var received session.Payload
	srv, _ := newBackend(t, func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
		if req.Method != "process-video" {
			return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: req.Method}
		}
		if err := json.Unmarshal(*req.Params, &received); err != nil {
			return nil, err
		}
		return map[string]string{"status": "queued", "message": "2 blobs"}, nil
	})

	client := NewClient(testChannelConfig(srv), recorderlog.NewNop())
	defer client.Close()

	ack, err := client.Dispatch(context.Background(), testPayload())
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if ack.Status != "queued" || ack.Message != "2 blobs" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if !reflect.DeepEqual(received.Emotions, []string{"happy", "unlabeled"}) || !received.IsPool {
		t.Fatalf("backend received %+v", received)
	}
	if string(received.ImageBlobs[1]) != "webm-1" {
		t.Fatalf("blob not preserved: %q", received.ImageBlobs[1])
	}
}

func TestClientDispatchNotify(t *testing.T) {
	got := make(chan string, 1)
	srv, _ := newBackend(t, func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
		if req.Notif {
			got <- req.Method
		}
		return nil, nil
	})

	cfg := testChannelConfig(srv)
	cfg.Mode = config.ModeNotify
	client := NewClient(cfg, recorderlog.NewNop())
	defer client.Close()

	ack, err := client.Dispatch(context.Background(), testPayload())
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if ack.Status != "sent" {
		t.Fatalf("ack status = %q, want sent", ack.Status)
	}

	select {
	case method := <-got:
		if method != "process-video" {
			t.Fatalf("notification method = %q", method)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("backend never received the notification")
	}
}

func TestClientBackendErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv, _ := newBackend(t, func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "no blobs"}
	})

	cfg := testChannelConfig(srv)
	cfg.MaxRetries = 3
	client := NewClient(cfg, recorderlog.NewNop())
	defer client.Close()

	_, err := client.Dispatch(context.Background(), testPayload())
	var rpcErr *jsonrpc2.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != jsonrpc2.CodeInvalidParams {
		t.Fatalf("Dispatch error = %v, want backend error", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("backend called %d times, want 1", n)
	}
}

func TestClientReconnects(t *testing.T) {
	srv, conns := newBackend(t, func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			conn.Close()
		}()
		return map[string]string{"status": "ok"}, nil
	})

	cfg := testChannelConfig(srv)
	cfg.MaxRetries = 3
	client := NewClient(cfg, recorderlog.NewNop())
	defer client.Close()

	for i := 0; i < 2; i++ {
		if _, err := client.Dispatch(context.Background(), testPayload()); err != nil {
			t.Fatalf("Dispatch %d failed: %v", i, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if n := atomic.LoadInt32(conns); n < 2 {
		t.Fatalf("expected a reconnect, backend saw %d connections", n)
	}
}

func TestClientDialFailure(t *testing.T) {
	srv, _ := newBackend(t, nil)
	cfg := testChannelConfig(srv)
	srv.Close()
	cfg.MaxRetries = 1

	client := NewClient(cfg, recorderlog.NewNop())
	defer client.Close()

	if _, err := client.Dispatch(context.Background(), testPayload()); err == nil {
		t.Fatalf("Dispatch to a closed backend should fail")
	}
}

func TestClientClosed(t *testing.T) {
	client := NewClient(config.NewDefaultConfig().Channel, recorderlog.NewNop())
	client.Close()

	if _, err := client.Dispatch(context.Background(), testPayload()); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("Dispatch error = %v, want ErrClientClosed", err)
	}
}

func TestParseAck(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "structured", raw: `{"status":"queued"}`, want: "queued"},
		{name: "bare true", raw: `true`, want: "ok"},
		{name: "null", raw: `null`, want: "ok"},
		{name: "empty", raw: ``, want: "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseAck(json.RawMessage(tt.raw)).Status; got != tt.want {
				t.Fatalf("status = %q, want %q", got, tt.want)
			}
		})
	}
}
