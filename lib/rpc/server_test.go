package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func startTestServer(t *testing.T, handlers map[string]Handler) (string, *Server) {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "consoled.sock")

	srv := NewServer(ServerConfig{})
	srv.RegisterHandlers(handlers)

	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx, socket); err != nil {
		cancel()
		t.Fatalf("server start failed: %v", err)
	}
	t.Cleanup(func() {
		srv.Stop()
		cancel()
	})
	return socket, srv
}

func echoHandler(ctx context.Context, params json.RawMessage) (any, *Error) {
	var payload map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &payload); err != nil {
			return nil, ErrInvalidParams(err.Error())
		}
	}
	return payload, nil
}

func TestServerCallRoundTrip(t *testing.T) {
	socket, _ := startTestServer(t, map[string]Handler{"echo": echoHandler})

	client, err := NewClient(ClientConfig{SocketPath: socket, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("client connect failed: %v", err)
	}
	defer client.Close()

	var result map[string]any
	err = client.Call(context.Background(), "echo", map[string]any{"node": "pacs-main"}, &result)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if result["node"] != "pacs-main" {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestServerMethodNotFound(t *testing.T) {
	socket, _ := startTestServer(t, map[string]Handler{"echo": echoHandler})

	client, err := NewClient(ClientConfig{SocketPath: socket, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("client connect failed: %v", err)
	}
	defer client.Close()

	err = client.Call(context.Background(), "no.such.method", nil, nil)
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != ErrCodeMethodNotFound {
		t.Errorf("expected method-not-found, got %v", err)
	}
}

func TestServerHandlerError(t *testing.T) {
	socket, _ := startTestServer(t, map[string]Handler{
		"fail": func(ctx context.Context, params json.RawMessage) (any, *Error) {
			return nil, ErrNotFound("record")
		},
	})

	client, err := NewClient(ClientConfig{SocketPath: socket, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("client connect failed: %v", err)
	}
	defer client.Close()

	err = client.Call(context.Background(), "fail", nil, nil)
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != ErrCodeNotFound {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestServerMalformedRequest(t *testing.T) {
	socket, _ := startTestServer(t, map[string]Handler{"echo": echoHandler})

	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("{not json\n")); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("reading error response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeParse {
		t.Errorf("expected parse error, got %+v", resp)
	}
}

func TestServerRejectsMissingVersion(t *testing.T) {
	socket, _ := startTestServer(t, map[string]Handler{"echo": echoHandler})

	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(`{"method":"echo","id":1}` + "\n")); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("reading error response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeInvalidRequest {
		t.Errorf("expected invalid-request error, got %+v", resp)
	}
}

func TestServerRateLimitsMethod(t *testing.T) {
	socket, _ := startTestServer(t, map[string]Handler{"echo": echoHandler})

	client, err := NewClient(ClientConfig{SocketPath: socket, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("client connect failed: %v", err)
	}
	defer client.Close()

	limited := false
	for i := 0; i < methodBurst+5; i++ {
		err := client.Call(context.Background(), "echo", nil, nil)
		var rpcErr *Error
		if errors.As(err, &rpcErr) && rpcErr.Code == ErrCodeRateLimited {
			limited = true
			break
		}
		if err != nil {
			t.Fatalf("unexpected error on call %d: %v", i, err)
		}
	}
	if !limited {
		t.Error("burst of calls never hit the rate limit")
	}
}

func TestServerConnectionLimit(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "consoled.sock")
	srv := NewServer(ServerConfig{MaxConnections: 1})
	srv.RegisterHandler("echo", echoHandler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx, socket); err != nil {
		t.Fatalf("server start failed: %v", err)
	}
	defer srv.Stop()

	first, err := NewClient(ClientConfig{SocketPath: socket, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("first client failed: %v", err)
	}
	defer first.Close()
	if err := first.Call(context.Background(), "echo", nil, nil); err != nil {
		t.Fatalf("first call failed: %v", err)
	}

	// Second connection is accepted then closed by the limiter; its
	// first call fails.
	second, err := NewClient(ClientConfig{SocketPath: socket, Timeout: 2 * time.Second})
	if err != nil {
		return
	}
	defer second.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := second.Call(context.Background(), "echo", nil, nil); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("second connection was never rejected")
}

func TestServerStopIdempotent(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "consoled.sock")
	srv := NewServer(ServerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx, socket); err != nil {
		t.Fatalf("server start failed: %v", err)
	}
	if !srv.IsRunning() {
		t.Error("server should report running")
	}
	if err := srv.Stop(); err != nil {
		t.Errorf("first stop failed: %v", err)
	}
	if err := srv.Stop(); err != nil {
		t.Errorf("second stop failed: %v", err)
	}
	if srv.IsRunning() {
		t.Error("server should report stopped")
	}
}

func TestServerStartTwice(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "consoled.sock")
	srv := NewServer(ServerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx, socket); err != nil {
		t.Fatalf("server start failed: %v", err)
	}
	defer srv.Stop()

	if err := srv.Start(ctx, socket); err == nil {
		t.Error("second start should fail")
	}
}
