package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/acuray/console/lib/assoc"
	apperrors "github.com/acuray/console/lib/errors"
	"github.com/acuray/console/lib/session"
)

// echoServer accepts one connection and echoes every frame back.
func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		dec := json.NewDecoder(conn)
		enc := json.NewEncoder(conn)
		for {
			var f session.Frame
			if err := dec.Decode(&f); err != nil {
				return
			}
			if err := enc.Encode(f); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

func TestChannelRoundTrip(t *testing.T) {
	addr := echoServer(t)

	factory := &ChannelFactory{}
	ch, err := factory.Open(context.Background(), addr)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer ch.Close()

	sent := session.Frame{Kind: session.FrameHeartbeat, Seq: 7, Timestamp: time.Now().UTC()}
	if err := ch.Send(context.Background(), sent); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := ch.Receive(ctx)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if got.Kind != session.FrameHeartbeat || got.Seq != 7 {
		t.Errorf("frame mangled in transit: %+v", got)
	}
}

func TestChannelReceiveHonorsContext(t *testing.T) {
	addr := echoServer(t)

	factory := &ChannelFactory{}
	ch, err := factory.Open(context.Background(), addr)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := ch.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestChannelReceiveAfterPeerClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()

	factory := &ChannelFactory{}
	ch, err := factory.Open(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := ch.Receive(ctx); err == nil {
		t.Error("expected an error after the peer closed")
	}
}

func TestChannelCloseUnblocksReadPump(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	ch := newChannel(client)

	// Flood past the receive buffer with nobody calling Receive, the
	// situation after a connection loss under a server frame burst.
	go func() {
		enc := json.NewEncoder(server)
		for i := 0; i < receiveBuffer+4; i++ {
			if err := enc.Encode(session.Frame{Kind: session.FrameHeartbeat, Seq: i}); err != nil {
				return
			}
		}
	}()

	// Wait until the buffer is saturated and the pump is parked on the
	// handoff.
	deadline := time.Now().Add(2 * time.Second)
	for len(ch.incoming) < receiveBuffer {
		if time.Now().After(deadline) {
			t.Fatal("receive buffer never filled")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	select {
	case <-ch.readDone:
	case <-time.After(2 * time.Second):
		t.Fatal("read pump still running after Close")
	}
}

func TestChannelOpenRefused(t *testing.T) {
	// Bind a port and close it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	factory := &ChannelFactory{}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := factory.Open(ctx, addr); err == nil {
		t.Error("expected a dial error")
	}
}

// assocServer accepts connections and answers associate requests.
func assocServer(t *testing.T, accept bool, reason string) (string, chan associateRequest) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	requests := make(chan associateRequest, 4)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				var req associateRequest
				if err := json.NewDecoder(conn).Decode(&req); err != nil {
					return
				}
				requests <- req
				json.NewEncoder(conn).Encode(associateResponse{Accepted: accept, Reason: reason})
				// Hold the association open until release or close.
				var rel releaseRequest
				json.NewDecoder(conn).Decode(&rel)
			}(conn)
		}
	}()
	return ln.Addr().String(), requests
}

func testDestination(addr string) assoc.Destination {
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)
	return assoc.Destination{Node: "pacs-main", AETitle: "CONSOLE1", Host: host, Port: port}
}

func TestDialerEstablish(t *testing.T) {
	addr, requests := assocServer(t, true, "")
	dest := testDestination(addr)

	d := &Dialer{}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	a, err := d.Establish(ctx, dest, assoc.Capabilities{Services: []string{"c-store", "c-find"}})
	if err != nil {
		t.Fatalf("establish failed: %v", err)
	}
	if a.Destination().Node != "pacs-main" {
		t.Errorf("unexpected destination %+v", a.Destination())
	}

	select {
	case req := <-requests:
		if req.AETitle != "CONSOLE1" || len(req.Services) != 2 {
			t.Errorf("unexpected associate request %+v", req)
		}
	case <-time.After(time.Second):
		t.Fatal("associate request never arrived")
	}

	if err := d.Close(context.Background(), a); err != nil {
		t.Errorf("close failed: %v", err)
	}
}

func TestDialerRejected(t *testing.T) {
	addr, _ := assocServer(t, false, "no presentation context")
	dest := testDestination(addr)

	d := &Dialer{}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := d.Establish(ctx, dest, assoc.Capabilities{Services: []string{"c-store"}})
	if err == nil {
		t.Fatal("expected a rejection error")
	}
	if !errors.Is(err, apperrors.ErrEstablishFailed) {
		t.Errorf("rejection should wrap the establish failure, got %v", err)
	}
}

func TestDialerUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dest := testDestination(ln.Addr().String())
	ln.Close()

	d := &Dialer{}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := d.Establish(ctx, dest, assoc.Capabilities{}); err == nil {
		t.Error("expected a dial error")
	}
}
