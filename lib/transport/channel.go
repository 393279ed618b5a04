// Package transport provides the TCP wire layer of the console: the
// framed command channel to the exposure-control server and the
// association dialer for PACS and worklist nodes. Both speak
// newline-delimited JSON.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/acuray/console/lib/session"
)

// receiveBuffer bounds frames decoded ahead of the consumer.
const receiveBuffer = 64

// ChannelFactory dials TCP command channels. It implements
// session.Factory.
type ChannelFactory struct {
	// Dialer is used for outbound connections. The zero value works.
	Dialer net.Dialer
}

// Open dials the exposure-control server and returns a framed channel.
func (f *ChannelFactory) Open(ctx context.Context, address string) (session.Channel, error) {
	conn, err := f.Dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dialing command channel %s: %w", address, err)
	}
	log.WithField("address", address).Debug("command channel opened")
	return newChannel(conn), nil
}

// channel frames session.Frame values as JSON lines over a TCP
// connection. Reads are pumped by a dedicated goroutine so Receive can
// honor its context.
type channel struct {
	conn net.Conn

	writeMu sync.Mutex
	enc     *json.Encoder

	incoming chan session.Frame
	readDone chan struct{}
	readErr  error

	stop      chan struct{}
	closeOnce sync.Once
}

func newChannel(conn net.Conn) *channel {
	c := &channel{
		conn:     conn,
		enc:      json.NewEncoder(conn),
		incoming: make(chan session.Frame, receiveBuffer),
		readDone: make(chan struct{}),
		stop:     make(chan struct{}),
	}
	go c.readPump()
	return c
}

func (c *channel) readPump() {
	defer close(c.readDone)
	dec := json.NewDecoder(c.conn)
	for {
		var f session.Frame
		if err := dec.Decode(&f); err != nil {
			c.readErr = fmt.Errorf("reading frame: %w", err)
			return
		}
		// The consumer may be gone with the buffer full; Close must
		// still unblock the pump.
		select {
		case c.incoming <- f:
		case <-c.stop:
			return
		}
	}
}

// Send writes one frame. A context deadline is applied as the write
// deadline on the connection.
func (c *channel) Send(ctx context.Context, f session.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := c.enc.Encode(f); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Receive returns the next frame, the read error once the pump stops,
// or the context error.
func (c *channel) Receive(ctx context.Context) (session.Frame, error) {
	// Buffered frames are delivered before the terminal read error.
	select {
	case f := <-c.incoming:
		return f, nil
	default:
	}

	select {
	case f := <-c.incoming:
		return f, nil
	case <-c.readDone:
		return session.Frame{}, c.readErr
	case <-ctx.Done():
		return session.Frame{}, ctx.Err()
	}
}

// Close tears down the connection. The read pump exits on the closed
// socket, or via stop if it is blocked handing off a frame.
func (c *channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		err = c.conn.Close()
	})
	return err
}
