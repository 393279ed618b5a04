package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FrameKind classifies frames on the command channel.
type FrameKind int

const (
	// FrameHello opens version negotiation; payload carries the console version.
	FrameHello FrameKind = iota
	// FrameHelloAck answers a hello; payload carries the server version.
	FrameHelloAck
	// FrameSync requests the server configuration snapshot.
	FrameSync
	// FrameSyncAck delivers the configuration snapshot.
	FrameSyncAck
	// FrameRequest is a unary call.
	FrameRequest
	// FrameResponse completes a unary call, matched by correlation id.
	FrameResponse
	// FrameHeartbeat is the periodic liveness signal from the server.
	FrameHeartbeat
	// FrameStreamOpen starts a server-initiated chunk stream.
	FrameStreamOpen
	// FrameStreamChunk carries one ordered chunk of a stream.
	FrameStreamChunk
	// FrameStreamEnd completes a stream normally.
	FrameStreamEnd
	// FrameStreamAbort terminates a stream abnormally.
	FrameStreamAbort
)

func (k FrameKind) String() string {
	switch k {
	case FrameHello:
		return "hello"
	case FrameHelloAck:
		return "hello-ack"
	case FrameSync:
		return "sync"
	case FrameSyncAck:
		return "sync-ack"
	case FrameRequest:
		return "request"
	case FrameResponse:
		return "response"
	case FrameHeartbeat:
		return "heartbeat"
	case FrameStreamOpen:
		return "stream-open"
	case FrameStreamChunk:
		return "stream-chunk"
	case FrameStreamEnd:
		return "stream-end"
	case FrameStreamAbort:
		return "stream-abort"
	default:
		return "unknown"
	}
}

// Frame is the wire unit of the command channel. Payload contents are
// opaque to the session; it manages lifecycle and correlation only.
type Frame struct {
	Kind        FrameKind
	Correlation uuid.UUID
	Method      string
	// Seq orders chunks within a stream.
	Seq int
	// Timestamp is set on heartbeat frames by the sender.
	Timestamp time.Time
	Payload   []byte
}

// Channel is an open command channel. Send and Receive must honor ctx
// cancellation; Receive must also return once the channel is closed.
type Channel interface {
	Send(ctx context.Context, f Frame) error
	Receive(ctx context.Context) (Frame, error)
	Close() error
}

// Factory opens command channels to the exposure-control server.
type Factory interface {
	Open(ctx context.Context, address string) (Channel, error)
}

// Version identifies the command-channel protocol revision. Peers are
// compatible when their major versions match.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// CompatibleWith reports whether this version can talk to the other.
func (v Version) CompatibleWith(other Version) bool {
	return v.Major == other.Major
}
