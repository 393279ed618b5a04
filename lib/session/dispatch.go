package session

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/acuray/console/lib/metrics"
)

// streamBuffer is how many chunks a stream may hold ahead of its consumer
// before the stream is aborted.
const streamBuffer = 32

type rpcResult struct {
	payload []byte
	err     error
}

// pendingCall is an in-flight unary call awaiting its response frame.
type pendingCall struct {
	done chan rpcResult
}

// Dispatch sends a unary call and blocks until the matching response
// arrives, the context is done, or the connection is lost. While not
// Connected it fails immediately with ErrNotConnected. Responses may
// arrive in any order; they are matched by correlation id.
func (s *Session) Dispatch(ctx context.Context, method string, payload []byte) ([]byte, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.DispatchTimeout)
		defer cancel()
	}

	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	ch := s.channel
	gen := s.generation
	id := uuid.New()
	pc := &pendingCall{done: make(chan rpcResult, 1)}
	s.pending[id] = pc
	s.mu.Unlock()

	frame := Frame{Kind: FrameRequest, Correlation: id, Method: method, Payload: payload}
	if err := ch.Send(ctx, frame); err != nil {
		s.removePending(id)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.RpcFailed.Inc()
		s.connectionLost(gen, fmt.Errorf("send %s: %w", method, err))
		return nil, fmt.Errorf("send %s: %w", method, ErrConnectionLost)
	}
	metrics.RpcDispatched.Inc()

	select {
	case res := <-pc.done:
		return res.payload, res.err
	case <-ctx.Done():
		// Cancellation removes only this entry; other callers are unaffected.
		s.removePending(id)
		return nil, ctx.Err()
	}
}

// removePending drops a pending entry if it is still registered.
func (s *Session) removePending(id uuid.UUID) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// completeCall matches a response frame to its pending call.
func (s *Session) completeCall(f Frame) {
	s.mu.Lock()
	pc, ok := s.pending[f.Correlation]
	if ok {
		delete(s.pending, f.Correlation)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("response with no pending call", "correlation", f.Correlation.String())
		return
	}
	pc.done <- rpcResult{payload: f.Payload}
}

// Stream is an ordered chunk sequence delivered by the server for one
// correlation id. Interrupted streams are discarded on connection loss
// and the consumer is notified through Recv.
type Stream struct {
	id     uuid.UUID
	chunks chan []byte

	closeOnce sync.Once
	err       error
	done      chan struct{}
}

// Correlation returns the stream's correlation id.
func (st *Stream) Correlation() uuid.UUID {
	return st.id
}

// Recv returns the next chunk in order. It returns io.EOF when the
// stream completes normally and ErrStreamAborted when it is interrupted.
func (st *Stream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-st.chunks:
		return data, nil
	case <-st.done:
		// Drain chunks buffered before the terminal event.
		select {
		case data := <-st.chunks:
			return data, nil
		default:
		}
		return nil, st.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// terminate ends the stream with the given error. Safe to call more
// than once; only the first call takes effect.
func (st *Stream) terminate(err error) {
	st.closeOnce.Do(func() {
		st.err = err
		close(st.done)
	})
}

// OpenStream starts a server-driven chunk stream. While not Connected it
// fails immediately with ErrNotConnected.
func (s *Session) OpenStream(ctx context.Context, method string, payload []byte) (*Stream, error) {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	ch := s.channel
	gen := s.generation
	id := uuid.New()
	st := &Stream{
		id:     id,
		chunks: make(chan []byte, streamBuffer),
		done:   make(chan struct{}),
	}
	s.streams[id] = st
	s.mu.Unlock()

	if err := ch.Send(ctx, Frame{Kind: FrameStreamOpen, Correlation: id, Method: method, Payload: payload}); err != nil {
		s.mu.Lock()
		delete(s.streams, id)
		s.mu.Unlock()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.connectionLost(gen, fmt.Errorf("open stream %s: %w", method, err))
		return nil, fmt.Errorf("open stream %s: %w", method, ErrConnectionLost)
	}
	metrics.StreamsOpened.Inc()
	return st, nil
}

// readLoop receives frames for one connected generation and routes them.
func (s *Session) readLoop(ctx context.Context, ch Channel, gen uint64) {
	// expect tracks the next chunk sequence number per stream. Only this
	// goroutine touches it.
	expect := make(map[uuid.UUID]int)

	for {
		f, err := ch.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.connectionLost(gen, fmt.Errorf("receive: %w", err))
			}
			return
		}

		switch f.Kind {
		case FrameHeartbeat:
			s.recordHeartbeat(f)
		case FrameResponse:
			s.completeCall(f)
		case FrameStreamChunk:
			s.deliverChunk(f, expect)
		case FrameStreamEnd:
			delete(expect, f.Correlation)
			if st := s.takeStream(f.Correlation); st != nil {
				st.terminate(io.EOF)
			}
		case FrameStreamAbort:
			delete(expect, f.Correlation)
			if st := s.takeStream(f.Correlation); st != nil {
				metrics.StreamsAborted.Inc()
				st.terminate(ErrStreamAborted)
			}
		default:
			s.logger.Debug("unexpected frame", "kind", f.Kind.String(), "correlation", f.Correlation.String())
		}
	}
}

// deliverChunk pushes one stream chunk, enforcing sequence order and
// bounded consumer lag.
func (s *Session) deliverChunk(f Frame, expect map[uuid.UUID]int) {
	s.mu.Lock()
	st, ok := s.streams[f.Correlation]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("chunk for unknown stream", "correlation", f.Correlation.String())
		return
	}

	if f.Seq != expect[f.Correlation] {
		s.logger.Warn("stream chunk out of order",
			"correlation", f.Correlation.String(), "seq", f.Seq, "want", expect[f.Correlation])
		s.abortStream(st, expect)
		return
	}
	expect[f.Correlation]++

	select {
	case st.chunks <- f.Payload:
	default:
		s.logger.Warn("stream consumer too slow, aborting", "correlation", f.Correlation.String())
		s.abortStream(st, expect)
	}
}

// abortStream removes and terminates a stream.
func (s *Session) abortStream(st *Stream, expect map[uuid.UUID]int) {
	s.mu.Lock()
	delete(s.streams, st.id)
	s.mu.Unlock()
	delete(expect, st.id)
	metrics.StreamsAborted.Inc()
	st.terminate(ErrStreamAborted)
}

// takeStream removes a stream from the registry and returns it.
func (s *Session) takeStream(id uuid.UUID) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		return nil
	}
	delete(s.streams, id)
	return st
}
