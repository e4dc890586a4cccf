// Package stream implements the Stream Engine: the owner of one
// bidirectional QUIC stream, its send/receive queues of asynchronous
// operations, and the Framer that turns the stream's bytes into whole
// MQTT control packets.
package stream

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/mqttquic/transport/internal/asyncop"
	"github.com/mqttquic/transport/internal/framing"
)

// Message is the unit an op's message slot carries: a framed MQTT packet
// split into its header and body byte regions, matching the two-buffer
// submission spec.md §4.2 describes.
type Message = framing.Message

var (
	// ErrClosed is the completion error for every op still queued, or
	// newly submitted, once the stream has been closed.
	ErrClosed = errors.New("stream: closed")
	// ErrQuicFailure wraps an error the QUIC library itself returned.
	ErrQuicFailure = errors.New("stream: quic failure")
)

// quicStream is the narrow slice of quic.Stream the engine depends on,
// declared locally so tests can supply a fake without a real QUIC
// connection.
type quicStream interface {
	io.Reader
	io.Writer
	CancelWrite(quic.StreamErrorCode)
	CancelRead(quic.StreamErrorCode)
	Close() error
}

// Engine owns exactly one Stream State as described in spec.md §3: the
// stream handle, both op queues, and the Framer. The engine mutex guards
// the closed flag, the stashed pending bytes and the in-flight send; the
// queues lock themselves, and the Framer is only touched by the reader
// goroutine. QUIC library callbacks (here, the reader/writer goroutines'
// blocking calls) never hold this mutex while invoking an op's
// completion callback — see spec.md §9 "Callback-driven control flow".
type Engine struct {
	stream quicStream
	log    *zerolog.Logger

	mu          sync.Mutex
	closed      bool
	framer      *framing.Framer
	pending     []byte // bytes read but not yet consumed, stashed when recvQ is empty
	currentSend *asyncop.Op

	sendQ *asyncop.Queue
	recvQ *asyncop.Queue

	sendWake   chan struct{}
	recvEnable chan struct{}
	closeCh    chan struct{}

	recvBuf []byte
}

// New starts an Engine over qstream. It spawns the reader and writer
// goroutines immediately; receive stays disabled (per spec.md §4.3's
// "disable streaming receive until the upper pipe issues its first
// recv") until the first Recv call.
func New(qstream quicStream, log *zerolog.Logger) *Engine {
	e := &Engine{
		stream:     qstream,
		log:        log,
		framer:     framing.New(),
		sendQ:      asyncop.NewQueue(),
		recvQ:      asyncop.NewQueue(),
		sendWake:   make(chan struct{}, 1),
		recvEnable: make(chan struct{}, 1),
		closeCh:    make(chan struct{}),
		recvBuf:    make([]byte, 32*1024),
	}
	go e.writeLoop()
	go e.readLoop()
	return e
}

// Send appends op to the send queue, waking the writer goroutine if this
// is the only pending send. Send never blocks; op completes later, from
// the writer goroutine. Fails synchronously with ErrClosed once the
// stream is closed.
func (e *Engine) Send(op *asyncop.Op) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		op.Complete(nil, ErrClosed)
		return ErrClosed
	}
	e.sendQ.PushBack(op)
	e.mu.Unlock()
	e.log.Debug().Str("op", op.ID().String()).Msg("send op enqueued")
	wake(e.sendWake)
	return nil
}

// Recv appends op to the receive queue. If the queue was empty, this is
// the signal (spec.md §4.2's "if head, reset framer counters ... and
// re-enable QUIC receive") that lets the reader goroutine resume pulling
// bytes. Fails synchronously with ErrClosed once the stream is closed.
func (e *Engine) Recv(op *asyncop.Op) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		op.Complete(nil, ErrClosed)
		return ErrClosed
	}
	e.recvQ.PushBack(op)
	e.mu.Unlock()
	e.log.Debug().Str("op", op.ID().String()).Msg("recv op enqueued")
	wake(e.recvEnable)
	return nil
}

// CancelSend cancels op. If op is the send currently being written, the
// underlying QUIC send is aborted too (the closest quic-go analogue of
// spec.md §5's "QUIC send is aborted" for a head-of-queue, in-flight
// cancellation); otherwise op is simply removed from the send queue.
func (e *Engine) CancelSend(op *asyncop.Op) bool {
	e.mu.Lock()
	isCurrent := e.currentSend == op
	e.mu.Unlock()
	if isCurrent {
		e.stream.CancelWrite(0)
	}
	return op.Cancel()
}

// Close marks the stream closed, closes the underlying QUIC stream, and
// drains both queues with ErrClosed. A second Close is a no-op: the
// queues are already empty, so it completes no new operations.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	close(e.closeCh)
	err := e.stream.Close()
	e.sendQ.Drain(ErrClosed)
	e.recvQ.Drain(ErrClosed)
	return err
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// writeLoop is the sole writer of the stream, enforcing spec.md §3's "at
// most one outbound submission in flight per stream" invariant by
// construction: it only ever has one op's two Writes in progress.
func (e *Engine) writeLoop() {
	for {
		op := e.sendQ.PopFront()
		if op == nil {
			select {
			case <-e.sendWake:
				continue
			case <-e.closeCh:
				return
			}
		}

		e.mu.Lock()
		e.currentSend = op
		e.mu.Unlock()

		err := e.writeOne(op)

		e.mu.Lock()
		e.currentSend = nil
		e.mu.Unlock()

		op.Complete(nil, err)
	}
}

func (e *Engine) writeOne(op *asyncop.Op) error {
	msg, ok := op.Message().(Message)
	if !ok {
		return fmt.Errorf("stream: send op message is not a framed Message")
	}
	if _, err := e.stream.Write(msg.Header); err != nil {
		return fmt.Errorf("%w: %v", ErrQuicFailure, err)
	}
	if len(msg.Body) > 0 {
		if _, err := e.stream.Write(msg.Body); err != nil {
			return fmt.Errorf("%w: %v", ErrQuicFailure, err)
		}
	}
	e.log.Debug().Str("op", op.ID().String()).Msg("send complete")
	return nil
}

// readLoop is the pull-gated reader: it only issues a blocking
// stream.Read while at least one recv op is queued (spec.md §4.2's
// "return Pending ... subsequent receives require an explicit re-enable
// via a new recv(op)"), realized here against quic-go's plain
// io.Reader-shaped Stream rather than a StreamReceiveSetEnabled callback.
func (e *Engine) readLoop() {
	for {
		chunk, ok := e.waitForDemand()
		if !ok {
			return
		}
		if chunk == nil {
			n, err := e.stream.Read(e.recvBuf)
			if err != nil {
				e.handleReadError(err)
				return
			}
			chunk = e.recvBuf[:n]
		}
		if !e.feedAndComplete(chunk) {
			return
		}
	}
}

// waitForDemand blocks until there is either leftover unconsumed data or
// at least one queued recv op, returning any leftover chunk to feed
// immediately (nil meaning "go read more from the stream"). ok is false
// once the engine has closed.
func (e *Engine) waitForDemand() (chunk []byte, ok bool) {
	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return nil, false
		}
		if len(e.pending) > 0 {
			chunk := e.pending
			e.pending = nil
			e.mu.Unlock()
			return chunk, true
		}
		if e.recvQ.Len() > 0 {
			e.mu.Unlock()
			return nil, true
		}
		e.mu.Unlock()
		select {
		case <-e.recvEnable:
		case <-e.closeCh:
			return nil, false
		}
	}
}

// feedAndComplete drives chunk through the Framer, completing recv ops as
// whole messages become available. It returns false if a malformed
// packet closed the stream out from under it.
func (e *Engine) feedAndComplete(chunk []byte) bool {
	for len(chunk) > 0 {
		e.mu.Lock()
		if e.recvQ.Len() == 0 {
			// No waiting consumer: stash the remainder for the next recv.
			e.pending = append([]byte(nil), chunk...)
			e.mu.Unlock()
			return true
		}
		e.mu.Unlock()

		n, complete, err := e.framer.Feed(chunk)
		chunk = chunk[n:]
		if err != nil {
			e.log.Debug().Err(err).Msg("malformed packet, closing stream")
			e.recvQ.Drain(fmt.Errorf("stream: %w", err))
			_ = e.Close()
			return false
		}
		if !complete {
			return true
		}
		msg := e.framer.TakeMessage()
		if op := e.recvQ.PopFront(); op != nil {
			e.log.Debug().Str("op", op.ID().String()).Msg("recv complete")
			op.Complete(msg, nil)
		}
	}
	return true
}

func (e *Engine) handleReadError(err error) {
	e.log.Debug().Err(err).Msg("stream read ended")
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	reason := ErrClosed
	if !closed && !errors.Is(err, io.EOF) {
		reason = fmt.Errorf("%w: %v", ErrQuicFailure, err)
	}
	e.recvQ.Drain(reason)
}
