// Package pipe implements the Pipe Adapter: the glue between the Stream
// Engine and the upper MQTT protocol layer. It exposes Send/Recv to that
// layer, enforces the bounded recv/send queue capacity of spec.md §4.4,
// and carries the lifecycle hooks (Init/Start/Close/Fini) spec.md §6
// describes as the upper-protocol contract.
package pipe

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mqttquic/transport/internal/asyncop"
	"github.com/mqttquic/transport/internal/stream"
)

// ErrClosed is returned by Send/Recv once the adapter has been closed.
var ErrClosed = errors.New("pipe: closed")

// ErrResourceExhausted is returned when the configured recv_lmq_max or
// send_lmq_max would be exceeded by accepting another op.
var ErrResourceExhausted = errors.New("pipe: resource exhausted")

// Adapter is the Pipe Adapter. It holds a non-owning reference to the
// Stream Engine, registered by Init and cleared by Fini per spec.md §9's
// "weak handle from Stream to Pipe" (mirrored here the other direction,
// since this package calls down into the engine rather than the reverse).
type Adapter struct {
	log *zerolog.Logger

	recvMax int
	sendMax int

	mu           sync.Mutex
	engine       *stream.Engine
	started      bool
	closed       bool
	inflightRecv int
	inflightSend int
}

// New returns an Adapter with the given recv_lmq_max/send_lmq_max
// capacities (spec.md §6's Tunables). It is not yet bound to a Stream
// Engine; call Init once the Connection Manager opens the stream.
func New(recvMax, sendMax int, log *zerolog.Logger) *Adapter {
	return &Adapter{
		log:     log,
		recvMax: recvMax,
		sendMax: sendMax,
	}
}

// Init binds the adapter to engine (pipe_init). Safe to call again after
// a reconnect's new stream replaces the old one, per spec.md §4.3's
// "Stream State persists; the already-initialised pipe is reused."
func (a *Adapter) Init(engine *stream.Engine) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.engine = engine
	a.closed = false
}

// Start marks the pipe ready to carry traffic (pipe_start).
func (a *Adapter) Start() {
	a.mu.Lock()
	a.started = true
	a.mu.Unlock()
}

// Send submits msg to the Stream Engine's send queue. onDone, if
// non-nil, is invoked once the op completes (success, error, or
// cancellation); it runs after the op's own in-flight accounting is
// released, so a Send from inside onDone cannot spuriously see the
// queue as still full.
func (a *Adapter) Send(msg stream.Message, onDone func(*asyncop.Op)) (*asyncop.Op, error) {
	a.mu.Lock()
	if a.closed || !a.started {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	if a.inflightSend >= a.sendMax {
		a.mu.Unlock()
		return nil, ErrResourceExhausted
	}
	engine := a.engine
	a.inflightSend++
	a.mu.Unlock()

	op := asyncop.New(msg, func(o *asyncop.Op) {
		a.mu.Lock()
		a.inflightSend--
		a.mu.Unlock()
		if onDone != nil {
			onDone(o)
		}
	})
	if engine == nil {
		op.Complete(nil, ErrClosed)
		return op, ErrClosed
	}
	if err := engine.Send(op); err != nil {
		return op, err
	}
	return op, nil
}

// Recv submits a receive op to the Stream Engine. Its message slot is
// filled in by the engine once a whole MQTT packet is framed.
func (a *Adapter) Recv(onDone func(*asyncop.Op)) (*asyncop.Op, error) {
	a.mu.Lock()
	if a.closed || !a.started {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	if a.inflightRecv >= a.recvMax {
		a.mu.Unlock()
		return nil, ErrResourceExhausted
	}
	engine := a.engine
	a.inflightRecv++
	a.mu.Unlock()

	op := asyncop.New(nil, func(o *asyncop.Op) {
		a.mu.Lock()
		a.inflightRecv--
		a.mu.Unlock()
		if onDone != nil {
			onDone(o)
		}
	})
	if engine == nil {
		op.Complete(nil, ErrClosed)
		return op, ErrClosed
	}
	if err := engine.Recv(op); err != nil {
		return op, err
	}
	return op, nil
}

// Close signals a clean shutdown to the upper layer (pipe_close) and
// closes the underlying Stream Engine. A second Close is a no-op.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	engine := a.engine
	a.mu.Unlock()
	if engine == nil {
		return nil
	}
	return engine.Close()
}

// Fini releases the adapter's reference to the Stream Engine (pipe_fini),
// matching spec.md §9's back-pointer lifecycle.
func (a *Adapter) Fini() {
	a.mu.Lock()
	a.engine = nil
	a.mu.Unlock()
}
