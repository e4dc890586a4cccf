// Package asyncop implements the completion-style asynchronous operation
// that the Stream Engine and Pipe Adapter use to hand messages back and
// forth with the MQTT protocol layer above: a caller submits an Op,
// returns immediately, and is notified once — exactly once — when the
// transport completes it.
package asyncop

import (
	"container/list"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrCanceled is the completion error for an Op removed from its queue by
// Cancel before the transport reached it.
var ErrCanceled = errors.New("asyncop: canceled")

// Op is a single-shot asynchronous operation: a message slot (input for a
// send, output for a receive), a result, and a back-pointer a Queue uses
// to support O(1) mid-queue cancellation. Completing an Op a second time
// is a no-op, never a panic — callers may race a cancel against a
// transport-driven completion and either may win.
type Op struct {
	id uuid.UUID

	completed uint32 // atomic; 1 once Complete has taken effect

	mu      sync.Mutex
	msg     interface{}
	err     error
	onDone  func(*Op)
	elem    *list.Element // set by Queue while this op is enqueued
	inQueue *Queue
}

// New returns an Op carrying msg (nil for a receive, whose message slot
// is filled in by whoever completes it). onDone, if non-nil, runs exactly
// once, after the Op's message and error are final.
func New(msg interface{}, onDone func(*Op)) *Op {
	return &Op{
		id:     uuid.New(),
		msg:    msg,
		onDone: onDone,
	}
}

// ID identifies this Op for log correlation.
func (o *Op) ID() uuid.UUID { return o.id }

// Message returns the op's message slot. For a send op this is the
// caller-supplied outbound message; for a receive op it is nil until
// Complete assigns the inbound message.
func (o *Op) Message() interface{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.msg
}

// Err returns the result of a completed Op, or nil if still pending or if
// it completed successfully.
func (o *Op) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Complete finalizes the op with msg (may be nil, e.g. for a send) and
// err (nil on success). It reports whether this call performed the
// completion; a false return means the op was already completed or
// canceled and onDone has already run (or is running) for that prior
// completion.
func (o *Op) Complete(msg interface{}, err error) bool {
	if !atomic.CompareAndSwapUint32(&o.completed, 0, 1) {
		return false
	}
	o.mu.Lock()
	if msg != nil {
		o.msg = msg
	}
	o.err = err
	onDone := o.onDone
	o.mu.Unlock()
	if onDone != nil {
		onDone(o)
	}
	return true
}

// Cancel removes the op from whatever Queue currently holds it (a no-op
// if it isn't enqueued) and completes it with ErrCanceled. It reports
// whether this call performed the cancellation.
func (o *Op) Cancel() bool {
	o.mu.Lock()
	q := o.inQueue
	o.mu.Unlock()
	if q != nil {
		q.Remove(o)
	}
	return o.Complete(nil, ErrCanceled)
}

// Queue is the FIFO send/receive queue a Stream State owns: an unbounded
// doubly-linked list, not a fixed-capacity ring — see DESIGN.md's Open
// Question decision on queue capacity. Queue is safe for concurrent use:
// its own mutex guards the list, so the Stream Engine's goroutines and a
// concurrent Cancel may call PushBack/PopFront/Remove/Drain without any
// outer lock.
type Queue struct {
	mu sync.Mutex
	l  list.List
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.l.Init()
	return q
}

// PushBack enqueues op at the tail.
func (q *Queue) PushBack(op *Op) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op.mu.Lock()
	op.elem = q.l.PushBack(op)
	op.inQueue = q
	op.mu.Unlock()
}

// Front returns the head op without removing it, or nil if empty.
func (q *Queue) Front() *Op {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.l.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*Op)
}

// PopFront removes and returns the head op, or nil if empty.
func (q *Queue) PopFront() *Op {
	q.mu.Lock()
	e := q.l.Front()
	if e == nil {
		q.mu.Unlock()
		return nil
	}
	q.l.Remove(e)
	q.mu.Unlock()
	op := e.Value.(*Op)
	op.mu.Lock()
	op.elem = nil
	op.inQueue = nil
	op.mu.Unlock()
	return op
}

// Remove removes op from the queue regardless of its position, reporting
// whether op was found (it may already have been popped by a concurrent
// PopFront). Used for cancellation of a non-head op.
func (q *Queue) Remove(op *Op) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	op.mu.Lock()
	e := op.elem
	if e == nil || op.inQueue != q {
		op.mu.Unlock()
		return false
	}
	op.elem = nil
	op.inQueue = nil
	op.mu.Unlock()
	q.l.Remove(e)
	return true
}

// Len reports the number of ops currently enqueued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.l.Len()
}

// Drain empties the queue, completing every op with err. Used by
// Stream Engine's close().
func (q *Queue) Drain(err error) {
	for {
		op := q.PopFront()
		if op == nil {
			return
		}
		op.Complete(nil, err)
	}
}
