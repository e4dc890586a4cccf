package mqttquic

import (
	"errors"
	"fmt"

	"github.com/mqttquic/transport/internal/asyncop"
	"github.com/mqttquic/transport/internal/framing"
	"github.com/mqttquic/transport/internal/pipe"
	"github.com/mqttquic/transport/internal/stream"
)

// Kind is one of the error kinds spec.md §7 names. It is the stable
// thing callers should switch on; the wrapped error underneath carries
// whatever the originating package produced.
type Kind int

const (
	// KindUnknown is the zero value of Kind; classify also uses it for
	// errors that match none of the internal packages' sentinels.
	KindUnknown Kind = iota
	// KindClosed: stream or connection closed before the op completed.
	KindClosed
	// KindMalformedPacket: the Framer rejected input.
	KindMalformedPacket
	// KindQuicFailure: the QUIC library returned failure on submission.
	KindQuicFailure
	// KindCanceled: caller-initiated cancellation.
	KindCanceled
	// KindTimeout is reserved; the transport itself never produces it.
	KindTimeout
	// KindResourceExhausted: a bounded queue was full.
	KindResourceExhausted
)

func (k Kind) String() string {
	switch k {
	case KindClosed:
		return "closed"
	case KindMalformedPacket:
		return "malformed_packet"
	case KindQuicFailure:
		return "quic_failure"
	case KindCanceled:
		return "canceled"
	case KindTimeout:
		return "timeout"
	case KindResourceExhausted:
		return "resource_exhausted"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with the Kind a caller should branch
// on, per spec.md §7's error-kind taxonomy.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("mqttquic: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// classify maps a sentinel error from one of the internal packages onto
// the public Kind taxonomy. Errors the internal packages didn't produce
// (a bug, or a future addition) classify as KindUnknown rather than
// panicking.
func classify(err error) *Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, asyncop.ErrCanceled):
		return &Error{Kind: KindCanceled, Err: err}
	case errors.Is(err, framing.ErrMalformedPacket):
		return &Error{Kind: KindMalformedPacket, Err: err}
	case errors.Is(err, stream.ErrClosed), errors.Is(err, pipe.ErrClosed):
		return &Error{Kind: KindClosed, Err: err}
	case errors.Is(err, stream.ErrQuicFailure):
		return &Error{Kind: KindQuicFailure, Err: err}
	case errors.Is(err, pipe.ErrResourceExhausted):
		return &Error{Kind: KindResourceExhausted, Err: err}
	default:
		return &Error{Kind: KindUnknown, Err: err}
	}
}
