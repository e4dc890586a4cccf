// Package framing reassembles whole MQTT control packets from the
// arbitrarily-chunked byte stream a QUIC receive callback delivers.
//
// MQTT's fixed header is one type/flags byte followed by a 1-4 byte
// variable-length "Remaining Length" integer (each byte uses its low 7
// bits, the top bit signals continuation), followed by Remaining Length
// bytes of body. Because a QUIC stream gives no guarantee that a single
// chunk lines up with a packet boundary, Framer tracks a small amount of
// scratch state (a 5-byte prefix plus a have/want pair) so Feed can be
// called repeatedly with whatever arrives.
package framing

import "errors"

// ErrMalformedPacket is returned when the Remaining Length field decodes
// to a value larger than MQTT allows (> 268,435,455) or its continuation
// bytes never terminate within the 4 bytes the format allows.
var ErrMalformedPacket = errors.New("framing: malformed packet")

// maxRemainingLength is 0xFFFFFFF, the largest value a 4-byte MQTT
// Remaining Length field can encode.
const maxRemainingLength = 268435455

// Message is one complete MQTT control packet, split into its fixed
// header (type/flags byte + Remaining Length bytes) and its body, so
// callers can hand the two regions to a QUIC stream as separate buffers
// without a copy.
type Message struct {
	Header []byte
	Body   []byte
}

type phase int

const (
	phaseHeader phase = iota // reading the type byte + Remaining Length bytes
	phaseBody                // Remaining Length decoded, filling the body
	phaseDone                // a whole message is ready for TakeMessage
)

// Framer accumulates chunks into whole MQTT control packets one at a
// time. It is not safe for concurrent use; callers serialize access (the
// Stream Engine only calls it from its single reader goroutine).
type Framer struct {
	ph phase

	prefix [5]byte // type byte + up to 4 Remaining Length bytes
	have   int     // bytes filled into prefix so far
	want   int     // bytes needed in prefix before the next decode attempt
	rlSize int     // number of bytes the RL field occupies, once known
	remLen uint32  // decoded Remaining Length, once known

	body     []byte
	bodyDone int // bytes filled into body so far

	msg Message
}

// New returns a Framer ready to parse the first packet on a stream.
func New() *Framer {
	f := &Framer{}
	f.reset()
	return f
}

func (f *Framer) reset() {
	f.ph = phaseHeader
	f.have = 0
	f.want = 2
	f.rlSize = 0
	f.remLen = 0
	f.body = nil
	f.bodyDone = 0
	f.msg = Message{}
}

// Feed appends chunk to the in-progress parse. It returns the number of
// bytes consumed from chunk (never more than len(chunk); the caller must
// acknowledge exactly this many bytes to the QUIC library's receive
// accounting and retain any unconsumed remainder for a subsequent Feed)
// and whether a whole message is now ready via TakeMessage.
//
// An oversized or non-terminating Remaining Length fails with
// ErrMalformedPacket; the caller must treat the stream as unusable after
// an error and close it.
func (f *Framer) Feed(chunk []byte) (consumed int, complete bool, err error) {
	if f.ph == phaseDone {
		// Caller must TakeMessage before feeding more bytes.
		return 0, true, nil
	}

	for consumed < len(chunk) && f.ph != phaseDone {
		switch f.ph {
		case phaseHeader:
			need := f.want - f.have
			n := copy(f.prefix[f.have:f.have+need], chunk[consumed:minInt(consumed+need, len(chunk))])
			f.have += n
			consumed += n
			if f.have < f.want {
				return consumed, false, nil
			}
			if err := f.onPrefixFilled(); err != nil {
				return consumed, false, err
			}

		case phaseBody:
			need := len(f.body) - f.bodyDone
			n := copy(f.body[f.bodyDone:], chunk[consumed:minInt(consumed+need, len(chunk))])
			f.bodyDone += n
			consumed += n
			if f.bodyDone < len(f.body) {
				return consumed, false, nil
			}
			f.msg = Message{Header: f.headerBytes(), Body: f.body}
			f.ph = phaseDone
		}
	}
	return consumed, f.ph == phaseDone, nil
}

// onPrefixFilled runs every time the prefix buffer gains the bytes it was
// waiting for: first after the initial type+RL-byte-0 pair, then after
// each additional Remaining Length continuation byte.
func (f *Framer) onPrefixFilled() error {
	lastByte := f.prefix[f.have-1]
	if f.have == 2 && lastByte == 0x00 {
		// Zero Remaining Length: emit immediately (e.g. PINGRESP).
		f.finishHeader(1, 0)
		return nil
	}
	if lastByte&0x80 != 0 {
		// Continuation bit set: need another Remaining Length byte.
		if f.have >= len(f.prefix) {
			return ErrMalformedPacket
		}
		f.want = f.have + 1
		return nil
	}
	// Terminal RL byte: decode the 1-4 byte varint now in prefix[1:have].
	rlSize := f.have - 1
	value, err := decodeRemainingLength(f.prefix[1:f.have])
	if err != nil {
		return err
	}
	f.finishHeader(rlSize, value)
	return nil
}

// finishHeader records the decoded Remaining Length and either completes
// the message immediately (zero-length body) or begins the body phase.
func (f *Framer) finishHeader(rlSize int, remainingLength uint32) {
	f.rlSize = rlSize
	f.remLen = remainingLength
	if remainingLength == 0 {
		f.msg = Message{Header: f.headerBytes(), Body: nil}
		f.ph = phaseDone
		return
	}
	f.body = make([]byte, remainingLength)
	f.bodyDone = 0
	f.ph = phaseBody
}

func (f *Framer) headerBytes() []byte {
	return append([]byte(nil), f.prefix[:1+f.rlSize]...)
}

// decodeRemainingLength decodes the standard MQTT variable-length integer
// from up to 4 bytes, returning ErrMalformedPacket if the value exceeds
// the format's maximum.
func decodeRemainingLength(rlBytes []byte) (uint32, error) {
	var value uint32
	var multiplier uint32 = 1
	for _, b := range rlBytes {
		value += uint32(b&0x7f) * multiplier
		multiplier *= 128
	}
	if value > maxRemainingLength {
		return 0, ErrMalformedPacket
	}
	return value, nil
}

// TakeMessage extracts the assembled message and resets the Framer to
// parse the next packet. Calling TakeMessage before Feed reports
// complete==true returns a zero Message.
func (f *Framer) TakeMessage() Message {
	msg := f.msg
	f.reset()
	return msg
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
