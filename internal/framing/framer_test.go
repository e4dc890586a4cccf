package framing

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// encode builds the wire bytes for a control packet with the given type
// byte (already including flags) and body, using the standard MQTT
// variable-length Remaining Length encoding.
func encode(typeByte byte, body []byte) []byte {
	rl := len(body)
	var rlBytes []byte
	for {
		b := byte(rl % 128)
		rl /= 128
		if rl > 0 {
			b |= 0x80
		}
		rlBytes = append(rlBytes, b)
		if rl == 0 {
			break
		}
	}
	out := append([]byte{typeByte}, rlBytes...)
	out = append(out, body...)
	return out
}

func feedAll(t *testing.T, f *Framer, wire []byte, chunkSizes []int) []Message {
	t.Helper()
	var msgs []Message
	pos := 0
	chunkIdx := 0
	nextChunk := func() []byte {
		size := 1
		if chunkIdx < len(chunkSizes) {
			size = chunkSizes[chunkIdx]
		}
		chunkIdx++
		end := pos + size
		if end > len(wire) {
			end = len(wire)
		}
		c := wire[pos:end]
		pos = end
		return c
	}
	for pos < len(wire) {
		chunk := nextChunk()
		consumedTotal := 0
		for consumedTotal < len(chunk) {
			n, complete, err := f.Feed(chunk[consumedTotal:])
			require.NoError(t, err)
			consumedTotal += n
			if complete {
				msgs = append(msgs, f.TakeMessage())
			}
			if n == 0 && !complete {
				break
			}
		}
	}
	return msgs
}

func TestFeed_PingResp_ZeroBody(t *testing.T) {
	f := New()
	wire := encode(0xD0, nil) // PINGRESP, RL=0
	require.Equal(t, []byte{0xD0, 0x00}, wire)

	n, complete, err := f.Feed(wire)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.True(t, complete)

	msg := f.TakeMessage()
	require.Equal(t, []byte{0xD0, 0x00}, msg.Header)
	require.Nil(t, msg.Body)
}

func TestFeed_ShortFixedBody(t *testing.T) {
	// CONNACK: type 0x20, RL=2, body = session-present + return code.
	f := New()
	wire := encode(0x20, []byte{0x00, 0x00})

	n, complete, err := f.Feed(wire)
	require.NoError(t, err)
	require.Equal(t, len(wire), n)
	require.True(t, complete)

	msg := f.TakeMessage()
	require.Equal(t, []byte{0x20, 0x02}, msg.Header)
	require.Equal(t, []byte{0x00, 0x00}, msg.Body)
}

func TestFeed_SplitPublish(t *testing.T) {
	// PUBLISH with a 2-byte topic-length prefix + "hi!" = 5 body bytes,
	// delivered as: [0x30, 0x05] then the 5 body bytes in one more chunk.
	f := New()
	body := []byte{0x00, 0x03, 'h', 'i', '!'}
	wire := encode(0x30, body)
	require.Len(t, wire, 7)

	n, complete, err := f.Feed(wire[:2])
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.False(t, complete)

	n, complete, err = f.Feed(wire[2:])
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.True(t, complete)

	msg := f.TakeMessage()
	require.Equal(t, []byte{0x30, 0x05}, msg.Header)
	require.Equal(t, body, msg.Body)
}

func TestFeed_ByteAtATime(t *testing.T) {
	f := New()
	body := make([]byte, 300) // forces a multi-byte Remaining Length
	for i := range body {
		body[i] = byte(i)
	}
	wire := encode(0x30, body)

	var got Message
	for i := 0; i < len(wire); i++ {
		n, complete, err := f.Feed(wire[i : i+1])
		require.NoError(t, err)
		require.Equal(t, 1, n)
		if complete {
			got = f.TakeMessage()
			require.Equal(t, i, len(wire)-1)
		}
	}
	require.Equal(t, body, got.Body)
}

func TestFeed_MaxRemainingLength(t *testing.T) {
	f := New()
	body := make([]byte, maxRemainingLength)
	wire := encode(0x30, body)
	require.Len(t, wire, 5+maxRemainingLength) // type byte + 4-byte RL + body

	n, complete, err := f.Feed(wire)
	require.NoError(t, err)
	require.Equal(t, len(wire), n)
	require.True(t, complete)
	msg := f.TakeMessage()
	require.Len(t, msg.Body, maxRemainingLength)
}

func TestFeed_OverlongRemainingLengthIsMalformed(t *testing.T) {
	f := New()
	// Four continuation-flagged bytes: no terminator within the 4 allowed.
	wire := []byte{0x30, 0xFF, 0xFF, 0xFF, 0xFF}
	_, _, err := f.Feed(wire)
	require.ErrorIs(t, err, ErrMalformedPacket)
}

func TestFeed_ChunkingInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var wire []byte
	var want [][]byte
	for i := 0; i < 20; i++ {
		body := make([]byte, rng.Intn(400))
		rng.Read(body)
		w := encode(0x30, body)
		wire = append(wire, w...)
		want = append(want, body)
	}

	for trial := 0; trial < 5; trial++ {
		f := New()
		var chunkSizes []int
		for len(chunkSizes)*3 < len(wire) {
			chunkSizes = append(chunkSizes, 1+rng.Intn(7))
		}
		msgs := feedAll(t, f, wire, chunkSizes)
		require.Len(t, msgs, len(want))
		for i, m := range msgs {
			require.Equal(t, want[i], m.Body, "trial %d msg %d", trial, i)
		}
	}
}

func TestFeed_RejectsFeedBeforeTakeMessage(t *testing.T) {
	f := New()
	wire := encode(0xD0, nil)
	_, complete, err := f.Feed(wire)
	require.NoError(t, err)
	require.True(t, complete)

	// Feeding more bytes without calling TakeMessage is a no-op, not a panic.
	n, complete, err := f.Feed([]byte{0x01})
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.True(t, complete)
}
