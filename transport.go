// Package mqttquic binds MQTT control-packet framing to a single
// bidirectional QUIC stream, manages the asynchronous send/receive
// queues that feed an MQTT protocol layer above it, and resumes a
// session via a server-issued 0-RTT ticket after an idle-timeout
// reconnect.
package mqttquic

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mqttquic/transport/internal/asyncop"
	"github.com/mqttquic/transport/internal/config"
	"github.com/mqttquic/transport/internal/outbox"
	"github.com/mqttquic/transport/internal/pipe"
	"github.com/mqttquic/transport/internal/quicconn"
	"github.com/mqttquic/transport/internal/stream"
)

// Message is one whole MQTT control packet, split into its fixed header
// (type/flags + Remaining Length) and body.
type Message = stream.Message

// Config carries the Tunables of spec.md §6, plus the client identity
// the outbox store (when enabled) keys its persisted log by. Zero value
// is not usable; start from DefaultConfig.
type Config struct {
	Tunables        config.Tunables
	ClientID        string
	ProtocolVersion int
}

// DefaultConfig returns spec.md §6's listed defaults.
func DefaultConfig() Config {
	return Config{Tunables: config.Default(), ProtocolVersion: 5}
}

// WithClientID sets the client identity the outbox store (internal/outbox)
// keys its persisted pending-publish log by. Only meaningful when
// Tunables.Outbox.Enabled.
func (c Config) WithClientID(id string) Config {
	c.ClientID = id
	return c
}

// WithProtocolVersion overrides the MQTT protocol version recorded
// alongside ClientID in the outbox key. Defaults to 5.
func (c Config) WithProtocolVersion(v int) Config {
	c.ProtocolVersion = v
	return c
}

// WithInsecure toggles certificate validation. Matches the teacher's
// fluent Set*-returns-self convention, adapted to a value receiver since
// Config has no identity worth sharing across calls.
func (c Config) WithInsecure(insecure bool) Config {
	c.Tunables.Insecure = insecure
	return c
}

// WithIdleTimeoutMS overrides the QUIC idle timeout.
func (c Config) WithIdleTimeoutMS(ms int) Config {
	c.Tunables.IdleTimeoutMS = ms
	return c
}

// WithQueueCapacity overrides both send_lmq_max and recv_lmq_max.
func (c Config) WithQueueCapacity(n int) Config {
	c.Tunables.SendLMQMax = n
	c.Tunables.RecvLMQMax = n
	return c
}

// Transport is one logical MQTT session's worth of QUIC connection
// attempts, including any ticket-resumed reconnects (spec.md §9's
// re-architected "explicit Transport value" replacing the source's
// process-wide globals). Construct with New, then Dial.
type Transport struct {
	cfg config.Tunables
	log *zerolog.Logger

	manager *quicconn.Manager
	adapter *pipe.Adapter

	outbox    *outbox.Store
	outboxKey outbox.Key

	cancel context.CancelFunc
	g      *errgroup.Group
}

// New returns a Transport that is not yet connected. log may be nil, in
// which case a no-op logger is used. When cfg.Tunables.Outbox.Enabled,
// New opens the persisted pending-publish store eagerly; a failure to
// open it (e.g. an unwritable directory) disables the outbox for this
// Transport rather than failing construction, since it is an optional
// collaborator (spec.md §6).
func New(cfg Config, log *zerolog.Logger) *Transport {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	t := &Transport{
		cfg:     cfg.Tunables,
		log:     log,
		adapter: pipe.New(cfg.Tunables.RecvLMQMax, cfg.Tunables.SendLMQMax, log),
	}
	if cfg.Tunables.Outbox.Enabled {
		store, err := outbox.New(cfg.Tunables.Outbox.Directory, cfg.Tunables.Outbox.FlushThreshold, cfg.Tunables.Outbox.MaxRows)
		if err != nil {
			log.Error().Err(err).Msg("outbox: disabled after failing to open store")
		} else {
			t.outbox = store
			t.outboxKey = outbox.Key{ClientID: cfg.ClientID, ProtocolVersion: cfg.ProtocolVersion}
		}
	}
	return t
}

// Dial parses rawURL (mqtt-quic://HOST:PORT), opens the QUIC connection,
// and blocks until the first handshake completes or ctx is canceled.
// Subsequent idle-timeout reconnects are handled internally; the Stream
// State persists across them (spec.md §4.3): Send/Recv calls made after
// a reconnect go to the new stream, while ops still queued on the
// superseded stream complete with a closed error.
func (t *Transport) Dial(ctx context.Context, rawURL string) error {
	host, port, err := parseAddr(rawURL)
	if err != nil {
		return err
	}

	qcfg := quicconn.Config{
		Host:                     host,
		Port:                     port,
		IdleTimeoutMS:            t.cfg.IdleTimeoutMS,
		Insecure:                 t.cfg.Insecure,
		ResumptionTicketMaxBytes: t.cfg.ResumptionTicketMaxBytes,
	}
	t.manager = quicconn.NewManager(qcfg, t.log)

	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	// The bridge goroutine and the Connection Manager's own dial/reconnect
	// loop are the transport's two background workers, supervised the
	// way cloudflared's Serve supervises its QUIC connection goroutines.
	g, gctx := errgroup.WithContext(runCtx)
	t.g = g

	connected := make(chan error, 1)
	var once sync.Once
	signal := func(err error) { once.Do(func() { connected <- err }) }

	g.Go(func() error {
		t.bridgeEvents(gctx, signal)
		return nil
	})
	g.Go(func() error {
		err := t.manager.Run(gctx)
		signal(err)
		return err
	})

	select {
	case err := <-connected:
		return err
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// bridgeEvents drains the Connection Manager's event channel and drives
// the Pipe Adapter lifecycle per spec.md §4.3's Connected handling:
// first time, initialise and start the pipe; on a resumption reconnect,
// only rebind the new stream, since the pipe itself is reused.
func (t *Transport) bridgeEvents(ctx context.Context, signalFirst func(error)) {
	var prevEngine *stream.Engine
	for {
		select {
		case ev, ok := <-t.manager.Events():
			if !ok {
				return
			}
			if ev.Kind == quicconn.EventConnected {
				qstream, err := t.manager.OpenStream(ctx)
				if err != nil {
					signalFirst(fmt.Errorf("mqttquic: opening stream: %w", err))
					continue
				}
				if prevEngine != nil {
					_ = prevEngine.Close()
				}
				eng := stream.New(qstream, t.log)
				prevEngine = eng
				t.adapter.Init(eng)
				if !ev.Resumed {
					t.adapter.Start()
				}
				if t.outbox != nil {
					t.drainOutbox()
				}
				signalFirst(nil)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Send submits msg to the send queue; it never blocks. onDone, if
// non-nil, fires once the op completes. If the pipe reports ErrClosed
// (no stream bound yet, or the pipe has been closed) and an outbox store
// is configured,
// msg is persisted there instead of failing outright; bridgeEvents
// resends everything the outbox is holding once the next stream binds.
func (t *Transport) Send(msg Message, onDone func(*asyncop.Op)) (*asyncop.Op, error) {
	op, err := t.adapter.Send(msg, onDone)
	if err != nil {
		if t.outbox != nil && errors.Is(err, pipe.ErrClosed) {
			return t.enqueueOutbox(msg, onDone)
		}
		return op, classify(err)
	}
	return op, nil
}

// enqueueOutbox hands msg to the outbox store for later delivery and
// completes its op successfully, since the message is now queued rather
// than lost (the store keeps it in memory until its flush threshold). The header length is stored as a one-byte prefix (MQTT's fixed
// header is at most 5 bytes) so drainOutbox can split header from body
// again on resend.
func (t *Transport) enqueueOutbox(msg Message, onDone func(*asyncop.Op)) (*asyncop.Op, error) {
	op := asyncop.New(msg, onDone)
	row := make([]byte, 0, 1+len(msg.Header)+len(msg.Body))
	row = append(row, byte(len(msg.Header)))
	row = append(row, msg.Header...)
	row = append(row, msg.Body...)
	if err := t.outbox.Enqueue(t.outboxKey, row); err != nil {
		op.Complete(nil, err)
		return op, err
	}
	op.Complete(nil, nil)
	return op, nil
}

// drainOutbox resends every row buffered for this transport's outbox
// key, then clears the on-disk log so a later reconnect doesn't replay
// the same rows. Called from bridgeEvents once a stream is bound.
func (t *Transport) drainOutbox() {
	rows, err := t.outbox.Load(t.outboxKey)
	if err != nil {
		t.log.Error().Err(err).Msg("outbox: loading pending rows failed")
		return
	}
	if t.outbox.Pending(t.outboxKey) > 0 {
		// Rows still buffered in memory are written out and read back so
		// they are resent after the already-flushed ones.
		if err := t.outbox.Flush(t.outboxKey); err != nil {
			t.log.Error().Err(err).Msg("outbox: flushing pending rows failed")
		} else if buffered, err := t.outbox.Load(t.outboxKey); err != nil {
			t.log.Error().Err(err).Msg("outbox: loading pending rows failed")
		} else {
			rows = append(rows, buffered...)
		}
	}
	if len(rows) == 0 {
		return
	}
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		hlen := int(row[0])
		if 1+hlen > len(row) {
			t.log.Error().Msg("outbox: dropping malformed row")
			continue
		}
		msg := Message{
			Header: append([]byte(nil), row[1:1+hlen]...),
			Body:   append([]byte(nil), row[1+hlen:]...),
		}
		if _, err := t.adapter.Send(msg, nil); err != nil {
			t.log.Error().Err(err).Msg("outbox: resend failed")
		}
	}
	if err := t.outbox.Clear(t.outboxKey); err != nil {
		t.log.Error().Err(err).Msg("outbox: clearing after resend failed")
	}
}

// Recv enqueues a receive op; its message slot is filled in once a
// whole MQTT packet is framed.
func (t *Transport) Recv(onDone func(*asyncop.Op)) (*asyncop.Op, error) {
	op, err := t.adapter.Recv(onDone)
	if err != nil {
		return op, classify(err)
	}
	return op, nil
}

// SendWait submits msg and blocks until it completes, returning the
// caller's result directly — the blocking-wait half of spec.md §4.5's
// "scheduling hook (optional continuation or a blocking wait)".
func (t *Transport) SendWait(ctx context.Context, msg Message) error {
	done := make(chan struct{})
	op, err := t.Send(msg, func(*asyncop.Op) { close(done) })
	if err != nil {
		return err
	}
	select {
	case <-done:
		if opErr := op.Err(); opErr != nil {
			return classify(opErr)
		}
		return nil
	case <-ctx.Done():
		op.Cancel()
		return ctx.Err()
	}
}

// RecvWait enqueues a receive op and blocks until a message arrives.
func (t *Transport) RecvWait(ctx context.Context) (Message, error) {
	done := make(chan struct{})
	op, err := t.Recv(func(*asyncop.Op) { close(done) })
	if err != nil {
		return Message{}, err
	}
	select {
	case <-done:
		if opErr := op.Err(); opErr != nil {
			return Message{}, classify(opErr)
		}
		msg, _ := op.Message().(Message)
		return msg, nil
	case <-ctx.Done():
		op.Cancel()
		return Message{}, ctx.Err()
	}
}

// Ticket returns the most recently captured resumption ticket, or nil
// if none has been received yet.
func (t *Transport) Ticket() []byte {
	if t.manager == nil {
		return nil
	}
	return t.manager.Ticket()
}

// Close shuts down the connection (and any reconnect loop), closes the
// Pipe Adapter, and waits for both background workers to exit. Closing
// the pipe and the workers' exit are independent failure sources, so
// their errors are aggregated rather than one silently shadowing the
// other.
func (t *Transport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	var result *multierror.Error
	if err := t.adapter.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	t.adapter.Fini()
	if t.g != nil {
		if err := t.g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
