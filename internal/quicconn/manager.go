// Package quicconn implements the Connection Manager: it owns the QUIC
// connection, its TLS/0-RTT configuration, ticket capture, and the
// reconnect-with-cached-ticket path spec.md §4.3 describes.
package quicconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
)

// Config carries the Tunables of spec.md §6 that pertain to the
// connection itself.
type Config struct {
	Host                     string
	Port                     string
	IdleTimeoutMS            int
	Insecure                 bool
	ResumptionTicketMaxBytes int
}

// DefaultConfig matches spec.md §6's defaults.
func DefaultConfig(host, port string) Config {
	return Config{
		Host:                     host,
		Port:                     port,
		IdleTimeoutMS:            5000,
		Insecure:                 true,
		ResumptionTicketMaxBytes: 2048,
	}
}

// ErrNotConnected is returned by OpenStream before the first Connected
// event has fired.
var ErrNotConnected = errors.New("quicconn: not connected")

// Manager is the Connection Manager. One Manager corresponds to one
// logical MQTT session's worth of connection attempts, including any
// ticket-resumed reconnects; the Stream State it feeds persists across
// those reconnects (spec.md §4.3).
type Manager struct {
	cfg       Config
	tlsConfig *tls.Config
	cache     *ticketCache
	log       *zerolog.Logger

	mu   sync.Mutex
	conn quic.Connection

	events chan Event
}

func NewManager(cfg Config, log *zerolog.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		log:    log,
		events: make(chan Event, 8),
	}
	m.cache = newTicketCache(cfg.ResumptionTicketMaxBytes, func(raw []byte) {
		m.log.Debug().Int("bytes", len(raw)).Msg("resumption ticket received")
		m.emit(Event{Kind: EventResumptionTicketReceived})
	})
	m.tlsConfig = &tls.Config{
		ServerName:         cfg.Host,
		NextProtos:         []string{"mqtt"},
		InsecureSkipVerify: cfg.Insecure,
		ClientSessionCache: m.cache,
	}
	return m
}

// Events returns the channel connection-level occurrences are delivered
// on. The caller (the Pipe Adapter, via the top-level Transport) must
// keep draining it.
func (m *Manager) Events() <-chan Event { return m.events }

// Ticket returns the most recently captured resumption ticket, or nil.
func (m *Manager) Ticket() []byte { return m.cache.Ticket() }

func (m *Manager) emit(e Event) {
	select {
	case m.events <- e:
	default:
		m.log.Warn().Msg("connection event channel full, dropping event")
	}
}

func (m *Manager) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout: time.Duration(m.cfg.IdleTimeoutMS) * time.Millisecond,
		Allow0RTT:      true,
	}
}

// Run dials the connection and supervises its lifecycle until ctx is
// canceled. When a connection ends (other than through ctx) while a
// resumption ticket is cached, it reconnects using the same ticket cache (quic-go resumes
// automatically via the shared tls.Config.ClientSessionCache + 0-RTT
// dial) rather than returning; the Stream State above persists across
// this loop exactly as spec.md §4.3's reconnect() describes.
func (m *Manager) Run(ctx context.Context) error {
	for {
		resumed := m.cache.HasTicket()

		conn, err := m.dial(ctx)
		if err != nil {
			return fmt.Errorf("quicconn: dial: %w", err)
		}

		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()

		m.log.Debug().Bool("resumed", resumed).Msg("connected")
		m.emit(Event{Kind: EventConnected, Resumed: resumed})

		shutdownErr := m.superviseUntilClosed(ctx, conn)
		m.emit(Event{Kind: EventShutdownComplete, Err: shutdownErr})

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !m.cache.HasTicket() {
			return shutdownErr
		}
		m.log.Debug().Msg("reconnecting with cached resumption ticket")
	}
}

func (m *Manager) dial(ctx context.Context) (quic.Connection, error) {
	addr := net.JoinHostPort(m.cfg.Host, m.cfg.Port)
	return quic.DialAddrEarly(ctx, addr, m.tlsConfig, m.quicConfig())
}

// superviseUntilClosed blocks until the connection closes or the
// caller's ctx is canceled, classifying which side initiated the
// shutdown along the way. This transport never expects the peer to open
// a stream, so AcceptStream is used purely as the idiomatic quic-go way
// to block for, and learn the reason behind, connection closure.
func (m *Manager) superviseUntilClosed(ctx context.Context, conn quic.Connection) error {
	acceptErr := make(chan error, 1)
	go func() {
		_, err := conn.AcceptStream(context.Background())
		acceptErr <- err
	}()

	select {
	case err := <-acceptErr:
		if appErr, ok := asApplicationError(err); ok && appErr.Remote {
			m.emit(Event{Kind: EventShutdownInitiatedByPeer, Err: err})
		} else {
			m.emit(Event{Kind: EventShutdownInitiatedByTransport, Err: err})
		}
		return err
	case <-ctx.Done():
		_ = conn.CloseWithError(0, "client shutting down")
		<-acceptErr
		m.emit(Event{Kind: EventShutdownInitiatedByTransport, Err: ctx.Err()})
		return ctx.Err()
	}
}

func asApplicationError(err error) (*quic.ApplicationError, bool) {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// OpenStream opens the single bidirectional stream the Stream Engine
// will drive. It fails with ErrNotConnected before the first Connected
// event.
func (m *Manager) OpenStream(ctx context.Context) (quic.Stream, error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}
	return conn.OpenStreamSync(ctx)
}

// Close tears down the current connection, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.CloseWithError(0, "closed")
}
