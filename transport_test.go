package mqttquic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"
)

// serverTLSConfig builds a bare-bones self-signed TLS config, the same
// way cloudflared's QUIC server tests do, with the "mqtt" ALPN label
// spec.md §4.3 names.
func serverTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	tlsCert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{"mqtt"},
	}
}

// echoServer accepts a single connection and stream, then echoes back
// whatever bytes it reads, byte-for-byte.
func echoServer(t *testing.T, ln *quic.EarlyListener) {
	t.Helper()
	conn, err := ln.Accept(context.Background())
	if err != nil {
		return
	}
	st, err := conn.AcceptStream(context.Background())
	if err != nil {
		return
	}
	buf := make([]byte, 4096)
	for {
		n, err := st.Read(buf)
		if n > 0 {
			if _, werr := st.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func TestTransport_DialSendRecvRoundTrip(t *testing.T) {
	udpAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	udpConn, err := net.ListenUDP("udp", udpAddr)
	require.NoError(t, err)
	defer udpConn.Close()

	ln, err := quic.ListenEarly(udpConn, serverTLSConfig(t), &quic.Config{Allow0RTT: true})
	require.NoError(t, err)
	defer ln.Close()

	go echoServer(t, ln)

	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	host := "127.0.0.1"

	cfg := DefaultConfig().WithInsecure(true)
	transport := New(cfg, nil)
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = transport.Dial(ctx, fmt.Sprintf("%s%s:%s", scheme, host, port))
	require.NoError(t, err)

	sendCtx, sendCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer sendCancel()
	pingReq := Message{Header: []byte{0xC0, 0x00}}
	require.NoError(t, transport.SendWait(sendCtx, pingReq))

	recvCtx, recvCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer recvCancel()
	msg, err := transport.RecvWait(recvCtx)
	require.NoError(t, err)
	require.Equal(t, []byte{0xC0, 0x00}, msg.Header)
}

func TestParseAddr(t *testing.T) {
	host, port, err := parseAddr("mqtt-quic://broker.example:8883")
	require.NoError(t, err)
	require.Equal(t, "broker.example", host)
	require.Equal(t, "8883", port)

	_, _, err = parseAddr("http://broker.example:8883")
	require.Error(t, err)

	_, _, err = parseAddr("mqtt-quic://broker.example")
	require.Error(t, err)
}
