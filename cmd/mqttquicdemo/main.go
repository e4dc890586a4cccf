// Command mqttquicdemo is a minimal driver over github.com/mqttquic/transport,
// the way original_source/demo/quic/client.c exercises its nng socket: it
// connects, sends one canned MQTT control packet, and prints whatever comes
// back. It does not speak MQTT itself — building CONNECT/PUBLISH/SUBSCRIBE
// packets is the upper protocol layer's job, explicitly out of scope here
// (spec.md §1) — so the packets below are pre-serialized literals.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/mqttquic/transport"
)

// connectPacket is spec.md §8 scenario 1's literal CONNECT: fixed header
// 0x10 0x0C (type=CONNECT, Remaining Length=12) plus a 12-byte body: the
// 10-byte MQTT 3.1.1 variable header (protocol name "MQTT", level 4, connect
// flags 0x02 clean-session, keep-alive 60s) and a zero-length client id.
var connectPacket = mqttquic.Message{
	Header: []byte{0x10, 0x0C},
	Body: []byte{
		0x00, 0x04, 'M', 'Q', 'T', 'T', // protocol name
		0x04,       // protocol level (3.1.1)
		0x02,       // connect flags: clean session
		0x00, 0x3C, // keep alive: 60s
		0x00, 0x00, // client id length: 0
	},
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s conn <mqtt-quic://host:port>\n", os.Args[0])
	os.Exit(1)
}

func main() {
	insecure := flag.Bool("insecure", true, "skip server certificate validation")
	timeout := flag.Duration("timeout", 10*time.Second, "dial and round-trip timeout")
	flag.Parse()

	args := flag.Args()
	if len(args) != 2 || args[0] != "conn" {
		usage()
	}
	url := args[1]

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg := mqttquic.DefaultConfig().WithInsecure(*insecure)
	t := mqttquic.New(cfg, &logger)
	defer t.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := t.Dial(ctx, url); err != nil {
		log.Fatalf("dial %s: %v", url, err)
	}
	fmt.Printf("[Connected][%s]\n", url)

	sendCtx, sendCancel := context.WithTimeout(context.Background(), *timeout)
	defer sendCancel()
	if err := t.SendWait(sendCtx, connectPacket); err != nil {
		log.Fatalf("send CONNECT: %v", err)
	}
	fmt.Println("[Msg Sent] CONNECT")

	recvCtx, recvCancel := context.WithTimeout(context.Background(), *timeout)
	defer recvCancel()
	reply, err := t.RecvWait(recvCtx)
	if err != nil {
		log.Fatalf("recv reply: %v", err)
	}
	fmt.Printf("[Msg Arrived] header=% x body=% x\n", reply.Header, reply.Body)
}
