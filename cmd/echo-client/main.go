package main

import (
	"context"
	"os"
	"time"

	"github.com/ventosilenzioso/go-transmitter/pkg/logging"
	"github.com/ventosilenzioso/go-transmitter/transport"
)

const version = "1.0.0"

func main() {
	logging.Banner("go-transmitter echo client", version)
	log := logging.For("echo-client")

	addr := "127.0.0.1:55555"
	if v := os.Getenv("ECHO_SERVER_ADDR"); v != "" {
		addr = v
	}

	client := transport.NewClient()
	if err := client.Registry().Add(&transport.Descriptor{
		ID:   1,
		Name: "AMessage",
		Fields: []transport.FieldSpec{
			{Name: "str", Kind: transport.KindStr, Default: ""},
			{Name: "bytes", Kind: transport.KindBytes, Default: []byte{}},
			{Name: "int", Kind: transport.KindInt, Default: int64(0)},
			{Name: "float", Kind: transport.KindFloat, Default: 0.0},
		},
	}); err != nil {
		log.WithError(err).Fatal("registering AMessage")
	}

	client.OnConnect.Attach(func(p *transport.Peer) {
		log.Info("connected to server")
	})
	client.OnDisconnect.Attach(func(p *transport.Peer) {
		log.Info("disconnected from server")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.ConnectAndWait(ctx, addr, 20*time.Millisecond); err != nil {
		log.WithError(err).Fatal("connect")
	}

	msg, err := client.Registry().New("AMessage")
	if err != nil {
		log.WithError(err).Fatal("new message")
	}
	_ = msg.Set("str", "This is a string")
	_ = msg.Set("bytes", []byte("this could be a binary file"))
	_ = msg.Set("int", int64(78))
	_ = msg.Set("float", 9.76)

	client.Send(msg, transport.Reliable(true))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		client.Update()
		time.Sleep(20 * time.Millisecond)
	}

	if latency, ok := client.Latency(); ok {
		log.WithField("rtt", latency).Info("measured round trip")
	}

	client.Disconnect()
	for i := 0; i < 25; i++ {
		client.Update()
		time.Sleep(20 * time.Millisecond)
	}
}
