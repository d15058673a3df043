package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ventosilenzioso/go-transmitter/pkg/logging"
	"github.com/ventosilenzioso/go-transmitter/transport"
)

const version = "1.0.0"

func main() {
	logging.Banner("go-transmitter echo server", version)

	cfg := loadConfig()
	log := logging.For("echo-server")

	server := transport.NewServer(
		transport.WithMTU(cfg.mtu),
		transport.WithTimeout(cfg.timeout),
	)
	if err := server.Registry().Add(&transport.Descriptor{
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

	server.OnMessage.Attach(func(mp transport.MessagePeer) {
		log.WithField("peer", mp.Peer.ID()).WithField("msg", mp.Msg.String()).Info("message received")
	})
	server.OnConnect.Attach(func(p *transport.Peer) {
		log.WithField("peer", p.ID()).Info("peer connected")
	})
	server.OnDisconnect.Attach(func(p *transport.Peer) {
		log.WithField("peer", p).Info("peer disconnected")
	})
	server.OnTimeout.Attach(func(p *transport.Peer) {
		log.WithField("peer", p.ID()).Warn("peer timed out")
	})

	if err := server.Bind(cfg.addr); err != nil {
		log.WithError(err).Fatal("bind")
	}
	log.WithField("addr", server.LocalAddr()).Info("listening")

	metrics := transport.NewMetrics(server.Endpoint, "server")
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics)
	go func() {
		http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(cfg.metricsAddr, nil); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			server.Update()
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("shutting down")
			server.Disconnect()
			for i := 0; i < 50 && len(server.Peers()) > 0; i++ {
				server.Update()
				time.Sleep(20 * time.Millisecond)
			}
			return
		}
	}
}

type config struct {
	addr        string
	metricsAddr string
	mtu         int
	timeout     time.Duration
}

func loadConfig() config {
	cfg := config{
		addr:        "0.0.0.0:55555",
		metricsAddr: ":9090",
		mtu:         1400,
		timeout:     10 * time.Second,
	}
	if v := os.Getenv("ECHO_SERVER_ADDR"); v != "" {
		cfg.addr = v
	}
	if v := os.Getenv("ECHO_SERVER_METRICS_ADDR"); v != "" {
		cfg.metricsAddr = v
	}
	return cfg
}
