package transport

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes an Endpoint's Measurement counters as a
// prometheus.Collector. The spec treats Measurement as an opaque
// collaborator; wiring it to Prometheus is purely ambient observability,
// never consulted by the protocol state machine itself.
type Metrics struct {
	endpoint *Endpoint

	bytesIn, bytesOut       *prometheus.Desc
	packetsIn, packetsOut   *prometheus.Desc
	messagesIn, messagesOut *prometheus.Desc
}

// NewMetrics builds a Collector for e. role labels every metric (e.g.
// "server", "client") so a process running both can register each under a
// distinct registry or distinguish them by label.
func NewMetrics(e *Endpoint, role string) *Metrics {
	labels := prometheus.Labels{"role": role}
	mk := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("transport_"+name, help, nil, labels)
	}
	return &Metrics{
		endpoint:    e,
		bytesIn:     mk("bytes_in_total", "Total bytes received."),
		bytesOut:    mk("bytes_out_total", "Total bytes sent."),
		packetsIn:   mk("packets_in_total", "Total datagrams received."),
		packetsOut:  mk("packets_out_total", "Total datagrams sent."),
		messagesIn:  mk("messages_in_total", "Total transport frames decoded."),
		messagesOut: mk("messages_out_total", "Total transport frames constructed for send."),
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.bytesIn
	ch <- m.bytesOut
	ch <- m.packetsIn
	ch <- m.packetsOut
	ch <- m.messagesIn
	ch <- m.messagesOut
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(m.bytesIn, prometheus.CounterValue, float64(m.endpoint.bytesIn.Total()))
	ch <- prometheus.MustNewConstMetric(m.bytesOut, prometheus.CounterValue, float64(m.endpoint.bytesOut.Total()))
	ch <- prometheus.MustNewConstMetric(m.packetsIn, prometheus.CounterValue, float64(m.endpoint.packetsIn.Total()))
	ch <- prometheus.MustNewConstMetric(m.packetsOut, prometheus.CounterValue, float64(m.endpoint.packetsOut.Total()))
	ch <- prometheus.MustNewConstMetric(m.messagesIn, prometheus.CounterValue, float64(m.endpoint.messagesIn.Total()))
	ch <- prometheus.MustNewConstMetric(m.messagesOut, prometheus.CounterValue, float64(m.endpoint.messagesOut.Total()))
}
