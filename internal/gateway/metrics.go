package gateway

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the control plane's Prometheus instrumentation, registered
// on a private registry so a host process can expose it however it likes
// (see cmd/knot-gatewayd, which serves it with promhttp.HandlerFor).
type Metrics struct {
	Registry *prometheus.Registry

	state             prometheus.Gauge
	polls             prometheus.Counter
	pollErrors        prometheus.Counter
	publications      prometheus.Counter
	handshakeRetries  prometheus.Counter
}

// NewMetrics creates and registers the gateway's metric family.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "knot_gateway_state",
			Help: "Current control-plane state, as a State enum value.",
		}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "knot_gateway_polls_total",
			Help: "Total sensor poll attempts.",
		}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "knot_gateway_poll_errors_total",
			Help: "Total sensor poll errors.",
		}),
		publications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "knot_gateway_publications_total",
			Help: "Total data publications sent to the cloud.",
		}),
		handshakeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "knot_gateway_handshake_retries_total",
			Help: "Total register/auth/schema (re)send attempts.",
		}),
	}
	reg.MustRegister(m.state, m.polls, m.pollErrors, m.publications, m.handshakeRetries)
	return m
}

// SetState records the current control-plane state.
func (m *Metrics) SetState(s State) {
	m.state.Set(float64(s))
}

// IncPoll records one sensor poll attempt.
func (m *Metrics) IncPoll() {
	m.polls.Inc()
}

// IncPollError records one failed sensor poll.
func (m *Metrics) IncPollError() {
	m.pollErrors.Inc()
}

// IncPublication records one data publication sent to the cloud.
func (m *Metrics) IncPublication() {
	m.publications.Inc()
}

// IncHandshakeRetry records one register/auth/schema (re)send.
func (m *Metrics) IncHandshakeRetry() {
	m.handshakeRetries.Inc()
}
