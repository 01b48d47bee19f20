package ws

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the connection counters exported on the bridge's /metrics.
type Metrics struct {
	dials           prometheus.Counter
	dialFailures    prometheus.Counter
	reconnects      prometheus.Counter
	framesReceived  prometheus.Counter
	framesMalformed prometheus.Counter
	sent            prometheus.Counter
	sendsDropped    prometheus.Counter
	state           prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hamdam",
			Subsystem: "ws",
			Name:      name,
			Help:      help,
		})
	}

	m := &Metrics{
		dials:           counter("dials_total", "Websocket dial attempts."),
		dialFailures:    counter("dial_failures_total", "Websocket dials that failed."),
		reconnects:      counter("reconnects_total", "Automatic reconnect attempts."),
		framesReceived:  counter("frames_received_total", "Text frames received from the server."),
		framesMalformed: counter("frames_malformed_total", "Received frames that were not valid messages."),
		sent:            counter("messages_sent_total", "Messages written to the socket."),
		sendsDropped:    counter("messages_dropped_total", "Outgoing messages dropped because the socket was unavailable."),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hamdam",
			Subsystem: "ws",
			Name:      "state",
			Help:      "Connection state: 0 disconnected, 1 connecting, 2 connected.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.dials,
			m.dialFailures,
			m.reconnects,
			m.framesReceived,
			m.framesMalformed,
			m.sent,
			m.sendsDropped,
			m.state,
		)
	}
	return m
}
