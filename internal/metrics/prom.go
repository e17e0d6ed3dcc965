package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wschan_build_info",
			Help: "Build information for the wschan server",
		},
		[]string{"date", "sha", "version"},
	)

	connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wschan_connections",
			Help: "Number of open WebSocket channels",
		},
	)

	connectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wschan_connections_total",
			Help: "Total number of WebSocket channels opened",
		},
	)

	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wschan_handshakes_total",
			Help: "Upgrade requests by result",
		},
		[]string{"result"},
	)

	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wschan_frames_total",
			Help: "Frames read or written by opcode",
		},
		[]string{"direction", "opcode"},
	)

	frameBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wschan_bytes_total",
			Help: "Frame bytes read or written, headers included",
		},
		[]string{"direction"},
	)

	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wschan_messages_total",
			Help: "Complete inbound messages by type",
		},
		[]string{"type"},
	)

	incompleteMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wschan_incomplete_messages_total",
			Help: "Partially reassembled messages abandoned by the peer",
		},
	)

	protocolErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wschan_protocol_errors_total",
			Help: "Connections closed because of malformed frames",
		},
	)
)

const (
	DirIn  = "in"
	DirOut = "out"
)

// Register registers all collectors with r.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, connections, connectionsTotal, handshakes, frames, frameBytes,
		messages, incompleteMessages, protocolErrors)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// ChannelOpened records a newly registered channel.
func ChannelOpened() {
	connections.Inc()
	connectionsTotal.Inc()
}

// ChannelClosed records a channel leaving the registry.
func ChannelClosed() { connections.Dec() }

// RecordHandshake counts an upgrade request; result is "accepted", "rejected"
// or "draining".
func RecordHandshake(result string) { handshakes.WithLabelValues(result).Inc() }

// RecordFrame counts one frame of n bytes in the given direction.
func RecordFrame(direction, opcode string, n int) {
	frames.WithLabelValues(direction, opcode).Inc()
	frameBytes.WithLabelValues(direction).Add(float64(n))
}

// RecordMessage counts a complete inbound message.
func RecordMessage(typ string) { messages.WithLabelValues(typ).Inc() }

func RecordIncompleteMessage() { incompleteMessages.Inc() }

func RecordProtocolError() { protocolErrors.Inc() }
