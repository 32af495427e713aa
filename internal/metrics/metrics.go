// Package metrics collects the Prometheus counters exported by the serial
// transport stack: mux framing errors, chat command outcomes and link
// restart counts, registered once and handed to each component that wants
// to record against it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the stack records against.
type Metrics struct {
	MuxFramesDropped   *prometheus.CounterVec
	MuxFCSErrors       prometheus.Counter
	MuxChannelsOpen    prometheus.Gauge

	ChatCommandsTotal  *prometheus.CounterVec
	ChatCommandLatency prometheus.Histogram

	ServerCommandsTotal *prometheus.CounterVec

	PPPCPRestarts *prometheus.CounterVec

	RawIPBytesTotal  *prometheus.CounterVec
	RawIPErrorsTotal prometheus.Counter
}

// New builds and registers a fresh Metrics instance.
func New() *Metrics {
	m := &Metrics{
		MuxFramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatmux_mux_frames_dropped_total",
			Help: "Frames discarded by the gsm0710 mux decoder, by reason",
		}, []string{"reason"}),
		MuxFCSErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatmux_mux_fcs_errors_total",
			Help: "GSM 07.10 frames dropped for a bad FCS byte",
		}),
		MuxChannelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatmux_mux_channels_open",
			Help: "Number of currently open GSM 07.10 DLC channels",
		}),
		ChatCommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatmux_chat_commands_total",
			Help: "AT commands issued by the chat engine, by outcome",
		}, []string{"outcome"}),
		ChatCommandLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatmux_chat_command_duration_seconds",
			Help:    "Time from sending an AT command to its final response",
			Buckets: prometheus.DefBuckets,
		}),
		ServerCommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatmux_server_commands_total",
			Help: "AT commands answered by the command server, by outcome",
		}, []string{"outcome"}),
		PPPCPRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatmux_pppcp_restarts_total",
			Help: "Configure/Terminate-Request retransmissions, by protocol",
		}, []string{"proto"}),
		RawIPBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatmux_rawip_bytes_total",
			Help: "Bytes pumped by the raw-IP bridge, by direction",
		}, []string{"direction"}),
		RawIPErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatmux_rawip_errors_total",
			Help: "Write errors encountered by the raw-IP bridge",
		}),
	}
	m.register()
	return m
}

func (m *Metrics) register() {
	prometheus.MustRegister(m.MuxFramesDropped)
	prometheus.MustRegister(m.MuxFCSErrors)
	prometheus.MustRegister(m.MuxChannelsOpen)
	prometheus.MustRegister(m.ChatCommandsTotal)
	prometheus.MustRegister(m.ChatCommandLatency)
	prometheus.MustRegister(m.ServerCommandsTotal)
	prometheus.MustRegister(m.PPPCPRestarts)
	prometheus.MustRegister(m.RawIPBytesTotal)
	prometheus.MustRegister(m.RawIPErrorsTotal)
}

// RecordDroppedFrame increments the dropped-frame counter for reason.
func (m *Metrics) RecordDroppedFrame(reason string) {
	if m == nil {
		return
	}
	m.MuxFramesDropped.WithLabelValues(reason).Inc()
}

// RecordFCSError increments the bad-FCS counter.
func (m *Metrics) RecordFCSError() {
	if m == nil {
		return
	}
	m.MuxFCSErrors.Inc()
}

// SetChannelsOpen reports the current open-DLC count.
func (m *Metrics) SetChannelsOpen(n int) {
	if m == nil {
		return
	}
	m.MuxChannelsOpen.Set(float64(n))
}

// RecordChatCommand records one completed AT command's outcome and latency.
func (m *Metrics) RecordChatCommand(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ChatCommandsTotal.WithLabelValues(outcome).Inc()
	m.ChatCommandLatency.Observe(seconds)
}

// RecordServerCommand increments the server-answered command counter for
// outcome ("ok", "error", ...).
func (m *Metrics) RecordServerCommand(outcome string) {
	if m == nil {
		return
	}
	m.ServerCommandsTotal.WithLabelValues(outcome).Inc()
}

// RecordPPPRestart records one restart-timer retransmission for proto.
func (m *Metrics) RecordPPPRestart(proto string) {
	if m == nil {
		return
	}
	m.PPPCPRestarts.WithLabelValues(proto).Inc()
}

// RecordRawIPBytes adds n to the raw-IP byte counter for direction
// ("serial_to_tun" or "tun_to_serial").
func (m *Metrics) RecordRawIPBytes(direction string, n int) {
	if m == nil {
		return
	}
	m.RawIPBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordRawIPError increments the raw-IP bridge's write-error counter.
func (m *Metrics) RecordRawIPError() {
	if m == nil {
		return
	}
	m.RawIPErrorsTotal.Inc()
}
