// Package metrics exposes Prometheus instrumentation for the fountain link
// and protocol engine.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chaz8081/petkit-ble/internal/ble/protocol"
	"github.com/chaz8081/petkit-ble/internal/fountain"
)

// NewRegistry creates a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns the HTTP handler serving reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics implements fountain.Observer and the BLE link observer.
type AppMetrics struct {
	FramesDecoded     *prometheus.CounterVec // labels: cmd
	FramesDropped     *prometheus.CounterVec // labels: reason
	ReassemblerResets prometheus.Counter
	CommandsSent      *prometheus.CounterVec   // labels: cmd, attempt
	CommandsFinished  *prometheus.CounterVec   // labels: cmd, result
	CommandLatency    *prometheus.HistogramVec // labels: cmd
	StateGauge        prometheus.Gauge
	QueueDepthGauge   prometheus.Gauge
	Reconnects        prometheus.Counter
	Notifications     prometheus.Counter
	BytesWritten      prometheus.Counter
}

// NewAppMetrics registers and returns the application metrics.
func NewAppMetrics(reg prometheus.Registerer) *AppMetrics {
	m := &AppMetrics{
		FramesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "petkit_frames_decoded_total",
			Help: "Response frames decoded, by command.",
		}, []string{"cmd"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "petkit_frames_dropped_total",
			Help: "Inbound frames or payloads dropped as undecodable.",
		}, []string{"reason"}),
		ReassemblerResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "petkit_reassembler_resets_total",
			Help: "Notification buffer overflows.",
		}),
		CommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "petkit_commands_sent_total",
			Help: "Command frames written, by command and attempt number.",
		}, []string{"cmd", "attempt"}),
		CommandsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "petkit_commands_finished_total",
			Help: "Commands retired from the queue, by result.",
		}, []string{"cmd", "result"}),
		CommandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "petkit_command_latency_seconds",
			Help:    "Time from last send to response.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"cmd"}),
		StateGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "petkit_session_state",
			Help: "Session state machine phase (0 disconnected .. 5 awaiting response).",
		}),
		QueueDepthGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "petkit_queue_depth",
			Help: "Commands queued, including the one in flight.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "petkit_ble_reconnects_total",
			Help: "Successful BLE reconnects.",
		}),
		Notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "petkit_ble_notifications_total",
			Help: "Notification chunks received.",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "petkit_ble_bytes_written_total",
			Help: "Bytes written to the fountain.",
		}),
	}
	reg.MustRegister(m.FramesDecoded, m.FramesDropped, m.ReassemblerResets, m.CommandsSent,
		m.CommandsFinished, m.CommandLatency, m.StateGauge, m.QueueDepthGauge,
		m.Reconnects, m.Notifications, m.BytesWritten)
	return m
}

var _ fountain.Observer = (*AppMetrics)(nil)

func (m *AppMetrics) FrameDecoded(cmd protocol.Cmd) {
	m.FramesDecoded.WithLabelValues(cmd.String()).Inc()
}

func (m *AppMetrics) FrameDropped(err error) {
	m.FramesDropped.WithLabelValues(dropReason(err)).Inc()
}

func (m *AppMetrics) ReassemblerReset() { m.ReassemblerResets.Inc() }

func (m *AppMetrics) CommandSent(cmd protocol.Cmd, attempt int) {
	m.CommandsSent.WithLabelValues(cmd.String(), strconv.Itoa(attempt)).Inc()
}

func (m *AppMetrics) CommandFinished(cmd protocol.Cmd, err error, latency time.Duration) {
	m.CommandsFinished.WithLabelValues(cmd.String(), result(err)).Inc()
	if err == nil && latency > 0 {
		m.CommandLatency.WithLabelValues(cmd.String()).Observe(latency.Seconds())
	}
}

func (m *AppMetrics) SessionState(s fountain.SessionState) { m.StateGauge.Set(float64(s)) }

func (m *AppMetrics) QueueDepth(n int) { m.QueueDepthGauge.Set(float64(n)) }

func (m *AppMetrics) Reconnected() { m.Reconnects.Inc() }

func (m *AppMetrics) NotificationReceived(n int) { m.Notifications.Inc() }

func (m *AppMetrics) Written(n int) { m.BytesWritten.Add(float64(n)) }

func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrChecksumMismatch):
		return "checksum"
	case errors.Is(err, protocol.ErrTruncated):
		return "truncated"
	case errors.Is(err, protocol.ErrBadMagic):
		return "bad_magic"
	case errors.Is(err, protocol.ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, protocol.ErrFieldRange):
		return "field_range"
	}
	return "other"
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, fountain.ErrProtocolTimeout):
		return "timeout"
	case errors.Is(err, fountain.ErrRejected):
		return "rejected"
	case errors.Is(err, fountain.ErrDisconnected):
		return "disconnected"
	}
	return "error"
}
