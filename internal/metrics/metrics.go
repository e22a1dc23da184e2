package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CameraStats is what one worker reports on every scrape.
type CameraStats struct {
	FramesDecoded     uint64
	FramesSkipped     uint64
	Reconnects        uint64
	ProbeFailures     uint64
	EstimatedFPS      float64
	ConnectionProblem bool
	Recording         bool
	ClipsRecorded     uint64
	ClipsDiscarded    uint64
	FramesWritten     uint64
	WriteErrors       uint64
	SnapshotErrors    uint64
	LastQuality       float64
}

// StatsSource is implemented by the supervisor's workers.
type StatsSource interface {
	MetricsSnapshot() CameraStats
}

// Metrics holds the process-wide counters and the Prometheus registry.
type Metrics struct {
	// Preview counters
	MJPEGClients        atomic.Int64
	MJPEGFramesSent     atomic.Uint64
	WebRTCClients       atomic.Int64
	WebRTCFramesSent    atomic.Uint64
	WebRTCFramesDropped atomic.Uint64
	WebRTCErrors        atomic.Uint64

	// Status stream subscribers (SSE and websocket)
	StatusSubscribers atomic.Int64

	// MQTT clip events
	EventsPublished atomic.Uint64
	EventErrors     atomic.Uint64

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		fn,
	))
}

// registerPrometheusMetrics registers the process-wide gauges
func (m *Metrics) registerPrometheusMetrics() {
	m.gauge("netcam_mjpeg_clients", "Connected MJPEG preview clients",
		func() float64 { return float64(m.MJPEGClients.Load()) })
	m.gauge("netcam_mjpeg_frames_sent_total", "Frames sent to MJPEG preview clients",
		func() float64 { return float64(m.MJPEGFramesSent.Load()) })
	m.gauge("netcam_webrtc_clients", "Connected WebRTC preview clients",
		func() float64 { return float64(m.WebRTCClients.Load()) })
	m.gauge("netcam_webrtc_frames_sent_total", "Frames sent over WebRTC data channels",
		func() float64 { return float64(m.WebRTCFramesSent.Load()) })
	m.gauge("netcam_webrtc_frames_dropped_total", "WebRTC frames dropped on full client buffers",
		func() float64 { return float64(m.WebRTCFramesDropped.Load()) })
	m.gauge("netcam_webrtc_errors_total", "WebRTC errors",
		func() float64 { return float64(m.WebRTCErrors.Load()) })
	m.gauge("netcam_status_subscribers", "Live status stream subscribers",
		func() float64 { return float64(m.StatusSubscribers.Load()) })
	m.gauge("netcam_events_published_total", "Clip events published to MQTT",
		func() float64 { return float64(m.EventsPublished.Load()) })
	m.gauge("netcam_event_errors_total", "Clip events that failed to publish",
		func() float64 { return float64(m.EventErrors.Load()) })
}

// RegisterCamera adds the per-camera gauges, labelled with the camera index.
func (m *Metrics) RegisterCamera(idx int, src StatsSource) {
	labels := prometheus.Labels{"camera": strconv.Itoa(idx)}
	reg := func(name, help string, value func(CameraStats) float64) {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: labels},
			func() float64 { return value(src.MetricsSnapshot()) },
		))
	}

	reg("netcam_frames_decoded_total", "Frames decoded from the camera",
		func(s CameraStats) float64 { return float64(s.FramesDecoded) })
	reg("netcam_frames_skipped_total", "Empty reads from the camera",
		func(s CameraStats) float64 { return float64(s.FramesSkipped) })
	reg("netcam_reconnects_total", "Capture session reconnects",
		func(s CameraStats) float64 { return float64(s.Reconnects) })
	reg("netcam_probe_failures_total", "Failed reachability probes",
		func(s CameraStats) float64 { return float64(s.ProbeFailures) })
	reg("netcam_estimated_fps", "Smoothed decode rate",
		func(s CameraStats) float64 { return s.EstimatedFPS })
	reg("netcam_connection_problem", "Empty-read ceiling reached (0/1)",
		func(s CameraStats) float64 { return boolGauge(s.ConnectionProblem) })
	reg("netcam_recording_active", "Clip file open (0/1)",
		func(s CameraStats) float64 { return boolGauge(s.Recording) })
	reg("netcam_clips_recorded_total", "Clips closed and indexed",
		func(s CameraStats) float64 { return float64(s.ClipsRecorded) })
	reg("netcam_clips_discarded_total", "Clips closed but not indexed",
		func(s CameraStats) float64 { return float64(s.ClipsDiscarded) })
	reg("netcam_clip_frames_written_total", "Frames written to clip files",
		func(s CameraStats) float64 { return float64(s.FramesWritten) })
	reg("netcam_clip_write_errors_total", "Clip write and close errors",
		func(s CameraStats) float64 { return float64(s.WriteErrors) })
	reg("netcam_snapshot_errors_total", "Snapshot write errors",
		func(s CameraStats) float64 { return float64(s.SnapshotErrors) })
	reg("netcam_last_clip_quality_percent", "Quality of the last indexed clip",
		func(s CameraStats) float64 { return s.LastQuality })
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer returns the metrics HTTP server for addr.
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
