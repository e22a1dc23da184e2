// Command netcam records motion-triggered clips from one or more cameras and
// serves the clip index, status and live preview over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dj-oyu/netcam/internal/clip"
	"github.com/dj-oyu/netcam/internal/clipindex"
	"github.com/dj-oyu/netcam/internal/config"
	"github.com/dj-oyu/netcam/internal/events"
	"github.com/dj-oyu/netcam/internal/logger"
	"github.com/dj-oyu/netcam/internal/metrics"
	"github.com/dj-oyu/netcam/internal/motion"
	"github.com/dj-oyu/netcam/internal/supervisor"
	"github.com/dj-oyu/netcam/internal/vision"
	"github.com/dj-oyu/netcam/internal/webmonitor"
	"github.com/dj-oyu/netcam/internal/webrtc"
	"github.com/dj-oyu/netcam/pkg/types"
)

var (
	configPath  = flag.String("config", "", "Config file (default $XDG_CONFIG_HOME/netcam/config.yaml)")
	envFile     = flag.String("env", ".env", "Environment file loaded before the config")
	cameraList  = flag.String("camera", "", "Comma-separated camera indexes to run (default all)")
	httpAddr    = flag.String("http", "", "HTTP server address (overrides config)")
	metricsAddr = flag.String("metrics", "", "Metrics server address (overrides config)")
	pprofAddr   = flag.String("pprof", "", "pprof server address (disabled when empty)")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error, critical, silent)")
	logFile     = flag.String("log-file", "", "Also append logs to this file")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
)

const shutdownTimeout = 5 * time.Second

// Daemon wires the workers to the index, the HTTP surfaces and MQTT.
type Daemon struct {
	cfg           *config.Config
	index         *clipindex.Index
	sup           *supervisor.Supervisor
	metrics       *metrics.Metrics
	web           *webmonitor.Server
	rtc           *webrtc.Server
	emitter       *events.MQTTEmitter
	httpServer    *http.Server
	metricsServer *http.Server
}

func main() {
	flag.Parse()

	if err := config.LoadEnv(*envFile); err != nil {
		log.Fatalf("Failed to load environment: %v", err)
	}
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("%v", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	output, closeLog, err := logger.OpenOutput(cfg.LogFile)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer closeLog()
	logger.Init(level, output, *logColor)

	cameras, err := parseCameras(*cameraList)
	if err != nil {
		log.Fatalf("Invalid -camera: %v", err)
	}

	logger.Info("Main", "netcam starting (%d camera(s) configured)", len(cfg.Cameras))
	logger.Info("Main", "Log level: %s", level)
	logger.Info("Main", "Data directory: %s", cfg.DataDir)

	d, err := NewDaemon(cfg, cameras)
	if err != nil {
		log.Fatalf("Failed to create daemon: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	select {
	case <-ctx.Done():
		logger.Info("Main", "Signal received, shutting down")
	case <-d.sup.Done():
		logger.Info("Main", "All workers terminated, shutting down")
	}

	d.Shutdown()
	logger.Info("Main", "netcam stopped")
}

func loadConfig() (*config.Config, error) {
	path := *configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if *httpAddr != "" {
		cfg.HTTP.Addr = *httpAddr
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFile != "" {
		cfg.LogFile = *logFile
	}
	return cfg, nil
}

// parseCameras parses "0,2" into camera indexes. Empty means all.
func parseCameras(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		idx, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("bad camera index %q", part)
		}
		out = append(out, idx)
	}
	return out, nil
}

// NewDaemon opens the index and builds every component. Nothing runs yet.
func NewDaemon(cfg *config.Config, cameras []int) (*Daemon, error) {
	if err := os.MkdirAll(cfg.ClipDir(), 0755); err != nil {
		return nil, fmt.Errorf("create clip directory: %w", err)
	}
	index, err := clipindex.Open(cfg.IndexPath())
	if err != nil {
		return nil, err
	}

	sup, err := supervisor.New(cfg, index, supervisor.Capabilities{
		Opener:       vision.CaptureOpener{},
		NewSegmenter: func() motion.Segmenter { return vision.NewMOG2Segmenter() },
		Sinks:        vision.VideoSinkFactory{Codec: cfg.Recorder.Codec},
		Snapshots:    clip.JPEGWriter{Quality: 90},
	}, supervisor.Options{Cameras: cameras})
	if err != nil {
		index.Close()
		return nil, err
	}

	m := metrics.New()
	for _, w := range sup.Workers() {
		m.RegisterCamera(w.Index, w)
	}

	rtc := webrtc.NewServer(webrtc.Config{
		STUNServers: cfg.HTTP.STUNServers,
		MaxClients:  cfg.HTTP.MaxClients,
		Interval:    cfg.HTTP.MJPEGInterval,
	}, sup, m)
	web := webmonitor.NewServer(webmonitor.FromConfig(cfg), sup, index, webmonitor.Options{
		Metrics: m,
		WebRTC:  rtc,
	})

	d := &Daemon{
		cfg:     cfg,
		index:   index,
		sup:     sup,
		metrics: m,
		web:     web,
		rtc:     rtc,
		httpServer: &http.Server{
			Addr:    cfg.HTTP.Addr,
			Handler: web.Handler(),
		},
	}
	if cfg.Metrics.Addr != "" {
		d.metricsServer = m.NewServer(cfg.Metrics.Addr)
	}
	if cfg.MQTT.Broker != "" {
		d.emitter = events.NewMQTTEmitter(cfg.MQTT)
	}

	sup.OnCommit(d.clipCommitted)
	sup.OnWorkerStopped(func(w *supervisor.Worker) {
		d.publishState(w, "stopped")
	})
	return d, nil
}

// Start runs the workers and the servers.
func (d *Daemon) Start(ctx context.Context) error {
	if d.emitter != nil {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := d.emitter.Connect(connectCtx); err != nil {
			logger.Warn("Main", "MQTT broker %s unavailable, events disabled until it connects: %v", d.cfg.MQTT.Broker, err)
		}
		cancel()
	}

	if err := d.sup.Start(ctx); err != nil {
		return err
	}
	for _, w := range d.sup.Workers() {
		logger.Info("Main", "[cam %d] %s control channel on %s", w.Index, w.Title, w.Control.Addr())
		d.publishState(w, "started")
	}

	d.web.Start(ctx)
	serve("HTTP", d.httpServer)
	if d.metricsServer != nil {
		serve("Metrics", d.metricsServer)
	}
	if *pprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}
	return nil
}

func serve(name string, srv *http.Server) {
	go func() {
		logger.Info("Main", "Starting %s server on %s", name, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "%s server error: %v", name, err)
		}
	}()
}

// Shutdown stops the servers, then the workers, then closes the index.
func (d *Daemon) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	d.rtc.Close()
	d.web.Close()
	if err := d.httpServer.Shutdown(ctx); err != nil {
		logger.Warn("Main", "HTTP shutdown: %v", err)
	}
	if d.metricsServer != nil {
		if err := d.metricsServer.Shutdown(ctx); err != nil {
			logger.Warn("Main", "Metrics shutdown: %v", err)
		}
	}

	d.sup.Shutdown()

	if d.emitter != nil {
		d.emitter.Disconnect()
	}
	if err := d.index.Close(); err != nil {
		logger.Warn("Main", "Index close: %v", err)
	}
}

func (d *Daemon) clipCommitted(rec types.ClipRecord) {
	d.web.PublishClip(rec)
	if d.emitter == nil {
		return
	}
	if err := d.emitter.PublishClip(rec); err != nil {
		d.metrics.EventErrors.Add(1)
		logger.Warn("Main", "[cam %d] MQTT clip event: %v", rec.CameraIndex, err)
		return
	}
	d.metrics.EventsPublished.Add(1)
}

func (d *Daemon) publishState(w *supervisor.Worker, state string) {
	if d.emitter == nil {
		return
	}
	err := d.emitter.PublishState(events.StateEvent{
		CameraIndex: w.Index,
		WorkerID:    w.ID.String(),
		State:       state,
		At:          time.Now(),
	})
	if err != nil {
		d.metrics.EventErrors.Add(1)
		logger.Warn("Main", "[cam %d] MQTT state event: %v", w.Index, err)
		return
	}
	d.metrics.EventsPublished.Add(1)
}
