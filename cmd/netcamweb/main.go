// Command netcamweb serves the clip browser and status dashboard from a
// separate process. It reads the clip index directly and polls the worker
// control channels for status; live previews stay with the daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dj-oyu/netcam/internal/clipindex"
	"github.com/dj-oyu/netcam/internal/config"
	"github.com/dj-oyu/netcam/internal/logger"
	"github.com/dj-oyu/netcam/internal/webmonitor"
)

func main() {
	var (
		configPath string
		envFile    string
		addr       string
		poll       time.Duration
		logLevel   string
		logColor   bool
	)
	flag.StringVar(&configPath, "config", "", "Config file (default $XDG_CONFIG_HOME/netcam/config.yaml)")
	flag.StringVar(&envFile, "env", ".env", "Environment file loaded before the config")
	flag.StringVar(&addr, "http", ":8081", "HTTP server address")
	flag.DurationVar(&poll, "poll", 2*time.Second, "Control channel poll interval")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error, silent)")
	flag.BoolVar(&logColor, "log-color", true, "Enable colored log output")
	flag.Parse()

	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, logColor)

	if err := config.LoadEnv(envFile); err != nil {
		log.Fatalf("env: %v", err)
	}
	if configPath == "" {
		if configPath, err = config.DefaultPath(); err != nil {
			log.Fatalf("config path: %v", err)
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	index, err := clipindex.Open(cfg.IndexPath())
	if err != nil {
		log.Fatalf("clip index: %v", err)
	}
	defer index.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cams := newRemoteCameras(cfg, poll)
	go cams.run(ctx)

	webCfg := webmonitor.FromConfig(cfg)
	webCfg.Addr = addr
	server := webmonitor.NewServer(webCfg, cams, index, webmonitor.Options{})
	server.Start(ctx)
	defer server.Close()

	logger.Info("Main", "netcam web listening on %s", addr)
	logger.Info("Main", "Clip index: %s", cfg.IndexPath())
	logger.Info("Main", "Log level: %s", level)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}
