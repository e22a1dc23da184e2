package webmonitor

import (
	"time"

	"github.com/dj-oyu/netcam/internal/config"
)

// Config defines the runtime configuration for the monitor server.
type Config struct {
	Addr           string
	ClipDir        string // served under /clips/ when set
	StatusInterval time.Duration
	MJPEGInterval  time.Duration
	JPEGQuality    int
	MaxClients     int // MJPEG clients per camera
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		StatusInterval: 2 * time.Second,
		MJPEGInterval:  250 * time.Millisecond,
		JPEGQuality:    75,
		MaxClients:     10,
	}
}

// FromConfig maps the http section of the netcam configuration.
func FromConfig(cfg *config.Config) Config {
	c := DefaultConfig()
	c.ClipDir = cfg.ClipDir()
	if cfg.HTTP.Addr != "" {
		c.Addr = cfg.HTTP.Addr
	}
	if cfg.HTTP.StatusInterval > 0 {
		c.StatusInterval = cfg.HTTP.StatusInterval
	}
	if cfg.HTTP.MJPEGInterval > 0 {
		c.MJPEGInterval = cfg.HTTP.MJPEGInterval
	}
	if cfg.HTTP.MaxClients > 0 {
		c.MaxClients = cfg.HTTP.MaxClients
	}
	return c
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.StatusInterval <= 0 {
		c.StatusInterval = d.StatusInterval
	}
	if c.MJPEGInterval <= 0 {
		c.MJPEGInterval = d.MJPEGInterval
	}
	if c.JPEGQuality <= 0 {
		c.JPEGQuality = d.JPEGQuality
	}
	if c.MaxClients <= 0 {
		c.MaxClients = d.MaxClients
	}
}
