// Package config loads the netcam configuration: a YAML file with
// ${VAR} references resolved from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"image"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/netcam/internal/camera"
)

const appName = "netcam"

// Config is the complete daemon configuration.
type Config struct {
	DataDir  string         `yaml:"data_dir"`
	LogFile  string         `yaml:"log_file"`
	LogLevel string         `yaml:"log_level"`
	Cameras  []CameraConfig `yaml:"cameras"`
	Source   SourceConfig   `yaml:"source"`
	Motion   MotionConfig   `yaml:"motion"`
	Recorder RecorderConfig `yaml:"recorder"`
	Control  ControlConfig  `yaml:"control"`
	HTTP     HTTPConfig     `yaml:"http"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
}

// CameraConfig describes one network camera or local capture device.
type CameraConfig struct {
	Title         string  `yaml:"title"`
	IP            string  `yaml:"ip"`
	Port          int     `yaml:"port"`
	User          string  `yaml:"user"`
	Password      string  `yaml:"password"`
	Stream        string  `yaml:"stream"`         // main, sub
	PreviewStream string  `yaml:"preview_stream"` // stream for the live preview, empty to reuse the recording stream
	Device        *int    `yaml:"device,omitempty"`
	FPS           float64 `yaml:"fps"` // nominal rate written into clips
	ROI           []int   `yaml:"roi"` // x, y, w, h; empty for the whole frame
}

// SourceConfig tunes reconnect behaviour.
type SourceConfig struct {
	EmptyReadCeiling int           `yaml:"empty_read_ceiling"`
	Cooldown         time.Duration `yaml:"cooldown"`
	ProbeBackoff     time.Duration `yaml:"probe_backoff"`
}

// MotionConfig tunes the detector.
type MotionConfig struct {
	WarmUp  int `yaml:"warm_up"`
	MinArea int `yaml:"min_area"`
}

// RecorderConfig shapes the clips.
type RecorderConfig struct {
	Depth    int    `yaml:"depth"`
	PreRoll  int    `yaml:"pre_roll"`
	PostRoll int    `yaml:"post_roll"`
	Prefix   string `yaml:"prefix"`
	Ext      string `yaml:"ext"`
	Codec    string `yaml:"codec"`
}

// ControlConfig places the per-camera control channels.
type ControlConfig struct {
	Host     string `yaml:"host"`
	BasePort int    `yaml:"base_port"`
	Secret   string `yaml:"secret"`
}

// HTTPConfig configures the monitor API.
type HTTPConfig struct {
	Addr           string        `yaml:"addr"`
	StatusInterval time.Duration `yaml:"status_interval"`
	MJPEGInterval  time.Duration `yaml:"mjpeg_interval"`
	STUNServers    []string      `yaml:"stun_servers"`
	MaxClients     int           `yaml:"max_clients"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// MQTTConfig configures clip event publishing. An empty broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// Default returns a configuration with every tunable set.
func Default() Config {
	return Config{
		DataDir:  filepath.Join(xdg.DataHome, appName),
		LogLevel: "info",
		Source: SourceConfig{
			EmptyReadCeiling: camera.DefaultEmptyReadCeiling,
			Cooldown:         camera.DefaultCooldown,
			ProbeBackoff:     camera.DefaultProbeBackoff,
		},
		Motion: MotionConfig{
			WarmUp:  100,
			MinArea: 500,
		},
		Recorder: RecorderConfig{
			Depth:    10,
			PreRoll:  4,
			PostRoll: 4,
			Prefix:   "cam",
			Ext:      "avi",
			Codec:    "MJPG",
		},
		Control: ControlConfig{
			Host:     "127.0.0.1",
			BasePort: 50100,
		},
		HTTP: HTTPConfig{
			Addr:           ":8080",
			StatusInterval: 2 * time.Second,
			MJPEGInterval:  250 * time.Millisecond,
			STUNServers:    []string{"stun:stun.l.google.com:19302"},
			MaxClients:     10,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		MQTT: MQTTConfig{
			ClientID:    appName,
			TopicPrefix: appName,
		},
	}
}

// DefaultPath returns the per-user config file location.
func DefaultPath() (string, error) {
	return xdg.ConfigFile(filepath.Join(appName, "config.yaml"))
}

// LoadEnv loads .env files into the process environment. Missing files are
// ignored; existing variables are not overridden.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults, expanding ${VAR} references first.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate rejects configurations the workers cannot run with.
func (c *Config) Validate() error {
	if len(c.Cameras) == 0 {
		return errors.New("no cameras configured")
	}
	for i, cam := range c.Cameras {
		if cam.IP == "" && cam.Device == nil {
			return fmt.Errorf("camera %d: needs ip or device", i)
		}
		if cam.FPS < 0 {
			return fmt.Errorf("camera %d: fps must be positive", i)
		}
		if _, err := cam.Region(); err != nil {
			return fmt.Errorf("camera %d: %w", i, err)
		}
	}

	r := c.Recorder
	if r.PreRoll < 0 || r.PostRoll < 1 {
		return fmt.Errorf("recorder: pre_roll %d and post_roll %d must be positive", r.PreRoll, r.PostRoll)
	}
	if r.Depth <= r.PreRoll || r.Depth <= r.PostRoll {
		return fmt.Errorf("recorder: depth %d must exceed pre_roll %d and post_roll %d", r.Depth, r.PreRoll, r.PostRoll)
	}
	if c.Source.EmptyReadCeiling <= 0 {
		return errors.New("source: empty_read_ceiling must be positive")
	}
	if c.Source.Cooldown <= 0 {
		return errors.New("source: cooldown must be positive")
	}
	if c.Control.BasePort <= 0 || c.Control.BasePort+len(c.Cameras) > 65535 {
		return fmt.Errorf("control: base_port %d out of range", c.Control.BasePort)
	}
	return nil
}

// ClipDir is where clips and snapshots are written.
func (c *Config) ClipDir() string {
	return filepath.Join(c.DataDir, "clips")
}

// IndexPath is the clip index database.
func (c *Config) IndexPath() string {
	return filepath.Join(c.DataDir, appName+".db")
}

// ControlAddr is the control channel address of camera idx.
func (c *Config) ControlAddr(idx int) string {
	return net.JoinHostPort(c.Control.Host, strconv.Itoa(c.Control.BasePort+idx))
}

// Region returns the ROI as a rectangle; the zero rectangle means the whole frame.
func (cam CameraConfig) Region() (image.Rectangle, error) {
	switch len(cam.ROI) {
	case 0:
		return image.Rectangle{}, nil
	case 4:
	default:
		return image.Rectangle{}, fmt.Errorf("roi needs 4 values (x, y, w, h), got %d", len(cam.ROI))
	}
	x, y, w, h := cam.ROI[0], cam.ROI[1], cam.ROI[2], cam.ROI[3]
	if x < 0 || y < 0 || w <= 0 || h <= 0 {
		return image.Rectangle{}, fmt.Errorf("invalid roi %v", cam.ROI)
	}
	return image.Rect(x, y, x+w, y+h), nil
}

// StreamURL builds the RTSP URL for stream ("main" or "sub").
func (cam CameraConfig) StreamURL(stream string) string {
	if stream == "" {
		stream = "main"
	}
	port := camera.DefaultRTSPPort
	if cam.Port > 0 {
		port = strconv.Itoa(cam.Port)
	}
	u := url.URL{
		Scheme: "rtsp",
		Host:   net.JoinHostPort(cam.IP, port),
		Path:   "/H264/ch1/" + stream + "/av_stream",
	}
	if cam.User != "" {
		u.User = url.UserPassword(cam.User, cam.Password)
	}
	return u.String()
}

// Target is the capture target used for recording.
func (cam CameraConfig) Target() camera.Target {
	if cam.Device != nil {
		return camera.Target{Device: *cam.Device}
	}
	return camera.Target{URL: cam.StreamURL(cam.Stream)}
}

// PreviewTarget is the capture target for the live preview, or false when
// the preview reuses the recording stream.
func (cam CameraConfig) PreviewTarget() (camera.Target, bool) {
	if cam.PreviewStream == "" || cam.Device != nil || cam.PreviewStream == cam.Stream {
		return camera.Target{}, false
	}
	return camera.Target{URL: cam.StreamURL(cam.PreviewStream)}, true
}

// NominalFPS returns the configured clip rate or the default.
func (cam CameraConfig) NominalFPS() float64 {
	if cam.FPS > 0 {
		return cam.FPS
	}
	return 4
}
