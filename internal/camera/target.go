package camera

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"time"
)

const (
	// DefaultRTSPPort is probed when the stream URL has no port.
	DefaultRTSPPort = "554"
	probeTimeout    = 2 * time.Second
)

// Target is either a network stream URL or a local capture device index.
type Target struct {
	URL    string
	Device int
}

// Local reports whether the target is a local device.
func (t Target) Local() bool {
	return t.URL == ""
}

// String renders the target with credentials removed.
func (t Target) String() string {
	if t.Local() {
		return "device " + strconv.Itoa(t.Device)
	}
	u, err := url.Parse(t.URL)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}

// Address returns host:port of a network target.
func (t Target) Address() (string, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return "", err
	}
	port := u.Port()
	if port == "" {
		port = DefaultRTSPPort
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// TCPProber probes a network target with a TCP connect to its stream port.
type TCPProber struct {
	Timeout time.Duration
}

// Probe implements Prober.
func (p TCPProber) Probe(ctx context.Context, t Target) bool {
	if t.Local() {
		return true
	}
	addr, err := t.Address()
	if err != nil {
		return false
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = probeTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
