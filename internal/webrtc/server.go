// Package webrtc serves the live preview over a WebRTC data channel. Each
// client gets JPEG frames of one camera, split into chunks small enough for
// every browser's SCTP message limit.
package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/netcam/internal/framebuffer"
	"github.com/dj-oyu/netcam/internal/logger"
	"github.com/dj-oyu/netcam/internal/metrics"
	"github.com/dj-oyu/netcam/internal/webmonitor"
	"github.com/dj-oyu/netcam/pkg/types"
)

const (
	// ChunkSize is the largest data channel message carrying frame bytes.
	ChunkSize = 16 * 1024
	// chunk flag bytes, first byte of every message
	chunkMore = 0
	chunkLast = 1

	maxBufferedAmount = 1 << 20
	gatherTimeout     = 5 * time.Second
	channelLabel      = "preview"
)

var (
	// ErrTooManyClients is returned when the client limit is reached.
	ErrTooManyClients = errors.New("webrtc: maximum clients reached")
	// ErrUnknownCamera is returned for offers to a camera that is not running.
	ErrUnknownCamera = errors.New("webrtc: camera not running")
)

// Previews resolves the preview buffer of a camera.
type Previews interface {
	PreviewBuffer(idx int) (*framebuffer.Buffer, bool)
}

// Config tunes the preview stream.
type Config struct {
	STUNServers []string
	MaxClients  int
	Interval    time.Duration // minimum time between two frames
	JPEGQuality int
}

type client struct {
	id     string
	camera int
	pc     *webrtc.PeerConnection
	cancel context.CancelFunc
}

// Server manages WebRTC preview connections.
type Server struct {
	cfg      Config
	previews Previews
	metrics  *metrics.Metrics
	api      *webrtc.API
	rtc      webrtc.Configuration

	mu      sync.Mutex
	clients map[string]*client
}

// NewServer creates a preview server. m may be nil.
func NewServer(cfg Config, previews Previews, m *metrics.Metrics) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(cfg.STUNServers))
	for _, url := range cfg.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 10
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 75
	}
	if m == nil {
		m = metrics.New()
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(2 * time.Second)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	return &Server{
		cfg:      cfg,
		previews: previews,
		metrics:  m,
		api:      webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine)),
		rtc:      webrtc.Configuration{ICEServers: iceServers},
		clients:  make(map[string]*client),
	}
}

// ServeHTTP handles POST /api/webrtc/{idx}/offer with a JSON session
// description and replies with the answer.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(r.PathValue("idx"))
	if err != nil {
		writeError(w, fmt.Errorf("invalid camera index %q", r.PathValue("idx")), http.StatusBadRequest)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&offer); err != nil || offer.SDP == "" {
		writeError(w, errors.New("invalid offer data"), http.StatusBadRequest)
		return
	}

	answer, err := s.HandleOffer(r.Context(), idx, offer)
	switch {
	case errors.Is(err, ErrUnknownCamera):
		writeError(w, err, http.StatusNotFound)
		return
	case errors.Is(err, ErrTooManyClients):
		writeError(w, err, http.StatusServiceUnavailable)
		return
	case err != nil:
		s.metrics.WebRTCErrors.Add(1)
		logger.Warn("WebRTC", "[cam %d] Offer failed: %v", idx, err)
		writeError(w, err, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(answer); err != nil {
		logger.Warn("WebRTC", "Encode answer: %v", err)
	}
}

// HandleOffer creates a peer connection streaming camera idx and returns the
// answer with all ICE candidates gathered.
func (s *Server) HandleOffer(ctx context.Context, idx int, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	buf, ok := s.previews.PreviewBuffer(idx)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCamera, idx)
	}
	if s.ClientCount() >= s.cfg.MaxClients {
		return nil, fmt.Errorf("%w (%d)", ErrTooManyClients, s.cfg.MaxClients)
	}

	pc, err := s.api.NewPeerConnection(s.rtc)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	ordered := false
	maxRetransmits := uint16(0)
	dc, err := pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	c := &client{id: uuid.NewString(), camera: idx, pc: pc, cancel: cancel}

	dc.OnOpen(func() {
		logger.Info("WebRTC", "[cam %d] Client %s data channel open", idx, c.id)
		go s.sendFrames(streamCtx, c, dc, buf)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", c.id, state)
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			s.RemoveClient(c.id)
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		cancel()
		pc.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		cancel()
		pc.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		cancel()
		pc.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(gatherTimeout):
		logger.Warn("WebRTC", "Client %s ICE gathering timed out, answering with partial candidates", c.id)
	case <-ctx.Done():
		cancel()
		pc.Close()
		return nil, ctx.Err()
	}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.metrics.WebRTCClients.Add(1)
	logger.Info("WebRTC", "[cam %d] Client %s connected", idx, c.id)

	local := pc.LocalDescription()
	if local == nil {
		s.RemoveClient(c.id)
		return nil, errors.New("no local description available")
	}
	return local, nil
}

func (s *Server) sendFrames(ctx context.Context, c *client, dc *webrtc.DataChannel, buf *framebuffer.Buffer) {
	reader := buf.Subscribe()
	for {
		snap, err := reader.Next(ctx)
		if err != nil {
			return
		}

		if dc.BufferedAmount() > maxBufferedAmount {
			s.metrics.WebRTCFramesDropped.Add(1)
		} else if err := s.sendFrame(dc, snap.Frame); err != nil {
			s.metrics.WebRTCErrors.Add(1)
			logger.Debug("WebRTC", "Client %s send: %v", c.id, err)
			s.RemoveClient(c.id)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.Interval):
		}
	}
}

func (s *Server) sendFrame(dc *webrtc.DataChannel, frame *types.Frame) error {
	data, err := webmonitor.EncodeJPEG(frame, s.cfg.JPEGQuality)
	if err != nil {
		// a bad frame is not the client's fault
		logger.Warn("WebRTC", "Encode frame %d: %v", frame.Sequence, err)
		return nil
	}
	for _, msg := range Chunks(data, ChunkSize) {
		if err := dc.Send(msg); err != nil {
			return err
		}
	}
	s.metrics.WebRTCFramesSent.Add(1)
	return nil
}

// RemoveClient closes and forgets a client.
func (s *Server) RemoveClient(id string) {
	s.mu.Lock()
	c, ok := s.clients[id]
	delete(s.clients, id)
	s.mu.Unlock()
	if !ok {
		return
	}

	c.cancel()
	if err := c.pc.Close(); err != nil {
		logger.Debug("WebRTC", "Client %s close: %v", id, err)
	}
	s.metrics.WebRTCClients.Add(-1)
	logger.Info("WebRTC", "[cam %d] Client %s disconnected", c.camera, id)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every client.
func (s *Server) Close() error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}

// Chunks splits one encoded frame into data channel messages. Every message
// starts with a flag byte; the last one of a frame is flagged chunkLast.
func Chunks(data []byte, size int) [][]byte {
	if size <= 1 {
		size = ChunkSize
	}
	payload := size - 1
	var out [][]byte
	for len(data) > payload {
		msg := make([]byte, 0, size)
		msg = append(msg, chunkMore)
		msg = append(msg, data[:payload]...)
		out = append(out, msg)
		data = data[payload:]
	}
	msg := make([]byte, 0, len(data)+1)
	msg = append(msg, chunkLast)
	msg = append(msg, data...)
	return append(out, msg)
}

func writeError(w http.ResponseWriter, err error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": err.Error()})
}
