// Package webmonitor serves the browsing and live preview API: clip lists
// from the index, worker status as JSON, SSE and websocket, and a low-rate
// MJPEG preview per camera.
package webmonitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/netcam/internal/clipindex"
	"github.com/dj-oyu/netcam/internal/logger"
	"github.com/dj-oyu/netcam/internal/metrics"
	"github.com/dj-oyu/netcam/pkg/types"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
)

// Options carries the optional collaborators of the server.
type Options struct {
	Metrics *metrics.Metrics
	WebRTC  http.Handler // mounted at POST /api/webrtc/{idx}/offer
}

// Server serves the monitor endpoints.
type Server struct {
	cfg      Config
	cams     Cameras
	clips    ClipStore
	metrics  *metrics.Metrics
	webrtc   http.Handler
	events   *EventBroadcaster
	upgrader websocket.Upgrader

	mu      sync.Mutex
	ctx     context.Context
	started bool
	frames  map[int]*FrameBroadcaster
}

// NewServer returns a configured monitor server. Call Start before serving.
func NewServer(cfg Config, cams Cameras, clips ClipStore, opts Options) *Server {
	cfg.applyDefaults()
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Server{
		cfg:     cfg,
		cams:    cams,
		clips:   clips,
		metrics: opts.Metrics,
		webrtc:  opts.WebRTC,
		events:  NewEventBroadcaster(cams, cfg.StatusInterval),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:    context.Background(),
		frames: make(map[int]*FrameBroadcaster),
	}
}

// Start launches the status broadcaster. Frame broadcasters start lazily on
// the first preview client and are bound to ctx.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.ctx = ctx
	s.events.Start()
}

// Close stops every broadcaster and disconnects streaming clients.
func (s *Server) Close() {
	s.events.Stop()

	s.mu.Lock()
	frames := s.frames
	s.frames = make(map[int]*FrameBroadcaster)
	s.mu.Unlock()
	for _, fb := range frames {
		fb.Stop()
	}
}

// PublishClip forwards a committed clip to the status stream clients.
func (s *Server) PublishClip(rec types.ClipRecord) {
	s.events.PublishClip(rec)
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/clips/days", s.handleClipDays)
	mux.HandleFunc("GET /api/clips", s.handleClips)
	mux.HandleFunc("GET /api/clips/{ts}", s.handleClip)
	mux.HandleFunc("GET /api/clips/{ts}/previous", s.handleClipNeighbour(false))
	mux.HandleFunc("GET /api/clips/{ts}/next", s.handleClipNeighbour(true))
	if s.cfg.ClipDir != "" {
		mux.Handle("GET /clips/{file}", newClipFileHandler(s.cfg.ClipDir))
	}

	mux.HandleFunc("GET /api/cameras", s.handleCameras)
	mux.HandleFunc("GET /api/cameras/{idx}/status", s.handleCameraStatus)
	mux.HandleFunc("GET /api/status/stream", s.handleStatusStream)
	mux.HandleFunc("GET /api/status/ws", s.handleStatusWS)
	mux.HandleFunc("GET /stream/{idx}", s.handleStream)
	if s.webrtc != nil {
		mux.Handle("POST /api/webrtc/{idx}/offer", s.webrtc)
	}

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":  "ok",
		"cameras": len(s.cams.Statuses()),
	})
}

func (s *Server) handleClipDays(w http.ResponseWriter, r *http.Request) {
	days, err := s.clips.ListByDay()
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	if days == nil {
		days = []types.DayCount{}
	}
	writeJSON(w, days)
}

func (s *Server) handleClips(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		recs []types.ClipRecord
		err  error
	)
	switch {
	case q.Get("from") != "" || q.Get("to") != "":
		from, to, perr := parseWindow(q.Get("from"), q.Get("to"))
		if perr != nil {
			writeError(w, perr, http.StatusBadRequest)
			return
		}
		recs, err = s.clips.ListWindow(from, to)
	default:
		day := q.Get("day")
		if day == "" {
			day = time.Now().Format("20060102")
		}
		if _, perr := time.Parse("20060102", day); perr != nil {
			writeError(w, fmt.Errorf("invalid day %q", day), http.StatusBadRequest)
			return
		}
		recs, err = s.clips.ListForDay(day)
	}
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []types.ClipRecord{}
	}
	writeJSON(w, recs)
}

func parseWindow(fromStr, toStr string) (time.Time, time.Time, error) {
	to := time.Now()
	if toStr != "" {
		t, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to: %w", err)
		}
		to = t
	}
	from := to.Add(-24 * time.Hour)
	if fromStr != "" {
		t, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from: %w", err)
		}
		from = t
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must be before to")
	}
	return from, to, nil
}

func (s *Server) handleClip(w http.ResponseWriter, r *http.Request) {
	ts, err := clipindex.ParseTimestamp(r.PathValue("ts"))
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	rec, err := s.clips.Get(ts)
	if errors.Is(err, clipindex.ErrNotFound) {
		writeError(w, err, http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, rec)
}

func (s *Server) handleClipNeighbour(next bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ts, err := clipindex.ParseTimestamp(r.PathValue("ts"))
		if err != nil {
			writeError(w, err, http.StatusBadRequest)
			return
		}
		lookup := s.clips.Previous
		if next {
			lookup = s.clips.Next
		}
		got, err := lookup(ts)
		if err != nil {
			writeError(w, err, http.StatusInternalServerError)
			return
		}
		writeJSON(w, Neighbour{
			From:      ts.Format(clipindex.TimestampLayout),
			Timestamp: got.In(time.Local).Format(clipindex.TimestampLayout),
			Found:     !got.Equal(ts),
		})
	}
}

func (s *Server) handleCameras(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.cams.Statuses())
}

func (s *Server) handleCameraStatus(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(r.PathValue("idx"))
	if err != nil {
		writeError(w, fmt.Errorf("invalid camera index %q", r.PathValue("idx")), http.StatusBadRequest)
		return
	}
	st, ok := s.cams.CameraStatus(idx)
	if !ok {
		writeError(w, fmt.Errorf("camera %d not running", idx), http.StatusNotFound)
		return
	}
	writeJSON(w, st)
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.events.Subscribe()
	defer s.events.Unsubscribe(id)
	s.metrics.StatusSubscribers.Add(1)
	defer s.metrics.StatusSubscribers.Add(-1)

	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	streamEventsFromChannel(w, r, eventCh, useProtobuf)
}

func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket", "Upgrade error: %v", err)
		return
	}
	defer ws.Close()

	id, eventCh := s.events.Subscribe()
	defer s.events.Unsubscribe(id)
	s.metrics.StatusSubscribers.Add(1)
	defer s.metrics.StatusSubscribers.Add(-1)
	logger.Debug("WebSocket", "Client %s connected", r.RemoteAddr)

	// the read side only exists to notice the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug("WebSocket", "Read error: %v", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-eventCh:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, ev.JSONData); err != nil {
				logger.Debug("WebSocket", "Write error: %v", err)
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(r.PathValue("idx"))
	if err != nil {
		writeError(w, fmt.Errorf("invalid camera index %q", r.PathValue("idx")), http.StatusBadRequest)
		return
	}
	fb, ok := s.frameBroadcaster(idx)
	if !ok {
		writeError(w, fmt.Errorf("camera %d not running", idx), http.StatusNotFound)
		return
	}
	if fb.Clients() >= s.cfg.MaxClients {
		writeError(w, fmt.Errorf("camera %d: too many preview clients", idx), http.StatusServiceUnavailable)
		return
	}

	blank, err := blankJPEG(idx)
	if err != nil {
		http.Error(w, "Failed to render frame", http.StatusInternalServerError)
		return
	}

	id, frameCh := fb.Subscribe()
	defer fb.Unsubscribe(id)
	s.metrics.MJPEGClients.Add(1)
	defer s.metrics.MJPEGClients.Add(-1)

	streamMJPEGFromChannel(w, r, frameCh, blank, func() { s.metrics.MJPEGFramesSent.Add(1) })
}

func (s *Server) frameBroadcaster(idx int) (*FrameBroadcaster, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fb, ok := s.frames[idx]; ok {
		return fb, true
	}
	buf, ok := s.cams.PreviewBuffer(idx)
	if !ok {
		return nil, false
	}
	fb := NewFrameBroadcaster(idx, buf, s.cfg.MJPEGInterval, s.cfg.JPEGQuality)
	fb.Start(s.ctx)
	s.frames[idx] = fb
	return fb, true
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeError(w http.ResponseWriter, err error, status int) {
	writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("HTTP", "Encode response: %v", err)
	}
}
