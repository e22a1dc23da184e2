package webmonitor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image/jpeg"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/netcam/internal/framebuffer"
	"github.com/dj-oyu/netcam/internal/logger"
	"github.com/dj-oyu/netcam/pkg/types"
)

// EncodeJPEG compresses one frame for the preview endpoints.
func EncodeJPEG(frame *types.Frame, quality int) ([]byte, error) {
	if frame.Empty() {
		return nil, errors.New("empty frame")
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FrameBroadcaster encodes the preview frames of one camera and fans them
// out to MJPEG clients. Nothing is encoded while no client is connected.
type FrameBroadcaster struct {
	idx      int
	buf      *framebuffer.Buffer
	interval time.Duration
	quality  int

	mu      sync.Mutex
	clients map[int]chan []byte
	nextID  int
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewFrameBroadcaster creates a broadcaster reading buf at most once per interval.
func NewFrameBroadcaster(idx int, buf *framebuffer.Buffer, interval time.Duration, quality int) *FrameBroadcaster {
	return &FrameBroadcaster{
		idx:      idx,
		buf:      buf,
		interval: interval,
		quality:  quality,
		clients:  make(map[int]chan []byte),
		done:     make(chan struct{}),
	}
}

// Clients returns the number of subscribed clients.
func (fb *FrameBroadcaster) Clients() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.clients)
}

// Subscribe adds a new client and returns a channel for receiving frames.
// The channel is closed on Unsubscribe or Stop.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 2)
	fb.clients[id] = ch

	logger.Debug("FrameBroadcaster", "[cam %d] Client #%d subscribed (total clients: %d)", fb.idx, id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[id]; ok {
		close(ch)
		delete(fb.clients, id)
		logger.Debug("FrameBroadcaster", "[cam %d] Client #%d unsubscribed (remaining clients: %d)", fb.idx, id, len(fb.clients))
	}
}

// Start begins the encode and broadcast loop.
func (fb *FrameBroadcaster) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	fb.mu.Lock()
	fb.cancel = cancel
	fb.mu.Unlock()
	go fb.run(ctx)
}

// Stop halts the loop and disconnects every client.
func (fb *FrameBroadcaster) Stop() {
	fb.mu.Lock()
	cancel := fb.cancel
	fb.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-fb.done

	fb.mu.Lock()
	for id, ch := range fb.clients {
		close(ch)
		delete(fb.clients, id)
	}
	fb.mu.Unlock()
}

func (fb *FrameBroadcaster) run(ctx context.Context) {
	defer close(fb.done)

	reader := fb.buf.Subscribe()
	for ctx.Err() == nil {
		if fb.Clients() == 0 {
			sleepCtx(ctx, 100*time.Millisecond)
			continue
		}

		snap, err := reader.Next(ctx)
		if err != nil {
			if !errors.Is(err, framebuffer.ErrClosed) && ctx.Err() == nil {
				logger.Warn("FrameBroadcaster", "[cam %d] Read frame: %v", fb.idx, err)
			}
			return
		}

		data, err := EncodeJPEG(snap.Frame, fb.quality)
		if err != nil {
			logger.Warn("FrameBroadcaster", "[cam %d] Encode frame %d: %v", fb.idx, snap.Sequence, err)
			continue
		}
		fb.broadcast(data)
		sleepCtx(ctx, fb.interval)
	}
}

func (fb *FrameBroadcaster) broadcast(data []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	for _, ch := range fb.clients {
		select {
		case ch <- data:
		default:
			// client too slow, it gets the next one
		}
	}
}

// SerializedEvent holds one event in both wire formats.
type SerializedEvent struct {
	JSONData     []byte
	ProtobufData []byte // base64 of a google.protobuf.Struct
}

// serializeEvent encodes ev once for every subscriber. The protobuf form is
// the JSON object carried as a structpb.Struct.
func serializeEvent(ev Event) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	st := &structpb.Struct{}
	if err := st.UnmarshalJSON(jsonData); err != nil {
		return nil, err
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, err
	}
	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// EventBroadcaster pushes periodic camera status and committed clips to
// SSE and websocket clients.
type EventBroadcaster struct {
	cams     Cameras
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	stop    chan struct{}
	stopped bool
}

// NewEventBroadcaster creates a broadcaster emitting a status event every interval.
func NewEventBroadcaster(cams Cameras, interval time.Duration) *EventBroadcaster {
	return &EventBroadcaster{
		cams:     cams,
		interval: interval,
		now:      time.Now,
		clients:  make(map[int]chan *SerializedEvent),
		stop:     make(chan struct{}),
	}
}

// Subscribe adds a new client. The current status is queued immediately.
func (eb *EventBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	ch := make(chan *SerializedEvent, 8)
	if ev := eb.statusEvent(); ev != nil {
		ch <- ev
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.stopped {
		close(ch)
		return id, ch
	}
	eb.clients[id] = ch
	logger.Debug("EventBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(eb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (eb *EventBroadcaster) Unsubscribe(id int) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if ch, ok := eb.clients[id]; ok {
		close(ch)
		delete(eb.clients, id)
		logger.Debug("EventBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(eb.clients))
	}
}

// Start begins the status ticker.
func (eb *EventBroadcaster) Start() {
	go eb.run()
}

// Stop halts the ticker and disconnects every client.
func (eb *EventBroadcaster) Stop() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.stopped {
		return
	}
	eb.stopped = true
	close(eb.stop)
	for id, ch := range eb.clients {
		close(ch)
		delete(eb.clients, id)
	}
}

// PublishClip pushes a committed clip to every client.
func (eb *EventBroadcaster) PublishClip(rec types.ClipRecord) {
	ev, err := serializeEvent(Event{Type: EventClip, Clip: &rec, Timestamp: eb.timestamp()})
	if err != nil {
		logger.Error("EventBroadcaster", "Serialize clip event: %v", err)
		return
	}
	eb.broadcast(ev)
}

func (eb *EventBroadcaster) run() {
	logger.Info("EventBroadcaster", "Starting status event broadcaster (interval=%v)", eb.interval)
	ticker := time.NewTicker(eb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-eb.stop:
			return
		case <-ticker.C:
			eb.mu.Lock()
			clientCount := len(eb.clients)
			eb.mu.Unlock()
			if clientCount == 0 {
				continue
			}
			if ev := eb.statusEvent(); ev != nil {
				eb.broadcast(ev)
			}
		}
	}
}

func (eb *EventBroadcaster) statusEvent() *SerializedEvent {
	ev, err := serializeEvent(Event{Type: EventStatus, Cameras: eb.cams.Statuses(), Timestamp: eb.timestamp()})
	if err != nil {
		logger.Error("EventBroadcaster", "Serialize status event: %v", err)
		return nil
	}
	return ev
}

func (eb *EventBroadcaster) timestamp() float64 {
	return float64(eb.now().UnixMilli()) / 1000
}

func (eb *EventBroadcaster) broadcast(ev *SerializedEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for _, ch := range eb.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
