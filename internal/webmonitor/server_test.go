package webmonitor

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/netcam/internal/clipindex"
	"github.com/dj-oyu/netcam/internal/control"
	"github.com/dj-oyu/netcam/internal/framebuffer"
	"github.com/dj-oyu/netcam/internal/metrics"
	"github.com/dj-oyu/netcam/pkg/types"
)

type fakeCameras struct {
	mu      sync.Mutex
	buffers map[int]*framebuffer.Buffer
}

func (c *fakeCameras) Statuses() []control.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []control.Status
	for idx := 0; idx < 8; idx++ {
		if _, ok := c.buffers[idx]; ok {
			out = append(out, control.Status{CameraIndex: idx, Title: "cam" + strconv.Itoa(idx), RecordingState: "idle"})
		}
	}
	return out
}

func (c *fakeCameras) CameraStatus(idx int) (control.Status, bool) {
	for _, st := range c.Statuses() {
		if st.CameraIndex == idx {
			return st, true
		}
	}
	return control.Status{}, false
}

func (c *fakeCameras) PreviewBuffer(idx int) (*framebuffer.Buffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buffers[idx]
	return b, ok
}

type fixture struct {
	srv   *Server
	ts    *httptest.Server
	index *clipindex.Index
	cams  *fakeCameras
	dir   string
	m     *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	index, err := clipindex.Open(filepath.Join(dir, "netcam.db"))
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	cams := &fakeCameras{buffers: map[int]*framebuffer.Buffer{0: framebuffer.New(), 2: framebuffer.New()}}
	m := metrics.New()

	cfg := DefaultConfig()
	cfg.ClipDir = dir
	cfg.StatusInterval = time.Hour
	cfg.MJPEGInterval = 10 * time.Millisecond
	cfg.MaxClients = 1

	srv := NewServer(cfg, cams, index, Options{Metrics: m})
	srv.Start(context.Background())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, ts: ts, index: index, cams: cams, dir: dir, m: m}
}

func (f *fixture) getJSON(t *testing.T, path string, wantStatus int, out any) {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode, path)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
}

func clipAt(t time.Time, cam int) types.ClipRecord {
	return types.ClipRecord{
		Filename:    "cam" + strconv.Itoa(cam) + "." + t.Format("20060102_150405") + "_000.avi",
		CameraIndex: cam,
		Timestamp:   t,
		Quality:     100,
		FrameCount:  12,
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	var body map[string]any
	f.getJSON(t, "/health", http.StatusOK, &body)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 2, body["cameras"])
}

func TestClipEndpoints(t *testing.T) {
	f := newFixture(t)
	day1 := time.Date(2024, 3, 1, 10, 15, 0, 0, time.Local)
	day2 := time.Date(2024, 3, 2, 8, 0, 0, 0, time.Local)
	for _, rec := range []types.ClipRecord{clipAt(day1, 0), clipAt(day1.Add(time.Minute), 2), clipAt(day2, 0)} {
		require.NoError(t, f.index.Insert(rec))
	}

	var days []types.DayCount
	f.getJSON(t, "/api/clips/days", http.StatusOK, &days)
	require.Len(t, days, 2)
	assert.Equal(t, "20240302", days[0].Day)
	assert.Equal(t, 2, days[1].Count)

	var recs []types.ClipRecord
	f.getJSON(t, "/api/clips?day=20240301", http.StatusOK, &recs)
	require.Len(t, recs, 2)
	assert.Equal(t, 2, recs[0].CameraIndex, "most recent first")

	f.getJSON(t, "/api/clips?day=2024-03-01", http.StatusBadRequest, nil)

	var one types.ClipRecord
	f.getJSON(t, "/api/clips/20240301101500", http.StatusOK, &one)
	assert.Equal(t, clipAt(day1, 0).Filename, one.Filename)

	f.getJSON(t, "/api/clips/20240301101501", http.StatusNotFound, nil)
	f.getJSON(t, "/api/clips/yesterday", http.StatusBadRequest, nil)

	var n Neighbour
	f.getJSON(t, "/api/clips/20240301101600/next", http.StatusOK, &n)
	assert.Equal(t, "20240302080000", n.Timestamp)
	assert.True(t, n.Found)

	f.getJSON(t, "/api/clips/20240301101500/previous", http.StatusOK, &n)
	assert.Equal(t, "20240301101500", n.Timestamp)
	assert.False(t, n.Found)
}

func TestClipWindow(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local)
	for i := 0; i < 4; i++ {
		require.NoError(t, f.index.Insert(clipAt(base.Add(time.Duration(i)*time.Hour), 0)))
	}

	from := base.Add(time.Hour).Format(time.RFC3339)
	to := base.Add(3 * time.Hour).Format(time.RFC3339)
	var recs []types.ClipRecord
	f.getJSON(t, "/api/clips?from="+from+"&to="+to, http.StatusOK, &recs)
	require.Len(t, recs, 2)

	f.getJSON(t, "/api/clips?from="+to+"&to="+from, http.StatusBadRequest, nil)
	f.getJSON(t, "/api/clips?from=noon", http.StatusBadRequest, nil)
}

func TestClipFiles(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "cam0.20240301_101500_000.jpg"), []byte("jpeg"), 0o644))

	resp, err := http.Get(f.ts.URL + "/clips/cam0.20240301_101500_000.jpg")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "jpeg", string(body))

	for _, path := range []string{"/clips/missing.avi", "/clips/.hidden"} {
		resp, err := http.Get(f.ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestCameraEndpoints(t *testing.T) {
	f := newFixture(t)

	var all []control.Status
	f.getJSON(t, "/api/cameras", http.StatusOK, &all)
	require.Len(t, all, 2)

	var st control.Status
	f.getJSON(t, "/api/cameras/2/status", http.StatusOK, &st)
	assert.Equal(t, "cam2", st.Title)

	f.getJSON(t, "/api/cameras/1/status", http.StatusNotFound, nil)
	f.getJSON(t, "/api/cameras/x/status", http.StatusBadRequest, nil)
}

func readSSEData(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
}

func TestStatusStreamJSON(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/api/status/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "application/json", resp.Header.Get("X-Content-Format"))

	r := bufio.NewReader(resp.Body)
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(readSSEData(t, r)), &ev))
	assert.Equal(t, EventStatus, ev.Type)
	assert.Len(t, ev.Cameras, 2)

	require.Eventually(t, func() bool { return f.m.StatusSubscribers.Load() == 1 }, time.Second, 5*time.Millisecond)
	f.srv.PublishClip(clipAt(time.Date(2024, 3, 1, 10, 15, 0, 0, time.Local), 2))

	require.NoError(t, json.Unmarshal([]byte(readSSEData(t, r)), &ev))
	assert.Equal(t, EventClip, ev.Type)
	require.NotNil(t, ev.Clip)
	assert.Equal(t, 2, ev.Clip.CameraIndex)
}

func TestStatusStreamProtobuf(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/api/status/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/protobuf")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/protobuf", resp.Header.Get("X-Content-Format"))

	raw, err := base64.StdEncoding.DecodeString(readSSEData(t, bufio.NewReader(resp.Body)))
	require.NoError(t, err)
	var st structpb.Struct
	require.NoError(t, proto.Unmarshal(raw, &st))
	assert.Equal(t, EventStatus, st.Fields["type"].GetStringValue())
	assert.Len(t, st.Fields["cameras"].GetListValue().GetValues(), 2)
}

func TestStatusWebSocket(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/status/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))

	var ev Event
	require.NoError(t, ws.ReadJSON(&ev))
	assert.Equal(t, EventStatus, ev.Type)

	require.Eventually(t, func() bool { return f.m.StatusSubscribers.Load() == 1 }, time.Second, 5*time.Millisecond)
	f.srv.PublishClip(clipAt(time.Date(2024, 3, 1, 10, 15, 0, 0, time.Local), 0))

	require.NoError(t, ws.ReadJSON(&ev))
	assert.Equal(t, EventClip, ev.Type)
	assert.Equal(t, 12, ev.Clip.FrameCount)
}

func TestMJPEGStream(t *testing.T) {
	f := newFixture(t)
	buf, _ := f.cams.PreviewBuffer(0)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for seq := uint64(1); ; seq++ {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
			}
			frame := types.NewFrame(16, 16)
			frame.Sequence = seq
			buf.Publish(frame)
		}
	}()

	resp, err := http.Get(f.ts.URL + "/stream/0")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "--frame\r\n", line)

	length := -1
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
		if v, ok := strings.CutPrefix(line, "Content-Length: "); ok {
			length, err = strconv.Atoi(strings.TrimSpace(v))
			require.NoError(t, err)
		}
	}
	require.Positive(t, length)
	jpegData := make([]byte, length)
	_, err = io.ReadFull(r, jpegData)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, jpegData[:2])
	assert.EqualValues(t, 1, f.m.MJPEGClients.Load())

	// one client per camera in this fixture
	second, err := http.Get(f.ts.URL + "/stream/0")
	require.NoError(t, err)
	second.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, second.StatusCode)
}

func TestMJPEGUnknownCamera(t *testing.T) {
	f := newFixture(t)
	f.getJSON(t, "/stream/5", http.StatusNotFound, nil)
}

func TestBlankJPEG(t *testing.T) {
	data, err := blankJPEG(3)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2])
}
