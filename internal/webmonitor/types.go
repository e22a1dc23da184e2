package webmonitor

import (
	"time"

	"github.com/dj-oyu/netcam/internal/control"
	"github.com/dj-oyu/netcam/internal/framebuffer"
	"github.com/dj-oyu/netcam/pkg/types"
)

// Cameras is the view of the running workers served by the monitor.
type Cameras interface {
	Statuses() []control.Status
	CameraStatus(idx int) (control.Status, bool)
	PreviewBuffer(idx int) (*framebuffer.Buffer, bool)
}

// ClipStore is the read side of the clip index.
type ClipStore interface {
	ListByDay() ([]types.DayCount, error)
	ListForDay(day string) ([]types.ClipRecord, error)
	ListWindow(from, to time.Time) ([]types.ClipRecord, error)
	Get(ts time.Time) (types.ClipRecord, error)
	Previous(ts time.Time) (time.Time, error)
	Next(ts time.Time) (time.Time, error)
}

// Event types pushed on the status stream.
const (
	EventStatus = "status"
	EventClip   = "clip"
)

// Event is one message on /api/status/stream and /api/status/ws.
type Event struct {
	Type      string            `json:"type"`
	Cameras   []control.Status  `json:"cameras,omitempty"`
	Clip      *types.ClipRecord `json:"clip,omitempty"`
	Timestamp float64           `json:"timestamp"`
}

// Neighbour is the reply of the previous/next clip lookups.
type Neighbour struct {
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Found     bool   `json:"found"`
}
