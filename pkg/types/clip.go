package types

import "time"

// ClipRecord describes one finished video clip.
type ClipRecord struct {
	Filename    string    `json:"filename" msgpack:"filename"` // unique, timestamp-derived
	CameraIndex int       `json:"camera_index" msgpack:"camera_index"`
	Timestamp   time.Time `json:"timestamp" msgpack:"timestamp"` // clip start, whole seconds
	Quality     float64   `json:"quality" msgpack:"quality"`     // percent of frames present, 0-100
	FrameCount  int       `json:"frame_count" msgpack:"frame_count"`
	Snapshot    string    `json:"snapshot,omitempty" msgpack:"snapshot,omitempty"`
}

// DayCount is the number of clips recorded on one day.
type DayCount struct {
	Day   string `json:"day"` // YYYYMMDD
	Count int    `json:"count"`
}
