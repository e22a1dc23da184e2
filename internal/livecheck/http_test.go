package livecheck

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestLiveHealth(t *testing.T) {
	c := newLiveClient(t)
	resp, body := c.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /health status = %d", resp.StatusCode)
	}
	var payload map[string]any
	decodeJSON(t, body, &payload)
	if requireField[string](t, payload, "status") != "ok" {
		t.Fatalf("health status = %v", payload["status"])
	}
	requireField[float64](t, payload, "cameras")
}

func TestLiveIndexPage(t *testing.T) {
	c := newLiveClient(t)
	resp, body := c.get(t, "/")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET / status = %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("GET / content-type = %q", resp.Header.Get("Content-Type"))
	}
	if !strings.Contains(string(body), "/api/status/stream") {
		t.Fatalf("dashboard does not subscribe to the status stream")
	}
}

func TestLiveCameras(t *testing.T) {
	c := newLiveClient(t)
	resp, body := c.get(t, "/api/cameras")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/cameras status = %d", resp.StatusCode)
	}
	var cams []map[string]any
	decodeJSON(t, body, &cams)
	for _, st := range cams {
		assertCameraStatus(t, st)

		idx := int(st["camera_index"].(float64))
		resp, body := c.get(t, fmt.Sprintf("/api/cameras/%d/status", idx))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("camera %d status = %d", idx, resp.StatusCode)
		}
		var single map[string]any
		decodeJSON(t, body, &single)
		assertCameraStatus(t, single)
	}

	resp, _ = c.get(t, "/api/cameras/9999/status")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown camera status = %d, want 404", resp.StatusCode)
	}
}

func TestLiveClipIndex(t *testing.T) {
	c := newLiveClient(t)
	resp, body := c.get(t, "/api/clips/days")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/clips/days status = %d", resp.StatusCode)
	}
	var days []map[string]any
	decodeJSON(t, body, &days)
	if len(days) == 0 {
		t.Skip("no clips recorded yet")
	}

	prev := ""
	for _, d := range days {
		day := requireField[string](t, d, "day")
		if len(day) != 8 {
			t.Fatalf("day %q is not YYYYMMDD", day)
		}
		if prev != "" && day > prev {
			t.Fatalf("days not newest first: %s after %s", day, prev)
		}
		prev = day
		if requireField[float64](t, d, "count") < 1 {
			t.Fatalf("day %s listed with no clips", day)
		}
	}

	day := days[0]["day"].(string)
	resp, body = c.get(t, "/api/clips?day="+day)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/clips status = %d", resp.StatusCode)
	}
	var clips []map[string]any
	decodeJSON(t, body, &clips)
	if len(clips) == 0 {
		t.Fatalf("day %s has a count but no clips", day)
	}
	for _, rec := range clips {
		assertClipRecord(t, rec)
	}

	ts, err := time.Parse(time.RFC3339, clips[0]["timestamp"].(string))
	if err != nil {
		t.Fatalf("clip timestamp: %v", err)
	}
	key := ts.Format("20060102150405")
	resp, body = c.get(t, "/api/clips/"+key)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/clips/%s status = %d", key, resp.StatusCode)
	}
	var rec map[string]any
	decodeJSON(t, body, &rec)
	assertClipRecord(t, rec)

	for _, dir := range []string{"previous", "next"} {
		resp, body = c.get(t, "/api/clips/"+key+"/"+dir)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d", dir, resp.StatusCode)
		}
		var n map[string]any
		decodeJSON(t, body, &n)
		requireField[string](t, n, "timestamp")
		requireField[bool](t, n, "found")
	}

	resp, _ = c.get(t, "/clips/"+rec["filename"].(string))
	if resp.StatusCode == http.StatusNotFound {
		t.Skipf("clip file %v removed from disk", rec["filename"])
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clip file status = %d", resp.StatusCode)
	}
}

func TestLiveClipBadQuery(t *testing.T) {
	c := newLiveClient(t)
	resp, _ := c.get(t, "/api/clips?day=yesterday")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad day status = %d, want 400", resp.StatusCode)
	}
	resp, _ = c.get(t, "/api/clips/not-a-timestamp")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad timestamp status = %d, want 400", resp.StatusCode)
	}
}
