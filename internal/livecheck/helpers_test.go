// Package livecheck holds contract tests that run against a live netcam
// daemon. They skip unless the daemon answers at NETCAM_BASE_URL
// (default http://localhost:8080).
package livecheck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

const (
	defaultBaseURL        = "http://localhost:8080"
	defaultRequestTimeout = 2 * time.Second
)

type liveClient struct {
	baseURL string
	client  *http.Client
}

func newLiveClient(t *testing.T) *liveClient {
	t.Helper()
	baseURL := strings.TrimRight(os.Getenv("NETCAM_BASE_URL"), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := &http.Client{Timeout: defaultRequestTimeout}

	if !isReachable(client, baseURL+"/health") {
		t.Skipf("netcam not reachable at %s (set NETCAM_BASE_URL to run)", baseURL)
	}
	return &liveClient{baseURL: baseURL, client: client}
}

func isReachable(client *http.Client, url string) bool {
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *liveClient) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return resp, body
}

// open returns the response with its body unread, for streaming endpoints.
func (c *liveClient) open(t *testing.T, ctx context.Context, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	// streaming responses outlive the default client timeout
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func readSSEEvent(resp *http.Response) (string, error) {
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 512)
	for {
		n, err := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				idx := bytes.Index(buf, []byte("\n\n"))
				if idx < 0 {
					break
				}
				event := string(buf[:idx])
				buf = buf[idx+2:]
				// keepalive comments carry no data
				if strings.HasPrefix(event, "data:") {
					return event, nil
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return "", fmt.Errorf("sse stream closed before event")
			}
			return "", fmt.Errorf("read sse: %w", err)
		}
	}
}

func sseData(t *testing.T, event string) []byte {
	t.Helper()
	for _, line := range strings.Split(event, "\n") {
		if strings.HasPrefix(line, "data:") {
			return []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	t.Fatalf("no data line in sse event: %q", event)
	return nil
}

func decodeJSON(t *testing.T, body []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, body)
	}
}

func requireField[T any](t *testing.T, m map[string]any, field string) T {
	t.Helper()
	raw, ok := m[field]
	if !ok {
		t.Fatalf("missing field %q in %v", field, m)
	}
	v, ok := raw.(T)
	if !ok {
		t.Fatalf("field %q has type %T", field, raw)
	}
	return v
}

func assertCameraStatus(t *testing.T, st map[string]any) {
	t.Helper()
	requireField[float64](t, st, "camera_index")
	requireField[float64](t, st, "estimated_fps")
	requireField[float64](t, st, "frames_decoded")
	requireField[float64](t, st, "frames_skipped")
	requireField[bool](t, st, "connection_problem")
	requireField[string](t, st, "worker_id")
	requireField[string](t, st, "recording_state")
}

func assertClipRecord(t *testing.T, rec map[string]any) {
	t.Helper()
	name := requireField[string](t, rec, "filename")
	if strings.ContainsAny(name, "/\\") {
		t.Fatalf("clip filename %q contains a path separator", name)
	}
	requireField[float64](t, rec, "camera_index")
	requireField[string](t, rec, "timestamp")
	quality := requireField[float64](t, rec, "quality")
	if quality < 0 || quality > 100 {
		t.Fatalf("clip quality %f outside 0-100", quality)
	}
}
