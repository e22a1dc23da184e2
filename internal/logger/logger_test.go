package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DEBUG, false},
		{"INFO", INFO, false},
		{"warning", WARN, false},
		{"error", ERROR, false},
		{"critical", CRITICAL, false},
		{"none", SILENT, false},
		{"loud", INFO, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)

	l.Info("Recorder", "hidden %d", 1)
	l.Warn("Recorder", "shown %d", 2)
	l.Critical("Recorder", "broken %s", "invariant")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line should be filtered: %q", out)
	}
	if !strings.Contains(out, "[WARN] [Recorder] shown 2") {
		t.Errorf("missing warn line: %q", out)
	}
	if !strings.Contains(out, "[CRITICAL] [Recorder] broken invariant") {
		t.Errorf("missing critical line: %q", out)
	}
}

func TestSilentSuppressesEverything(t *testing.T) {
	var buf bytes.Buffer
	l := New(SILENT, &buf, false)
	l.Critical("Main", "x")
	if buf.Len() != 0 {
		t.Fatalf("silent logger wrote %q", buf.String())
	}
}

func TestOpenOutputTeesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netcam.log")
	w, closeFn, err := OpenOutput(path)
	if err != nil {
		t.Fatalf("OpenOutput: %v", err)
	}
	New(INFO, w, false).Info("Main", "hello")
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "[INFO] [Main] hello") {
		t.Fatalf("log file content = %q", data)
	}
}
