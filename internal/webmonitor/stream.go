package webmonitor

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"net/http"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/netcam/internal/logger"
)

const (
	mjpegKeepAlive = 5 * time.Second
	sseKeepAlive   = 30 * time.Second
)

// blankJPEG renders the frame shown while a camera has nothing to send.
func blankJPEG(idx int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))

	// Color bars: White, Yellow, Cyan, Green, Magenta, Red, Blue, Black
	colors := []color.RGBA{
		{R: 255, G: 255, B: 255, A: 255},
		{R: 255, G: 255, B: 0, A: 255},
		{R: 0, G: 255, B: 255, A: 255},
		{R: 0, G: 255, B: 0, A: 255},
		{R: 255, G: 0, B: 255, A: 255},
		{R: 255, G: 0, B: 0, A: 255},
		{R: 0, G: 0, B: 255, A: 255},
		{R: 0, G: 0, B: 0, A: 255},
	}
	barWidth := img.Bounds().Dx() / len(colors)
	for i, c := range colors {
		draw.Draw(img, image.Rect(i*barWidth, 0, (i+1)*barWidth, 240), &image.Uniform{C: c}, image.Point{}, draw.Src)
	}

	draw.Draw(img, image.Rect(0, 100, 320, 140), &image.Uniform{C: color.Black}, image.Point{}, draw.Src)
	d := font.Drawer{
		Dst:  img,
		Src:  image.White,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(100, 124),
	}
	d.DrawString(fmt.Sprintf("cam %d: no signal", idx))

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// streamMJPEGFromChannel writes multipart JPEG parts until the channel is
// closed or the client goes away. blank is resent when no frame arrives.
func streamMJPEGFromChannel(w http.ResponseWriter, r *http.Request, frameCh <-chan []byte, blank []byte, onFrame func()) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	for {
		var jpegData []byte
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-frameCh:
			if !ok {
				return
			}
			jpegData = data
		case <-time.After(mjpegKeepAlive):
			jpegData = blank
		}

		if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
			logger.Debug("MJPEG", "Client disconnected during write: %v", err)
			return
		}
		if _, err := w.Write(jpegData); err != nil {
			logger.Debug("MJPEG", "Client disconnected during frame write: %v", err)
			return
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			logger.Debug("MJPEG", "Client disconnected during delimiter write: %v", err)
			return
		}
		flusher.Flush()
		if onFrame != nil {
			onFrame()
		}
	}
}

// streamEventsFromChannel streams pre-serialized events to an SSE client.
func streamEventsFromChannel(w http.ResponseWriter, r *http.Request, eventCh <-chan *SerializedEvent, useProtobuf bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			data := event.JSONData
			if useProtobuf {
				data = event.ProtobufData
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				logger.Debug("SSE", "Client disconnected during event write: %v", err)
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				logger.Debug("SSE", "Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}
