package stream

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"net/http"
	"sync"

	"github.com/fieldcam/camsync/internal/camerapipeline"
	"github.com/fieldcam/camsync/internal/servicelog"
)

const boundary = "camsyncframe"

// MJPEGHandler serves a multipart/x-mixed-replace preview and doubles
// as the Supervisor's Sink: every published frame is broadcast to
// every currently connected viewer. Non-JPEG pixel formats cannot be
// framed as a JPEG part, so Publish silently drops them; the preview
// is only meaningful while the pipeline is in its streaming default
// (JPEG), which is the only phase Supervisor.Run is active in.
type MJPEGHandler struct {
	logger servicelog.Logger

	mu      sync.Mutex
	viewers map[chan []byte]struct{}
}

// NewMJPEGHandler builds an empty broadcaster.
func NewMJPEGHandler(logger servicelog.Logger) *MJPEGHandler {
	return &MJPEGHandler{logger: logger, viewers: make(map[chan []byte]struct{})}
}

// Publish implements stream.Sink.
func (h *MJPEGHandler) Publish(fb *camerapipeline.FrameBuffer) {
	jpegBytes, err := asJPEG(fb.Data)
	if err != nil {
		h.logger.Debug("preview frame is not JPEG-decodable, dropping", servicelog.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.viewers {
		select {
		case ch <- jpegBytes:
		default:
			// Slow viewer; drop this frame for them rather than block
			// the whole broadcast.
		}
	}
}

// asJPEG re-encodes data through image/jpeg so every published part is
// guaranteed well-formed even if the sensor buffer already claims to
// be JPEG; this is the one place turbojpeg's cgo path is substituted
// with the standard library, since no pack dependency offers a
// pure-Go JPEG codec with hardware acceleration.
func asJPEG(data []byte) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ServeHTTP implements the streaming HTTP front-end's preview route
// (spec §1: "HTTP front-end for status, streaming, and parameter
// forms" is an out-of-scope external collaborator; this is the
// supplemented concrete implementation of that collaborator's
// streaming leg).
func (h *MJPEGHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := make(chan []byte, 2)
	h.mu.Lock()
	h.viewers[ch] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.viewers, ch)
		h.mu.Unlock()
	}()

	w.Header().Set("Content-Type", fmt.Sprintf("multipart/x-mixed-replace; boundary=%s", boundary))
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-ch:
			fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(frame))
			w.Write(frame)
			fmt.Fprint(w, "\r\n")
			flusher.Flush()
		}
	}
}
