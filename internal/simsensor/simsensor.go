// Package simsensor is a synthetic camerapipeline.Sensor used where no
// real sensor driver is wired (development, tests, and as the default
// in the command binaries until a hardware driver is plugged in). The
// real sensor driver is an external collaborator out of scope for
// this system (spec §1); this fills that interface with generated
// frames instead of leaving it unimplemented.
package simsensor

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"

	"github.com/fieldcam/camsync/internal/camerapipeline"
)

// Sensor generates solid-color frames sized to whatever format/size it
// was last initialized or resized to, cycling the color on every pull
// so consecutive frames are visibly distinct in a preview.
type Sensor struct {
	mu        sync.Mutex
	format    camerapipeline.PixelFormat
	size      camerapipeline.Size
	tick      int
	registers map[string]string
}

// New returns an uninitialized simulated sensor.
func New() *Sensor {
	return &Sensor{registers: map[string]string{}}
}

func (s *Sensor) Init(format camerapipeline.PixelFormat, size camerapipeline.Size) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.format = format
	s.size = size
	return nil
}

func (s *Sensor) Deinit() error { return nil }

func (s *Sensor) SetSizeWithinFormat(size camerapipeline.Size) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.size = size
	return nil
}

func (s *Sensor) SetRegister(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registers[name] = value
	return nil
}

func (s *Sensor) PullFrame(ctx context.Context) (*camerapipeline.FrameBuffer, error) {
	s.mu.Lock()
	format, size, tick := s.format, s.size, s.tick
	s.tick++
	s.mu.Unlock()

	if size.Width == 0 || size.Height == 0 {
		size = camerapipeline.DefaultSize
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(pullLatency):
	}

	data := render(format, size, tick)
	return &camerapipeline.FrameBuffer{Data: data}, nil
}

func (s *Sensor) ReturnFrame(fb *camerapipeline.FrameBuffer) {}

func render(format camerapipeline.PixelFormat, size camerapipeline.Size, tick int) []byte {
	shade := uint8((tick * 23) % 256)
	switch format {
	case camerapipeline.FormatRGB565:
		buf := make([]byte, size.Width*size.Height*2)
		for i := range buf {
			buf[i] = shade
		}
		return buf
	case camerapipeline.FormatGray:
		buf := make([]byte, size.Width*size.Height)
		for i := range buf {
			buf[i] = shade
		}
		return buf
	case camerapipeline.FormatYUV422:
		buf := make([]byte, size.Width*size.Height*2)
		for i := range buf {
			buf[i] = shade
		}
		return buf
	default:
		img := image.NewGray(image.Rect(0, 0, size.Width, size.Height))
		for y := 0; y < size.Height; y++ {
			for x := 0; x < size.Width; x++ {
				img.SetGray(x, y, color.Gray{Y: shade})
			}
		}
		var buf bytes.Buffer
		_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 70})
		return buf.Bytes()
	}
}

// simulated pull latency keeps the frame rate bounded even though
// there is no real sensor to wait on.
const pullLatency = 5 * time.Millisecond
