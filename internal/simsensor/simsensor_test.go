package simsensor

import (
	"context"
	"testing"

	"github.com/fieldcam/camsync/internal/camerapipeline"
)

func TestPullFrameProducesFormatAppropriateSize(t *testing.T) {
	s := New()
	if err := s.Init(camerapipeline.FormatGray, camerapipeline.Size{Width: 8, Height: 4}); err != nil {
		t.Fatal(err)
	}
	fb, err := s.PullFrame(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(fb.Data) != 8*4 {
		t.Fatalf("expected 32 bytes of grayscale data, got %d", len(fb.Data))
	}
}

func TestPullFrameProducesJPEGContainer(t *testing.T) {
	s := New()
	if err := s.Init(camerapipeline.FormatJPEG, camerapipeline.DefaultSize); err != nil {
		t.Fatal(err)
	}
	fb, err := s.PullFrame(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(fb.Data) < 2 || fb.Data[0] != 0xFF || fb.Data[1] != 0xD8 {
		t.Fatalf("expected a JPEG start-of-image marker, got first bytes %v", fb.Data[:2])
	}
}
