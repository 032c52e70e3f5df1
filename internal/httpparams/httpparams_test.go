package httpparams

import (
	"testing"

	"github.com/fieldcam/camsync/internal/camerapipeline"
)

func TestParseFormatAcceptsKnownValues(t *testing.T) {
	cases := map[string]camerapipeline.PixelFormat{
		"":          camerapipeline.FormatJPEG,
		"JPEG":      camerapipeline.FormatJPEG,
		"jpeg":      camerapipeline.FormatJPEG,
		"RGB565":    camerapipeline.FormatRGB565,
		"rgb565":    camerapipeline.FormatRGB565,
		"GRAY":      camerapipeline.FormatGray,
		"GRAYSCALE": camerapipeline.FormatGray,
		"YUV422":    camerapipeline.FormatYUV422,
		"YUV":       camerapipeline.FormatYUV422,
	}
	for input, want := range cases {
		got, err := ParseFormat(input)
		if err != nil {
			t.Fatalf("ParseFormat(%q): unexpected error %v", input, err)
		}
		if got != want {
			t.Fatalf("ParseFormat(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseFormatRejectsUnknown(t *testing.T) {
	if _, err := ParseFormat("bogus"); err == nil {
		t.Fatal("expected error for unknown pixel_format")
	}
}

func TestParseSizeDefaultsWhenEmpty(t *testing.T) {
	size, err := ParseSize("")
	if err != nil {
		t.Fatal(err)
	}
	if size != camerapipeline.DefaultSize {
		t.Fatalf("expected default size, got %+v", size)
	}
}

func TestParseSizeAcceptsNamedPresets(t *testing.T) {
	cases := map[string]camerapipeline.Size{
		"VGA":   {Width: 640, Height: 480},
		"vga":   {Width: 640, Height: 480},
		"QVGA":  {Width: 320, Height: 240},
		"QQVGA": {Width: 160, Height: 120},
	}
	for input, want := range cases {
		got, err := ParseSize(input)
		if err != nil {
			t.Fatalf("ParseSize(%q): unexpected error %v", input, err)
		}
		if got != want {
			t.Fatalf("ParseSize(%q) = %+v, want %+v", input, got, want)
		}
	}
}

func TestParseSizeAcceptsExplicitDimensions(t *testing.T) {
	got, err := ParseSize("800x600")
	if err != nil {
		t.Fatal(err)
	}
	want := camerapipeline.Size{Width: 800, Height: 600}
	if got != want {
		t.Fatalf("ParseSize(800x600) = %+v, want %+v", got, want)
	}
}

func TestParseSizeRejectsMalformed(t *testing.T) {
	for _, input := range []string{"800", "800x", "x600", "0x0", "-1x200", "abcxdef"} {
		if _, err := ParseSize(input); err == nil {
			t.Fatalf("ParseSize(%q): expected error", input)
		}
	}
}
