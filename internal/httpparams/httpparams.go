// Package httpparams decodes the query/form parameters shared by the
// HTTP capture-prepare (slave) and capture-request (master) endpoints
// described in spec §6.
package httpparams

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fieldcam/camsync/internal/camerapipeline"
)

var namedSizes = map[string]camerapipeline.Size{
	"VGA":   {Width: 640, Height: 480},
	"QVGA":  {Width: 320, Height: 240},
	"QQVGA": {Width: 160, Height: 120},
}

// ParseFormat maps a pixel_format value to its PixelFormat.
func ParseFormat(s string) (camerapipeline.PixelFormat, error) {
	switch strings.ToUpper(s) {
	case "", "JPEG":
		return camerapipeline.FormatJPEG, nil
	case "RGB565":
		return camerapipeline.FormatRGB565, nil
	case "GRAY", "GRAYSCALE":
		return camerapipeline.FormatGray, nil
	case "YUV422", "YUV":
		return camerapipeline.FormatYUV422, nil
	default:
		return 0, fmt.Errorf("unknown pixel_format %q", s)
	}
}

// ParseSize maps a framesize value (a named preset or "WxH") to a Size.
func ParseSize(s string) (camerapipeline.Size, error) {
	if s == "" {
		return camerapipeline.DefaultSize, nil
	}
	if size, ok := namedSizes[strings.ToUpper(s)]; ok {
		return size, nil
	}
	parts := strings.SplitN(strings.ToLower(s), "x", 2)
	if len(parts) != 2 {
		return camerapipeline.Size{}, fmt.Errorf("unrecognized framesize %q", s)
	}
	w, err1 := strconv.Atoi(parts[0])
	h, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return camerapipeline.Size{}, fmt.Errorf("unrecognized framesize %q", s)
	}
	return camerapipeline.Size{Width: w, Height: h}, nil
}
