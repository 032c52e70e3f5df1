// Package storage persists captured frames as SessionArtifact files
// and parses their names back, per spec §3.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fieldcam/camsync/internal/camerapipeline"
)

// ErrInvalidName is returned by Parse when a filename does not follow
// the "<session>-<monotonic_ms>.<ext>" template.
var ErrInvalidName = fmt.Errorf("storage: filename does not match the session artifact template")

// Artifact identifies a persisted frame file by its decoded parts.
type Artifact struct {
	Session     string
	MonotonicMs int64
	Extension   string
	Path        string
}

// Write creates "<dir>/<session>-<monotonicMs>.<ext>" and writes data
// to it verbatim: no framing, no header, byte for byte. The file is
// created fresh (spec §3: "no rewriting or partial-frame cleanup") and
// closed before Write returns.
func Write(dir, session string, monotonicMs int64, format camerapipeline.PixelFormat, data []byte) (Artifact, error) {
	name := fmt.Sprintf("%s-%d.%s", session, monotonicMs, format.Extension())
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return Artifact{}, err
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return Artifact{}, err
	}

	return Artifact{
		Session:     session,
		MonotonicMs: monotonicMs,
		Extension:   format.Extension(),
		Path:        path,
	}, nil
}

// Parse decodes a SessionArtifact filename (base name or full path)
// back into its session, timestamp, and extension, used by testable
// property 6 (artifact naming round-trips).
func Parse(name string) (Artifact, error) {
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	if ext == "" {
		return Artifact{}, ErrInvalidName
	}
	stem := strings.TrimSuffix(base, ext)
	idx := strings.LastIndex(stem, "-")
	if idx < 0 || idx == len(stem)-1 {
		return Artifact{}, ErrInvalidName
	}
	session := stem[:idx]
	tsPart := stem[idx+1:]
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return Artifact{}, ErrInvalidName
	}
	if session == "" {
		return Artifact{}, ErrInvalidName
	}
	return Artifact{
		Session:     session,
		MonotonicMs: ts,
		Extension:   strings.TrimPrefix(ext, "."),
		Path:        name,
	}, nil
}
