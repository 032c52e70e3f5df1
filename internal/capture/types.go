// Package capture implements the master's CaptureOrchestrator and the
// slave's CaptureEngine: the sequencer described in spec §4.5/§4.6
// that turns one CaptureRequest into a set of time-synchronized
// frames on two independent camera endpoints.
package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/fieldcam/camsync/internal/camerapipeline"
)

const maxSessionLen = 31

// Diagnostic strings surfaced to the requester on failure, per spec §4.5/§6.
const (
	DiagCameraInitFailed = "camera init failed"
	DiagSlaveNotReady    = "slave not ready"
	DiagUDPSyncFailed    = "udp sync failed"
	DiagSlaveStartFailed = "slave start failed"
	DiagCaptureBusy      = "capture busy"
	DiagCaptureTimeout   = "capture timeout"
	DiagNoFramesCaptured = "no frames captured"
)

// ErrInvalidRequest is returned by Request.Validate.
var ErrInvalidRequest = errors.New("capture: invalid request")

// ErrBusy is returned by Orchestrator.Enqueue when the bounded queue
// is already full (spec testable property 3).
var ErrBusy = errors.New("capture: " + DiagCaptureBusy)

// Request is the immutable CaptureRequest value from spec §3.
type Request struct {
	Session        string
	FrameCount     int
	Format         camerapipeline.PixelFormat
	Size           camerapipeline.Size
	SafetyMarginUs *int64
	SensorParams   map[string]string
}

// Validate enforces the bounds spec §3 places on a CaptureRequest.
func (r Request) Validate() error {
	if len(r.Session) == 0 || len(r.Session) > maxSessionLen {
		return fmt.Errorf("%w: session must be 1-31 characters", ErrInvalidRequest)
	}
	if r.FrameCount < 1 {
		return fmt.Errorf("%w: frame_count must be >= 1", ErrInvalidRequest)
	}
	if r.SafetyMarginUs != nil && *r.SafetyMarginUs < 0 {
		return fmt.Errorf("%w: safety margin override must be non-negative", ErrInvalidRequest)
	}
	return nil
}

// Outcome is the CaptureOutcome value returned synchronously to the
// requesting activity.
type Outcome struct {
	OK             bool
	Diagnostic     string
	Artifacts      []string
	PixelFormat    string
	OneWayTripUs   int64
	CPUDisparityUs int64
}

func fail(diagnostic string) Outcome {
	return Outcome{OK: false, Diagnostic: diagnostic}
}

func success(artifacts []string, format string, tripUs, disparityUs int64) Outcome {
	return Outcome{
		OK:             true,
		Diagnostic:     "OK",
		Artifacts:      artifacts,
		PixelFormat:    format,
		OneWayTripUs:   tripUs,
		CPUDisparityUs: disparityUs,
	}
}

// Clock returns the caller's current local-monotonic microsecond
// value; shared with clockprobe so delay math stays on one timeline.
type Clock func() int64

// spinToDeadline waits until clock() reaches deadlineUs: 1ms
// cooperative sleeps while more than 2ms remain, then a polling loop
// of 10µs sleeps for the rest (spec §4.5 "Spin-to-deadline").
func spinToDeadline(clock Clock, deadlineUs int64) {
	for {
		remaining := deadlineUs - clock()
		if remaining <= 0 {
			return
		}
		if remaining > 2000 {
			time.Sleep(time.Millisecond)
			continue
		}
		break
	}
	for clock() < deadlineUs {
		time.Sleep(10 * time.Microsecond)
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
