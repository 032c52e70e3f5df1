// Package camerapipeline wraps the image sensor and its DMA path: the
// format-aware (re)initialization discipline, frame-buffer drop, and
// single-frame pull described in spec §4.4. It owns the invariant that
// a pixel-format change always passes through Uninitialized.
package camerapipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fieldcam/camsync/internal/servicelog"
)

var stateMetric = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "camsync_camera_state",
	Help: "Current camera pipeline phase (0=Uninitialized,1=Streaming,2=Prepared,3=Idle)",
})

var reinitMetric = promauto.NewCounter(prometheus.CounterOpts{
	Name: "camsync_camera_reinit_total",
	Help: "Number of full camera reinitializations performed",
})

// PixelFormat enumerates the sensor output encodings CSC understands.
type PixelFormat int

const (
	FormatJPEG PixelFormat = iota
	FormatRGB565
	FormatGray
	FormatYUV422
)

// Extension returns the SessionArtifact file extension for a format,
// per the table in spec §3.
func (f PixelFormat) Extension() string {
	switch f {
	case FormatJPEG:
		return "jpg"
	case FormatRGB565:
		return "rgb565"
	case FormatGray:
		return "gray"
	case FormatYUV422:
		return "yuv"
	default:
		return "bin"
	}
}

func (f PixelFormat) String() string {
	switch f {
	case FormatJPEG:
		return "jpeg"
	case FormatRGB565:
		return "rgb565"
	case FormatGray:
		return "gray"
	case FormatYUV422:
		return "yuv422"
	default:
		return "unknown"
	}
}

// Size is a target frame resolution.
type Size struct {
	Width  int
	Height int
}

// DefaultSize is the streaming default the orchestrator restores to
// after every capture.
var DefaultSize = Size{Width: 640, Height: 480}

// Phase is one member of the CameraState enumeration in spec §3.
type Phase int

const (
	Uninitialized Phase = iota
	Streaming
	Prepared
	Idle
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "uninitialized"
	case Streaming:
		return "streaming"
	case Prepared:
		return "prepared"
	case Idle:
		return "idle"
	default:
		return "unknown"
	}
}

// State is the full CameraState value: phase plus the format/size it
// applies to (meaningless for Uninitialized).
type State struct {
	Phase  Phase
	Format PixelFormat
	Size   Size
}

// FrameBuffer is a single pulled frame. Data is the raw sensor output;
// CSC never reframes or re-encodes it.
type FrameBuffer struct {
	Data []byte
}

// Sensor is the external collaborator providing init/deinit, format
// switch, frame pull and sensor-register setters (spec §1, out of
// scope for CSC itself; addressed here only through this interface).
type Sensor interface {
	Init(format PixelFormat, size Size) error
	Deinit() error
	SetSizeWithinFormat(size Size) error
	PullFrame(ctx context.Context) (*FrameBuffer, error)
	ReturnFrame(fb *FrameBuffer)
	SetRegister(name, value string) error
}

// PowerPin is the GPIO line driving the sensor's PWDN input. Grounded
// on periph.io/x/periph's gpio.PinOut; OpenPowerPin below adapts a
// real pin, and tests supply a fake.
type PowerPin interface {
	Out(high bool) error
}

// ErrWrongPhase is returned when an operation is attempted in a phase
// that forbids it (e.g. pulling a frame while Uninitialized).
var ErrWrongPhase = errors.New("camerapipeline: operation not valid in current phase")

// Pipeline is the sole owner of a Sensor for as long as either the
// CaptureOrchestrator (master) or the CaptureEngine (slave) holds it;
// outside a capture, the stream task reads frames from it instead.
type Pipeline struct {
	logger   servicelog.Logger
	sensor   Sensor
	power    PowerPin
	settle   time.Duration

	mu    sync.Mutex
	state State
}

// New wraps sensor behind the format-switch discipline. power may be
// nil if no PWDN line is wired (e.g. in tests); settle is the sleep
// either side of the power toggle (spec §9: "short sleeps either
// side").
func New(logger servicelog.Logger, sensor Sensor, power PowerPin, settle time.Duration) *Pipeline {
	if settle <= 0 {
		settle = 50 * time.Millisecond
	}
	p := &Pipeline{logger: logger, sensor: sensor, power: power, settle: settle}
	p.setState(State{Phase: Uninitialized})
	return p
}

func (p *Pipeline) setState(s State) {
	p.state = s
	stateMetric.Set(float64(s.Phase))
}

// State returns a snapshot of the current CameraState.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Initialize brings the pipeline from Uninitialized to Idle at the
// given format/size. Calling it from any other phase is an invariant
// violation; callers that may already hold a live pipeline must call
// reinitialize instead.
func (p *Pipeline) Initialize(format PixelFormat, size Size) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Phase != Uninitialized {
		return fmt.Errorf("%w: initialize called from %s", ErrWrongPhase, p.state.Phase)
	}
	return p.initLocked(format, size)
}

func (p *Pipeline) initLocked(format PixelFormat, size Size) error {
	if err := p.sensor.Init(format, size); err != nil {
		p.setState(State{Phase: Uninitialized})
		return err
	}
	p.setState(State{Phase: Idle, Format: format, Size: size})
	return nil
}

// powerCycle toggles PWDN high then low with p.settle either side, per
// spec §9: "without it, the sensor may retain incorrect PLL state
// across format changes." A nil power pin is a no-op, for sensors (or
// tests) with no PWDN line wired.
func (p *Pipeline) powerCycle() {
	if p.power == nil {
		return
	}
	if err := p.power.Out(true); err != nil {
		p.logger.Warn("PWDN assert failed", servicelog.Error(err))
	}
	time.Sleep(p.settle)
	if err := p.power.Out(false); err != nil {
		p.logger.Warn("PWDN deassert failed", servicelog.Error(err))
	}
	time.Sleep(p.settle)
}

// Reinitialize performs the full deinit → power-cycle → init sequence
// required whenever the target pixel format differs from the current
// one (spec §4.4 format-switch policy). It is always safe to call even
// when the format is unchanged; CSC calls it unconditionally for every
// RECONFIG_CAMERA step.
func (p *Pipeline) Reinitialize(format PixelFormat, size Size) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	reinitMetric.Inc()

	if p.state.Phase != Uninitialized {
		if err := p.sensor.Deinit(); err != nil {
			p.logger.Warn("sensor deinit failed during reinitialize", servicelog.Error(err))
		}
	}
	p.setState(State{Phase: Uninitialized})
	p.powerCycle()
	return p.initLocked(format, size)
}

// SetSizeWithinFormat changes frame size without touching pixel
// format, via an in-place sensor reconfiguration. Never valid as a
// substitute for Reinitialize when the format itself changes: the DMA
// path is configured at init time, and a register-only format change
// produces data the DMA consumer can no longer frame (spec §4.4).
func (p *Pipeline) SetSizeWithinFormat(size Size) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Phase == Uninitialized {
		return fmt.Errorf("%w: set_size_within_format called while uninitialized", ErrWrongPhase)
	}
	if err := p.sensor.SetSizeWithinFormat(size); err != nil {
		return err
	}
	p.state.Size = size
	stateMetric.Set(float64(p.state.Phase))
	return nil
}

// MarkPrepared records that the pipeline has been armed for an
// upcoming capture (slave-side two-phase prepare, spec §4.6), without
// performing any sensor operation itself.
func (p *Pipeline) MarkPrepared() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Phase = Prepared
	stateMetric.Set(float64(p.state.Phase))
}

// MarkStreaming records the transition back to the free-running
// streaming phase (format is always JPEG while streaming, per the
// CameraState definition in spec §3).
func (p *Pipeline) MarkStreaming() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = State{Phase: Streaming, Format: FormatJPEG, Size: p.state.Size}
	stateMetric.Set(float64(p.state.Phase))
}

// PullFrame pulls one frame from the sensor. Valid in any
// non-Uninitialized phase.
func (p *Pipeline) PullFrame(ctx context.Context) (*FrameBuffer, error) {
	p.mu.Lock()
	phase := p.state.Phase
	p.mu.Unlock()
	if phase == Uninitialized {
		return nil, fmt.Errorf("%w: pull_frame called while uninitialized", ErrWrongPhase)
	}
	return p.sensor.PullFrame(ctx)
}

// ReturnFrame releases a frame buffer obtained from PullFrame.
func (p *Pipeline) ReturnFrame(fb *FrameBuffer) {
	if fb == nil {
		return
	}
	p.sensor.ReturnFrame(fb)
}

// DropFrames pulls and discards n frames, used to flush DMA residue
// after a reconfiguration (spec §4.4, default D=5).
func (p *Pipeline) DropFrames(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		fb, err := p.PullFrame(ctx)
		if err != nil {
			p.logger.Debug("drop_frames pull failed", servicelog.Error(err), servicelog.Int("index", i))
			continue
		}
		p.ReturnFrame(fb)
	}
	return nil
}

// ApplySensorParams forwards tuning key/value pairs to the sensor's
// register setters. Order is unspecified; callers should not rely on
// any ordering between keys.
func (p *Pipeline) ApplySensorParams(params map[string]string) error {
	for k, v := range params {
		if err := p.sensor.SetRegister(k, v); err != nil {
			return fmt.Errorf("set register %q: %w", k, err)
		}
	}
	return nil
}

// Shutdown fully deinitializes the sensor, leaving the pipeline
// Uninitialized. Idempotent.
func (p *Pipeline) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Phase == Uninitialized {
		return nil
	}
	err := p.sensor.Deinit()
	p.setState(State{Phase: Uninitialized})
	return err
}
