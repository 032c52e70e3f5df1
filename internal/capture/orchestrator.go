package capture

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/multierr"

	"github.com/fieldcam/camsync/internal/camerapipeline"
	"github.com/fieldcam/camsync/internal/clockprobe"
	"github.com/fieldcam/camsync/internal/servicelog"
	"github.com/fieldcam/camsync/internal/storage"
)

var (
	captureDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "camsync_capture_duration_seconds",
		Help:    "Wall-clock duration of a full capture sequence",
		Buckets: prometheus.DefBuckets,
	})
	captureTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camsync_capture_total",
		Help: "Completed captures by outcome diagnostic",
	}, []string{"diagnostic"})
	queueDepthMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "camsync_capture_queue_depth",
		Help: "Number of requests currently queued ahead of the one in flight",
	})
	frameDropMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camsync_frame_drop_total",
		Help: "Individual frame pulls that failed during RECORD",
	})
)

// StreamController is the subset of StreamSupervisor the orchestrator
// needs to quiesce and restore streaming around a capture.
type StreamController interface {
	Disable()
	Enable()
	AwaitQuiescence(timeout time.Duration) bool
}

// Preparer issues the HTTP capture-prepare call to the slave.
type Preparer interface {
	Prepare(ctx context.Context, params PrepareParams) error
}

// PrepareParams mirrors slavecontrol.PrepareParams; kept as a local
// type so this package does not need to import slavecontrol directly
// (cmd/master adapts slavecontrol.Preparer to this interface).
type PrepareParams struct {
	Session      string
	FrameCount   int
	FrameWidth   int
	FrameHeight  int
	PixelFormat  string
	SensorParams map[string]string
}

// SlaveControl is the subset of slavecontrol.Client the orchestrator drives.
type SlaveControl interface {
	AwaitReady(ctx context.Context, totalTimeout, pollInterval time.Duration) error
	Fire(ctx context.Context, delayUs int64, retries int, retryDelay time.Duration) error
}

// Prober is the subset of clockprobe.Prober the orchestrator drives.
type Prober interface {
	Probe(ctx context.Context, target string, kPings int, perAttempt time.Duration) (clockprobe.Metrics, error)
}

// Config bounds every timing parameter of the orchestrator's state
// machine, populated from the ambient configuration (spec §6 table).
type Config struct {
	SafetyMarginUs       int64
	ProbePingCount       int
	ProbePerAttempt      time.Duration
	DropFrames           int
	SlavePrepareSettle   time.Duration
	SlaveReadyTimeout    time.Duration
	SlaveReadyPoll       time.Duration
	StartRetries         int
	StartRetryDelay      time.Duration
	AllowSlaveMissing    bool
	QuiesceTimeout       time.Duration
	CaptureDir           string
	SlaveTarget          string
}

// Dependencies wires the orchestrator to its collaborators. Slave and
// Prepare may be nil, meaning no slave is configured at all; that is
// treated identically to a slave that fails every probe, gated by
// Config.AllowSlaveMissing.
type Dependencies struct {
	Pipeline *camerapipeline.Pipeline
	Stream   StreamController
	Prober   Prober
	Slave    SlaveControl
	Prepare  Preparer
	Clock    Clock
}

// Orchestrator serializes CaptureRequests through a bounded
// single-consumer queue and runs the sequencer described in spec §4.5.
type Orchestrator struct {
	logger servicelog.Logger
	cfg    Config
	deps   Dependencies
	queue  chan *job
}

type job struct {
	ctx      context.Context
	req      Request
	resultCh chan Outcome
}

// New builds an Orchestrator with a bounded queue of the given
// capacity (spec testable property 3: "with queue capacity C, at most
// C+1 captures may be pending").
func New(logger servicelog.Logger, cfg Config, deps Dependencies, queueCapacity int) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clockprobe.MonotonicMicros
	}
	if cfg.QuiesceTimeout <= 0 {
		cfg.QuiesceTimeout = 2 * time.Second
	}
	if queueCapacity < 1 {
		queueCapacity = 1
	}
	return &Orchestrator{
		logger: logger,
		cfg:    cfg,
		deps:   deps,
		queue:  make(chan *job, queueCapacity),
	}
}

// Run drains the queue until ctx is cancelled. It must run on the
// single Capture task; nothing else may drive the CameraPipeline
// while Run is active.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-o.queue:
			queueDepthMetric.Set(float64(len(o.queue)))
			out := o.process(j.ctx, j.req)
			j.resultCh <- out
		}
	}
}

// Enqueue submits req and blocks until it completes or ctx is
// cancelled. Returns ErrBusy immediately if the queue is full.
func (o *Orchestrator) Enqueue(ctx context.Context, req Request) (Outcome, error) {
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}
	j := &job{ctx: ctx, req: req, resultCh: make(chan Outcome, 1)}
	select {
	case o.queue <- j:
	default:
		return Outcome{}, ErrBusy
	}
	queueDepthMetric.Set(float64(len(o.queue)))

	select {
	case out := <-j.resultCh:
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (o *Orchestrator) process(ctx context.Context, req Request) Outcome {
	start := time.Now()
	logger := o.logger.With(servicelog.String("session", req.Session))
	defer func() {
		captureDuration.Observe(time.Since(start).Seconds())
	}()

	restore := func() {
		if err := o.deps.Pipeline.Reinitialize(camerapipeline.FormatJPEG, camerapipeline.DefaultSize); err != nil {
			logger.Error("restore reinit failed", servicelog.Error(err))
		}
		o.deps.Pipeline.MarkStreaming()
		o.deps.Stream.Enable()
	}
	finish := func(out Outcome) Outcome {
		restore()
		captureTotal.WithLabelValues(out.Diagnostic).Inc()
		return out
	}

	// QUIESCE_STREAM
	o.deps.Stream.Disable()
	o.deps.Stream.AwaitQuiescence(o.cfg.QuiesceTimeout)

	// PREPARE_SLAVE
	slaveAvailable := o.deps.Slave != nil && o.deps.Prepare != nil
	if !slaveAvailable && !o.cfg.AllowSlaveMissing {
		logger.Warn("no slave control client configured")
		return finish(fail(DiagSlaveNotReady))
	}
	if slaveAvailable {
		err := o.deps.Prepare.Prepare(ctx, PrepareParams{
			Session:      req.Session,
			FrameCount:   req.FrameCount,
			FrameWidth:   req.Size.Width,
			FrameHeight:  req.Size.Height,
			PixelFormat:  req.Format.String(),
			SensorParams: req.SensorParams,
		})
		if err != nil {
			logger.Warn("slave prepare failed", servicelog.Error(err))
			if !o.cfg.AllowSlaveMissing {
				return finish(fail(DiagSlaveNotReady))
			}
			slaveAvailable = false
		}
	}

	// WAIT_SETTLE
	if slaveAvailable && o.cfg.SlavePrepareSettle > 0 {
		select {
		case <-time.After(o.cfg.SlavePrepareSettle):
		case <-ctx.Done():
			return finish(fail(DiagCaptureTimeout))
		}
	}

	// RECONFIG_CAMERA (always full reinit, per spec §4.5)
	if err := o.deps.Pipeline.Reinitialize(req.Format, req.Size); err != nil {
		logger.Error("camera reinit failed", servicelog.Error(err))
		return finish(fail(DiagCameraInitFailed))
	}

	// APPLY_SENSOR
	if err := o.deps.Pipeline.ApplySensorParams(req.SensorParams); err != nil {
		logger.Warn("sensor parameter application failed", servicelog.Error(err))
	}

	// WARMUP
	if err := o.deps.Pipeline.DropFrames(ctx, o.cfg.DropFrames); err != nil {
		logger.Warn("warmup frame drop failed", servicelog.Error(err))
	}

	// AWAIT_SLAVE_READY
	if slaveAvailable {
		if err := o.deps.Slave.AwaitReady(ctx, o.cfg.SlaveReadyTimeout, o.cfg.SlaveReadyPoll); err != nil {
			logger.Warn("slave never reported ready", servicelog.Error(err))
			if !o.cfg.AllowSlaveMissing {
				return finish(fail(DiagSlaveNotReady))
			}
			slaveAvailable = false
		}
	}

	// CLOCK_PROBE / SKIP_SYNC
	metrics := clockprobe.Metrics{}
	if slaveAvailable {
		m, err := o.deps.Prober.Probe(ctx, o.cfg.SlaveTarget, o.cfg.ProbePingCount, o.cfg.ProbePerAttempt)
		if err != nil {
			logger.Warn("clock probe failed", servicelog.Error(err))
			if !o.cfg.AllowSlaveMissing {
				return finish(fail(DiagUDPSyncFailed))
			}
			slaveAvailable = false
		} else {
			metrics = m
		}
	}

	// Delay computation (spec §4.5).
	safety := o.cfg.SafetyMarginUs
	if req.SafetyMarginUs != nil {
		safety = *req.SafetyMarginUs
	}
	slaveDelayUs := safety
	masterDelayUs := safety
	if slaveAvailable {
		masterDelayUs = maxInt64(0, safety+metrics.OneWayTripUs+metrics.CPUDisparityUs)
	}

	// FIRE
	if slaveAvailable {
		if err := o.deps.Slave.Fire(ctx, slaveDelayUs, o.cfg.StartRetries, o.cfg.StartRetryDelay); err != nil {
			logger.Warn("slave did not acknowledge start", servicelog.Error(err))
			if !o.cfg.AllowSlaveMissing {
				return finish(fail(DiagSlaveStartFailed))
			}
		}
	}

	// SPIN_TO_DEADLINE: deadline is computed now, i.e. after the ACK to
	// START (or immediately, on the slave-missing path).
	deadline := o.deps.Clock() + masterDelayUs
	spinToDeadline(o.deps.Clock, deadline)

	// RECORD
	var artifacts []string
	var recordErr error
	for i := 0; i < req.FrameCount; i++ {
		fb, err := o.deps.Pipeline.PullFrame(ctx)
		if err != nil {
			recordErr = multierr.Append(recordErr, err)
			frameDropMetric.Inc()
			continue
		}
		ts := o.deps.Clock() / 1000
		artifact, err := storage.Write(o.cfg.CaptureDir, req.Session, ts, req.Format, fb.Data)
		o.deps.Pipeline.ReturnFrame(fb)
		if err != nil {
			recordErr = multierr.Append(recordErr, err)
			frameDropMetric.Inc()
			continue
		}
		artifacts = append(artifacts, artifact.Path)
	}
	// A few dropped frames are expected per spec §4.6's bounded-queue
	// reasoning; log the whole batch's failures at once rather than one
	// line per frame.
	if recordErr != nil {
		logger.Warn("some frames were dropped during record", servicelog.Error(recordErr))
	}
	if len(artifacts) == 0 {
		return finish(fail(DiagNoFramesCaptured))
	}

	return finish(success(artifacts, req.Format.String(), metrics.OneWayTripUs, metrics.CPUDisparityUs))
}
