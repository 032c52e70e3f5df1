package capture

import (
	"context"
	"time"

	"github.com/fieldcam/camsync/internal/camerapipeline"
	"github.com/fieldcam/camsync/internal/servicelog"
	"github.com/fieldcam/camsync/internal/storage"
)

// Engine is the slave-side CaptureEngine (spec §4.6): a two-phase
// prepared-then-armed executor. It implements syncserver.Launcher so
// the UDP listener can hand off a START directly.
type Engine struct {
	logger   servicelog.Logger
	pipeline *camerapipeline.Pipeline
	stream   StreamController
	slot     *Slot
	clock    Clock
	dropD    int
	dir      string
}

// NewEngine builds a slave-side CaptureEngine around one CameraPipeline.
func NewEngine(logger servicelog.Logger, pipeline *camerapipeline.Pipeline, stream StreamController, dropFrames int, captureDir string, clock Clock) *Engine {
	return &Engine{
		logger:   logger,
		pipeline: pipeline,
		stream:   stream,
		slot:     &Slot{},
		clock:    clock,
		dropD:    dropFrames,
		dir:      captureDir,
	}
}

// Ready implements syncserver.Launcher. It reports true only once
// Prepare has finished and marked the pipeline Prepared, not while the
// slot is claimed but the camera is still being reconfigured.
func (e *Engine) Ready() bool {
	return e.slot.Ready() && e.pipeline.State().Phase == camerapipeline.Prepared
}

// Prepare runs the slave's prepare steps (spec §4.6 step 1-6): claim
// the slot (rejecting if busy), quiesce streaming, reinit (or resize)
// the camera, apply sensor tuning, warm up, then mark the pipeline
// Prepared, which is when Ready starts reporting true.
func (e *Engine) Prepare(ctx context.Context, req Request) error {
	if err := e.slot.TryPrepare(req); err != nil {
		return err
	}

	e.stream.Disable()
	e.stream.AwaitQuiescence(2 * time.Second)

	var err error
	if req.Format != camerapipeline.FormatJPEG {
		err = e.pipeline.Reinitialize(req.Format, req.Size)
	} else {
		err = e.pipeline.SetSizeWithinFormat(req.Size)
	}
	if err != nil {
		e.logger.Error("slave reconfigure failed", servicelog.Error(err))
		e.slot.Release()
		if rerr := e.pipeline.Reinitialize(camerapipeline.FormatJPEG, camerapipeline.DefaultSize); rerr != nil {
			e.logger.Error("slave restore reinit failed", servicelog.Error(rerr))
		}
		e.pipeline.MarkStreaming()
		e.stream.Enable()
		return err
	}

	if err := e.pipeline.ApplySensorParams(req.SensorParams); err != nil {
		e.logger.Warn("slave sensor parameter application failed", servicelog.Error(err))
	}
	if err := e.pipeline.DropFrames(ctx, e.dropD); err != nil {
		e.logger.Warn("slave warmup frame drop failed", servicelog.Error(err))
	}
	e.pipeline.MarkPrepared()
	return nil
}

// Launch implements syncserver.Launcher: the fire steps of spec §4.6.
// It is invoked by the sync server's receive loop after the ACK has
// already gone out, so it must not block the caller; it runs its own
// goroutine for the pull/persist/restore sequence.
func (e *Engine) Launch(delayUs int64) {
	go e.fire(delayUs)
}

func (e *Engine) fire(delayUs int64) {
	req, ok := e.slot.TryFire()
	if !ok {
		e.logger.Warn("fire invoked with no armed request")
		return
	}
	defer e.slot.Finish()

	deadline := e.clock() + delayUs
	spinToDeadline(e.clock, deadline)

	var artifacts []string
	var reinitUsed bool
	if req.Format != camerapipeline.FormatJPEG {
		reinitUsed = true
	}

	for i := 0; i < req.FrameCount; i++ {
		fb, err := e.pipeline.PullFrame(context.Background())
		if err != nil {
			e.logger.Warn("slave frame pull failed", servicelog.Error(err), servicelog.Int("index", i))
			continue
		}
		ts := e.clock() / 1000
		artifact, err := storage.Write(e.dir, req.Session, ts, req.Format, fb.Data)
		e.pipeline.ReturnFrame(fb)
		if err != nil {
			e.logger.Warn("slave frame persist failed", servicelog.Error(err), servicelog.Int("index", i))
			continue
		}
		artifacts = append(artifacts, artifact.Path)
	}
	e.logger.Info("slave fire complete", servicelog.Int("artifacts", len(artifacts)))

	if reinitUsed {
		if err := e.pipeline.Reinitialize(camerapipeline.FormatJPEG, camerapipeline.DefaultSize); err != nil {
			e.logger.Error("slave restore reinit failed", servicelog.Error(err))
		}
	}
	e.pipeline.MarkStreaming()
	e.stream.Enable()
}
