// Package stream implements the StreamSupervisor (spec §4.7): the
// free-running preview loop the CaptureOrchestrator quiesces before
// every capture and restores afterward.
package stream

import (
	"context"
	"time"

	"go.uber.org/atomic"

	"github.com/fieldcam/camsync/internal/camerapipeline"
	"github.com/fieldcam/camsync/internal/servicelog"
)

// FrameSource pulls preview frames; satisfied by *camerapipeline.Pipeline.
type FrameSource interface {
	PullFrame(ctx context.Context) (*camerapipeline.FrameBuffer, error)
	ReturnFrame(fb *camerapipeline.FrameBuffer)
}

// Sink receives each preview frame in turn. Implementations that
// cannot keep up should drop frames rather than block the loop.
type Sink interface {
	Publish(fb *camerapipeline.FrameBuffer)
}

// Supervisor controls the streaming loop so CaptureOrchestrator can
// quiesce it (spec §4.7). enabled and stopPending are single-writer,
// many-reader flags per spec §5; atomic.Bool gives acquire/release
// semantics without a global mutex.
type Supervisor struct {
	logger      servicelog.Logger
	source      FrameSource
	sink        Sink
	frameDelay  time.Duration

	enabled     atomic.Bool
	stopPending atomic.Bool
	running     atomic.Bool
}

// New builds a Supervisor. frameDelay paces the preview loop between
// successful frame pulls.
func New(logger servicelog.Logger, source FrameSource, sink Sink, frameDelay time.Duration) *Supervisor {
	if frameDelay <= 0 {
		frameDelay = 100 * time.Millisecond
	}
	s := &Supervisor{logger: logger, source: source, sink: sink, frameDelay: frameDelay}
	s.enabled.Store(true)
	return s
}

// Enable re-arms the streaming loop; it resumes pulling frames on its
// next iteration.
func (s *Supervisor) Enable() {
	s.stopPending.Store(false)
	s.enabled.Store(true)
}

// Disable sets stop-pending so the loop stops pulling frames at the
// next frame boundary and idles until Enable. Safe to call whether or
// not the loop is currently running.
func (s *Supervisor) Disable() {
	s.enabled.Store(false)
	s.stopPending.Store(true)
}

// AwaitQuiescence waits up to timeout for the in-progress indicator to
// clear, then returns regardless (spec §4.7: "after that, it proceeds
// regardless"). The return value reports whether it actually
// quiesced in time, for callers that want to log the difference.
func (s *Supervisor) AwaitQuiescence(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !s.running.Load() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return !s.running.Load()
}

// Run drives the streaming loop until ctx is cancelled. It MUST run on
// the dedicated Stream task; nothing else may pull frames through
// FrameSource outside of a capture.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !s.enabled.Load() || s.stopPending.Load() {
			time.Sleep(s.frameDelay)
			continue
		}

		s.running.Store(true)
		fb, err := s.source.PullFrame(ctx)
		if err != nil {
			s.logger.Debug("stream pull failed", servicelog.Error(err))
			s.running.Store(false)
			time.Sleep(s.frameDelay)
			continue
		}
		s.sink.Publish(fb)
		s.source.ReturnFrame(fb)
		s.running.Store(false)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.frameDelay):
		}
	}
}
