package stream

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fieldcam/camsync/internal/camerapipeline"
	"github.com/fieldcam/camsync/internal/servicelog"
)

type zapLogger struct{ z *zap.Logger }

func testLogger() servicelog.Logger {
	l, _ := zap.NewDevelopment()
	return zapLogger{z: l}
}

func (l zapLogger) With(attrs ...servicelog.Attrib) servicelog.Logger {
	return zapLogger{z: l.z.With(attrs...)}
}
func (l zapLogger) Info(msg string, attrs ...servicelog.Attrib)  { l.z.Info(msg, attrs...) }
func (l zapLogger) Error(msg string, attrs ...servicelog.Attrib) { l.z.Error(msg, attrs...) }
func (l zapLogger) Warn(msg string, attrs ...servicelog.Attrib)  { l.z.Warn(msg, attrs...) }
func (l zapLogger) Debug(msg string, attrs ...servicelog.Attrib) { l.z.Debug(msg, attrs...) }
func (l zapLogger) Fatal(msg string, attrs ...servicelog.Attrib) { l.z.Fatal(msg, attrs...) }

type fakeSource struct {
	pulls  int32
	failed bool
}

func (f *fakeSource) PullFrame(ctx context.Context) (*camerapipeline.FrameBuffer, error) {
	atomic.AddInt32(&f.pulls, 1)
	if f.failed {
		return nil, errors.New("no frame")
	}
	return &camerapipeline.FrameBuffer{Data: []byte{0x01}}, nil
}
func (f *fakeSource) ReturnFrame(fb *camerapipeline.FrameBuffer) {}

type countingSink struct {
	published int32
}

func (s *countingSink) Publish(fb *camerapipeline.FrameBuffer) {
	atomic.AddInt32(&s.published, 1)
}

func TestSupervisorPublishesWhileEnabled(t *testing.T) {
	source := &fakeSource{}
	sink := &countingSink{}
	s := New(testLogger(), source, sink, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if atomic.LoadInt32(&sink.published) == 0 {
		t.Fatal("expected at least one published frame")
	}
}

func TestSupervisorDisableStopsPublishing(t *testing.T) {
	source := &fakeSource{}
	sink := &countingSink{}
	s := New(testLogger(), source, sink, 5*time.Millisecond)
	s.Disable()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if atomic.LoadInt32(&sink.published) != 0 {
		t.Fatalf("expected zero publishes while disabled, got %d", sink.published)
	}
}

func TestAwaitQuiescenceReturnsPromptlyWhenIdle(t *testing.T) {
	source := &fakeSource{}
	sink := &countingSink{}
	s := New(testLogger(), source, sink, 5*time.Millisecond)
	s.Disable()

	start := time.Now()
	quiesced := s.AwaitQuiescence(2 * time.Second)
	if !quiesced {
		t.Fatal("expected quiescence")
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatalf("expected prompt return, took %v", time.Since(start))
	}
}
