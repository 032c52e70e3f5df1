package capture

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fieldcam/camsync/internal/camerapipeline"
)

func newTestEngine(t *testing.T, dir string) (*Engine, *fakeStream) {
	t.Helper()
	sensor := &fakeSensor{}
	pipeline := camerapipeline.New(testLogger(), sensor, nil, time.Millisecond)
	if err := pipeline.Initialize(camerapipeline.FormatJPEG, camerapipeline.DefaultSize); err != nil {
		t.Fatal(err)
	}
	stream := &fakeStream{}
	clock, _ := fakeClockAt(0)
	return NewEngine(testLogger(), pipeline, stream, 2, dir, clock), stream
}

func TestEnginePrepareRejectsWhenAlreadyReady(t *testing.T) {
	e, _ := newTestEngine(t, t.TempDir())
	req := Request{Session: "e1", FrameCount: 1, Format: camerapipeline.FormatJPEG, Size: camerapipeline.DefaultSize}
	if err := e.Prepare(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if err := e.Prepare(context.Background(), req); err == nil {
		t.Fatal("expected second prepare to be rejected")
	}
}

func TestEngineLaunchPullsFramesAndRestoresSlot(t *testing.T) {
	e, stream := newTestEngine(t, t.TempDir())
	req := Request{Session: "e2", FrameCount: 2, Format: camerapipeline.FormatJPEG, Size: camerapipeline.DefaultSize}
	if err := e.Prepare(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if !e.Ready() {
		t.Fatal("expected engine ready after prepare")
	}

	e.Launch(0)

	deadline := time.Now().Add(2 * time.Second)
	// fire re-enables the stream as its last restore step, then Finish
	// clears in_progress.
	for atomic.LoadInt32(&stream.enableCount) == 0 || e.slot.InProgress() {
		if time.Now().After(deadline) {
			t.Fatal("launch did not complete in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if e.Ready() {
		t.Fatal("slot should be idle (neither ready nor in_progress) once restored to streaming")
	}
}
