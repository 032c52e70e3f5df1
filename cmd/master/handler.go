package main

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"gorm.io/datatypes"

	"github.com/fieldcam/camsync/internal/capture"
	"github.com/fieldcam/camsync/internal/history"
	"github.com/fieldcam/camsync/internal/httpparams"
	"github.com/fieldcam/camsync/internal/ledger"
	"github.com/fieldcam/camsync/internal/servicelog"
)

var knownParams = map[string]bool{
	"session": true, "frame_count": true, "framesize": true,
	"pixel_format": true, "cpu_time_to_start": true,
}

func requestFromForm(r *http.Request) (capture.Request, error) {
	if err := r.ParseForm(); err != nil {
		return capture.Request{}, err
	}
	format, err := httpparams.ParseFormat(r.Form.Get("pixel_format"))
	if err != nil {
		return capture.Request{}, err
	}
	size, err := httpparams.ParseSize(r.Form.Get("framesize"))
	if err != nil {
		return capture.Request{}, err
	}
	frameCount, err := strconv.Atoi(r.Form.Get("frame_count"))
	if err != nil || frameCount < 1 {
		return capture.Request{}, fmt.Errorf("invalid frame_count %q", r.Form.Get("frame_count"))
	}

	req := capture.Request{
		Session:      r.Form.Get("session"),
		FrameCount:   frameCount,
		Format:       format,
		Size:         size,
		SensorParams: map[string]string{},
	}
	if v := r.Form.Get("cpu_time_to_start"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return capture.Request{}, fmt.Errorf("invalid cpu_time_to_start %q", v)
		}
		us := ms * 1000
		req.SafetyMarginUs = &us
	}
	for key, values := range r.Form {
		if knownParams[key] || len(values) == 0 {
			continue
		}
		req.SensorParams[key] = values[0]
	}
	return req, nil
}

// captureHandler implements the HTTP capture-request interface (spec
// §6): blocks until completion, "OK" on success, 500 with a
// diagnostic on failure, 409 with "capture busy" when the queue
// rejects.
func captureHandler(logger servicelog.Logger, orchestrator *capture.Orchestrator, journal *history.Journal, store *ledger.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := requestFromForm(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		start := time.Now()
		out, err := orchestrator.Enqueue(r.Context(), req)
		if err != nil {
			if err == capture.ErrBusy {
				http.Error(w, capture.DiagCaptureBusy, http.StatusConflict)
				return
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if journal != nil {
			journal.Record(history.Entry{
				Session:    req.Session,
				OK:         out.OK,
				Diagnostic: out.Diagnostic,
				FrameCount: req.FrameCount,
				DurationMs: time.Since(start).Milliseconds(),
			})
		}
		if store != nil {
			store.Record(ledger.CaptureRecord{
				Session:       req.Session,
				OK:            out.OK,
				Diagnostic:    out.Diagnostic,
				FrameCount:    req.FrameCount,
				ArtifactCount: len(out.Artifacts),
				DurationMs:    time.Since(start).Milliseconds(),
				PixelFormat:   out.PixelFormat,
				TripUs:        out.OneWayTripUs,
				DisparityUs:   out.CPUDisparityUs,
				SensorParams:  datatypes.NewJSONType(req.SensorParams),
			})
		}

		if !out.OK {
			http.Error(w, out.Diagnostic, http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "OK")
	}
}
