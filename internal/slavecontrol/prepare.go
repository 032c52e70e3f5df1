package slavecontrol

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/fieldcam/camsync/internal/servicelog"
)

// PrepareParams is the parameter set forwarded to the slave's HTTP
// capture-prepare endpoint (spec §6): session, frame count, target
// size/format, and an arbitrary bag of sensor-tuning keys.
type PrepareParams struct {
	Session      string
	FrameCount   int
	FrameWidth   int
	FrameHeight  int
	PixelFormat  string
	SensorParams map[string]string
}

// ErrPrepareRefused means the slave answered with HTTP 409: its
// CaptureSlot is already ready or in_progress.
var ErrPrepareRefused = fmt.Errorf("slavecontrol: slave refused prepare (busy)")

// Preparer issues the master-side capture-prepare call to the slave's
// HTTP front-end. It is the client half of the external interface
// described in spec §6; one retryable attempt per call to backoff.
type Preparer struct {
	logger     servicelog.Logger
	httpClient *http.Client
	baseURL    string
	maxElapsed time.Duration
}

// NewPreparer builds a Preparer against baseURL (e.g.
// "http://10.0.0.2:8080/prepare"), retrying transient failures for up
// to maxElapsed using an exponential backoff, grounded on the retry
// discipline used for the slave's datagram protocol.
func NewPreparer(logger servicelog.Logger, baseURL string, maxElapsed time.Duration) *Preparer {
	return &Preparer{
		logger:     logger,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    baseURL,
		maxElapsed: maxElapsed,
	}
}

// Prepare POSTs the form-encoded parameters and treats any non-200,
// non-409 response as retryable.
func (p *Preparer) Prepare(ctx context.Context, params PrepareParams) error {
	form := url.Values{}
	form.Set("session", params.Session)
	form.Set("frame_count", strconv.Itoa(params.FrameCount))
	form.Set("framesize", fmt.Sprintf("%dx%d", params.FrameWidth, params.FrameHeight))
	form.Set("pixel_format", params.PixelFormat)
	for k, v := range params.SensorParams {
		form.Set(k, v)
	}
	body := form.Encode()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = p.maxElapsed

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, strings.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			p.logger.Debug("prepare request failed", servicelog.Error(err))
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		switch resp.StatusCode {
		case http.StatusOK:
			return nil
		case http.StatusConflict:
			return backoff.Permanent(ErrPrepareRefused)
		default:
			return fmt.Errorf("slavecontrol: prepare returned status %d", resp.StatusCode)
		}
	}, backoff.WithContext(bo, ctx))
}
