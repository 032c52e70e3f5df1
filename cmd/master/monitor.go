package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fieldcam/camsync/internal/clockprobe"
	"github.com/fieldcam/camsync/internal/servicelog"
)

var linkUpMetric = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "camsync_slave_link_up",
	Help: "1 while the configured slave answers clock-probe echoes, 0 otherwise",
})

// monitorSlaveLink polls the slave's clock-probe echo once per interval
// and alerts on reachability transitions, the same hysteresis shape as
// the teacher's monitorUSB loop (detected/missing latch plus a single
// log line per transition, not one per poll).
func monitorSlaveLink(ctx context.Context, logger servicelog.Logger, prober *clockprobe.Prober, target string, interval time.Duration) {
	if target == "" || prober == nil {
		return
	}
	logger = logger.With(servicelog.String("target", target))
	timer := time.NewTimer(0)
	defer timer.Stop()

	linkUp := false // true while the latest probe got a reply
	linkMissing := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			_, err := prober.Probe(ctx, target, 1, 500*time.Millisecond)
			reachable := err == nil
			if !reachable && (linkUp || !linkMissing) {
				logger.Error("slave link unreachable", servicelog.Error(err))
				linkUp = false
				linkMissing = true
			}
			if reachable {
				linkUp = true
				if linkMissing {
					logger.Info("slave link recovered")
					linkMissing = false
				}
			}
			if linkUp {
				linkUpMetric.Set(1)
			} else {
				linkUpMetric.Set(0)
			}
			timer.Reset(interval)
		}
	}
}
