// Package clockprobe measures one-way trip time and master-slave clock
// disparity over the UDP echo leg of the sync protocol (spec §4.1).
package clockprobe

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fieldcam/camsync/internal/buffer"
	"github.com/fieldcam/camsync/internal/protocol"
	"github.com/fieldcam/camsync/internal/servicelog"
)

var (
	tripMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "camsync_clock_probe_trip_us",
		Help: "Last measured one-way trip time to the slave, in microseconds",
	}, []string{"target"})

	disparityMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "camsync_clock_probe_disparity_us",
		Help: "Last measured master/slave clock disparity, in microseconds",
	}, []string{"target"})

	failureMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camsync_clock_probe_failures_total",
		Help: "Number of clock-probe sessions that returned NoReply or Unreachable",
	}, []string{"target"})
)

// ErrUnreachable means the socket could not be created or the target
// could not be resolved.
var ErrUnreachable = errors.New("clockprobe: target unreachable")

// ErrNoReply means every ping in the session timed out or was malformed.
var ErrNoReply = errors.New("clockprobe: no reply received")

// Metrics is the result of a probe session: mean one-way trip time and
// mean clock disparity over every successful sample. Both fields are
// zero when no probe succeeded.
type Metrics struct {
	OneWayTripUs  int64
	CPUDisparityUs int64
}

// Clock returns the caller's current local-monotonic microsecond value.
// Substituted in tests to make disparity deterministic.
type Clock func() int64

// MonotonicMicros is the production Clock: time.Now() mapped onto a
// monotonic microsecond counter anchored at process start.
var processStart = time.Now()

func MonotonicMicros() int64 {
	return time.Since(processStart).Microseconds()
}

// Prober sends K datagram echoes to a slave and derives round-trip and
// clock-disparity estimates from the replies.
type Prober struct {
	logger  servicelog.Logger
	clock   Clock
	history *buffer.Ring[Metrics]
}

// New creates a Prober. historySize bounds how many past sessions are
// retained for diagnostics (0 disables history tracking).
func New(logger servicelog.Logger, clock Clock, historySize int) *Prober {
	if clock == nil {
		clock = MonotonicMicros
	}
	var hist *buffer.Ring[Metrics]
	if historySize > 0 {
		hist = buffer.NewRing[Metrics](historySize)
	}
	return &Prober{logger: logger, clock: clock, history: hist}
}

// History returns the recent probe results, oldest first.
func (p *Prober) History() []Metrics {
	if p.history == nil {
		return nil
	}
	return p.history.Snapshot()
}

// Probe sends kPings echo datagrams to target (host:port), each with a
// perAttempt timeout, and returns the aggregate Metrics. The socket is
// opened fresh for the session and reused across every ping inside it;
// nothing persists across calls to Probe.
func (p *Prober) Probe(ctx context.Context, target string, kPings int, perAttempt time.Duration) (Metrics, error) {
	logger := p.logger.With(servicelog.String("target", target))
	conn, err := net.Dial("udp", target)
	if err != nil {
		logger.Error("failed to dial slave for clock probe", servicelog.Error(err))
		failureMetric.WithLabelValues(target).Inc()
		return Metrics{}, ErrUnreachable
	}
	defer conn.Close()

	var tripSum, dispSum int64
	var samples int
	buf := make([]byte, 64)
	for i := 0; i < kPings; i++ {
		if ctx.Err() != nil {
			break
		}
		send := p.clock()
		if _, err := conn.Write(protocol.Echo(send)); err != nil {
			logger.Debug("echo send failed", servicelog.Error(err))
			continue
		}
		conn.SetReadDeadline(time.Now().Add(perAttempt))
		n, err := conn.Read(buf)
		recv := p.clock()
		if err != nil {
			logger.Debug("echo reply timed out", servicelog.Error(err))
			continue
		}
		slaveTs, ok := protocol.ParseEchoReply(buf[:n])
		if !ok {
			logger.Debug("malformed echo reply", servicelog.Any("payload", string(buf[:n])))
			continue
		}
		rtt := recv - send
		disparity := (send + rtt/2) - slaveTs
		tripSum += rtt / 2
		dispSum += disparity
		samples++
	}

	if samples == 0 {
		logger.Warn("clock probe received zero replies")
		failureMetric.WithLabelValues(target).Inc()
		return Metrics{}, ErrNoReply
	}

	result := Metrics{
		OneWayTripUs:   tripSum / int64(samples),
		CPUDisparityUs: dispSum / int64(samples),
	}
	tripMetric.WithLabelValues(target).Set(float64(result.OneWayTripUs))
	disparityMetric.WithLabelValues(target).Set(float64(result.CPUDisparityUs))
	if p.history != nil {
		p.history.Push(result)
	}
	logger.Debug("clock probe complete",
		servicelog.Int("samples", samples),
		servicelog.Int64("tripUs", result.OneWayTripUs),
		servicelog.Int64("disparityUs", result.CPUDisparityUs))
	return result, nil
}
