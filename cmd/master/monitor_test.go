package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/fieldcam/camsync/internal/clockprobe"
	"github.com/fieldcam/camsync/internal/protocol"
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

func echoResponder(t *testing.T, conn *net.UDPConn, stop <-chan struct{}) {
	t.Helper()
	buf := make([]byte, 64)
	for {
		conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, addr, err := conn.ReadFromUDP(buf)
		select {
		case <-stop:
			return
		default:
		}
		if err != nil {
			continue
		}
		_ = buf[:n]
		conn.WriteToUDP(protocol.Echo(1), addr)
	}
}

func TestMonitorSlaveLinkSetsGaugeWhenReachable(t *testing.T) {
	fake, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer fake.Close()
	stop := make(chan struct{})
	defer close(stop)
	go echoResponder(t, fake, stop)

	prober := clockprobe.New(testLogger(), nil, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitorSlaveLink(ctx, testLogger(), prober, fake.LocalAddr().String(), 20*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if testutil.ToFloat64(linkUpMetric) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected camsync_slave_link_up to reach 1")
}

func TestMonitorSlaveLinkNoopWithoutTarget(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	monitorSlaveLink(ctx, testLogger(), clockprobe.New(testLogger(), nil, 0), "", time.Millisecond)
}
