package syncserver

import (
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

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

type fakeLauncher struct {
	ready     bool
	launched  chan int64
}

func newFakeLauncher(ready bool) *fakeLauncher {
	return &fakeLauncher{ready: ready, launched: make(chan int64, 4)}
}

func (f *fakeLauncher) Ready() bool { return f.ready }
func (f *fakeLauncher) Launch(delayUs int64) { f.launched <- delayUs }

func dialAndExchange(t *testing.T, addr net.Addr, payload string, timeout time.Duration) string {
	t.Helper()
	conn, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("no reply to %q: %v", payload, err)
	}
	return string(buf[:n])
}

func TestServerReadyRepliesOK(t *testing.T) {
	launcher := newFakeLauncher(true)
	srv, err := Listen(testLogger(), "127.0.0.1:0", launcher, nil)
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve()
	defer srv.Close()

	reply := dialAndExchange(t, srv.LocalAddr(), "READY", time.Second)
	if reply != protocol.ReplyOK {
		t.Fatalf("expected OK, got %q", reply)
	}
}

func TestServerReadyRepliesNOWhenBusy(t *testing.T) {
	launcher := newFakeLauncher(false)
	srv, err := Listen(testLogger(), "127.0.0.1:0", launcher, nil)
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve()
	defer srv.Close()

	reply := dialAndExchange(t, srv.LocalAddr(), "READY", time.Second)
	if reply != protocol.ReplyNO {
		t.Fatalf("expected NO, got %q", reply)
	}
}

func TestServerStartAcksThenLaunches(t *testing.T) {
	launcher := newFakeLauncher(true)
	srv, err := Listen(testLogger(), "127.0.0.1:0", launcher, nil)
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve()
	defer srv.Close()

	reply := dialAndExchange(t, srv.LocalAddr(), "START 15000", time.Second)
	if reply != protocol.ReplyACK {
		t.Fatalf("expected ACK, got %q", reply)
	}
	select {
	case delay := <-launcher.launched:
		if delay != 15000 {
			t.Fatalf("expected delay 15000, got %d", delay)
		}
	case <-time.After(time.Second):
		t.Fatal("Launch was never called")
	}
}

func TestServerEchoesClock(t *testing.T) {
	launcher := newFakeLauncher(true)
	clock := func() int64 { return 42424242 }
	srv, err := Listen(testLogger(), "127.0.0.1:0", launcher, clock)
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve()
	defer srv.Close()

	reply := dialAndExchange(t, srv.LocalAddr(), "1000", time.Second)
	if reply != "42424242" {
		t.Fatalf("expected echo of clock value, got %q", reply)
	}
}

func TestServerRepliesERRToGarbage(t *testing.T) {
	launcher := newFakeLauncher(true)
	srv, err := Listen(testLogger(), "127.0.0.1:0", launcher, nil)
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve()
	defer srv.Close()

	reply := dialAndExchange(t, srv.LocalAddr(), "not a valid message", time.Second)
	if reply != protocol.ReplyERR {
		t.Fatalf("expected ERR, got %q", reply)
	}
}
