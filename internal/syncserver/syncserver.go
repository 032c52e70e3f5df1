// Package syncserver implements the slave-side UDP listener: a single
// cooperative receiver answering READY/START/echo datagrams per the
// prefix table in spec §4.3.
package syncserver

import (
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fieldcam/camsync/internal/protocol"
	"github.com/fieldcam/camsync/internal/servicelog"
)

var linkUpMetric = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "camsync_slave_link_up",
	Help: "1 while the sync listener is bound and serving, 0 otherwise",
})

// Launcher is the slave-side capture engine. Launch is invoked once
// per START datagram, after the ACK has already been written to the
// wire; it must not block the receive loop, so implementations should
// hand the request off to their own goroutine or queue.
type Launcher interface {
	// Ready reports whether the slave can currently accept a START
	// (i.e. it is armed and neither capturing nor mid-handoff).
	Ready() bool
	// Launch schedules a capture delayUs microseconds from now. It
	// returns nothing, so the implementation logs its own failures;
	// it cannot reply to the peer, since the ACK has already gone out.
	Launch(delayUs int64)
}

// Server owns the UDP socket and the single goroutine that drains it.
type Server struct {
	logger   servicelog.Logger
	conn     *net.UDPConn
	launcher Launcher
	clock    func() int64

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Listen binds addr (host:port, typically ":<probe-port>") and returns
// a Server ready to Serve.
func Listen(logger servicelog.Logger, addr string, launcher Launcher, clock func() int64) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = func() int64 { return time.Now().UnixMicro() }
	}
	return &Server{
		logger:   logger,
		conn:     conn,
		launcher: launcher,
		clock:    clock,
		stopCh:   make(chan struct{}),
	}, nil
}

// LocalAddr returns the bound address, useful for tests that bind to ":0".
func (s *Server) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Serve runs the single cooperative receive loop until Close is called.
// Every datagram is answered before the next one is read; there is no
// concurrent fan-out, matching the "single listener, single reply in
// flight" discipline spec §5 requires of the slave.
func (s *Server) Serve() {
	s.wg.Add(1)
	defer s.wg.Done()
	linkUpMetric.Set(1)
	defer linkUpMetric.Set(0)

	buf := make([]byte, 64)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, peer, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Debug("syncserver read error", servicelog.Error(err))
				continue
			}
		}
		s.handle(protocol.Parse(buf[:n]), peer)
	}
}

func (s *Server) handle(msg protocol.Message, peer *net.UDPAddr) {
	switch msg.Kind {
	case protocol.KindReady:
		reply := protocol.ReplyNO
		if s.launcher.Ready() {
			reply = protocol.ReplyOK
		}
		s.reply(peer, reply)

	case protocol.KindStart:
		if !s.launcher.Ready() {
			s.reply(peer, protocol.ReplyNO)
			return
		}
		// The ACK must hit the wire before Launch runs, so the master's
		// round-trip measurement reflects acceptance, not completion.
		s.reply(peer, protocol.ReplyACK)
		s.launcher.Launch(msg.DelayUs)

	case protocol.KindEcho:
		s.reply(peer, string(protocol.Echo(s.clock())))

	default:
		s.reply(peer, protocol.ReplyERR)
	}
}

func (s *Server) reply(peer *net.UDPAddr, body string) {
	if _, err := s.conn.WriteToUDP([]byte(body), peer); err != nil {
		s.logger.Debug("syncserver reply failed", servicelog.Error(err), servicelog.String("peer", peer.String()))
	}
}

// Close stops the receive loop and releases the socket, blocking until
// Serve has returned.
func (s *Server) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	err := s.conn.Close()
	s.wg.Wait()
	return err
}
