// Package slavecontrol implements the master-side control client: the
// READY/START handshake described in spec §4.2, with bounded retry.
package slavecontrol

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/fieldcam/camsync/internal/protocol"
	"github.com/fieldcam/camsync/internal/servicelog"
)

// ErrTimeout is returned by AwaitReady when the slave never answers OK
// within the overall deadline.
var ErrTimeout = errors.New("slavecontrol: timed out waiting for slave ready")

// ErrFireFailed is returned by Fire when every retry was exhausted
// without an ACK.
var ErrFireFailed = errors.New("slavecontrol: slave did not acknowledge START")

// Client talks READY/START to one slave over a single UDP socket.
type Client struct {
	logger servicelog.Logger
	conn   net.Conn
}

// Dial opens the UDP socket the Client uses for every READY/START
// exchange until Close (the clock-probe session uses its own,
// separate socket per spec §4.1).
func Dial(logger servicelog.Logger, target string) (*Client, error) {
	conn, err := net.Dial("udp", target)
	if err != nil {
		return nil, err
	}
	return &Client{logger: logger, conn: conn}, nil
}

// Close releases the socket.
func (c *Client) Close() error {
	return c.conn.Close()
}

// AwaitReady polls the slave with READY at pollInterval until it
// replies OK (armed and idle) or totalTimeout elapses.
func (c *Client) AwaitReady(ctx context.Context, totalTimeout, pollInterval time.Duration) error {
	deadline := time.Now().Add(totalTimeout)
	buf := make([]byte, 16)
	for {
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := c.conn.Write(protocol.Ready()); err != nil {
			c.logger.Debug("READY send failed", servicelog.Error(err))
		} else {
			c.conn.SetReadDeadline(time.Now().Add(pollInterval))
			n, err := c.conn.Read(buf)
			if err == nil && protocol.IsOK(buf[:n]) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Fire sends "START <delayUs>" and waits for ACK, making at most
// retries attempts in total; retryDelay is both the per-attempt reply
// timeout and the pause between attempts.
func (c *Client) Fire(ctx context.Context, delayUs int64, retries int, retryDelay time.Duration) error {
	bo := backoff.NewConstantBackOff(retryDelay)
	withRetries := backoff.WithMaxRetries(bo, uint64(retries-1))
	buf := make([]byte, 16)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if _, err := c.conn.Write(protocol.Start(delayUs)); err != nil {
			return err
		}
		c.conn.SetReadDeadline(time.Now().Add(retryDelay))
		n, err := c.conn.Read(buf)
		if err != nil {
			c.logger.Debug("START attempt got no reply", servicelog.Int("attempt", attempt), servicelog.Error(err))
			return err
		}
		if !protocol.IsACK(buf[:n]) {
			c.logger.Debug("START attempt rejected", servicelog.Int("attempt", attempt), servicelog.Any("reply", string(buf[:n])))
			return ErrFireFailed
		}
		return nil
	}, backoff.WithContext(withRetries, ctx))

	if err != nil {
		c.logger.Warn("slave did not acknowledge START", servicelog.Error(err), servicelog.Int("attempts", attempt))
		return ErrFireFailed
	}
	return nil
}
