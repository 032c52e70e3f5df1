// Package protocol encodes and parses the datagrams exchanged between
// the master's ClockProbe/SlaveControlClient and the slave's
// SlaveSyncServer. Every message is a single ASCII line with no
// framing beyond the datagram boundary.
package protocol

import (
	"strconv"
	"strings"
)

// Reply bodies. Requests are constructed with the helpers below.
const (
	ReplyOK  = "OK"
	ReplyNO  = "NO"
	ReplyACK = "ACK"
	ReplyERR = "ERR"
)

const readyPrefix = "READY"
const startPrefix = "START"

// Ready builds the "READY" request sent by SlaveControlClient.await_ready.
func Ready() []byte {
	return []byte(readyPrefix)
}

// Start builds the "START <delayUs>" request sent by SlaveControlClient.fire.
func Start(delayUs int64) []byte {
	return []byte(startPrefix + " " + strconv.FormatInt(delayUs, 10))
}

// Echo builds the clock-probe datagram: the sender's local monotonic
// microsecond value, as a plain decimal.
func Echo(monotonicUs int64) []byte {
	return []byte(strconv.FormatInt(monotonicUs, 10))
}

// MessageKind identifies what a received datagram decodes to.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindReady
	KindStart
	KindEcho
)

// Message is the parsed form of an incoming datagram.
type Message struct {
	Kind    MessageKind
	DelayUs int64 // valid when Kind == KindStart
	EchoUs  int64 // valid when Kind == KindEcho
}

// Parse decodes an incoming datagram per the prefix table in §4.3:
// "READY", "START <int>" with int>=0, a bare decimal integer (clock
// echo), or anything else (KindUnknown, the server replies ERR).
func Parse(payload []byte) Message {
	text := strings.TrimSpace(string(payload))
	switch {
	case text == readyPrefix:
		return Message{Kind: KindReady}
	case strings.HasPrefix(text, startPrefix):
		rest := strings.TrimSpace(strings.TrimPrefix(text, startPrefix))
		delay, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || delay < 0 {
			return Message{Kind: KindUnknown}
		}
		return Message{Kind: KindStart, DelayUs: delay}
	default:
		echo, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return Message{Kind: KindUnknown}
		}
		return Message{Kind: KindEcho, EchoUs: echo}
	}
}

// ParseEchoReply parses a clock-probe reply (a bare decimal, the
// slave's local monotonic microsecond value at receipt). Malformed
// replies are reported so the caller can discard the sample.
func ParseEchoReply(payload []byte) (us int64, ok bool) {
	text := strings.TrimSpace(string(payload))
	v, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// IsACK reports whether a fire reply is the expected acknowledgement.
func IsACK(payload []byte) bool {
	return strings.TrimSpace(string(payload)) == ReplyACK
}

// IsOK reports whether a ready reply means "armed and idle".
func IsOK(payload []byte) bool {
	return strings.TrimSpace(string(payload)) == ReplyOK
}
