// Package transport implements the three ISOBUS multi-frame delivery
// schemes: TP (BAM and RTS/CTS up to 1785 bytes), ETP (connection mode up to
// ~117 MB with data-packet-offset windowing) and NMEA 2000 Fast Packet.
// Sessions advance only inside Update and never touch the wall clock.
package transport

import (
	"errors"
	"fmt"

	"github.com/robolibs/agrobus/internal/sched"
	"github.com/robolibs/agrobus/pkg/can"
)

// Protocol size limits.
const (
	// BytesPerFrame is the payload carried by one TP or ETP data frame.
	BytesPerFrame = 7
	// MaxTPBytes is the largest TP transfer (255 packets of 7 bytes).
	MaxTPBytes = 1785
	// MaxETPBytes is the largest ETP transfer (0x00FFFFFF packets).
	MaxETPBytes = 0x00FFFFFF * BytesPerFrame
	// MaxFastPacketBytes is six bytes in the first Fast Packet frame plus
	// seven in each of 31 continuation frames.
	MaxFastPacketBytes = 223
)

// Mandatory protocol timeouts in milliseconds (ISO 11783-3 / J1939-21).
const (
	TimeoutT1 = 750  // receiver waiting for the next DT frame
	TimeoutT2 = 1250 // transmitter waiting for CTS
	TimeoutT3 = 1250 // transmitter waiting for EndOfMsgAck
	TimeoutT4 = 1050 // receiver waiting for the next CTS window
	TimeoutTh = 500  // holdoff response to a CTS(0) pause
	// TimeoutFastPacket evicts stalled Fast Packet reassembly buffers.
	TimeoutFastPacket = 750
	// BAMInterFrameMS is the minimum gap between broadcast DT frames.
	BAMInterFrameMS = 50
)

// TP.CM and ETP.CM control bytes.
const (
	tpCtrlRTS   = 16
	tpCtrlCTS   = 17
	tpCtrlEoMA  = 19
	tpCtrlBAM   = 32
	tpCtrlAbort = 255

	etpCtrlRTS   = 20
	etpCtrlCTS   = 21
	etpCtrlDPO   = 22
	etpCtrlEoMA  = 23
	etpCtrlAbort = 255
)

// AbortReason is the connection abort code carried in TP.CM / ETP.CM byte 1.
type AbortReason uint8

const (
	AbortNone                   AbortReason = 0
	AbortTimeout                AbortReason = 1
	AbortAlreadyInSession       AbortReason = 2
	AbortResourcesUnavailable   AbortReason = 3
	AbortBadSequence            AbortReason = 4
	AbortUnexpectedDataSize     AbortReason = 5
	AbortDuplicateSequence      AbortReason = 6
	AbortMaxRetransmitsExceeded AbortReason = 7
	AbortUnexpectedPGN          AbortReason = 8
	AbortConnectionModeError    AbortReason = 9
)

func (r AbortReason) String() string {
	switch r {
	case AbortNone:
		return "None"
	case AbortTimeout:
		return "Timeout"
	case AbortAlreadyInSession:
		return "AlreadyInSession"
	case AbortResourcesUnavailable:
		return "ResourcesUnavailable"
	case AbortBadSequence:
		return "BadSequence"
	case AbortUnexpectedDataSize:
		return "UnexpectedDataSize"
	case AbortDuplicateSequence:
		return "DuplicateSequence"
	case AbortMaxRetransmitsExceeded:
		return "MaxRetransmitsExceeded"
	case AbortUnexpectedPGN:
		return "UnexpectedPGN"
	case AbortConnectionModeError:
		return "ConnectionModeError"
	}
	return fmt.Sprintf("AbortReason(%d)", uint8(r))
}

// AbortError is surfaced when a session ends with a connection abort, either
// received from the peer or raised locally.
type AbortError struct {
	Reason AbortReason
	// Remote is true when the peer sent the abort.
	Remote bool
}

func (e *AbortError) Error() string {
	side := "local"
	if e.Remote {
		side = "remote"
	}
	return fmt.Sprintf("transport aborted (%s): %s", side, e.Reason)
}

// Sentinel errors for session setup.
var (
	ErrAlreadyInSession = errors.New("transport session already in progress")
	ErrMessageTooLarge  = errors.New("message exceeds transport maximum")
	ErrBroadcastETP     = errors.New("ETP cannot target the broadcast address")
	ErrTooManySessions  = errors.New("concurrent transmit session limit reached")
)

// Direction of a session relative to this node.
type Direction uint8

const (
	DirTransmit Direction = iota
	DirReceive
)

// SessionState tracks one session's position in its protocol exchange.
type SessionState uint8

const (
	StateNone SessionState = iota
	StateWaitingForCTS
	StateSendingData
	StateWaitingForEndOfMsg
	StateWaitingForDPO
	StateReceivingData
	StateComplete
	StateAborted
)

func (s SessionState) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateWaitingForCTS:
		return "WaitingForCTS"
	case StateSendingData:
		return "SendingData"
	case StateWaitingForEndOfMsg:
		return "WaitingForEndOfMsg"
	case StateWaitingForDPO:
		return "WaitingForDPO"
	case StateReceivingData:
		return "ReceivingData"
	case StateComplete:
		return "Complete"
	case StateAborted:
		return "Aborted"
	}
	return "Unknown"
}

// protocolKind distinguishes the framing a session uses.
type protocolKind uint8

const (
	kindTP protocolKind = iota
	kindETP
)

// sessionKey identifies a session from the receiver's point of view.
type sessionKey struct {
	src uint8
	dst uint8
}

func (k sessionKey) String() string { return fmt.Sprintf("%d->%d", k.src, k.dst) }

// session is one multi-frame transfer in flight.
type session struct {
	kind      protocolKind
	direction Direction
	state     SessionState
	pgn       can.PGN
	priority  can.Priority
	src       uint8
	dst       uint8
	port      uint8

	data        []byte
	totalBytes  uint32
	transferred uint32

	// Window bookkeeping. For TP the packet numbers fit in a byte; ETP
	// tracks 24-bit absolute packet numbers with a DPO base per window.
	totalPackets    uint32
	nextPacket      uint32 // next absolute packet number to send or expect
	windowEnd       uint32 // last absolute packet number of the current window
	maxPacketsPerCT uint8
	dpoOffset       uint32 // ETP: absolute packet base of the current window

	timer  sched.Timeout
	bamGap sched.Timeout

	ctsRetries uint8
}

func (s *session) isBroadcast() bool { return s.dst == can.BroadcastAddress }

func packetsFor(totalBytes uint32) uint32 {
	return (totalBytes + BytesPerFrame - 1) / BytesPerFrame
}
