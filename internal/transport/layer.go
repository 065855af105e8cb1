package transport

import (
	"fmt"
	"log/slog"

	"github.com/robolibs/agrobus/internal/logger"
	"github.com/robolibs/agrobus/pkg/can"
	"github.com/robolibs/agrobus/pkg/endpoint"
)

// Disposition classifies what the layer did with an incoming frame.
type Disposition uint8

const (
	// Passthrough: single-frame PGN, deliver the frame as-is.
	Passthrough Disposition = iota
	// Consumed: the frame belonged to a live session, nothing to deliver yet.
	Consumed
	// Delivered: the frame completed a session; the returned message holds
	// the reassembled payload.
	Delivered
)

// Config bounds a transport layer instance.
type Config struct {
	// MaxTxSessions caps concurrent outgoing sessions on the port.
	MaxTxSessions int
}

// Layer owns every transport session on one CAN port. The network manager
// feeds it received frames through Process and drives time through Update.
type Layer struct {
	port      uint8
	sendFrame func(can.Frame) error
	isOwn     func(addr uint8) bool
	cfg       Config

	rx map[sessionKey]*session
	tx []*session

	fastPacket map[can.PGN]bool
	fpRx       map[fpKey]*fpSession
	fpTxSeq    map[can.PGN]uint8

	txQueue []can.Frame

	log *slog.Logger

	txDone []func(pgn can.PGN, dst uint8, err error)
}

// NewLayer creates the transport layer for one port. sendFrame hands frames
// to the port's endpoint; isOwn reports whether an address belongs to one of
// the node's internal control functions.
func NewLayer(port uint8, cfg Config, sendFrame func(can.Frame) error, isOwn func(uint8) bool) *Layer {
	if cfg.MaxTxSessions <= 0 {
		cfg.MaxTxSessions = 4
	}
	return &Layer{
		port:       port,
		sendFrame:  sendFrame,
		isOwn:      isOwn,
		cfg:        cfg,
		rx:         make(map[sessionKey]*session),
		fastPacket: make(map[can.PGN]bool),
		fpRx:       make(map[fpKey]*fpSession),
		fpTxSeq:    make(map[can.PGN]uint8),
		log:        logger.With(logger.Category("transport"), logger.Port(port)),
	}
}

// SubscribeTxDone registers a handler fired when an outgoing session
// completes or fails. err is nil on success, an *AbortError on protocol
// aborts. Handlers run in subscription order.
func (l *Layer) SubscribeTxDone(fn func(pgn can.PGN, dst uint8, err error)) {
	l.txDone = append(l.txDone, fn)
}

// RegisterFastPacketPGN declares that a PGN uses Fast Packet framing on this
// port, both for reception and transmission.
func (l *Layer) RegisterFastPacketPGN(pgn can.PGN) { l.fastPacket[pgn] = true }

// IsFastPacket reports whether a PGN was registered for Fast Packet framing.
func (l *Layer) IsFastPacket(pgn can.PGN) bool { return l.fastPacket[pgn] }

// ActiveSessions returns the number of live sessions, for diagnostics.
func (l *Layer) ActiveSessions() int { return len(l.rx) + len(l.tx) + len(l.fpRx) }

// Process routes one received frame. It returns Passthrough for frames the
// layer does not own, Consumed for session-internal frames, and Delivered
// with the completed message when a session finishes.
func (l *Layer) Process(frame can.Frame) (Disposition, *can.Message) {
	ident := can.Decode(frame.ID)

	switch ident.PGN {
	case can.PGNTPConnMgmt:
		return l.handleTPConnMgmt(ident, frame), nil
	case can.PGNTPDataTransfer:
		return l.handleDataTransfer(kindTP, ident, frame)
	case can.PGNETPConnMgmt:
		return l.handleETPConnMgmt(ident, frame), nil
	case can.PGNETPDataTransfer:
		return l.handleDataTransfer(kindETP, ident, frame)
	}
	if l.fastPacket[ident.PGN] {
		return l.handleFastPacket(ident, frame)
	}
	return Passthrough, nil
}

// Send starts a multi-frame transfer of data (len > 8). Directed transfers
// up to MaxTPBytes use RTS/CTS, broadcast up to MaxTPBytes uses BAM, larger
// directed transfers use ETP. Registered Fast Packet PGNs always use Fast
// Packet framing.
func (l *Layer) Send(pgn can.PGN, data []byte, priority can.Priority, src, dst uint8) error {
	if l.fastPacket[pgn] {
		return l.sendFastPacket(pgn, data, priority, src, dst)
	}

	size := len(data)
	switch {
	case size > MaxETPBytes:
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
	case size > MaxTPBytes:
		if dst == can.BroadcastAddress {
			return ErrBroadcastETP
		}
		return l.startETPSend(pgn, data, priority, src, dst)
	default:
		return l.startTPSend(pgn, data, priority, src, dst)
	}
}

// Abort cancels an outgoing session to dst, emitting a connection abort for
// directed sessions.
func (l *Layer) Abort(src, dst uint8, reason AbortReason) {
	for _, s := range l.tx {
		if s.src == src && s.dst == dst && s.state != StateComplete {
			l.failTx(s, reason, false)
			return
		}
	}
}

// Update advances every session by elapsedMS. Back-pressure holds protocol
// timers still: while frames are queued against a refusing endpoint, no
// session times out.
func (l *Layer) Update(elapsedMS uint32) {
	l.drainQueue()
	blocked := len(l.txQueue) > 0

	for _, s := range l.tx {
		l.updateTx(s, elapsedMS, blocked)
	}
	for key, s := range l.rx {
		if blocked {
			continue
		}
		if s.timer.Update(elapsedMS) {
			if !s.isBroadcast() && s.ctsRetries == 0 {
				// One CTS retransmit is permitted before giving up.
				s.ctsRetries++
				l.log.Debug("retransmitting CTS",
					logger.Session(key.String()), logger.PGN(uint32(s.pgn)))
				l.grantWindow(s)
				continue
			}
			l.log.Warn("receive session timed out",
				logger.Session(key.String()), logger.PGN(uint32(s.pgn)))
			if !s.isBroadcast() {
				l.sendAbort(s.kind, s.pgn, s.dst, s.src, AbortTimeout)
			}
			delete(l.rx, key)
		}
	}
	l.removeFinishedTx()
	l.updateFastPacket(elapsedMS, blocked)
}

// ─── Transmit path ──────────────────────────────────────────────────────────

func (l *Layer) startTPSend(pgn can.PGN, data []byte, priority can.Priority, src, dst uint8) error {
	if err := l.checkTxSlot(src, dst); err != nil {
		return err
	}
	s := &session{
		kind:         kindTP,
		direction:    DirTransmit,
		pgn:          pgn,
		priority:     priority,
		src:          src,
		dst:          dst,
		port:         l.port,
		data:         data,
		totalBytes:   uint32(len(data)),
		totalPackets: packetsFor(uint32(len(data))),
		nextPacket:   1,
	}
	l.tx = append(l.tx, s)

	if s.isBroadcast() {
		s.state = StateSendingData
		l.enqueue(l.connFrame(kindTP, s.src, s.dst, bamHeader(s)))
		s.bamGap.Start(BAMInterFrameMS)
		return nil
	}

	s.state = StateWaitingForCTS
	l.enqueue(l.connFrame(kindTP, s.src, s.dst, rtsHeaderTP(s)))
	s.timer.Start(TimeoutT2)
	return nil
}

func (l *Layer) startETPSend(pgn can.PGN, data []byte, priority can.Priority, src, dst uint8) error {
	if err := l.checkTxSlot(src, dst); err != nil {
		return err
	}
	s := &session{
		kind:         kindETP,
		direction:    DirTransmit,
		state:        StateWaitingForCTS,
		pgn:          pgn,
		priority:     priority,
		src:          src,
		dst:          dst,
		port:         l.port,
		data:         data,
		totalBytes:   uint32(len(data)),
		totalPackets: packetsFor(uint32(len(data))),
		nextPacket:   1,
	}
	l.tx = append(l.tx, s)
	l.enqueue(l.connFrame(kindETP, s.src, s.dst, rtsHeaderETP(s)))
	s.timer.Start(TimeoutT2)
	return nil
}

func (l *Layer) checkTxSlot(src, dst uint8) error {
	for _, s := range l.tx {
		if s.src == src && s.dst == dst {
			return ErrAlreadyInSession
		}
	}
	if len(l.tx) >= l.cfg.MaxTxSessions {
		return ErrTooManySessions
	}
	return nil
}

func (l *Layer) updateTx(s *session, elapsedMS uint32, blocked bool) {
	switch s.state {
	case StateSendingData:
		if s.isBroadcast() {
			if !blocked && s.bamGap.Update(elapsedMS) {
				l.sendNextBAMFrame(s)
			}
			return
		}
		l.sendWindow(s)
	case StateWaitingForCTS, StateWaitingForEndOfMsg:
		if !blocked && s.timer.Update(elapsedMS) {
			l.failTx(s, AbortTimeout, false)
		}
	}
}

// sendWindow pushes the remainder of the granted window into the queue.
func (l *Layer) sendWindow(s *session) {
	for s.nextPacket <= s.windowEnd && s.nextPacket <= s.totalPackets {
		l.enqueue(l.dataFrame(s, s.nextPacket))
		chunk := chunkLen(s, s.nextPacket)
		s.transferred += chunk
		s.nextPacket++
	}
	if s.nextPacket > s.totalPackets {
		s.state = StateWaitingForEndOfMsg
		s.timer.Start(TimeoutT3)
	} else if s.nextPacket > s.windowEnd {
		s.state = StateWaitingForCTS
		s.timer.Start(TimeoutT4)
	}
}

func (l *Layer) sendNextBAMFrame(s *session) {
	l.enqueue(l.dataFrame(s, s.nextPacket))
	s.transferred += chunkLen(s, s.nextPacket)
	s.nextPacket++
	if s.nextPacket > s.totalPackets {
		s.state = StateComplete
		l.notifyTxDone(s, nil)
		return
	}
	s.bamGap.Start(BAMInterFrameMS)
}

func (l *Layer) failTx(s *session, reason AbortReason, remote bool) {
	if s.state == StateComplete || s.state == StateAborted {
		return
	}
	s.state = StateAborted
	if !remote && !s.isBroadcast() {
		l.sendAbort(s.kind, s.pgn, s.src, s.dst, reason)
	}
	l.log.Warn("transmit session aborted",
		logger.PGN(uint32(s.pgn)), logger.Dst(s.dst), logger.Reason(reason.String()))
	l.notifyTxDone(s, &AbortError{Reason: reason, Remote: remote})
}

func (l *Layer) notifyTxDone(s *session, err error) {
	for _, fn := range l.txDone {
		fn(s.pgn, s.dst, err)
	}
}

func (l *Layer) removeFinishedTx() {
	kept := l.tx[:0]
	for _, s := range l.tx {
		if s.state != StateComplete && s.state != StateAborted {
			kept = append(kept, s)
		}
	}
	l.tx = kept
}

// ─── Frame plumbing ─────────────────────────────────────────────────────────

// enqueue sends a frame immediately when the queue is empty, otherwise
// preserves order behind frames already held back by the endpoint.
func (l *Layer) enqueue(frame can.Frame) {
	if len(l.txQueue) == 0 {
		err := l.sendFrame(frame)
		if err == nil {
			return
		}
		if err != endpoint.ErrWouldBlock {
			l.log.Error("endpoint send failed", logger.Err(err))
			return
		}
	}
	l.txQueue = append(l.txQueue, frame)
}

func (l *Layer) drainQueue() {
	for len(l.txQueue) > 0 {
		err := l.sendFrame(l.txQueue[0])
		if err == endpoint.ErrWouldBlock {
			return
		}
		if err != nil {
			l.log.Error("endpoint send failed", logger.Err(err))
		}
		l.txQueue = l.txQueue[1:]
	}
}

func (l *Layer) connPGN(kind protocolKind) can.PGN {
	if kind == kindETP {
		return can.PGNETPConnMgmt
	}
	return can.PGNTPConnMgmt
}

func (l *Layer) dataPGN(kind protocolKind) can.PGN {
	if kind == kindETP {
		return can.PGNETPDataTransfer
	}
	return can.PGNTPDataTransfer
}

func (l *Layer) connFrame(kind protocolKind, src, dst uint8, payload [8]byte) can.Frame {
	frame, _ := can.NewFrame(can.PriorityLowest, l.connPGN(kind), src, dst, payload[:])
	frame.Port = l.port
	return frame
}

// dataFrame builds the DT frame for an absolute packet number.
func (l *Layer) dataFrame(s *session, packet uint32) can.Frame {
	var payload [8]byte
	if s.kind == kindETP {
		payload[0] = uint8(packet - s.dpoOffset)
	} else {
		payload[0] = uint8(packet)
	}
	for i := 0; i < BytesPerFrame; i++ {
		idx := (packet-1)*BytesPerFrame + uint32(i)
		if idx < s.totalBytes {
			payload[1+i] = s.data[idx]
		} else {
			payload[1+i] = 0xFF
		}
	}
	frame, _ := can.NewFrame(can.PriorityLowest, l.dataPGN(s.kind), s.src, s.dst, payload[:])
	frame.Port = l.port
	return frame
}

func (l *Layer) sendAbort(kind protocolKind, pgn can.PGN, src, dst uint8, reason AbortReason) {
	var payload [8]byte
	payload[0] = tpCtrlAbort
	payload[1] = uint8(reason)
	payload[2], payload[3], payload[4] = 0xFF, 0xFF, 0xFF
	putPGN(payload[5:], pgn)
	l.enqueue(l.connFrame(kind, src, dst, payload))
}

func chunkLen(s *session, packet uint32) uint32 {
	start := (packet - 1) * BytesPerFrame
	if start+BytesPerFrame > s.totalBytes {
		return s.totalBytes - start
	}
	return BytesPerFrame
}

func putPGN(b []byte, pgn can.PGN) {
	b[0] = uint8(pgn)
	b[1] = uint8(pgn >> 8)
	b[2] = uint8(pgn >> 16)
}

func getPGN(b []byte) can.PGN {
	return can.PGN(b[0]) | can.PGN(b[1])<<8 | can.PGN(b[2])<<16
}

func put24(b []byte, v uint32) {
	b[0] = uint8(v)
	b[1] = uint8(v >> 8)
	b[2] = uint8(v >> 16)
}

func get24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func put32(b []byte, v uint32) {
	b[0] = uint8(v)
	b[1] = uint8(v >> 8)
	b[2] = uint8(v >> 16)
	b[3] = uint8(v >> 24)
}

func get32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
