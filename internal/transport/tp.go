package transport

import (
	"github.com/robolibs/agrobus/internal/logger"
	"github.com/robolibs/agrobus/pkg/can"
)

func rtsHeaderTP(s *session) [8]byte {
	var p [8]byte
	p[0] = tpCtrlRTS
	p[1] = uint8(s.totalBytes)
	p[2] = uint8(s.totalBytes >> 8)
	p[3] = uint8(s.totalPackets)
	p[4] = 0xFF // no per-CTS limit from our side
	putPGN(p[5:], s.pgn)
	return p
}

func bamHeader(s *session) [8]byte {
	var p [8]byte
	p[0] = tpCtrlBAM
	p[1] = uint8(s.totalBytes)
	p[2] = uint8(s.totalBytes >> 8)
	p[3] = uint8(s.totalPackets)
	p[4] = 0xFF
	putPGN(p[5:], s.pgn)
	return p
}

// handleTPConnMgmt processes one TP.CM frame: RTS, CTS, EndOfMsgAck, BAM or
// Connection Abort.
func (l *Layer) handleTPConnMgmt(ident can.Identifier, frame can.Frame) Disposition {
	if frame.DLC < 8 {
		return Consumed
	}
	data := frame.Data

	switch data[0] {
	case tpCtrlRTS:
		if !l.isOwn(ident.Destination) {
			return Consumed
		}
		l.acceptRTS(ident, uint32(data[1])|uint32(data[2])<<8, uint32(data[3]), data[4], getPGN(data[5:]))
	case tpCtrlCTS:
		l.handleCTS(kindTP, ident, uint32(data[1]), uint32(data[2]), getPGN(data[5:]))
	case tpCtrlEoMA:
		l.handleEoMA(kindTP, ident, getPGN(data[5:]))
	case tpCtrlBAM:
		l.acceptBAM(ident, uint32(data[1])|uint32(data[2])<<8, uint32(data[3]), getPGN(data[5:]))
	case tpCtrlAbort:
		l.handleAbort(kindTP, ident, AbortReason(data[1]), getPGN(data[5:]))
	}
	return Consumed
}

// acceptRTS opens a receive session and grants the first CTS window.
func (l *Layer) acceptRTS(ident can.Identifier, size, packets uint32, maxPerCTS uint8, pgn can.PGN) {
	key := sessionKey{src: ident.Source, dst: ident.Destination}
	if _, busy := l.rx[key]; busy {
		l.sendAbort(kindTP, pgn, ident.Destination, ident.Source, AbortAlreadyInSession)
		return
	}
	if size <= 8 || size > MaxTPBytes || packets != packetsFor(size) {
		l.sendAbort(kindTP, pgn, ident.Destination, ident.Source, AbortUnexpectedDataSize)
		return
	}

	s := &session{
		kind:            kindTP,
		direction:       DirReceive,
		state:           StateReceivingData,
		pgn:             pgn,
		priority:        ident.Priority,
		src:             ident.Source,
		dst:             ident.Destination,
		port:            l.port,
		data:            make([]byte, size),
		totalBytes:      size,
		totalPackets:    packets,
		nextPacket:      1,
		maxPacketsPerCT: maxPerCTS,
	}
	l.rx[key] = s
	l.grantWindow(s)
	l.log.Debug("TP receive session opened",
		logger.Session(key.String()), logger.PGN(uint32(pgn)), logger.Size(int(size)))
}

func (l *Layer) acceptBAM(ident can.Identifier, size, packets uint32, pgn can.PGN) {
	key := sessionKey{src: ident.Source, dst: can.BroadcastAddress}
	if _, busy := l.rx[key]; busy {
		// A new BAM supersedes a stalled one from the same source.
		delete(l.rx, key)
	}
	if size <= 8 || size > MaxTPBytes || packets != packetsFor(size) {
		l.log.Warn("BAM with inconsistent size ignored",
			logger.Src(ident.Source), logger.PGN(uint32(pgn)), logger.Size(int(size)))
		return
	}
	s := &session{
		kind:         kindTP,
		direction:    DirReceive,
		state:        StateReceivingData,
		pgn:          pgn,
		priority:     ident.Priority,
		src:          ident.Source,
		dst:          can.BroadcastAddress,
		port:         l.port,
		data:         make([]byte, size),
		totalBytes:   size,
		totalPackets: packets,
		nextPacket:   1,
		windowEnd:    packets,
	}
	s.timer.Start(TimeoutT1)
	l.rx[key] = s
}

// grantWindow issues the next CTS for a directed receive session.
func (l *Layer) grantWindow(s *session) {
	remaining := s.totalPackets - (s.nextPacket - 1)
	window := remaining
	if s.maxPacketsPerCT != 0xFF && uint32(s.maxPacketsPerCT) < window {
		window = uint32(s.maxPacketsPerCT)
	}
	if window > 0xFF {
		// The CTS packet count is one byte in both TP and ETP.
		window = 0xFF
	}
	s.windowEnd = s.nextPacket + window - 1

	var p [8]byte
	if s.kind == kindETP {
		p[0] = etpCtrlCTS
		p[1] = uint8(window)
		put24(p[2:], s.nextPacket)
	} else {
		p[0] = tpCtrlCTS
		p[1] = uint8(window)
		p[2] = uint8(s.nextPacket)
		p[3], p[4] = 0xFF, 0xFF
	}
	putPGN(p[5:], s.pgn)
	l.enqueue(l.connFrame(s.kind, s.dst, s.src, p))
	if s.kind == kindETP {
		s.state = StateWaitingForDPO
	}
	s.timer.Start(TimeoutT1)
}

// handleCTS advances a transmit session when the receiver grants a window.
// Windows must be granted strictly in order.
func (l *Layer) handleCTS(kind protocolKind, ident can.Identifier, packets, next uint32, pgn can.PGN) {
	s := l.findTx(kind, ident.Destination, ident.Source)
	if s == nil || s.pgn != pgn {
		return
	}
	if s.state != StateWaitingForCTS {
		l.failTx(s, AbortConnectionModeError, false)
		return
	}
	if packets == 0 {
		// Receiver hold: keep waiting, bounded by Th.
		s.timer.Start(TimeoutTh)
		return
	}
	if next != s.nextPacket {
		l.failTx(s, AbortBadSequence, false)
		return
	}
	s.timer.Cancel()
	s.windowEnd = next + packets - 1
	if s.windowEnd > s.totalPackets {
		s.windowEnd = s.totalPackets
	}
	if kind == kindETP {
		s.dpoOffset = next - 1
		var p [8]byte
		p[0] = etpCtrlDPO
		p[1] = uint8(s.windowEnd - next + 1)
		put24(p[2:], s.dpoOffset)
		putPGN(p[5:], s.pgn)
		l.enqueue(l.connFrame(kindETP, s.src, s.dst, p))
	}
	s.state = StateSendingData
	l.sendWindow(s)
}

func (l *Layer) handleEoMA(kind protocolKind, ident can.Identifier, pgn can.PGN) {
	s := l.findTx(kind, ident.Destination, ident.Source)
	if s == nil || s.pgn != pgn {
		return
	}
	if s.state != StateWaitingForEndOfMsg {
		l.failTx(s, AbortConnectionModeError, false)
		return
	}
	s.state = StateComplete
	s.timer.Cancel()
	l.log.Debug("transmit session complete",
		logger.PGN(uint32(pgn)), logger.Dst(s.dst), logger.Size(int(s.totalBytes)))
	l.notifyTxDone(s, nil)
}

func (l *Layer) handleAbort(kind protocolKind, ident can.Identifier, reason AbortReason, pgn can.PGN) {
	if s := l.findTx(kind, ident.Destination, ident.Source); s != nil && s.pgn == pgn {
		s.state = StateAborted
		l.log.Warn("peer aborted transmit session",
			logger.PGN(uint32(pgn)), logger.Dst(s.dst), logger.Reason(reason.String()))
		l.notifyTxDone(s, &AbortError{Reason: reason, Remote: true})
		return
	}
	key := sessionKey{src: ident.Source, dst: ident.Destination}
	if s, ok := l.rx[key]; ok && s.kind == kind && s.pgn == pgn {
		l.log.Warn("peer aborted receive session",
			logger.Session(key.String()), logger.Reason(reason.String()))
		delete(l.rx, key)
	}
}

func (l *Layer) findTx(kind protocolKind, src, dst uint8) *session {
	for _, s := range l.tx {
		if s.kind == kind && s.src == src && s.dst == dst {
			return s
		}
	}
	return nil
}

// handleDataTransfer folds one TP.DT or ETP.DT frame into its receive
// session and delivers the message when the transfer completes.
func (l *Layer) handleDataTransfer(kind protocolKind, ident can.Identifier, frame can.Frame) (Disposition, *can.Message) {
	key := sessionKey{src: ident.Source, dst: ident.Destination}
	s, ok := l.rx[key]
	if !ok || s.kind != kind {
		return Consumed, nil
	}
	if frame.DLC < 1 {
		return Consumed, nil
	}

	seq := uint32(frame.Data[0])
	expected := s.nextPacket
	if kind == kindETP {
		expected -= s.dpoOffset
	}
	switch {
	case seq == expected:
	case seq < expected:
		l.dropRx(key, s, AbortDuplicateSequence)
		return Consumed, nil
	default:
		l.dropRx(key, s, AbortBadSequence)
		return Consumed, nil
	}

	offset := (s.nextPacket - 1) * BytesPerFrame
	chunk := chunkLen(s, s.nextPacket)
	copy(s.data[offset:offset+chunk], frame.Data[1:1+chunk])
	s.transferred += chunk
	s.nextPacket++
	s.ctsRetries = 0
	s.timer.Start(TimeoutT1)

	if s.transferred >= s.totalBytes {
		delete(l.rx, key)
		if !s.isBroadcast() {
			l.sendEoMA(s)
		}
		msg := &can.Message{
			PGN:         s.pgn,
			Source:      s.src,
			Destination: s.dst,
			Priority:    s.priority,
			Data:        s.data,
			Port:        l.port,
			TimestampUS: frame.TimestampUS,
		}
		l.log.Debug("message reassembled",
			logger.PGN(uint32(s.pgn)), logger.Src(s.src), logger.Size(len(s.data)))
		return Delivered, msg
	}

	if !s.isBroadcast() && s.nextPacket > s.windowEnd {
		l.grantWindow(s)
	}
	return Consumed, nil
}

// dropRx tears down a receive session, notifying the sender for directed
// transfers. Broadcast sessions are dropped silently: BAM has no abort path.
func (l *Layer) dropRx(key sessionKey, s *session, reason AbortReason) {
	l.log.Warn("receive session dropped",
		logger.Session(key.String()), logger.PGN(uint32(s.pgn)), logger.Reason(reason.String()))
	if !s.isBroadcast() {
		l.sendAbort(s.kind, s.pgn, s.dst, s.src, reason)
	}
	delete(l.rx, key)
}

func (l *Layer) sendEoMA(s *session) {
	var p [8]byte
	if s.kind == kindETP {
		p[0] = etpCtrlEoMA
		put32(p[1:], s.totalBytes)
	} else {
		p[0] = tpCtrlEoMA
		p[1] = uint8(s.totalBytes)
		p[2] = uint8(s.totalBytes >> 8)
		p[3] = uint8(s.totalPackets)
		p[4] = 0xFF
	}
	putPGN(p[5:], s.pgn)
	l.enqueue(l.connFrame(s.kind, s.dst, s.src, p))
}
