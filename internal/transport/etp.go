package transport

import (
	"github.com/robolibs/agrobus/internal/logger"
	"github.com/robolibs/agrobus/pkg/can"
)

func rtsHeaderETP(s *session) [8]byte {
	var p [8]byte
	p[0] = etpCtrlRTS
	put32(p[1:], s.totalBytes)
	putPGN(p[5:], s.pgn)
	return p
}

// handleETPConnMgmt processes one ETP.CM frame. ETP shares the TP session
// model but sizes are 32-bit and each CTS window is anchored by a Data
// Packet Offset announcement from the transmitter.
func (l *Layer) handleETPConnMgmt(ident can.Identifier, frame can.Frame) Disposition {
	if frame.DLC < 8 {
		return Consumed
	}
	data := frame.Data

	switch data[0] {
	case etpCtrlRTS:
		if !l.isOwn(ident.Destination) {
			return Consumed
		}
		l.acceptETPRTS(ident, get32(data[1:5]), getPGN(data[5:]))
	case etpCtrlCTS:
		l.handleCTS(kindETP, ident, uint32(data[1]), get24(data[2:5]), getPGN(data[5:]))
	case etpCtrlDPO:
		l.handleDPO(ident, uint32(data[1]), get24(data[2:5]), getPGN(data[5:]))
	case etpCtrlEoMA:
		l.handleEoMA(kindETP, ident, getPGN(data[5:]))
	case etpCtrlAbort:
		l.handleAbort(kindETP, ident, AbortReason(data[1]), getPGN(data[5:]))
	}
	return Consumed
}

func (l *Layer) acceptETPRTS(ident can.Identifier, size uint32, pgn can.PGN) {
	key := sessionKey{src: ident.Source, dst: ident.Destination}
	if _, busy := l.rx[key]; busy {
		l.sendAbort(kindETP, pgn, ident.Destination, ident.Source, AbortAlreadyInSession)
		return
	}
	if size <= MaxTPBytes || size > MaxETPBytes {
		l.sendAbort(kindETP, pgn, ident.Destination, ident.Source, AbortUnexpectedDataSize)
		return
	}

	s := &session{
		kind:            kindETP,
		direction:       DirReceive,
		state:           StateReceivingData,
		pgn:             pgn,
		priority:        ident.Priority,
		src:             ident.Source,
		dst:             ident.Destination,
		port:            l.port,
		data:            make([]byte, size),
		totalBytes:      size,
		totalPackets:    packetsFor(size),
		nextPacket:      1,
		maxPacketsPerCT: 0xFF,
	}
	l.rx[key] = s
	l.grantWindow(s)
	l.log.Debug("ETP receive session opened",
		logger.Session(key.String()), logger.PGN(uint32(pgn)), logger.Size(int(size)))
}

// handleDPO anchors the receiver's window base. The offset must line up
// with the last granted CTS; anything else is a windowing violation.
func (l *Layer) handleDPO(ident can.Identifier, packets, offset uint32, pgn can.PGN) {
	key := sessionKey{src: ident.Source, dst: ident.Destination}
	s, ok := l.rx[key]
	if !ok || s.kind != kindETP || s.pgn != pgn {
		return
	}
	if s.state != StateWaitingForDPO {
		l.dropRx(key, s, AbortConnectionModeError)
		return
	}
	if offset != s.nextPacket-1 || packets == 0 || s.nextPacket+packets-1 > s.windowEnd {
		l.dropRx(key, s, AbortBadSequence)
		return
	}
	s.dpoOffset = offset
	s.state = StateReceivingData
	s.timer.Start(TimeoutT1)
}
