package transport

import (
	"fmt"

	"github.com/robolibs/agrobus/internal/logger"
	"github.com/robolibs/agrobus/internal/sched"
	"github.com/robolibs/agrobus/pkg/can"
)

// Fast Packet (NMEA 2000) framing: byte 0 carries a session counter in the
// upper nibble and a frame number in the lower nibble; frame numbers past 15
// continue modulo 16 while the receiver tracks the absolute index. Frame 0
// additionally carries the total payload length in byte 1 and six data
// bytes; every later frame carries seven. There is no flow control and no
// abort message; malformed sessions are simply dropped.

const fpFirstFrameBytes = 6

type fpKey struct {
	src uint8
	pgn can.PGN
}

type fpSession struct {
	counter   uint8
	total     uint32
	nextFrame uint8
	data      []byte
	received  uint32
	priority  can.Priority
	dst       uint8
	timer     sched.Timeout
}

// handleFastPacket folds one frame of a registered Fast Packet PGN into its
// reassembly buffer. A frame that continues the active session wins over the
// "low nibble zero starts a transfer" reading, so absolute frame indexes
// past 15 wrap cleanly.
func (l *Layer) handleFastPacket(ident can.Identifier, frame can.Frame) (Disposition, *can.Message) {
	if frame.DLC < 2 {
		return Consumed, nil
	}
	counter := frame.Data[0] >> 4
	frameNum := frame.Data[0] & 0x0F
	key := fpKey{src: ident.Source, pgn: ident.PGN}

	if s, ok := l.fpRx[key]; ok {
		if counter == s.counter && frameNum == s.nextFrame&0x0F {
			return l.fpContinue(key, s, frame)
		}
		if frameNum != 0 {
			l.log.Warn("fast packet sequence mismatch, session dropped",
				logger.Src(ident.Source), logger.PGN(uint32(ident.PGN)),
				logger.Seq(uint32(frameNum)))
			delete(l.fpRx, key)
			return Consumed, nil
		}
		// A fresh first frame supersedes the stalled session.
		delete(l.fpRx, key)
	}

	if frameNum != 0 {
		// Continuation without a session: nothing to attach it to.
		return Consumed, nil
	}

	total := uint32(frame.Data[1])
	if total == 0 || total > MaxFastPacketBytes {
		l.log.Warn("fast packet with invalid length dropped",
			logger.Src(ident.Source), logger.PGN(uint32(ident.PGN)), logger.Size(int(total)))
		return Consumed, nil
	}
	s := &fpSession{
		counter:   counter,
		total:     total,
		nextFrame: 1,
		data:      make([]byte, 0, total),
		priority:  ident.Priority,
		dst:       ident.Destination,
	}
	n := uint32(fpFirstFrameBytes)
	if total < n {
		n = total
	}
	s.data = append(s.data, frame.Data[2:2+n]...)
	s.received = n
	if s.received >= s.total {
		return Delivered, l.fpMessage(key, s, frame.TimestampUS)
	}
	s.timer.Start(TimeoutFastPacket)
	l.fpRx[key] = s
	return Consumed, nil
}

// fpContinue appends one continuation frame to its session.
func (l *Layer) fpContinue(key fpKey, s *fpSession, frame can.Frame) (Disposition, *can.Message) {
	n := s.total - s.received
	if n > BytesPerFrame {
		n = BytesPerFrame
	}
	if uint32(frame.DLC)-1 < n {
		l.log.Warn("fast packet frame short, session dropped",
			logger.Src(key.src), logger.PGN(uint32(key.pgn)))
		delete(l.fpRx, key)
		return Consumed, nil
	}
	s.data = append(s.data, frame.Data[1:1+n]...)
	s.received += n
	s.nextFrame++
	s.timer.Start(TimeoutFastPacket)

	if s.received >= s.total {
		delete(l.fpRx, key)
		return Delivered, l.fpMessage(key, s, frame.TimestampUS)
	}
	return Consumed, nil
}

func (l *Layer) fpMessage(key fpKey, s *fpSession, ts uint64) *can.Message {
	return &can.Message{
		PGN:         key.pgn,
		Source:      key.src,
		Destination: s.dst,
		Priority:    s.priority,
		Data:        s.data,
		Port:        l.port,
		TimestampUS: ts,
	}
}

// sendFastPacket fragments data into a burst of Fast Packet frames. The
// per-PGN session counter increments on every transfer.
func (l *Layer) sendFastPacket(pgn can.PGN, data []byte, priority can.Priority, src, dst uint8) error {
	if len(data) > MaxFastPacketBytes {
		return fmt.Errorf("%w: %d bytes over fast packet limit", ErrMessageTooLarge, len(data))
	}
	counter := l.fpTxSeq[pgn] & 0x0F
	l.fpTxSeq[pgn] = counter + 1

	var payload [8]byte
	payload[0] = counter<<4 | 0
	payload[1] = uint8(len(data))
	n := copy(payload[2:], data)
	for i := 2 + n; i < 8; i++ {
		payload[i] = 0xFF
	}
	frame, err := can.NewFrame(priority, pgn, src, dst, payload[:])
	if err != nil {
		return err
	}
	frame.Port = l.port
	l.enqueue(frame)

	rest := data[n:]
	frameNum := uint8(1)
	for len(rest) > 0 {
		var p [8]byte
		p[0] = counter<<4 | frameNum&0x0F
		m := copy(p[1:], rest)
		for i := 1 + m; i < 8; i++ {
			p[i] = 0xFF
		}
		f, err := can.NewFrame(priority, pgn, src, dst, p[:])
		if err != nil {
			return err
		}
		f.Port = l.port
		l.enqueue(f)
		rest = rest[m:]
		frameNum++
	}
	return nil
}

// updateFastPacket evicts reassembly buffers that have gone quiet.
func (l *Layer) updateFastPacket(elapsedMS uint32, blocked bool) {
	if blocked {
		return
	}
	for key, s := range l.fpRx {
		if s.timer.Update(elapsedMS) {
			l.log.Warn("fast packet session evicted",
				logger.Src(key.src), logger.PGN(uint32(key.pgn)))
			delete(l.fpRx, key)
		}
	}
}
