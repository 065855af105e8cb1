package endpoint

import "github.com/robolibs/agrobus/pkg/can"

// VirtualBus is an in-memory CAN segment. Every frame sent through one of
// its taps is delivered to every other tap, in send order. It backs the
// daemon's simulator mode and the package tests.
type VirtualBus struct {
	taps []*VirtualEndpoint
	now  uint64
}

// NewVirtualBus creates an empty bus segment.
func NewVirtualBus() *VirtualBus {
	return &VirtualBus{}
}

// Tap attaches a new endpoint to the bus.
func (b *VirtualBus) Tap() *VirtualEndpoint {
	ep := &VirtualEndpoint{bus: b}
	b.taps = append(b.taps, ep)
	return ep
}

// AdvanceTime moves the bus timestamp clock forward. Timestamps on delivered
// frames are microseconds of simulated time.
func (b *VirtualBus) AdvanceTime(elapsedUS uint64) { b.now += elapsedUS }

func (b *VirtualBus) broadcast(from *VirtualEndpoint, frame can.Frame) {
	frame.TimestampUS = b.now
	for _, tap := range b.taps {
		if tap == from || tap.closed {
			continue
		}
		tap.rx = append(tap.rx, frame)
	}
}

// VirtualEndpoint is one tap on a VirtualBus.
type VirtualEndpoint struct {
	bus       *VirtualBus
	rx        []can.Frame
	txBlocked bool
	closed    bool

	// Sent records every frame pushed through this endpoint, for test
	// assertions on wire traffic.
	Sent []can.Frame
}

// SetBlocked forces Send to report ErrWouldBlock until cleared.
func (e *VirtualEndpoint) SetBlocked(blocked bool) { e.txBlocked = blocked }

// Close detaches the endpoint; further operations fail with ErrClosed.
func (e *VirtualEndpoint) Close() { e.closed = true }

// Send implements FrameEndpoint.
func (e *VirtualEndpoint) Send(frame can.Frame) error {
	if e.closed {
		return ErrClosed
	}
	if e.txBlocked {
		return ErrWouldBlock
	}
	e.Sent = append(e.Sent, frame)
	e.bus.broadcast(e, frame)
	return nil
}

// Recv implements FrameEndpoint.
func (e *VirtualEndpoint) Recv() (can.Frame, bool) {
	if e.closed || len(e.rx) == 0 {
		return can.Frame{}, false
	}
	frame := e.rx[0]
	e.rx = e.rx[1:]
	return frame, true
}

// CanSend implements FrameEndpoint.
func (e *VirtualEndpoint) CanSend() bool { return !e.closed && !e.txBlocked }

// Inject queues a frame for reception without it originating from another
// tap. Tests use this to play scripted traffic.
func (e *VirtualEndpoint) Inject(frame can.Frame) {
	frame.TimestampUS = e.bus.now
	e.rx = append(e.rx, frame)
}

// Pending returns the number of frames waiting to be received.
func (e *VirtualEndpoint) Pending() int { return len(e.rx) }
