// Package endpoint defines the boundary between the protocol stack and a
// physical or virtual CAN driver. The stack never blocks on an endpoint:
// sends report back-pressure with ErrWouldBlock and receives drain a
// non-blocking queue.
package endpoint

import (
	"errors"

	"github.com/robolibs/agrobus/pkg/can"
)

// ErrWouldBlock signals that the driver cannot accept a frame right now.
// The caller keeps the frame and retries on a later tick.
var ErrWouldBlock = errors.New("endpoint would block")

// ErrClosed is returned once an endpoint has been shut down.
var ErrClosed = errors.New("endpoint closed")

// FrameEndpoint is the capability a CAN driver hands to the network manager.
// Implementations must be safe for use from the single stack thread; they
// need not be safe for concurrent callers.
type FrameEndpoint interface {
	// Send enqueues one frame for transmission. Returns ErrWouldBlock when
	// the driver's queue is full.
	Send(frame can.Frame) error

	// Recv returns the next received frame, if any.
	Recv() (can.Frame, bool)

	// CanSend hints whether a Send is likely to succeed. The stack still
	// handles ErrWouldBlock regardless.
	CanSend() bool
}
