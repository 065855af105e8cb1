package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robolibs/agrobus/pkg/can"
)

func TestETPRoundTrip(t *testing.T) {
	h := newHarness(t)
	data := payload(5000) // 715 packets, three CTS windows

	var done []error
	h.a.SubscribeTxDone(func(pgn can.PGN, dst uint8, err error) { done = append(done, err) })

	require.NoError(t, h.a.Send(can.PGNProprietaryA, data, can.PriorityDefault, addrA, addrB))
	h.pump(10, 100)

	require.Len(t, h.delivered, 1)
	msg := h.delivered[0]
	assert.Equal(t, data, msg.Data)
	assert.Equal(t, addrA, msg.Source)

	require.Len(t, done, 1)
	assert.NoError(t, done[0])

	// The exchange runs on the ETP PGN pair with a DPO before every window.
	var dpoOffsets []uint32
	for _, f := range h.aWire {
		if can.Decode(f.ID).PGN == can.PGNETPConnMgmt && f.Data[0] == etpCtrlDPO {
			dpoOffsets = append(dpoOffsets, get24(f.Data[2:5]))
		}
	}
	require.Len(t, dpoOffsets, 3)
	assert.Equal(t, []uint32{0, 255, 510}, dpoOffsets)
}

func TestETPRejectsBroadcast(t *testing.T) {
	h := newHarness(t)
	err := h.a.Send(can.PGNProprietaryA, payload(2000), can.PriorityDefault, addrA, can.BroadcastAddress)
	assert.ErrorIs(t, err, ErrBroadcastETP)
}

func TestETPRejectsOversize(t *testing.T) {
	h := newHarness(t)
	data := make([]byte, MaxETPBytes+1)
	err := h.a.Send(can.PGNProprietaryA, data, can.PriorityDefault, addrA, addrB)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestETPSessionBounds(t *testing.T) {
	// An ETP RTS with a size inside the TP range is a protocol violation.
	h := newHarness(t)
	rts, _ := can.NewFrame(can.PriorityLowest, can.PGNETPConnMgmt, addrA, addrB,
		[]byte{etpCtrlRTS, 100, 0, 0, 0, 0x00, 0xEF, 0x00})
	h.b.Process(rts)

	require.NotEmpty(t, h.bOut)
	assert.Equal(t, uint8(etpCtrlAbort), h.bOut[0].Data[0])
	assert.Equal(t, uint8(AbortUnexpectedDataSize), h.bOut[0].Data[1])
}

func TestETPDPOMismatchDropsSession(t *testing.T) {
	h := newHarness(t)
	rts, _ := can.NewFrame(can.PriorityLowest, can.PGNETPConnMgmt, addrA, addrB,
		[]byte{etpCtrlRTS, 0xD0, 0x07, 0, 0, 0x00, 0xEF, 0x00}) // 2000 bytes
	h.b.Process(rts)
	require.Equal(t, 1, h.b.ActiveSessions())
	h.bOut = nil

	// DPO claiming an offset the receiver never granted.
	dpo, _ := can.NewFrame(can.PriorityLowest, can.PGNETPConnMgmt, addrA, addrB,
		[]byte{etpCtrlDPO, 10, 99, 0, 0, 0x00, 0xEF, 0x00})
	h.b.Process(dpo)

	require.NotEmpty(t, h.bOut)
	assert.Equal(t, uint8(etpCtrlAbort), h.bOut[0].Data[0])
	assert.Equal(t, uint8(AbortBadSequence), h.bOut[0].Data[1])
	assert.Zero(t, h.b.ActiveSessions())
}
