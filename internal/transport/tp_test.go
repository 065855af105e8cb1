package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robolibs/agrobus/pkg/can"
	"github.com/robolibs/agrobus/pkg/endpoint"
)

const (
	addrA = uint8(0x10)
	addrB = uint8(0x20)
)

// harness wires two layers back to back: everything A sends lands in B's
// inbox and vice versa. pump exchanges frames until the wire is quiet,
// advancing both layers by stepMS per round.
type harness struct {
	t    *testing.T
	a, b *Layer

	aOut, bOut []can.Frame
	aWire      []can.Frame // frames A put on the wire, for assertions
	delivered  []*can.Message
}

func newHarness(t *testing.T) *harness {
	h := &harness{t: t}
	h.a = NewLayer(0, Config{}, func(f can.Frame) error {
		h.aOut = append(h.aOut, f)
		h.aWire = append(h.aWire, f)
		return nil
	}, func(addr uint8) bool { return addr == addrA })
	h.b = NewLayer(0, Config{}, func(f can.Frame) error {
		h.bOut = append(h.bOut, f)
		return nil
	}, func(addr uint8) bool { return addr == addrB })
	return h
}

func (h *harness) pump(stepMS uint32, rounds int) {
	for i := 0; i < rounds; i++ {
		aOut, bOut := h.aOut, h.bOut
		h.aOut, h.bOut = nil, nil
		for _, f := range aOut {
			if disp, msg := h.b.Process(f); disp == Delivered {
				h.delivered = append(h.delivered, msg)
			}
		}
		for _, f := range bOut {
			if disp, msg := h.a.Process(f); disp == Delivered {
				h.delivered = append(h.delivered, msg)
			}
		}
		h.a.Update(stepMS)
		h.b.Update(stepMS)
		if len(h.aOut) == 0 && len(h.bOut) == 0 {
			return
		}
	}
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

func TestRTSCTSRoundTrip(t *testing.T) {
	h := newHarness(t)
	data := payload(100)

	var done []error
	h.a.SubscribeTxDone(func(pgn can.PGN, dst uint8, err error) { done = append(done, err) })

	require.NoError(t, h.a.Send(can.PGNProprietaryA, data, can.PriorityDefault, addrA, addrB))
	h.pump(10, 50)

	require.Len(t, h.delivered, 1)
	msg := h.delivered[0]
	assert.Equal(t, can.PGNProprietaryA, msg.PGN)
	assert.Equal(t, addrA, msg.Source)
	assert.Equal(t, addrB, msg.Destination)
	assert.Equal(t, data, msg.Data)

	require.Len(t, done, 1)
	assert.NoError(t, done[0])

	// On-wire shape: RTS, then 15 data frames with sequence numbers 1..15.
	require.GreaterOrEqual(t, len(h.aWire), 16)
	rts := h.aWire[0]
	assert.Equal(t, uint8(16), rts.Data[0])
	assert.Equal(t, uint8(100), rts.Data[1]) // total size low byte
	assert.Equal(t, uint8(0), rts.Data[2])
	assert.Equal(t, uint8(15), rts.Data[3]) // total packets

	var seqs []uint8
	for _, f := range h.aWire[1:] {
		if can.Decode(f.ID).PGN == can.PGNTPDataTransfer {
			seqs = append(seqs, f.Data[0])
		}
	}
	require.Len(t, seqs, 15)
	for i, s := range seqs {
		assert.Equal(t, uint8(i+1), s)
	}

	// The final frame is padded with 0xFF past byte 100.
	last := h.aWire[len(h.aWire)-1]
	assert.Equal(t, uint8(15), last.Data[0])
	assert.Equal(t, byte(99), last.Data[2])
	assert.Equal(t, byte(0xFF), last.Data[3])
}

func TestSizeBoundaries(t *testing.T) {
	// 9 bytes: a TP session with exactly 2 data frames.
	h := newHarness(t)
	require.NoError(t, h.a.Send(can.PGNProprietaryA, payload(9), can.PriorityDefault, addrA, addrB))
	h.pump(10, 20)
	require.Len(t, h.delivered, 1)
	assert.Equal(t, payload(9), h.delivered[0].Data)

	dtCount := 0
	for _, f := range h.aWire {
		if can.Decode(f.ID).PGN == can.PGNTPDataTransfer {
			dtCount++
		}
	}
	assert.Equal(t, 2, dtCount)

	// 1785 bytes: the TP maximum, 255 data frames.
	h = newHarness(t)
	require.NoError(t, h.a.Send(can.PGNProprietaryA, payload(1785), can.PriorityDefault, addrA, addrB))
	h.pump(10, 50)
	require.Len(t, h.delivered, 1)
	assert.Equal(t, 1785, len(h.delivered[0].Data))

	// 1786 bytes: must switch to ETP.
	h = newHarness(t)
	require.NoError(t, h.a.Send(can.PGNProprietaryA, payload(1786), can.PriorityDefault, addrA, addrB))
	assert.Equal(t, uint8(etpCtrlRTS), h.aWire[0].Data[0])
	assert.Equal(t, can.PGNETPConnMgmt, can.Decode(h.aWire[0].ID).PGN)
}

func TestBAMBroadcast(t *testing.T) {
	h := newHarness(t)
	data := payload(30)

	require.NoError(t, h.a.Send(can.PGNProprietaryA, data, can.PriorityDefault, addrA, can.BroadcastAddress))

	// BAM paces one data frame per 50 ms; pump with the inter-frame gap.
	h.pump(50, 20)

	require.Len(t, h.delivered, 1)
	assert.Equal(t, data, h.delivered[0].Data)
	assert.Equal(t, can.BroadcastAddress, h.delivered[0].Destination)

	// No CTS ever flows for a broadcast transfer.
	for _, f := range h.bOut {
		assert.NotEqual(t, uint8(tpCtrlCTS), f.Data[0])
	}
	assert.Equal(t, uint8(tpCtrlBAM), h.aWire[0].Data[0])
}

func TestOutOfOrderSequenceAborts(t *testing.T) {
	h := newHarness(t)

	// Open a receive session on B by hand.
	rts, _ := can.NewFrame(can.PriorityLowest, can.PGNTPConnMgmt, addrA, addrB,
		[]byte{16, 100, 0, 15, 0xFF, 0x00, 0xEF, 0x00})
	h.b.Process(rts)

	// First data frame in order, then skip one (expected 2, send 4).
	dt1, _ := can.NewFrame(can.PriorityLowest, can.PGNTPDataTransfer, addrA, addrB,
		[]byte{1, 0, 1, 2, 3, 4, 5, 6})
	h.b.Process(dt1)
	dt4, _ := can.NewFrame(can.PriorityLowest, can.PGNTPDataTransfer, addrA, addrB,
		[]byte{4, 0, 0, 0, 0, 0, 0, 0})
	h.b.Process(dt4)

	var abortReasons []uint8
	for _, f := range h.bOut {
		if can.Decode(f.ID).PGN == can.PGNTPConnMgmt && f.Data[0] == tpCtrlAbort {
			abortReasons = append(abortReasons, f.Data[1])
		}
	}
	require.Len(t, abortReasons, 1)
	assert.Equal(t, uint8(AbortBadSequence), abortReasons[0])
	assert.Zero(t, h.b.ActiveSessions())
}

func TestDuplicateSequenceAborts(t *testing.T) {
	h := newHarness(t)
	rts, _ := can.NewFrame(can.PriorityLowest, can.PGNTPConnMgmt, addrA, addrB,
		[]byte{16, 100, 0, 15, 0xFF, 0x00, 0xEF, 0x00})
	h.b.Process(rts)

	dt1, _ := can.NewFrame(can.PriorityLowest, can.PGNTPDataTransfer, addrA, addrB,
		[]byte{1, 0, 1, 2, 3, 4, 5, 6})
	h.b.Process(dt1)
	h.b.Process(dt1)

	found := false
	for _, f := range h.bOut {
		if f.Data[0] == tpCtrlAbort && f.Data[1] == uint8(AbortDuplicateSequence) {
			found = true
		}
	}
	assert.True(t, found)
}

func TestConcurrentRTSSameSourceRejected(t *testing.T) {
	h := newHarness(t)
	rts, _ := can.NewFrame(can.PriorityLowest, can.PGNTPConnMgmt, addrA, addrB,
		[]byte{16, 100, 0, 15, 0xFF, 0x00, 0xEF, 0x00})
	h.b.Process(rts)
	require.Equal(t, 1, h.b.ActiveSessions())

	h.bOut = nil
	h.b.Process(rts)

	require.NotEmpty(t, h.bOut)
	assert.Equal(t, uint8(tpCtrlAbort), h.bOut[0].Data[0])
	assert.Equal(t, uint8(AbortAlreadyInSession), h.bOut[0].Data[1])
	assert.Equal(t, 1, h.b.ActiveSessions(), "existing session untouched")
}

func TestTransmitterTimeoutWithoutCTS(t *testing.T) {
	h := newHarness(t)
	var gotErr error
	h.a.SubscribeTxDone(func(pgn can.PGN, dst uint8, err error) { gotErr = err })

	require.NoError(t, h.a.Send(can.PGNProprietaryA, payload(100), can.PriorityDefault, addrA, addrB))
	// Swallow the RTS and let T2 expire.
	h.aOut = nil
	for i := 0; i < 3; i++ {
		h.a.Update(500)
	}

	var abortErr *AbortError
	require.ErrorAs(t, gotErr, &abortErr)
	assert.Equal(t, AbortTimeout, abortErr.Reason)
}

func TestReceiverTimeoutRetriesCTSOnceThenAborts(t *testing.T) {
	h := newHarness(t)
	rts, _ := can.NewFrame(can.PriorityLowest, can.PGNTPConnMgmt, addrA, addrB,
		[]byte{16, 100, 0, 15, 0xFF, 0x00, 0xEF, 0x00})
	h.b.Process(rts)
	h.bOut = nil

	// First expiry without a data frame: one CTS retransmit.
	h.b.Update(800)
	require.NotEmpty(t, h.bOut)
	assert.Equal(t, uint8(tpCtrlCTS), h.bOut[0].Data[0])
	assert.Equal(t, 1, h.b.ActiveSessions())

	// Second expiry: the session aborts.
	h.bOut = nil
	h.b.Update(800)
	require.NotEmpty(t, h.bOut)
	assert.Equal(t, uint8(tpCtrlAbort), h.bOut[0].Data[0])
	assert.Equal(t, uint8(AbortTimeout), h.bOut[0].Data[1])
	assert.Zero(t, h.b.ActiveSessions())
}

func TestAlreadyInSessionOnSend(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.a.Send(can.PGNProprietaryA, payload(100), can.PriorityDefault, addrA, addrB))
	err := h.a.Send(can.PGNProprietaryA, payload(50), can.PriorityDefault, addrA, addrB)
	assert.ErrorIs(t, err, ErrAlreadyInSession)
}

func TestMaxTxSessions(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 4; i++ {
		require.NoError(t, h.a.Send(can.PGNProprietaryA, payload(50), can.PriorityDefault, addrA, uint8(0x30+i)))
	}
	err := h.a.Send(can.PGNProprietaryA, payload(50), can.PriorityDefault, addrA, 0x40)
	assert.ErrorIs(t, err, ErrTooManySessions)
}

func TestBackPressureHoldsTimers(t *testing.T) {
	blocked := true
	var sent []can.Frame
	layer := NewLayer(0, Config{}, func(f can.Frame) error {
		if blocked {
			return endpoint.ErrWouldBlock
		}
		sent = append(sent, f)
		return nil
	}, func(addr uint8) bool { return addr == addrA })

	require.NoError(t, layer.Send(can.PGNProprietaryA, payload(100), can.PriorityDefault, addrA, addrB))

	var gotErr error
	hasResult := false
	layer.SubscribeTxDone(func(pgn can.PGN, dst uint8, err error) { gotErr = err; hasResult = true })

	// Far past T2, but the endpoint is refusing: no timeout may fire.
	for i := 0; i < 10; i++ {
		layer.Update(1000)
	}
	assert.False(t, hasResult)
	_ = gotErr

	blocked = false
	layer.Update(10)
	require.NotEmpty(t, sent, "held frame flushed once the endpoint accepts")
	assert.Equal(t, uint8(tpCtrlRTS), sent[0].Data[0])
}
