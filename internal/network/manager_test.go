package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robolibs/agrobus/pkg/can"
	"github.com/robolibs/agrobus/pkg/endpoint"
	"github.com/robolibs/agrobus/pkg/name"
)

// twoNodes builds two managers on one virtual segment, each with one online
// internal control function.
func twoNodes(t *testing.T) (*Manager, *InternalControlFunction, *Manager, *InternalControlFunction) {
	t.Helper()
	bus := endpoint.NewVirtualBus()

	mgrA := NewManager(DefaultConfig())
	require.NoError(t, mgrA.SetEndpoint(0, bus.Tap()))
	cfA, err := mgrA.CreateInternal(name.Name(testNameRaw), 0, 0x10)
	require.NoError(t, err)

	mgrB := NewManager(DefaultConfig())
	require.NoError(t, mgrB.SetEndpoint(0, bus.Tap()))
	cfB, err := mgrB.CreateInternal(name.Name(testNameRaw+0x100), 0, 0x20)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		mgrA.Update(200)
		mgrB.Update(200)
	}
	require.True(t, cfA.Online())
	require.True(t, cfB.Online())
	require.Equal(t, uint8(0x10), cfA.Address())
	require.Equal(t, uint8(0x20), cfB.Address())
	return mgrA, cfA, mgrB, cfB
}

func TestSingleFrameRoundTrip(t *testing.T) {
	mgrA, cfA, mgrB, cfB := twoNodes(t)

	var got []*can.Message
	mgrB.RegisterPGNCallback(can.PGNProprietaryA, func(m *can.Message) { got = append(got, m) })

	dest := mgrA.Externals(0)
	require.NotEmpty(t, dest)
	var target *ControlFunction
	for _, ext := range dest {
		if ext.Address() == cfB.Address() {
			target = ext
		}
	}
	require.NotNil(t, target)

	payload := []byte{1, 2, 3, 4, 5}
	require.NoError(t, mgrA.Send(can.PGNProprietaryA, payload, cfA, target))
	mgrB.Update(10)

	require.Len(t, got, 1)
	assert.Equal(t, payload, got[0].Data)
	assert.Equal(t, cfA.Address(), got[0].Source)
	assert.Equal(t, cfB.Address(), got[0].Destination)
	assert.Equal(t, can.PriorityDefault, got[0].Priority)
}

func TestSendPreconditions(t *testing.T) {
	mgr := NewManager(DefaultConfig())
	cf, err := mgr.CreateInternal(name.Name(testNameRaw), 0, 0x10)
	require.NoError(t, err)

	// Offline source.
	err = mgr.Send(can.PGNHeartbeat, []byte{1}, cf, nil)
	assert.ErrorIs(t, err, ErrInvalidState)

	// Force online without an endpoint.
	cf.address = 0x10
	cf.state = CFOnline
	err = mgr.Send(can.PGNHeartbeat, []byte{1}, cf, nil)
	assert.ErrorIs(t, err, ErrNotReady)

	bus := endpoint.NewVirtualBus()
	require.NoError(t, mgr.SetEndpoint(0, bus.Tap()))

	// PDU1 without a destination.
	err = mgr.Send(can.PGNTCToECU, []byte{1}, cf, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// Broadcast PDU2 is fine.
	assert.NoError(t, mgr.Send(can.PGNHeartbeat, []byte{1}, cf, nil))
}

func TestSendWouldBlockSurfaces(t *testing.T) {
	mgr := NewManager(DefaultConfig())
	bus := endpoint.NewVirtualBus()
	tap := bus.Tap()
	require.NoError(t, mgr.SetEndpoint(0, tap))
	cf, err := mgr.CreateInternal(name.Name(testNameRaw), 0, 0x10)
	require.NoError(t, err)
	cf.address = 0x10
	cf.state = CFOnline

	tap.SetBlocked(true)
	err = mgr.Send(can.PGNHeartbeat, []byte{1}, cf, nil)
	assert.ErrorIs(t, err, endpoint.ErrWouldBlock)
}

func TestDispatchFiltersByDestination(t *testing.T) {
	mgrA, cfA, mgrB, _ := twoNodes(t)

	var got int
	mgrB.RegisterPGNCallback(can.PGNProprietaryA, func(m *can.Message) { got++ })

	// Directed at a third party: B must not dispatch it.
	other := &ControlFunction{name: name.Name(1), address: 0x55, state: CFOnline}
	require.NoError(t, mgrA.Send(can.PGNProprietaryA, []byte{1}, cfA, other))
	mgrB.Update(10)
	assert.Zero(t, got)

	// Broadcast: everyone dispatches.
	require.NoError(t, mgrA.Send(can.PGNHeartbeat, []byte{1}, cfA, nil))
	mgrB.RegisterPGNCallback(can.PGNHeartbeat, func(m *can.Message) { got++ })
	mgrA.Send(can.PGNHeartbeat, []byte{2}, cfA, nil)
	mgrB.Update(10)
	assert.Equal(t, 2, got)
}

func TestCallbackOrderAndPanicIsolation(t *testing.T) {
	mgrA, cfA, mgrB, _ := twoNodes(t)

	var order []int
	mgrB.RegisterPGNCallback(can.PGNHeartbeat, func(m *can.Message) { order = append(order, 1); panic("boom") })
	mgrB.RegisterPGNCallback(can.PGNHeartbeat, func(m *can.Message) { order = append(order, 2) })

	require.NoError(t, mgrA.Send(can.PGNHeartbeat, []byte{1}, cfA, nil))
	mgrB.Update(10)

	// The panicking subscriber does not stop the second one.
	assert.Equal(t, []int{1, 2}, order)
}

func TestMultiFrameThroughManagers(t *testing.T) {
	mgrA, cfA, mgrB, cfB := twoNodes(t)

	var got []*can.Message
	mgrB.RegisterPGNCallback(can.PGNProprietaryA, func(m *can.Message) { got = append(got, m) })

	var target *ControlFunction
	for _, ext := range mgrA.Externals(0) {
		if ext.Address() == cfB.Address() {
			target = ext
		}
	}
	require.NotNil(t, target)

	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i * 7)
	}
	require.NoError(t, mgrA.Send(can.PGNProprietaryA, data, cfA, target))

	for i := 0; i < 30; i++ {
		mgrA.Update(10)
		mgrB.Update(10)
	}

	require.Len(t, got, 1)
	assert.Equal(t, data, got[0].Data)
}

func TestUnknownDirectedRequestIsNACKed(t *testing.T) {
	mgrA, cfA, mgrB, cfB := twoNodes(t)

	var acks []*can.Message
	mgrA.RegisterPGNCallback(can.PGNAcknowledgment, func(m *can.Message) { acks = append(acks, m) })

	// Ask B for a PGN nothing owns.
	req := []byte{0xDA, 0xFE, 0x00} // Software ID
	require.NoError(t, mgrA.Send(can.PGNRequest, req, cfA, externalFor(t, mgrA, cfB.Address())))
	mgrB.Update(10)
	mgrA.Update(10)

	require.Len(t, acks, 1)
	assert.Equal(t, uint8(1), acks[0].Data[0], "control byte NACK")
	assert.Equal(t, cfA.Address(), acks[0].Data[4])
	assert.Equal(t, req, acks[0].Data[5:8])
}

func TestRegisteredRequestHandlerIsDispatched(t *testing.T) {
	mgrA, cfA, mgrB, cfB := twoNodes(t)

	var handled []can.PGN
	mgrB.RegisterRequestHandler(can.PGNSoftwareID, func(pgn can.PGN, requester uint8, port uint8) {
		handled = append(handled, pgn)
		assert.Equal(t, cfA.Address(), requester)
	})

	req := []byte{0xDA, 0xFE, 0x00}
	require.NoError(t, mgrA.Send(can.PGNRequest, req, cfA, externalFor(t, mgrA, cfB.Address())))
	mgrB.Update(10)

	assert.Equal(t, []can.PGN{can.PGNSoftwareID}, handled)
}

func TestPartnerDiscoveryAndLoss(t *testing.T) {
	bus := endpoint.NewVirtualBus()
	mgr := NewManager(DefaultConfig())
	tap := bus.Tap()
	require.NoError(t, mgr.SetEndpoint(0, tap))

	var foundAddr []uint8
	lost := 0
	partner, err := mgr.CreatePartner(0, []name.Filter{
		{Field: name.FilterFunctionCode, Value: 130},
	})
	require.NoError(t, err)
	partner.OnPartnerFound = func(a uint8) { foundAddr = append(foundAddr, a) }
	partner.OnPartnerLost = func() { lost++ }

	// A non-matching peer claims: no match.
	wrong := name.Name(0).WithFunctionCode(129).WithIdentityNumber(7)
	tap.Inject(claimFrame(t, wrong, 0x31))
	mgr.Update(10)
	assert.Nil(t, partner.Resolved())

	// The matching peer claims.
	tcName := name.Name(0).WithFunctionCode(130).WithIdentityNumber(8)
	tap.Inject(claimFrame(t, tcName, 0x26))
	mgr.Update(10)
	require.NotNil(t, partner.Resolved())
	assert.Equal(t, []uint8{0x26}, foundAddr)
	assert.Equal(t, uint8(0x26), partner.Resolved().Address())

	// Silence beyond three claim cadences plus grace: partner lost.
	mgr.Update(1100)
	assert.Equal(t, 1, lost)
	assert.Nil(t, partner.Resolved())
}

func TestPartnerLostOnCannotClaim(t *testing.T) {
	bus := endpoint.NewVirtualBus()
	mgr := NewManager(DefaultConfig())
	tap := bus.Tap()
	require.NoError(t, mgr.SetEndpoint(0, tap))

	lost := 0
	partner, err := mgr.CreatePartner(0, []name.Filter{
		{Field: name.FilterFunctionCode, Value: 130},
	})
	require.NoError(t, err)
	partner.OnPartnerLost = func() { lost++ }

	tcName := name.Name(0).WithFunctionCode(130).WithIdentityNumber(9)
	tap.Inject(claimFrame(t, tcName, 0x26))
	mgr.Update(10)
	require.NotNil(t, partner.Resolved())

	// The peer loses its address and says so.
	tap.Inject(claimFrame(t, tcName, can.NullAddress))
	mgr.Update(10)
	assert.Equal(t, 1, lost)
	assert.Nil(t, partner.Resolved())
}

func TestBusLoadAccumulates(t *testing.T) {
	mgrA, cfA, _, _ := twoNodes(t)

	// The address claim exchange of the setup is already counted.
	before := mgrA.BusLoad(0)
	require.Greater(t, before, float32(0))
	for i := 0; i < 50; i++ {
		_ = mgrA.Send(can.PGNHeartbeat, []byte{1, 2, 3, 4, 5, 6, 7, 8}, cfA, nil)
		mgrA.Update(100)
	}
	load := mgrA.BusLoad(0)
	assert.Greater(t, load, before)
	assert.Less(t, load, float32(100))
}

func TestInvalidPort(t *testing.T) {
	mgr := NewManager(DefaultConfig())
	_, err := mgr.CreateInternal(name.Name(testNameRaw), 3, 0x10)
	assert.ErrorIs(t, err, ErrInvalidPort)
	_, err = mgr.CreatePartner(3, []name.Filter{{Field: name.FilterFunctionCode, Value: 1}})
	assert.ErrorIs(t, err, ErrInvalidPort)
	assert.ErrorIs(t, mgr.SetEndpoint(3, nil), ErrInvalidPort)
}

func externalFor(t *testing.T, mgr *Manager, addr uint8) *ControlFunction {
	t.Helper()
	for _, ext := range mgr.Externals(0) {
		if ext.Address() == addr {
			return ext
		}
	}
	t.Fatalf("no external control function at address %d", addr)
	return nil
}
