package can

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		priority Priority
		pgn      PGN
		src      uint8
		dst      uint8
	}{
		{"pdu1 directed", PriorityDefault, PGNTCToECU, 0x10, 0x20},
		{"pdu1 request", PriorityDefault, PGNRequest, 0xFE, 0xFF},
		{"pdu1 to global", PriorityDefault, PGNAddressClaimed, 0x28, 0xFF},
		{"pdu2 vehicle speed", PriorityDefault, PGNVehicleSpeed, 0x00, 0xFF},
		{"highest priority", PriorityHighest, PGNGNSSPositionFast, 0x42, 0xFF},
		{"lowest priority tp", PriorityLowest, PGNTPDataTransfer, 0x80, 0x81},
		{"proprietary a", PriorityDefault, PGNProprietaryA, 0x10, 0x20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := Encode(tt.priority, tt.pgn, tt.src, tt.dst)
			require.NoError(t, err)

			ident := Decode(id)
			assert.Equal(t, tt.priority, ident.Priority)
			assert.Equal(t, tt.pgn, ident.PGN)
			assert.Equal(t, tt.src, ident.Source)
			if tt.pgn.IsPDU2() {
				assert.Equal(t, BroadcastAddress, ident.Destination)
			} else {
				assert.Equal(t, tt.dst, ident.Destination)
			}
			// PDU class survives the round trip.
			assert.Equal(t, tt.pgn.IsPDU2(), ident.PGN.IsPDU2())
		})
	}
}

func TestEncodeRejectsInvalidPGN(t *testing.T) {
	_, err := Encode(PriorityDefault, 0x40000, 0x10, 0xFF)
	assert.ErrorIs(t, err, ErrInvalidPGN)

	// PDU1 with a nonzero low byte cannot be addressed.
	_, err = Encode(PriorityDefault, 0x00EC05, 0x10, 0x20)
	assert.ErrorIs(t, err, ErrInvalidPGN)
}

func TestPDU2Classification(t *testing.T) {
	assert.False(t, PGNRequest.IsPDU2())
	assert.False(t, PGNTPConnMgmt.IsPDU2())
	assert.False(t, PGNTCToECU.IsPDU2())
	assert.False(t, PGNAddressClaimed.IsPDU2()) // PF 0xEE, sent to the global address
	assert.True(t, PGNVehicleSpeed.IsPDU2())
	assert.True(t, PGN(129025).IsPDU2())

	// PF = 239 is the last PDU1 format, PF = 240 the first PDU2.
	assert.False(t, PGN(0xEF00).IsPDU2())
	assert.True(t, PGN(0xF000).IsPDU2())
}

func TestDecodeExtractsPS(t *testing.T) {
	// Priority 7, TP.CM from 0x10 to 0x20.
	id, err := Encode(PriorityLowest, PGNTPConnMgmt, 0x10, 0x20)
	require.NoError(t, err)
	ident := Decode(id)
	assert.Equal(t, uint8(0x20), ident.Destination)
	assert.Equal(t, PGNTPConnMgmt, ident.PGN)

	// PDU2: the PS byte is part of the PGN.
	id, err = Encode(PriorityDefault, PGNHeartbeat, 0x33, 0x00)
	require.NoError(t, err)
	ident = Decode(id)
	assert.Equal(t, PGNHeartbeat, ident.PGN)
	assert.Equal(t, BroadcastAddress, ident.Destination)
}

func TestNewFramePadsWithFF(t *testing.T) {
	f, err := NewFrame(PriorityDefault, PGNHeartbeat, 0x10, 0xFF, []byte{0x01, 0x02})
	require.NoError(t, err)
	assert.Equal(t, uint8(2), f.DLC)
	assert.Equal(t, []byte{0x01, 0x02}, f.Bytes())
	assert.Equal(t, [8]byte{0x01, 0x02, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, f.Data)

	_, err = NewFrame(PriorityDefault, PGNHeartbeat, 0x10, 0xFF, make([]byte, 9))
	assert.Error(t, err)
}

func TestLookup(t *testing.T) {
	info, ok := Lookup(PGNAddressClaimed)
	require.True(t, ok)
	assert.Equal(t, "Address Claimed", info.Name)
	assert.True(t, info.Broadcast)

	_, ok = Lookup(PGN(0x12345))
	assert.False(t, ok)

	assert.Equal(t, PriorityLowest, DefaultPriority(PGNTPDataTransfer))
	assert.Equal(t, PriorityHigh, DefaultPriority(PGNGNSSPositionFast))
	assert.Equal(t, PriorityDefault, DefaultPriority(PGN(0x12345)))
}
