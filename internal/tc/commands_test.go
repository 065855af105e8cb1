package tc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessDataFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		cmd     Command
		element uint16
		ddi     uint16
		value   int32
	}{
		{"value frame", CmdValue, 3, 0x008D, 1},
		{"twelve bit element", CmdRequestValue, 0xFFF, 0x0043, 0},
		{"negative value", CmdSetValueAndAck, 7, 0x0002, -2500},
		{"max ddi", CmdValue, 0, 0xFFFF, 0x7FFFFFFF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := encodeProcessData(tt.cmd, tt.element, tt.ddi, tt.value)
			frame, ok := decodeProcessData(raw[:])
			require.True(t, ok)
			assert.Equal(t, tt.cmd, frame.Command)
			assert.Equal(t, tt.element, frame.Element)
			assert.Equal(t, tt.ddi, frame.DDI)
			assert.Equal(t, tt.value, frame.Value)
		})
	}
}

func TestValueFrameByteLayout(t *testing.T) {
	raw := encodeProcessData(CmdValue, 3, 0x008D, 1)
	// Low nibble command, upper nibble the low four element bits.
	assert.Equal(t, uint8(0x33), raw[0])
	assert.Equal(t, uint8(0x00), raw[1])
	assert.Equal(t, uint8(0x8D), raw[2])
	assert.Equal(t, uint8(0x00), raw[3])
	assert.Equal(t, []byte{1, 0, 0, 0}, raw[4:8])
}

func TestDecodeRejectsShortFrames(t *testing.T) {
	_, ok := decodeProcessData([]byte{0x33, 0x00, 0x8D})
	assert.False(t, ok)
}

func TestDeviceDescriptorByte(t *testing.T) {
	assert.Equal(t, uint8(0x61), ddByte(ddPoolTransfer))
	assert.Equal(t, uint8(0x71), ddByte(ddPoolTransferResponse))
	assert.Equal(t, uint8(0x81), ddByte(ddPoolActivate))
	assert.Equal(t, uint8(0x91), ddByte(ddPoolActivateResponse))
}

func TestActivationErrorStrings(t *testing.T) {
	assert.Equal(t, "ThereAreErrorsInTheDDOP", ActivationErrorsInDDOP.String())
	assert.Equal(t, "OutOfMemory", ActivationOutOfMemory.String())
	assert.Equal(t, "DifferentDDOPWithSameLabel", ActivationDifferentPoolForLabel.String())
	ferr := &ActivationFailure{Code: ActivationOutOfMemory}
	assert.Contains(t, ferr.Error(), "OutOfMemory")
}
