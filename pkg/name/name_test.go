package name

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldAccessors(t *testing.T) {
	n := Name(0).
		WithIdentityNumber(0x1FFFFF).
		WithManufacturerCode(0x7FF).
		WithECUInstance(0x07).
		WithFunctionInstance(0x1F).
		WithFunctionCode(0xFF).
		WithDeviceClass(0x7F).
		WithDeviceClassInstance(0x0F).
		WithIndustryGroup(0x07).
		WithSelfConfigurable(true)

	assert.Equal(t, uint32(0x1FFFFF), n.IdentityNumber())
	assert.Equal(t, uint16(0x7FF), n.ManufacturerCode())
	assert.Equal(t, uint8(0x07), n.ECUInstance())
	assert.Equal(t, uint8(0x1F), n.FunctionInstance())
	assert.Equal(t, uint8(0xFF), n.FunctionCode())
	assert.Equal(t, uint8(0x7F), n.DeviceClass())
	assert.Equal(t, uint8(0x0F), n.DeviceClassInstance())
	assert.Equal(t, uint8(0x07), n.IndustryGroup())
	assert.True(t, n.SelfConfigurable())

	// The reserved bit 48 stays clear.
	assert.Zero(t, uint64(n)&(1<<48))
}

func TestFieldsDoNotOverlap(t *testing.T) {
	n := Name(0).WithManufacturerCode(0x7FF)
	assert.Zero(t, n.IdentityNumber())
	assert.Zero(t, n.FunctionCode())

	n = Name(0).WithIdentityNumber(42)
	assert.Equal(t, uint32(42), n.IdentityNumber())
	assert.Zero(t, n.ManufacturerCode())
	assert.False(t, n.SelfConfigurable())
}

func TestBytesRoundTrip(t *testing.T) {
	n := Name(0x8000_1234_5678_9ABC)
	b := n.Bytes()
	assert.Equal(t, uint8(0xBC), b[0]) // little-endian wire order
	assert.Equal(t, uint8(0x80), b[7])
	assert.Equal(t, n, FromBytes(b[:]))
}

func TestArbitrationOrder(t *testing.T) {
	lower := Name(0x8000_0000_0000_002A)
	higher := Name(0x8000_0000_0000_002B)
	require.True(t, lower < higher)
}

func TestFilters(t *testing.T) {
	n := Name(0).
		WithIdentityNumber(42).
		WithManufacturerCode(100).
		WithFunctionCode(130).
		WithIndustryGroup(2)

	match := []Filter{
		{Field: FilterManufacturerCode, Value: 100},
		{Field: FilterFunctionCode, Value: 130},
	}
	assert.True(t, MatchesAll(n, match))

	mismatch := append(match, Filter{Field: FilterIndustryGroup, Value: 4})
	assert.False(t, MatchesAll(n, mismatch))

	// An empty filter set matches anything.
	assert.True(t, MatchesAll(n, nil))
}
