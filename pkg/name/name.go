// Package name implements the 64-bit ISO 11783-5 NAME identity of a control
// function and the field predicates used to match partners on the bus.
package name

import "fmt"

// Name is the 64-bit identity broadcast in every Address Claimed message.
//
// Bit layout, LSB first:
//
//	[0..20]   identity number (21 bits)
//	[21..31]  manufacturer code (11 bits)
//	[32..34]  ECU instance (3 bits)
//	[35..39]  function instance (5 bits)
//	[40..47]  function code (8 bits)
//	[48]      reserved
//	[49..55]  device class (7 bits)
//	[56..59]  device class instance (4 bits)
//	[60..62]  industry group (3 bits)
//	[63]      self-configurable address capability
//
// Names compare as unsigned 64-bit integers; the numerically lower NAME wins
// address arbitration.
type Name uint64

func (n Name) IdentityNumber() uint32     { return uint32(n & 0x1FFFFF) }
func (n Name) ManufacturerCode() uint16   { return uint16((n >> 21) & 0x7FF) }
func (n Name) ECUInstance() uint8         { return uint8((n >> 32) & 0x07) }
func (n Name) FunctionInstance() uint8    { return uint8((n >> 35) & 0x1F) }
func (n Name) FunctionCode() uint8        { return uint8((n >> 40) & 0xFF) }
func (n Name) DeviceClass() uint8         { return uint8((n >> 49) & 0x7F) }
func (n Name) DeviceClassInstance() uint8 { return uint8((n >> 56) & 0x0F) }
func (n Name) IndustryGroup() uint8       { return uint8((n >> 60) & 0x07) }
func (n Name) SelfConfigurable() bool     { return (n>>63)&0x01 == 1 }

func (n Name) WithIdentityNumber(v uint32) Name {
	return n&^Name(0x1FFFFF) | Name(v&0x1FFFFF)
}

func (n Name) WithManufacturerCode(v uint16) Name {
	return n&^(Name(0x7FF)<<21) | Name(v&0x7FF)<<21
}

func (n Name) WithECUInstance(v uint8) Name {
	return n&^(Name(0x07)<<32) | Name(v&0x07)<<32
}

func (n Name) WithFunctionInstance(v uint8) Name {
	return n&^(Name(0x1F)<<35) | Name(v&0x1F)<<35
}

func (n Name) WithFunctionCode(v uint8) Name {
	return n&^(Name(0xFF)<<40) | Name(v)<<40
}

func (n Name) WithDeviceClass(v uint8) Name {
	return n&^(Name(0x7F)<<49) | Name(v&0x7F)<<49
}

func (n Name) WithDeviceClassInstance(v uint8) Name {
	return n&^(Name(0x0F)<<56) | Name(v&0x0F)<<56
}

func (n Name) WithIndustryGroup(v uint8) Name {
	return n&^(Name(0x07)<<60) | Name(v&0x07)<<60
}

func (n Name) WithSelfConfigurable(v bool) Name {
	if v {
		return n | Name(1)<<63
	}
	return n &^ (Name(1) << 63)
}

// Bytes returns the NAME in wire order (little-endian).
func (n Name) Bytes() [8]byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(n >> (8 * i))
	}
	return b
}

// FromBytes reconstructs a NAME from its 8 wire bytes.
func FromBytes(b []byte) Name {
	var n Name
	for i := 0; i < 8 && i < len(b); i++ {
		n |= Name(b[i]) << (8 * i)
	}
	return n
}

func (n Name) String() string {
	return fmt.Sprintf("NAME{id=%d mfr=%d fn=%d class=%d ig=%d self=%t}",
		n.IdentityNumber(), n.ManufacturerCode(), n.FunctionCode(),
		n.DeviceClass(), n.IndustryGroup(), n.SelfConfigurable())
}

// FilterField selects which NAME field a Filter constrains.
type FilterField uint8

const (
	FilterIdentityNumber FilterField = iota
	FilterManufacturerCode
	FilterECUInstance
	FilterFunctionInstance
	FilterFunctionCode
	FilterDeviceClass
	FilterDeviceClassInstance
	FilterIndustryGroup
)

// Filter is a single-field predicate on a NAME. A partner definition holds a
// list of filters; a NAME matches when every filter holds.
type Filter struct {
	Field FilterField
	Value uint32
}

// Matches reports whether the NAME satisfies this filter.
func (f Filter) Matches(n Name) bool {
	switch f.Field {
	case FilterIdentityNumber:
		return n.IdentityNumber() == f.Value
	case FilterManufacturerCode:
		return n.ManufacturerCode() == uint16(f.Value)
	case FilterECUInstance:
		return n.ECUInstance() == uint8(f.Value)
	case FilterFunctionInstance:
		return n.FunctionInstance() == uint8(f.Value)
	case FilterFunctionCode:
		return n.FunctionCode() == uint8(f.Value)
	case FilterDeviceClass:
		return n.DeviceClass() == uint8(f.Value)
	case FilterDeviceClassInstance:
		return n.DeviceClassInstance() == uint8(f.Value)
	case FilterIndustryGroup:
		return n.IndustryGroup() == uint8(f.Value)
	}
	return false
}

// MatchesAll reports whether the NAME satisfies every filter in the set.
func MatchesAll(n Name, filters []Filter) bool {
	for _, f := range filters {
		if !f.Matches(n) {
			return false
		}
	}
	return true
}
