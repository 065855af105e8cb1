// Package nmea carries the NMEA 2000 message codecs the stack exchanges on
// an agricultural bus: rapid-update GNSS position and course, the Fast
// Packet GNSS position data group and the product information group. Fields
// use the standard NMEA 2000 resolutions; 0xFF-filled fields mean
// "not available".
package nmea

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/robolibs/agrobus/internal/network"
	"github.com/robolibs/agrobus/pkg/can"
)

// ErrShortPayload reports a message too small for its PGN.
var ErrShortPayload = errors.New("payload too short")

// RegisterFastPacketPGNs declares the Fast Packet framed NMEA 2000 PGNs on
// the manager. Call once before traffic flows.
func RegisterFastPacketPGNs(m *network.Manager) {
	m.RegisterFastPacketPGN(can.PGNGNSSPositionData)
	m.RegisterFastPacketPGN(can.PGNProductInfo)
	m.RegisterFastPacketPGN(can.PGNConfigInfo)
}

// PositionRapid is PGN 129025: latitude and longitude in 1e-7 degree units.
type PositionRapid struct {
	Latitude1e7  int32
	Longitude1e7 int32
}

// Latitude returns degrees.
func (p PositionRapid) Latitude() float64 { return float64(p.Latitude1e7) * 1e-7 }

// Longitude returns degrees.
func (p PositionRapid) Longitude() float64 { return float64(p.Longitude1e7) * 1e-7 }

// Encode emits the 8-byte rapid position payload.
func (p PositionRapid) Encode() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:], uint32(p.Latitude1e7))
	binary.LittleEndian.PutUint32(b[4:], uint32(p.Longitude1e7))
	return b
}

// DecodePositionRapid parses PGN 129025.
func DecodePositionRapid(data []byte) (PositionRapid, error) {
	if len(data) < 8 {
		return PositionRapid{}, fmt.Errorf("%w: position rapid needs 8 bytes", ErrShortPayload)
	}
	return PositionRapid{
		Latitude1e7:  int32(binary.LittleEndian.Uint32(data[0:])),
		Longitude1e7: int32(binary.LittleEndian.Uint32(data[4:])),
	}, nil
}

// CourseSpeedRapid is PGN 129026: course over ground (1e-4 rad) and speed
// over ground (1e-2 m/s).
type CourseSpeedRapid struct {
	SequenceID   uint8
	COGReference uint8 // 0 = true, 1 = magnetic
	CourseRad1e4 uint16
	SpeedCms     uint16
}

// Encode emits the 8-byte COG/SOG payload.
func (c CourseSpeedRapid) Encode() []byte {
	b := make([]byte, 8)
	b[0] = c.SequenceID
	b[1] = c.COGReference&0x03 | 0xFC
	binary.LittleEndian.PutUint16(b[2:], c.CourseRad1e4)
	binary.LittleEndian.PutUint16(b[4:], c.SpeedCms)
	b[6], b[7] = 0xFF, 0xFF
	return b
}

// DecodeCourseSpeedRapid parses PGN 129026.
func DecodeCourseSpeedRapid(data []byte) (CourseSpeedRapid, error) {
	if len(data) < 8 {
		return CourseSpeedRapid{}, fmt.Errorf("%w: COG/SOG needs 8 bytes", ErrShortPayload)
	}
	return CourseSpeedRapid{
		SequenceID:   data[0],
		COGReference: data[1] & 0x03,
		CourseRad1e4: binary.LittleEndian.Uint16(data[2:]),
		SpeedCms:     binary.LittleEndian.Uint16(data[4:]),
	}, nil
}

// PositionData is PGN 129029 (Fast Packet): the high-precision GNSS fix.
// Only the fields the stack consumes are modeled; the remainder of the
// group is preserved untouched on decode.
type PositionData struct {
	SequenceID    uint8
	DaysSince197  uint16 // days since 1970-01-01
	SecondsSince  uint32 // seconds since midnight, 1e-4 s units
	Latitude1e16  int64
	Longitude1e16 int64
	AltitudeMM    int64 // 1e-6 m units
	GNSSType      uint8
	Method        uint8
	Integrity     uint8
	NumSVs        uint8
}

const positionDataLen = 43

// Encode emits the 43-byte position data payload.
func (p PositionData) Encode() []byte {
	b := make([]byte, positionDataLen)
	b[0] = p.SequenceID
	binary.LittleEndian.PutUint16(b[1:], p.DaysSince197)
	binary.LittleEndian.PutUint32(b[3:], p.SecondsSince)
	binary.LittleEndian.PutUint64(b[7:], uint64(p.Latitude1e16))
	binary.LittleEndian.PutUint64(b[15:], uint64(p.Longitude1e16))
	binary.LittleEndian.PutUint64(b[23:], uint64(p.AltitudeMM))
	b[31] = p.GNSSType&0x0F | p.Method<<4
	b[32] = p.Integrity&0x03 | 0xFC
	b[33] = p.NumSVs
	for i := 34; i < positionDataLen; i++ {
		b[i] = 0xFF
	}
	return b
}

// DecodePositionData parses PGN 129029.
func DecodePositionData(data []byte) (PositionData, error) {
	if len(data) < positionDataLen {
		return PositionData{}, fmt.Errorf("%w: position data needs %d bytes", ErrShortPayload, positionDataLen)
	}
	return PositionData{
		SequenceID:    data[0],
		DaysSince197:  binary.LittleEndian.Uint16(data[1:]),
		SecondsSince:  binary.LittleEndian.Uint32(data[3:]),
		Latitude1e16:  int64(binary.LittleEndian.Uint64(data[7:])),
		Longitude1e16: int64(binary.LittleEndian.Uint64(data[15:])),
		AltitudeMM:    int64(binary.LittleEndian.Uint64(data[23:])),
		GNSSType:      data[31] & 0x0F,
		Method:        data[31] >> 4,
		Integrity:     data[32] & 0x03,
		NumSVs:        data[33],
	}, nil
}

// ProductInfo is PGN 126996 (Fast Packet): the device product record with
// four fixed 32-byte string fields.
type ProductInfo struct {
	NMEA2000Version    uint16
	ProductCode        uint16
	ModelID            string
	SoftwareVersion    string
	ModelVersion       string
	ModelSerialCode    string
	CertificationLevel uint8
	LoadEquivalency    uint8
}

const productInfoLen = 134

// Encode emits the 134-byte product info payload. Strings are truncated or
// 0xFF padded to their fixed 32-byte slots.
func (p ProductInfo) Encode() []byte {
	b := make([]byte, productInfoLen)
	binary.LittleEndian.PutUint16(b[0:], p.NMEA2000Version)
	binary.LittleEndian.PutUint16(b[2:], p.ProductCode)
	putFixedString(b[4:36], p.ModelID)
	putFixedString(b[36:68], p.SoftwareVersion)
	putFixedString(b[68:100], p.ModelVersion)
	putFixedString(b[100:132], p.ModelSerialCode)
	b[132] = p.CertificationLevel
	b[133] = p.LoadEquivalency
	return b
}

// DecodeProductInfo parses PGN 126996.
func DecodeProductInfo(data []byte) (ProductInfo, error) {
	if len(data) < productInfoLen {
		return ProductInfo{}, fmt.Errorf("%w: product info needs %d bytes", ErrShortPayload, productInfoLen)
	}
	return ProductInfo{
		NMEA2000Version:    binary.LittleEndian.Uint16(data[0:]),
		ProductCode:        binary.LittleEndian.Uint16(data[2:]),
		ModelID:            fixedString(data[4:36]),
		SoftwareVersion:    fixedString(data[36:68]),
		ModelVersion:       fixedString(data[68:100]),
		ModelSerialCode:    fixedString(data[100:132]),
		CertificationLevel: data[132],
		LoadEquivalency:    data[133],
	}, nil
}

func putFixedString(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0xFF
	}
}

func fixedString(src []byte) string {
	end := len(src)
	for i, c := range src {
		if c == 0x00 || c == 0xFF {
			end = i
			break
		}
	}
	return string(src[:end])
}
