// Package tc implements the ISO 11783-10 Task Controller surface: the
// client state machine that announces a working set and transfers its
// device descriptor object pool, and the server that tracks clients and
// broadcasts its status cadence. Both sit on the process-data PGN pair
// (ECU to TC 0xCC00, TC to ECU 0xCB00).
package tc

import (
	"fmt"

	"github.com/robolibs/agrobus/pkg/ddop"
)

// Command is the low nibble of byte 0 of every process-data message.
type Command uint8

const (
	CmdTechnicalCapabilities Command = 0x0
	CmdDeviceDescriptor      Command = 0x1
	CmdRequestValue          Command = 0x2
	CmdValue                 Command = 0x3
	CmdMeasurementTime       Command = 0x4
	CmdMeasurementDistance   Command = 0x5
	CmdMeasurementMinimum    Command = 0x6
	CmdMeasurementMaximum    Command = 0x7
	CmdMeasurementChange     Command = 0x8
	CmdPeerControlAssignment Command = 0x9
	CmdSetValueAndAck        Command = 0xA
	CmdAcknowledge           Command = 0xD
	CmdStatus                Command = 0xE
	CmdClientTask            Command = 0xF
)

// Device descriptor sub-functions, carried in the upper nibble of byte 0
// alongside CmdDeviceDescriptor.
const (
	ddRequestStructureLabel   uint8 = 0x0
	ddStructureLabel          uint8 = 0x1
	ddRequestPoolTransfer     uint8 = 0x4
	ddPoolTransferGranted     uint8 = 0x5
	ddPoolTransfer            uint8 = 0x6
	ddPoolTransferResponse    uint8 = 0x7
	ddPoolActivate            uint8 = 0x8
	ddPoolActivateResponse    uint8 = 0x9
	ddChangeDesignator        uint8 = 0xC
	ddChangeDesignatorReplied uint8 = 0xD
)

func ddByte(sub uint8) uint8 { return sub<<4 | uint8(CmdDeviceDescriptor) }

// ActivationError is the object pool activation error bitfield returned by
// the server (byte 1 of the activate response).
type ActivationError uint8

const (
	ActivationNoErrors              ActivationError = 0x00
	ActivationErrorsInDDOP          ActivationError = 0x01
	ActivationOutOfMemory           ActivationError = 0x02
	ActivationAnyOther              ActivationError = 0x04
	ActivationDifferentPoolForLabel ActivationError = 0x08
)

func (e ActivationError) String() string {
	switch e {
	case ActivationNoErrors:
		return "NoErrors"
	case ActivationErrorsInDDOP:
		return "ThereAreErrorsInTheDDOP"
	case ActivationOutOfMemory:
		return "OutOfMemory"
	case ActivationAnyOther:
		return "AnyOtherError"
	case ActivationDifferentPoolForLabel:
		return "DifferentDDOPWithSameLabel"
	}
	return fmt.Sprintf("ActivationError(0x%02X)", uint8(e))
}

// ActivationFailure surfaces a non-zero activation response verbatim.
type ActivationFailure struct {
	Code ActivationError
}

func (e *ActivationFailure) Error() string {
	return "object pool activation failed: " + e.Code.String()
}

// AckError is the error code carried in a process data acknowledge.
type AckError uint8

const (
	AckNoErrors                       AckError = 0x00
	AckProcessDataNotSupported        AckError = 0x01
	AckInvalidElementNumber           AckError = 0x02
	AckDDINotSupportedByElement       AckError = 0x04
	AckTriggerMethodNotSupported      AckError = 0x08
	AckNoProcessingResourcesAvailable AckError = 0x10
)

// ProcessDataFrame is the decoded form of one 8-byte process-data message.
// The element number is 12 bits split across bytes 0 and 1.
type ProcessDataFrame struct {
	Command Command
	// Element takes its low four bits from the upper nibble of byte 0 and
	// its high eight bits from byte 1.
	Element ddop.ElementNumber
	DDI     ddop.DDI
	Value   int32
}

// encodeProcessData packs a value-style frame: command nibble, 12-bit
// element, DDI and i32 value, all little-endian.
func encodeProcessData(cmd Command, element ddop.ElementNumber, ddi ddop.DDI, value int32) [8]byte {
	var b [8]byte
	b[0] = uint8(cmd)&0x0F | uint8(element&0x0F)<<4
	b[1] = uint8(element >> 4)
	b[2] = uint8(ddi)
	b[3] = uint8(ddi >> 8)
	b[4] = uint8(value)
	b[5] = uint8(value >> 8)
	b[6] = uint8(value >> 16)
	b[7] = uint8(value >> 24)
	return b
}

// decodeProcessData is the inverse of encodeProcessData.
func decodeProcessData(data []byte) (ProcessDataFrame, bool) {
	if len(data) < 8 {
		return ProcessDataFrame{}, false
	}
	return ProcessDataFrame{
		Command: Command(data[0] & 0x0F),
		Element: ddop.ElementNumber(data[0]>>4) | ddop.ElementNumber(data[1])<<4,
		DDI:     ddop.DDI(data[2]) | ddop.DDI(data[3])<<8,
		Value: int32(uint32(data[4]) | uint32(data[5])<<8 |
			uint32(data[6])<<16 | uint32(data[7])<<24),
	}, true
}

// ServerOptions is the capability bitfield broadcast in the server status.
type ServerOptions uint8

const (
	OptSupportsDocumentation          ServerOptions = 0x01
	OptSupportsTCGEOWithoutPosition   ServerOptions = 0x02
	OptSupportsTCGEOWithPosition      ServerOptions = 0x04
	OptSupportsPeerControl            ServerOptions = 0x08
	OptSupportsImplementSectionContrl ServerOptions = 0x10
)
