package can

// PGN is an 18-bit Parameter Group Number as encoded inside a 29-bit CAN
// identifier (ISO 11783-3 / J1939-21).
type PGN uint32

// Core protocol PGNs (ISO 11783-3/5, J1939-21).
const (
	PGNRequest          PGN = 0x00EA00
	PGNAddressClaimed   PGN = 0x00EE00
	PGNCommandedAddress PGN = 0x00FED8
	PGNTPConnMgmt       PGN = 0x00EC00
	PGNTPDataTransfer   PGN = 0x00EB00
	PGNETPConnMgmt      PGN = 0x00C800
	PGNETPDataTransfer  PGN = 0x00C700
	PGNAcknowledgment   PGN = 0x00E800
	PGNProprietaryA     PGN = 0x00EF00
)

// Network management (ISO 11783-5).
const (
	PGNHeartbeat        PGN = 0x00F0E4
	PGNWorkingSetMaster PGN = 0x00FE0D
	PGNWorkingSetMember PGN = 0x00FE0C
	PGNLanguageCommand  PGN = 0x00FE0F
	PGNMaintainPower    PGN = 0x00FE47
	PGNSoftwareID       PGN = 0x00FEDA
)

// Diagnostics (J1939-73).
const (
	PGNDM1 PGN = 0x00FECA
	PGNDM2 PGN = 0x00FECB
	PGNDM3 PGN = 0x00FECC
)

// Application protocols (ISO 11783-6/10/13).
const (
	PGNVTToECU        PGN = 0x00E600
	PGNECUToVT        PGN = 0x00E700
	PGNTCToECU        PGN = 0x00CB00
	PGNECUToTC        PGN = 0x00CC00
	PGNFSToClient     PGN = 0x00AB00
	PGNClientToFS     PGN = 0x00AA00
	PGNSCMasterStatus PGN = 0x008E00
	PGNSCClientStatus PGN = 0x008D00
)

// Vehicle and machine data (ISO 11783-7, J1939).
const (
	PGNTimeDate     PGN = 0x00FEE6
	PGNVehicleSpeed PGN = 0x00FEF1
	PGNWheelSpeed   PGN = 0x00FE48
	PGNGroundSpeed  PGN = 0x00FE49
	PGNMachineSpeed PGN = 0x00F022
)

// NMEA 2000 PGNs. ProductInfo, ConfigInfo and GNSSPositionData are Fast
// Packet framed; the rapid-update PGNs are single frame.
const (
	PGNProductInfo      PGN = 126996
	PGNConfigInfo       PGN = 126998
	PGNGNSSPositionFast PGN = 129025
	PGNGNSSCourseSpeed  PGN = 129026
	PGNGNSSPositionData PGN = 129029
)

// MaxPGN is the largest encodable PGN value (18 bits).
const MaxPGN PGN = 0x3FFFF

// Info describes a known parameter group: nominal data length (0 for
// variable), the priority emitted when the caller does not override it, and
// whether the group is sent to the global address.
type Info struct {
	PGN             PGN
	Name            string
	DataLength      uint32
	DefaultPriority Priority
	Broadcast       bool
}

// pgnTable lists the parameter groups the stack itself participates in, plus
// the common vehicle groups useful for diagnostics output. Unknown PGNs fall
// back to PriorityDefault.
var pgnTable = []Info{
	{PGNRequest, "Request", 3, PriorityDefault, false},
	{PGNAddressClaimed, "Address Claimed", 8, PriorityDefault, true},
	{PGNCommandedAddress, "Commanded Address", 9, PriorityDefault, false},
	{PGNTPConnMgmt, "TP.CM", 8, PriorityLowest, false},
	{PGNTPDataTransfer, "TP.DT", 8, PriorityLowest, false},
	{PGNETPConnMgmt, "ETP.CM", 8, PriorityLowest, false},
	{PGNETPDataTransfer, "ETP.DT", 8, PriorityLowest, false},
	{PGNAcknowledgment, "Acknowledgment", 8, PriorityDefault, false},
	{PGNProprietaryA, "Proprietary A", 0, PriorityDefault, false},
	{PGNHeartbeat, "Heartbeat", 8, PriorityDefault, true},
	{PGNWorkingSetMaster, "Working Set Master", 8, PriorityDefault, true},
	{PGNWorkingSetMember, "Working Set Member", 8, PriorityDefault, true},
	{PGNLanguageCommand, "Language Command", 8, PriorityDefault, true},
	{PGNMaintainPower, "Maintain Power", 8, PriorityDefault, true},
	{PGNSoftwareID, "Software Identification", 0, PriorityDefault, true},
	{PGNDM1, "DM1", 0, PriorityDefault, true},
	{PGNDM2, "DM2", 0, PriorityDefault, true},
	{PGNDM3, "DM3", 0, PriorityDefault, true},
	{PGNVTToECU, "VT to ECU", 8, PriorityDefault, false},
	{PGNECUToVT, "ECU to VT", 8, PriorityDefault, false},
	{PGNTCToECU, "TC to ECU", 8, PriorityDefault, false},
	{PGNECUToTC, "ECU to TC", 8, PriorityDefault, false},
	{PGNFSToClient, "FS to Client", 8, PriorityDefault, false},
	{PGNClientToFS, "Client to FS", 8, PriorityDefault, false},
	{PGNSCMasterStatus, "SC Master Status", 8, PriorityDefault, false},
	{PGNSCClientStatus, "SC Client Status", 8, PriorityDefault, false},
	{PGNTimeDate, "Time/Date", 8, PriorityDefault, true},
	{PGNVehicleSpeed, "Vehicle Speed", 8, PriorityDefault, true},
	{PGNWheelSpeed, "Wheel-Based Speed & Distance", 8, PriorityDefault, true},
	{PGNGroundSpeed, "Ground-Based Speed & Distance", 8, PriorityDefault, true},
	{PGNMachineSpeed, "Machine Selected Speed", 8, PriorityDefault, true},
	{PGNProductInfo, "NMEA Product Info", 134, PriorityDefault, true},
	{PGNConfigInfo, "NMEA Configuration Info", 0, PriorityDefault, true},
	{PGNGNSSPositionFast, "GNSS Position Rapid", 8, PriorityHigh, true},
	{PGNGNSSCourseSpeed, "GNSS COG/SOG Rapid", 8, PriorityHigh, true},
	{PGNGNSSPositionData, "GNSS Position Data", 0, PriorityDefault, true},
}

var pgnIndex = func() map[PGN]*Info {
	m := make(map[PGN]*Info, len(pgnTable))
	for i := range pgnTable {
		m[pgnTable[i].PGN] = &pgnTable[i]
	}
	return m
}()

// Lookup returns metadata for a known PGN.
func Lookup(pgn PGN) (Info, bool) {
	if info, ok := pgnIndex[pgn]; ok {
		return *info, true
	}
	return Info{}, false
}

// Table returns a copy of the known-PGN table, in definition order.
func Table() []Info {
	out := make([]Info, len(pgnTable))
	copy(out, pgnTable)
	return out
}

// DefaultPriority returns the table priority for a PGN, or PriorityDefault
// when the PGN is not listed.
func DefaultPriority(pgn PGN) Priority {
	if info, ok := pgnIndex[pgn]; ok {
		return info.DefaultPriority
	}
	return PriorityDefault
}

// IsPDU2 reports whether a PGN uses PDU2 (broadcast) format, i.e. its PDU
// format byte is 240 or above.
func (p PGN) IsPDU2() bool { return (p>>8)&0xFF >= 240 }

// IsValid reports whether the value fits in the 18-bit PGN space.
func (p PGN) IsValid() bool { return p <= MaxPGN }

// PDUFormat returns the PF byte of the PGN.
func (p PGN) PDUFormat() uint8 { return uint8((p >> 8) & 0xFF) }
