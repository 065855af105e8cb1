package ddop

// Data Description Indexes from ISO 11783-11 used by the process-data
// surface. The list covers the rate control and section control vocabulary;
// anything else passes through numerically.
const (
	DDISetpointVolumePerAreaRate DDI = 0x0001
	DDIActualVolumePerAreaRate   DDI = 0x0002
	DDIActualWorkingWidth        DDI = 0x0043
	DDIMaxWorkingWidth           DDI = 0x0046
	DDITotalArea                 DDI = 0x0074
	DDIEffectiveTotalDistance    DDI = 0x0075
	DDITotalOperatingTime        DDI = 0x0077
	DDISetpointWorkState         DDI = 0x008C
	DDIActualWorkState           DDI = 0x008D
	DDISectionControlState       DDI = 0x00A0
	DDIActualCondensedWorkState1 DDI = 0x0161
	DDIRequestDefaultProcessData DDI = 0xDFFF
)

var ddiNames = map[DDI]string{
	DDISetpointVolumePerAreaRate: "Setpoint Volume Per Area Application Rate",
	DDIActualVolumePerAreaRate:   "Actual Volume Per Area Application Rate",
	DDIActualWorkingWidth:        "Actual Working Width",
	DDIMaxWorkingWidth:           "Maximum Working Width",
	DDITotalArea:                 "Total Area",
	DDIEffectiveTotalDistance:    "Effective Total Distance",
	DDITotalOperatingTime:        "Total Operating Time",
	DDISetpointWorkState:         "Setpoint Work State",
	DDIActualWorkState:           "Actual Work State",
	DDISectionControlState:       "Section Control State",
	DDIActualCondensedWorkState1: "Actual Condensed Work State 1-16",
	DDIRequestDefaultProcessData: "Request Default Process Data",
}

// DDIName returns the human-readable name of a known DDI, or "" for DDIs
// outside the built-in subset.
func DDIName(d DDI) string { return ddiNames[d] }
