package ddop

import (
	"fmt"
	"strconv"
	"strings"
)

// ToISOXML renders the pool as an ISO 11783-10 TASKDATA.xml fragment:
// DVC elements containing the DET tree with DPD/DPT children, DVP elements
// standalone. Attribute order is fixed so the output is deterministic.
func (p *Pool) ToISOXML() string {
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n")
	b.WriteString("<ISO11783_TaskData VersionMajor=\"4\" VersionMinor=\"0\" DataTransferOrigin=\"1\">\n")

	for _, dev := range p.Devices {
		fmt.Fprintf(&b, "  <DVC A=\"DVC-%d\" B=\"%s\" C=\"%s\" D=\"%s\">\n",
			dev.ID, xmlEscape(dev.Designator), xmlEscape(dev.SoftwareVersion), xmlEscape(dev.SerialNumber))
		for _, elem := range p.Elements {
			p.writeElement(&b, elem)
		}
		b.WriteString("  </DVC>\n")
	}

	for _, vp := range p.Presentations {
		fmt.Fprintf(&b, "  <DVP A=\"DVP-%d\" B=\"%d\" C=\"%s\" D=\"%d\" E=\"%s\"/>\n",
			vp.ID, vp.Offset, formatScale(vp.Scale), vp.Decimals, xmlEscape(vp.Unit))
	}

	b.WriteString("</ISO11783_TaskData>\n")
	return b.String()
}

func (p *Pool) writeElement(b *strings.Builder, elem DeviceElement) {
	fmt.Fprintf(b, "    <DET A=\"DET-%d\" B=\"%d\" C=\"%s\" D=\"%d\" E=\"DET-%d\">\n",
		elem.ID, elem.Type, xmlEscape(elem.Designator), elem.Number, elem.ParentID)

	for _, child := range elem.Children {
		for _, pd := range p.ProcessData {
			if pd.ID != child {
				continue
			}
			fmt.Fprintf(b, "      <DPD A=\"DPD-%d\" B=\"%d\" C=\"%d\" D=\"%s\"",
				pd.ID, pd.DDI, pd.Triggers, xmlEscape(pd.Designator))
			if presentationSet(pd.PresentationID) {
				fmt.Fprintf(b, " E=\"DVP-%d\"", pd.PresentationID)
			}
			b.WriteString("/>\n")
		}
		for _, prop := range p.Properties {
			if prop.ID != child {
				continue
			}
			fmt.Fprintf(b, "      <DPT A=\"DPT-%d\" B=\"%d\" C=\"%d\" D=\"%s\"",
				prop.ID, prop.DDI, prop.Value, xmlEscape(prop.Designator))
			if presentationSet(prop.PresentationID) {
				fmt.Fprintf(b, " E=\"DVP-%d\"", prop.PresentationID)
			}
			b.WriteString("/>\n")
		}
	}

	b.WriteString("    </DET>\n")
}

// formatScale prints the scale without exponent noise for the common case.
func formatScale(f float32) string {
	return strconv.FormatFloat(float64(f), 'g', -1, 32)
}

var xmlReplacer = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func xmlEscape(s string) string { return xmlReplacer.Replace(s) }
