package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/robolibs/agrobus/pkg/ddop"
)

var ddopCmd = &cobra.Command{
	Use:   "ddop",
	Short: "Inspect binary device descriptor object pools",
}

var ddopDumpCmd = &cobra.Command{
	Use:   "dump <file>",
	Short: "Decode a binary pool and print its objects",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pool, err := loadPool(args[0])
		if err != nil {
			return err
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"ID", "Kind", "Designator", "Detail"})
		table.SetBorder(false)
		for _, d := range pool.Devices {
			table.Append([]string{id(d.ID), "Device", d.Designator,
				fmt.Sprintf("sw=%s serial=%s", d.SoftwareVersion, d.SerialNumber)})
		}
		for _, e := range pool.Elements {
			table.Append([]string{id(e.ID), "Element", e.Designator,
				fmt.Sprintf("type=%s number=%d parent=%d children=%d",
					e.Type, e.Number, e.ParentID, len(e.Children))})
		}
		for _, p := range pool.ProcessData {
			table.Append([]string{id(p.ID), "ProcessData", p.Designator, describeDDI(p.DDI)})
		}
		for _, p := range pool.Properties {
			table.Append([]string{id(p.ID), "Property", p.Designator,
				fmt.Sprintf("%s = %d", describeDDI(p.DDI), p.Value)})
		}
		for _, v := range pool.Presentations {
			table.Append([]string{id(v.ID), "Presentation", v.Unit,
				fmt.Sprintf("offset=%d scale=%g decimals=%d", v.Offset, v.Scale, v.Decimals)})
		}
		table.Render()
		return nil
	},
}

var ddopXMLCmd = &cobra.Command{
	Use:   "xml <file>",
	Short: "Decode a binary pool and emit its ISOXML fragment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pool, err := loadPool(args[0])
		if err != nil {
			return err
		}
		fmt.Print(pool.ToISOXML())
		return nil
	},
}

var ddopValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate the structural integrity of a binary pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pool, err := loadPool(args[0])
		if err != nil {
			return err
		}
		if err := pool.Validate(); err != nil {
			return err
		}
		fmt.Printf("pool valid: %d objects\n", pool.ObjectCount())
		return nil
	},
}

func loadPool(path string) (*ddop.Pool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ddop.Deserialize(data)
}

func id(v uint16) string { return strconv.Itoa(int(v)) }

func describeDDI(d ddop.DDI) string {
	if name := ddop.DDIName(d); name != "" {
		return fmt.Sprintf("ddi=0x%04X (%s)", d, name)
	}
	return fmt.Sprintf("ddi=0x%04X", d)
}

func init() {
	ddopCmd.AddCommand(ddopDumpCmd)
	ddopCmd.AddCommand(ddopXMLCmd)
	ddopCmd.AddCommand(ddopValidateCmd)
}
