package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/robolibs/agrobus/pkg/can"
)

var pgnCmd = &cobra.Command{
	Use:   "pgn",
	Short: "Inspect the parameter group table",
}

var pgnListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all known parameter groups",
	Run: func(cmd *cobra.Command, args []string) {
		table := newPGNTable()
		for _, info := range can.Table() {
			appendPGNRow(table, info)
		}
		table.Render()
	},
}

var pgnLookupCmd = &cobra.Command{
	Use:   "lookup <pgn>",
	Short: "Look up one parameter group (decimal or 0x hex)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := strconv.ParseUint(args[0], 0, 32)
		if err != nil {
			return fmt.Errorf("invalid PGN %q: %w", args[0], err)
		}
		info, ok := can.Lookup(can.PGN(v))
		if !ok {
			return fmt.Errorf("PGN 0x%X is not in the table", v)
		}
		table := newPGNTable()
		appendPGNRow(table, info)
		table.Render()
		return nil
	},
}

func newPGNTable() *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"PGN", "Name", "Length", "Priority", "Broadcast"})
	table.SetBorder(false)
	return table
}

func appendPGNRow(table *tablewriter.Table, info can.Info) {
	length := strconv.FormatUint(uint64(info.DataLength), 10)
	if info.DataLength == 0 {
		length = "var"
	}
	table.Append([]string{
		fmt.Sprintf("0x%05X", uint32(info.PGN)),
		info.Name,
		length,
		strconv.Itoa(int(info.DefaultPriority)),
		strconv.FormatBool(info.Broadcast),
	})
}

func init() {
	pgnCmd.AddCommand(pgnListCmd)
	pgnCmd.AddCommand(pgnLookupCmd)
}
