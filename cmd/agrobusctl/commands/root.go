// Package commands implements the agrobusctl inspection CLI.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "agrobusctl",
	Short: "agrobusctl - ISOBUS inspection tooling",
	Long: `agrobusctl inspects ISOBUS artifacts from the command line: the
parameter group table the stack knows about, and device descriptor object
pools in their binary or ISOXML form.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

func init() {
	rootCmd.AddCommand(pgnCmd)
	rootCmd.AddCommand(ddopCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
