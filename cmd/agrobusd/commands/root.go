// Package commands implements the CLI of the agrobusd ECU daemon.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "agrobusd",
	Short: "agrobusd - ISOBUS control-function stack daemon",
	Long: `agrobusd hosts an ISO 11783 / J1939 / NMEA 2000 control-function stack:
it claims addresses on its CAN ports, reassembles transport sessions and runs
the task controller client and server protocols.

Without hardware it runs a self-contained virtual bus simulation, which makes
it useful for exercising implement logic on a desk.

Use "agrobusd [command] --help" for more information about a command.`,
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("agrobusd %s (%s)\n", Version, Commit)
	},
}
