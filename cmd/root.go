package cmd

import (
	"fmt"
	"os"

	"github.com/scwright027/kv-engine/cmd/pressure"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "kv-engine",
		Short: "key-value engine memory-pressure toolkit",
		Long: fmt.Sprintf(`kv-engine (v%s)

The memory-pressure response subsystem of a key-value engine: memory
watermark monitoring, the item pager (value ejection and auto-delete)
and the expiry pager, exercisable from the command line.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of kv-engine",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kv-engine v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(pressure.PressureCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
