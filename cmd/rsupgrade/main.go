// Package main provides the rsupgrade command line tool.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/canonical/rsupgrade/rsupgrade"
	"github.com/canonical/rsupgrade/version"
)

// CmdControl has functions that are common to the rsupgrade commands.
type CmdControl struct {
	FlagHelp       bool
	FlagVersion    bool
	FlagLogDebug   bool
	FlagLogVerbose bool
	FlagStateDir   string
	FlagConfig     string
}

// app returns an RSUpgrade configured from the common flags.
func (c *CmdControl) app(cmd *cobra.Command) (*rsupgrade.RSUpgrade, error) {
	return rsupgrade.App(rsupgrade.Args{
		StateDir:   c.FlagStateDir,
		ConfigFile: c.FlagConfig,
		Verbose:    c.FlagLogVerbose,
		Debug:      c.FlagLogDebug,
		Output:     cmd.OutOrStdout(),
	})
}

func main() {
	// common flags.
	commonCmd := CmdControl{}

	app := &cobra.Command{
		Use:               "rsupgrade",
		Short:             "Command for rolling upgrades of MongoDB replica sets hosted in LXD",
		Version:           version.Version,
		SilenceUsage:      true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	}

	app.PersistentFlags().StringVar(&commonCmd.FlagStateDir, "state-dir", "", "Path to store state information"+"``")
	app.PersistentFlags().StringVar(&commonCmd.FlagConfig, "config", "", "Path to the configuration file"+"``")
	app.PersistentFlags().BoolVarP(&commonCmd.FlagHelp, "help", "h", false, "Print help")
	app.PersistentFlags().BoolVar(&commonCmd.FlagVersion, "version", false, "Print version number")
	app.PersistentFlags().BoolVarP(&commonCmd.FlagLogDebug, "debug", "d", false, "Show all debug messages")
	app.PersistentFlags().BoolVarP(&commonCmd.FlagLogVerbose, "verbose", "v", false, "Show all information messages")

	app.SetVersionTemplate("{{.Version}}\n")

	var cmdUpgrade = cmdUpgrade{common: &commonCmd}
	app.AddCommand(cmdUpgrade.command())

	var cmdMembers = cmdMembers{common: &commonCmd}
	app.AddCommand(cmdMembers.command())

	var cmdHistory = cmdHistory{common: &commonCmd}
	app.AddCommand(cmdHistory.command())

	var cmdConfig = cmdConfig{common: &commonCmd}
	app.AddCommand(cmdConfig.command())

	app.InitDefaultHelpCmd()

	err := app.Execute()
	if err != nil {
		os.Exit(1)
	}
}
