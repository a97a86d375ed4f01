package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type cmdConfig struct {
	common *CmdControl
}

func (c *cmdConfig) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the rsupgrade configuration.",
		RunE:  c.run,
	}

	var cmdInit = cmdConfigInit{common: c.common}
	cmd.AddCommand(cmdInit.command())

	var cmdShow = cmdConfigShow{common: c.common}
	cmd.AddCommand(cmdShow.command())

	return cmd
}

func (c *cmdConfig) run(cmd *cobra.Command, args []string) error {
	return cmd.Help()
}

type cmdConfigInit struct {
	common *CmdControl

	flagForce bool
}

func (c *cmdConfigInit) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration.",
		RunE:  c.run,
	}

	cmd.Flags().BoolVarP(&c.flagForce, "force", "f", false, "Replace an existing configuration")

	return cmd
}

func (c *cmdConfigInit) run(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return cmd.Help()
	}

	m, err := c.common.app(cmd)
	if err != nil {
		return err
	}

	err = m.InitConfig(c.flagForce)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", m.Config.Path())

	return nil
}

type cmdConfigShow struct {
	common *CmdControl
}

func (c *cmdConfigShow) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the configuration in use.",
		RunE:  c.run,
	}

	return cmd
}

func (c *cmdConfigShow) run(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return cmd.Help()
	}

	m, err := c.common.app(cmd)
	if err != nil {
		return err
	}

	conf := m.Config.Get()
	if conf.Mongo.Password != "" {
		conf.Mongo.Password = "********"
	}

	out, err := yaml.Marshal(conf)
	if err != nil {
		return fmt.Errorf("Failed to render config: %w", err)
	}

	fmt.Fprint(cmd.OutOrStdout(), string(out))

	return nil
}
