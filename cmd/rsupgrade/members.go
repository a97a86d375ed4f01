package main

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	cli "github.com/canonical/lxd/shared/cmd"
	"github.com/spf13/cobra"
)

type cmdMembers struct {
	common *CmdControl
}

func (c *cmdMembers) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "members",
		Short: "Inspect replica set members.",
		RunE:  c.run,
	}

	var cmdList = cmdMembersList{common: c.common}
	cmd.AddCommand(cmdList.command())

	var cmdVersion = cmdMembersVersion{common: c.common}
	cmd.AddCommand(cmdVersion.command())

	return cmd
}

func (c *cmdMembers) run(cmd *cobra.Command, args []string) error {
	return cmd.Help()
}

type cmdMembersList struct {
	common *CmdControl

	flagFormat string
}

func (c *cmdMembersList) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <address>",
		Short: "List the members of the replica set reachable at the address.",
		RunE:  c.run,
	}

	cmd.Flags().StringVarP(&c.flagFormat, "format", "f", cli.TableFormatTable, "Format (csv|json|table|yaml|compact)")

	return cmd
}

func (c *cmdMembersList) run(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return cmd.Help()
	}

	m, err := c.common.app(cmd)
	if err != nil {
		return err
	}

	members, err := m.ListMembers(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	data := make([][]string, len(members))
	for i, member := range members {
		uptime := time.Duration(member.UptimeSeconds) * time.Second
		data[i] = []string{member.Name, string(member.Role), member.State, strconv.FormatFloat(member.Health, 'f', -1, 64), uptime.String()}
	}

	header := []string{"NAME", "ROLE", "STATE", "HEALTH", "UPTIME"}
	sort.Sort(cli.SortColumnsNaturally(data))

	return cli.RenderTable(c.flagFormat, header, data, members)
}

type cmdMembersVersion struct {
	common *CmdControl
}

func (c *cmdMembersVersion) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version <address>",
		Short: "Show the server version of the member at the address.",
		RunE:  c.run,
	}

	return cmd
}

func (c *cmdMembersVersion) run(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return cmd.Help()
	}

	m, err := c.common.app(cmd)
	if err != nil {
		return err
	}

	version, err := m.MemberVersion(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), version)

	return nil
}
