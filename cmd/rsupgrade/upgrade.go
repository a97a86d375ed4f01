package main

import (
	"fmt"
	"os/signal"

	cli "github.com/canonical/lxd/shared/cmd"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

type cmdUpgrade struct {
	common *CmdControl

	flagDryRun bool
	flagVerify bool
}

func (c *cmdUpgrade) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upgrade <address> <version>",
		Short: "Upgrade every member of the replica set reachable at the address to the given server version",
		RunE:  c.run,
		Example: `  rsupgrade upgrade db1:27017 7.0.12
    rsupgrade upgrade db1:27017 7.0.12 --dry-run`,
	}

	cmd.Flags().BoolVar(&c.flagDryRun, "dry-run", false, "Only show the members that would be upgraded")
	cmd.Flags().BoolVar(&c.flagVerify, "verify", false, "Check every member runs the new version once done")
	cmd.MarkFlagsMutuallyExclusive("dry-run", "verify")

	return cmd
}

func (c *cmdUpgrade) run(cmd *cobra.Command, args []string) error {
	if len(args) != 2 {
		return cmd.Help()
	}

	m, err := c.common.app(cmd)
	if err != nil {
		return fmt.Errorf("Unable to configure rsupgrade: %w", err)
	}

	if c.flagDryRun {
		plan, err := m.Plan(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Target version %s, feature compatibility version %s (confirm: %t)\n", plan.TargetVersion, plan.FeatureTier, plan.Confirm)

		data := make([][]string, 0, len(plan.Members)+len(plan.Skipped))
		for i, member := range plan.Members {
			data = append(data, []string{fmt.Sprintf("%d", i+1), member.Name, string(member.Role), "upgrade"})
		}

		for _, member := range plan.Skipped {
			data = append(data, []string{"-", member.Name, member.State, "skip"})
		}

		header := []string{"ORDER", "NAME", "ROLE", "ACTION"}

		return cli.RenderTable(cli.TableFormatTable, header, data, plan)
	}

	// Keep going if the terminal goes away, a partial upgrade needs manual recovery.
	signal.Ignore(unix.SIGHUP)

	runUUID, err := m.UpgradeReplicaSet(cmd.Context(), args[0], args[1])
	if runUUID != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s\n", runUUID)
	}

	if err != nil {
		return err
	}

	if !c.flagVerify {
		return nil
	}

	versions, verifyErr := m.VerifyVersions(cmd.Context(), args[0], args[1])
	if len(versions) > 0 {
		data := make([][]string, 0, len(versions))
		for _, v := range versions {
			data = append(data, []string{v.Member, v.Version, fmt.Sprintf("%t", v.Matches)})
		}

		err = cli.RenderTable(cli.TableFormatTable, []string{"MEMBER", "VERSION", "MATCHES"}, data, versions)
		if err != nil {
			return err
		}
	}

	return verifyErr
}
