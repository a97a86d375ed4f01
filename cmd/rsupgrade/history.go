package main

import (
	"fmt"
	"time"

	cli "github.com/canonical/lxd/shared/cmd"
	"github.com/spf13/cobra"
)

type cmdHistory struct {
	common *CmdControl

	flagFormat string
}

func (c *cmdHistory) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [<run>]",
		Short: "List past upgrade runs, or the steps of a single run.",
		RunE:  c.run,
	}

	cmd.Flags().StringVarP(&c.flagFormat, "format", "f", cli.TableFormatTable, "Format (csv|json|table|yaml|compact)")

	return cmd
}

func (c *cmdHistory) run(cmd *cobra.Command, args []string) error {
	if len(args) > 1 {
		return cmd.Help()
	}

	m, err := c.common.app(cmd)
	if err != nil {
		return err
	}

	if len(args) == 1 {
		run, events, err := m.RunEvents(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %s to %s, %s\n", run.UUID, run.EntryHost, run.TargetVersion, run.Status)
		if run.Error != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Error: %s\n", run.Error)
		}

		data := make([][]string, len(events))
		for i, event := range events {
			data[i] = []string{event.CreatedAt.Local().Format(time.DateTime), event.Kind, event.Member, event.Detail}
		}

		return cli.RenderTable(c.flagFormat, []string{"TIME", "KIND", "MEMBER", "DETAIL"}, data, events)
	}

	runs, err := m.History(cmd.Context())
	if err != nil {
		return err
	}

	data := make([][]string, len(runs))
	for i, run := range runs {
		finished := ""
		if run.FinishedAt != nil {
			finished = run.FinishedAt.Local().Format(time.DateTime)
		}

		data[i] = []string{run.UUID, run.EntryHost, run.TargetVersion, run.Status, run.StartedAt.Local().Format(time.DateTime), finished}
	}

	header := []string{"RUN", "ENTRY HOST", "VERSION", "STATUS", "STARTED", "FINISHED"}

	return cli.RenderTable(c.flagFormat, header, data, runs)
}
