package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/linuxdeepin/treeland-sub002/internal/ipc"
	"github.com/linuxdeepin/treeland-sub002/internal/ui"
	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the running daemon",
	Long:  `Show sockets, clients, toplevels, lock state and outputs of the running treelandd.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			st, err := c.Status(ctx)
			if errors.Is(err, ipc.ErrNotRunning) {
				fmt.Fprintln(cmd.OutOrStdout(), ui.FormatError("treelandd is not running"))
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			if statusJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.RenderStatus(st, time.Now()))
			return nil
		})
	},
}

var socketCmd = &cobra.Command{
	Use:       "socket enable|disable",
	Short:     "Enable or disable the client socket",
	Long:      `Disabling the socket refuses new clients and, unless the daemon runs with --no-freeze, freezes connected ones until it is enabled again.`,
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"enable", "disable"},
	RunE: func(cmd *cobra.Command, args []string) error {
		enabled := args[0] == "enable"
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			if err := c.SetEnabled(ctx, enabled); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.FormatSuccess("socket "+args[0]+"d"))
			return nil
		})
	},
}

var primaryOutputCmd = &cobra.Command{
	Use:   "primary-output NAME",
	Short: "Change the primary output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			if err := c.SetPrimaryOutput(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.FormatSuccess("primary output is now "+args[0]))
			return nil
		})
	},
}

var monitorInterval time.Duration

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live view of the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := controlClient()
		if err != nil {
			return err
		}
		return ui.RunMonitor(c, monitorInterval)
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw status as JSON")
	monitorCmd.Flags().DurationVarP(&monitorInterval, "interval", "i", time.Second, "Refresh interval")
}
