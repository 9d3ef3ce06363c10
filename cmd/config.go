package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/linuxdeepin/treeland-sub002/internal/config"
	"github.com/linuxdeepin/treeland-sub002/internal/logger"
	"github.com/linuxdeepin/treeland-sub002/internal/ui"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage treelandd configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()
		out := cmd.OutOrStdout()

		kv := func(k string, v any) {
			fmt.Fprintf(out, "  %s %v\n", ui.SubtleStyle.Render(k+":"), v)
		}
		fmt.Fprintln(out, ui.HeaderStyle.Render("Configuration"))
		kv("Config file", config.GetConfigPath())

		fmt.Fprintln(out, ui.SubheaderStyle.Render("\n[socket]"))
		name := cfg.Socket.Name
		if name == "" {
			name = "auto (wayland-N)"
		}
		kv("Name", name)
		kv("Freeze on disable", cfg.Socket.FreezeOnDisable)
		kv("Backlog", cfg.Socket.Backlog)

		fmt.Fprintln(out, ui.SubheaderStyle.Render("\n[control]"))
		if path, err := cfg.ControlSocketPath(); err != nil {
			kv("Socket", ui.ErrorStyle.Render(err.Error()))
		} else {
			kv("Socket", path)
		}

		fmt.Fprintln(out, ui.SubheaderStyle.Render("\n[store]"))
		kv("Path", cfg.Store.Path)
		kv("Workers", cfg.Store.Workers)

		fmt.Fprintln(out, ui.SubheaderStyle.Render("\n[wallpaper]"))
		kv("Cache dir", cfg.Wallpaper.CacheDir)

		fmt.Fprintln(out, ui.SubheaderStyle.Render("\n[metrics]"))
		kv("Enabled", cfg.Metrics.Enabled)
		kv("Address", cfg.Metrics.Address)

		if cfg.Logging.LogLevel != "" {
			fmt.Fprintln(out, ui.SubheaderStyle.Render("\n[logging]"))
			kv("Level", cfg.Logging.LogLevel)
		}

		if len(cfg.Outputs) > 0 {
			fmt.Fprintln(out, ui.SubheaderStyle.Render("\n[[outputs]]"))
			primary := cfg.PrimaryOutput()
			for _, o := range cfg.Outputs {
				line := fmt.Sprintf("%s %dx%d", o.Name, o.Width, o.Height)
				if o.Description != "" {
					line += " " + ui.SubtleStyle.Render(o.Description)
				}
				if o.Name == primary {
					line = lipgloss.JoinHorizontal(lipgloss.Top, line, ui.InfoStyle.Render(" "+ui.IconPrimary))
				}
				fmt.Fprintln(out, "  "+line)
			}
		}
		return nil
	},
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file with defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := config.GetConfigPath()
		if _, err := os.Stat(configPath); err == nil && !configInitForce {
			logger.Infof("Configuration file already exists at: %s", configPath)
			logger.Info("Use --force to overwrite")
			return nil
		}

		if err := config.Save(); err != nil {
			return err
		}
		logger.Infof("Configuration initialized at: %s", configPath)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "treelandd %s\n", Version)
		if Commit != "" {
			fmt.Fprintf(out, "commit: %s\n", Commit)
		}
		if Date != "" {
			fmt.Fprintf(out, "built: %s\n", Date)
		}
	},
}

func init() {
	configInitCmd.Flags().BoolVarP(&configInitForce, "force", "f", false, "Overwrite an existing file")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}
