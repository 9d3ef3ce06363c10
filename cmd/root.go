package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/linuxdeepin/treeland-sub002/internal/config"
	"github.com/linuxdeepin/treeland-sub002/internal/ipc"
	"github.com/linuxdeepin/treeland-sub002/internal/logger"
	"github.com/spf13/cobra"
)

var (
	// Version is set during build
	Version = "0.1.0-dev"
	Commit  string
	Date    string

	configPath string
	timeout    time.Duration

	rootCmd = &cobra.Command{
		Use:   "treelandd",
		Short: "treelandd - headless treeland protocol server",
		Long: `treelandd serves the treeland Wayland protocol extensions (foreign
toplevels, session lock, output management, shortcuts, personalization and
wallpapers) on a Wayland socket, and exposes a local control socket for
inspecting and steering the running daemon.`,
		SilenceUsage:      true,
		PersistentPreRunE: initConfig,
	}
)

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s\n" .Version}}`)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $XDG_CONFIG_HOME/treeland/treeland.toml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "Control request timeout")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(socketCmd)
	rootCmd.AddCommand(primaryOutputCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig(cmd *cobra.Command, args []string) error {
	if configPath != "" {
		config.SetConfigPath(configPath)
	}
	if err := config.Init(); err != nil {
		return err
	}
	if level := config.Get().Logging.LogLevel; level != "" {
		logger.SetLevel(level)
	}
	return nil
}

// controlClient dials the control socket named by the configuration.
func controlClient() (*ipc.Client, error) {
	path, err := config.Get().ControlSocketPath()
	if err != nil {
		return nil, fmt.Errorf("locate control socket: %w", err)
	}
	return ipc.NewClient(path).WithTimeout(timeout), nil
}

func withClient(cmd *cobra.Command, fn func(context.Context, *ipc.Client) error) error {
	c, err := controlClient()
	if err != nil {
		return err
	}
	return fn(cmd.Context(), c)
}
