package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/linuxdeepin/treeland-sub002/internal/config"
	"github.com/linuxdeepin/treeland-sub002/internal/logger"
	"github.com/linuxdeepin/treeland-sub002/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveOpts server.Options

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the treeland protocol server",
	Long: `Run the treeland protocol server. It binds a Wayland socket (wayland-N in
$XDG_RUNTIME_DIR unless --socket is given), advertises every treeland global
and serves until SIGINT or SIGTERM. SIGUSR1 releases a stuck session lock.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveOpts.SocketName, "socket", "s", "", "Socket name or path (default: first free wayland-N)")
	serveCmd.Flags().BoolVar(&serveOpts.NoFreeze, "no-freeze", false, "Do not freeze clients while the socket is disabled")
	serveCmd.Flags().StringVar(&serveOpts.MetricsAddr, "metrics", "", "Serve prometheus metrics on this address")

	viper.BindPFlag("socket.name", serveCmd.Flags().Lookup("socket")) //nolint:errcheck
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Get()
	serveOpts.Version = Version

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, serveOpts)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("server stopped: %w", err)
	}
	logger.Info("treelandd stopped")
	return nil
}
