package cli

import (
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/LeJamon/gokonnect/internal/api"
	"github.com/LeJamon/gokonnect/internal/config"
	"github.com/LeJamon/gokonnect/internal/konnect"
)

var (
	// Server flags
	deviceName string
	adminAddr  string
)

// serverCmd starts the daemon. It is also the default action of the bare
// binary.
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the konnect daemon",
	Long: `Start the konnect daemon: UDP discovery, the TLS peer service, the
payload transfer pool, and the local admin HTTP API.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runServer(cmd, args)
	}

	serverCmd.Flags().StringVar(&deviceName, "name", "", "advertised device name (default: hostname)")
	serverCmd.Flags().StringVar(&adminAddr, "admin", "", "admin API bind address or socket path")
	rootCmd.Flags().StringVar(&deviceName, "name", "", "advertised device name (default: hostname)")
	rootCmd.Flags().StringVar(&adminAddr, "admin", "", "admin API bind address or socket path")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if deviceName != "" {
		cfg.Name = deviceName
	}
	if adminAddr != "" {
		cfg.AdminAddr = adminAddr
	}

	srv, err := konnect.NewServer(
		konnect.WithName(cfg.Name),
		konnect.WithDataDir(cfg.DataDir),
		konnect.WithServicePort(cfg.ServicePort),
		konnect.WithDiscoveryPort(cfg.DiscoveryPort),
		konnect.WithReceiver(cfg.Receiver),
		konnect.WithTransferPorts(cfg.TransferPorts),
	)
	if err != nil {
		return err
	}

	listener, err := api.Listen(cfg.AdminAddr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(ctx)
	})

	g.Go(func() error {
		return api.Serve(ctx, listener, api.NewAPI(srv, Version, debug))
	})

	if err := g.Wait(); err != nil {
		logrus.WithError(err).Error("Daemon exited with error")
		return err
	}

	logrus.Info("Daemon stopped")
	return nil
}
