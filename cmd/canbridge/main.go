package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dmsbridge/canbridge"
	"github.com/dmsbridge/canbridge/pkg/appserver"
	"github.com/dmsbridge/canbridge/pkg/config"
	"github.com/dmsbridge/canbridge/pkg/listener"
	"github.com/dmsbridge/canbridge/pkg/localbus"
)

const (
	flagConfig    = "config"
	flagInterface = "interface"
	flagServer    = "server"
	flagDebug     = "debug"
	flagSystemBus = "system-bus"
)

var rootCmd = &cobra.Command{
	Use:          "canbridge",
	Short:        "Bridge between a CAN interface, the local bus and the app server",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP(flagConfig, "c", "", "path to YAML config file")
	pf.StringP(flagInterface, "i", "", "CAN interface name (overrides config)")
	pf.StringP(flagServer, "s", "", "app server address (overrides config)")
	pf.BoolP(flagDebug, "d", false, "debug logging")
	pf.Bool(flagSystemBus, false, "use the system bus instead of the session bus")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString(flagConfig)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed(flagInterface) {
		cfg.CAN.Interface, _ = cmd.Flags().GetString(flagInterface)
	}
	if cmd.Flags().Changed(flagServer) {
		cfg.Server.Address, _ = cmd.Flags().GetString(flagServer)
	}

	level := parseLevel(cfg.Log.Level)
	if debug, _ := cmd.Flags().GetBool(flagDebug); debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := connectBus(cmd, logger)
	defer bus.Close()

	transport := canbridge.NewTransport(cfg.CAN.Interface)
	lst := listener.Default(transport, bus)
	link := appserver.New(cfg.Server.Address, transport,
		appserver.WithBus(bus),
		appserver.WithReconnectDelay(cfg.Server.ReconnectDelay.Duration),
		appserver.WithHeartbeatInterval(cfg.Server.HeartbeatInterval.Duration),
	)

	logger.Info("starting canbridge", "interface", cfg.CAN.Interface, "server", cfg.Server.Address)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := lst.Start(); err != nil {
			// The transport already reported the cause; keep the process up
			// so the operator can bring the interface online and restart.
			logger.Error("listener start failed", "error", err)
		}
		<-gctx.Done()
		lst.Stop()
		return nil
	})
	g.Go(func() error {
		link.Start()
		<-gctx.Done()
		link.Stop()
		return nil
	})
	return g.Wait()
}

// connectBus prefers D-Bus; when no bus daemon is reachable the bridge keeps
// running on an in-process bus so CAN and server forwarding stay alive.
func connectBus(cmd *cobra.Command, logger *slog.Logger) localbus.Bus {
	system, _ := cmd.Flags().GetBool(flagSystemBus)
	var bus localbus.Bus
	var err error
	if system {
		bus, err = localbus.ConnectSystem()
	} else {
		bus, err = localbus.ConnectSession()
	}
	if err != nil {
		logger.Error("local bus unavailable, running without remote surface", "error", err)
		return localbus.NewMemory()
	}
	return bus
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
