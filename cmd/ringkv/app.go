package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/zde37/ringkv/internal/api"
	"github.com/zde37/ringkv/internal/config"
	"github.com/zde37/ringkv/internal/console"
	"github.com/zde37/ringkv/internal/node"
	"github.com/zde37/ringkv/pkg"
)

var (
	Build = "head"
)

func newApp() *cli.App {
	return &cli.App{
		Name:            "ringkv",
		Usage:           fmt.Sprintf("build for %s on %s", runtime.GOARCH, runtime.GOOS),
		Version:         Build,
		HideHelpCommand: true,
		Description:     "key-value store partitioned over a ring of 1024 identifiers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "node configuration file (plain or .yaml)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "host",
				Usage: "address to bind the peer listener to",
			},
			&cli.IntFlag{
				Name:  "http-port",
				Usage: "port of the HTTP admin API, 0 disables it",
			},
			&cli.IntFlag{
				Name:  "grpc-port",
				Usage: "port of the gRPC health service, 0 disables it",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (trace, debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (json, console)",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "also write logs to this file, rotated",
			},
			&cli.BoolFlag{
				Name:  "headless",
				Usage: "run without the stdin console; non-root nodes enter the ring on startup",
			},
		},
		Action: run,
	}
}

// loadConfig reads the config file and applies command line overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	if c.IsSet("host") {
		cfg.Host = c.String("host")
	}
	if c.IsSet("http-port") {
		cfg.HTTPPort = c.Int("http-port")
	}
	if c.IsSet("grpc-port") {
		cfg.GRPCPort = c.Int("grpc-port")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.LogFormat = c.String("log-format")
	}
	if c.IsSet("log-file") {
		cfg.LogFile = c.String("log-file")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	logger, err := pkg.New(cfg.LoggerConfig())
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	logger.Info().
		Int("node_id", cfg.NodeID).
		Str("address", cfg.Address()).
		Int("http_port", cfg.HTTPPort).
		Int("grpc_port", cfg.GRPCPort).
		Msg("Starting ringkv node")

	printer := console.NewPrinter(os.Stdout)
	n, err := node.New(cfg, logger, node.WithResultHandler(printer.Result))
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	if err := n.Start(); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	var admin *api.AdminServer
	if cfg.GRPCPort != 0 {
		admin, err = api.NewAdminServer(n, fmt.Sprintf("%s:%d", cfg.Host, cfg.GRPCPort), cfg.AdminToken, logger)
		if err == nil {
			err = admin.Start()
		}
		if err != nil {
			cleanup(n, admin, nil, logger)
			return fmt.Errorf("failed to start admin gRPC server: %w", err)
		}
	}

	var httpServer *api.Server
	if cfg.HTTPPort != 0 {
		apiCfg := &api.Config{
			Host:       cfg.Host,
			HTTPPort:   cfg.HTTPPort,
			AdminToken: cfg.AdminToken,
		}
		if admin != nil {
			apiCfg.GRPCAddr = admin.Addr().String()
		}
		httpServer, err = api.NewServer(apiCfg, n, logger)
		if err == nil {
			n.SetBroadcaster(httpServer.Hub())
			err = httpServer.Start()
		}
		if err != nil {
			cleanup(n, admin, nil, logger)
			return fmt.Errorf("failed to start HTTP API server: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if c.Bool("headless") {
		if !n.IsRoot() {
			report, err := n.Enter(gctx)
			if err != nil {
				cleanup(n, admin, httpServer, logger)
				return fmt.Errorf("failed to enter the ring: %w", err)
			}
			printer.Joined(report)
		}
	} else {
		cons, err := console.New(n, os.Stdin, printer, logger)
		if err != nil {
			cleanup(n, admin, httpServer, logger)
			return err
		}
		g.Go(func() error {
			defer stop()
			return cons.Run(gctx)
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			logger.Info().Msg("Received shutdown signal")
		case <-n.Done():
			logger.Info().Msg("Node left the ring")
		}
		stop()
		cleanup(n, admin, httpServer, logger)
		return nil
	})

	logger.Info().Str("state", n.State().String()).Msg("ringkv node is ready")

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("ringkv node shutdown complete")
	return nil
}

// cleanup performs graceful shutdown of all components
func cleanup(n *node.Node, admin *api.AdminServer, httpServer *api.Server, logger *pkg.Logger) {
	logger.Info().Msg("Starting graceful shutdown")

	if httpServer != nil {
		if err := httpServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping HTTP server")
		}
	}

	if admin != nil {
		if err := admin.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping admin gRPC server")
		}
	}

	if err := n.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error shutting down node")
	}
}
