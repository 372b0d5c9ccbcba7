// Command server starts the GoChat relay.
//
// Every client that connects to /ws joins one shared room: each text frame a
// client sends is relayed to every connected client. Optional extras are an
// HTTP publish endpoint, an MCP tool endpoint, a broker bridge that shares the
// room between several relay processes, and an ngrok tunnel.
//
// Settings come from defaults, an optional YAML file, the environment (a .env
// file is loaded first) and finally explicitly set flags.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/chatrelay/internal/bridge"
	"github.com/Tyrowin/chatrelay/internal/hub"
	"github.com/Tyrowin/chatrelay/internal/mcptools"
	"github.com/Tyrowin/chatrelay/internal/server"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	httpShutdownTimeout  = 10 * time.Second
	relayShutdownTimeout = 5 * time.Second
)

func main() {
	// Load .env file if it exists (ignore error if not found)
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: Error loading .env file: %v\n", err)
	}

	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:    "gochat",
		Usage:   "real-time WebSocket chat relay",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "listen address, e.g. :8080",
			},
			&cli.StringSliceFlag{
				Name:  "allowed-origin",
				Usage: "origin allowed to open WebSocket connections (repeatable, * allows any)",
			},
			&cli.IntFlag{
				Name:  "hub-capacity",
				Usage: "number of recent messages retained for slow readers",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:  "bridge",
				Usage: "share the room through a broker: none, amqp or redis",
			},
			&cli.StringFlag{
				Name:  "bridge-url",
				Usage: "broker URL for --bridge",
			},
			&cli.BoolFlag{
				Name:  "mcp",
				Usage: "serve MCP tools on /mcp",
			},
			&cli.BoolFlag{
				Name:  "ngrok",
				Usage: "also serve through an ngrok tunnel (needs NGROK_AUTHTOKEN)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			logger, err := server.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			return run(ctx, cfg, logger)
		},
	}
}

// loadConfig layers defaults, the YAML file, the environment and explicitly
// set flags, in that order.
func loadConfig(cmd *cli.Command) (*server.Config, error) {
	cfg := server.NewConfig()
	if path := cmd.String("config"); path != "" {
		var err error
		if cfg, err = server.LoadConfigFile(path); err != nil {
			return nil, err
		}
	}

	cfg.ApplyEnv()

	if cmd.IsSet("addr") {
		cfg.Port = cmd.String("addr")
	}
	if cmd.IsSet("allowed-origin") {
		cfg.AllowedOrigins = cmd.StringSlice("allowed-origin")
	}
	if cmd.IsSet("hub-capacity") {
		cfg.HubCapacity = cmd.Int("hub-capacity")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("bridge") {
		cfg.Bridge.Kind = cmd.String("bridge")
	}
	if cmd.IsSet("bridge-url") {
		cfg.Bridge.URL = cmd.String("bridge-url")
	}
	if cmd.IsSet("mcp") {
		cfg.MCP.Enabled = cmd.Bool("mcp")
	}
	if cmd.IsSet("ngrok") {
		cfg.Ngrok.Enabled = cmd.Bool("ngrok")
	}
	allowTunnelOrigin(cfg)

	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *server.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	room := hub.New(cfg.HubCapacity)

	var publisher hub.Publisher = room
	var br *bridge.Bridge
	if cfg.Bridge.Enabled() {
		transport, err := bridge.Dial(ctx, cfg.Bridge.Kind, cfg.Bridge.URL, cfg.Bridge.Topic, logger)
		if err != nil {
			return fmt.Errorf("start %s bridge: %w", cfg.Bridge.Kind, err)
		}
		br = bridge.New(room, transport, logger)
		publisher = br
		logger.Info("bridge enabled", "kind", cfg.Bridge.Kind, "origin", br.Origin())
	}

	acceptor := server.NewAcceptor(room, *cfg,
		server.WithLogger(logger),
		server.WithPublisher(publisher),
	)

	router := server.SetupRoutes(acceptor)
	if cfg.MCP.Enabled {
		router.Handle("/mcp", mcptools.NewServer(room, acceptor.Publisher(), version, logger))
	}

	httpServer := server.CreateServer(cfg.Port, router)

	logger.Info("starting GoChat relay",
		"version", version,
		"addr", cfg.Port,
		"hub_capacity", cfg.HubCapacity,
		"bridge", cfg.Bridge.Kind,
		"mcp", cfg.MCP.Enabled,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.StartServer(httpServer, logger)
	})

	if br != nil {
		g.Go(func() error {
			// Losing the broker only stops cross-instance traffic.
			if err := br.Run(gctx); err != nil {
				logger.Error("bridge stopped; relaying locally only", "error", err)
			}
			return nil
		})
	}

	if cfg.Ngrok.Enabled {
		g.Go(func() error {
			runTunnel(gctx, cfg.Ngrok, cfg.AllowedOrigins, router, logger)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		return shutdown(httpServer, acceptor, br, logger)
	})

	return g.Wait()
}

// shutdown stops accepting HTTP requests, closes the room so every session
// sends a close frame, and finally releases the broker connection.
func shutdown(httpServer *http.Server, acceptor *server.Acceptor, br *bridge.Bridge, logger *slog.Logger) error {
	var errs []error

	if err := server.ShutdownServer(httpServer, httpShutdownTimeout, logger); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	if err := acceptor.Shutdown(relayShutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("relay shutdown: %w", err))
	}

	if br != nil {
		if err := br.Close(); err != nil {
			errs = append(errs, fmt.Errorf("bridge close: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		logger.Error("shutdown finished with errors", "error", err)
	} else {
		logger.Info("shutdown complete")
	}
	return err
}
