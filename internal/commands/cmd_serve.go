package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/luciancaetano/relaynet/internal/room"
	"github.com/luciancaetano/relaynet/internal/websocket"
)

type ServeCmd struct {
	flags *Flags
}

// NewServeCmd creates a new serve command
func NewServeCmd(flags *Flags) *ServeCmd {
	return &ServeCmd{flags: flags}
}

// Register adds the serve command to the application
func (cmd *ServeCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "serve",
		Usage:     "Run the room host",
		UsageText: "relayd serve [--addr :8787]",
		Description: `Serves rooms over websockets.

POST /api/room returns a fresh room id. Clients connect to
GET /api/room/<id or name>/websocket; every room is its own broker and
every client IP its own rate-limit window.`,
		Action: cmd.run,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "listen address (overrides server.addr)",
				Sources: cli.EnvVars("RELAYD_ADDR"),
			},
		},
	})

	return app
}

func (cmd *ServeCmd) run(ctx context.Context, c *cli.Command) error {
	cfg := cmd.flags.Config
	if addr := c.String("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	reg, metrics, err := newMetrics()
	if err != nil {
		return err
	}

	host := room.NewHost(room.Config{
		Events:        ChatEvents(),
		Conn:          cfg.ConnOptions(log.Logger),
		RateLimit:     cfg.LimiterOptions(),
		Metrics:       metrics,
		SweepInterval: cfg.Rooms.SweepInterval,
		RoomIdle:      cfg.Rooms.RoomIdle,
		LimiterIdle:   cfg.Rooms.LimiterIdle,
		Logger:        log.Logger,
	})

	srv := websocket.NewServer(cfg.Server.Addr, host, log.Logger)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	if _, err := startMetrics(ctx, cfg.Server.MetricsAddr, reg, log.Logger); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return host.Run(gctx) })

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	return errors.Join(
		srv.Stop(shutdownCtx),
		host.Close(shutdownCtx),
		g.Wait(),
	)
}
