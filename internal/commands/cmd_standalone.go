package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/luciancaetano/relaynet/internal/actor"
	"github.com/luciancaetano/relaynet/internal/broker"
	"github.com/luciancaetano/relaynet/internal/netconn"
	"github.com/luciancaetano/relaynet/internal/ratelimit"
	"github.com/luciancaetano/relaynet/internal/room"
	"github.com/luciancaetano/relaynet/internal/websocket"
)

type StandaloneCmd struct {
	flags *Flags
}

// NewStandaloneCmd creates a new standalone command
func NewStandaloneCmd(flags *Flags) *StandaloneCmd {
	return &StandaloneCmd{flags: flags}
}

// Register adds the standalone command to the application
func (cmd *StandaloneCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "standalone",
		Usage:     "Run a single shared broker on /ws",
		UsageText: "relayd standalone [--addr :8787]",
		Description: `Serves one broker at GET /ws using synchronous sends over raw
connections. Every client shares the same channel.`,
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

func (cmd *StandaloneCmd) run(ctx context.Context, c *cli.Command) error {
	cfg := cmd.flags.Config
	if addr := c.String("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	reg, metrics, err := newMetrics()
	if err != nil {
		return err
	}

	b := broker.New(broker.Config[net.Conn]{
		Platform: netconn.NewPlatform(netconn.Options{
			WriteWait:  cfg.Connection.WriteWait,
			CloseGrace: cfg.Connection.CloseGrace,
			ReadLimit:  cfg.Connection.ReadLimit,
			Logger:     log.Logger,
		}),
		Events:  ChatEvents(),
		Logger:  log.Logger,
		Metrics: metrics,
	})
	b.MustConfigure(broker.Options{Context: room.Context{RoomID: "standalone"}})

	limit := cfg.LimiterOptions()
	limiters := actor.NewNamespace("limiters", func(actor.ID) *ratelimit.Limiter {
		return ratelimit.NewLimiter(limit)
	}, log.Logger)
	go limiters.Run(ctx, cfg.Rooms.SweepInterval, cfg.Rooms.LimiterIdle)

	mux := http.NewServeMux()
	mux.Handle("GET /ws", netconn.Handler(func(r *http.Request, conn net.Conn) {
		id := limiters.IDFromName(room.RequestIP(r))
		client, err := ratelimit.NewClient(ratelimit.ClientConfig{
			Options: limit,
			NewStub: func() ratelimit.Stub { return limiters.Get(id) },
			Logger:  log.Logger,
		})
		if err != nil {
			_ = conn.Close()
			return
		}

		_, err = b.Register(context.WithoutCancel(r.Context()), conn, broker.RegisterOptions{
			Middleware: room.RateLimitMiddleware(client),
		})
		if err != nil {
			log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("register failed")
			_ = conn.Close()
		}
	}, log.Logger))

	srv := websocket.NewServer(cfg.Server.Addr, mux, log.Logger)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	if _, err := startMetrics(ctx, cfg.Server.MetricsAddr, reg, log.Logger); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	return errors.Join(srv.Stop(shutdownCtx), b.Close(shutdownCtx))
}
