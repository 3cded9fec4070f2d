package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/hiveword/substrate/pkg/model"
	"github.com/hiveword/substrate/pkg/service/lease"
)

func lockCommand() *cli.Command {
	return &cli.Command{
		Name:  "lock",
		Usage: "Distributed lease operations",
		Commands: []*cli.Command{
			lockAcquireCommand(),
			lockStatusCommand(),
		},
	}
}

func lockAcquireCommand() *cli.Command {
	var (
		cfg    config
		roomID string
		agent  string
		ttl    time.Duration
		hold   bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "room",
			Aliases:     []string{"r"},
			Usage:       "Room the lease row is stored in",
			Sources:     cli.EnvVars("SUBSTRATE_ROOM"),
			Destination: &roomID,
		},
		&cli.StringFlag{
			Name:        "agent",
			Usage:       "Agent ID recorded on the lease",
			Sources:     cli.EnvVars("SUBSTRATE_AGENT"),
			Destination: &agent,
		},
		&cli.DurationFlag{
			Name:        "ttl",
			Usage:       "Lease lifetime",
			Value:       30 * time.Second,
			Destination: &ttl,
		},
		&cli.BoolFlag{
			Name:        "hold",
			Usage:       "Hold the lease until interrupted, then release it",
			Destination: &hold,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:      "acquire",
		Usage:     "Acquire the lease for a key",
		ArgsUsage: "<key>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.withLogging(ctx)

			key := c.Args().First()
			if key == "" {
				return goerr.New("lease key is required")
			}
			if roomID == "" {
				return goerr.New("room is required")
			}

			memStore, cleanup, err := cfg.newStore(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			manager := lease.New(memStore, cfg.resolveProcessID(), model.RoomID(roomID), model.AgentID(agent))
			held, err := manager.Acquire(ctx, key, ttl)
			if err != nil {
				return goerr.Wrap(err, "failed to acquire lease")
			}
			if held == nil {
				fmt.Fprintf(c.Root().Writer, "Lease held elsewhere: %s\n", key)
				return nil
			}

			fmt.Fprintf(c.Root().Writer, "Lease acquired: %s (lock %s, expires %s)\n",
				key, held.LockID, time.UnixMilli(held.ExpiresAt).Format(time.RFC3339))

			if !hold {
				return nil
			}

			waitCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-waitCtx.Done()

			if err := manager.Release(ctx, held); err != nil {
				return goerr.Wrap(err, "failed to release lease")
			}
			fmt.Fprintf(c.Root().Writer, "Lease released: %s\n", key)
			return nil
		},
	}
}

func lockStatusCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:      "status",
		Usage:     "Show the active lease for a key",
		ArgsUsage: "<key>",
		Flags:     globalFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.withLogging(ctx)

			key := c.Args().First()
			if key == "" {
				return goerr.New("lease key is required")
			}

			memStore, cleanup, err := cfg.newStore(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			memory, err := memStore.GetLease(ctx, key)
			if err != nil {
				return goerr.Wrap(err, "failed to get lease")
			}

			held := memory.Content.Lease()
			fmt.Fprintf(c.Root().Writer, "%s\theld by %s\texpires %s\n",
				held.Key, held.Holder, time.UnixMilli(held.ExpiresAt).Format(time.RFC3339))
			return nil
		},
	}
}
