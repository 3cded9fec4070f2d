package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/hiveword/substrate/pkg/model"
)

func removeCommand() *cli.Command {
	var (
		cfg    config
		roomID string
		all    bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "room",
			Aliases:     []string{"r"},
			Usage:       "Room to remove from (required with --all)",
			Sources:     cli.EnvVars("SUBSTRATE_ROOM"),
			Destination: &roomID,
		},
		&cli.BoolFlag{
			Name:        "all",
			Aliases:     []string{"a"},
			Usage:       "Remove every memory of the room",
			Destination: &all,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:      "remove",
		Usage:     "Remove a memory, or a whole room with --all",
		ArgsUsage: "[memory-id]",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.withLogging(ctx)

			id := c.Args().First()
			if all && id != "" {
				return goerr.New("--all does not take a memory ID")
			}
			if !all && id == "" {
				return goerr.New("memory ID is required")
			}
			if all && roomID == "" {
				return goerr.New("room is required with --all")
			}

			memStore, cleanup, err := cfg.newStore(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if all {
				if err := memStore.RemoveAllMemories(ctx, model.RoomID(roomID)); err != nil {
					return goerr.Wrap(err, "failed to remove room")
				}
				fmt.Fprintf(c.Root().Writer, "Room cleared: %s\n", roomID)
				return nil
			}

			if err := memStore.RemoveMemory(ctx, model.MemoryID(id)); err != nil {
				return goerr.Wrap(err, "failed to remove memory")
			}
			fmt.Fprintf(c.Root().Writer, "Memory removed: %s\n", id)
			return nil
		},
	}
}
