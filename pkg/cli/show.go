package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/hiveword/substrate/pkg/model"
)

func showCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:      "show",
		Usage:     "Show a memory as JSON",
		ArgsUsage: "<memory-id>",
		Flags:     globalFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.withLogging(ctx)

			id := c.Args().First()
			if id == "" {
				return goerr.New("memory ID is required")
			}

			memStore, cleanup, err := cfg.newStore(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			memory, err := memStore.GetMemory(ctx, model.MemoryID(id))
			if err != nil {
				return goerr.Wrap(err, "failed to get memory")
			}

			raw, err := json.MarshalIndent(memory.Content, "", "  ")
			if err != nil {
				return goerr.Wrap(err, "failed to render memory")
			}

			fmt.Fprintf(c.Root().Writer, "%s\n", raw)
			return nil
		},
	}
}
