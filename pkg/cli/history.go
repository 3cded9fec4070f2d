package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/hiveword/substrate/pkg/model"
)

func historyCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:      "history",
		Usage:     "List the version history of a memory, newest first",
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

			records, err := memStore.ListVersions(ctx, model.MemoryID(id))
			if err != nil {
				return goerr.Wrap(err, "failed to list versions")
			}

			for _, record := range records {
				reason := record.VersionReason
				if reason == "" {
					reason = "-"
				}
				fmt.Fprintf(c.Root().Writer, "v%d\t%s\t%s\n",
					record.Version,
					record.UpdatedAt.Format(time.RFC3339),
					reason)
			}
			return nil
		},
	}
}
