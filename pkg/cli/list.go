package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/hiveword/substrate/pkg/model"
	"github.com/hiveword/substrate/pkg/repository"
)

func listCommand() *cli.Command {
	var (
		cfg    config
		roomID string
		kinds  []string
		limit  int64
		cursor string
		since  string
		until  string
		unique bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "room",
			Aliases:     []string{"r"},
			Usage:       "Room to list",
			Sources:     cli.EnvVars("SUBSTRATE_ROOM"),
			Destination: &roomID,
		},
		&cli.StringSliceFlag{
			Name:        "kind",
			Aliases:     []string{"k"},
			Usage:       "Only include these content kinds",
			Destination: &kinds,
		},
		&cli.IntFlag{
			Name:        "limit",
			Usage:       "Maximum number of memories per page",
			Value:       50,
			Destination: &limit,
		},
		&cli.StringFlag{
			Name:        "cursor",
			Usage:       "Memory ID to continue after",
			Destination: &cursor,
		},
		&cli.StringFlag{
			Name:        "since",
			Usage:       "Only memories created at or after this RFC3339 time",
			Destination: &since,
		},
		&cli.StringFlag{
			Name:        "until",
			Usage:       "Only memories created at or before this RFC3339 time",
			Destination: &until,
		},
		&cli.BoolFlag{
			Name:        "unique",
			Usage:       "Only unique memories",
			Destination: &unique,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "list",
		Usage: "List room memories, newest first",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.withLogging(ctx)

			if roomID == "" {
				return goerr.New("room is required")
			}
			start, err := parseTimeFlag(since)
			if err != nil {
				return err
			}
			end, err := parseTimeFlag(until)
			if err != nil {
				return err
			}

			memStore, cleanup, err := cfg.newStore(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if len(kinds) > 0 || unique {
				query := newRoomQuery(int(limit), cursor, kinds, unique, start, end)
				memories, err := memStore.GetMemories(ctx, model.RoomID(roomID), query)
				if err != nil {
					return goerr.Wrap(err, "failed to list memories")
				}
				printMemories(c, memories)
				return nil
			}

			page, err := memStore.GetMemoriesPaginated(ctx, model.RoomID(roomID), int(limit), model.MemoryID(cursor), start, end)
			if err != nil {
				return goerr.Wrap(err, "failed to list memories")
			}
			printMemories(c, page.Items)
			if page.HasMore {
				fmt.Fprintf(c.Root().Writer, "more available, continue with --cursor %s\n", page.NextCursor)
			}
			return nil
		},
	}
}

func newRoomQuery(limit int, cursor string, kinds []string, unique bool, start, end time.Time) repository.RoomQuery {
	query := repository.RoomQuery{
		Count:  limit,
		Unique: unique,
		Start:  start,
		End:    end,
		Cursor: model.MemoryID(cursor),
	}
	for _, kind := range kinds {
		query.Kinds = append(query.Kinds, model.ContentKind(kind))
	}
	return query
}

func parseTimeFlag(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, goerr.Wrap(err, "invalid time, expected RFC3339", goerr.V("value", value))
	}
	return parsed, nil
}

func printMemories(c *cli.Command, memories []*model.Memory) {
	for _, m := range memories {
		fmt.Fprintf(c.Root().Writer, "%s\t%s\t%s\t%s\n",
			m.ID,
			m.CreatedAt.Format(time.RFC3339),
			m.Content.Kind,
			m.Content.Text)
	}
}
