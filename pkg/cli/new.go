package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/hiveword/substrate/pkg/model"
)

func newCommand() *cli.Command {
	var (
		cfg    config
		roomID string
		text   string
		kind   string
		agent  string
		user   string
		unique bool
		embed  bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "room",
			Aliases:     []string{"r"},
			Usage:       "Room the memory belongs to",
			Sources:     cli.EnvVars("SUBSTRATE_ROOM"),
			Destination: &roomID,
		},
		&cli.StringFlag{
			Name:        "text",
			Aliases:     []string{"t"},
			Usage:       "Memory text",
			Destination: &text,
		},
		&cli.StringFlag{
			Name:        "kind",
			Aliases:     []string{"k"},
			Usage:       "Content kind",
			Value:       string(model.KindMessage),
			Destination: &kind,
		},
		&cli.StringFlag{
			Name:        "agent",
			Usage:       "Originating agent ID",
			Sources:     cli.EnvVars("SUBSTRATE_AGENT"),
			Destination: &agent,
		},
		&cli.StringFlag{
			Name:        "user",
			Usage:       "Originating user ID",
			Destination: &user,
		},
		&cli.BoolFlag{
			Name:        "unique",
			Usage:       "Mark the memory as unique",
			Destination: &unique,
		},
		&cli.BoolFlag{
			Name:        "embed",
			Usage:       "Compute the embedding after creation",
			Destination: &embed,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "new",
		Usage: "Create a new memory",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.withLogging(ctx)

			if roomID == "" {
				return goerr.New("room is required")
			}

			memStore, cleanup, err := cfg.newStore(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			memory := &model.Memory{
				ID:      model.NewMemoryID(),
				RoomID:  model.RoomID(roomID),
				UserID:  model.UserID(user),
				AgentID: model.AgentID(agent),
				Unique:  unique,
				Content: model.Content{
					Kind: model.ContentKind(kind),
					Text: text,
				},
			}

			if err := memStore.CreateMemory(ctx, memory); err != nil {
				return goerr.Wrap(err, "failed to create memory")
			}

			if embed {
				if _, err := memStore.AddEmbedding(ctx, memory.ID); err != nil {
					return goerr.Wrap(err, "failed to compute embedding")
				}
			}

			fmt.Fprintf(c.Root().Writer, "Memory created: %s\n", memory.ID)
			return nil
		},
	}
}
