package cli

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/hiveword/substrate/pkg/adapter"
	"github.com/hiveword/substrate/pkg/model"
	"github.com/hiveword/substrate/pkg/repository"
)

func searchCommand() *cli.Command {
	var (
		cfg       config
		roomID    string
		text      string
		threshold float64
		limit     int64
		unique    bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "room",
			Aliases:     []string{"r"},
			Usage:       "Restrict the search to a room",
			Sources:     cli.EnvVars("SUBSTRATE_ROOM"),
			Destination: &roomID,
		},
		&cli.StringFlag{
			Name:        "text",
			Aliases:     []string{"t"},
			Usage:       "Query text to embed and match against",
			Destination: &text,
		},
		&cli.FloatFlag{
			Name:        "threshold",
			Usage:       "Minimum cosine similarity",
			Value:       0.7,
			Destination: &threshold,
		},
		&cli.IntFlag{
			Name:        "limit",
			Usage:       "Maximum number of results",
			Value:       10,
			Destination: &limit,
		},
		&cli.BoolFlag{
			Name:        "unique",
			Usage:       "Only unique memories",
			Destination: &unique,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "search",
		Usage: "Search memories by vector similarity",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.withLogging(ctx)

			if text == "" {
				return goerr.New("query text is required")
			}

			memStore, cleanup, err := cfg.newStore(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			embedder := adapter.NewMockEmbedder(model.EmbeddingDim)
			embedding, err := embedder.Embed(ctx, text)
			if err != nil {
				return goerr.Wrap(err, "failed to embed query")
			}

			memories, err := memStore.SearchBySimilarity(ctx, embedding, repository.SimilarQuery{
				Threshold: threshold,
				Count:     int(limit),
				RoomID:    model.RoomID(roomID),
				Unique:    unique,
			})
			if err != nil {
				return goerr.Wrap(err, "failed to search memories")
			}

			printMemories(c, memories)
			return nil
		},
	}
}
