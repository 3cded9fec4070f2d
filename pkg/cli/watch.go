package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/hiveword/substrate/pkg/model"
)

func watchCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "watch",
		Usage: "Stream mutations from the sync channel until interrupted",
		Flags: globalFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.withLogging(ctx)

			if cfg.brokerURL == "" {
				return goerr.New("broker-url is required")
			}

			broker, err := cfg.newBroker(ctx)
			if err != nil {
				return err
			}
			defer broker.Close()

			unsubscribe := broker.Subscribe(model.SyncTopic, func(ctx context.Context, payload []byte) {
				envelope, err := model.DecodeSyncEnvelope(payload)
				if err != nil {
					return
				}
				fmt.Fprintf(c.Root().Writer, "%s\t%s\t%s\t%s\n",
					envelope.ProcessID,
					envelope.Operation,
					envelope.Memory.ID,
					envelope.Memory.Content.Kind)
			})
			defer unsubscribe()

			waitCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-waitCtx.Done()
			return nil
		},
	}
}
