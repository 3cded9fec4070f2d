package cli

import (
	"context"

	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	cmd := &cli.Command{
		Name:  "substrate",
		Usage: "Shared memory substrate for multi-agent processes",
		Commands: []*cli.Command{
			newCommand(),
			showCommand(),
			historyCommand(),
			listCommand(),
			searchCommand(),
			removeCommand(),
			lockCommand(),
			watchCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}
