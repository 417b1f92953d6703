// Command vmtest is the driver's process entry point: it registers the
// "run" subcommand alongside the subcommands package's built-in
// help/flags/commands, and wires signal-based cancellation the way
// cmd/botanist's main does.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
	"go.uber.org/zap"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&RunCommand{}, "")

	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(int(subcommands.ExitFailure))
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = withLogger(ctx, logger.Sugar())

	os.Exit(int(subcommands.Execute(ctx)))
}
