package main

import (
	"log/slog"
	"os"

	"github.com/fly-io/cryptvol/cmd/cryptvol/commands"
)

func main() {
	// Replaced once flags and config are parsed
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
