package main

import (
	"log/slog"
	"os"

	"github.com/fly-io/brkt/cmd/brkt/commands"
)

func main() {
	// Logs go to stderr; stdout carries the resulting image id.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
