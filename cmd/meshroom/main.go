package main

import (
	"log/slog"
	"os"

	"github.com/mossy-p/mesh-signaling/internal/cli"
	"github.com/mossy-p/mesh-signaling/internal/logging"
)

func main() {
	// The terminal belongs to the UI; logs stay quiet unless LOG_LEVEL asks.
	slog.SetDefault(logging.NewText(os.Stderr, logging.ParseLevel(os.Getenv("LOG_LEVEL"), slog.LevelError)))
	cli.Execute()
}
