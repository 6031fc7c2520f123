package main

// Seeds catalog plans and eSIM inventory from a YAML file.

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/tribihq/tribi/internal/config"
	"github.com/tribihq/tribi/internal/db"
	"github.com/tribihq/tribi/internal/seed"
)

func main() {
	var seedPath string
	flag.StringVar(&seedPath, "file", "seed.yaml", "path to the seed YAML file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	file, err := seed.Load(seedPath)
	if err != nil {
		logger.Error("failed to load seed file", "error", err, "path", seedPath)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	if err := seed.Apply(ctx, pool, file, logger); err != nil {
		logger.Error("failed to apply seed", "error", err)
		os.Exit(1)
	}

	logger.Info("seed applied", "plans", len(file.Plans), "inventory", len(file.Inventory))
}
