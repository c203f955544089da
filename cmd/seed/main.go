package main

import (
	"bytes"
	"context"
	_ "embed"
	"flag"
	"log"
	"os"

	"flow-studio/backend/internal/config"
	"flow-studio/backend/internal/logging"
	"flow-studio/backend/internal/repository"
)

//go:embed flows/lifecycle.yaml
var lifecycleSeed []byte

func main() {
	ctx := context.Background()

	configFile := flag.String("config", "", "Path to config file")
	seedFile := flag.String("file", "", "YAML seed file (defaults to the built-in lifecycle flows)")
	overwrite := flag.Bool("overwrite", false, "Replace flows that already exist")
	flag.Parse()

	// Load config
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	data := lifecycleSeed
	if *seedFile != "" {
		data, err = os.ReadFile(*seedFile)
		if err != nil {
			log.Fatalf("Failed to read seed file: %v", err)
		}
	}
	graphs, err := repository.DecodeSeed(bytes.NewReader(data))
	if err != nil {
		log.Fatalf("Failed to parse seed: %v", err)
	}

	store, err := repository.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open flow store: %v", err)
	}
	defer store.Close()

	n, err := repository.Seed(ctx, store, graphs, *overwrite, logger)
	if err != nil {
		logger.Error("Seeding failed", "error", err, "written", n)
		return
	}
	logger.Info("Seeding complete!", "written", n, "total", len(graphs))
}
