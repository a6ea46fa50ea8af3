package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"photomark/internal/cli"
	"photomark/internal/compose"
	"photomark/internal/config"
	"photomark/internal/editor"
	"photomark/internal/fonts"
	"photomark/internal/imageio"
	"photomark/internal/logging"
	"photomark/internal/pipeline"
	"photomark/internal/storage"
	"photomark/internal/templates"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config %s: %v\n", config.Path(), err)
		return 1
	}

	log, closer, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup logging: %v\n", err)
		return 1
	}
	defer closer.Close()

	history, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		// exports still work without history
		log.Warn("export history disabled", "path", cfg.Paths.DatabasePath, "error", err)
	}
	defer history.Close()

	store, err := templates.NewDirStore(cfg.Paths.TemplatesDir)
	if err != nil {
		log.Error("open templates", "error", err)
		return 1
	}

	resolver := fonts.NewResolver(cfg.Fonts.Candidates, cfg.Fonts.CacheSize, log)
	engine := compose.New(resolver, cfg.Export.Margin)
	pipe := pipeline.New(imageio.FileCodec{}, engine, pipeline.Options{
		Workers:     cfg.Processing.ParallelJobs,
		JPEGQuality: cfg.Export.JPEGQuality,
		Store:       history,
		Logger:      log,
	})
	defer pipe.Close()

	session := editor.New(store, engine, log)
	if err := session.Restore(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: last used settings could not be read, using defaults: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.NewRoot(cfg, log, session, store, pipe, history)
	if err := cli.NewRootCmd(root).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}
