package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/deepnoodle-ai/nbexec"
	"github.com/deepnoodle-ai/nbexec/s3store"
	"github.com/deepnoodle-ai/nbexec/server"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	configPath := flag.String("config", "", "Path to a YAML service config file")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := nbexec.NewLogger(level)

	config := nbexec.DefaultServiceConfig()
	if *configPath != "" {
		var err error
		config, err = nbexec.LoadServiceConfig(*configPath)
		if err != nil {
			color.Red("Error: %v", err)
			os.Exit(1)
		}
	}

	objects, err := buildObjectStore(config.Storage)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	status := nbexec.NewStatusStore(objects)

	compute, err := nbexec.NewLocalComputeClient(nbexec.LocalComputeClientOptions{
		Objects:     objects,
		Status:      status,
		Logger:      logger,
		GracePeriod: time.Duration(config.ShutdownGracePeriod),
	})
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}

	launcher, err := nbexec.NewLauncher(nbexec.LauncherOptions{
		Objects:       objects,
		Status:        status,
		Compute:       compute,
		Logger:        logger,
		Bucket:        config.Storage.Bucket,
		InstanceType:  config.Compute.InstanceType,
		RunnerCommand: config.Compute.RunnerCommand,
	})
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}

	poller, err := nbexec.NewPoller(nbexec.PollerOptions{
		Status:   status,
		Objects:  objects,
		Logger:   logger,
		Interval: time.Duration(config.PollInterval),
	})
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}

	srv, err := server.New(server.Options{
		Launcher: launcher,
		Poller:   poller,
		Logger:   logger,
	})
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}

	color.Green("Listening on %s (storage: %s)", *addr, config.Storage.Backend)
	if err := http.ListenAndServe(*addr, srv.Router()); err != nil {
		color.Red("Server error: %v", err)
		os.Exit(1)
	}
}

func buildObjectStore(cfg nbexec.StorageConfig) (nbexec.ObjectStore, error) {
	switch cfg.Backend {
	case "memory":
		return nbexec.NewMemoryObjectStore(), nil
	case "s3":
		return s3store.New(s3store.Options{
			Bucket:       cfg.Bucket,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			AccessKey:    cfg.AccessKey,
			SecretKey:    cfg.SecretKey,
			UsePathStyle: cfg.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.Backend)
	}
}
