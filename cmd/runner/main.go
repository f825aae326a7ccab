package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fatih/color"

	"github.com/deepnoodle-ai/nbexec"
	"github.com/deepnoodle-ai/nbexec/s3store"
)

// Args are the runner's positional arguments, in order.
type Args struct {
	InputPath   string // local path of the notebook to execute
	OutputPath  string // local path for the executed copy
	ExecutionID string
	Bucket      string // object-storage bucket; empty selects a local directory store
	StatusKey   string // status record key; must match the execution's namespace
	SourceKey   string // notebook object key, fetched when InputPath is absent
	OutputKey   string // executed notebook object key
}

func main() {
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	gracePeriod := flag.Duration("grace-period", nbexec.DefaultShutdownGracePeriod, "Delay between a failure and the host stop request")
	markerPath := flag.String("marker", "/tmp/nbexec_shutdown_marker", "Local shutdown marker file path")
	flag.Usage = usage
	flag.Parse()

	args, err := parseArgs(flag.Args())
	if err != nil {
		color.Red("Error: %v", err)
		flag.Usage()
		os.Exit(1)
	}

	level := slog.LevelError
	if *verbose {
		level = slog.LevelInfo
	}
	logger := nbexec.NewLogger(level)

	ctx := context.Background()

	objects, err := buildObjectStore(args.Bucket)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	status := nbexec.NewStatusStore(objects)

	if expected := nbexec.StatusKey(args.ExecutionID); args.StatusKey != expected {
		color.Red("Error: status key %q does not belong to execution %s (want %q)",
			args.StatusKey, args.ExecutionID, expected)
		os.Exit(1)
	}

	data, err := loadNotebook(ctx, objects, args)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}

	shutdown, err := nbexec.NewShutdownCoordinator(nbexec.ShutdownCoordinatorOptions{
		Objects:         objects,
		Compute:         markerOnlyCompute{logger: logger},
		Logger:          logger,
		GracePeriod:     *gracePeriod,
		LocalMarkerPath: *markerPath,
		ResolveInstanceID: func(ctx context.Context) (string, error) {
			return os.Hostname()
		},
	})
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}

	executor, err := nbexec.NewExecutor(nbexec.ExecutorOptions{
		ExecutionID:  args.ExecutionID,
		Notebook:     data,
		FileName:     filepath.Base(args.SourceKey),
		NotebookPath: args.SourceKey,
		OutputPath:   args.OutputKey,
		Runtime:      nbexec.NewScriptCellRuntime(nil),
		Status:       status,
		Objects:      objects,
		Shutdown:     shutdown,
		Logger:       logger,
		Environ:      os.Environ(),
	})
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}

	color.Blue("Executing notebook %s (execution %s)", args.InputPath, args.ExecutionID)
	if err := executor.Run(ctx); err != nil {
		color.Red("Execution failed: %v", err)
		os.Exit(1)
	}

	if err := writeLocalOutput(ctx, objects, args); err != nil {
		color.Yellow("Warning: %v", err)
	}
	color.Green("Execution completed: %s", args.ExecutionID)
}

func parseArgs(positional []string) (*Args, error) {
	if len(positional) != 7 {
		return nil, fmt.Errorf("expected 7 arguments, got %d", len(positional))
	}
	args := &Args{
		InputPath:   positional[0],
		OutputPath:  positional[1],
		ExecutionID: positional[2],
		Bucket:      positional[3],
		StatusKey:   positional[4],
		SourceKey:   positional[5],
		OutputKey:   positional[6],
	}
	if args.ExecutionID == "" {
		return nil, fmt.Errorf("execution ID must not be empty")
	}
	return args, nil
}

// buildObjectStore picks the backend: an S3 bucket when one is named,
// otherwise an in-memory store (useful only for smoke runs, since nothing
// outlives the process).
func buildObjectStore(bucket string) (nbexec.ObjectStore, error) {
	if bucket == "" {
		return nbexec.NewMemoryObjectStore(), nil
	}
	return s3store.New(s3store.Options{
		Bucket:       bucket,
		Region:       os.Getenv("AWS_REGION"),
		Endpoint:     os.Getenv("NBEXEC_S3_ENDPOINT"),
		AccessKey:    os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretKey:    os.Getenv("AWS_SECRET_ACCESS_KEY"),
		UsePathStyle: os.Getenv("NBEXEC_S3_PATH_STYLE") == "true",
	})
}

// loadNotebook prefers the staged local file and falls back to fetching the
// source object.
func loadNotebook(ctx context.Context, objects nbexec.ObjectStore, args *Args) ([]byte, error) {
	data, err := os.ReadFile(args.InputPath)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read notebook %s: %w", args.InputPath, err)
	}
	data, err = objects.Get(ctx, args.SourceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch notebook %s: %w", args.SourceKey, err)
	}
	return data, nil
}

// writeLocalOutput mirrors the executed notebook to the local output path
// for callers that collect artifacts from disk.
func writeLocalOutput(ctx context.Context, objects nbexec.ObjectStore, args *Args) error {
	data, err := objects.Get(ctx, args.OutputKey)
	if err != nil {
		return fmt.Errorf("failed to fetch executed notebook: %w", err)
	}
	if err := os.WriteFile(args.OutputPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", args.OutputPath, err)
	}
	return nil
}

// markerOnlyCompute satisfies the shutdown coordinator on hosts the runner
// cannot stop itself. The wrapping lifecycle script watches the local marker
// file and performs the actual stop.
type markerOnlyCompute struct {
	logger *slog.Logger
}

func (c markerOnlyCompute) CreateAndStart(ctx context.Context, config nbexec.InstanceConfig) (string, error) {
	return "", fmt.Errorf("runner hosts cannot create instances")
}

func (c markerOnlyCompute) Describe(ctx context.Context, handle string) (nbexec.InstanceStatus, error) {
	return nbexec.InstanceStatusInService, nil
}

func (c markerOnlyCompute) Stop(ctx context.Context, handle string) error {
	c.logger.Info("stop requested, deferring to host lifecycle script", "handle", handle)
	return nil
}

func (c markerOnlyCompute) Delete(ctx context.Context, handle string) error {
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `Notebook runner - execute a notebook and report status to object storage

Usage: %s [options] <input> <output> <execution-id> <bucket> <status-key> <source-key> <output-key>

Arguments:
  input         local notebook path (fetched from source-key if absent)
  output        local path for the executed copy
  execution-id  execution identifier minted at submission
  bucket        object-storage bucket ("" for in-memory smoke runs)
  status-key    status record object key
  source-key    notebook source object key
  output-key    executed notebook object key

Exit codes:
  0  execution completed
  1  execution failed

Options:
`, os.Args[0])
	flag.PrintDefaults()
}
