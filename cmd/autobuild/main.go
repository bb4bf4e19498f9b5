// Command autobuild runs the build orchestrator: it seeds a project's
// feature backlog from a spec input file, drives agent sessions against
// it, and serves the control API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"autobuild/internal/httpapi"
	"autobuild/internal/orch"
	"autobuild/pkg/config"
	"autobuild/pkg/logx"
	"autobuild/pkg/proto"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "autobuild: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var specPath string
	var projectID string
	var rootPath string
	var autoStart bool
	flag.StringVar(&configPath, "config", "autobuild.yaml", "Path to config file")
	flag.StringVar(&specPath, "seed", "", "Path to spec input JSON to seed before serving")
	flag.StringVar(&projectID, "project", "", "Project ID (required with -seed)")
	flag.StringVar(&rootPath, "root", "", "Project root path")
	flag.BoolVar(&autoStart, "start", false, "Start the run immediately after seeding")
	flag.Parse()

	logger := logx.NewLogger("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	orchestrator, err := orch.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := orchestrator.Close(); err != nil {
			logger.Error("Shutdown error: %v", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if specPath != "" {
		if projectID == "" {
			return fmt.Errorf("-project is required with -seed")
		}
		input, err := loadSpecInput(specPath)
		if err != nil {
			return err
		}
		result, err := orchestrator.Seed(projectID, rootPath, input)
		if err != nil {
			return fmt.Errorf("seed refused: %w", err)
		}
		logger.Info("Seeded %d features (%d warnings)", result.Entries, len(result.Warnings))

		if autoStart {
			if err := orchestrator.Start(ctx, projectID, nil); err != nil {
				return err
			}
		}
	}

	apiServer := httpapi.NewServer(orchestrator, cfg.ListenAddr)
	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Signal received, shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	if err := apiServer.Shutdown(); err != nil {
		logger.Warn("API shutdown error: %v", err)
	}
	return nil
}

// loadSpecInput parses the external generation step's output.
func loadSpecInput(path string) (*proto.SpecInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec input %s: %w", path, err)
	}
	input := &proto.SpecInput{}
	if err := json.Unmarshal(data, input); err != nil {
		return nil, fmt.Errorf("failed to parse spec input %s: %w", path, err)
	}
	if len(input.Entries) == 0 {
		return nil, fmt.Errorf("spec input %s contains no features", path)
	}
	return input, nil
}
