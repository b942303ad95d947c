// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

// semaphore-runner executes tasks for a semaphore-server on a remote
// host. On first start it registers with the server using the shared
// registration token and saves its credentials to runner.state_file;
// later starts reuse them. It then polls the server for assignments,
// runs them with the local job executors, and streams output and
// status back.
//
// Usage:
//
//	semaphore-runner --config /etc/semaphore/runner.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/alexandervashurin/semaphore-sub002/lib/config"
	"github.com/alexandervashurin/semaphore-sub002/lib/git"
	"github.com/alexandervashurin/semaphore-sub002/lib/process"
	"github.com/alexandervashurin/semaphore-sub002/lib/runnerapi"
	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/secret"
	"github.com/alexandervashurin/semaphore-sub002/lib/service"
	"github.com/alexandervashurin/semaphore-sub002/lib/statefile"
	"github.com/alexandervashurin/semaphore-sub002/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var showVersion bool
	flagSet := pflag.NewFlagSet("semaphore-runner", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the YAML config file (default: $SEMAPHORE_CONFIG)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("semaphore-runner %s\n", version.Full())
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath == "" {
		cfg, err = config.Load()
	} else {
		cfg, err = config.LoadFile(configPath)
	}
	if err != nil {
		return err
	}
	if err := cfg.ValidateRunner(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger, err := service.NewLogger(cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := runnerapi.NewClient(runnerapi.ClientConfig{
		URL:    cfg.Runner.ServerURL,
		Logger: logger.With("component", "client"),
	})
	if err != nil {
		return err
	}

	name := cfg.Runner.Name
	if name == "" {
		name, _ = os.Hostname()
	}
	state, err := runnerapi.LoadOrRegister(ctx, runnerapi.RegisterConfig{
		Client:    client,
		ServerURL: cfg.Runner.ServerURL,
		StatePath: cfg.Runner.StateFile,
		Request: task.Registration{
			Token:            cfg.Runner.RegistrationToken,
			Name:             name,
			Tags:             cfg.Runner.Tags,
			ProjectID:        cfg.Runner.ProjectID,
			MaxParallelTasks: cfg.Runner.MaxParallelTasks,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("registering with %s: %w", cfg.Runner.ServerURL, err)
	}
	identity, err := secret.NewFromString(state.PrivateKey)
	if err != nil {
		return err
	}
	defer identity.Close()

	gitClient, err := git.NewClient(cfg.Engine.GitClient)
	if err != nil {
		return err
	}

	logger = logger.With("runner_id", state.RunnerID)
	logger.Info("semaphore-runner starting", "version", version.Info(), "server", cfg.Runner.ServerURL, "tags", cfg.Runner.Tags)
	agent := runnerapi.NewAgent(runnerapi.AgentConfig{
		Client:        client.WithRunner(state.RunnerID, state.Token),
		Identity:      identity,
		TmpRoot:       cfg.Engine.TmpPath,
		Apps:          cfg.ResolveApps(),
		Git:           git.NewProvider(git.ProviderConfig{Client: gitClient, Logger: logger.With("component", "git")}),
		PreHooks:      cfg.Engine.PreTaskHook,
		PostHooks:     cfg.Engine.PostTaskHook,
		BaseEnv:       os.Environ(),
		Grace:         cfg.Engine.Grace,
		PollInterval:  cfg.Runner.PollInterval,
		FlushInterval: cfg.Runner.FlushInterval,
		Logger:        logger,
	})
	if err := agent.Run(ctx); err != nil {
		if errors.Is(err, runnerapi.ErrUnauthorized) {
			// The runner was deleted on the server. Forget it so the
			// next start registers afresh.
			if clearErr := statefile.Clear(cfg.Runner.StateFile); clearErr != nil {
				logger.Error("clearing runner state", "error", clearErr)
			}
		}
		return err
	}
	return nil
}
