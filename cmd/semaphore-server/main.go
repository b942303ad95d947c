// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

// semaphore-server runs the task engine: it admits tasks through the
// submission API, runs untagged tasks in-process, dispatches tagged
// tasks to remote runners over the runner protocol, and serves
// Prometheus metrics.
//
// Usage:
//
//	semaphore-server --config /etc/semaphore/config.yaml
//
// The config file may also be named by SEMAPHORE_CONFIG.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/alexandervashurin/semaphore-sub002/lib/artifact"
	"github.com/alexandervashurin/semaphore-sub002/lib/config"
	"github.com/alexandervashurin/semaphore-sub002/lib/git"
	"github.com/alexandervashurin/semaphore-sub002/lib/process"
	"github.com/alexandervashurin/semaphore-sub002/lib/runnerapi"
	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/secret"
	"github.com/alexandervashurin/semaphore-sub002/lib/secretstorage"
	"github.com/alexandervashurin/semaphore-sub002/lib/service"
	"github.com/alexandervashurin/semaphore-sub002/lib/store"
	"github.com/alexandervashurin/semaphore-sub002/lib/store/memstore"
	"github.com/alexandervashurin/semaphore-sub002/lib/store/sqlitestore"
	"github.com/alexandervashurin/semaphore-sub002/lib/taskapi"
	"github.com/alexandervashurin/semaphore-sub002/lib/taskpool"
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
	flagSet := pflag.NewFlagSet("semaphore-server", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the YAML config file (default: $SEMAPHORE_CONFIG)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("semaphore-server %s\n", version.Full())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger, err := service.NewLogger(cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}
	logger.Info("semaphore-server starting", "version", version.Info(), "environment", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	taskStore, err := openStore(cfg.Server.Store, logger)
	if err != nil {
		return err
	}
	defer taskStore.Close()

	decrypter, closeSecrets, err := openSecrets(cfg.Server)
	if err != nil {
		return err
	}
	defer closeSecrets()

	gitClient, err := git.NewClient(cfg.Engine.GitClient)
	if err != nil {
		return err
	}

	plans, err := artifact.New(artifact.Config{
		Dir:    cfg.Server.ArtifactPath,
		MaxAge: cfg.Server.ArtifactMaxAge,
		Logger: logger.With("component", "artifacts"),
	})
	if err != nil {
		return err
	}
	go plans.Run(ctx)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pool := taskpool.New(taskpool.Config{
		Stores: taskpool.Stores{
			Tasks:    taskStore,
			Projects: taskStore,
			Keys:     taskStore,
			Runners:  taskStore,
		},
		Decrypter:                  decrypter,
		Git:                        git.NewProvider(git.ProviderConfig{Client: gitClient, Logger: logger.With("component", "git")}),
		Plans:                      plans,
		Apps:                       cfg.ResolveApps(),
		TmpRoot:                    cfg.Engine.TmpPath,
		MaxParallelTasks:           cfg.Engine.MaxParallelTasks,
		MaxParallelTasksPerProject: cfg.Engine.MaxParallelTasksPerProject,
		RunnerTimeout:              cfg.Engine.RunnerTimeout(),
		OrphanInterval:             cfg.Engine.OrphanInterval,
		SubscriberBuffer:           cfg.Engine.LogSubscriberBuffer,
		PreHooks:                   cfg.Engine.PreTaskHook,
		PostHooks:                  cfg.Engine.PostTaskHook,
		Grace:                      cfg.Engine.Grace,
		Registerer:                 registry,
		Logger:                     logger.With("component", "pool"),
	})
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("starting task pool: %w", err)
	}
	defer pool.Close()

	runners := runnerapi.NewServer(runnerapi.ServerConfig{
		Pool:              pool,
		Runners:           taskStore,
		Plans:             plans,
		RegistrationToken: cfg.Server.RegistrationToken,
		Logger:            logger.With("component", "runnerapi"),
	})
	tasks := taskapi.NewHandler(taskapi.Config{
		Pool:   pool,
		Tasks:  taskStore,
		Token:  cfg.Server.APIToken,
		Logger: logger.With("component", "taskapi"),
	})

	mux := http.NewServeMux()
	mux.Handle("/api/runners/", runners.Handler())
	mux.Handle("/api/tasks", tasks)
	mux.Handle("/api/tasks/", tasks)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("GET /healthz", service.HealthHandler(version.Short(), func(ctx context.Context) error {
		_, err := taskStore.GetTask(ctx, 0)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("store unavailable: %w", err)
		}
		return nil
	}))

	server := service.NewHTTPServer(service.HTTPServerConfig{
		Address:         cfg.Server.Listen,
		Handler:         mux,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          logger,
	})
	if cfg.Server.RegistrationToken == "" {
		logger.Warn("runner registration disabled: server.registration_token is empty")
	}
	if cfg.Server.APIToken == "" {
		logger.Warn("task API disabled: server.api_token is empty")
	}
	return server.Serve(ctx)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}

func openStore(cfg config.StoreConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using the in-memory store: tasks are lost on restart")
		return memstore.New(), nil
	default:
		return sqlitestore.Open(sqlitestore.Config{
			Path:     cfg.Path,
			PoolSize: cfg.PoolSize,
			Logger:   logger.With("component", "store"),
		})
	}
}

// openSecrets builds the secret storage registry: the local backend
// always, Vault when configured.
func openSecrets(cfg config.ServerConfig) (secretstorage.Decrypter, func(), error) {
	local, err := secretstorage.NewLocal([]byte(cfg.AccessKeyEncryption))
	if err != nil {
		return nil, nil, err
	}
	closers := []func(){func() { local.Close() }}
	closeAll := func() {
		for _, closeFunc := range closers {
			closeFunc()
		}
	}

	registry := secretstorage.NewRegistry()
	registry.Register(task.StorageLocal, local)
	if cfg.Vault.Address != "" {
		token, err := secret.NewFromString(cfg.Vault.Token)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() { token.Close() })
		vault, err := secretstorage.NewVault(secretstorage.VaultConfig{
			Address: cfg.Vault.Address,
			Mount:   cfg.Vault.Mount,
			Token:   token,
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		registry.Register(task.StorageVault, vault)
	}
	return registry, closeAll, nil
}
