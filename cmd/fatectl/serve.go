package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/fate/pkg/api"
	"github.com/cuemby/fate/pkg/config"
	"github.com/cuemby/fate/pkg/executor"
	"github.com/cuemby/fate/pkg/fate"
	"github.com/cuemby/fate/pkg/fateid"
	"github.com/cuemby/fate/pkg/lockservice"
	"github.com/cuemby/fate/pkg/log"
	"github.com/cuemby/fate/pkg/metrics"
	"github.com/cuemby/fate/pkg/store"
	"github.com/spf13/cobra"
)

// noopRegistry is the registry a bare fatectl serve runs with: FATE itself
// ships no Step implementations, so a standalone daemon can host the admin
// surface and lock service but cannot decode or encode any step: both
// methods always return an error. Embedders wire their own
// registry by constructing *fate.Fate directly as a library rather than
// via this command.
type noopRegistry struct{}

func (noopRegistry) Decode(name string, payload []byte) (executor.Step, error) {
	return nil, fmt.Errorf("fatectl serve: no steps registered for %q", name)
}

func (noopRegistry) Encode(s executor.Step) (string, []byte, error) {
	return "", nil, fmt.Errorf("fatectl serve: no steps registered")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the FATE daemon: executor, lock service, and admin grpc surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		st, err := store.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}

		f, err := fate.New(st, noopRegistry{}, nil, fateid.SystemClock{}, executor.Config{
			PollInitialDelay: cfg.PollInitialDelay,
			PollMinInterval:  cfg.PollMinInterval,
			PollMaxInterval:  cfg.PollMaxInterval,
			MaxDeferred:      cfg.MaxDeferred,
			WorkerPoolSize:   cfg.WorkerPoolSize,
			ShutdownGrace:    cfg.ShutdownGrace,
		})
		if err != nil {
			return fmt.Errorf("failed to start fate: %w", err)
		}

		lockSvc := lockservice.New(lockservice.Config{
			NodeID:   "fatectl-serve",
			BindAddr: cfg.BindAddr,
			DataDir:  cfg.DataDir,
		}, "fatectl-serve", f.LockLostNotifiee())
		if err := lockSvc.Bootstrap(); err != nil {
			return fmt.Errorf("failed to bootstrap lock service: %w", err)
		}
		metrics.RegisterComponent("lockservice", true, "")
		metrics.RegisterComponent("store", true, "")
		metrics.RegisterComponent("executor", true, "")

		f.Start()
		log.Info("fatectl serve: executor started")

		server := api.NewServer(f)
		go func() {
			if err := server.Start(cfg.AdminAddr); err != nil {
				log.Errorf("admin api server stopped: %v", err)
			}
		}()

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.HandleFunc("/health", metrics.HealthHandler())
			mux.HandleFunc("/ready", metrics.ReadyHandler())
			_ = http.ListenAndServe(cfg.MetricsAddr, mux)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info("fatectl serve: shutting down")
		server.Stop()
		if err := lockSvc.Shutdown(); err != nil {
			log.Errorf("lock service shutdown: %v", err)
		}
		return f.Shutdown(cfg.ShutdownGrace)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a fatectl config file")
	rootCmd.AddCommand(serveCmd)
}
