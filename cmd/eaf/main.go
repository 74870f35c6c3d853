package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/migadu/eaf/config"
	"github.com/migadu/eaf/filter"
	"github.com/migadu/eaf/logger"
	"github.com/migadu/eaf/pkg/errors"
	"github.com/migadu/eaf/server/delivery"
	"github.com/migadu/eaf/server/httpapi"
	"github.com/migadu/eaf/server/lmtp"
	"github.com/migadu/eaf/server/relayqueue"
	"github.com/migadu/eaf/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "config.toml"

// serverDependencies holds the shared services the listeners are built from.
type serverDependencies struct {
	config     config.Config
	policies   *filter.PolicyStore
	processor  *filter.Processor
	quarantine *storage.Quarantine
	relay      *delivery.SMTPRelay
	queue      *relayqueue.DiskQueue
	worker     *relayqueue.Worker
	lmtp       *lmtp.LMTPServerBackend
	servers    sync.WaitGroup
}

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", defaultConfigPath, "Path to TOML configuration file")
	checkFile := flag.String("check", "", "Print the verdict for one .eml file and exit")
	checkSender := flag.String("sender", "", "Envelope sender used with -check")
	flag.Parse()

	if *showVersion {
		fmt.Printf("eaf version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "EAF: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	policy, err := filter.NewPolicy(cfg.Filter)
	if err != nil {
		errorHandler.ValidationError("filter", err)
		os.Exit(errorHandler.WaitForExit())
	}
	policies := filter.NewPolicyStore(policy)

	if *checkFile != "" {
		if err := runCheck(context.Background(), os.Stdout, filter.NewProcessor(policies, nil), *checkFile, *checkSender); err != nil {
			fmt.Fprintf(os.Stderr, "EAF: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if cfg.LMTP.Start && !cfg.Relay.IsConfigured() {
		errorHandler.ValidationError("relay.smtp_host", fmt.Errorf("the LMTP frontend needs a next hop to reinject messages"))
		os.Exit(errorHandler.WaitForExit())
	}

	logger.Info("EAF attachment filter starting", "version", version, "commit", commit, "built", date)
	logger.Info("Logging configured", "format", cfg.Logging.Format, "level", cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := initializeServices(cfg, policies)
	if err != nil {
		errorHandler.FatalError("initialize services", err)
		os.Exit(errorHandler.WaitForExit())
	}

	watcher, err := config.NewWatcher(*configPath, policies.Apply)
	if err != nil {
		logger.Warn("Config file watching disabled", "path", *configPath, "error", err)
	} else {
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Warn("Config watcher stopped", "error", err)
			}
		}()
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range signalChan {
			if sig == syscall.SIGHUP {
				logger.Info("Received SIGHUP, reloading policy")
				if watcher != nil {
					_ = watcher.Reload()
				} else if reloaded, err := config.Load(*configPath); err != nil {
					logger.Error("Policy reload failed, keeping previous policy", "error", err)
				} else if err := policies.Apply(reloaded); err != nil {
					logger.Error("Policy reload failed, keeping previous policy", "error", err)
				}
				continue
			}
			logger.Info("Received signal, shutting down", "signal", sig)
			cancel()
			return
		}
	}()

	errChan := startServers(ctx, deps)

	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
		shutdown(deps)
	case err := <-errChan:
		cancel()
		shutdown(deps)
		errorHandler.FatalError("server operation", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

// loadAndValidateConfig loads configuration from file and validates it. A
// missing default config.toml is not an error.
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == defaultConfigPath {
			fmt.Fprintf(os.Stderr, "EAF: configuration file '%s' not found, using defaults\n", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

// initializeServices builds the processor, quarantine, relay and queue.
func initializeServices(cfg config.Config, policies *filter.PolicyStore) (*serverDependencies, error) {
	deps := &serverDependencies{config: cfg, policies: policies}

	var journal filter.Journal
	if cfg.Journal.Enabled {
		j, err := logger.NewJournal(cfg.Journal.Dir)
		if err != nil {
			return nil, err
		}
		journal = j
		logger.Info("Verdict journal enabled", "dir", cfg.Journal.Dir)
	}
	deps.processor = filter.NewProcessor(policies, journal)

	quarantine, err := storage.NewQuarantine(cfg.Quarantine)
	if err != nil {
		return nil, fmt.Errorf("quarantine: %w", err)
	}
	deps.quarantine = quarantine

	if !cfg.Relay.IsConfigured() {
		return deps, nil
	}

	relay, err := delivery.NewSMTPRelay(cfg.Relay)
	if err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	deps.relay = relay
	logger.Info("Relay configured", "host", cfg.Relay.SMTPHost, "tls", cfg.Relay.SMTPTLS, "starttls", cfg.Relay.SMTPUseStartTLS)

	if !cfg.Relay.IsQueueEnabled() {
		return deps, nil
	}

	backoff, err := cfg.Relay.Queue.GetRetryBackoff()
	if err != nil {
		return nil, fmt.Errorf("relay.queue.retry_backoff: %w", err)
	}
	interval, err := cfg.Relay.Queue.GetWorkerInterval()
	if err != nil {
		return nil, fmt.Errorf("relay.queue.worker_interval: %w", err)
	}
	queue, err := relayqueue.NewDiskQueue(cfg.Relay.GetQueuePath(), cfg.Relay.Queue.GetMaxAttempts(), backoff)
	if err != nil {
		return nil, fmt.Errorf("relay queue: %w", err)
	}
	if recovered, err := queue.RecoverProcessing(); err != nil {
		logger.Warn("Relay queue: failed to recover in-flight messages", "error", err)
	} else if recovered > 0 {
		logger.Info("Relay queue: recovered in-flight messages", "count", recovered)
	}
	deps.queue = queue
	deps.worker = relayqueue.NewWorker(queue, relay, interval,
		cfg.Relay.Queue.GetBatchSize(), cfg.Relay.Queue.GetConcurrency(), nil)
	return deps, nil
}

// startServers launches every enabled listener and the queue worker.
func startServers(ctx context.Context, deps *serverDependencies) chan error {
	errChan := make(chan error, 4)
	cfg := deps.config

	if deps.worker != nil {
		deps.worker.Start(ctx)
	}

	if cfg.LMTP.Start {
		opts := lmtp.LMTPServerOptions{
			Processor: deps.processor,
			Relay:     deps.relay,
		}
		if deps.queue != nil {
			opts.RelayQueue = deps.queue
			opts.RelayWorker = deps.worker
		}
		if deps.quarantine != nil {
			opts.Quarantine = deps.quarantine
		}
		backend, err := lmtp.New(ctx, cfg.LMTP, opts)
		if err != nil {
			errChan <- fmt.Errorf("LMTP server: %w", err)
			return errChan
		}
		deps.lmtp = backend
		deps.servers.Add(1)
		go func() {
			defer deps.servers.Done()
			backend.Start(errChan)
		}()
	}

	if cfg.HTTPAPI.Start {
		opts := httpapi.ServerOptions{
			Processor: deps.processor,
			Policies:  deps.policies,
		}
		if deps.quarantine != nil {
			opts.Quarantine = deps.quarantine
		}
		if deps.relay != nil {
			opts.Breaker = deps.relay.CircuitBreaker()
		}
		if deps.queue != nil {
			opts.Queue = deps.queue
		}
		api, err := httpapi.New(cfg.HTTPAPI, opts)
		if err != nil {
			errChan <- fmt.Errorf("HTTP API server: %w", err)
			return errChan
		}
		deps.servers.Add(1)
		go func() {
			defer deps.servers.Done()
			api.Start(ctx, errChan)
		}()
	}

	if cfg.Metrics.Enabled {
		deps.servers.Add(1)
		go func() {
			defer deps.servers.Done()
			startMetricsServer(ctx, cfg.Metrics, errChan)
		}()
	}

	return errChan
}

func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan error) {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Metrics server listening", "addr", cfg.Addr, "path", path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}

// shutdown closes the listeners and waits a bounded time for them to stop.
func shutdown(deps *serverDependencies) {
	if deps.lmtp != nil {
		if err := deps.lmtp.Close(); err != nil {
			logger.Debug("LMTP server close", "error", err)
		}
	}
	if deps.worker != nil {
		deps.worker.Stop()
	}

	done := make(chan struct{})
	go func() {
		deps.servers.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("All servers stopped")
	case <-time.After(10 * time.Second):
		logger.Warn("Server shutdown timeout reached after 10 seconds")
	}
}
