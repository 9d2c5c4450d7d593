// Command orchestrator runs the driver loop that advances agent runs
// through their lifecycle, the subtask worker pool executing inside the
// warm sandbox pool, the queue reconciliation sidecar, and the pool's
// background loops. Wiring follows the same load-config, construct
// services, run loops, shut down on signal shape as the apiserver.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"forge.control/internal/billing"
	"forge.control/internal/billing/tokencount"
	"forge.control/internal/config"
	"forge.control/internal/durable"
	"forge.control/internal/logging"
	"forge.control/internal/model"
	"forge.control/internal/modelclient"
	"forge.control/internal/orchestrator"
	"forge.control/internal/queue"
	"forge.control/internal/sandbox"
	"forge.control/internal/scheduler"
	"forge.control/internal/worker"
)

var (
	cfgFile string
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Run the agent-run orchestrator and subtask workers",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./orchestrator.yaml)")
	rootCmd.PersistentFlags().String("broker-url", "redis://localhost:6379/0", "Redis broker URL")
	rootCmd.PersistentFlags().String("durable-store-url", "", "Postgres DSN")
	rootCmd.PersistentFlags().String("model-client-url", "", "Model Client base URL")
	rootCmd.PersistentFlags().String("docker-host", "", "Docker host for the sandbox backend")

	_ = v.BindPFlag("broker_url", rootCmd.PersistentFlags().Lookup("broker-url"))
	_ = v.BindPFlag("durable_store_url", rootCmd.PersistentFlags().Lookup("durable-store-url"))
	_ = v.BindPFlag("model_client_url", rootCmd.PersistentFlags().Lookup("model-client-url"))
	_ = v.BindPFlag("docker_host", rootCmd.PersistentFlags().Lookup("docker-host"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	root := logging.New(logging.DefaultConfig(cfg.ServiceName))
	log := logging.ServiceLogger(root, "orchestrator", "dev")

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bootCancel()

	store, err := durable.NewPostgresStore(bootCtx, cfg.DurableStoreURL)
	if err != nil {
		return fmt.Errorf("connecting durable store: %w", err)
	}
	defer store.Close()

	redisOpts, err := redis.ParseURL(cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parsing broker url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	q, err := queue.NewQueue(bootCtx, queue.Config{RedisURL: cfg.BrokerURL, MaxRetries: cfg.MaxRetries, TransientKeywords: cfg.TransientErrorKeywords})
	if err != nil {
		return fmt.Errorf("connecting queue: %w", err)
	}
	defer q.Close()
	subq := queue.NewSubtaskQueue(redisClient, "")

	dockerClient, err := sandbox.NewDockerClient(cfg.DockerHost)
	if err != nil {
		return fmt.Errorf("connecting docker: %w", err)
	}
	poolCfg := sandbox.DefaultConfig()
	poolCfg.MinPoolSize = cfg.MinPoolSize
	poolCfg.MaxPoolSize = cfg.MaxPoolSize
	poolCfg.MaxSandboxAge = cfg.MaxSandboxAge
	poolCfg.MaxIdleSeconds = cfg.MaxIdleSeconds
	poolCfg.WarmupInterval = cfg.WarmupInterval
	poolCfg.CleanupInterval = cfg.CleanupInterval
	poolCfg.ExpiryInterval = cfg.ExpiryInterval
	pool := sandbox.New(poolCfg, sandbox.NewDockerBackend(dockerClient, nil), log.WithField("component", "sandbox-pool"))

	pricing := billing.NewPricingCache(store, redisClient, cfg.PricingCacheTTL)
	billCfg := billing.DefaultConfig()
	billCfg.RequestsPerMin = cfg.RateLimitRequestsPerMinute
	ledger := billing.New(store, tokencount.New(), pricing, billCfg, log.WithField("component", "billing"))

	sched := scheduler.New(scheduler.DefaultConfig(), scheduler.DefaultQueueMap())
	orch := orchestrator.New(store, q, sched, log.WithField("component", "orchestrator"))
	orch.SetSubtaskQueue(subq)

	registry := worker.NewRegistry(
		&worker.ShellExecutor{Pool: pool},
		&worker.CodeExecutor{Pool: pool},
		&worker.BrowserExecutor{Pool: pool},
	)
	if cfg.ModelClientURL != "" {
		client := modelclient.NewHTTPClient(cfg.ModelClientURL, cfg.ModelClientKey)
		orch.SetPlanner(&orchestrator.ModelPlanner{Client: client, Model: cfg.DefaultModel, Provider: model.ProviderOpenAI})
		registry.Register(&worker.ModelExecutor{Type: "synthesis", Client: client, Ledger: ledger, DefaultModel: cfg.DefaultModel, Provider: model.ProviderOpenAI})
		registry.Register(&worker.ModelExecutor{Type: "validation", Client: client, Ledger: ledger, DefaultModel: cfg.DefaultModel, Provider: model.ProviderOpenAI})
	}

	workerID := "orchestrator-" + uuid.NewString()[:8]
	workers := worker.NewPool(worker.DefaultConfig(workerID), subq, store, registry, pool, sched, log.WithField("component", "worker"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		pool.RunLoops(ctx)
	}()
	go func() {
		defer wg.Done()
		workers.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		queue.Reconcile(ctx, q, time.Minute, func(ctx context.Context) ([]string, error) {
			runs, err := store.ListStalledRuns(ctx, 5*time.Minute)
			if err != nil {
				return nil, err
			}
			var ids []string
			for _, r := range runs {
				if !model.IsRunTerminal(r.State) {
					ids = append(ids, r.ID)
				}
			}
			return ids, nil
		})
	}()
	go func() {
		defer wg.Done()
		driverLoop(ctx, orch, log)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()
	wg.Wait()
	return nil
}

func driverLoop(ctx context.Context, orch *orchestrator.Orchestrator, log *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := orch.RunOnce(ctx, 5*time.Second); err != nil {
			log.WithError(err).Warn("driver iteration failed")
			time.Sleep(time.Second)
		}
	}
}
