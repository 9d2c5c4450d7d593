// Command apiserver runs the REST + SSE surface of the control plane:
// run/subtask CRUD and progress streaming over the Durable Store and
// Orchestrator, behind bearer-token auth: load config, construct
// services, start the HTTP server in a goroutine, wait on a signal,
// shut down with a bounded timeout.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"forge.control/internal/blobstore"
	"forge.control/internal/config"
	"forge.control/internal/durable"
	"forge.control/internal/httpapi"
	"forge.control/internal/logging"
	"forge.control/internal/orchestrator"
	"forge.control/internal/queue"
	"forge.control/internal/scheduler"
	"forge.control/internal/tokenverifier"
)

var (
	cfgFile string
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "apiserver",
	Short: "Run the control plane's HTTP API server",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./apiserver.yaml)")
	rootCmd.PersistentFlags().String("http-addr", ":8082", "HTTP listen address")
	rootCmd.PersistentFlags().String("broker-url", "redis://localhost:6379/0", "Redis broker URL")
	rootCmd.PersistentFlags().String("durable-store-url", "", "Postgres DSN")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HMAC secret for bearer tokens")

	_ = v.BindPFlag("http_addr", rootCmd.PersistentFlags().Lookup("http-addr"))
	_ = v.BindPFlag("broker_url", rootCmd.PersistentFlags().Lookup("broker-url"))
	_ = v.BindPFlag("durable_store_url", rootCmd.PersistentFlags().Lookup("durable-store-url"))
	_ = v.BindPFlag("jwt_secret", rootCmd.PersistentFlags().Lookup("jwt-secret"))
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
	log := logging.ServiceLogger(root, "apiserver", "dev")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := durable.NewPostgresStore(ctx, cfg.DurableStoreURL)
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

	q, err := queue.NewQueue(ctx, queue.Config{RedisURL: cfg.BrokerURL, MaxRetries: cfg.MaxRetries, TransientKeywords: cfg.TransientErrorKeywords})
	if err != nil {
		return fmt.Errorf("connecting queue: %w", err)
	}
	defer q.Close()

	sched := scheduler.New(scheduler.DefaultConfig(), scheduler.DefaultQueueMap())
	orch := orchestrator.New(store, q, sched, log.WithField("component", "orchestrator"))

	verifier := tokenverifier.New(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTExpiry)

	httpCfg := httpapi.DefaultConfig()
	httpCfg.Port = httpapi.PortFrom(cfg.HTTPAddr, httpCfg.Port)
	e := httpapi.NewEchoServer(httpCfg, log)

	e.GET("/health", httpapi.HealthCheckHandler(cfg.ServiceName, "dev", func() map[string]any {
		return map[string]any{"durable_store": "connected"}
	}))

	authed := e.Group("/api/v1", httpapi.AuthMiddleware(verifier))
	httpapi.NewRunHandlers(store, orch).Register(authed)
	httpapi.NewEventHandlers(store).Register(authed)
	httpapi.NewContentHandlers(store, store, blobstore.NewMemory()).Register(authed)

	go func() {
		if err := httpapi.StartServer(e, httpCfg); err != nil {
			log.WithError(err).Info("http server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	return httpapi.GracefulShutdown(context.Background(), e, httpCfg.ShutdownTimeout)
}
