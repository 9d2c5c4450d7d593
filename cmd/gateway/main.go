// Command gateway runs the collaboration gateway: the WebSocket upgrade
// endpoint, presence sweeping, backpressure sampling, and cross-node
// Redis pub/sub.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"forge.control/internal/backpressure"
	"forge.control/internal/config"
	"forge.control/internal/gateway"
	"forge.control/internal/httpapi"
	"forge.control/internal/logging"
	"forge.control/internal/tokenverifier"
)

var (
	cfgFile string
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the collaborative-editing WebSocket gateway",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./gateway.yaml)")
	rootCmd.PersistentFlags().String("http-addr", ":8083", "HTTP listen address")
	rootCmd.PersistentFlags().String("broker-url", "redis://localhost:6379/0", "Redis broker URL")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HMAC secret for bearer tokens")

	_ = v.BindPFlag("http_addr", rootCmd.PersistentFlags().Lookup("http-addr"))
	_ = v.BindPFlag("broker_url", rootCmd.PersistentFlags().Lookup("broker-url"))
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
	log := logging.ServiceLogger(root, "gateway", "dev")

	redisOpts, err := redis.ParseURL(cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parsing broker url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	gwCfg := gateway.DefaultConfig()
	gwCfg.Breaker.ActivationThreshold = cfg.ActivationThreshold
	gwCfg.Breaker.DeactivationThreshold = cfg.DeactivationThreshold
	gwCfg.Breaker.OpenDuration = cfg.OpenDuration
	gwCfg.Breaker.HalfOpenMaxRequests = cfg.HalfOpenMaxRequests

	sourcePod, _ := os.Hostname()
	if sourcePod == "" {
		sourcePod = "gateway-" + uuid.NewString()[:8]
	}
	gw := gateway.New(gwCfg, redisClient, sourcePod, log.WithField("component", "gateway"))

	verifier := tokenverifier.New(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTExpiry)

	httpCfg := httpapi.DefaultConfig()
	httpCfg.Port = httpapi.PortFrom(cfg.HTTPAddr, 8083)
	e := httpapi.NewEchoServer(httpCfg, log)
	e.GET("/health", httpapi.HealthCheckHandler(cfg.ServiceName, "dev", func() map[string]any {
		return map[string]any{"breaker": gw.Breaker().State().String()}
	}))

	authed := e.Group("/ws", httpapi.AuthMiddleware(verifier))
	httpapi.NewGatewayHandlers(gw).Register(authed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sampleBackpressure(ctx, gw)

	go func() {
		if err := httpapi.StartServer(e, httpCfg); err != nil {
			log.WithError(err).Info("http server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()
	return httpapi.GracefulShutdown(context.Background(), e, httpCfg.ShutdownTimeout)
}

// sampleBackpressure feeds the breaker a fresh load reading every few
// seconds from live process and gateway counters.
func sampleBackpressure(ctx context.Context, gw *gateway.Gateway) {
	const (
		connCap    = 10_000
		channelCap = 5_000
		queueCap   = 10_000
		memCapMB   = 4 * 1024
	)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			ratios := backpressure.Ratios{
				WebSocketConnections: float64(gw.ConnectionCount()) / connCap,
				PubSubChannels:       float64(gw.SubscriptionCount()) / channelCap,
				OTQueueDepth:         float64(gw.PendingOperations()) / queueCap,
				ResidentMemory:       float64(m.Sys) / (memCapMB * 1024 * 1024),
			}
			gw.Breaker().Sample(backpressure.Value(ratios, backpressure.DefaultWeights()))
		}
	}
}
