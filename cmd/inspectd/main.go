package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/csinspect/inspectd/internal/bot"
	"github.com/csinspect/inspectd/internal/cache"
	"github.com/csinspect/inspectd/internal/config"
	"github.com/csinspect/inspectd/internal/gamedata"
	"github.com/csinspect/inspectd/internal/gc"
	"github.com/csinspect/inspectd/internal/metrics"
	"github.com/csinspect/inspectd/internal/queue"
	"github.com/csinspect/inspectd/internal/server"
	"github.com/csinspect/inspectd/internal/service"
)

var (
	configPath    string
	steamDataPath string
)

var rootCmd = &cobra.Command{
	Use:   "inspectd",
	Short: "Inspect link resolver backed by a fleet of game-coordinator sessions",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVarP(&steamDataPath, "steam_data", "s", "", "Override bot_settings.steam_data_directory")
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if steamDataPath != "" {
		cfg.BotSettings.SteamDataDirectory = steamDataPath
	}
	applyLogLevel(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	reg := metrics.NewRegistry(promReg)

	resultCache := cache.New(cache.DefaultMaxEntries, cache.DefaultTTL)
	resultCache.Start(cache.DefaultCleanupInterval)
	defer resultCache.Stop()

	var decorator *gamedata.Decorator
	if cfg.GameFiles.Enable {
		decorator = gamedata.New(cfg.GameFiles.URL)
		decorator.Start(cfg.GameFiles.UpdateInterval())
		defer decorator.Stop()
	}

	controller := bot.NewController()
	settings := bot.Settings{
		RequestDelay:          cfg.BotSettings.RequestDelay(),
		RequestTTL:            cfg.BotSettings.RequestTTL(),
		MaxConcurrentRequests: cfg.BotSettings.MaxConcurrentRequests,
		ConnectionTimeout:     cfg.BotSettings.ConnectionTimeout(),
		LoginRetryDelay:       cfg.BotSettings.LoginRetryDelay(),
		MaxLoginAttempts:      cfg.BotSettings.MaxLoginAttempts,
		GCReconnectDelay:      cfg.BotSettings.GCReconnectDelay(),
		ReloginInterval:       cfg.BotSettings.ReloginInterval(),
		QueueSize:             cfg.BotSettings.QueueSize,
	}
	for i, login := range cfg.Logins {
		session := gc.NewWebSocketSession(cfg.BotSettings.GatewayURL, cfg.ProxyFor(i))
		controller.AddBot(ctx, bot.New(bot.Credential{
			Username:     login.Username,
			Password:     login.Password,
			SharedSecret: login.SharedSecret,
		}, settings, session))
	}
	log.Info().
		Int("bots", controller.BotCount()).
		Int("proxies", len(cfg.Proxies)).
		Msg("Fleet configured")

	svc := service.New(controller, resultCache, decorator, reg)
	q := queue.New(controller, svc.Handle)
	svc.Bind(q)
	q.Start(ctx)
	svc.StartMetricsLoop(ctx, time.Second)

	srv, err := server.New(server.Config{
		Host:                    cfg.HTTP.Host,
		Port:                    cfg.HTTP.Port,
		APIKey:                  cfg.APIKey,
		PriceKey:                cfg.PriceKey,
		MaxSimultaneousRequests: cfg.MaxSimultaneousRequests,
		MaxQueueSize:            cfg.MaxQueueSize,
		MaxAttempts:             cfg.BotSettings.MaxAttempts,
		AllowedOrigins:          cfg.AllowedOrigins,
		AllowedRegexOrigins:     cfg.AllowedRegexOrigins,
		TrustProxy:              cfg.TrustProxy,
		RateLimitEnable:         cfg.RateLimit.Enable,
		RateLimitWindow:         cfg.RateLimit.Window(),
		RateLimitMax:            cfg.RateLimit.Max,
	}, server.Deps{
		Queue:    q,
		Bots:     controller,
		Cache:    resultCache,
		Resolver: svc,
		Metrics:  reg,
		Gatherer: promReg,
	})
	if err != nil {
		return err
	}

	// Cancel on SIGINT/SIGTERM; bots log off and queued entries are
	// rejected before the listener drains.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
	}()

	return srv.Run(ctx)
}

func applyLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("log_level", level).Msg("Unknown log level, using info")
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
