package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	httpServer "github.com/adwski/watchsync/backend/server/http"
	websocketServer "github.com/adwski/watchsync/backend/server/websocket"
	"github.com/adwski/watchsync/backend/service"
	store "github.com/adwski/watchsync/backend/storage/memory"
	sw "github.com/adwski/watchsync/backend/switch"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

// config holds env defaults; command line flags override them.
type config struct {
	APIListenAddr string        `env:"WATCHSYNC_API_LISTEN_ADDR" envDefault:":8080"`
	WSListenAddr  string        `env:"WATCHSYNC_WS_LISTEN_ADDR"  envDefault:":3642"`
	LogLevel      string        `env:"WATCHSYNC_LOG_LEVEL"       envDefault:"debug"`
	CORSOrigins   []string      `env:"WATCHSYNC_CORS_ORIGINS"    envDefault:"*" envSeparator:","`
	RoomIdleTTL   time.Duration `env:"WATCHSYNC_ROOM_IDLE_TTL"   envDefault:"0s"`
	ReapInterval  time.Duration `env:"WATCHSYNC_REAP_INTERVAL"   envDefault:"1m"`
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn().Err(err).Msg("failed to load .env")
	}
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse environment")
	}

	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)
	fs.StringVarP(&cfg.APIListenAddr, "api-listen-addr", "a", cfg.APIListenAddr, "api listen address")
	fs.StringVarP(&cfg.WSListenAddr, "ws-listen-addr", "w", cfg.WSListenAddr, "websocket sync listen address")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l", cfg.LogLevel, "log level")
	fs.StringSliceVar(&cfg.CORSOrigins, "cors-origins", cfg.CORSOrigins, "allowed CORS origins for the api")
	fs.DurationVar(&cfg.RoomIdleTTL, "room-idle-ttl", cfg.RoomIdleTTL,
		"evict empty rooms idle for this long, 0 keeps rooms forever")
	fs.DurationVar(&cfg.ReapInterval, "reap-interval", cfg.ReapInterval, "how often idle rooms are checked")
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	var (
		policy       store.EvictionPolicy = store.NeverEvict{}
		reapInterval time.Duration
	)
	if cfg.RoomIdleTTL > 0 {
		policy = store.IdleTimeout{TTL: cfg.RoomIdleTTL}
		reapInterval = cfg.ReapInterval
	}

	svc := service.NewService(service.Config{
		RoomStore:    store.NewMemStore(policy),
		Switch:       sw.NewSwitch(&logger),
		Logger:       &logger,
		ReapInterval: reapInterval,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:         &logger,
		RoomService:    svc,
		ListenAddr:     cfg.APIListenAddr,
		AllowedOrigins: cfg.CORSOrigins,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:      &logger,
		SyncService: svc,
		ListenAddr:  cfg.WSListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(3)
	go svc.Run(ctx, wg)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
