// README: Entry point; loads config, wires stores and services, runs the HTTP server and the fan-out relay.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"courier/internal/config"
	httptransport "courier/internal/http"
	"courier/internal/http/handlers"
	"courier/internal/infra"
	"courier/internal/maps"
	"courier/internal/modules/courier"
	"courier/internal/modules/gateway"
	"courier/internal/modules/location"
	"courier/internal/modules/notify"
	"courier/internal/modules/order"
	"courier/internal/modules/pricing"
	"courier/internal/modules/realtime"
	"courier/internal/pkg/idgen"
	"courier/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load(os.Getenv("COURIER_CONFIG"))
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger, err := infra.NewLogger(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("courier-api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if enabled, err := infra.InitSentry(cfg.Sentry.DSN, cfg.App.Env); err != nil {
		logger.Warn("sentry init failed", zap.Error(err))
	} else if enabled {
		defer sentry.Flush(2 * time.Second)
	}

	shutdownTracing, err := infra.NewTracerProvider(ctx, cfg.App.Name, cfg.Tracing.Endpoint, cfg.Tracing.SampleRatio)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	// Stores.
	var (
		userStore  courier.Store
		orderStore order.Store
		snapshots  location.SnapshotStore
	)
	switch cfg.DB.Driver {
	case "memory":
		mem := courier.NewMemoryStore()
		userStore = mem
		orderStore = order.NewMemoryStore(mem)
		snapshots = location.NewMemorySnapshots()
		logger.Warn("using in-memory stores; data is lost on restart")
	default:
		pool, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		userStore = courier.NewPGStore(pool, cfg.DB.QueryTimeout)
		orderStore = order.NewPGStore(pool, cfg.DB.QueryTimeout)
		snapshots = location.NewPGSnapshots(pool, cfg.DB.QueryTimeout)
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = infra.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer func() { _ = redisClient.Close() }()
	}

	// Identity, push and the location mirror all hang off the Firebase app.
	var verifier infra.TokenVerifier
	var hubOpts []notify.Option
	var mirror location.Mirror
	if cfg.Auth.FirebaseProjectID != "" {
		app, err := infra.NewFirebaseApp(ctx, cfg.Auth.FirebaseProjectID, cfg.Auth.FirebaseCredentialsFile, cfg.Auth.FirebaseDatabaseURL)
		if err != nil {
			return err
		}
		if cfg.Auth.Provider == "firebase" {
			if verifier, err = infra.NewFirebaseVerifier(ctx, app); err != nil {
				return err
			}
		}
		if cfg.Push.FCMEnabled {
			client, err := infra.NewMessagingClient(ctx, app)
			if err != nil {
				return err
			}
			hubOpts = append(hubOpts, notify.WithPusher(notify.NewFCMPusher(client)))
		}
		if cfg.Auth.FirebaseDatabaseURL != "" {
			client, err := infra.NewDatabaseClient(ctx, app)
			if err != nil {
				return err
			}
			mirror = location.NewRTDBMirror(client)
		}
	}
	if cfg.Auth.Provider == "jwt" {
		verifier = infra.NewJWTVerifier(cfg.Auth.JWTSecret)
	}

	if redisClient != nil {
		hubOpts = append(hubOpts, notify.WithRelay(notify.NewRedisRelay(redisClient, cfg.Redis.FanoutChannel, logger)))
	}
	hub := notify.NewHub(logger, hubOpts...)
	effects := worker.NewPool(cfg.Worker.Workers, cfg.Worker.QueueSize, cfg.Worker.JobTimeout, logger)

	// Services.
	users := courier.NewService(userStore, orderStore, logger)

	deps := order.Deps{
		Store:    orderStore,
		Couriers: userStore,
		Fanout:   hub,
		Effects:  effects,
		Ratings:  order.NewAggregator(orderStore, users, hub, logger),
		Pricing: pricing.NewService(pricing.RateCard{
			Currency:    cfg.Pricing.Currency,
			BaseFee:     cfg.Pricing.BaseFee,
			PerKmFee:    cfg.Pricing.PerKmFee,
			MinimumKm:   cfg.Pricing.MinimumKm,
			PeakPercent: cfg.Pricing.PeakPercent,
			PeakWindows: pricing.DefaultPeakWindows,
		}),
		Numbers: idgen.NewOrderNumbers(cfg.App.MachineID),
		Log:     logger,
	}
	if cfg.Gateway.BaseURL != "" {
		gw, err := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Timeout, cfg.Gateway.MaxRetries, logger)
		if err != nil {
			return err
		}
		deps.Gateway = gw
	}
	routes, err := maps.NewRouteService(cfg.Maps.APIKey, cfg.Maps.AvgSpeedKmh, logger)
	if err != nil {
		return err
	}
	deps.ETA = routes
	orderSvc := order.NewService(deps)

	locDeps := location.Deps{
		Profiles:      users,
		Orders:        orderSvc,
		Snapshots:     snapshots,
		Mirror:        mirror,
		Fanout:        hub,
		Effects:       effects,
		Log:           logger,
		SnapshotEvery: cfg.Location.SnapshotInterval,
		RadiusKm:      cfg.Location.NearbyRadiusKm,
	}
	if redisClient != nil {
		locDeps.Geo = location.NewRedisGeo(redisClient, cfg.Location.GeoKey)
	}
	locSvc := location.NewService(locDeps)

	rt := realtime.NewService(hub, orderSvc, locSvc, realtime.Options{
		SendBuffer:   cfg.Realtime.SendBuffer,
		InboundRate:  cfg.Realtime.InboundRate,
		InboundBurst: cfg.Realtime.InboundBurst,
	}, logger)

	if !cfg.Development() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httptransport.NewRouter(httptransport.RouterDeps{
		ServiceName: cfg.App.Name,
		Development: cfg.Development(),
		Gzip:        cfg.HTTP.Gzip,
		Verifier:    verifier,
		Couriers:    users,
		Orders:      orderSvc,
		Location:    locSvc,
		Realtime:    rt,
		WS: handlers.WSOptions{
			PingInterval: cfg.Realtime.PingInterval,
			IdleTimeout:  cfg.Realtime.IdleTimeout,
		},
		Log: logger,
	})

	server := &http.Server{
		Addr:        cfg.HTTP.Addr,
		Handler:     router,
		ReadTimeout: cfg.HTTP.ReadTimeout,
		// No WriteTimeout: it would cut long-lived websocket sessions.
		IdleTimeout: 2 * cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTP.Addr), zap.String("env", cfg.App.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("component failed, shutting down", zap.Error(err))
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := effects.Shutdown(sctx); err != nil {
		logger.Warn("side-effect pool did not drain", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
