package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/file-relay-go/internal/config"
	"github.com/openclaw/file-relay-go/internal/envelope"
	"github.com/openclaw/file-relay-go/internal/handler"
	"github.com/openclaw/file-relay-go/internal/jobs"
	"github.com/openclaw/file-relay-go/internal/middleware"
	"github.com/openclaw/file-relay-go/internal/model"
	"github.com/openclaw/file-relay-go/internal/redis"
	"github.com/openclaw/file-relay-go/internal/relay"
	"github.com/openclaw/file-relay-go/internal/service"
	"github.com/openclaw/file-relay-go/internal/sse"
	"github.com/openclaw/file-relay-go/internal/store"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := cfg.IsProduction()
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	// Server-held keys live in memguard enclaves; wipe them on the way out.
	defer memguard.Purge()

	var (
		redisClient  *redis.Client
		sessionStore store.SessionStore
		rateLimiter  middleware.RateChecker
	)

	if cfg.UsesRedis() {
		redisClient, err = redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Msg("redis connected")

		sessionStore = store.NewRedisStore(redisClient, cfg.EncryptionKey)
		rateLimiter = middleware.NewRedisRateLimiter(redisClient.Client)
	} else {
		sessionStore = store.NewMemoryStore()
		rateLimiter = middleware.NewRateLimiter()
		log.Info().Msg("using in-memory session store")
	}

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	sessionService := service.NewSessionService(sessionStore, envelope.NewCodec(), broker, service.SessionOptions{
		KeyDelivery: model.KeyDelivery(cfg.KeyDelivery),
		OneShot:     cfg.OneShot,
	})

	transferRelay := relay.New(sessionService, relay.Options{
		MinTTL:          cfg.MinTTL(),
		MaxTTL:          cfg.MaxTTL(),
		DefaultTTL:      cfg.DefaultTTL(),
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		MaxFiles:        cfg.MaxFiles,
		PublicBaseURL:   cfg.PublicBaseURL,
	})

	rateLimitMiddleware := middleware.NewRateLimitMiddleware(rateLimiter, cfg.RateLimitPerMin, "api")
	lookupGuard := middleware.NewLookupGuard(cfg.FailedLookupBurst, config.FailedLookupRefill)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(cfg.MaxPayloadBytes + config.MultipartOverhead)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	eventsHandler := handler.NewEventsHandler(broker, transferRelay)
	transferHandler := handler.NewTransferHandler(
		transferRelay, eventsHandler, lookupGuard.Handler, config.ServerRequestTimeout,
	)
	healthHandler := handler.NewHealthHandler(transferRelay, broker)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(securityHeadersMiddleware.Handler)

	r.With(chimiddleware.Timeout(config.ServerRequestTimeout)).Get("/health", healthHandler.ServeHTTP)

	r.Route("/v1/transfers", func(r chi.Router) {
		r.Use(rateLimitMiddleware.Handler)
		r.Use(bodyLimitMiddleware.Handler)
		r.Mount("/", transferHandler.Routes())
	})

	sweepJob := jobs.NewSweepJob(sessionService, cfg.SweepInterval())
	sweepJob.Start()
	defer sweepJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().
			Str("addr", cfg.Addr()).
			Str("store", cfg.StoreBackend).
			Str("keyDelivery", cfg.KeyDelivery).
			Int64("maxBodyBytes", bodyLimitMiddleware.MaxSize()).
			Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	// Close event streams first; Shutdown does not interrupt hijacked or
	// long-lived responses.
	broker.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
