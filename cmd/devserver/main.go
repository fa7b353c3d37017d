// Command devserver runs the mediation backend contract locally.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/mediation/internal/chat"
	"github.com/suPer8Hu/mediation/internal/config"
	"github.com/suPer8Hu/mediation/internal/db"
	"github.com/suPer8Hu/mediation/internal/httpapi"
	"github.com/suPer8Hu/mediation/internal/httpapi/handlers"
	"github.com/suPer8Hu/mediation/internal/logger"
	"github.com/suPer8Hu/mediation/internal/store/rabbitmq"
	"github.com/suPer8Hu/mediation/internal/store/redisstore"
)

func main() {
	cfg := config.Load()
	root := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log := logger.Component(root, "devserver")
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	gdb, err := db.Open(cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db open")
	}
	h, err := handlers.NewHandler(gdb, cfg, nil, root)
	if err != nil {
		log.Fatal().Err(err).Msg("handler")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := seed(ctx, h, log); err != nil {
		log.Fatal().Err(err).Msg("seed")
	}

	var rt chat.Notifier
	if store := connectRedis(ctx, cfg, root); store != nil {
		defer store.Close()
		rt = store
	}
	var queue httpapi.PushQueue
	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Fatal().Err(err).Msg("rabbit publisher")
		}
		defer pub.Close()
		queue = pub
	}
	h.ChatSvc.SetNotifier(httpapi.NewNotifier(rt, h.Repo, queue, root))

	router := httpapi.NewRouter(h, httpapi.Metrics{
		Registerer: prometheus.DefaultRegisterer,
		Gatherer:   prometheus.DefaultGatherer,
	}, root)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("shutdown")
		}
	}()

	log.Info().
		Str("addr", cfg.ListenAddr).
		Str("ai_provider", cfg.AIProvider).
		Bool("realtime", rt != nil).
		Bool("push_queue", queue != nil).
		Msg("devserver listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("listen")
	}
}

// connectRedis returns nil when Redis is unreachable; the server then runs
// without realtime events.
func connectRedis(ctx context.Context, cfg config.Config, log zerolog.Logger) *redisstore.Store {
	store := redisstore.New(redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}), log)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, realtime disabled")
		_ = store.Close()
		return nil
	}
	return store
}

// seed creates two demo accounts and a fresh session between them.
func seed(ctx context.Context, h *handlers.Handler, log zerolog.Logger) error {
	demo, err := h.SeedUser(ctx, "demo@example.test", "Demo", "demo")
	if err != nil {
		return err
	}
	partner, err := h.SeedUser(ctx, "partner@example.test", "Partner", "partner")
	if err != nil {
		return err
	}
	sess, err := h.ChatSvc.CreateSession(ctx, demo.ID, partner.ID, partner.Name)
	if err != nil {
		return err
	}
	log.Info().
		Str("email", demo.Email).
		Str("session_id", sess.SessionID).
		Msg("demo account ready")
	return nil
}
