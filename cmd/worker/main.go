// Command worker delivers queued push notifications.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/mediation/internal/chat"
	"github.com/suPer8Hu/mediation/internal/config"
	"github.com/suPer8Hu/mediation/internal/db"
	"github.com/suPer8Hu/mediation/internal/logger"
	"github.com/suPer8Hu/mediation/internal/store/rabbitmq"
)

func main() {
	cfg := config.Load()
	log := logger.Component(logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty}), "worker")
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.RabbitURL == "" {
		log.Fatal().Msg("RABBIT_URL is required")
	}

	gdb, err := db.Open(cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db open")
	}
	repo := chat.NewRepo(gdb)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit dial")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit channel")
	}
	defer ch.Close()

	if err := rabbitmq.DeclareQueues(ch, cfg.RabbitQueue); err != nil {
		log.Fatal().Err(err).Msg("queue declare")
	}

	concurrency := cfg.WorkerConcurrency
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatal().Err(err).Msg("qos")
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("consume")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := &jobHandler{
		repo:   repo,
		sender: logSender{log: log},
		retry:  rabbitmq.NewChannelPublisher(ch, cfg.RabbitQueue),
		log:    log,
	}

	log.Info().Str("queue", cfg.RabbitQueue).Int("concurrency", concurrency).Msg("worker started")
	consume(ctx, msgs, concurrency, h.handle, log)
}
