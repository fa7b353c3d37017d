package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/mediation/internal/chat"
	"github.com/suPer8Hu/mediation/internal/store/rabbitmq"
)

const maxAttempts = 3

var errNoTokens = errors.New("no push tokens registered")

// Sender delivers one notification to one device.
type Sender interface {
	Send(ctx context.Context, tok chat.PushToken, job *chat.PushJob) error
}

// logSender stands in for a platform push gateway.
type logSender struct {
	log zerolog.Logger
}

func (s logSender) Send(_ context.Context, tok chat.PushToken, job *chat.PushJob) error {
	s.log.Info().
		Str("job_id", job.ID).
		Str("platform", tok.Platform).
		Str("session_id", job.SessionID).
		Str("title", job.Title).
		Msg("push delivered")
	return nil
}

type retrier interface {
	PublishRetry(ctx context.Context, m rabbitmq.PushMessage, delay time.Duration) error
}

type jobHandler struct {
	repo   *chat.Repo
	sender Sender
	retry  retrier
	log    zerolog.Logger
}

func backoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}

// handle delivers a push job to every device of its user. A nil return means
// the delivery can be acked: the job was sent, was already handled, or was
// parked on the retry queue.
func (h *jobHandler) handle(ctx context.Context, m rabbitmq.PushMessage) error {
	jobStart := time.Now()

	job, err := h.repo.GetPushJob(ctx, m.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status != chat.PushQueued {
		h.log.Debug().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("job already handled")
		return nil
	}

	tokens, err := h.repo.ListPushTokens(ctx, job.UserID)
	if err != nil {
		return fmt.Errorf("list tokens: %w", err)
	}
	if len(tokens) == 0 {
		_ = h.repo.MarkPushFailed(ctx, job.ID, errNoTokens.Error())
		h.log.Info().Str("job_id", job.ID).Uint64("user_id", job.UserID).Msg("push skipped, no devices")
		return nil
	}

	var delivered int
	var lastErr error
	for _, tok := range tokens {
		if err := h.sender.Send(ctx, tok, job); err != nil {
			lastErr = err
			h.log.Warn().Err(err).Str("job_id", job.ID).Str("platform", tok.Platform).Msg("push send failed")
			continue
		}
		delivered++
	}

	if delivered > 0 {
		if err := h.repo.MarkPushSent(ctx, job.ID); err != nil {
			return fmt.Errorf("mark sent: %w", err)
		}
		if total := time.Since(jobStart); total > 2*time.Second {
			h.log.Warn().Str("job_id", job.ID).Dur("total", total).Msg("slow push job")
		}
		return nil
	}

	next := m.Attempt + 1
	if next < maxAttempts && h.retry != nil {
		if err := h.retry.PublishRetry(ctx, rabbitmq.PushMessage{JobID: job.ID, Attempt: next}, backoff(next)); err == nil {
			h.log.Info().Str("job_id", job.ID).Int("attempt", next).Msg("push retry scheduled")
			return nil
		}
	}
	_ = h.repo.MarkPushFailed(ctx, job.ID, lastErr.Error())
	return lastErr
}

// consume runs a fixed pool of workers over msgs until ctx is cancelled or
// msgs is closed. Undecodable and failed deliveries are nacked without
// requeue so they land on the dead-letter queue.
func consume(ctx context.Context, msgs <-chan amqp.Delivery, concurrency int, handle func(context.Context, rabbitmq.PushMessage) error, log zerolog.Logger) {
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			wlog := log.With().Int("worker", workerID).Logger()
			for d := range jobs {
				var m rabbitmq.PushMessage
				if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
					wlog.Warn().Err(err).Msg("bad message")
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := handle(ctx, m); err != nil {
					wlog.Error().Err(err).Str("job_id", m.JobID).Dur("cost", time.Since(start)).Msg("job failed")
					_ = d.Nack(false, false)
					continue
				}
				if err := d.Ack(false); err != nil {
					wlog.Warn().Err(err).Str("job_id", m.JobID).Msg("ack failed")
				}
			}
		}(i)
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("worker shutting down")
			return
		case d, ok := <-msgs:
			if !ok {
				log.Warn().Msg("delivery channel closed")
				return
			}
			jobs <- d
		}
	}
}
