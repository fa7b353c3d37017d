// Package redisstore publishes server-side session events on the channels
// the realtime clients subscribe to.
package redisstore

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/mediation/internal/chat"
	"github.com/suPer8Hu/mediation/internal/realtime"
)

// SenderID marks events published by the backend itself.
const SenderID = "server"

const publishTimeout = 2 * time.Second

type Store struct {
	rdb *redis.Client
	log zerolog.Logger
}

func New(rdb *redis.Client, log zerolog.Logger) *Store {
	return &Store{rdb: rdb, log: log.With().Str("component", "redisstore").Logger()}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Publish sends ev on channel, returning the number of receivers.
func (s *Store) Publish(ctx context.Context, channel string, ev realtime.Event) (int64, error) {
	if ev.SenderID == "" {
		ev.SenderID = SenderID
	}
	if ev.SentAt.IsZero() {
		ev.SentAt = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return 0, err
	}
	return s.rdb.Publish(ctx, channel, b).Result()
}

// send publishes to the session channel addressed to one participant. It
// outlives the request that triggered it.
func (s *Store) send(ctx context.Context, typ realtime.EventType, sess *chat.Session, userID uint64, data any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	ev, err := realtime.NewEvent(typ, sess.SessionID, data)
	if err != nil {
		s.log.Error().Err(err).Str("event", string(typ)).Msg("encode event")
		return
	}
	ev.RecipientID = strconv.FormatUint(userID, 10)
	if _, err := s.Publish(ctx, realtime.SessionChannel(sess.SessionID), ev); err != nil {
		s.log.Warn().Err(err).Str("event", string(typ)).Str("session_id", sess.SessionID).Msg("publish failed")
	}
}

// MessageSaved announces assistant replies as ai.response and every other
// stored item as session.event.
func (s *Store) MessageSaved(ctx context.Context, sess *chat.Session, userID uint64, item chat.Item) {
	typ := realtime.SessionEvent
	if item.Type == chat.ItemAIMessage {
		typ = realtime.AIResponse
	}
	s.send(ctx, typ, sess, userID, item)
}

func (s *Store) ProgressChanged(ctx context.Context, sess *chat.Session, userID uint64, p chat.Progress) {
	s.send(ctx, realtime.StageProgress, sess, userID, p)
}

type replyFailure struct {
	AIMessageID string `json:"aiMessageId,omitempty"`
	Message     string `json:"message"`
}

func (s *Store) ReplyFailed(ctx context.Context, sess *chat.Session, userID uint64, aiMessageID string, err error) {
	s.send(ctx, realtime.AIError, sess, userID, replyFailure{AIMessageID: aiMessageID, Message: err.Error()})
}
