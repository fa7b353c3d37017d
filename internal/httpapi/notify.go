package httpapi

import (
	"context"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/suPer8Hu/mediation/internal/chat"
	"github.com/suPer8Hu/mediation/internal/common"
)

// PushQueue hands push job ids to the worker. *rabbitmq.Publisher
// satisfies it.
type PushQueue interface {
	PublishJob(ctx context.Context, jobID string) error
}

const previewRunes = 120

// Notifier fans saved-message side effects out to the realtime publisher
// and, for assistant replies, to the push queue. Either may be nil.
type Notifier struct {
	realtime chat.Notifier
	repo     *chat.Repo
	queue    PushQueue
	log      zerolog.Logger
}

func NewNotifier(rt chat.Notifier, repo *chat.Repo, queue PushQueue, log zerolog.Logger) *Notifier {
	return &Notifier{realtime: rt, repo: repo, queue: queue, log: log.With().Str("component", "notifier").Logger()}
}

func (n *Notifier) MessageSaved(ctx context.Context, sess *chat.Session, userID uint64, item chat.Item) {
	if n.realtime != nil {
		n.realtime.MessageSaved(ctx, sess, userID, item)
	}
	if n.queue != nil && item.Type == chat.ItemAIMessage {
		if err := n.enqueuePush(context.WithoutCancel(ctx), sess, userID, item); err != nil {
			n.log.Warn().Err(err).Str("session_id", sess.SessionID).Str("item_id", item.ID).Msg("push enqueue failed")
		}
	}
}

func (n *Notifier) ProgressChanged(ctx context.Context, sess *chat.Session, userID uint64, p chat.Progress) {
	if n.realtime != nil {
		n.realtime.ProgressChanged(ctx, sess, userID, p)
	}
}

func (n *Notifier) ReplyFailed(ctx context.Context, sess *chat.Session, userID uint64, aiMessageID string, err error) {
	if n.realtime != nil {
		n.realtime.ReplyFailed(ctx, sess, userID, aiMessageID, err)
	}
}

func (n *Notifier) enqueuePush(ctx context.Context, sess *chat.Session, userID uint64, item chat.Item) error {
	id, err := common.NewULID()
	if err != nil {
		return err
	}
	job := &chat.PushJob{
		ID:        id,
		UserID:    userID,
		SessionID: sess.SessionID,
		Title:     "New reply",
		Body:      preview(item.Content),
		Status:    chat.PushQueued,
	}
	if err := n.repo.CreatePushJob(ctx, job); err != nil {
		return err
	}
	return n.queue.PublishJob(ctx, job.ID)
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	r := []rune(s)
	return string(r[:previewRunes-1]) + "…"
}
