// Package conversation ties one open session together: the timeline cache,
// streamed sends, the animation sequencer, the query store and the session's
// realtime channel.
package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/suPer8Hu/mediation/internal/animation"
	"github.com/suPer8Hu/mediation/internal/api"
	"github.com/suPer8Hu/mediation/internal/chat"
	"github.com/suPer8Hu/mediation/internal/common"
	"github.com/suPer8Hu/mediation/internal/logger"
	"github.com/suPer8Hu/mediation/internal/query"
	"github.com/suPer8Hu/mediation/internal/realtime"
	"github.com/suPer8Hu/mediation/internal/stream"
	"github.com/suPer8Hu/mediation/internal/timeline"
)

var ErrEmptyMessage = errors.New("conversation: message is empty")

// Backend is the part of the HTTP API a conversation uses. *api.Client
// satisfies it.
type Backend interface {
	timeline.Fetcher
	SendMessage(ctx context.Context, sessionID, content string) (api.SendResult, error)
	SessionDetail(ctx context.Context, sessionID string) (chat.SessionDetail, error)
	Progress(ctx context.Context, sessionID string) (chat.Progress, error)
}

type Options struct {
	PageSize int
	Throttle time.Duration
	// Store is shared between conversations; a private one is created when nil.
	Store  *query.Store
	Source stream.Source
	// Realtime is optional; without it the conversation only sees its own
	// requests.
	Realtime      *realtime.Manager
	StreamMetrics *stream.Metrics
	Logger        zerolog.Logger
	Now           func() time.Time
}

type Controller struct {
	sessionID string
	backend   Backend
	store     *query.Store
	cache     *timeline.Cache
	stream    *stream.Reassembler
	seq       *animation.Sequencer
	log       zerolog.Logger
	now       func() time.Time

	mu          sync.Mutex
	selfID      string
	channel     *realtime.Channel
	unsubscribe []func()
	streamAI    string
	lastAIError string
	closed      bool

	// reload requests coalesce into one pending signal
	reload     chan struct{}
	stopReload context.CancelFunc
	reloadDone chan struct{}
}

// Open loads the newest page of the session, records the animation marker
// and joins the session channel when realtime is configured. From then on
// every invalidation of the session's timeline key reloads the newest page.
func Open(ctx context.Context, sessionID string, backend Backend, opts Options) (*Controller, error) {
	if opts.Store == nil {
		opts.Store = query.New(query.Options{Logger: opts.Logger})
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := logger.Session(logger.Component(opts.Logger, "conversation"), sessionID)

	c := &Controller{
		sessionID: sessionID,
		backend:   backend,
		store:     opts.Store,
		cache:     timeline.New(sessionID, backend, opts.PageSize, opts.Logger),
		seq:       animation.New(),
		log:       log,
		now:       opts.Now,
	}
	if opts.Source != nil {
		c.stream = stream.New(sessionID, opts.Source, c.cache, stream.Options{
			Throttle:   opts.Throttle,
			OnMetadata: c.applyMetadata,
			Metrics:    opts.StreamMetrics,
			Logger:     opts.Logger,
			Now:        opts.Now,
		})
		c.unsubscribe = append(c.unsubscribe, c.stream.Subscribe(c.onStream))
	}

	if err := c.cache.Load(ctx); err != nil {
		return nil, err
	}
	c.seq.MarkInitialLoad(c.cache.Items(), c.now())
	c.store.Set(query.TimelineKey(sessionID), c.cache)

	reloadCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	c.reload = make(chan struct{}, 1)
	c.stopReload = stop
	c.reloadDone = make(chan struct{})
	c.unsubscribe = append(c.unsubscribe, c.store.Subscribe(query.TimelineKey(sessionID), c.onTimelineKey))
	go c.reloadLoop(reloadCtx)

	if opts.Realtime != nil {
		c.join(ctx, opts.Realtime)
	}
	return c, nil
}

// join subscribes to the session channel. Realtime failures degrade the
// conversation instead of failing it.
func (c *Controller) join(ctx context.Context, m *realtime.Manager) {
	ch, err := m.Acquire(ctx, realtime.SessionChannel(c.sessionID))
	if err != nil {
		c.log.Warn().Err(err).Msg("realtime unavailable")
		return
	}
	unsub := ch.Subscribe(c.HandleRealtime)
	if err := ch.Enter(ctx, nil); err != nil {
		c.log.Warn().Err(err).Msg("presence enter failed")
	}
	c.mu.Lock()
	c.channel = ch
	c.selfID = m.UserID()
	c.unsubscribe = append(c.unsubscribe, unsub)
	c.mu.Unlock()
}

// onTimelineKey queues a reload once the timeline entry is invalidated.
func (c *Controller) onTimelineKey(key query.Key) {
	if !c.store.Invalidated(key) {
		return
	}
	select {
	case c.reload <- struct{}{}:
	default:
	}
}

// reloadLoop refetches the newest page for every queued invalidation.
func (c *Controller) reloadLoop(ctx context.Context) {
	defer close(c.reloadDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.reload:
		}
		if err := c.cache.Load(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn().Err(err).Msg("timeline reload failed")
			continue
		}
		if ctx.Err() != nil {
			return
		}
		c.store.Set(query.TimelineKey(c.sessionID), c.cache)
	}
}

func (c *Controller) SessionID() string               { return c.sessionID }
func (c *Controller) Timeline() *timeline.Cache       { return c.cache }
func (c *Controller) Stream() *stream.Reassembler     { return c.stream }
func (c *Controller) Sequencer() *animation.Sequencer { return c.seq }

// LoadOlder fetches the next older page. Items it brings in never animate.
func (c *Controller) LoadOlder(ctx context.Context) (bool, error) {
	fetched, err := c.cache.FetchNextPage(ctx)
	if err != nil || !fetched {
		return fetched, err
	}
	pages := c.cache.Pages()
	if len(pages) > 0 {
		c.seq.MarkKnown(pages[len(pages)-1].Items)
	}
	return true, nil
}

// Send posts content without streaming. The user item shows immediately
// with status sending; on failure the timeline and the optimistic progress
// bump are rolled back and the error is returned.
func (c *Controller) Send(ctx context.Context, content string) (chat.Item, error) {
	if strings.TrimSpace(content) == "" {
		return chat.Item{}, ErrEmptyMessage
	}
	temp := chat.Item{
		ID:        common.NewOptimisticID(),
		Type:      chat.ItemUserMessage,
		Timestamp: chat.FormatTimestamp(c.now()),
		Content:   content,
		Status:    chat.StatusSending,
	}

	progressKey := query.ProgressKey(c.sessionID)
	snap := c.store.Snapshot(progressKey)
	if _, ok := query.Peek[chat.Progress](c.store, progressKey); ok {
		c.store.Update(progressKey, func(old any, _ bool) any {
			p := old.(chat.Progress)
			p.MessageCount++
			return p
		})
	}
	m := c.cache.BeginMutation(temp)

	res, err := c.backend.SendMessage(ctx, c.sessionID, content)
	if err != nil {
		m.Rollback()
		c.store.Restore(snap)
		c.log.Warn().Err(err).Str("item_id", temp.ID).Msg("send failed, rolled back")
		return chat.Item{}, err
	}

	c.cache.ReplaceItem(temp.ID, res.UserMessage)
	m.Settle()
	if res.AIResponse != nil {
		c.cache.UpsertByID(*res.AIResponse)
	}
	c.store.Invalidate(query.TimelineKey(c.sessionID))
	return res.UserMessage, nil
}

// SendStreaming starts a streamed send; observe it through Stream().
func (c *Controller) SendStreaming(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if c.stream == nil {
		return errors.New("conversation: streaming is not configured")
	}
	c.stream.Send(ctx, content)
	return nil
}

func (c *Controller) onStream(s stream.Snapshot) {
	c.mu.Lock()
	prev := c.streamAI
	if s.AIMessageID != "" {
		c.streamAI = s.AIMessageID
	}
	c.mu.Unlock()

	if prev != "" && s.AIMessageID != "" && prev != s.AIMessageID {
		c.seq.Rename(prev, s.AIMessageID)
	}
	if s.State.Terminal() {
		c.store.Invalidate(query.TimelineKey(c.sessionID))
	}
	if s.State == stream.StateSending {
		c.mu.Lock()
		c.streamAI = ""
		c.mu.Unlock()
	}
}

// applyMetadata merges streamed metadata into the session state entry.
func (c *Controller) applyMetadata(md map[string]any) {
	c.store.Update(query.SessionStateKey(c.sessionID), func(old any, ok bool) any {
		merged := map[string]any{}
		if prev, isMap := old.(map[string]any); ok && isMap {
			for k, v := range prev {
				merged[k] = v
			}
		}
		for k, v := range md {
			merged[k] = v
		}
		return merged
	})
}

// SessionState returns the metadata collected from streamed replies.
func (c *Controller) SessionState() map[string]any {
	md, _ := query.Peek[map[string]any](c.store, query.SessionStateKey(c.sessionID))
	return md
}

type aiErrorPayload struct {
	AIMessageID string `json:"aiMessageId"`
	Message     string `json:"message"`
}

// HandleRealtime applies one channel event. Writes are id-keyed upserts, so
// events may race with the request that caused them.
func (c *Controller) HandleRealtime(ev realtime.Event) {
	log := c.log.With().Str("event", string(ev.Type)).Logger()
	switch ev.Type {
	case realtime.AIResponse:
		var it chat.Item
		if err := ev.Decode(&it); err != nil || it.ID == "" {
			log.Warn().Err(err).Msg("malformed ai response")
			return
		}
		c.cache.UpsertByID(it)
		c.store.Invalidate(query.TimelineKey(c.sessionID))
	case realtime.AIError:
		var p aiErrorPayload
		if err := ev.Decode(&p); err != nil {
			log.Warn().Err(err).Msg("malformed ai error")
			return
		}
		if p.AIMessageID != "" {
			if it, ok := c.cache.Get(p.AIMessageID); ok && !it.Status.Terminal() {
				c.cache.UpsertByID(chat.Item{ID: p.AIMessageID, Status: chat.StatusError})
			}
		}
		c.mu.Lock()
		c.lastAIError = p.Message
		c.mu.Unlock()
	case realtime.StageProgress:
		var p chat.Progress
		if err := ev.Decode(&p); err != nil {
			log.Warn().Err(err).Msg("malformed progress")
			return
		}
		c.store.Set(query.ProgressKey(c.sessionID), p)
		c.store.Invalidate(query.SessionKey(c.sessionID))
	case realtime.SessionEvent:
		c.store.Invalidate(query.TimelineKey(c.sessionID))
	default:
		// presence and typing are tracked by the channel
	}
}

// LastAIError returns the message of the most recent ai.error event.
func (c *Controller) LastAIError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAIError
}

// Detail returns the session detail, fetching it when stale.
func (c *Controller) Detail(ctx context.Context) (chat.SessionDetail, error) {
	return query.Fetch(ctx, c.store, query.SessionKey(c.sessionID), func(ctx context.Context) (chat.SessionDetail, error) {
		return c.backend.SessionDetail(ctx, c.sessionID)
	})
}

// Progress returns the stage progress, fetching it when stale.
func (c *Controller) Progress(ctx context.Context) (chat.Progress, error) {
	return query.Fetch(ctx, c.store, query.ProgressKey(c.sessionID), func(ctx context.Context) (chat.Progress, error) {
		return c.backend.Progress(ctx, c.sessionID)
	})
}

// Typing lists other participants currently typing.
func (c *Controller) Typing() []string {
	c.mu.Lock()
	ch, self := c.channel, c.selfID
	c.mu.Unlock()
	if ch == nil {
		return nil
	}
	var out []string
	for _, id := range ch.Typing() {
		if id != "" && id != self {
			out = append(out, id)
		}
	}
	return out
}

// View is what a screen renders for the session.
type View struct {
	Items   []chat.Item
	States  map[string]animation.State
	Started string
	HasMore bool
	Stream  stream.Snapshot
	Typing  []string
}

// Frame evaluates the timeline against the animation sequencer.
func (c *Controller) Frame() View {
	items := c.cache.Items()
	f := c.seq.Evaluate(items)
	v := View{
		Items:   items,
		States:  f.States,
		Started: f.Started,
		HasMore: c.cache.HasMore(),
		Typing:  c.Typing(),
	}
	if c.stream != nil {
		v.Stream = c.stream.Snapshot()
	}
	return v
}

// AnimationDone reports the end of an item's entrance animation.
func (c *Controller) AnimationDone(id string) {
	c.seq.Complete(id)
}

// Close cancels any running stream, stops timeline reloads, leaves the
// channel and discards the timeline.
func (c *Controller) Close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ch := c.channel
	unsub := c.unsubscribe
	c.channel, c.unsubscribe = nil, nil
	c.mu.Unlock()

	if c.stream != nil {
		c.stream.Cancel()
	}
	for _, fn := range unsub {
		fn()
	}
	c.stopReload()
	<-c.reloadDone
	if ch != nil {
		if err := ch.Leave(ctx); err != nil {
			c.log.Warn().Err(err).Msg("presence leave failed")
		}
		ch.Release()
	}
	c.cache.Clear()
	c.seq.Reset()
	c.store.Remove(query.TimelineKey(c.sessionID))
	c.store.Remove(query.SessionStateKey(c.sessionID))
}
