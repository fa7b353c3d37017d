// Package stream turns the streamed send of one message into a single
// growing AI item in the timeline and exactly one terminal outcome.
package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/mediation/internal/api"
	"github.com/suPer8Hu/mediation/internal/chat"
	"github.com/suPer8Hu/mediation/internal/common"
	"github.com/suPer8Hu/mediation/internal/sse"
)

type State string

const (
	StateIdle      State = "idle"
	StateSending   State = "sending"
	StateStreaming State = "streaming"
	StateComplete  State = "complete"
	StateError     State = "error"
)

// Terminal reports whether the send has resolved.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateError
}

// Snapshot is the externally visible state of the current send.
type Snapshot struct {
	State         State
	Content       string
	ErrorMessage  string
	AIMessageID   string
	UserMessageID string
}

// Sink receives timeline writes. *timeline.Cache satisfies it.
type Sink interface {
	ReplaceItem(oldID string, item chat.Item)
	UpsertByID(item chat.Item)
	Remove(id string) bool
}

// DefaultThrottle bounds how often streamed text is written to the sink.
const DefaultThrottle = 50 * time.Millisecond

var ErrNothingToRetry = errors.New("stream: nothing to retry")

type Options struct {
	Throttle time.Duration
	// OnMetadata receives out-of-band metadata, at most once per send for
	// the finalizing events.
	OnMetadata func(map[string]any)
	Metrics    *Metrics
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Metrics counts stream outcomes. Share one instance per registry.
type Metrics struct {
	outcomes *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_outcomes_total",
		Help: "Streamed sends by terminal outcome.",
	}, []string{"outcome"})}
	if reg != nil {
		reg.MustRegister(m.outcomes)
	}
	return m
}

func (m *Metrics) observe(outcome string) {
	if m != nil {
		m.outcomes.WithLabelValues(outcome).Inc()
	}
}

type sendParams struct {
	content string
	// tempID is reused by Retry while the user item is still unconfirmed
	tempID    string
	timestamp string
}

// Reassembler drives one send at a time for one session. A new Send or
// Retry supersedes the previous one.
type Reassembler struct {
	sessionID  string
	src        Source
	sink       Sink
	throttle   time.Duration
	onMetadata func(map[string]any)
	metrics    *Metrics
	log        zerolog.Logger
	now        func() time.Time

	// writeMu orders sink writes with the state checks that precede them.
	writeMu sync.Mutex

	mu        sync.Mutex
	gen       uint64
	state     State
	text      strings.Builder
	errMsg    string
	finalized bool
	confirmed bool
	userID    string
	aiID      string
	aiTS      string
	placed    bool // placeholder written to the sink
	lastFlush time.Time
	timer     *time.Timer
	events    Events
	cancel    context.CancelFunc
	done      chan struct{}
	last      *sendParams

	lmu       sync.Mutex
	listeners map[int]func(Snapshot)
	nextID    int
}

func New(sessionID string, src Source, sink Sink, opts Options) *Reassembler {
	if opts.Throttle <= 0 {
		opts.Throttle = DefaultThrottle
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	done := make(chan struct{})
	close(done)
	return &Reassembler{
		sessionID:  sessionID,
		src:        src,
		sink:       sink,
		throttle:   opts.Throttle,
		onMetadata: opts.OnMetadata,
		metrics:    opts.Metrics,
		log:        opts.Logger.With().Str("component", "stream").Str("session_id", sessionID).Logger(),
		now:        opts.Now,
		state:      StateIdle,
		done:       done,
		listeners:  make(map[int]func(Snapshot)),
	}
}

func (r *Reassembler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Reassembler) snapshotLocked() Snapshot {
	s := Snapshot{State: r.state, ErrorMessage: r.errMsg, AIMessageID: r.aiID, UserMessageID: r.userID}
	if r.state != StateError {
		s.Content = r.text.String()
	}
	return s
}

// Subscribe calls fn with a snapshot after every state change and flush.
func (r *Reassembler) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	r.lmu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.lmu.Unlock()
	return func() {
		r.lmu.Lock()
		delete(r.listeners, id)
		r.lmu.Unlock()
	}
}

func (r *Reassembler) notify() {
	snap := r.Snapshot()
	r.lmu.Lock()
	fns := make([]func(Snapshot), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.lmu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// Send inserts an optimistic user item and starts streaming the reply in
// the background. Progress is observed through Snapshot, Subscribe or Wait.
func (r *Reassembler) Send(ctx context.Context, content string) {
	r.start(ctx, sendParams{content: content})
}

// Retry repeats the last send with the same content.
func (r *Reassembler) Retry(ctx context.Context) error {
	r.mu.Lock()
	p := r.last
	confirmed := r.confirmed
	r.mu.Unlock()
	if p == nil {
		return ErrNothingToRetry
	}
	next := sendParams{content: p.content}
	if !confirmed {
		next.tempID, next.timestamp = p.tempID, p.timestamp
	}
	r.start(ctx, next)
	return nil
}

func (r *Reassembler) start(ctx context.Context, p sendParams) {
	if p.tempID == "" {
		p.tempID = common.NewOptimisticID()
		p.timestamp = chat.FormatTimestamp(r.now())
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	r.writeMu.Lock()
	r.mu.Lock()
	prevEvents, prevCancel := r.events, r.cancel
	r.resetLocked()
	r.gen++
	gen := r.gen
	r.state = StateSending
	r.userID = p.tempID
	r.cancel = cancel
	r.done = done
	r.last = &p
	r.mu.Unlock()

	// a retried item may already be marked failed; overwrite it wholesale
	r.sink.ReplaceItem(p.tempID, chat.Item{
		ID:        p.tempID,
		Type:      chat.ItemUserMessage,
		Timestamp: p.timestamp,
		Content:   p.content,
		Status:    chat.StatusSending,
	})
	r.writeMu.Unlock()

	closeConn(prevEvents, prevCancel)
	r.log.Debug().Str("item_id", p.tempID).Msg("send started")
	r.notify()

	go r.run(ctx, cancel, gen, p, done)
}

// resetLocked clears per-send state and drops any pending flush.
func (r *Reassembler) resetLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.text.Reset()
	r.errMsg = ""
	r.finalized = false
	r.confirmed = false
	r.userID = ""
	r.aiID = ""
	r.aiTS = ""
	r.placed = false
	r.lastFlush = time.Time{}
	r.events = nil
	r.cancel = nil
}

func closeConn(ev Events, cancel context.CancelFunc) {
	if ev != nil {
		_ = ev.Close()
	}
	if cancel != nil {
		cancel()
	}
}

// Cancel closes the connection of the current send, discards any pending
// flush and returns to idle.
func (r *Reassembler) Cancel() {
	r.mu.Lock()
	if r.state == StateIdle {
		r.mu.Unlock()
		return
	}
	wasActive := !r.state.Terminal()
	ev, cancel := r.events, r.cancel
	r.gen++
	userID, aiID := r.userID, r.aiID
	r.resetLocked()
	r.userID, r.aiID = userID, aiID
	r.state = StateIdle
	r.mu.Unlock()

	closeConn(ev, cancel)
	if wasActive {
		r.metrics.observe("cancelled")
	}
	r.log.Debug().Msg("send cancelled")
	r.notify()
}

// Wait blocks until the current send ends or ctx is done.
func (r *Reassembler) Wait(ctx context.Context) (Snapshot, error) {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	select {
	case <-done:
		return r.Snapshot(), nil
	case <-ctx.Done():
		return r.Snapshot(), ctx.Err()
	}
}

func (r *Reassembler) current(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen == gen
}

func (r *Reassembler) run(ctx context.Context, cancel context.CancelFunc, gen uint64, p sendParams, done chan struct{}) {
	defer close(done)
	defer cancel()

	events, err := r.src.StreamMessage(ctx, r.sessionID, p.content)
	if err != nil {
		r.fail(gen, openErrorMessage(err))
		return
	}
	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		_ = events.Close()
		return
	}
	r.events = events
	r.mu.Unlock()
	defer events.Close()

	for {
		ev, err := events.Next()
		if err != nil {
			if !r.current(gen) {
				return
			}
			if errors.Is(err, io.EOF) {
				r.mu.Lock()
				finalized := r.finalized
				r.mu.Unlock()
				if !finalized {
					r.fail(gen, msgTruncated)
				}
				return
			}
			r.fail(gen, msgTruncated)
			return
		}
		if !r.handle(gen, ev) {
			return
		}
	}
}

// handle applies one event. It returns false once the connection should
// close.
func (r *Reassembler) handle(gen uint64, ev sse.Event) bool {
	switch ev.Name {
	case EventUserMessage:
		var p userMessagePayload
		if err := ev.Decode(&p); err != nil {
			r.log.Warn().Err(err).Str("event", ev.Name).Msg("malformed event ignored")
			return true
		}
		r.userMessage(gen, p)
	case EventChunk:
		var p chunkPayload
		if err := ev.Decode(&p); err != nil {
			r.log.Warn().Err(err).Str("event", ev.Name).Msg("malformed event ignored")
			return true
		}
		r.chunk(gen, p.Text)
	case EventMetadata:
		var p metadataPayload
		if err := ev.Decode(&p); err != nil {
			r.log.Warn().Err(err).Str("event", ev.Name).Msg("malformed event ignored")
			return true
		}
		if r.current(gen) {
			r.applyMetadata(p.Metadata)
		}
	case EventTextComplete:
		var p finalPayload
		if err := ev.Decode(&p); err != nil {
			r.log.Warn().Err(err).Str("event", ev.Name).Msg("malformed event ignored")
			return true
		}
		r.finalize(gen, p)
	case EventComplete:
		var p finalPayload
		if err := ev.Decode(&p); err != nil {
			r.log.Warn().Err(err).Str("event", ev.Name).Msg("malformed complete payload")
		}
		r.finalize(gen, p)
		return false
	case EventError:
		r.fail(gen, errorMessage(ev.Data))
		return false
	}
	return true
}

func (r *Reassembler) applyMetadata(md map[string]any) {
	if len(md) > 0 && r.onMetadata != nil {
		r.onMetadata(md)
	}
}

func (r *Reassembler) userMessage(gen uint64, p userMessagePayload) {
	r.writeMu.Lock()
	r.mu.Lock()
	if r.gen != gen || r.finalized {
		r.mu.Unlock()
		r.writeMu.Unlock()
		return
	}
	tempID := r.userID
	var renameFrom string
	var placeholder chat.Item
	if p.AIMessageID != "" && p.AIMessageID != r.aiID {
		if r.placed {
			renameFrom = r.aiID
		}
		r.aiID = p.AIMessageID
		if r.placed {
			placeholder = r.placeholderLocked()
		}
	}
	if p.UserMessage != nil {
		r.userID = p.UserMessage.ID
		r.confirmed = true
	}
	r.mu.Unlock()

	if p.UserMessage != nil {
		r.sink.ReplaceItem(tempID, *p.UserMessage)
	}
	if renameFrom != "" {
		r.sink.ReplaceItem(renameFrom, placeholder)
	}
	r.writeMu.Unlock()
	r.notify()
}

func (r *Reassembler) chunk(gen uint64, text string) {
	r.mu.Lock()
	if r.gen != gen || r.finalized {
		r.mu.Unlock()
		return
	}
	r.text.WriteString(text)
	transitioned := r.state != StateStreaming
	r.state = StateStreaming
	if r.aiID == "" {
		r.aiID = "stream-" + common.NewClientID()
	}
	elapsed := r.now().Sub(r.lastFlush)
	flushNow := elapsed >= r.throttle
	if !flushNow && r.timer == nil {
		r.timer = time.AfterFunc(r.throttle-elapsed, func() { r.flush(gen) })
	}
	r.mu.Unlock()

	if flushNow {
		r.flush(gen)
	} else if transitioned {
		r.notify()
	}
}

// flush writes the accumulated text as the streaming placeholder.
func (r *Reassembler) flush(gen uint64) {
	r.writeMu.Lock()
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.gen != gen || r.finalized {
		r.mu.Unlock()
		r.writeMu.Unlock()
		return
	}
	r.lastFlush = r.now()
	r.placed = true
	item := r.placeholderLocked()
	r.mu.Unlock()

	r.sink.UpsertByID(item)
	r.writeMu.Unlock()
	r.notify()
}

func (r *Reassembler) placeholderLocked() chat.Item {
	if r.aiTS == "" {
		r.aiTS = chat.FormatTimestamp(r.now())
	}
	return chat.Item{
		ID:        r.aiID,
		Type:      chat.ItemAIMessage,
		Timestamp: r.aiTS,
		Content:   r.text.String(),
		Status:    chat.StatusStreaming,
	}
}

// finalize resolves the send as complete. Only the first call per send has
// any effect. An unconfirmed user item is marked sent.
func (r *Reassembler) finalize(gen uint64, p finalPayload) {
	r.writeMu.Lock()
	r.mu.Lock()
	if r.gen != gen || r.finalized {
		r.mu.Unlock()
		r.writeMu.Unlock()
		return
	}
	r.finalized = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}

	text := r.text.String()
	switch {
	case p.FullText != "":
		text = p.FullText
	case p.AIMessage != nil && p.AIMessage.Content != "":
		text = p.AIMessage.Content
	}
	r.text.Reset()
	r.text.WriteString(text)

	oldID := r.aiID
	finalID := oldID
	if p.AIMessage != nil && p.AIMessage.ID != "" {
		finalID = p.AIMessage.ID
	} else if p.MessageID != "" {
		finalID = p.MessageID
	}
	if finalID == "" {
		finalID = "stream-" + common.NewClientID()
	}
	item := chat.Item{ID: finalID, Type: chat.ItemAIMessage, Content: text, Status: chat.StatusComplete}
	if p.AIMessage != nil && p.AIMessage.Timestamp != "" {
		item.Timestamp = p.AIMessage.Timestamp
	} else {
		if r.aiTS == "" {
			r.aiTS = chat.FormatTimestamp(r.now())
		}
		item.Timestamp = r.aiTS
	}
	placed := r.placed
	confirmed, userID := r.confirmed, r.userID
	r.aiID = finalID
	r.state = StateComplete
	r.mu.Unlock()

	if placed && oldID != finalID {
		r.sink.ReplaceItem(oldID, item)
	} else {
		r.sink.UpsertByID(item)
	}
	// without a user_message event the optimistic item keeps its temporary
	// id until the next timeline load replaces it
	if !confirmed && userID != "" {
		r.sink.UpsertByID(chat.Item{ID: userID, Status: chat.StatusSent})
	}
	r.writeMu.Unlock()

	r.applyMetadata(p.Metadata)
	r.metrics.observe("complete")
	r.log.Debug().Str("item_id", finalID).Int("len", len(text)).Msg("stream complete")
	r.notify()
}

// fail resolves the send as an error. Partial text is dropped together with
// the streaming placeholder; an unconfirmed user item is marked failed.
func (r *Reassembler) fail(gen uint64, msg string) {
	r.writeMu.Lock()
	r.mu.Lock()
	if r.gen != gen || r.finalized {
		r.mu.Unlock()
		r.writeMu.Unlock()
		return
	}
	r.finalized = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.text.Reset()
	r.state = StateError
	r.errMsg = msg
	placed, aiID := r.placed, r.aiID
	confirmed, userID := r.confirmed, r.userID
	r.placed = false
	r.mu.Unlock()

	if placed {
		r.sink.Remove(aiID)
	}
	if !confirmed && userID != "" {
		r.sink.UpsertByID(chat.Item{ID: userID, Status: chat.StatusFailed})
	}
	r.writeMu.Unlock()

	r.metrics.observe("error")
	r.log.Warn().Str("err", msg).Msg("stream failed")
	r.notify()
}

func openErrorMessage(err error) string {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == api.CodeTimeout {
			return msgTimeout
		}
		if apiErr.Message != "" {
			return apiErr.Message
		}
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return msgGeneric
}
