package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TypingTTL is how long a typing participant stays listed without a fresh
// typing.start.
const TypingTTL = 5 * time.Second

// subscription is the shared, reference-counted state of one channel.
type subscription struct {
	m    *Manager
	name string
	refs int // guarded by m.mu

	ps   *redis.PubSub
	done chan struct{}

	mu       sync.Mutex
	handlers map[int]func(Event)
	nextID   int
	typing   map[string]time.Time
	now      func() time.Time
}

// Channel is one holder's handle on a shared subscription. Each handle
// releases its reference at most once.
type Channel struct {
	*subscription
	once sync.Once
}

func newSubscription(m *Manager, name string, ps *redis.PubSub) *subscription {
	ch := &subscription{
		m:        m,
		name:     name,
		refs:     1,
		ps:       ps,
		done:     make(chan struct{}),
		handlers: make(map[int]func(Event)),
		typing:   make(map[string]time.Time),
		now:      time.Now,
	}
	go ch.loop()
	return ch
}

func (ch *subscription) Name() string { return ch.name }

func (ch *subscription) loop() {
	defer close(ch.done)
	for msg := range ch.ps.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			ch.m.log.Warn().Err(err).Str("channel", ch.name).Msg("malformed event dropped")
			continue
		}
		ch.dispatch(ev)
	}
}

func (ch *subscription) dispatch(ev Event) {
	if ev.RecipientID != "" && ev.RecipientID != ch.m.userID {
		return
	}
	ch.mu.Lock()
	switch ev.Type {
	case TypingStart:
		ch.typing[ev.SenderID] = ch.now()
	case TypingStop:
		delete(ch.typing, ev.SenderID)
	}
	fns := make([]func(Event), 0, len(ch.handlers))
	for _, fn := range ch.handlers {
		fns = append(fns, fn)
	}
	ch.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Subscribe registers fn for every event addressed to this participant.
func (ch *subscription) Subscribe(fn func(Event)) (unsubscribe func()) {
	ch.mu.Lock()
	id := ch.nextID
	ch.nextID++
	ch.handlers[id] = fn
	ch.mu.Unlock()
	return func() {
		ch.mu.Lock()
		delete(ch.handlers, id)
		ch.mu.Unlock()
	}
}

// Publish sends ev, filling in the sender and session.
func (ch *subscription) Publish(ctx context.Context, ev Event) error {
	if ev.SenderID == "" {
		ev.SenderID = ch.m.userID
	}
	if ev.SessionID == "" {
		ev.SessionID = SessionIDOf(ch.name)
	}
	if ev.SentAt.IsZero() {
		ev.SentAt = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return ch.m.do(ctx, func(c *redis.Client) error {
		return c.Publish(ctx, ch.name, b).Err()
	})
}

func (ch *subscription) publishType(ctx context.Context, typ EventType, data any) error {
	ev, err := NewEvent(typ, SessionIDOf(ch.name), data)
	if err != nil {
		return err
	}
	return ch.Publish(ctx, ev)
}

// Enter adds this client to the channel's presence set and announces it.
func (ch *subscription) Enter(ctx context.Context, data any) error {
	member := Member{ClientID: ch.m.clientID, UserID: ch.m.userID, At: time.Now().UTC()}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return err
		}
		member.Data = b
	}
	b, err := json.Marshal(member)
	if err != nil {
		return err
	}
	err = ch.m.do(ctx, func(c *redis.Client) error {
		return c.HSet(ctx, presenceKey(ch.name), member.ClientID, b).Err()
	})
	if err != nil {
		return err
	}
	return ch.publishType(ctx, PresenceEnter, member)
}

// Leave removes this client from the presence set and announces it.
func (ch *subscription) Leave(ctx context.Context) error {
	err := ch.m.do(ctx, func(c *redis.Client) error {
		return c.HDel(ctx, presenceKey(ch.name), ch.m.clientID).Err()
	})
	if err != nil {
		return err
	}
	return ch.publishType(ctx, PresenceLeave, Member{ClientID: ch.m.clientID, UserID: ch.m.userID})
}

// Members lists the presence set ordered by client id.
func (ch *subscription) Members(ctx context.Context) ([]Member, error) {
	var raw map[string]string
	err := ch.m.do(ctx, func(c *redis.Client) error {
		var err error
		raw, err = c.HGetAll(ctx, presenceKey(ch.name)).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]Member, 0, len(raw))
	for id, v := range raw {
		var mem Member
		if err := json.Unmarshal([]byte(v), &mem); err != nil {
			ch.m.log.Warn().Err(err).Str("client_id", id).Msg("malformed presence entry")
			continue
		}
		out = append(out, mem)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

func (ch *subscription) StartTyping(ctx context.Context) error {
	return ch.publishType(ctx, TypingStart, nil)
}

func (ch *subscription) StopTyping(ctx context.Context) error {
	return ch.publishType(ctx, TypingStop, nil)
}

// Typing lists the senders with an unexpired typing.start, sorted.
func (ch *subscription) Typing() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	now := ch.now()
	var out []string
	for id, at := range ch.typing {
		if now.Sub(at) >= TypingTTL {
			delete(ch.typing, id)
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Release drops this handle's reference; the last one unsubscribes.
// Further calls on the same handle do nothing.
func (h *Channel) Release() {
	h.once.Do(func() { h.m.release(h.subscription) })
}

func (ch *subscription) close() {
	ch.mu.Lock()
	ch.handlers = map[int]func(Event){}
	ch.mu.Unlock()
	_ = ch.ps.Close()
	<-ch.done
}
