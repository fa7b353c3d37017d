// Package realtime shares one Redis connection per process between all
// session channels. It carries presence, typing and fire-and-forget session
// events, and re-authorizes once when the broker rejects the current token.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/mediation/internal/api"
	"github.com/suPer8Hu/mediation/internal/common"
)

// ErrAccessDenied is returned when the broker rejects a freshly fetched
// token as well.
var ErrAccessDenied = errors.New("realtime: access denied")

var ErrClosed = errors.New("realtime: manager closed")

// TokenSource issues broker credentials. *api.Client satisfies it.
type TokenSource interface {
	RealtimeToken(ctx context.Context) (api.RealtimeToken, error)
}

type Options struct {
	Addr     string
	DB       int
	Tokens   TokenSource
	UserID   string
	ClientID string
	// NewClient builds the broker client; tests may point it elsewhere.
	NewClient  func(*redis.Options) *redis.Client
	Logger     zerolog.Logger
	Registerer prometheus.Registerer
}

type Manager struct {
	addr      string
	db        int
	tokens    TokenSource
	userID    string
	clientID  string
	newClient func(*redis.Options) *redis.Client
	log       zerolog.Logger
	reauths   *prometheus.CounterVec

	mu       sync.Mutex
	client   *redis.Client
	retired  []*redis.Client
	channels map[string]*subscription
	closed   bool
}

func NewManager(opts Options) *Manager {
	if opts.ClientID == "" {
		opts.ClientID = common.NewClientID()
	}
	if opts.NewClient == nil {
		opts.NewClient = redis.NewClient
	}
	return &Manager{
		addr:      opts.Addr,
		db:        opts.DB,
		tokens:    opts.Tokens,
		userID:    opts.UserID,
		clientID:  opts.ClientID,
		newClient: opts.NewClient,
		log:       opts.Logger.With().Str("component", "realtime").Logger(),
		reauths: promauto.With(opts.Registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_reauth_total",
			Help: "Broker re-authorizations after access-denied errors.",
		}, []string{"outcome"}),
		channels: make(map[string]*subscription),
	}
}

func (m *Manager) UserID() string   { return m.userID }
func (m *Manager) ClientID() string { return m.clientID }

// Connect establishes the shared connection. Calling it again while
// connected does nothing.
func (m *Manager) Connect(ctx context.Context) error {
	return m.do(ctx, func(c *redis.Client) error {
		return c.Ping(ctx).Err()
	})
}

// current returns the shared client, authorizing it first if needed.
func (m *Manager) current(ctx context.Context) (*redis.Client, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	c := m.client
	m.mu.Unlock()
	if c != nil {
		return c, nil
	}
	return m.reauthorize(ctx, nil)
}

// reauthorize fetches a fresh token and swaps in a new client, unless
// another caller already replaced stale.
func (m *Manager) reauthorize(ctx context.Context, stale *redis.Client) (*redis.Client, error) {
	tok, err := m.tokens.RealtimeToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("realtime token: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.client != nil && m.client != stale {
		return m.client, nil
	}
	if m.client != nil {
		// open subscriptions still run on the old client
		m.retired = append(m.retired, m.client)
	}
	m.client = m.newClient(&redis.Options{
		Addr:     m.addr,
		DB:       m.db,
		Username: tok.Username,
		Password: tok.Token,
		Protocol: 2,
	})
	m.log.Debug().Str("username", tok.Username).Msg("broker client authorized")
	return m.client, nil
}

// do runs fn on the shared client. On an access-denied error it fetches a
// new token and tries exactly once more.
func (m *Manager) do(ctx context.Context, fn func(*redis.Client) error) error {
	c, err := m.current(ctx)
	if err != nil {
		return err
	}
	err = fn(c)
	if err == nil || !IsAccessDenied(err) {
		return err
	}
	m.log.Info().Err(err).Msg("access denied, refreshing token")
	c, err = m.reauthorize(ctx, c)
	if err != nil {
		m.reauths.WithLabelValues("token_error").Inc()
		return err
	}
	if err = fn(c); err != nil {
		if IsAccessDenied(err) {
			m.reauths.WithLabelValues("denied").Inc()
			return fmt.Errorf("%w: %v", ErrAccessDenied, err)
		}
		return err
	}
	m.reauths.WithLabelValues("ok").Inc()
	return nil
}

// IsAccessDenied reports whether err is a broker authorization failure.
func IsAccessDenied(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAccessDenied) {
		return true
	}
	msg := err.Error()
	for _, p := range []string{"NOPERM", "NOAUTH", "WRONGPASS"} {
		if strings.HasPrefix(msg, p) {
			return true
		}
	}
	return false
}

// Acquire returns a new handle on the channel's shared subscription,
// subscribing on first use. Every handle must be released.
func (m *Manager) Acquire(ctx context.Context, name string) (*Channel, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if ch, ok := m.channels[name]; ok {
		ch.refs++
		m.mu.Unlock()
		return &Channel{subscription: ch}, nil
	}
	m.mu.Unlock()

	var ps *redis.PubSub
	err := m.do(ctx, func(c *redis.Client) error {
		p := c.Subscribe(ctx, name)
		if _, err := p.Receive(ctx); err != nil {
			// a failed handle never recovers; drop it before retrying
			_ = p.Close()
			return err
		}
		ps = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.channels[name]; ok {
		// lost a race with a concurrent Acquire
		existing.refs++
		m.mu.Unlock()
		_ = ps.Close()
		return &Channel{subscription: existing}, nil
	}
	ch := newSubscription(m, name, ps)
	m.channels[name] = ch
	m.mu.Unlock()

	m.log.Debug().Str("channel", name).Msg("subscribed")
	return &Channel{subscription: ch}, nil
}

func (m *Manager) release(ch *subscription) {
	m.mu.Lock()
	ch.refs--
	// Close already tore down subscriptions it dropped from the map
	if ch.refs > 0 || m.channels[ch.name] != ch {
		m.mu.Unlock()
		return
	}
	delete(m.channels, ch.name)
	m.mu.Unlock()

	ch.close()
	m.log.Debug().Str("channel", ch.name).Msg("unsubscribed")
}

// Close drops every channel and connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	chans := make([]*subscription, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
	}
	m.channels = map[string]*subscription{}
	clients := append(m.retired, m.client)
	m.client, m.retired = nil, nil
	m.mu.Unlock()

	for _, ch := range chans {
		ch.close()
	}
	var errs []error
	for _, c := range clients {
		if c != nil {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
