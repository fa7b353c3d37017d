// Package push registers the device's notification token with the backend
// and fans incoming notifications out to listeners.
package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/suPer8Hu/mediation/internal/query"
)

type Permission string

const (
	PermissionGranted      Permission = "granted"
	PermissionDenied       Permission = "denied"
	PermissionUndetermined Permission = "undetermined"
)

var ErrPermissionDenied = errors.New("push: permission denied")

// Provider is the platform notification service.
type Provider interface {
	Permission(ctx context.Context) (Permission, error)
	RequestPermission(ctx context.Context) (Permission, error)
	Token(ctx context.Context) (string, error)
	Platform() string
}

// Backend stores tokens server-side. *api.Client satisfies it.
type Backend interface {
	RegisterPushToken(ctx context.Context, token, platform string) error
}

type Notification struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	SessionID  string            `json:"sessionId,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	ReceivedAt time.Time         `json:"receivedAt"`
}

type Registrar struct {
	provider Provider
	backend  Backend
	store    *query.Store
	log      zerolog.Logger

	regMu sync.Mutex

	mu         sync.Mutex
	foreground map[int]func(Notification)
	tap        map[int]func(Notification)
	nextID     int
}

func NewRegistrar(p Provider, b Backend, store *query.Store, log zerolog.Logger) *Registrar {
	if store == nil {
		store = query.New(query.Options{Logger: log})
	}
	return &Registrar{
		provider:   p,
		backend:    b,
		store:      store,
		log:        log.With().Str("component", "push").Logger(),
		foreground: make(map[int]func(Notification)),
		tap:        make(map[int]func(Notification)),
	}
}

// Register asks for permission when it was never requested, fetches the
// device token and sends it to the backend. A token registered within the
// push token stale time is not sent again.
func (r *Registrar) Register(ctx context.Context) (string, error) {
	r.regMu.Lock()
	defer r.regMu.Unlock()

	perm, err := r.provider.Permission(ctx)
	if err != nil {
		return "", fmt.Errorf("push permission: %w", err)
	}
	if perm == PermissionUndetermined {
		if perm, err = r.provider.RequestPermission(ctx); err != nil {
			return "", fmt.Errorf("push permission request: %w", err)
		}
	}
	if perm != PermissionGranted {
		return "", ErrPermissionDenied
	}

	token, err := r.provider.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("push token: %w", err)
	}
	key := query.PushTokenKey()
	if prev, ok := query.Peek[string](r.store, key); ok && prev == token && !r.store.IsStale(key) {
		return token, nil
	}
	if err := r.backend.RegisterPushToken(ctx, token, r.provider.Platform()); err != nil {
		return "", err
	}
	r.store.Set(key, token)
	r.log.Info().Str("platform", r.provider.Platform()).Msg("push token registered")
	return token, nil
}

func (r *Registrar) add(m map[int]func(Notification), fn func(Notification)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	m[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(m, id)
		r.mu.Unlock()
	}
}

func (r *Registrar) OnForeground(fn func(Notification)) (unsubscribe func()) {
	return r.add(r.foreground, fn)
}

func (r *Registrar) OnTap(fn func(Notification)) (unsubscribe func()) {
	return r.add(r.tap, fn)
}

func (r *Registrar) listeners(m map[int]func(Notification)) []func(Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]func(Notification), 0, len(m))
	for _, fn := range m {
		out = append(out, fn)
	}
	return out
}

// HandleForeground delivers a notification received while the app is open.
// The session's timeline is marked stale so the next read refetches it.
func (r *Registrar) HandleForeground(n Notification) {
	if n.SessionID != "" {
		r.store.Invalidate(query.TimelineKey(n.SessionID))
	}
	for _, fn := range r.listeners(r.foreground) {
		fn(n)
	}
}

// HandleTap delivers a tapped notification and returns the session it
// points at, if any.
func (r *Registrar) HandleTap(n Notification) string {
	for _, fn := range r.listeners(r.tap) {
		fn(n)
	}
	return n.SessionID
}
