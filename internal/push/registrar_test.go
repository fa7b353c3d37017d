package push

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/mediation/internal/query"
)

type fakeProvider struct {
	perm      Permission
	requested Permission
	requests  int
	token     string
}

func (p *fakeProvider) Permission(context.Context) (Permission, error) { return p.perm, nil }

func (p *fakeProvider) RequestPermission(context.Context) (Permission, error) {
	p.requests++
	p.perm = p.requested
	return p.perm, nil
}

func (p *fakeProvider) Token(context.Context) (string, error) { return p.token, nil }
func (p *fakeProvider) Platform() string                      { return "ios" }

type fakeBackend struct {
	calls []string
	err   error
}

func (b *fakeBackend) RegisterPushToken(_ context.Context, token, platform string) error {
	if b.err != nil {
		return b.err
	}
	b.calls = append(b.calls, platform+":"+token)
	return nil
}

func newStore(now *time.Time) *query.Store {
	return query.New(query.Options{Now: func() time.Time { return *now }})
}

func TestRegister_RequestsPermissionOnce(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := &fakeProvider{perm: PermissionUndetermined, requested: PermissionGranted, token: "tok-1"}
	b := &fakeBackend{}
	r := NewRegistrar(p, b, newStore(&now), zerolog.Nop())

	tok, err := r.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, 1, p.requests)

	_, err = r.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.requests)
	assert.Equal(t, []string{"ios:tok-1"}, b.calls, "same token is not sent twice")

	p.token = "tok-2"
	_, err = r.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ios:tok-1", "ios:tok-2"}, b.calls)

	now = now.Add(2 * time.Hour)
	_, err = r.Register(context.Background())
	require.NoError(t, err)
	assert.Len(t, b.calls, 3, "a stale registration is refreshed")
}

func TestRegister_Denied(t *testing.T) {
	now := time.Now()
	p := &fakeProvider{perm: PermissionUndetermined, requested: PermissionDenied, token: "tok"}
	b := &fakeBackend{}
	r := NewRegistrar(p, b, newStore(&now), zerolog.Nop())

	_, err := r.Register(context.Background())
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Empty(t, b.calls)
}

func TestRegister_BackendErrorIsRetried(t *testing.T) {
	now := time.Now()
	p := &fakeProvider{perm: PermissionGranted, token: "tok"}
	b := &fakeBackend{err: errors.New("offline")}
	r := NewRegistrar(p, b, newStore(&now), zerolog.Nop())

	_, err := r.Register(context.Background())
	require.Error(t, err)

	b.err = nil
	_, err = r.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ios:tok"}, b.calls)
}

func TestListeners(t *testing.T) {
	now := time.Now()
	store := newStore(&now)
	store.Set(query.TimelineKey("s1"), "cache")
	store.Set(query.ProgressKey("s1"), 1)
	require.False(t, store.IsStale(query.ProgressKey("s1")))
	r := NewRegistrar(&fakeProvider{}, &fakeBackend{}, store, zerolog.Nop())

	var fg, taps []string
	unsub := r.OnForeground(func(n Notification) { fg = append(fg, n.ID) })
	r.OnTap(func(n Notification) { taps = append(taps, n.ID) })

	r.HandleForeground(Notification{ID: "n1", SessionID: "s1"})
	assert.True(t, store.IsStale(query.ProgressKey("s1")), "timeline invalidation reaches progress")

	unsub()
	r.HandleForeground(Notification{ID: "n2"})
	assert.Equal(t, []string{"n1"}, fg)

	assert.Equal(t, "s1", r.HandleTap(Notification{ID: "n3", SessionID: "s1"}))
	assert.Equal(t, []string{"n3"}, taps)
}
