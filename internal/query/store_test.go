package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newStore() (*Store, *clock) {
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(Options{Now: clk.Now}), clk
}

func TestKeys(t *testing.T) {
	k := ProgressKey("s1")
	assert.Equal(t, Key("progress:s1"), k)
	assert.Equal(t, NSProgress, k.Namespace())
	assert.Equal(t, "s1", k.ID())
	assert.Equal(t, NSSessions, SessionsKey().Namespace())
	assert.Empty(t, SessionsKey().ID())
}

func TestFetch_FreshValueSkipsLoader(t *testing.T) {
	s, clk := newStore()
	var calls atomic.Int32
	load := func(context.Context) (string, error) {
		calls.Add(1)
		return "detail", nil
	}

	v, err := Fetch(context.Background(), s, SessionKey("s1"), load)
	require.NoError(t, err)
	assert.Equal(t, "detail", v)

	clk.Advance(29 * time.Second)
	_, err = Fetch(context.Background(), s, SessionKey("s1"), load)
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())

	clk.Advance(time.Second)
	_, err = Fetch(context.Background(), s, SessionKey("s1"), load)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load(), "stale after 30s")
}

func TestFetch_ZeroStaleTimeAlwaysRefetches(t *testing.T) {
	s, _ := newStore()
	var calls atomic.Int32
	load := func(context.Context) (int, error) { return int(calls.Add(1)), nil }

	for i := 0; i < 3; i++ {
		_, err := Fetch(context.Background(), s, SessionStateKey("s1"), load)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, calls.Load())
}

func TestFetch_SharesConcurrentLoads(t *testing.T) {
	s, _ := newStore()
	var calls atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "p", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := Fetch(context.Background(), s, ProgressKey("s1"), load)
			assert.NoError(t, err)
			assert.Equal(t, "p", v)
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.EqualValues(t, 1, calls.Load())
}

func TestFetch_ErrorKeepsOldValue(t *testing.T) {
	s, _ := newStore()
	s.Set(ProgressKey("s1"), "old")
	s.Invalidate(ProgressKey("s1"))

	_, err := Fetch(context.Background(), s, ProgressKey("s1"), func(context.Context) (string, error) {
		return "", errors.New("offline")
	})
	require.Error(t, err)
	v, ok := Peek[string](s, ProgressKey("s1"))
	assert.True(t, ok)
	assert.Equal(t, "old", v)
}

func TestRefetch_DoesNotOverwriteNewerSet(t *testing.T) {
	s, _ := newStore()
	_, err := Refetch(context.Background(), s, SessionKey("s1"), func(context.Context) (string, error) {
		s.Set(SessionKey("s1"), "pushed")
		return "fetched", nil
	})
	require.NoError(t, err)
	v, _ := Peek[string](s, SessionKey("s1"))
	assert.Equal(t, "pushed", v)
}

func TestInvalidate_Cascades(t *testing.T) {
	s, _ := newStore()
	for _, k := range []Key{TimelineKey("s1"), ProgressKey("s1"), SessionKey("s1"), SessionsKey(), SessionKey("s2")} {
		s.Set(k, "v")
	}
	// timeline has a zero stale time; check the others are fresh first
	require.False(t, s.IsStale(ProgressKey("s1")))
	require.False(t, s.IsStale(SessionsKey()))

	var notified []Key
	var mu sync.Mutex
	for _, k := range []Key{ProgressKey("s1"), SessionKey("s1")} {
		s.Subscribe(k, func(k Key) {
			mu.Lock()
			notified = append(notified, k)
			mu.Unlock()
		})
	}

	s.Invalidate(TimelineKey("s1"))

	assert.True(t, s.IsStale(ProgressKey("s1")))
	assert.True(t, s.IsStale(SessionKey("s1")))
	assert.True(t, s.IsStale(SessionsKey()))
	assert.False(t, s.IsStale(SessionKey("s2")), "other sessions are untouched")
	assert.ElementsMatch(t, []Key{ProgressKey("s1"), SessionKey("s1")}, notified)

	v, ok := s.Get(ProgressKey("s1"))
	assert.True(t, ok, "invalidated values stay readable")
	assert.Equal(t, "v", v)
}

func TestInvalidateNamespace(t *testing.T) {
	s, _ := newStore()
	s.Set(SessionKey("a"), 1)
	s.Set(SessionKey("b"), 2)
	s.Set(ProgressKey("a"), 3)

	s.InvalidateNamespace(NSSession)
	assert.True(t, s.IsStale(SessionKey("a")))
	assert.True(t, s.IsStale(SessionKey("b")))
	assert.False(t, s.IsStale(ProgressKey("a")))
}

func TestSnapshotRestore(t *testing.T) {
	s, _ := newStore()
	s.Set(ProgressKey("s1"), "before")
	snap := s.Snapshot(ProgressKey("s1"), SessionStateKey("s1"))

	s.Set(ProgressKey("s1"), "optimistic")
	s.Set(SessionStateKey("s1"), "optimistic")
	s.Restore(snap)

	v, _ := Peek[string](s, ProgressKey("s1"))
	assert.Equal(t, "before", v)
	_, ok := s.Get(SessionStateKey("s1"))
	assert.False(t, ok, "keys absent at snapshot time are removed")
}

func TestUpdateAndRemove(t *testing.T) {
	s, _ := newStore()
	var n atomic.Int32
	unsub := s.Subscribe(PushTokenKey(), func(Key) { n.Add(1) })

	s.Update(PushTokenKey(), func(old any, ok bool) any {
		assert.False(t, ok)
		return "tok"
	})
	s.Update(PushTokenKey(), func(old any, ok bool) any {
		return old.(string) + "2"
	})
	v, _ := Peek[string](s, PushTokenKey())
	assert.Equal(t, "tok2", v)

	s.Remove(PushTokenKey())
	assert.EqualValues(t, 3, n.Load())
	unsub()
	s.Set(PushTokenKey(), "x")
	assert.EqualValues(t, 3, n.Load())
}
