// Package query is the process-wide cache of fetched entities. Keys are
// namespaced per entity and session; each namespace carries a stale time,
// and invalidating one key cascades to the keys that depend on it.
package query

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Key is "<namespace>:<id>" or a bare namespace.
type Key string

const (
	NSSessions     = "sessions"
	NSSession      = "session"
	NSProgress     = "progress"
	NSTimeline     = "timeline"
	NSSessionState = "sessionState"
	NSPushToken    = "pushToken"
)

func SessionsKey() Key                     { return Key(NSSessions) }
func SessionKey(sessionID string) Key      { return Key(NSSession + ":" + sessionID) }
func ProgressKey(sessionID string) Key     { return Key(NSProgress + ":" + sessionID) }
func TimelineKey(sessionID string) Key     { return Key(NSTimeline + ":" + sessionID) }
func SessionStateKey(sessionID string) Key { return Key(NSSessionState + ":" + sessionID) }
func PushTokenKey() Key                    { return Key(NSPushToken) }

// Namespace returns the part before the first colon.
func (k Key) Namespace() string {
	ns, _, _ := strings.Cut(string(k), ":")
	return ns
}

// ID returns the part after the first colon, or "".
func (k Key) ID() string {
	_, id, _ := strings.Cut(string(k), ":")
	return id
}

// DefaultStaleTimes is applied to namespaces not listed in Options.
var DefaultStaleTimes = map[string]time.Duration{
	NSSessions:     30 * time.Second,
	NSSession:      30 * time.Second,
	NSProgress:     10 * time.Second,
	NSTimeline:     0,
	NSSessionState: 0,
	NSPushToken:    time.Hour,
}

// DefaultDependents maps a namespace to the namespaces invalidated with it
// for the same id. A message send touches the timeline, which moves stage
// progress, which changes the session detail.
var DefaultDependents = map[string][]string{
	NSTimeline: {NSProgress},
	NSProgress: {NSSession, NSSessionState},
	NSSession:  {NSSessions},
}

type Options struct {
	StaleTimes map[string]time.Duration
	Dependents map[string][]string
	Now        func() time.Time
	Logger     zerolog.Logger
}

type entry struct {
	value     any
	updatedAt time.Time
	invalid   bool
}

type Store struct {
	stale map[string]time.Duration
	deps  map[string][]string
	now   func() time.Time
	log   zerolog.Logger

	mu      sync.RWMutex
	entries map[Key]*entry
	// bumped on Set/Remove so a slower fetch cannot overwrite newer data
	versions map[Key]uint64

	flights singleflight.Group

	smu    sync.Mutex
	subs   map[Key]map[int]func(Key)
	nextID int
}

func New(opts Options) *Store {
	stale := make(map[string]time.Duration, len(DefaultStaleTimes))
	for ns, d := range DefaultStaleTimes {
		stale[ns] = d
	}
	for ns, d := range opts.StaleTimes {
		stale[ns] = d
	}
	deps := opts.Dependents
	if deps == nil {
		deps = DefaultDependents
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		stale:    stale,
		deps:     deps,
		now:      now,
		log:      opts.Logger.With().Str("component", "query").Logger(),
		entries:  make(map[Key]*entry),
		versions: make(map[Key]uint64),
		subs:     make(map[Key]map[int]func(Key)),
	}
}

// Get returns the cached value regardless of staleness.
func (s *Store) Get(key Key) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// IsStale reports whether key is missing, invalidated or older than its
// namespace's stale time.
func (s *Store) IsStale(key Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.staleLocked(key)
}

// Invalidated reports whether key holds a value that was explicitly marked
// stale and not written since.
func (s *Store) Invalidated(key Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return ok && e.invalid
}

func (s *Store) staleLocked(key Key) bool {
	e, ok := s.entries[key]
	if !ok || e.invalid {
		return true
	}
	return s.now().Sub(e.updatedAt) >= s.stale[key.Namespace()]
}

func (s *Store) Set(key Key, value any) {
	s.mu.Lock()
	s.entries[key] = &entry{value: value, updatedAt: s.now()}
	s.versions[key]++
	s.mu.Unlock()
	s.publish(key)
}

// Update applies fn to the current value under the store lock.
func (s *Store) Update(key Key, fn func(old any, ok bool) any) {
	s.mu.Lock()
	var old any
	e, ok := s.entries[key]
	if ok {
		old = e.value
	}
	s.entries[key] = &entry{value: fn(old, ok), updatedAt: s.now()}
	s.versions[key]++
	s.mu.Unlock()
	s.publish(key)
}

// Invalidate marks key and its dependents stale. Values stay readable until
// refetched.
func (s *Store) Invalidate(key Key) {
	var touched []Key
	s.mu.Lock()
	s.invalidateLocked(key, map[Key]bool{}, &touched)
	s.mu.Unlock()
	for _, k := range touched {
		s.publish(k)
	}
}

func (s *Store) invalidateLocked(key Key, seen map[Key]bool, touched *[]Key) {
	if seen[key] {
		return
	}
	seen[key] = true
	if e, ok := s.entries[key]; ok {
		e.invalid = true
		*touched = append(*touched, key)
	}
	id := key.ID()
	for _, ns := range s.deps[key.Namespace()] {
		next := Key(ns)
		if id != "" && ns != NSSessions {
			next = Key(ns + ":" + id)
		}
		s.invalidateLocked(next, seen, touched)
	}
}

// InvalidateNamespace marks every key of ns stale.
func (s *Store) InvalidateNamespace(ns string) {
	var keys []Key
	s.mu.RLock()
	for k := range s.entries {
		if k.Namespace() == ns {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	for _, k := range keys {
		s.Invalidate(k)
	}
}

func (s *Store) Remove(key Key) {
	s.mu.Lock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	s.versions[key]++
	s.mu.Unlock()
	if ok {
		s.publish(key)
	}
}

// Snapshot holds copies of selected entries for a later Restore.
type Snapshot struct {
	entries map[Key]*entry
}

func (s *Store) Snapshot(keys ...Key) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{entries: make(map[Key]*entry, len(keys))}
	for _, k := range keys {
		if e, ok := s.entries[k]; ok {
			cp := *e
			snap.entries[k] = &cp
		} else {
			snap.entries[k] = nil
		}
	}
	return snap
}

// Restore puts every key captured by snap back; keys that were absent are
// removed again.
func (s *Store) Restore(snap Snapshot) {
	keys := make([]Key, 0, len(snap.entries))
	s.mu.Lock()
	for k, e := range snap.entries {
		if e == nil {
			delete(s.entries, k)
		} else {
			cp := *e
			s.entries[k] = &cp
		}
		s.versions[k]++
		keys = append(keys, k)
	}
	s.mu.Unlock()
	for _, k := range keys {
		s.publish(k)
	}
}

// Subscribe calls fn with the key after every change to it.
func (s *Store) Subscribe(key Key, fn func(Key)) (unsubscribe func()) {
	s.smu.Lock()
	id := s.nextID
	s.nextID++
	if s.subs[key] == nil {
		s.subs[key] = make(map[int]func(Key))
	}
	s.subs[key][id] = fn
	s.smu.Unlock()
	return func() {
		s.smu.Lock()
		delete(s.subs[key], id)
		if len(s.subs[key]) == 0 {
			delete(s.subs, key)
		}
		s.smu.Unlock()
	}
}

func (s *Store) publish(key Key) {
	s.smu.Lock()
	fns := make([]func(Key), 0, len(s.subs[key]))
	for _, fn := range s.subs[key] {
		fns = append(fns, fn)
	}
	s.smu.Unlock()
	for _, fn := range fns {
		fn(key)
	}
}

// Fetch returns the cached value of key while it is fresh. Otherwise it runs
// fetch, sharing one call among concurrent callers, and caches the result.
func Fetch[T any](ctx context.Context, s *Store, key Key, fetch func(context.Context) (T, error)) (T, error) {
	s.mu.RLock()
	if !s.staleLocked(key) {
		if v, ok := s.entries[key].value.(T); ok {
			s.mu.RUnlock()
			return v, nil
		}
	}
	s.mu.RUnlock()
	return Refetch(ctx, s, key, fetch)
}

// Refetch always runs fetch (shared among concurrent callers) and caches the
// result unless the key was written meanwhile.
func Refetch[T any](ctx context.Context, s *Store, key Key, fetch func(context.Context) (T, error)) (T, error) {
	v, err, _ := s.flights.Do(string(key), func() (any, error) {
		s.mu.RLock()
		version := s.versions[key]
		s.mu.RUnlock()

		v, err := fetch(ctx)
		if err != nil {
			s.log.Debug().Str("key", string(key)).Err(err).Msg("fetch failed")
			return nil, err
		}

		s.mu.Lock()
		if s.versions[key] != version {
			s.mu.Unlock()
			return v, nil
		}
		s.entries[key] = &entry{value: v, updatedAt: s.now()}
		s.versions[key]++
		s.mu.Unlock()
		s.publish(key)
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Peek returns the cached value of key as T.
func Peek[T any](s *Store, key Key) (T, bool) {
	v, ok := s.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
