// Package timeline keeps the paged, de-duplicated, newest-first view of one
// session's conversation items. Paginated fetches, optimistic writes, push
// confirmations and streamed updates all land here keyed by item id.
package timeline

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/suPer8Hu/mediation/internal/chat"
)

// Fetcher loads one page older than before ("" for the newest page).
type Fetcher interface {
	Timeline(ctx context.Context, sessionID string, limit int, before string) (chat.Page, error)
}

type Cache struct {
	sessionID string
	fetcher   Fetcher
	pageSize  int
	log       zerolog.Logger

	mu     sync.Mutex
	pages  []chat.Page
	loaded bool
	// bumped by Clear so fetches started before it are dropped
	epoch uint64
	// rev counts local writes; touched holds the rev of each item's last one
	rev     uint64
	touched map[string]uint64

	flights singleflight.Group

	lmu       sync.Mutex
	listeners map[int]func()
	nextID    int
}

func New(sessionID string, fetcher Fetcher, pageSize int, log zerolog.Logger) *Cache {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Cache{
		sessionID: sessionID,
		fetcher:   fetcher,
		pageSize:  pageSize,
		log:       log.With().Str("component", "timeline").Str("session_id", sessionID).Logger(),
		touched:   make(map[string]uint64),
		listeners: make(map[int]func()),
	}
}

func (c *Cache) SessionID() string { return c.sessionID }

// Subscribe registers fn to run after every change. It returns the
// unsubscribe function.
func (c *Cache) Subscribe(fn func()) func() {
	c.lmu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.lmu.Unlock()
	return func() {
		c.lmu.Lock()
		delete(c.listeners, id)
		c.lmu.Unlock()
	}
}

func (c *Cache) notify() {
	c.lmu.Lock()
	fns := make([]func(), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.lmu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Load fetches the newest page and replaces everything loaded so far.
// Unconfirmed items and items written while the fetch was in flight are
// carried over onto the fresh page.
func (c *Cache) Load(ctx context.Context) error {
	_, err, _ := c.flights.Do("load", func() (any, error) {
		c.mu.Lock()
		epoch, rev := c.epoch, c.rev
		c.mu.Unlock()

		page, err := c.fetcher.Timeline(ctx, c.sessionID, c.pageSize, "")
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if epoch != c.epoch {
			c.mu.Unlock()
			return nil, nil
		}
		var keep []chat.Item
		for _, p := range c.pages {
			for _, it := range p.Items {
				unconfirmed := !it.Status.Terminal() && it.Status != ""
				if unconfirmed || c.touched[it.ID] > rev {
					keep = append(keep, it)
				}
			}
		}
		for id, r := range c.touched {
			if r <= rev {
				delete(c.touched, id)
			}
		}
		c.pages = []chat.Page{dedupPage(page)}
		for _, it := range keep {
			c.upsertLocked(it)
		}
		c.loaded = true
		c.mu.Unlock()

		c.log.Debug().Int("items", len(page.Items)).Int("kept", len(keep)).Bool("has_more", page.HasMore).Msg("timeline loaded")
		c.notify()
		return nil, nil
	})
	return err
}

// FetchNextPage loads the page older than the oldest loaded item and appends
// it. Calls made while a fetch is in flight share that fetch. It reports
// whether a page was appended.
func (c *Cache) FetchNextPage(ctx context.Context) (bool, error) {
	c.mu.Lock()
	loaded := c.loaded
	c.mu.Unlock()
	if !loaded {
		return true, c.Load(ctx)
	}

	v, err, _ := c.flights.Do("next", func() (any, error) {
		c.mu.Lock()
		if !c.hasMoreLocked() {
			c.mu.Unlock()
			return false, nil
		}
		cursor := c.oldestTimestampLocked()
		epoch := c.epoch
		c.mu.Unlock()

		page, err := c.fetcher.Timeline(ctx, c.sessionID, c.pageSize, cursor)
		if err != nil {
			return false, err
		}

		c.mu.Lock()
		if epoch != c.epoch {
			c.mu.Unlock()
			return false, nil
		}
		fresh := chat.Page{HasMore: page.HasMore, NextCursor: page.NextCursor}
		for _, it := range page.Items {
			if p, i, ok := c.findLocked(it.ID); ok {
				c.pages[p].Items[i] = merge(c.pages[p].Items[i], it)
				continue
			}
			if _, _, dup := findIn(fresh.Items, it.ID); dup {
				continue
			}
			fresh.Items = append(fresh.Items, it)
		}
		c.pages = append(c.pages, fresh)
		c.mu.Unlock()

		c.log.Debug().Str("cursor", cursor).Int("items", len(fresh.Items)).Bool("has_more", page.HasMore).Msg("older page loaded")
		c.notify()
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (c *Cache) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasMoreLocked()
}

func (c *Cache) hasMoreLocked() bool {
	if len(c.pages) == 0 {
		return !c.loaded
	}
	return c.pages[len(c.pages)-1].HasMore
}

func (c *Cache) oldestTimestampLocked() string {
	for p := len(c.pages) - 1; p >= 0; p-- {
		if n := len(c.pages[p].Items); n > 0 {
			return c.pages[p].Items[n-1].Timestamp
		}
	}
	return ""
}

// Items returns a copy of the merged view, newest-first.
func (c *Cache) Items() []chat.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []chat.Item
	for _, p := range c.pages {
		out = append(out, p.Items...)
	}
	return out
}

// Pages returns a deep copy of the loaded pages.
func (c *Cache) Pages() []chat.Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clonePages(c.pages)
}

func (c *Cache) Get(id string) (chat.Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, i, ok := c.findLocked(id)
	if !ok {
		return chat.Item{}, false
	}
	return c.pages[p].Items[i], true
}

// AddOptimisticItem inserts item into the newest page. The returned undo
// removes exactly that id wherever it sits; once a confirmed item with a
// different id has replaced it, undo is a no-op.
func (c *Cache) AddOptimisticItem(item chat.Item) (undo func()) {
	c.mu.Lock()
	c.upsertLocked(item)
	c.mu.Unlock()
	c.notify()

	id := item.ID
	return func() {
		c.Remove(id)
	}
}

// ReplaceItem swaps oldID for item in place. When oldID is gone, item is
// inserted instead; when item's id is already present elsewhere, the old
// entry is dropped and the existing one updated.
func (c *Cache) ReplaceItem(oldID string, item chat.Item) {
	c.mu.Lock()
	c.replaceLocked(oldID, item)
	c.mu.Unlock()
	c.notify()
}

func (c *Cache) replaceLocked(oldID string, item chat.Item) {
	op, oi, found := c.findLocked(oldID)
	if !found {
		c.upsertLocked(item)
		return
	}
	if item.ID != oldID {
		if np, ni, dup := c.findLocked(item.ID); dup {
			c.pages[np].Items[ni] = merge(c.pages[np].Items[ni], item)
			c.removeAtLocked(op, oi)
			c.touchLocked(item.ID)
			return
		}
	}
	c.pages[op].Items[oi] = item
	c.touchLocked(item.ID)
}

// UpsertByID overwrites the fields of an existing item with the same id, or
// inserts item into the newest page.
func (c *Cache) UpsertByID(item chat.Item) {
	c.mu.Lock()
	c.upsertLocked(item)
	c.mu.Unlock()
	c.notify()
}

func (c *Cache) upsertLocked(item chat.Item) {
	c.touchLocked(item.ID)
	if p, i, ok := c.findLocked(item.ID); ok {
		c.pages[p].Items[i] = merge(c.pages[p].Items[i], item)
		return
	}
	c.insertSortedLocked(item)
}

func (c *Cache) touchLocked(id string) {
	c.rev++
	c.touched[id] = c.rev
}

// insertSortedLocked places item before the first strictly older entry, so
// equal timestamps keep arrival order. Items newer than everything land at
// the head of page 0.
func (c *Cache) insertSortedLocked(item chat.Item) {
	if len(c.pages) == 0 {
		c.pages = []chat.Page{{}}
	}
	t := item.Time()
	for p := range c.pages {
		items := c.pages[p].Items
		for i := range items {
			if items[i].Time().Before(t) {
				c.pages[p].Items = insertAt(items, i, item)
				return
			}
		}
	}
	last := len(c.pages) - 1
	c.pages[last].Items = append(c.pages[last].Items, item)
}

// Remove deletes id wherever it sits and reports whether it was present.
func (c *Cache) Remove(id string) bool {
	c.mu.Lock()
	p, i, ok := c.findLocked(id)
	if ok {
		c.removeAtLocked(p, i)
	}
	c.mu.Unlock()
	if ok {
		c.notify()
	}
	return ok
}

func (c *Cache) removeAtLocked(p, i int) {
	items := c.pages[p].Items
	c.pages[p].Items = append(items[:i:i], items[i+1:]...)
}

func (c *Cache) findLocked(id string) (int, int, bool) {
	for p := range c.pages {
		if _, i, ok := findIn(c.pages[p].Items, id); ok {
			return p, i, true
		}
	}
	return 0, 0, false
}

// Clear discards every loaded page; in-flight fetches are ignored.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.pages = nil
	c.loaded = false
	c.epoch++
	c.touched = make(map[string]uint64)
	c.mu.Unlock()
	c.notify()
}

func findIn(items []chat.Item, id string) (chat.Item, int, bool) {
	for i := range items {
		if items[i].ID == id {
			return items[i], i, true
		}
	}
	return chat.Item{}, 0, false
}

func insertAt(items []chat.Item, i int, item chat.Item) []chat.Item {
	items = append(items, chat.Item{})
	copy(items[i+1:], items[i:])
	items[i] = item
	return items
}

func dedupPage(p chat.Page) chat.Page {
	out := chat.Page{HasMore: p.HasMore, NextCursor: p.NextCursor, Items: make([]chat.Item, 0, len(p.Items))}
	seen := make(map[string]struct{}, len(p.Items))
	for _, it := range p.Items {
		if _, ok := seen[it.ID]; ok {
			continue
		}
		seen[it.ID] = struct{}{}
		out.Items = append(out.Items, it)
	}
	return out
}

func clonePages(pages []chat.Page) []chat.Page {
	if pages == nil {
		return nil
	}
	out := make([]chat.Page, len(pages))
	for i, p := range pages {
		out[i] = chat.Page{HasMore: p.HasMore, NextCursor: p.NextCursor, Items: append([]chat.Item(nil), p.Items...)}
	}
	return out
}

// merge applies incoming over existing field by field. A terminal item is
// never moved back to a non-terminal status, and its content stays frozen
// against such stale writes.
func merge(existing, incoming chat.Item) chat.Item {
	if existing.Status.Terminal() && incoming.Status != "" && !incoming.Status.Terminal() {
		return existing
	}
	out := existing
	if incoming.Type != "" {
		out.Type = incoming.Type
	}
	if incoming.Timestamp != "" {
		out.Timestamp = incoming.Timestamp
	}
	if incoming.Content != "" {
		out.Content = incoming.Content
	}
	if incoming.Status != "" {
		out.Status = incoming.Status
	}
	if incoming.SenderID != "" {
		out.SenderID = incoming.SenderID
	}
	if incoming.IndicatorType != "" {
		out.IndicatorType = incoming.IndicatorType
	}
	if incoming.Intensity != 0 {
		out.Intensity = incoming.Intensity
	}
	return out
}
