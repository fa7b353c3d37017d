// Package animation decides which timeline items play an entrance
// animation: at most one at a time, oldest pending item first, and never
// an item that was already on screen.
package animation

import (
	"sync"
	"time"

	"github.com/suPer8Hu/mediation/internal/chat"
)

type State string

const (
	Hidden    State = "hidden"
	Animating State = "animating"
	Complete  State = "complete"
)

// Frame is the result of one evaluation.
type Frame struct {
	States map[string]State
	// Started is the id selected to begin animating in this evaluation, if
	// any. It is reported once per selection.
	Started string
}

// Animating returns the id in the Animating state, or "".
func (f Frame) Animating() string {
	for id, st := range f.States {
		if st == Animating {
			return id
		}
	}
	return ""
}

type Sequencer struct {
	mu        sync.Mutex
	known     map[string]struct{}
	animated  map[string]struct{}
	animating string
	marker    time.Time
	markerSet bool
}

func New() *Sequencer {
	return &Sequencer{
		known:    make(map[string]struct{}),
		animated: make(map[string]struct{}),
	}
}

// MarkInitialLoad records the items present when the timeline first loaded
// and the moment loading finished. Items at or before that moment never
// animate, even when they show up later.
func (s *Sequencer) MarkInitialLoad(items []chat.Item, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		s.known[it.ID] = struct{}{}
	}
	s.marker = at
	s.markerSet = true
}

// MarkKnown records items loaded through pagination.
func (s *Sequencer) MarkKnown(items []chat.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		s.known[it.ID] = struct{}{}
	}
}

// Rename carries animation state over when an item's id changes in place.
func (s *Sequencer) Rename(oldID, newID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.known[oldID]; ok {
		s.known[newID] = struct{}{}
	}
	if _, ok := s.animated[oldID]; ok {
		s.animated[newID] = struct{}{}
	}
	if s.animating == oldID {
		s.animating = newID
	}
}

// Evaluate classifies items, given newest-first, and starts the next
// animation when none is running.
func (s *Sequencer) Evaluate(items []chat.Item) Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.markerSet {
		for _, it := range items {
			if !it.Time().After(s.marker) {
				s.known[it.ID] = struct{}{}
			}
		}
	}

	if s.animating != "" && !contains(items, s.animating) {
		// the item left the timeline mid-animation
		s.animating = ""
	}

	f := Frame{States: make(map[string]State, len(items))}
	if s.animating == "" {
		for i := len(items) - 1; i >= 0; i-- {
			if s.eligibleLocked(items[i]) {
				s.animating = items[i].ID
				s.animated[s.animating] = struct{}{}
				f.Started = s.animating
				break
			}
		}
	}

	for _, it := range items {
		switch {
		case it.ID == s.animating:
			f.States[it.ID] = Animating
		case s.eligibleLocked(it):
			f.States[it.ID] = Hidden
		default:
			f.States[it.ID] = Complete
		}
	}
	return f
}

// Complete ends the running animation for id.
func (s *Sequencer) Complete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.animated[id] = struct{}{}
	if s.animating == id {
		s.animating = ""
	}
}

// Reset forgets everything, as for a newly opened session.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known = make(map[string]struct{})
	s.animated = make(map[string]struct{})
	s.animating = ""
	s.marker = time.Time{}
	s.markerSet = false
}

func (s *Sequencer) eligibleLocked(it chat.Item) bool {
	if !it.Type.IsContent() || it.Optimistic() {
		return false
	}
	if _, ok := s.known[it.ID]; ok {
		return false
	}
	_, done := s.animated[it.ID]
	return !done
}

func contains(items []chat.Item, id string) bool {
	for _, it := range items {
		if it.ID == id {
			return true
		}
	}
	return false
}
