package animation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/mediation/internal/chat"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func item(id string, sec int, typ chat.ItemType) chat.Item {
	return chat.Item{ID: id, Type: typ, Timestamp: chat.FormatTimestamp(t0.Add(time.Duration(sec) * time.Second))}
}

func ai(id string, sec int) chat.Item { return item(id, sec, chat.ItemAIMessage) }

func animatingCount(f Frame) int {
	n := 0
	for _, st := range f.States {
		if st == Animating {
			n++
		}
	}
	return n
}

func TestInitialItemsNeverAnimate(t *testing.T) {
	s := New()
	initial := []chat.Item{ai("b", 2), ai("a", 1)}
	s.MarkInitialLoad(initial, t0.Add(2*time.Second))

	f := s.Evaluate(initial)
	assert.Empty(t, f.Started)
	assert.Equal(t, Complete, f.States["a"])
	assert.Equal(t, Complete, f.States["b"])
}

// Three new AI items in one batch animate one at a time, oldest first.
func TestBatchAnimatesOldestFirst(t *testing.T) {
	s := New()
	s.MarkInitialLoad([]chat.Item{ai("old", 0)}, t0)

	items := []chat.Item{ai("n3", 13), ai("n2", 12), ai("n1", 11), ai("old", 0)}
	var order []string
	for i := 0; i < 3; i++ {
		f := s.Evaluate(items)
		require.Equal(t, 1, animatingCount(f))
		require.NotEmpty(t, f.Started)
		order = append(order, f.Started)

		// re-rendering mid-animation changes nothing
		again := s.Evaluate(items)
		assert.Empty(t, again.Started)
		assert.Equal(t, f.States, again.States)

		s.Complete(f.Started)
	}
	assert.Equal(t, []string{"n1", "n2", "n3"}, order)

	f := s.Evaluate(items)
	assert.Empty(t, f.Started)
	assert.Zero(t, animatingCount(f))
}

func TestNewArrivalWaitsHidden(t *testing.T) {
	s := New()
	s.MarkInitialLoad(nil, t0)

	f := s.Evaluate([]chat.Item{ai("x", 5)})
	require.Equal(t, "x", f.Started)

	f = s.Evaluate([]chat.Item{ai("y", 6), ai("x", 5)})
	assert.Equal(t, Animating, f.States["x"])
	assert.Equal(t, Hidden, f.States["y"])

	s.Complete("x")
	f = s.Evaluate([]chat.Item{ai("y", 6), ai("x", 5)})
	assert.Equal(t, "y", f.Started)
	assert.Equal(t, Complete, f.States["x"], "an animated item never animates again")
}

func TestIneligibleItems(t *testing.T) {
	s := New()
	s.MarkInitialLoad(nil, t0)

	items := []chat.Item{
		item("optimistic-1", 9, chat.ItemUserMessage),
		item("ind", 8, chat.ItemIndicator),
		item("emo", 7, chat.ItemEmotionChange),
	}
	f := s.Evaluate(items)
	assert.Empty(t, f.Started)
	for id, st := range f.States {
		assert.Equal(t, Complete, st, id)
	}
}

func TestBackfillKnownByMarker(t *testing.T) {
	s := New()
	s.MarkInitialLoad([]chat.Item{ai("a", 10)}, t0.Add(10*time.Second))

	// a realtime item that predates the marker shows up after load
	f := s.Evaluate([]chat.Item{ai("late", 10), ai("a", 10), ai("older", 3)})
	assert.Empty(t, f.Started)
	assert.Equal(t, Complete, f.States["late"])
	assert.Equal(t, Complete, f.States["older"])
}

func TestMarkKnownForPagination(t *testing.T) {
	s := New()
	page := []chat.Item{ai("p2", 20), ai("p1", 19)}
	s.MarkKnown(page)
	f := s.Evaluate(page)
	assert.Empty(t, f.Started)
}

func TestRemovedAnimatingItemReleasesSlot(t *testing.T) {
	s := New()
	s.MarkInitialLoad(nil, t0)
	require.Equal(t, "x", s.Evaluate([]chat.Item{ai("x", 5)}).Started)

	f := s.Evaluate([]chat.Item{ai("y", 6)})
	assert.Equal(t, "y", f.Started)
}

func TestRenameKeepsAnimation(t *testing.T) {
	s := New()
	s.MarkInitialLoad(nil, t0)
	require.Equal(t, "stream-1", s.Evaluate([]chat.Item{ai("stream-1", 5)}).Started)

	s.Rename("stream-1", "ai1")
	f := s.Evaluate([]chat.Item{ai("ai1", 5)})
	assert.Empty(t, f.Started)
	assert.Equal(t, Animating, f.States["ai1"])

	s.Complete("ai1")
	f = s.Evaluate([]chat.Item{ai("ai1", 5)})
	assert.Equal(t, Complete, f.States["ai1"])
}

func TestReset(t *testing.T) {
	s := New()
	s.MarkInitialLoad([]chat.Item{ai("a", 1)}, t0.Add(time.Minute))
	s.Reset()
	f := s.Evaluate([]chat.Item{ai("a", 1)})
	assert.Equal(t, "a", f.Started)
	assert.Equal(t, "a", f.Animating())
}
