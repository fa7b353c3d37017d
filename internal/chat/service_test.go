package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suPer8Hu/mediation/internal/ai"
	"gorm.io/gorm"
)

type recordingProvider struct {
	ai.ScriptedProvider
	last []ai.Message
}

func (p *recordingProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	// copy to avoid mutations
	p.last = append([]ai.Message(nil), messages...)
	return "ok", nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	saved    []Item
	progress []Progress
	failed   []string
}

func (n *recordingNotifier) MessageSaved(_ context.Context, _ *Session, _ uint64, item Item) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.saved = append(n.saved, item)
}

func (n *recordingNotifier) ReplyFailed(_ context.Context, _ *Session, _ uint64, aiMessageID string, _ error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, aiMessageID)
}

func (n *recordingNotifier) ProgressChanged(_ context.Context, _ *Session, _ uint64, p Progress) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, p)
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{NowFunc: func() time.Time { return time.Now().UTC() }})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(AllModels()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, prov ai.Provider) (*Service, *Repo, *Session) {
	t.Helper()
	repo := NewRepo(openTestDB(t))
	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		return prov, nil
	})
	svc := NewService(repo, reg, "fake", 20)

	sess, err := svc.CreateSession(context.Background(), 1, 2, "Sam")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return svc, repo, sess
}

func TestSendMessage_WritesUserAndAssistant(t *testing.T) {
	prov := &recordingProvider{}
	svc, _, sess := newTestService(t, prov)

	userItem, aiItem, err := svc.SendMessage(context.Background(), 1, sess.SessionID, "Hello")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if userItem.Type != ItemUserMessage || userItem.Content != "Hello" || userItem.Status != StatusSent {
		t.Fatalf("unexpected user item: %+v", userItem)
	}
	if aiItem.Type != ItemAIMessage || aiItem.Content != "ok" || aiItem.Status != StatusComplete {
		t.Fatalf("unexpected ai item: %+v", aiItem)
	}
	if !aiItem.Time().After(userItem.Time()) {
		t.Fatalf("assistant reply must be newer than the user message")
	}

	page, err := svc.ListTimeline(context.Background(), 1, sess.SessionID, 10, time.Time{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(page.Items))
	}
	if page.Items[0].ID != aiItem.ID || page.Items[1].ID != userItem.ID {
		t.Fatalf("timeline should be newest-first: %+v", page.Items)
	}
}

func TestSendMessage_NonMemberSeesNotFound(t *testing.T) {
	svc, _, sess := newTestService(t, &recordingProvider{})

	_, _, err := svc.SendMessage(context.Background(), 99, sess.SessionID, "Hello")
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSendMessage_UsesContextWindow(t *testing.T) {
	prov := &recordingProvider{}
	repo := NewRepo(openTestDB(t))
	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		return prov, nil
	})

	window := 3
	svc := NewService(repo, reg, "fake", window)
	sess, err := svc.CreateSession(context.Background(), 2, 3, "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	// seed messages: 5 messages already in history
	for i := 0; i < 5; i++ {
		typ := ItemUserMessage
		if i%2 == 1 {
			typ = ItemAIMessage
		}
		if err := repo.InsertMessage(context.Background(), &Message{
			ID:        fmt.Sprintf("seed%02d", i),
			SessionID: sess.SessionID,
			UserID:    2,
			Type:      typ,
			Content:   "seed",
			CreatedAt: time.Now().UTC().Add(time.Duration(i-10) * time.Second),
		}); err != nil {
			t.Fatalf("seed msg %d: %v", i, err)
		}
	}

	// provider gets the system prompt plus only `window` most recent msgs
	if _, _, err := svc.SendMessage(context.Background(), 2, sess.SessionID, "new"); err != nil {
		t.Fatalf("send message: %v", err)
	}

	if len(prov.last) != window+1 {
		t.Fatalf("expected provider to receive %d messages, got %d", window+1, len(prov.last))
	}
	if prov.last[0].Role != "system" {
		t.Fatalf("expected system prompt first, got %q", prov.last[0].Role)
	}
	newest := prov.last[len(prov.last)-1]
	if newest.Role != "user" || newest.Content != "new" {
		t.Fatalf("expected last provider msg to be new user msg, got role=%q content=%q", newest.Role, newest.Content)
	}
}

func TestListTimeline_CursorPagination(t *testing.T) {
	svc, repo, sess := newTestService(t, &recordingProvider{})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		if err := repo.InsertMessage(context.Background(), &Message{
			ID:        fmt.Sprintf("m%02d", i),
			SessionID: sess.SessionID,
			UserID:    1,
			Type:      ItemUserMessage,
			Content:   "x",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	first, err := svc.ListTimeline(context.Background(), 1, sess.SessionID, 10, time.Time{})
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(first.Items) != 10 || !first.HasMore || first.Items[0].ID != "m24" {
		t.Fatalf("unexpected first page: hasMore=%v len=%d head=%s", first.HasMore, len(first.Items), first.Items[0].ID)
	}

	cursor, err := time.Parse(time.RFC3339Nano, first.NextCursor)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	second, err := svc.ListTimeline(context.Background(), 1, sess.SessionID, 10, cursor)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if second.Items[0].ID != "m14" {
		t.Fatalf("second page should continue below the cursor, got %s", second.Items[0].ID)
	}

	cursor, _ = time.Parse(time.RFC3339Nano, second.NextCursor)
	third, err := svc.ListTimeline(context.Background(), 1, sess.SessionID, 10, cursor)
	if err != nil {
		t.Fatalf("third page: %v", err)
	}
	if len(third.Items) != 5 || third.HasMore || third.NextCursor != "" {
		t.Fatalf("unexpected last page: %+v", third)
	}
}

func TestSendMessageStream_EventOrder(t *testing.T) {
	n := &recordingNotifier{}
	svc, _, sess := newTestService(t, &ai.ScriptedProvider{})
	svc.SetNotifier(n)

	var kinds []StreamEventKind
	var text strings.Builder
	var aiID string
	for ev := range svc.SendMessageStream(context.Background(), 1, sess.SessionID, "I am tired") {
		kinds = append(kinds, ev.Kind)
		switch ev.Kind {
		case EventUserMessage:
			if ev.UserMessage == nil || ev.UserMessage.Content != "I am tired" {
				t.Fatalf("bad user_message event: %+v", ev)
			}
			aiID = ev.AIMessageID
		case EventChunk:
			text.WriteString(ev.Text)
		case EventTextComplete:
			if ev.Text != text.String() {
				t.Fatalf("full text %q != chunks %q", ev.Text, text.String())
			}
		case EventComplete:
			if ev.AIMessage == nil || ev.AIMessage.ID != aiID {
				t.Fatalf("complete should carry the announced ai id %s: %+v", aiID, ev.AIMessage)
			}
		case EventError:
			t.Fatalf("unexpected error: %v", ev.Err)
		}
	}

	if kinds[0] != EventUserMessage || kinds[len(kinds)-1] != EventComplete || kinds[len(kinds)-2] != EventTextComplete {
		t.Fatalf("unexpected order: %v", kinds)
	}
	if len(n.saved) != 1 || n.saved[0].ID != aiID {
		t.Fatalf("notifier should see the saved assistant message: %+v", n.saved)
	}
	if len(n.progress) != 1 {
		t.Fatalf("expected one progress notification, got %d", len(n.progress))
	}
}

func TestSendMessageStream_ProviderError(t *testing.T) {
	n := &recordingNotifier{}
	svc, _, sess := newTestService(t, &ai.ScriptedProvider{Fail: errors.New("model offline")})
	svc.SetNotifier(n)

	var last StreamEvent
	var aiID string
	for ev := range svc.SendMessageStream(context.Background(), 1, sess.SessionID, "hi") {
		if ev.Kind == EventUserMessage {
			aiID = ev.AIMessageID
		}
		last = ev
	}
	if last.Kind != EventError || last.Err == nil || last.Err.Error() != "model offline" {
		t.Fatalf("expected terminal error event, got %+v", last)
	}
	if len(n.failed) != 1 || n.failed[0] != aiID || aiID == "" {
		t.Fatalf("expected one failure report for %q, got %v", aiID, n.failed)
	}
}

func TestStageAdvancesWithIndicator(t *testing.T) {
	svc, _, sess := newTestService(t, &recordingProvider{})

	for i := 0; i < messagesPerStage; i++ {
		if _, _, err := svc.SendMessage(context.Background(), 1, sess.SessionID, fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	p, err := svc.Progress(context.Background(), 1, sess.SessionID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Stage != StageWitness || p.MessageCount != messagesPerStage {
		t.Fatalf("unexpected progress: %+v", p)
	}

	page, err := svc.ListTimeline(context.Background(), 1, sess.SessionID, 1, time.Time{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Items[0].Type != ItemIndicator || page.Items[0].IndicatorType != "stage-witness" {
		t.Fatalf("expected stage indicator on top, got %+v", page.Items[0])
	}
}
