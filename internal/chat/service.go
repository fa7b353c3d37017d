package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/suPer8Hu/mediation/internal/ai"
	"github.com/suPer8Hu/mediation/internal/common"
	"gorm.io/gorm"
)

// Notifier receives side effects of saved messages. The devserver fans them
// out to realtime channels and the push queue.
type Notifier interface {
	MessageSaved(ctx context.Context, sess *Session, userID uint64, item Item)
	ProgressChanged(ctx context.Context, sess *Session, userID uint64, p Progress)
	// ReplyFailed reports a provider failure; aiMessageID is empty when no
	// id was announced yet.
	ReplyFailed(ctx context.Context, sess *Session, userID uint64, aiMessageID string, err error)
}

type nopNotifier struct{}

func (nopNotifier) MessageSaved(context.Context, *Session, uint64, Item)         {}
func (nopNotifier) ProgressChanged(context.Context, *Session, uint64, Progress)  {}
func (nopNotifier) ReplyFailed(context.Context, *Session, uint64, string, error) {}

var ErrEmptyMessage = errors.New("message content is empty")

type Service struct {
	repo              *Repo
	registry          *ai.Registry
	providerName      string
	contextWindowSize int
	notifier          Notifier

	clockMu sync.Mutex
	last    time.Time
}

func NewService(repo *Repo, registry *ai.Registry, providerName string, contextWindowSize int) *Service {
	if contextWindowSize <= 0 || contextWindowSize > 100 {
		contextWindowSize = 20
	}
	if providerName == "" {
		providerName = defaultProvider
	}
	return &Service{
		repo:              repo,
		registry:          registry,
		providerName:      providerName,
		contextWindowSize: contextWindowSize,
		notifier:          nopNotifier{},
	}
}

func (s *Service) SetNotifier(n Notifier) {
	if n == nil {
		n = nopNotifier{}
	}
	s.notifier = n
}

const (
	defaultProvider = "scripted"

	// a stage advances after this many user messages in it
	messagesPerStage = 4
	// the AI offers a "do you feel heard" check every this many user messages
	feelHeardEvery = 3
)

// now returns strictly increasing UTC times so timeline order never ties
// within one process.
func (s *Service) now() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	t := time.Now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func (s *Service) CreateSession(ctx context.Context, ownerID, partnerID uint64, partnerName string) (*Session, error) {
	sid, err := common.NewULID()
	if err != nil {
		return nil, err
	}

	session := &Session{
		SessionID:   sid,
		OwnerID:     ownerID,
		PartnerID:   partnerID,
		PartnerName: partnerName,
		Stage:       StageCompact,
		Status:      "active",
	}

	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// ValidateSessionMember loads the session and hides it from non-members.
func (s *Service) ValidateSessionMember(ctx context.Context, userID uint64, sessionID string) (*Session, error) {
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, gorm.ErrRecordNotFound
		}
		return nil, err
	}
	if !sess.HasMember(userID) {
		return nil, gorm.ErrRecordNotFound
	}
	return sess, nil
}

func (s *Service) Detail(ctx context.Context, userID uint64, sessionID string) (SessionDetail, error) {
	sess, err := s.ValidateSessionMember(ctx, userID, sessionID)
	if err != nil {
		return SessionDetail{}, err
	}
	return SessionDetail{
		ID:          sess.SessionID,
		Stage:       sess.Stage,
		Status:      sess.Status,
		PartnerName: sess.PartnerName,
		UpdatedAt:   sess.UpdatedAt,
	}, nil
}

func (s *Service) Progress(ctx context.Context, userID uint64, sessionID string) (Progress, error) {
	sess, err := s.ValidateSessionMember(ctx, userID, sessionID)
	if err != nil {
		return Progress{}, err
	}
	return s.progressOf(ctx, sess, userID)
}

func (s *Service) progressOf(ctx context.Context, sess *Session, userID uint64) (Progress, error) {
	n, err := s.repo.CountUserMessages(ctx, userID, sess.SessionID)
	if err != nil {
		return Progress{}, err
	}
	return Progress{
		Stage:        sess.Stage,
		StageName:    sess.Stage.String(),
		Status:       sess.Status,
		MessageCount: n,
		UpdatedAt:    sess.UpdatedAt,
	}, nil
}

// ListTimeline returns one newest-first page strictly older than before.
func (s *Service) ListTimeline(ctx context.Context, userID uint64, sessionID string, limit int, before time.Time) (Page, error) {
	if _, err := s.ValidateSessionMember(ctx, userID, sessionID); err != nil {
		return Page{}, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	msgs, hasMore, err := s.repo.ListTimeline(ctx, userID, sessionID, limit, before.UTC())
	if err != nil {
		return Page{}, err
	}
	page := Page{Items: make([]Item, 0, len(msgs)), HasMore: hasMore}
	for _, m := range msgs {
		page.Items = append(page.Items, m.Item())
	}
	if hasMore && len(page.Items) > 0 {
		page.NextCursor = page.Items[len(page.Items)-1].Timestamp
	}
	return page, nil
}

func (s *Service) provider(ctx context.Context) (ai.Provider, error) {
	return s.registry.Get(ctx, s.providerName, "")
}

func (s *Service) insertUserMessage(ctx context.Context, userID uint64, sessionID, content string) (*Message, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	m := &Message{
		ID:        id,
		SessionID: sessionID,
		UserID:    userID,
		Type:      ItemUserMessage,
		Content:   content,
		CreatedAt: s.now(),
	}
	if err := s.repo.InsertMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// providerContext builds provider messages from recent DB history (ASC).
func (s *Service) providerContext(ctx context.Context, sess *Session, userID uint64) ([]ai.Message, error) {
	recentDesc, err := s.repo.ListRecentMessagesDesc(ctx, userID, sess.SessionID, s.contextWindowSize)
	if err != nil {
		return nil, err
	}
	out := make([]ai.Message, 0, len(recentDesc)+1)
	out = append(out, ai.Message{Role: "system", Content: ai.SystemPrompt(sess.Stage.String())})
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		role := "user"
		if m.Type == ItemAIMessage {
			role = "assistant"
		}
		out = append(out, ai.Message{Role: role, Content: m.Content})
	}
	return out, nil
}

// afterReply stores the assistant message, advances the stage when due and
// returns the metadata offered to the client.
func (s *Service) afterReply(ctx context.Context, sess *Session, userID uint64, aiID, reply string) (Item, map[string]any, error) {
	assistantMsg := &Message{
		ID:        aiID,
		SessionID: sess.SessionID,
		UserID:    userID,
		Type:      ItemAIMessage,
		Content:   reply,
		CreatedAt: s.now(),
	}
	if err := s.repo.InsertMessage(ctx, assistantMsg); err != nil {
		return Item{}, nil, err
	}
	item := assistantMsg.Item()
	s.notifier.MessageSaved(ctx, sess, userID, item)

	count, err := s.repo.CountUserMessages(ctx, userID, sess.SessionID)
	if err != nil {
		return Item{}, nil, err
	}
	metadata := offerMetadata(count)

	if count > 0 && count%messagesPerStage == 0 && sess.Stage < StageAgreement {
		next := sess.Stage + 1
		if err := s.repo.AdvanceStage(ctx, sess.SessionID, next); err != nil {
			return Item{}, nil, err
		}
		sess.Stage = next
		if err := s.insertIndicator(ctx, sess, userID, "stage-"+next.String()); err != nil {
			return Item{}, nil, err
		}
	} else if err := s.repo.TouchSession(ctx, sess.SessionID); err != nil {
		return Item{}, nil, err
	}

	sess.UpdatedAt = time.Now()
	if p, err := s.progressOf(ctx, sess, userID); err == nil {
		s.notifier.ProgressChanged(ctx, sess, userID, p)
	}
	return item, metadata, nil
}

func offerMetadata(userMessages int64) map[string]any {
	if userMessages > 0 && userMessages%feelHeardEvery == 0 {
		return map[string]any{"offerFeelHeardCheck": true}
	}
	return nil
}

func (s *Service) insertIndicator(ctx context.Context, sess *Session, userID uint64, kind string) error {
	id, err := common.NewULID()
	if err != nil {
		return err
	}
	m := &Message{
		ID:            id,
		SessionID:     sess.SessionID,
		UserID:        userID,
		Type:          ItemIndicator,
		IndicatorType: kind,
		CreatedAt:     s.now(),
	}
	if err := s.repo.InsertMessage(ctx, m); err != nil {
		return err
	}
	s.notifier.MessageSaved(ctx, sess, userID, m.Item())
	return nil
}

// RecordEmotion stores an emotion-change marker in the caller's timeline.
func (s *Service) RecordEmotion(ctx context.Context, userID uint64, sessionID string, intensity int) (Item, error) {
	sess, err := s.ValidateSessionMember(ctx, userID, sessionID)
	if err != nil {
		return Item{}, err
	}
	id, err := common.NewULID()
	if err != nil {
		return Item{}, err
	}
	m := &Message{
		ID:        id,
		SessionID: sessionID,
		UserID:    userID,
		Type:      ItemEmotionChange,
		Intensity: intensity,
		CreatedAt: s.now(),
	}
	if err := s.repo.InsertMessage(ctx, m); err != nil {
		return Item{}, err
	}
	s.notifier.MessageSaved(ctx, sess, userID, m.Item())
	return m.Item(), nil
}

// SendMessage stores the user message, asks the provider for a reply and
// stores it. Both items are returned in timeline form.
func (s *Service) SendMessage(ctx context.Context, userID uint64, sessionID string, content string) (userItem Item, aiItem Item, err error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Item{}, Item{}, ErrEmptyMessage
	}
	// 1) verify session membership
	sess, err := s.ValidateSessionMember(ctx, userID, sessionID)
	if err != nil {
		return Item{}, Item{}, err
	}

	provider, err := s.provider(ctx)
	if err != nil {
		return Item{}, Item{}, err
	}

	// 2) store user message (strong consistency)
	userMsg, err := s.insertUserMessage(ctx, userID, sessionID, content)
	if err != nil {
		return Item{}, Item{}, err
	}

	// 3) build provider messages from recent DB history
	providerMsgs, err := s.providerContext(ctx, sess, userID)
	if err != nil {
		return Item{}, Item{}, err
	}

	// 4) call provider
	reply, err := provider.Chat(ctx, providerMsgs)
	if err != nil {
		s.notifier.ReplyFailed(ctx, sess, userID, "", err)
		return Item{}, Item{}, err
	}

	// 5) store assistant message
	aiID, err := common.NewULID()
	if err != nil {
		return Item{}, Item{}, err
	}
	aiItem, _, err = s.afterReply(ctx, sess, userID, aiID, reply)
	if err != nil {
		return Item{}, Item{}, err
	}
	return userMsg.Item(), aiItem, nil
}

type StreamEventKind string

const (
	EventUserMessage  StreamEventKind = "user_message"
	EventChunk        StreamEventKind = "chunk"
	EventMetadata     StreamEventKind = "metadata"
	EventTextComplete StreamEventKind = "text_complete"
	EventComplete     StreamEventKind = "complete"
	EventError        StreamEventKind = "error"
)

// StreamEvent is one step of a streamed send, in wire order.
type StreamEvent struct {
	Kind        StreamEventKind
	UserMessage *Item
	AIMessageID string
	Text        string
	Metadata    map[string]any
	AIMessage   *Item
	Err         error
}

// SendMessageStream stores the user message immediately, streams assistant
// chunks, signals text completion and finally stores the assistant message.
// The returned channel is closed after a complete or error event.
func (s *Service) SendMessageStream(ctx context.Context, userID uint64, sessionID string, content string) <-chan StreamEvent {
	out := make(chan StreamEvent, 16)

	go func() {
		defer close(out)

		emit := func(ev StreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		fail := func(err error) {
			emit(StreamEvent{Kind: EventError, Err: err})
		}

		content = strings.TrimSpace(content)
		if content == "" {
			fail(ErrEmptyMessage)
			return
		}

		// 1) session membership check
		sess, err := s.ValidateSessionMember(ctx, userID, sessionID)
		if err != nil {
			fail(err)
			return
		}

		provider, err := s.provider(ctx)
		if err != nil {
			fail(err)
			return
		}
		sp, ok := provider.(ai.StreamProvider)
		if !ok {
			fail(errors.New("provider does not support streaming"))
			return
		}

		// 2) insert user message
		userMsg, err := s.insertUserMessage(ctx, userID, sessionID, content)
		if err != nil {
			fail(err)
			return
		}
		aiID, err := common.NewULID()
		if err != nil {
			fail(err)
			return
		}
		userItem := userMsg.Item()
		if !emit(StreamEvent{Kind: EventUserMessage, UserMessage: &userItem, AIMessageID: aiID}) {
			return
		}

		// 3) load recent messages, build provider context (ASC)
		providerMsgs, err := s.providerContext(ctx, sess, userID)
		if err != nil {
			fail(err)
			return
		}

		// 4) stream from provider
		pChunks, pErrs := sp.StreamChat(ctx, providerMsgs)

		var b strings.Builder
		for c := range pChunks {
			b.WriteString(c)
			if !emit(StreamEvent{Kind: EventChunk, Text: c}) {
				return
			}
		}

		// provider error (if any)
		if err := <-pErrs; err != nil {
			s.notifier.ReplyFailed(ctx, sess, userID, aiID, err)
			fail(err)
			return
		}

		// 5) text is final before the durable save; complete follows the save
		count, err := s.repo.CountUserMessages(ctx, userID, sessionID)
		if err != nil {
			fail(err)
			return
		}
		reply := b.String()
		if !emit(StreamEvent{Kind: EventTextComplete, AIMessageID: aiID, Text: reply, Metadata: offerMetadata(count)}) {
			return
		}

		aiItem, metadata, err := s.afterReply(ctx, sess, userID, aiID, reply)
		if err != nil {
			fail(err)
			return
		}
		emit(StreamEvent{Kind: EventComplete, AIMessageID: aiID, AIMessage: &aiItem, Metadata: metadata})
	}()

	return out
}
