package chat

import (
	"time"

	"github.com/suPer8Hu/mediation/internal/common"
)

type ItemType string

const (
	ItemUserMessage   ItemType = "USER_MESSAGE"
	ItemAIMessage     ItemType = "AI_MESSAGE"
	ItemIndicator     ItemType = "INDICATOR"
	ItemEmotionChange ItemType = "EMOTION_CHANGE"
)

// IsContent reports whether items of this type carry message content.
// Indicators and emotion-change markers never stream and never animate.
func (t ItemType) IsContent() bool {
	return t == ItemUserMessage || t == ItemAIMessage
}

type Status string

const (
	// user messages
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"

	// AI messages
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
)

// Terminal reports whether content is frozen in this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusComplete, StatusError:
		return true
	}
	return false
}

// Item is one entry of a session timeline.
type Item struct {
	ID            string   `json:"id"`
	Type          ItemType `json:"type"`
	Timestamp     string   `json:"timestamp"`
	Content       string   `json:"content,omitempty"`
	Status        Status   `json:"status,omitempty"`
	SenderID      string   `json:"senderId,omitempty"`
	IndicatorType string   `json:"indicatorType,omitempty"`
	Intensity     int      `json:"intensity,omitempty"`
}

// Time parses Timestamp. Unparseable timestamps sort as the zero time.
func (it Item) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, it.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (it Item) Optimistic() bool {
	return common.IsOptimisticID(it.ID)
}

// Newer reports whether a sorts strictly before b in newest-first order.
func Newer(a, b Item) bool {
	return a.Time().After(b.Time())
}

// FormatTimestamp renders t the way timeline timestamps travel on the wire.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Page is one fetched batch of items, newest-first.
type Page struct {
	Items      []Item `json:"items"`
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// Stage identifies a step of the facilitated conversation.
type Stage int

const (
	StageCompact Stage = iota
	StageWitness
	StageNeeds
	StageStrategies
	StageAgreement
)

func (s Stage) String() string {
	switch s {
	case StageCompact:
		return "compact"
	case StageWitness:
		return "witness"
	case StageNeeds:
		return "needs"
	case StageStrategies:
		return "strategies"
	case StageAgreement:
		return "agreement"
	}
	return "unknown"
}

// Progress is the stage position of one session.
type Progress struct {
	Stage        Stage     `json:"stage"`
	StageName    string    `json:"stageName"`
	Status       string    `json:"status"`
	MessageCount int64     `json:"messageCount"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// SessionDetail is the summary shown on the session screen.
type SessionDetail struct {
	ID          string    `json:"id"`
	Stage       Stage     `json:"stage"`
	Status      string    `json:"status"`
	PartnerName string    `json:"partnerName,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
