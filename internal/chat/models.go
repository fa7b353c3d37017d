package chat

import "time"

type Session struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID   string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`
	OwnerID     uint64    `gorm:"index;not null" json:"-"`
	PartnerID   uint64    `gorm:"index" json:"-"`
	PartnerName string    `gorm:"type:varchar(64)" json:"partner_name"`
	Stage       Stage     `gorm:"not null;default:0" json:"stage"`
	Status      string    `gorm:"type:varchar(16);not null;default:'active'" json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Session) TableName() string { return "mediation_sessions" }

// HasMember reports whether userID is one of the two parties.
func (s *Session) HasMember(userID uint64) bool {
	return userID != 0 && (s.OwnerID == userID || s.PartnerID == userID)
}

type Message struct {
	ID            string    `gorm:"primaryKey;type:varchar(26)" json:"id"`
	SessionID     string    `gorm:"type:varchar(26);not null;index:idx_msg_session_user_created,priority:1" json:"session_id"`
	UserID        uint64    `gorm:"not null;index:idx_msg_session_user_created,priority:2" json:"-"`
	Type          ItemType  `gorm:"type:varchar(16);not null" json:"type"`
	Content       string    `gorm:"type:text;not null" json:"content"`
	IndicatorType string    `gorm:"type:varchar(32)" json:"indicator_type"`
	Intensity     int       `json:"intensity"`
	CreatedAt     time.Time `gorm:"index:idx_msg_session_user_created,priority:3" json:"created_at"`
}

func (Message) TableName() string { return "mediation_messages" }

// Item converts a stored message into its timeline representation.
func (m Message) Item() Item {
	it := Item{
		ID:            m.ID,
		Type:          m.Type,
		Timestamp:     FormatTimestamp(m.CreatedAt),
		Content:       m.Content,
		IndicatorType: m.IndicatorType,
		Intensity:     m.Intensity,
	}
	switch m.Type {
	case ItemUserMessage:
		it.Status = StatusSent
	case ItemAIMessage:
		it.Status = StatusComplete
	}
	return it
}

type PushToken struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	UserID    uint64    `gorm:"not null;index:uniq_push_user_token,unique,priority:1"`
	Token     string    `gorm:"type:varchar(255);not null;index:uniq_push_user_token,unique,priority:2"`
	Platform  string    `gorm:"type:varchar(16);not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (PushToken) TableName() string { return "push_tokens" }

type PushJobStatus string

const (
	PushQueued PushJobStatus = "queued"
	PushSent   PushJobStatus = "sent"
	PushFailed PushJobStatus = "failed"
)

// PushJob is a notification queued for delivery by the worker.
type PushJob struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	UserID    uint64 `gorm:"index;not null"`
	SessionID string `gorm:"size:26;index;not null"`

	Title string `gorm:"type:varchar(128);not null"`
	Body  string `gorm:"type:text;not null"`

	Status PushJobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (PushJob) TableName() string { return "push_jobs" }

type User struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Email        string    `gorm:"type:varchar(128);uniqueIndex;not null" json:"email"`
	Name         string    `gorm:"type:varchar(64)" json:"name"`
	PasswordHash string    `gorm:"type:varchar(100);not null" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

func (User) TableName() string { return "users" }

// AllModels lists every table for AutoMigrate.
func AllModels() []any {
	return []any{&User{}, &Session{}, &Message{}, &PushToken{}, &PushJob{}}
}
