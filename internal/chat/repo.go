package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) GetSessionBySessionID(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// TouchSession bumps updated_at so progress readers see the activity.
func (r *Repo) TouchSession(ctx context.Context, sessionID string) error {
	return r.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ?", sessionID).
		Update("updated_at", time.Now()).Error
}

func (r *Repo) AdvanceStage(ctx context.Context, sessionID string, to Stage) error {
	return r.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ? AND stage < ?", sessionID, to).
		Updates(map[string]any{"stage": to, "updated_at": time.Now()}).Error
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

// ListTimeline returns up to limit messages strictly older than before
// (zero means newest), newest -> oldest, and whether older ones remain.
func (r *Repo) ListTimeline(ctx context.Context, userID uint64, sessionID string, limit int, before time.Time) ([]Message, bool, error) {
	q := r.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit + 1)

	if !before.IsZero() {
		q = q.Where("created_at < ?", before)
	}

	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, false, err
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return msgs, hasMore, nil
}

// ListRecentMessagesDesc returns the most recent content messages in DESC order (newest -> oldest).
func (r *Repo) ListRecentMessagesDesc(ctx context.Context, userID uint64, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ? AND type IN ?", userID, sessionID, []ItemType{ItemUserMessage, ItemAIMessage}).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repo) CountUserMessages(ctx context.Context, userID uint64, sessionID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Message{}).
		Where("user_id = ? AND session_id = ? AND type = ?", userID, sessionID, ItemUserMessage).
		Count(&n).Error
	return n, err
}

// SavePushToken registers a device token; re-registering is a no-op.
func (r *Repo) SavePushToken(ctx context.Context, t *PushToken) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "token"}},
			DoUpdates: clause.AssignmentColumns([]string{"platform", "updated_at"}),
		}).
		Create(t).Error
}

func (r *Repo) ListPushTokens(ctx context.Context, userID uint64) ([]PushToken, error) {
	var out []PushToken
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Push job CRUD
func (r *Repo) CreatePushJob(ctx context.Context, job *PushJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetPushJob(ctx context.Context, id string) (*PushJob, error) {
	var j PushJob
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repo) MarkPushSent(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&PushJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": PushSent,
			"error":  nil,
		}).Error
}

func (r *Repo) MarkPushFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&PushJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": PushFailed,
			"error":  errMsg,
		}).Error
}

func (r *Repo) CreateUser(ctx context.Context, u *User) error {
	return r.db.WithContext(ctx).Create(u).Error
}

func (r *Repo) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *Repo) GetUser(ctx context.Context, id uint64) (*User, error) {
	var u User
	if err := r.db.WithContext(ctx).First(&u, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, gorm.ErrRecordNotFound
		}
		return nil, err
	}
	return &u, nil
}
