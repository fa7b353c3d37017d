package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/suPer8Hu/mediation/internal/chat"
	"github.com/suPer8Hu/mediation/internal/common"
	"github.com/suPer8Hu/mediation/internal/sse"
)

const (
	heartbeatEvery = 15 * time.Second
	// a streamed reply that takes longer ends with a timeout error event
	streamTimeout = 2 * time.Minute
)

type createSessionReq struct {
	PartnerID   uint64 `json:"partnerId"`
	PartnerName string `json:"partnerName"`
}

func (h *Handler) CreateSession(c *gin.Context) {
	uid, ok := h.userID(c)
	if !ok {
		return
	}
	var req createSessionReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	sess, err := h.ChatSvc.CreateSession(c.Request.Context(), uid, req.PartnerID, req.PartnerName)
	if err != nil {
		h.fail(c, err, "session")
		return
	}
	detail, err := h.ChatSvc.Detail(c.Request.Context(), uid, sess.SessionID)
	if err != nil {
		h.fail(c, err, "session")
		return
	}
	common.OK(c, detail)
}

func (h *Handler) SessionDetail(c *gin.Context) {
	uid, ok := h.userID(c)
	if !ok {
		return
	}
	d, err := h.ChatSvc.Detail(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		h.fail(c, err, "session")
		return
	}
	common.OK(c, d)
}

func (h *Handler) Progress(c *gin.Context) {
	uid, ok := h.userID(c)
	if !ok {
		return
	}
	p, err := h.ChatSvc.Progress(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		h.fail(c, err, "session")
		return
	}
	common.OK(c, p)
}

// Timeline serves one newest-first page. before is an item timestamp;
// only strictly older items are returned.
func (h *Handler) Timeline(c *gin.Context) {
	uid, ok := h.userID(c)
	if !ok {
		return
	}
	limit := 20
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			badRequest(c, "limit must be between 1 and 100")
			return
		}
		limit = n
	}
	var before time.Time
	if v := c.Query("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			badRequest(c, "before must be an RFC 3339 timestamp")
			return
		}
		before = t
	}

	page, err := h.ChatSvc.ListTimeline(c.Request.Context(), uid, c.Param("id"), limit, before)
	if err != nil {
		h.fail(c, err, "session")
		return
	}
	common.OK(c, page)
}

type sendMessageReq struct {
	Content string `json:"content" binding:"required"`
}

func (h *Handler) SendMessage(c *gin.Context) {
	uid, ok := h.userID(c)
	if !ok {
		return
	}
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "content required")
		return
	}

	userItem, aiItem, err := h.ChatSvc.SendMessage(c.Request.Context(), uid, c.Param("id"), req.Content)
	if err != nil {
		h.fail(c, err, "session")
		return
	}
	common.OK(c, gin.H{
		"userMessage": userItem,
		"aiResponse":  aiItem,
	})
}

type recordEmotionReq struct {
	Intensity int `json:"intensity"`
}

func (h *Handler) RecordEmotion(c *gin.Context) {
	uid, ok := h.userID(c)
	if !ok {
		return
	}
	var req recordEmotionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if req.Intensity < 1 || req.Intensity > 10 {
		badRequest(c, "intensity must be between 1 and 10")
		return
	}
	item, err := h.ChatSvc.RecordEmotion(c.Request.Context(), uid, c.Param("id"), req.Intensity)
	if err != nil {
		h.fail(c, err, "session")
		return
	}
	common.OK(c, item)
}

// StreamMessage answers with text/event-stream: user_message, chunk...,
// text_complete, complete, or error at any point after the headers.
func (h *Handler) StreamMessage(c *gin.Context) {
	uid, ok := h.userID(c)
	if !ok {
		return
	}
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "content required")
		return
	}
	sessionID := c.Param("id")
	// report a missing session as JSON before the stream starts
	if _, err := h.ChatSvc.ValidateSessionMember(c.Request.Context(), uid, sessionID); err != nil {
		h.fail(c, err, "session")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	ctx, cancel := context.WithTimeout(c.Request.Context(), streamTimeout)
	defer cancel()
	events := h.ChatSvc.SendMessageStream(ctx, uid, sessionID, req.Content)

	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	write := func(event string, payload any) bool {
		if err := sse.Write(c.Writer, event, payload); err != nil {
			h.Log.Debug().Err(err).Str("session_id", sessionID).Msg("stream write failed")
			return false
		}
		c.Writer.Flush()
		return true
	}
	log := h.Log.With().Str("session_id", sessionID).Logger()

	for {
		select {
		case ev, open := <-events:
			if !open {
				if ctx.Err() == context.DeadlineExceeded {
					write(string(chat.EventError), gin.H{"timeout": true})
				}
				return
			}
			if !write(string(ev.Kind), streamPayload(ev)) {
				return
			}
			if ev.Kind == chat.EventError {
				log.Warn().Err(ev.Err).Msg("streamed reply failed")
				return
			}
			if ev.Kind == chat.EventComplete {
				return
			}

		case <-ticker.C:
			if !write("ping", gin.H{"ts": time.Now().Unix()}) {
				return
			}

		case <-c.Request.Context().Done():
			return
		}
	}
}

// streamPayload renders one service event in wire form.
func streamPayload(ev chat.StreamEvent) any {
	switch ev.Kind {
	case chat.EventUserMessage:
		return gin.H{"userMessage": ev.UserMessage, "aiMessageId": ev.AIMessageID}
	case chat.EventChunk:
		return gin.H{"text": ev.Text}
	case chat.EventMetadata:
		return gin.H{"metadata": ev.Metadata}
	case chat.EventTextComplete:
		return gin.H{"messageId": ev.AIMessageID, "fullText": ev.Text, "metadata": ev.Metadata}
	case chat.EventComplete:
		return gin.H{"messageId": ev.AIMessageID, "aiMessage": ev.AIMessage, "metadata": ev.Metadata}
	case chat.EventError:
		switch {
		case errors.Is(ev.Err, context.DeadlineExceeded):
			return gin.H{"timeout": true}
		case errors.Is(ev.Err, gorm.ErrRecordNotFound):
			return gin.H{"message": "session not found"}
		case errors.Is(ev.Err, chat.ErrEmptyMessage):
			return gin.H{"message": ev.Err.Error()}
		}
		return gin.H{"message": "The assistant could not reply. Please try again."}
	}
	return gin.H{}
}
