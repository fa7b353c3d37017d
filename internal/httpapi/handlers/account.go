package handlers

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/mediation/internal/chat"
	"github.com/suPer8Hu/mediation/internal/common"
)

// realtimeTokenTTL is advisory; clients refetch when the broker rejects
// the token.
const realtimeTokenTTL = time.Hour

func (h *Handler) RealtimeToken(c *gin.Context) {
	if _, ok := h.userID(c); !ok {
		return
	}
	common.OK(c, gin.H{
		"username":  h.Cfg.RedisUsername,
		"token":     h.Cfg.RedisPassword,
		"expiresAt": time.Now().UTC().Add(realtimeTokenTTL),
	})
}

type pushTokenReq struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

var platforms = map[string]bool{"ios": true, "android": true, "web": true}

func (h *Handler) RegisterPushToken(c *gin.Context) {
	uid, ok := h.userID(c)
	if !ok {
		return
	}
	var req pushTokenReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	req.Platform = strings.ToLower(strings.TrimSpace(req.Platform))
	if req.Token == "" || len(req.Token) > 255 {
		badRequest(c, "token required")
		return
	}
	if !platforms[req.Platform] {
		badRequest(c, "platform must be ios, android or web")
		return
	}
	if err := h.Repo.SavePushToken(c.Request.Context(), &chat.PushToken{UserID: uid, Token: req.Token, Platform: req.Platform}); err != nil {
		h.fail(c, err, "push token")
		return
	}
	common.OK(c, gin.H{"registered": true})
}
