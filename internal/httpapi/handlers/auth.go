package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/suPer8Hu/mediation/internal/auth"
	"github.com/suPer8Hu/mediation/internal/chat"
	"github.com/suPer8Hu/mediation/internal/common"
)

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (h *Handler) issue(userID uint64) (tokenPair, error) {
	access, err := auth.SignJWT(userID, h.Cfg.JWTSecret, h.Cfg.AccessTokenTTL)
	if err != nil {
		return tokenPair{}, err
	}
	refresh, err := auth.SignRefreshJWT(userID, h.Cfg.JWTSecret, h.Cfg.RefreshTokenTTL)
	if err != nil {
		return tokenPair{}, err
	}
	return tokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		badRequest(c, "email and password required")
		return
	}

	user, err := h.Repo.GetUserByEmail(c.Request.Context(), email)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		h.fail(c, err, "user")
		return
	}
	// same answer for unknown users and wrong passwords
	if user == nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "invalid email or password")
		return
	}

	pair, err := h.issue(user.ID)
	if err != nil {
		h.fail(c, err, "token")
		return
	}
	common.OK(c, gin.H{
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
		"user":         gin.H{"id": user.ID, "email": user.Email, "name": user.Name},
	})
}

type refreshReq struct {
	RefreshToken string `json:"refreshToken"`
}

func (h *Handler) Refresh(c *gin.Context) {
	var req refreshReq
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		badRequest(c, "refreshToken required")
		return
	}
	claims, err := auth.ParseJWT(req.RefreshToken, h.Cfg.JWTSecret, auth.KindRefresh)
	if err != nil {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "invalid refresh token")
		return
	}
	uid, err := claims.UserID()
	if err != nil {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "invalid refresh token")
		return
	}
	if _, err := h.Repo.GetUser(c.Request.Context(), uid); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "user no longer exists")
			return
		}
		h.fail(c, err, "user")
		return
	}

	pair, err := h.issue(uid)
	if err != nil {
		h.fail(c, err, "token")
		return
	}
	common.OK(c, pair)
}

// SeedUser creates a user with a hashed password unless the email exists.
func (h *Handler) SeedUser(ctx context.Context, email, name, password string) (*chat.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if u, err := h.Repo.GetUserByEmail(ctx, email); err == nil {
		return u, nil
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	u := &chat.User{Email: email, Name: name, PasswordHash: hash}
	if err := h.Repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}
