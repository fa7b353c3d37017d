package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/suPer8Hu/mediation/internal/ai"
	"github.com/suPer8Hu/mediation/internal/chat"
	"github.com/suPer8Hu/mediation/internal/common"
	"github.com/suPer8Hu/mediation/internal/config"
	"github.com/suPer8Hu/mediation/internal/httpapi/middleware"
)

type Handler struct {
	DB      *gorm.DB
	Cfg     config.Config
	Repo    *chat.Repo
	ChatSvc *chat.Service
	Log     zerolog.Logger
}

// NewRegistry registers the reply providers the devserver can use.
func NewRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()
	reg.Register("scripted", func(ctx context.Context, model string) (ai.Provider, error) {
		return &ai.ScriptedProvider{}, nil
	})
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})
	return reg
}

func NewHandler(db *gorm.DB, cfg config.Config, reg *ai.Registry, log zerolog.Logger) (*Handler, error) {
	if reg == nil {
		reg = NewRegistry(cfg)
	}
	if _, err := reg.Get(context.Background(), cfg.AIProvider, ""); err != nil {
		return nil, fmt.Errorf("AI_PROVIDER=%q (have %s): %w", cfg.AIProvider, strings.Join(reg.Names(), ", "), err)
	}
	repo := chat.NewRepo(db)
	return &Handler{
		DB:      db,
		Cfg:     cfg,
		Repo:    repo,
		ChatSvc: chat.NewService(repo, reg, cfg.AIProvider, 20),
		Log:     log.With().Str("component", "handlers").Logger(),
	}, nil
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func (h *Handler) userID(c *gin.Context) (uint64, bool) {
	uid, ok := middleware.UserID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
	}
	return uid, ok
}

// fail maps service errors onto the envelope. Sessions a caller is not part
// of are reported as missing.
func (h *Handler) fail(c *gin.Context, err error, what string) {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		common.Fail(c, http.StatusNotFound, common.CodeNotFound, what+" not found")
	case errors.Is(err, chat.ErrEmptyMessage):
		common.Fail(c, http.StatusBadRequest, common.CodeValidation, err.Error())
	default:
		h.Log.Error().Err(err).
			Str("path", c.FullPath()).
			Str(middleware.RequestIDKey, c.GetString(middleware.RequestIDKey)).
			Msg("request failed")
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
	}
}

func badRequest(c *gin.Context, msg string) {
	common.Fail(c, http.StatusBadRequest, common.CodeValidation, msg)
}
