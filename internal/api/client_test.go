package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/mediation/internal/chat"
	"github.com/suPer8Hu/mediation/internal/common"
	"github.com/suPer8Hu/mediation/internal/sse"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeBackend accepts exactly one valid access token at a time.
type fakeBackend struct {
	valid       atomic.Value // string
	refreshes   atomic.Int32
	failRefresh bool
}

func (f *fakeBackend) authed(c *gin.Context) bool {
	if c.GetHeader("Authorization") != "Bearer "+f.valid.Load().(string) {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "token expired")
		return false
	}
	return true
}

func (f *fakeBackend) router() *gin.Engine {
	r := gin.New()
	r.POST("/auth/refresh", func(c *gin.Context) {
		f.refreshes.Add(1)
		if f.failRefresh {
			common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "refresh revoked")
			return
		}
		f.valid.Store("fresh")
		common.OK(c, gin.H{"accessToken": "fresh", "refreshToken": "r2"})
	})
	r.GET("/sessions/:id/timeline", func(c *gin.Context) {
		if !f.authed(c) {
			return
		}
		items := []chat.Item{{ID: "a", Type: chat.ItemAIMessage, Timestamp: "2026-01-01T00:00:10Z", Content: c.Query("before") + "|" + c.Query("limit")}}
		common.OK(c, chat.Page{Items: items, HasMore: true, NextCursor: "2026-01-01T00:00:10Z"})
	})
	r.POST("/sessions/:id/messages", func(c *gin.Context) {
		if !f.authed(c) {
			return
		}
		var body struct {
			Content string `json:"content"`
		}
		_ = c.ShouldBindJSON(&body)
		if body.Content == "" {
			common.FailDetails(c, http.StatusBadRequest, common.CodeValidation, "content is required", gin.H{"field": "content"})
			return
		}
		common.OK(c, gin.H{"userMessage": chat.Item{ID: "u1", Type: chat.ItemUserMessage, Content: body.Content, Status: chat.StatusSent}})
	})
	r.POST("/sessions/:id/messages/stream", func(c *gin.Context) {
		if !f.authed(c) {
			return
		}
		c.Header("Content-Type", "text/event-stream")
		_ = sse.Write(c.Writer, "chunk", gin.H{"text": "Hi"})
		_ = sse.Write(c.Writer, "complete", gin.H{"messageId": "ai1"})
	})
	return r
}

func newTestClient(t *testing.T, f *fakeBackend, access string, reg prometheus.Registerer, onSignOut func()) *Client {
	t.Helper()
	srv := httptest.NewServer(f.router())
	t.Cleanup(srv.Close)
	return New(Options{
		BaseURL:    srv.URL,
		Tokens:     NewMemoryTokenStore(Tokens{AccessToken: access, RefreshToken: "r1"}),
		OnSignOut:  onSignOut,
		Registerer: reg,
	})
}

func TestTimeline_UnwrapsEnvelopeAndQuery(t *testing.T) {
	f := &fakeBackend{}
	f.valid.Store("good")
	c := newTestClient(t, f, "good", nil, nil)

	page, err := c.Timeline(context.Background(), "s1", 20, "2026-01-01T00:00:11Z")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "2026-01-01T00:00:11Z|20", page.Items[0].Content)
	assert.True(t, page.HasMore)
}

func TestUnauthorized_RefreshesOnceAndRetries(t *testing.T) {
	f := &fakeBackend{}
	f.valid.Store("fresh")
	reg := prometheus.NewRegistry()
	signedOut := false
	c := newTestClient(t, f, "stale", reg, func() { signedOut = true })

	res, err := c.SendMessage(context.Background(), "s1", "Hello")
	require.NoError(t, err)
	assert.Equal(t, "u1", res.UserMessage.ID)
	assert.EqualValues(t, 1, f.refreshes.Load())
	assert.Equal(t, "fresh", c.Tokens().Tokens().AccessToken)
	assert.Equal(t, "r2", c.Tokens().Tokens().RefreshToken)
	assert.False(t, signedOut)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.refreshes.WithLabelValues("ok")))
}

func TestUnauthorized_FailedRefreshSignsOut(t *testing.T) {
	f := &fakeBackend{failRefresh: true}
	f.valid.Store("good")
	signedOut := 0
	c := newTestClient(t, f, "stale", nil, func() { signedOut++ })

	_, err := c.Timeline(context.Background(), "s1", 0, "")
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.Equal(t, 1, signedOut)
	assert.EqualValues(t, 1, f.refreshes.Load())
	assert.Empty(t, c.Tokens().Tokens().AccessToken)
}

func TestUnauthorized_SecondRejectionSignsOut(t *testing.T) {
	f := &fakeBackend{}
	f.valid.Store("good")
	signedOut := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/refresh" {
			f.refreshes.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"success":true,"data":{"accessToken":"still-bad"}}`)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"success":false,"error":{"code":"UNAUTHORIZED","message":"nope"}}`)
	}))
	defer srv.Close()
	c := New(Options{
		BaseURL:   srv.URL,
		Tokens:    NewMemoryTokenStore(Tokens{AccessToken: "bad", RefreshToken: "r1"}),
		OnSignOut: func() { signedOut++ },
	})

	_, err := c.Progress(context.Background(), "s1")
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.EqualValues(t, 1, f.refreshes.Load(), "refresh must be attempted exactly once")
	assert.Equal(t, 1, signedOut)
}

func TestValidationError_SurfacedVerbatim(t *testing.T) {
	f := &fakeBackend{}
	f.valid.Store("good")
	c := newTestClient(t, f, "good", nil, nil)

	_, err := c.SendMessage(context.Background(), "s1", "")
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	apiErr, ok := asError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "content is required", apiErr.Message)
	assert.JSONEq(t, `{"field":"content"}`, string(apiErr.Details))
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(Options{BaseURL: url, HTTPClient: &http.Client{Timeout: time.Second}})
	_, err := c.SessionDetail(context.Background(), "s1")
	require.Error(t, err)
	assert.True(t, IsNetwork(err))
}

func TestNonEnvelopeErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream gone", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	_, err := c.SessionDetail(context.Background(), "s1")
	apiErr, ok := asError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "INTERNAL_ERROR", apiErr.Code)
}

func TestStreamMessage_ReadsEvents(t *testing.T) {
	f := &fakeBackend{}
	f.valid.Store("good")
	c := newTestClient(t, f, "good", nil, nil)

	st, err := c.StreamMessage(context.Background(), "s1", "Hi")
	require.NoError(t, err)
	defer st.Close()

	ev, err := st.Next()
	require.NoError(t, err)
	assert.Equal(t, "chunk", ev.Name)
	ev, err = st.Next()
	require.NoError(t, err)
	assert.Equal(t, "complete", ev.Name)
	_, err = st.Next()
	assert.ErrorIs(t, err, io.EOF)
}
