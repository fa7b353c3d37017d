package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/suPer8Hu/mediation/internal/chat"
	"github.com/suPer8Hu/mediation/internal/sse"
)

type User struct {
	ID    uint64 `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type loginResult struct {
	Tokens
	User User `json:"user"`
}

// Login exchanges credentials for tokens and stores them.
func (c *Client) Login(ctx context.Context, email, password string) (User, error) {
	var out loginResult
	err := c.call(ctx, request{method: http.MethodPost, path: "/auth/login", noAuth: true},
		map[string]string{"email": email, "password": password}, &out)
	if err != nil {
		return User{}, err
	}
	c.tokens.SetTokens(out.Tokens)
	return out.User, nil
}

func sessionPath(sessionID string, rest string) string {
	return "/sessions/" + url.PathEscape(sessionID) + rest
}

// Timeline fetches one newest-first page older than before (empty for newest).
func (c *Client) Timeline(ctx context.Context, sessionID string, limit int, before string) (chat.Page, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before != "" {
		q.Set("before", before)
	}
	path := sessionPath(sessionID, "/timeline")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page chat.Page
	err := c.call(ctx, request{method: http.MethodGet, path: path}, nil, &page)
	return page, err
}

type SendResult struct {
	UserMessage chat.Item  `json:"userMessage"`
	AIResponse  *chat.Item `json:"aiResponse,omitempty"`
}

func (c *Client) SendMessage(ctx context.Context, sessionID, content string) (SendResult, error) {
	var out SendResult
	err := c.call(ctx, request{method: http.MethodPost, path: sessionPath(sessionID, "/messages")},
		map[string]string{"content": content}, &out)
	return out, err
}

func (c *Client) SessionDetail(ctx context.Context, sessionID string) (chat.SessionDetail, error) {
	var out chat.SessionDetail
	err := c.call(ctx, request{method: http.MethodGet, path: sessionPath(sessionID, "")}, nil, &out)
	return out, err
}

func (c *Client) Progress(ctx context.Context, sessionID string) (chat.Progress, error) {
	var out chat.Progress
	err := c.call(ctx, request{method: http.MethodGet, path: sessionPath(sessionID, "/progress")}, nil, &out)
	return out, err
}

func (c *Client) RecordEmotion(ctx context.Context, sessionID string, intensity int) (chat.Item, error) {
	var out chat.Item
	err := c.call(ctx, request{method: http.MethodPost, path: sessionPath(sessionID, "/emotions")},
		map[string]int{"intensity": intensity}, &out)
	return out, err
}

type RealtimeToken struct {
	Username  string    `json:"username"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (c *Client) RealtimeToken(ctx context.Context) (RealtimeToken, error) {
	var out RealtimeToken
	err := c.call(ctx, request{method: http.MethodPost, path: "/realtime/token"}, nil, &out)
	return out, err
}

func (c *Client) RegisterPushToken(ctx context.Context, token, platform string) error {
	return c.call(ctx, request{method: http.MethodPost, path: "/notifications/push-token"},
		map[string]string{"token": token, "platform": platform}, nil)
}

// Stream is an open streamed-send response.
type Stream struct {
	body io.ReadCloser
	dec  *sse.Decoder
}

// Next returns the next named event, or io.EOF at the end of the response.
func (s *Stream) Next() (sse.Event, error) {
	return s.dec.Next()
}

// Close releases the connection. It unblocks a pending Next.
func (s *Stream) Close() error {
	return s.body.Close()
}

// StreamMessage posts content and returns the chunked event stream.
func (c *Client) StreamMessage(ctx context.Context, sessionID, content string) (*Stream, error) {
	b, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return nil, &Error{Code: CodeValidation, Message: err.Error(), Err: err}
	}
	resp, err := c.send(ctx, request{
		method: http.MethodPost,
		path:   sessionPath(sessionID, "/messages/stream"),
		body:   b,
		accept: "text/event-stream",
	})
	if err != nil {
		return nil, err
	}
	return &Stream{body: resp.Body, dec: sse.NewDecoder(resp.Body)}, nil
}
