package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/suPer8Hu/mediation/internal/api"
	"github.com/suPer8Hu/mediation/internal/chat"
	"github.com/suPer8Hu/mediation/internal/sse"
)

// Event names of the streamed send.
const (
	EventUserMessage  = "user_message"
	EventChunk        = "chunk"
	EventMetadata     = "metadata"
	EventTextComplete = "text_complete"
	EventComplete     = "complete"
	EventError        = "error"
)

// Events is one open event stream. Close must unblock a pending Next.
type Events interface {
	Next() (sse.Event, error)
	Close() error
}

// Source opens the streamed send for one message.
type Source interface {
	StreamMessage(ctx context.Context, sessionID, content string) (Events, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, sessionID, content string) (Events, error)

func (f SourceFunc) StreamMessage(ctx context.Context, sessionID, content string) (Events, error) {
	return f(ctx, sessionID, content)
}

// ClientSource streams through the backend client.
func ClientSource(c *api.Client) Source {
	return SourceFunc(func(ctx context.Context, sessionID, content string) (Events, error) {
		st, err := c.StreamMessage(ctx, sessionID, content)
		if err != nil {
			return nil, err
		}
		return st, nil
	})
}

type userMessagePayload struct {
	UserMessage *chat.Item `json:"userMessage"`
	AIMessageID string     `json:"aiMessageId"`
}

type chunkPayload struct {
	Text string `json:"text"`
}

type metadataPayload struct {
	Metadata map[string]any `json:"metadata"`
}

type finalPayload struct {
	MessageID string         `json:"messageId"`
	FullText  string         `json:"fullText"`
	AIMessage *chat.Item     `json:"aiMessage"`
	Metadata  map[string]any `json:"metadata"`
}

const (
	msgTimeout   = "The response took too long. Please try again."
	msgGeneric   = "Something went wrong. Please try again."
	msgTruncated = "Connection closed before the response finished."
)

// errorMessage normalizes the error payload shapes the backend sends: an
// explicit message, a timeout marker, a wrapped error object, or a bare
// string.
func errorMessage(data []byte) string {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return msgGeneric
	}
	var s string
	if json.Unmarshal(data, &s) == nil {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
		return msgGeneric
	}
	var body struct {
		Message string          `json:"message"`
		Timeout bool            `json:"timeout"`
		Type    string          `json:"type"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return string(data)
	}
	if body.Message != "" {
		return body.Message
	}
	if body.Timeout || body.Type == "timeout" {
		return msgTimeout
	}
	if len(body.Error) > 0 {
		var inner struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body.Error, &inner) == nil && inner.Message != "" {
			return inner.Message
		}
		if json.Unmarshal(body.Error, &s) == nil && s != "" {
			return s
		}
	}
	return msgGeneric
}
