package ai

import (
	"context"
	"fmt"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider produces one complete assistant reply.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// SystemPrompt frames the facilitator for the given stage.
func SystemPrompt(stage string) string {
	return fmt.Sprintf("You are a calm, neutral mediator guiding one party through the %q stage "+
		"of a facilitated conversation. Reflect feelings back, never take sides, keep replies short.", stage)
}
