package ai

import (
	"context"
	"strings"
	"time"
)

// ScriptedProvider answers deterministically by reflecting the last user
// message. It backs the devserver when no model is configured and the tests.
type ScriptedProvider struct {
	// Delay between streamed words.
	Delay time.Duration
	// Fail, when set, is returned instead of a reply.
	Fail error
}

func (p *ScriptedProvider) reply(messages []Message) string {
	last := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			last = messages[i].Content
			break
		}
	}
	if last == "" {
		return "Thank you for being here. What would you like to share?"
	}
	return "It sounds like this matters a lot to you: " + last
}

func (p *ScriptedProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	if p.Fail != nil {
		return "", p.Fail
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.reply(messages), nil
}

// StreamChat emits the reply word by word, keeping the separating spaces.
func (p *ScriptedProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		if p.Fail != nil {
			errs <- p.Fail
			return
		}
		words := strings.SplitAfter(p.reply(messages), " ")
		for _, w := range words {
			if p.Delay > 0 {
				select {
				case <-time.After(p.Delay):
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
			select {
			case chunks <- w:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()

	return chunks, errs
}
