package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaProvider talks to a local Ollama server through /api/chat.
type OllamaProvider struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

type ollamaTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ollamaLine is a whole reply, or one line of a streamed one.
type ollamaLine struct {
	Message ollamaTurn `json:"message"`
	Done    bool       `json:"done"`
	Error   string     `json:"error,omitempty"`
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	p := &OllamaProvider{
		BaseURL: "http://localhost:11434",
		Model:   "llama3:latest",
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
	if baseURL != "" {
		p.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if model != "" {
		p.Model = model
	}
	return p
}

// post opens one chat call and returns the response body. Streamed calls
// drop the client timeout and are bounded by ctx alone.
func (p *OllamaProvider) post(ctx context.Context, messages []Message, stream bool) (io.ReadCloser, error) {
	if p.Client == nil {
		return nil, errors.New("ollama: http client is nil")
	}
	turns := make([]ollamaTurn, len(messages))
	for i, m := range messages {
		turns[i] = ollamaTurn(m)
	}
	body, err := json.Marshal(map[string]any{"model": p.Model, "messages": turns, "stream": stream})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := p.Client
	if stream {
		c := *p.Client
		c.Timeout = 0
		client = &c
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if s := strings.TrimSpace(string(detail)); s != "" {
			return nil, fmt.Errorf("ollama: %s", s)
		}
		return nil, fmt.Errorf("ollama: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	body, err := p.post(ctx, messages, false)
	if err != nil {
		return "", err
	}
	defer body.Close()

	var line ollamaLine
	if err := json.NewDecoder(body).Decode(&line); err != nil {
		return "", fmt.Errorf("ollama: decode reply: %w", err)
	}
	if line.Error != "" {
		return "", fmt.Errorf("ollama: %s", line.Error)
	}
	return line.Message.Content, nil
}

// StreamChat forwards the content of each newline-delimited reply line.
func (p *OllamaProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := p.stream(ctx, messages, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (p *OllamaProvider) stream(ctx context.Context, messages []Message, out chan<- string) error {
	body, err := p.post(ctx, messages, true)
	if err != nil {
		return err
	}
	defer body.Close()

	dec := json.NewDecoder(body)
	for {
		var line ollamaLine
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("ollama: decode stream: %w", err)
		}
		if line.Error != "" {
			return fmt.Errorf("ollama: %s", line.Error)
		}
		if line.Message.Content != "" {
			select {
			case out <- line.Message.Content:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if line.Done {
			return nil
		}
	}
}
