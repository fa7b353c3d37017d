package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func drain(chunks <-chan string, errs <-chan error) (string, error) {
	var b strings.Builder
	for c := range chunks {
		b.WriteString(c)
	}
	return b.String(), <-errs
}

func TestScriptedProvider_StreamMatchesChat(t *testing.T) {
	p := &ScriptedProvider{}
	msgs := []Message{{Role: "system", Content: "x"}, {Role: "user", Content: "I feel unheard"}}

	full, err := p.Chat(context.Background(), msgs)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	streamed, err := drain(p.StreamChat(context.Background(), msgs))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if streamed != full {
		t.Fatalf("stream %q != chat %q", streamed, full)
	}
	if !strings.Contains(full, "I feel unheard") {
		t.Fatalf("reply should reflect the user: %q", full)
	}
}

func TestScriptedProvider_Fail(t *testing.T) {
	boom := errors.New("boom")
	p := &ScriptedProvider{Fail: boom}
	if _, err := drain(p.StreamChat(context.Background(), nil)); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestRegistry_UnknownProvider(t *testing.T) {
	reg := NewRegistry()
	reg.Register(" Scripted ", func(ctx context.Context, model string) (Provider, error) {
		return &ScriptedProvider{}, nil
	})
	if _, err := reg.Get(context.Background(), "scripted", ""); err != nil {
		t.Fatalf("expected case-insensitive lookup: %v", err)
	}
	if _, err := reg.Get(context.Background(), "nope", ""); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
	if names := reg.Names(); len(names) != 1 || names[0] != "scripted" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestOllamaProvider_StreamChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hi"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":" there"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "test")
	got, err := drain(p.StreamChat(context.Background(), []Message{{Role: "user", Content: "hey"}}))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got != "Hi there" {
		t.Fatalf("unexpected stream: %q", got)
	}
}

func TestOllamaProvider_ChatStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "missing")
	_, err := p.Chat(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestOllamaProvider_StreamErrorLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hi"},"done":false}`)
		fmt.Fprintln(w, `{"error":"model unloaded"}`)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL+"/", "test")
	got, err := drain(p.StreamChat(context.Background(), []Message{{Role: "user", Content: "hey"}}))
	if err == nil || !strings.Contains(err.Error(), "model unloaded") {
		t.Fatalf("expected the error line to surface, got %v", err)
	}
	if got != "Hi" {
		t.Fatalf("unexpected chunks before the error: %q", got)
	}
}
