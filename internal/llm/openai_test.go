package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fininsight/agent-backend/internal/logger"
)

func newStreamingProvider(t *testing.T, url string) *OpenAIProvider {
	t.Helper()
	p, err := NewOpenAIProvider(OpenAIOptions{
		Name:    "openai",
		APIKey:  "test-key",
		BaseURL: url,
		Model:   "gpt-3.5-turbo",
		Stream:  true,
	}, logger.NewNop())
	if err != nil {
		t.Fatalf("failed to build provider: %v", err)
	}
	return p
}

func TestStreamRelaysTokensInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"Hel"}}]}` + "\n\n"))
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"lo"}}]}` + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	p := newStreamingProvider(t, srv.URL)

	var tokens []string
	answer, err := p.Call(context.Background(), []Message{{Role: "user", Content: "hi"}}, func(tok string) {
		tokens = append(tokens, tok)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer != "Hello" {
		t.Fatalf("expected accumulated answer Hello, got %q", answer)
	}
	if len(tokens) != 2 || tokens[0] != "Hel" || tokens[1] != "lo" {
		t.Fatalf("expected tokens [Hel lo], got %v", tokens)
	}
}

func TestStreamSkipsMalformedFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"a"}}]}` + "\n"))
		w.Write([]byte(": keep-alive comment\n"))
		w.Write([]byte("data: {not json at all\n"))
		w.Write([]byte("garbage line without prefix\n"))
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"b"}}]}` + "\n"))
		w.Write([]byte("data: [DONE]\n"))
	}))
	defer srv.Close()

	p := newStreamingProvider(t, srv.URL)

	answer, err := p.Call(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer != "ab" {
		t.Fatalf("expected malformed frames to be skipped, got answer %q", answer)
	}
}

func TestStreamUpstreamHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"insufficient_quota"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := newStreamingProvider(t, srv.URL)

	_, err := p.Call(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstream.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", upstream.StatusCode)
	}
	if !upstream.AuthOrQuota() {
		t.Fatal("expected 429 to classify as auth/quota")
	}
}

func TestAuthOrQuotaClassification(t *testing.T) {
	for _, status := range []int{400, 401, 402, 429} {
		e := &UpstreamError{Provider: "openai", StatusCode: status}
		if !e.AuthOrQuota() {
			t.Fatalf("expected %d to classify as auth/quota", status)
		}
	}
	for _, status := range []int{403, 500, 502, 503} {
		e := &UpstreamError{Provider: "openai", StatusCode: status}
		if e.AuthOrQuota() {
			t.Fatalf("expected %d not to classify as auth/quota", status)
		}
	}
}

func TestBlockingCallParsesMessageContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"full answer"}}]}`))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(OpenAIOptions{
		Name:        "deep-research",
		APIKey:      "test-key",
		BaseURL:     srv.URL,
		Model:       "gpt-4o-search-preview",
		Instruction: DeepResearchInstruction,
	}, logger.NewNop())
	if err != nil {
		t.Fatalf("failed to build provider: %v", err)
	}

	answer, err := p.Call(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer != "full answer" {
		t.Fatalf("expected full answer, got %q", answer)
	}
	if p.Streams() {
		t.Fatal("blocking provider must not report streaming")
	}
}

func TestBlockingCallMissingContentUsesSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(OpenAIOptions{
		Name:    "deep-research",
		APIKey:  "k",
		BaseURL: srv.URL,
		Model:   "m",
	}, logger.NewNop())
	if err != nil {
		t.Fatalf("failed to build provider: %v", err)
	}

	answer, err := p.Call(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer != NoResponseSentinel {
		t.Fatalf("expected sentinel answer, got %q", answer)
	}
}
