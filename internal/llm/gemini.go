package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fininsight/agent-backend/internal/logger"
)

// GeminiOptions configures the blocking Gemini generateContent provider.
type GeminiOptions struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Instruction string
	Timeout     time.Duration
}

// GeminiProvider calls the Gemini REST API. The endpoint used here does not
// stream tokens, so Call blocks for the whole generation and returns the
// complete answer.
type GeminiProvider struct {
	opts   GeminiOptions
	client *http.Client
	log    *logger.Logger
}

func NewGeminiProvider(opts GeminiOptions, log *logger.Logger) (*GeminiProvider, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("gemini: missing API key")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://generativelanguage.googleapis.com/v1beta/models"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Model == "" {
		opts.Model = "gemini-1.5-flash-latest"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &GeminiProvider{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		log:    log,
	}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Streams() bool { return false }

func (p *GeminiProvider) SystemInstruction() string { return p.opts.Instruction }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"system_instruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  struct {
		MaxOutputTokens int `json:"maxOutputTokens"`
	} `json:"generationConfig"`
}

func (p *GeminiProvider) Call(ctx context.Context, messages []Message, onToken func(string)) (string, error) {
	reqBody := geminiRequest{}
	reqBody.GenerationConfig.MaxOutputTokens = p.opts.MaxTokens

	// Gemini speaks user/model roles and takes the system turn separately.
	for _, m := range messages {
		switch m.Role {
		case "system":
			reqBody.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
		case "assistant":
			reqBody.Contents = append(reqBody.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			reqBody.Contents = append(reqBody.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("gemini: failed to encode request: %w", err)
	}

	url := fmt.Sprintf("%s/%s:generateContent?key=%s", p.opts.BaseURL, p.opts.Model, p.opts.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("gemini: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", classifyTransportError("gemini", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classifyTransportError("gemini", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &UpstreamError{Provider: "gemini", StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var out struct {
		Candidates []struct {
			Content struct {
				Parts []geminiPart `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("gemini: %w: %v", ErrMalformedResponse, err)
	}

	// A 2xx body without the expected shape degrades to the sentinel so the
	// caller flow stays uniform across providers.
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		p.log.Warn("gemini reply missing candidates, using sentinel")
		return NoResponseSentinel, nil
	}

	var answer strings.Builder
	for _, part := range out.Candidates[0].Content.Parts {
		answer.WriteString(part.Text)
	}
	if answer.Len() == 0 {
		return NoResponseSentinel, nil
	}
	return answer.String(), nil
}
