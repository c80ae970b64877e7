package llm

import (
	"bufio"
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

// DeepResearchInstruction replaces the default system turn for the deep
// research variant: the model must ask for clarification before answering
// under-specified queries.
const DeepResearchInstruction = "You are a helpful assistant. " +
	"If the question is under-specified or you lack the information to answer it well, " +
	"ask clarifying questions before answering."

// OpenAIOptions configures an OpenAI-compatible chat-completions provider.
// Grok speaks the same wire format, so it uses this provider with its own
// base URL and model.
type OpenAIOptions struct {
	Name        string
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Instruction string

	// Stream selects SSE token streaming. Non-streaming calls parse a single
	// JSON body and honor Timeout; streaming calls run until the upstream
	// finishes or the context is canceled.
	Stream  bool
	Timeout time.Duration
}

type OpenAIProvider struct {
	opts   OpenAIOptions
	client *http.Client
	log    *logger.Logger
}

func NewOpenAIProvider(opts OpenAIOptions, log *logger.Logger) (*OpenAIProvider, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%s: missing API key", opts.Name)
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 256
	}

	client := &http.Client{}
	if !opts.Stream && opts.Timeout > 0 {
		client.Timeout = opts.Timeout
	}
	return &OpenAIProvider{opts: opts, client: client, log: log}, nil
}

func (p *OpenAIProvider) Name() string { return p.opts.Name }

func (p *OpenAIProvider) Streams() bool { return p.opts.Stream }

func (p *OpenAIProvider) SystemInstruction() string { return p.opts.Instruction }

type chatCompletionRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
	Stream    bool      `json:"stream"`
}

func (p *OpenAIProvider) Call(ctx context.Context, messages []Message, onToken func(string)) (string, error) {
	body, err := json.Marshal(chatCompletionRequest{
		Model:     p.opts.Model,
		Messages:  messages,
		MaxTokens: p.opts.MaxTokens,
		Stream:    p.opts.Stream,
	})
	if err != nil {
		return "", fmt.Errorf("%s: failed to encode request: %w", p.opts.Name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.opts.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%s: failed to build request: %w", p.opts.Name, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.opts.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if p.opts.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", classifyTransportError(p.opts.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return "", &UpstreamError{Provider: p.opts.Name, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if p.opts.Stream {
		return p.relayStream(ctx, resp.Body, onToken)
	}
	return p.parseBlocking(resp.Body)
}

// relayStream consumes the SSE body line by line, forwarding each decoded
// content delta to onToken as it arrives while accumulating the full answer.
// Lines that are not valid JSON after stripping the data: prefix (keep-alive
// comments, partial frames) are skipped without terminating the stream.
func (p *OpenAIProvider) relayStream(ctx context.Context, body io.Reader, onToken func(string)) (string, error) {
	var answer strings.Builder
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var frame struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			// Malformed and partial frames are expected; skip them.
			continue
		}
		if len(frame.Choices) == 0 {
			continue
		}
		token := frame.Choices[0].Delta.Content
		if token == "" {
			continue
		}
		answer.WriteString(token)
		if onToken != nil {
			onToken(token)
		}
	}

	if err := scanner.Err(); err != nil {
		// Return the partial answer so the caller can persist what arrived.
		if ctx.Err() != nil {
			return answer.String(), classifyTransportError(p.opts.Name, ctx.Err())
		}
		return answer.String(), classifyTransportError(p.opts.Name, err)
	}
	return answer.String(), nil
}

func (p *OpenAIProvider) parseBlocking(body io.Reader) (string, error) {
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		return "", fmt.Errorf("%s: %w: %v", p.opts.Name, ErrMalformedResponse, err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		p.log.Warn("upstream reply missing expected content, using sentinel", "provider", p.opts.Name)
		return NoResponseSentinel, nil
	}
	return out.Choices[0].Message.Content, nil
}
