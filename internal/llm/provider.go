// Package llm drives single calls against upstream chat-completion APIs.
// Providers come in two shapes: incremental token streams (OpenAI, Grok)
// and blocking calls returning a complete answer (Gemini, deep research).
package llm

import "context"

// Message is one entry of the messages array sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider drives one upstream model call. Streaming providers invoke
// onToken for every decoded token as it arrives and return the accumulated
// answer; blocking providers ignore onToken and return the whole answer.
// When the context is canceled mid-stream, Call returns whatever was
// accumulated alongside the cancellation error.
type Provider interface {
	// Name is the bot name persisted with each exchange.
	Name() string
	// Streams reports whether Call delivers incremental tokens.
	Streams() bool
	// SystemInstruction seeds transcript[0] of sessions this provider creates.
	SystemInstruction() string

	Call(ctx context.Context, messages []Message, onToken func(token string)) (string, error)
}

// Registry is the dispatch table keyed by provider identifier.
type Registry map[string]Provider

// Lookup returns the provider for the identifier, or false when the model
// name is not served here.
func (r Registry) Lookup(name string) (Provider, bool) {
	p, ok := r[name]
	return p, ok
}
