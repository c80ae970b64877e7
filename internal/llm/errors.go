package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Failure classes surfaced to the relay boundary. Raw transport errors are
// never returned directly; Call implementations wrap them into one of these.
var (
	ErrTimeout           = errors.New("upstream request timed out")
	ErrConnection        = errors.New("failed to reach upstream provider")
	ErrMalformedResponse = errors.New("malformed upstream response")
)

// NoResponseSentinel is returned in place of an answer when the provider
// replied 2xx but the expected payload shape was absent.
const NoResponseSentinel = "no response from model"

// UpstreamError is a non-2xx reply from a provider, carrying the raw status
// and body for diagnostics.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// AuthOrQuota reports whether the status indicates an API key, billing or
// rate-limit problem. Providers signal these as 400/401/402/429 and callers
// render a distinct diagnostic for them.
func (e *UpstreamError) AuthOrQuota() bool {
	switch e.StatusCode {
	case 400, 401, 402, 429:
		return true
	}
	return false
}

// classifyTransportError maps a transport-level failure into the taxonomy.
func classifyTransportError(provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", provider, ErrTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", provider, context.Canceled)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s: %w", provider, ErrTimeout)
	}
	return fmt.Errorf("%s: %w: %v", provider, ErrConnection, err)
}
