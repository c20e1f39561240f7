package mediation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/escrownow/internal/circuitbreaker"
	"github.com/mbd888/escrownow/internal/escrow"
	"github.com/mbd888/escrownow/internal/logging"
)

// AdviceFallback is returned when the analyst cannot answer.
const AdviceFallback = "I'm having trouble answering right now. Please try again later."

// MaxQueryLength bounds quick-advice questions.
const MaxQueryLength = escrow.MaxMessageLength

// Assistant answers short general questions about using the platform.
type Assistant struct {
	analyst Analyst
	breaker *circuitbreaker.Breaker
	timeout time.Duration
}

// NewAssistant creates an assistant sharing breaker with the coordinator.
func NewAssistant(analyst Analyst, breaker *circuitbreaker.Breaker, timeout time.Duration) *Assistant {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Assistant{analyst: analyst, breaker: breaker, timeout: timeout}
}

// Advise answers query. Analyst failures produce AdviceFallback, not an error.
func (a *Assistant) Advise(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("%w: query: is required", escrow.ErrValidation)
	}
	if len([]rune(query)) > MaxQueryLength {
		return "", fmt.Errorf("%w: query: exceeds maximum length", escrow.ErrValidation)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	text, err := analyze(ctx, a.breaker, a.analyst, RenderAdvicePrompt(query))
	if err != nil {
		logging.L(ctx).Warn("quick advice failed, serving fallback", "error", err)
		return AdviceFallback, nil
	}
	return text, nil
}
