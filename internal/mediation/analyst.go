package mediation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/escrownow/internal/traces"
)

// Analyst turns a prompt into advisory text.
type Analyst interface {
	Analyze(ctx context.Context, prompt string) (string, error)
}

// AnalystFunc adapts a function to Analyst.
type AnalystFunc func(ctx context.Context, prompt string) (string, error)

// Analyze calls f.
func (f AnalystFunc) Analyze(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Unavailable is the analyst wired when no mediator is configured. Every
// call fails, so callers serve the fallback text.
var Unavailable Analyst = AnalystFunc(func(context.Context, string) (string, error) {
	return "", ErrMediationUnavailable
})

// Defaults for the Gemini analyst.
const (
	DefaultModel   = "gemini-2.0-flash"
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
)

// maxErrorBody caps how much of a failed response is quoted in errors.
const maxErrorBody = 512

// GeminiAnalyst calls the Gemini generateContent endpoint.
type GeminiAnalyst struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewGeminiAnalyst creates an analyst. Empty model and baseURL use the defaults.
func NewGeminiAnalyst(apiKey, model, baseURL string) *GeminiAnalyst {
	if model == "" {
		model = DefaultModel
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &GeminiAnalyst{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// WithHTTPClient replaces the HTTP client.
func (g *GeminiAnalyst) WithHTTPClient(c *http.Client) *GeminiAnalyst {
	g.client = c
	return g
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
}

// Analyze sends prompt as a single user turn and returns the first
// candidate's text.
func (g *GeminiAnalyst) Analyze(ctx context.Context, prompt string) (string, error) {
	ctx, span := traces.StartSpan(ctx, "mediation.gemini", traces.Model(g.model))
	text, err := g.analyze(ctx, prompt)
	traces.End(span, err)
	return text, err
}

func (g *GeminiAnalyst) analyze(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, g.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("gemini read: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return "", fmt.Errorf("gemini status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out geminiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("gemini decode: %w", err)
	}
	if len(out.Candidates) == 0 {
		return "", errEmptyReport
	}
	var b strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String(), nil
}
