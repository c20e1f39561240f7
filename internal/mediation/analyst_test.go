package mediation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrownow/internal/circuitbreaker"
	"github.com/mbd888/escrownow/internal/escrow"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestGeminiAnalyst_Success(t *testing.T) {
	var captured geminiRequest
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "https://example.test/v1beta/models/gemini-test:generateContent", r.URL.String())
		assert.Equal(t, "secret-key", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		return jsonResponse(http.StatusOK, `{"candidates":[{"content":{"parts":[{"text":"Split "},{"text":"the difference."}]}}]}`), nil
	})}

	g := NewGeminiAnalyst("secret-key", "gemini-test", "https://example.test/v1beta/").WithHTTPClient(client)
	text, err := g.Analyze(context.Background(), "the prompt")
	require.NoError(t, err)
	assert.Equal(t, "Split the difference.", text)

	require.Len(t, captured.Contents, 1)
	assert.Equal(t, "the prompt", captured.Contents[0].Parts[0].Text)
}

func TestGeminiAnalyst_Failures(t *testing.T) {
	tests := []struct {
		name    string
		resp    *http.Response
		err     error
		wantMsg string
	}{
		{"http error", jsonResponse(http.StatusTooManyRequests, `{"error":{"message":"quota"}}`), nil, "status 429"},
		{"no candidates", jsonResponse(http.StatusOK, `{"candidates":[]}`), nil, "empty report"},
		{"bad json", jsonResponse(http.StatusOK, `not json`), nil, "decode"},
		{"transport", nil, errors.New("dial tcp: refused"), "refused"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
				return tt.resp, tt.err
			})}
			g := NewGeminiAnalyst("k", "", "").WithHTTPClient(client)

			_, err := g.Analyze(context.Background(), "p")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestGeminiAnalyst_TruncatesErrorBody(t *testing.T) {
	long := strings.Repeat("x", 5000)
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusInternalServerError, long), nil
	})}

	_, err := NewGeminiAnalyst("k", "", "").WithHTTPClient(client).Analyze(context.Background(), "p")
	require.Error(t, err)
	assert.Less(t, len(err.Error()), maxErrorBody+64)
}

func TestGeminiAnalyst_Defaults(t *testing.T) {
	g := NewGeminiAnalyst("k", "", "")
	assert.Equal(t, DefaultModel, g.model)
	assert.Equal(t, DefaultBaseURL, g.baseURL)
}

func TestRenderDisputePrompt(t *testing.T) {
	tx := &escrow.Transaction{
		Title:       "Sofa",
		Description: "3-seater",
		Amount:      "120000.00",
		Currency:    "NGN",
		Status:      escrow.StatusDisputed,
		CreatorID:   "usr_c",
		CreatorRole: escrow.RoleSeller,
		Messages: []escrow.Message{
			{SenderID: "usr_p", Text: "It arrived torn"},
			{SenderID: "usr_c", Text: "It was fine when shipped"},
		},
	}

	p := RenderDisputePrompt(tx)
	assert.Contains(t, p, "Amount: NGN 120000.00")
	assert.Contains(t, p, "Dispute reason: (none given)")
	first := strings.Index(p, "Partner: It arrived torn")
	second := strings.Index(p, "Creator: It was fine when shipped")
	assert.True(t, first >= 0 && second > first, "messages should render in order")

	tx.Messages = nil
	assert.Contains(t, RenderDisputePrompt(tx), "(no messages)")
}

func TestAssistant_Advise(t *testing.T) {
	var prompt string
	a := NewAssistant(AnalystFunc(func(_ context.Context, p string) (string, error) {
		prompt = p
		return "Funds are held until you confirm delivery.", nil
	}), nil, time.Second)

	answer, err := a.Advise(context.Background(), "  when is the seller paid?  ")
	require.NoError(t, err)
	assert.Equal(t, "Funds are held until you confirm delivery.", answer)
	assert.True(t, strings.HasSuffix(prompt, "when is the seller paid?"))
}

func TestAssistant_Fallback(t *testing.T) {
	a := NewAssistant(Unavailable, circuitbreaker.New(5, time.Minute), time.Second)

	answer, err := a.Advise(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, AdviceFallback, answer)
}

func TestAssistant_Validation(t *testing.T) {
	a := NewAssistant(Unavailable, nil, 0)

	_, err := a.Advise(context.Background(), "   ")
	assert.ErrorIs(t, err, escrow.ErrValidation)

	_, err = a.Advise(context.Background(), strings.Repeat("q", MaxQueryLength+1))
	assert.ErrorIs(t, err, escrow.ErrValidation)
}
