package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration for connecting to the escrow API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // API key, e.g. "sk_..."
}

// EscrowClient is a pure HTTP client for the escrow API.
type EscrowClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewEscrowClient creates a new client for the escrow API.
func NewEscrowClient(cfg Config) *EscrowClient {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &EscrowClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *EscrowClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

func txPath(id string, suffix ...string) string {
	return "/v1/transactions/" + url.PathEscape(id) + strings.Join(suffix, "")
}

// ListTransactions returns a page of the caller's transactions.
func (c *EscrowClient) ListTransactions(ctx context.Context, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/transactions", q, nil)
}

// GetTransaction returns one transaction with the caller's role.
func (c *EscrowClient) GetTransaction(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, txPath(id), nil, nil)
}

// CreateTransactionParams mirrors the create request body.
type CreateTransactionParams struct {
	Title                string `json:"title"`
	Description          string `json:"description"`
	Amount               string `json:"amount"`
	CreatorRole          string `json:"creatorRole"`
	PartnerEmail         string `json:"partnerEmail"`
	InspectionPeriodDays int    `json:"inspectionPeriodDays,omitempty"`
}

// CreateTransaction opens a new transaction with the caller as creator.
func (c *EscrowClient) CreateTransaction(ctx context.Context, p CreateTransactionParams) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/transactions", nil, p)
}

// Transition asks for a status change.
func (c *EscrowClient) Transition(ctx context.Context, id, status, expectedStatus, reason string) (json.RawMessage, error) {
	body := map[string]string{"status": status}
	if expectedStatus != "" {
		body["expectedStatus"] = expectedStatus
	}
	if reason != "" {
		body["reason"] = reason
	}
	return c.doRequest(ctx, http.MethodPost, txPath(id, "/transition"), nil, body)
}

// SendMessage appends a message to a transaction.
func (c *EscrowClient) SendMessage(ctx context.Context, id, text string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, txPath(id, "/messages"), nil, map[string]string{"text": text})
}

// RequestMediation starts an analysis of a disputed transaction.
func (c *EscrowClient) RequestMediation(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, txPath(id, "/mediation"), nil, nil)
}

// GetMediation returns the current analysis report.
func (c *EscrowClient) GetMediation(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, txPath(id, "/mediation"), nil, nil)
}

// AskAssistant asks a general escrow question.
func (c *EscrowClient) AskAssistant(ctx context.Context, query string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/assistant", nil, map[string]string{"query": query})
}
