package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *EscrowClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *EscrowClient) *Handlers {
	return &Handlers{client: client}
}

// HandleListTransactions lists the caller's transactions.
func (h *Handlers) HandleListTransactions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 0)
	cursor := req.GetString("cursor", "")

	raw, err := h.client.ListTransactions(ctx, limit, cursor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list transactions: %v", err)), nil
	}

	text, err := formatTransactionList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transactions: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetTransaction shows one transaction and what the caller can do next.
func (h *Handlers) HandleGetTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.GetTransaction(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get transaction: %v", err)), nil
	}

	text, err := formatTransactionDetail(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCreateTransaction opens a transaction.
func (h *Handlers) HandleCreateTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	params := CreateTransactionParams{
		Title:                req.GetString("title", ""),
		Description:          req.GetString("description", ""),
		Amount:               req.GetString("amount", ""),
		CreatorRole:          strings.ToUpper(req.GetString("creator_role", "")),
		PartnerEmail:         req.GetString("partner_email", ""),
		InspectionPeriodDays: req.GetInt("inspection_period_days", 0),
	}
	switch {
	case params.Title == "":
		return mcp.NewToolResultError("title is required"), nil
	case strings.TrimSpace(params.Description) == "":
		return mcp.NewToolResultError("description is required"), nil
	case params.Amount == "":
		return mcp.NewToolResultError("amount is required"), nil
	case params.CreatorRole == "":
		return mcp.NewToolResultError("creator_role is required"), nil
	case params.PartnerEmail == "":
		return mcp.NewToolResultError("partner_email is required"), nil
	}

	raw, err := h.client.CreateTransaction(ctx, params)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create transaction: %v", err)), nil
	}

	tx, err := parseTransaction(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction: %v", err)), nil
	}

	var b strings.Builder
	b.WriteString("Transaction created.\n")
	writeTransaction(&b, tx)
	fmt.Fprintf(&b, "\n%s has been invited and must accept before the buyer can fund.", tx.PartnerEmail)
	return mcp.NewToolResultText(b.String()), nil
}

// HandleTransitionTransaction moves a transaction to a new status.
func (h *Handlers) HandleTransitionTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}
	status := strings.ToUpper(req.GetString("status", ""))
	if status == "" {
		return mcp.NewToolResultError("status is required"), nil
	}
	expected := strings.ToUpper(req.GetString("expected_status", ""))
	reason := req.GetString("reason", "")

	raw, err := h.client.Transition(ctx, id, status, expected, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to move transaction to %s: %v", status, err)), nil
	}

	tx, err := parseTransaction(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Transaction %s is now %s.", tx.ID, tx.Status)), nil
}

// HandleSendMessage posts a message on a transaction.
func (h *Handlers) HandleSendMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}
	text := req.GetString("text", "")
	if strings.TrimSpace(text) == "" {
		return mcp.NewToolResultError("text is required"), nil
	}

	raw, err := h.client.SendMessage(ctx, id, text)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to send message: %v", err)), nil
	}

	var resp struct {
		Message messageInfo `json:"message"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse message: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Message %s sent.", resp.Message.ID)), nil
}

// HandleRequestMediation starts an analysis of a dispute.
func (h *Handlers) HandleRequestMediation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.RequestMediation(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to request mediation: %v", err)), nil
	}

	text, err := formatMediation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse mediation: %v", err)), nil
	}
	return mcp.NewToolResultText(text + "\nCall get_mediation to check for the result."), nil
}

// HandleGetMediation shows the current analysis.
func (h *Handlers) HandleGetMediation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.GetMediation(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get mediation: %v", err)), nil
	}

	text, err := formatMediation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse mediation: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleAskAssistant forwards a general question.
func (h *Handlers) HandleAskAssistant(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	if strings.TrimSpace(query) == "" {
		return mcp.NewToolResultError("query is required"), nil
	}

	raw, err := h.client.AskAssistant(ctx, query)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Assistant unavailable: %v", err)), nil
	}

	var resp struct {
		Answer string `json:"answer"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse answer: %v", err)), nil
	}
	return mcp.NewToolResultText(resp.Answer), nil
}

// --- Response types and formatters ---

type messageInfo struct {
	ID       string `json:"id"`
	SenderID string `json:"senderId"`
	Text     string `json:"text"`
}

type transactionInfo struct {
	ID                   string        `json:"id"`
	Title                string        `json:"title"`
	Description          string        `json:"description"`
	Amount               string        `json:"amount"`
	Commission           string        `json:"commission"`
	BuyerTotal           string        `json:"buyerTotal"`
	Currency             string        `json:"currency"`
	CreatorEmail         string        `json:"creatorEmail"`
	CreatorRole          string        `json:"creatorRole"`
	PartnerEmail         string        `json:"partnerEmail"`
	Status               string        `json:"status"`
	InspectionPeriodDays int           `json:"inspectionPeriodDays"`
	DisputeReason        string        `json:"disputeReason"`
	Resolution           string        `json:"resolution"`
	Messages             []messageInfo `json:"messages"`
}

func parseTransaction(raw json.RawMessage) (transactionInfo, error) {
	var resp struct {
		Transaction transactionInfo `json:"transaction"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return transactionInfo{}, err
	}
	return resp.Transaction, nil
}

func writeTransaction(b *strings.Builder, tx transactionInfo) {
	fmt.Fprintf(b, "ID: %s\n", tx.ID)
	fmt.Fprintf(b, "Title: %s\n", tx.Title)
	if tx.Description != "" {
		fmt.Fprintf(b, "Description: %s\n", tx.Description)
	}
	fmt.Fprintf(b, "Status: %s\n", tx.Status)
	fmt.Fprintf(b, "Amount: %s %s (commission %s, buyer pays %s)\n", tx.Amount, tx.Currency, tx.Commission, tx.BuyerTotal)
	fmt.Fprintf(b, "Creator: %s (%s)\n", tx.CreatorEmail, tx.CreatorRole)
	fmt.Fprintf(b, "Partner: %s (%s)\n", tx.PartnerEmail, otherRole(tx.CreatorRole))
	fmt.Fprintf(b, "Inspection period: %d days\n", tx.InspectionPeriodDays)
	if tx.DisputeReason != "" {
		fmt.Fprintf(b, "Dispute reason: %s\n", tx.DisputeReason)
	}
	if tx.Resolution != "" {
		fmt.Fprintf(b, "Resolution: %s\n", tx.Resolution)
	}
}

func otherRole(role string) string {
	if role == "BUYER" {
		return "SELLER"
	}
	return "BUYER"
}

func formatTransactionList(raw json.RawMessage) (string, error) {
	var resp struct {
		Transactions []transactionInfo `json:"transactions"`
		NextCursor   string            `json:"nextCursor"`
		HasMore      bool              `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	if len(resp.Transactions) == 0 {
		return "No transactions found.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d transaction(s):\n\n", len(resp.Transactions))
	for i, tx := range resp.Transactions {
		fmt.Fprintf(&b, "%d. %s [%s]\n", i+1, tx.Title, tx.Status)
		fmt.Fprintf(&b, "   ID: %s | Amount: %s %s\n", tx.ID, tx.Amount, tx.Currency)
		fmt.Fprintf(&b, "   Creator: %s (%s) | Partner: %s\n", tx.CreatorEmail, tx.CreatorRole, tx.PartnerEmail)
		b.WriteString("\n")
	}
	if resp.HasMore {
		fmt.Fprintf(&b, "More results available. Use cursor: %s", resp.NextCursor)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func formatTransactionDetail(raw json.RawMessage) (string, error) {
	var resp struct {
		Transaction transactionInfo `json:"transaction"`
		Party       struct {
			Relation string `json:"relation"`
			Role     string `json:"role"`
		} `json:"party"`
		AvailableTransitions []string `json:"availableTransitions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var b strings.Builder
	writeTransaction(&b, resp.Transaction)
	fmt.Fprintf(&b, "You are the %s (%s)\n", strings.ToLower(resp.Party.Role), strings.ToLower(resp.Party.Relation))
	if len(resp.AvailableTransitions) == 0 {
		b.WriteString("No status changes available to you.\n")
	} else {
		fmt.Fprintf(&b, "You can move it to: %s\n", strings.Join(resp.AvailableTransitions, ", "))
	}
	if n := len(resp.Transaction.Messages); n > 0 {
		fmt.Fprintf(&b, "\nMessages (%d):\n", n)
		for _, m := range resp.Transaction.Messages {
			fmt.Fprintf(&b, "- %s: %s\n", m.SenderID, m.Text)
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func formatMediation(raw json.RawMessage) (string, error) {
	var resp struct {
		Mediation struct {
			TransactionID string `json:"transactionId"`
			State         string `json:"state"`
			Text          string `json:"text"`
		} `json:"mediation"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	m := resp.Mediation
	switch m.State {
	case "ready":
		return fmt.Sprintf("Mediation for %s:\n\n%s", m.TransactionID, m.Text), nil
	case "failed":
		return fmt.Sprintf("Mediation for %s failed. You can request it again.", m.TransactionID), nil
	default:
		return fmt.Sprintf("Mediation for %s: %s", m.TransactionID, m.State), nil
	}
}
