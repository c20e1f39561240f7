package mediation

import (
	"fmt"
	"strings"

	"github.com/mbd888/escrownow/internal/escrow"
)

const mediatorInstructions = `Provide a neutral summary of the dispute and a recommendation for resolution
based on the terms and the conversation. Act as a professional mediator.
Keep it brief but thorough. Do not claim to have moved any funds.`

// RenderDisputePrompt renders the terms and the full message log of tx.
// Messages from the creator are labelled "Creator", everything else "Partner".
func RenderDisputePrompt(tx *escrow.Transaction) string {
	var b strings.Builder
	b.WriteString("Analyze this escrow dispute for ESCROWNOW (Nigeria).\n\n")
	fmt.Fprintf(&b, "Title: %s\n", tx.Title)
	fmt.Fprintf(&b, "Amount: %s %s\n", tx.Currency, tx.Amount)
	fmt.Fprintf(&b, "Description: %s\n", tx.Description)
	fmt.Fprintf(&b, "Status: %s\n", tx.Status)
	fmt.Fprintf(&b, "Creator role: %s\n", tx.CreatorRole)
	fmt.Fprintf(&b, "Dispute reason: %s\n", orNone(tx.DisputeReason))

	b.WriteString("\nConversation history:\n")
	if len(tx.Messages) == 0 {
		b.WriteString("(no messages)\n")
	}
	for _, m := range tx.Messages {
		speaker := "Partner"
		if m.SenderID == tx.CreatorID {
			speaker = "Creator"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, m.Text)
	}

	b.WriteString("\n")
	b.WriteString(mediatorInstructions)
	return b.String()
}

// RenderAdvicePrompt wraps a user's free-form question.
func RenderAdvicePrompt(query string) string {
	return "You are an assistant for ESCROWNOW, a Nigerian escrow platform.\n" +
		"Answer this user query concisely: " + query
}

func orNone(s string) string {
	if s == "" {
		return "(none given)"
	}
	return s
}
