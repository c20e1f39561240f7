package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrow MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListTransactions = mcp.NewTool("list_transactions",
	mcp.WithDescription(
		"List escrow transactions you are a party to, newest first. "+
			"Includes transactions you were invited to but have not accepted yet."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of transactions to return (default 20, max 100)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous page's nextCursor to continue listing")),
)

var ToolGetTransaction = mcp.NewTool("get_transaction",
	mcp.WithDescription(
		"Get one escrow transaction: terms, amount, commission, status, your role, "+
			"and the status changes you are allowed to make next."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The transaction ID")),
)

var ToolCreateTransaction = mcp.NewTool("create_transaction",
	mcp.WithDescription(
		"Open a new escrow transaction and invite a partner by email. "+
			"You choose whether you are the buyer or the seller; the partner takes the other role. "+
			"Amounts are decimal strings in naira, e.g. '150000' or '2500.50'."),
	mcp.WithString("title",
		mcp.Required(),
		mcp.Description("Short title of what is being sold")),
	mcp.WithString("description",
		mcp.Required(),
		mcp.Description("Details of the item or service and delivery terms")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Price as a decimal string, e.g. '150000'")),
	mcp.WithString("creator_role",
		mcp.Required(),
		mcp.Description("Your role in the deal"),
		mcp.Enum("BUYER", "SELLER")),
	mcp.WithString("partner_email",
		mcp.Required(),
		mcp.Description("Email of the other party")),
	mcp.WithNumber("inspection_period_days",
		mcp.Description("Days the buyer has to inspect after delivery (default set by the server)")),
)

var ToolTransitionTransaction = mcp.NewTool("transition_transaction",
	mcp.WithDescription(
		"Move a transaction to its next status. Partners ACCEPT, buyers FUND, sellers mark SHIPPED, "+
			"buyers confirm DELIVERED and COMPLETED, either party may CANCEL a pending deal or raise a DISPUTE. "+
			"Use get_transaction first to see which statuses you may move to."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The transaction ID")),
	mcp.WithString("status",
		mcp.Required(),
		mcp.Description("Target status"),
		mcp.Enum("ACCEPTED", "FUNDED", "SHIPPED", "DELIVERED", "COMPLETED", "DISPUTED", "CANCELLED")),
	mcp.WithString("expected_status",
		mcp.Description("Fail instead of acting if the transaction is no longer in this status")),
	mcp.WithString("reason",
		mcp.Description("Why you are disputing; shown to the other party and the mediator")),
)

var ToolSendMessage = mcp.NewTool("send_message",
	mcp.WithDescription(
		"Post a message on a transaction's conversation. Both parties and the mediator see it."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The transaction ID")),
	mcp.WithString("text",
		mcp.Required(),
		mcp.Description("Message text, up to 2000 characters")),
)

var ToolRequestMediation = mcp.NewTool("request_mediation",
	mcp.WithDescription(
		"Ask the AI mediator to analyse a DISPUTED transaction. "+
			"The analysis runs in the background; poll get_mediation for the result."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The disputed transaction ID")),
)

var ToolGetMediation = mcp.NewTool("get_mediation",
	mcp.WithDescription(
		"Get the mediator's analysis for a transaction: idle, analyzing, ready (with the report) or failed."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The transaction ID")),
)

var ToolAskAssistant = mcp.NewTool("ask_assistant",
	mcp.WithDescription(
		"Ask a general question about how escrow works, e.g. when to release funds or how disputes are decided."),
	mcp.WithString("query",
		mcp.Required(),
		mcp.Description("Your question")),
)
