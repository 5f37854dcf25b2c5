package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the dealbroker MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolOpenNegotiation = mcp.NewTool("open_negotiation",
	mcp.WithDescription(
		"Start negotiating the price of a catalog item with its owner. "+
			"The opening offer defaults to the listing price. "+
			"Returns the negotiation ID to use with respond_to_offer."),
	mcp.WithString("item_type",
		mcp.Required(),
		mcp.Description("Kind of item: 'product' or 'service'"),
		mcp.Enum("product", "service")),
	mcp.WithString("item_id",
		mcp.Required(),
		mcp.Description("Catalog id of the item")),
	mcp.WithString("offer",
		mcp.Description("Opening offer (e.g. '85.00'). Omit to open at the listing price.")),
	mcp.WithString("message",
		mcp.Description("Optional note to the owner")),
)

var ToolRespondToOffer = mcp.NewTool("respond_to_offer",
	mcp.WithDescription(
		"Respond to the other party's latest offer: accept it, reject it, or make a counter-offer. "+
			"You can only respond when it is your turn. "+
			"Accepting a product deal places the agreed amount in escrow."),
	mcp.WithString("negotiation_id",
		mcp.Required(),
		mcp.Description("The negotiation ID from open_negotiation or list_negotiations")),
	mcp.WithString("action",
		mcp.Required(),
		mcp.Description("What to do with the latest offer"),
		mcp.Enum("accept", "reject", "counteroffer")),
	mcp.WithString("amount",
		mcp.Description("Counter-offer amount (required when action is 'counteroffer')")),
	mcp.WithString("message",
		mcp.Description("Optional note to the other party")),
)

var ToolGetNegotiation = mcp.NewTool("get_negotiation",
	mcp.WithDescription(
		"Show a negotiation's current offer, whose turn it is, and the full offer history."),
	mcp.WithString("negotiation_id",
		mcp.Required(),
		mcp.Description("The negotiation ID")),
)

var ToolListNegotiations = mcp.NewTool("list_negotiations",
	mcp.WithDescription(
		"List your negotiations, newest first."),
	mcp.WithString("role",
		mcp.Description("Filter by your side: 'initiator', 'counterparty' or 'any'"),
		mcp.Enum("initiator", "counterparty", "any")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of negotiations to return (default 20)")),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription(
		"List escrow entries where you are the payer or the payee, with their status."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries to return (default 20)")),
)

var ToolGetEscrowLog = mcp.NewTool("get_escrow_log",
	mcp.WithDescription(
		"Show an escrow entry's status and its audit log of captures, deliveries, disputes and rulings."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
)

var ToolMarkDelivered = mcp.NewTool("mark_delivered",
	mcp.WithDescription(
		"As the seller, record that the item was delivered. "+
			"The buyer can then release the funds or open a dispute."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
)

var ToolReleaseEscrow = mcp.NewTool("release_escrow",
	mcp.WithDescription(
		"As the buyer, confirm a delivered item and release the held funds to the seller."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
)

var ToolDisputeEscrow = mcp.NewTool("dispute_escrow",
	mcp.WithDescription(
		"As the buyer, dispute a delivered item. Funds stay held until an arbiter rules."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("What went wrong with the delivery")),
)

var ToolResolveDispute = mcp.NewTool("resolve_dispute",
	mcp.WithDescription(
		"As an arbiter, rule on a disputed escrow: release the funds to the seller or refund the buyer."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
	mcp.WithString("decision",
		mcp.Required(),
		mcp.Description("The ruling"),
		mcp.Enum("release", "refund")),
	mcp.WithString("message",
		mcp.Required(),
		mcp.Description("Explanation of the ruling, recorded in the audit log")),
)
