package types

// Event represents a structured state change applied by the settlement
// ledger. Attributes are flat string pairs so events can cross RPC and
// webhook boundaries without schema negotiation.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
