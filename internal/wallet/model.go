package wallet

import "time"

// Balance is a player's spendable gold at a point in time.
type Balance struct {
	OwnerID string    `json:"owner_id"`
	Gold    int64     `json:"gold"`
	AsOf    time.Time `json:"as_of"`
}

// AdjustInput describes a grant or charge requested by an external
// collaborator such as mission rewards or onboarding.
type AdjustInput struct {
	OwnerID        string
	ActorID        string
	Amount         int64
	Reason         string
	IdempotencyKey string
	Metadata       map[string]any
}
