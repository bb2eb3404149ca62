package market

import (
	"time"

	"github.com/guildhall/economy/internal/ledger"
)

// CreateInput lists Quantity units of ItemKey from the seller's inventory.
type CreateInput struct {
	MarketID     string        `json:"market_id"`
	SellerID     string        `json:"user_id"`
	ItemKey      string        `json:"item_key"`
	Quantity     int64         `json:"quantity"`
	PricePerUnit int64         `json:"price_per_unit"`
	Duration     time.Duration `json:"-"`
}

// BuyInput purchases from a listing. A zero Quantity buys everything left.
type BuyInput struct {
	MarketID  string `json:"market_id"`
	ListingID string `json:"listing_id"`
	BuyerID   string `json:"user_id"`
	Quantity  int64  `json:"quantity,omitempty"`
}

// Purchase is the committed outcome of a buy.
type Purchase struct {
	Listing     ledger.Listing `json:"listing"`
	BuyerID     string         `json:"buyer_id"`
	Quantity    int64          `json:"quantity"`
	Total       int64          `json:"total"`
	BuyerWallet int64          `json:"buyer_wallet"`
}

// Closed reports whether the purchase took the last unit.
func (p Purchase) Closed() bool { return p.Listing.Status == ledger.StatusSold }

// Fee is floor(quantity × price × rateBps / 10000).
func Fee(quantity, pricePerUnit, rateBps int64) int64 {
	return quantity * pricePerUnit * rateBps / 10_000
}
