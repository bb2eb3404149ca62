package marketroom

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/guildhall/economy/internal/ledger"
	"github.com/guildhall/economy/internal/market"
)

// Message types of the room protocol.
const (
	TypeCreateListing = "create_listing"
	TypeBuyListing    = "buy_listing"
	TypeCancelListing = "cancel_listing"

	TypeListings         = "listings"
	TypeNewListing       = "new_listing"
	TypeListingSold      = "listing_sold"
	TypeListingCancelled = "listing_cancelled"
	TypeListingExpired   = "listing_expired"
	TypePrices           = "prices"
	TypeListingCreated   = "listing_created"
	TypePurchaseSuccess  = "purchase_success"
	TypeError            = "error"
)

// Envelope frames every message in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type outbound struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

func encode(typ, requestID string, payload any) ([]byte, error) {
	return json.Marshal(outbound{Type: typ, RequestID: requestID, Payload: payload})
}

// Duration decodes either a Go duration string ("24m") or a number of seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("invalid duration %q", s)
		}
		*d = Duration(v)
		return nil
	}
	var secs int64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string or seconds")
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// CreatePayload is the body of create_listing.
type CreatePayload struct {
	ItemKey      string   `json:"item_key"`
	Quantity     int64    `json:"quantity"`
	PricePerUnit int64    `json:"price_per_unit"`
	Duration     Duration `json:"duration"`
	UserID       string   `json:"user_id,omitempty"`
}

// ListingPayload is the body of buy_listing and cancel_listing.
type ListingPayload struct {
	ListingID string `json:"listing_id"`
	Quantity  int64  `json:"quantity,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// SalePayload is broadcast as listing_sold and returned as purchase_success.
type SalePayload struct {
	Listing  ledger.Listing `json:"listing"`
	BuyerID  string         `json:"buyer_id"`
	Quantity int64          `json:"quantity"`
	Total    int64          `json:"total,omitempty"`
}

// ErrorPayload is sent to the requesting session only.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Command is a decoded mutating request bound to the user issuing it.
type Command struct {
	Type      string
	RequestID string
	UserID    string
	Create    market.CreateInput
	Buy       market.BuyInput
	ListingID string
}

// Decode parses a client envelope for userID. A user_id in the payload must
// match the session user.
func Decode(raw []byte, userID string) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Command{}, fmt.Errorf("%w: malformed message", ledger.ErrInvalidArgument)
	}
	cmd := Command{Type: env.Type, RequestID: env.RequestID, UserID: userID}
	switch env.Type {
	case TypeCreateListing:
		var p CreatePayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return cmd, err
		}
		if err := sameUser(p.UserID, userID); err != nil {
			return cmd, err
		}
		cmd.Create = market.CreateInput{
			SellerID:     userID,
			ItemKey:      strings.TrimSpace(p.ItemKey),
			Quantity:     p.Quantity,
			PricePerUnit: p.PricePerUnit,
			Duration:     time.Duration(p.Duration),
		}
	case TypeBuyListing, TypeCancelListing:
		var p ListingPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return cmd, err
		}
		if err := sameUser(p.UserID, userID); err != nil {
			return cmd, err
		}
		if strings.TrimSpace(p.ListingID) == "" {
			return cmd, fmt.Errorf("%w: listing_id is required", ledger.ErrInvalidArgument)
		}
		cmd.ListingID = p.ListingID
		cmd.Buy = market.BuyInput{ListingID: p.ListingID, BuyerID: userID, Quantity: p.Quantity}
	default:
		return cmd, fmt.Errorf("%w: unknown message type %q", ledger.ErrInvalidArgument, env.Type)
	}
	return cmd, nil
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: payload is required", ledger.ErrInvalidArgument)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrInvalidArgument, err)
	}
	return nil
}

func sameUser(claimed, session string) error {
	if claimed != "" && claimed != session {
		return fmt.Errorf("%w: user_id does not match session", ledger.ErrForbidden)
	}
	return nil
}
