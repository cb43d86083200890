package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Side is the direction of an order intent.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// intentNamespace seeds deterministic client order IDs.
var intentNamespace = uuid.MustParse("5b1f3c2e-8d4a-4f6b-9c1e-2a7d0e6f4b93")

// OrderIntent is a request for the execution collaborator to open or close a
// position. Intents are built once per cycle and never mutated afterwards.
type OrderIntent struct {
	ClientOrderID   string
	Symbol          string
	Side            Side
	Qty             int64
	StopLossPrice   float64
	TakeProfitPrice *float64
	CreatedAt       time.Time
}

// NewOrderIntent validates the request and derives a client order ID from
// the as-of date, symbol and side, so replaying the same cycle yields the
// same ID and the broker can reject duplicates.
func NewOrderIntent(asOf time.Time, symbol string, side Side, qty int64, stopLoss float64, takeProfit *float64) (OrderIntent, error) {
	if symbol == "" {
		return OrderIntent{}, fmt.Errorf("order intent: empty symbol")
	}
	if side != SideBuy && side != SideSell {
		return OrderIntent{}, fmt.Errorf("order intent %s: invalid side %q", symbol, side)
	}
	if qty <= 0 {
		return OrderIntent{}, fmt.Errorf("order intent %s: quantity %d must be positive", symbol, qty)
	}

	var tp *float64
	if takeProfit != nil {
		v := *takeProfit
		tp = &v
	}

	key := fmt.Sprintf("%s|%s|%s", asOf.UTC().Format("2006-01-02"), symbol, side)
	return OrderIntent{
		ClientOrderID:   uuid.NewSHA1(intentNamespace, []byte(key)).String(),
		Symbol:          symbol,
		Side:            side,
		Qty:             qty,
		StopLossPrice:   stopLoss,
		TakeProfitPrice: tp,
		CreatedAt:       asOf,
	}, nil
}

// HasTakeProfit reports whether the intent carries a take-profit level.
func (o OrderIntent) HasTakeProfit() bool { return o.TakeProfitPrice != nil }
