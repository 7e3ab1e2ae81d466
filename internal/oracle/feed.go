package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PriceDecimals is the fixed precision of oracle quotes.
const PriceDecimals = 8

// ErrUnavailable is returned when the price source cannot produce a usable
// quote: the external call failed, no round has been observed, the cached
// round is stale, or the answer is non-positive.
var ErrUnavailable = errors.New("price source unavailable")

// Round mirrors the external oracle's latest-round answer. Only Price is
// consumed by the ledger core; the remaining fields are carried for
// observability.
type Round struct {
	RoundID         int64 `json:"round_id"`
	Price           int64 `json:"price"` // PriceDecimals fixed-point
	StartedAt       int64 `json:"started_at"`
	UpdatedAt       int64 `json:"updated_at"`
	AnsweredInRound int64 `json:"answered_in_round"`
}

// PriceFeed is the price source contract: a single synchronous query for the
// latest quoted price of the native asset.
type PriceFeed interface {
	LatestRound(ctx context.Context) (Round, error)
	Description() string
}

// LatestPrice queries the feed once and validates the answer. Any feed error
// or a non-positive price maps to ErrUnavailable — the caller must treat it as
// fatal for the triggering operation.
func LatestPrice(ctx context.Context, feed PriceFeed) (int64, error) {
	round, err := feed.LatestRound(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if round.Price <= 0 {
		return 0, fmt.Errorf("%w: non-positive answer %d", ErrUnavailable, round.Price)
	}
	return round.Price, nil
}

// FixedFeed answers every query with a constant price. Used by tooling and
// tests.
type FixedFeed struct {
	Price int64
}

func (f *FixedFeed) LatestRound(ctx context.Context) (Round, error) {
	now := time.Now().Unix()
	return Round{
		RoundID:         1,
		Price:           f.Price,
		StartedAt:       now,
		UpdatedAt:       now,
		AnsweredInRound: 1,
	}, nil
}

func (f *FixedFeed) Description() string {
	return fmt.Sprintf("fixed:%d", f.Price)
}
