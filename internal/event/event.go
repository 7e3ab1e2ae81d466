package event

import (
	"time"

	"github.com/google/uuid"
)

// Type discriminator for notification payloads
type Type int32

const (
	TypeUnknown Type = iota
	TypeDepositPerformed
	TypeWithdrawalPerformed
	TypePriceSourceChanged
)

func (t Type) String() string {
	switch t {
	case TypeDepositPerformed:
		return "DepositPerformed"
	case TypeWithdrawalPerformed:
		return "WithdrawalPerformed"
	case TypePriceSourceChanged:
		return "PriceSourceChanged"
	default:
		return "Unknown"
	}
}

// Event is the interface all notification payloads implement.
type Event interface {
	EventType() Type
	EventTime() time.Time
}

// DepositPerformed is emitted after a successful deposit of either asset.
// RawAmount is in the asset's native precision; NormalizedAmount is the
// 6-decimal USD value credited to the ledger.
type DepositPerformed struct {
	EventID          uuid.UUID `json:"event_id"`
	User             uuid.UUID `json:"user"`
	Asset            string    `json:"asset"`
	RawAmount        uint64    `json:"raw_amount"`
	NormalizedAmount uint64    `json:"normalized_amount"`
	AmountUSD        string    `json:"amount_usd"`
	Timestamp        time.Time `json:"timestamp"`
}

func (e *DepositPerformed) EventType() Type      { return TypeDepositPerformed }
func (e *DepositPerformed) EventTime() time.Time { return e.Timestamp }

// WithdrawalPerformed is emitted after a successful withdrawal of either
// asset. RawAmount is what left the vault, in the asset's native precision.
type WithdrawalPerformed struct {
	EventID   uuid.UUID `json:"event_id"`
	User      uuid.UUID `json:"user"`
	Asset     string    `json:"asset"`
	RawAmount uint64    `json:"raw_amount"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *WithdrawalPerformed) EventType() Type      { return TypeWithdrawalPerformed }
func (e *WithdrawalPerformed) EventTime() time.Time { return e.Timestamp }

// PriceSourceChanged is emitted when an administrator swaps the oracle
// reference. Feed is the new feed's description.
type PriceSourceChanged struct {
	EventID   uuid.UUID `json:"event_id"`
	Feed      string    `json:"feed"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *PriceSourceChanged) EventType() Type      { return TypePriceSourceChanged }
func (e *PriceSourceChanged) EventTime() time.Time { return e.Timestamp }
