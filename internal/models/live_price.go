package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SourceInitial marks rows seeded before any tick arrived.
const SourceInitial = "Initial"

// PriceUpdate is a contract price write keyed by symbol.
type PriceUpdate struct {
	Symbol       string
	Price        decimal.Decimal
	Timestamp    time.Time
	InstrumentID uint32
	ExpiryDate   *time.Time
}

// SpotUpdate is a write for an underlying's own index price.
type SpotUpdate struct {
	PriceUpdate
	Underlying Underlying
	Source     string
}

// LivePrice is one row of the price table.
type LivePrice struct {
	Symbol          string              `json:"symbol" db:"symbol"`
	Price           decimal.NullDecimal `json:"price" db:"price"`
	Timestamp       *time.Time          `json:"timestamp,omitempty" db:"timestamp"`
	Underlying      *string             `json:"underlying,omitempty" db:"underlying"`
	Strike          decimal.NullDecimal `json:"strike" db:"strike"`
	ContractKind    *string             `json:"contract_kind,omitempty" db:"contract_kind"`
	Source          *string             `json:"source,omitempty" db:"source"`
	SourcePrice     decimal.NullDecimal `json:"source_price" db:"source_price"`
	SourceTimestamp *time.Time          `json:"source_timestamp,omitempty" db:"source_timestamp"`
	InstrumentID    *int64              `json:"instrument_id,omitempty" db:"instrument_id"`
	ExpiryDate      *time.Time          `json:"expiry_date,omitempty" db:"expiry_date"`
	UpdatedAt       time.Time           `json:"updated_at" db:"updated_at"`
}
