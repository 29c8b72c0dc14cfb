package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TickSource names the upstream a tick came from.
type TickSource string

const TickSourceFeed TickSource = "kite"

// TickEnvelope is a normalized tick as it travels through the queue.
// A zero ExchangeTimestamp means the feed did not supply one.
type TickEnvelope struct {
	Source            TickSource          `json:"source"`
	InstrumentID      uint32              `json:"instrument_id"`
	LastPrice         decimal.NullDecimal `json:"last_price"`
	ExchangeTimestamp time.Time           `json:"exchange_timestamp"`
	EnqueuedAt        time.Time           `json:"enqueued_at"`
}

// Valid reports whether the envelope carries both an instrument and a price.
func (e TickEnvelope) Valid() bool {
	return e.InstrumentID != 0 && e.LastPrice.Valid
}

// EffectiveTimestamp is the exchange time, or the enqueue time when absent.
func (e TickEnvelope) EffectiveTimestamp() time.Time {
	if e.ExchangeTimestamp.IsZero() {
		return e.EnqueuedAt
	}
	return e.ExchangeTimestamp
}
