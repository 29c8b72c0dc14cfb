package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Underlying is an index whose option contracts are tracked.
type Underlying string

const (
	UnderlyingNifty  Underlying = "NIFTY"
	UnderlyingSensex Underlying = "SENSEX"
)

// ParseUnderlying accepts the config spelling of an underlying.
func ParseUnderlying(s string) (Underlying, error) {
	switch Underlying(strings.ToUpper(strings.TrimSpace(s))) {
	case UnderlyingNifty:
		return UnderlyingNifty, nil
	case UnderlyingSensex:
		return UnderlyingSensex, nil
	}
	return "", fmt.Errorf("unknown underlying %q", s)
}

// SpotSymbol is the symbol the index itself is stored under.
func (u Underlying) SpotSymbol() string {
	switch u {
	case UnderlyingNifty:
		return "NIFTY 50"
	default:
		return string(u)
	}
}

// OptionsSegment is the catalog segment carrying the underlying's options.
func (u Underlying) OptionsSegment() string {
	switch u {
	case UnderlyingSensex:
		return "BFO-OPT"
	default:
		return "NFO-OPT"
	}
}

// ContractKind distinguishes calls from puts.
type ContractKind string

const (
	ContractCall ContractKind = "CE"
	ContractPut  ContractKind = "PE"
)

// InstrumentRecord describes one tradable contract in the directory.
type InstrumentRecord struct {
	InstrumentID  uint32           `json:"instrument_id"`
	LogicalSymbol string           `json:"logical_symbol"`
	Underlying    Underlying       `json:"underlying"`
	Strike        *decimal.Decimal `json:"strike,omitempty"`
	ContractKind  *ContractKind    `json:"contract_kind,omitempty"`
	ExpiryDate    *time.Time       `json:"expiry_date,omitempty"`
}
