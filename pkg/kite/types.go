package kite

import (
	"time"

	"github.com/shopspring/decimal"
)

// Mode is a ticker subscription mode.
type Mode string

const (
	ModeLTP   Mode = "ltp"
	ModeQuote Mode = "quote"
	ModeFull  Mode = "full"
)

// Exchange segments encoded in the low byte of an instrument token.
const (
	SegmentNSE     = 1
	SegmentNFO     = 2
	SegmentCDS     = 3
	SegmentBSE     = 4
	SegmentBFO     = 5
	SegmentBCD     = 6
	SegmentMCX     = 7
	SegmentMCXSX   = 8
	SegmentIndices = 9
)

// Close codes that denote an orderly shutdown of the ticker.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
)

// IsNormalClosure reports whether code ends a session without need to retry.
func IsNormalClosure(code int) bool {
	return code == CloseNormal || code == CloseGoingAway
}

// OHLC is the session open/high/low/close carried in quote packets.
type OHLC struct {
	Open  decimal.Decimal `json:"open"`
	High  decimal.Decimal `json:"high"`
	Low   decimal.Decimal `json:"low"`
	Close decimal.Decimal `json:"close"`
}

// Tick is one decoded ticker packet.
type Tick struct {
	Mode               Mode            `json:"mode"`
	InstrumentToken    uint32          `json:"instrument_token"`
	IsTradable         bool            `json:"tradable"`
	IsIndex            bool            `json:"is_index"`
	LastPrice          decimal.Decimal `json:"last_price"`
	LastTradedQuantity uint32          `json:"last_traded_quantity"`
	AverageTradePrice  decimal.Decimal `json:"average_traded_price"`
	VolumeTraded       uint32          `json:"volume_traded"`
	TotalBuyQuantity   uint32          `json:"total_buy_quantity"`
	TotalSellQuantity  uint32          `json:"total_sell_quantity"`
	OHLC               OHLC            `json:"ohlc"`
	NetChange          decimal.Decimal `json:"change"`
	LastTradeTime      time.Time       `json:"last_trade_time"`
	OI                 uint32          `json:"oi"`
	OIDayHigh          uint32          `json:"oi_day_high"`
	OIDayLow           uint32          `json:"oi_day_low"`
	ExchangeTimestamp  time.Time       `json:"exchange_timestamp"`
}

// EventKind identifies a session event.
type EventKind int

const (
	EventConnected EventKind = iota
	EventTicks
	EventError
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventTicks:
		return "ticks"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a provider callback translated into a value.
type Event struct {
	Kind   EventKind
	Ticks  []Tick
	Code   int
	Reason string
	At     time.Time
}

// AccessToken is the result of a session exchange.
type AccessToken struct {
	UserID      string    `json:"user_id"`
	AccessToken string    `json:"access_token"`
	PublicToken string    `json:"public_token"`
	LoginTime   time.Time `json:"-"`
}

type envelope[T any] struct {
	Status    string `json:"status"`
	Data      T      `json:"data"`
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
}
