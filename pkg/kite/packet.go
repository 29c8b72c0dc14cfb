package kite

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	packetLTP        = 8
	packetIndexQuote = 28
	packetIndexFull  = 32
	packetQuote      = 44
	packetFull       = 184
)

var errShortFrame = errors.New("kite: truncated ticker frame")

// priceDivisor returns the integer-price scale for a token's segment.
func priceDivisor(token uint32) decimal.Decimal {
	switch token & 0xff {
	case SegmentCDS:
		return decimal.NewFromInt(10_000_000)
	case SegmentBCD:
		return decimal.NewFromInt(10_000)
	default:
		return decimal.NewFromInt(100)
	}
}

// ParseBinary decodes a ticker binary frame into ticks. Single-byte frames
// are heartbeats and yield no ticks.
func ParseBinary(frame []byte) ([]Tick, error) {
	if len(frame) < 2 {
		return nil, nil
	}

	count := int(binary.BigEndian.Uint16(frame[0:2]))
	ticks := make([]Tick, 0, count)
	offset := 2

	for i := 0; i < count; i++ {
		if offset+2 > len(frame) {
			return ticks, errShortFrame
		}
		size := int(binary.BigEndian.Uint16(frame[offset : offset+2]))
		offset += 2
		if offset+size > len(frame) {
			return ticks, errShortFrame
		}

		tick, err := parsePacket(frame[offset : offset+size])
		offset += size
		if err != nil {
			continue
		}
		ticks = append(ticks, tick)
	}

	return ticks, nil
}

func parsePacket(p []byte) (Tick, error) {
	if len(p) < packetLTP {
		return Tick{}, fmt.Errorf("kite: packet too short (%d bytes)", len(p))
	}

	token := binary.BigEndian.Uint32(p[0:4])
	segment := token & 0xff
	div := priceDivisor(token)
	price := func(from int) decimal.Decimal {
		return decimal.NewFromInt(int64(binary.BigEndian.Uint32(p[from:from+4]))).Div(div)
	}
	u32 := func(from int) uint32 {
		return binary.BigEndian.Uint32(p[from : from+4])
	}
	unix := func(from int) time.Time {
		ts := u32(from)
		if ts == 0 {
			return time.Time{}
		}
		return time.Unix(int64(ts), 0)
	}

	tick := Tick{
		InstrumentToken: token,
		IsIndex:         segment == SegmentIndices,
		IsTradable:      segment != SegmentIndices,
		LastPrice:       price(4),
	}

	switch {
	case len(p) == packetLTP:
		tick.Mode = ModeLTP

	case tick.IsIndex && (len(p) == packetIndexQuote || len(p) == packetIndexFull):
		tick.Mode = ModeQuote
		tick.OHLC = OHLC{High: price(8), Low: price(12), Open: price(16), Close: price(20)}
		tick.NetChange = tick.LastPrice.Sub(tick.OHLC.Close)
		if len(p) == packetIndexFull {
			tick.Mode = ModeFull
			tick.ExchangeTimestamp = unix(28)
		}

	case len(p) == packetQuote || len(p) == packetFull:
		tick.Mode = ModeQuote
		tick.LastTradedQuantity = u32(8)
		tick.AverageTradePrice = price(12)
		tick.VolumeTraded = u32(16)
		tick.TotalBuyQuantity = u32(20)
		tick.TotalSellQuantity = u32(24)
		tick.OHLC = OHLC{Open: price(28), High: price(32), Low: price(36), Close: price(40)}
		tick.NetChange = tick.LastPrice.Sub(tick.OHLC.Close)
		if len(p) == packetFull {
			tick.Mode = ModeFull
			tick.LastTradeTime = unix(44)
			tick.OI = u32(48)
			tick.OIDayHigh = u32(52)
			tick.OIDayLow = u32(56)
			tick.ExchangeTimestamp = unix(60)
		}

	default:
		return Tick{}, fmt.Errorf("kite: unknown packet length %d", len(p))
	}

	return tick, nil
}
