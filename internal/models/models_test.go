package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUnderlying(t *testing.T) {
	u, err := ParseUnderlying(" nifty ")
	require.NoError(t, err)
	assert.Equal(t, UnderlyingNifty, u)

	u, err = ParseUnderlying("SENSEX")
	require.NoError(t, err)
	assert.Equal(t, UnderlyingSensex, u)

	_, err = ParseUnderlying("BANKNIFTY")
	assert.Error(t, err)
}

func TestUnderlying_Catalog(t *testing.T) {
	assert.Equal(t, "NIFTY 50", UnderlyingNifty.SpotSymbol())
	assert.Equal(t, "SENSEX", UnderlyingSensex.SpotSymbol())
	assert.Equal(t, "NFO-OPT", UnderlyingNifty.OptionsSegment())
	assert.Equal(t, "BFO-OPT", UnderlyingSensex.OptionsSegment())
}

func TestTickEnvelope_Valid(t *testing.T) {
	price := decimal.NewNullDecimal(decimal.NewFromInt(100))

	assert.True(t, TickEnvelope{InstrumentID: 256265, LastPrice: price}.Valid())
	assert.False(t, TickEnvelope{InstrumentID: 0, LastPrice: price}.Valid())
	assert.False(t, TickEnvelope{InstrumentID: 256265}.Valid())
}

func TestTickEnvelope_EffectiveTimestamp(t *testing.T) {
	enqueued := time.Date(2025, 1, 2, 9, 20, 0, 0, time.UTC)
	exchange := enqueued.Add(-time.Second)

	assert.Equal(t, enqueued, TickEnvelope{EnqueuedAt: enqueued}.EffectiveTimestamp())
	assert.Equal(t, exchange, TickEnvelope{EnqueuedAt: enqueued, ExchangeTimestamp: exchange}.EffectiveTimestamp())
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "authenticating", StateAuthenticating.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "subscribed", StateSubscribed.String())
	assert.Equal(t, "degraded", StateDegraded.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", ConnectionState(42).String())
}
