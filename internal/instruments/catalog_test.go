package instruments

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/tickstream-go/internal/models"
)

const sampleDump = `instrument_token,exchange_token,tradingsymbol,name,last_price,expiry,strike,tick_size,lot_size,instrument_type,segment,exchange
256265,1001,NIFTY 50,NIFTY 50,0,,0,0,0,EQ,INDICES,NSE
265,1,SENSEX,SENSEX,0,,0,0,0,EQ,INDICES,BSE
10001,39,NIFTY25JAN24000CE,"NIFTY",0,2025-01-09,24000,0.05,75,CE,NFO-OPT,NFO
10002,40,NIFTY25JAN24000PE,"NIFTY",0,2025-01-09,24000,0.05,75,PE,NFO-OPT,NFO
10003,41,NIFTY25JAN24100CE,"NIFTY",0,2025-01-16,24100,0.05,75,CE,NFO-OPT,NFO
10004,42,NIFTY25JAN23900CE,"NIFTY",0,2025-01-02,23900,0.05,75,CE,NFO-OPT,NFO
10005,43,NIFTY25JANFUT,"NIFTY",0,2025-01-09,0,0.05,75,FUT,NFO-FUT,NFO
20001,44,SENSEX2511080000CE,"SENSEX",0,2025-01-10,80000,0.05,20,CE,BFO-OPT,BFO
20002,45,SENSEX2511080000PE,"SENSEX",0,2025-01-10,80000,0.05,20,PE,BFO-OPT,BFO
20003,46,BANKEX25JAN60000CE,"BANKEX",0,2025-01-10,60000,0.05,15,CE,BFO-OPT,BFO
`

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestParse(t *testing.T) {
	today := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)

	dir, err := Parse(strings.NewReader(sampleDump), []models.Underlying{models.UnderlyingNifty, models.UnderlyingSensex}, today)
	require.NoError(t, err)

	spot, ok := dir.SpotID(models.UnderlyingNifty)
	require.True(t, ok)
	assert.Equal(t, uint32(256265), spot)

	spot, ok = dir.SpotID(models.UnderlyingSensex)
	require.True(t, ok)
	assert.Equal(t, uint32(265), spot)

	expiry, ok := dir.NearestExpiry(models.UnderlyingNifty)
	require.True(t, ok)
	assert.Equal(t, "2025-01-09", expiry.Format("2006-01-02"))

	nifty := dir.Records(models.UnderlyingNifty)
	require.Len(t, nifty, 2, "expired and later expiries are dropped")
	assert.Equal(t, "NIFTY25JAN24000CE", nifty[0].LogicalSymbol)
	require.NotNil(t, nifty[0].ContractKind)
	assert.Equal(t, models.ContractCall, *nifty[0].ContractKind)
	require.NotNil(t, nifty[0].Strike)
	assert.Equal(t, "24000", nifty[0].Strike.String())

	sensex := dir.Records(models.UnderlyingSensex)
	require.Len(t, sensex, 2)

	_, ok = dir.Lookup(20003)
	assert.False(t, ok, "untracked underlyings are ignored")
	_, ok = dir.Lookup(10005)
	assert.False(t, ok, "futures are ignored")
}

func TestParse_MissingSpot(t *testing.T) {
	dump := strings.Replace(sampleDump, "256265,1001,NIFTY 50,NIFTY 50", "256265,1001,NIFTY 50,NIFTY50X", 1)
	_, err := Parse(strings.NewReader(dump), []models.Underlying{models.UnderlyingNifty}, time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, ErrEmptyDirectory)
}

func TestParse_AllExpired(t *testing.T) {
	_, err := Parse(strings.NewReader(sampleDump), []models.Underlying{models.UnderlyingNifty}, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, ErrEmptyDirectory)
}

func TestParse_MissingColumn(t *testing.T) {
	_, err := Parse(strings.NewReader("instrument_token,name\n1,NIFTY\n"), []models.Underlying{models.UnderlyingNifty}, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing column")
}

func TestHTTPDumpSource_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instruments", r.URL.Path)
		assert.Equal(t, "3", r.Header.Get("X-Kite-Version"))
		_, _ = w.Write([]byte(sampleDump))
	}))
	defer server.Close()

	body, err := NewHTTPDumpSource(server.URL+"/instruments", time.Second).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sampleDump, string(body))
}

func TestHTTPDumpSource_FetchStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewHTTPDumpSource(server.URL, time.Second).Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

type staticSource struct {
	data  []byte
	err   error
	calls int
}

func (s *staticSource) Fetch(context.Context) ([]byte, error) {
	s.calls++
	return s.data, s.err
}

type mapCache struct {
	entries map[string][]byte
}

func (m *mapCache) Get(_ context.Context, key string) ([]byte, bool) {
	data, ok := m.entries[key]
	return data, ok
}

func (m *mapCache) Set(_ context.Context, key string, data []byte) {
	m.entries[key] = data
}

func TestCatalog_LoadUsesCache(t *testing.T) {
	source := &staticSource{data: []byte(sampleDump)}
	cache := &mapCache{entries: map[string][]byte{}}
	catalog := NewCatalog(source, cache, time.UTC, testLogger())
	catalog.now = func() time.Time { return time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC) }

	underlyings := []models.Underlying{models.UnderlyingNifty}

	dir, err := catalog.Load(context.Background(), underlyings)
	require.NoError(t, err)
	assert.Equal(t, 2, dir.Len())
	assert.Contains(t, cache.entries, "2025-01-06")

	_, err = catalog.Load(context.Background(), underlyings)
	require.NoError(t, err)
	assert.Equal(t, 1, source.calls, "second load is served from cache")
}

func TestCatalog_LoadSourceError(t *testing.T) {
	source := &staticSource{err: errors.New("network down")}
	catalog := NewCatalog(source, nil, time.UTC, testLogger())

	_, err := catalog.Load(context.Background(), []models.Underlying{models.UnderlyingNifty})
	assert.EqualError(t, err, "network down")
}
