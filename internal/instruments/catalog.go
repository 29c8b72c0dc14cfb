package instruments

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/tickstream-go/internal/models"
)

const (
	segmentIndices = "INDICES"
	expiryLayout   = "2006-01-02"
)

// DumpSource fetches the raw instrument dump.
type DumpSource interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// DumpCache keeps a copy of the dump between restarts on the same day.
type DumpCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, data []byte)
}

// HTTPDumpSource downloads the dump over HTTP.
type HTTPDumpSource struct {
	HTTPClient *http.Client
	URL        string
}

func NewHTTPDumpSource(url string, timeout time.Duration) *HTTPDumpSource {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDumpSource{
		HTTPClient: &http.Client{Timeout: timeout},
		URL:        url,
	}
}

func (s *HTTPDumpSource) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Kite-Version", "3")

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download instruments: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("instrument download failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read instruments: %w", err)
	}
	return body, nil
}

// Catalog builds a Directory from the instrument dump.
type Catalog struct {
	source   DumpSource
	cache    DumpCache
	location *time.Location
	now      func() time.Time
	logger   *logrus.Logger
}

// NewCatalog creates a catalog loader. cache may be nil.
func NewCatalog(source DumpSource, cache DumpCache, location *time.Location, logger *logrus.Logger) *Catalog {
	if location == nil {
		location = time.UTC
	}
	return &Catalog{
		source:   source,
		cache:    cache,
		location: location,
		now:      time.Now,
		logger:   logger,
	}
}

// Load returns the directory for the current trading day.
func (c *Catalog) Load(ctx context.Context, underlyings []models.Underlying) (*Directory, error) {
	today := c.now().In(c.location)
	key := today.Format(expiryLayout)

	var data []byte
	if c.cache != nil {
		if cached, ok := c.cache.Get(ctx, key); ok {
			data = cached
		}
	}

	if data == nil {
		fetched, err := c.source.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		data = fetched
		if c.cache != nil {
			c.cache.Set(ctx, key, data)
		}
	}

	dir, err := Parse(bytes.NewReader(data), underlyings, today)
	if err != nil {
		return nil, err
	}

	for _, u := range dir.Underlyings() {
		expiry, _ := dir.NearestExpiry(u)
		spot, _ := dir.SpotID(u)
		c.logger.WithFields(logrus.Fields{
			"component":  "catalog",
			"underlying": u,
			"contracts":  len(dir.byUnderlying[u]),
			"expiry":     expiry.Format(expiryLayout),
			"spot_id":    spot,
		}).Info("Loaded instruments")
	}

	return dir, nil
}

type row struct {
	token          uint32
	tradingSymbol  string
	name           string
	expiry         *time.Time
	strike         *decimal.Decimal
	instrumentType string
	segment        string
}

// Parse reads a Kite instrument CSV and keeps, for each underlying, its index
// row and the option contracts of the nearest expiry not before today.
func Parse(r io.Reader, underlyings []models.Underlying, today time.Time) (*Directory, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read instrument header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(h)] = i
	}
	for _, name := range []string{"instrument_token", "tradingsymbol", "name", "expiry", "strike", "instrument_type", "segment"} {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("instrument dump missing column %q", name)
		}
	}

	tracked := make(map[models.Underlying]bool, len(underlyings))
	for _, u := range underlyings {
		tracked[u] = true
	}
	midnight := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, today.Location())

	spots := make(map[models.Underlying]uint32)
	options := make(map[models.Underlying][]row)

	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read instrument row: %w", err)
		}

		rw, err := parseRow(rec, cols, today.Location())
		if err != nil {
			continue
		}

		for u := range tracked {
			switch {
			case rw.segment == segmentIndices && rw.name == u.SpotSymbol():
				spots[u] = rw.token
			case rw.segment == u.OptionsSegment() && rw.name == string(u):
				if rw.expiry == nil || rw.expiry.Before(midnight) {
					continue
				}
				if rw.instrumentType != string(models.ContractCall) && rw.instrumentType != string(models.ContractPut) {
					continue
				}
				options[u] = append(options[u], rw)
			}
		}
	}

	b := NewBuilder()
	for _, u := range underlyings {
		spot, ok := spots[u]
		if !ok {
			return nil, fmt.Errorf("%w: no spot instrument for %s", ErrEmptyDirectory, u)
		}
		b.SetSpot(u, spot)

		var nearest time.Time
		for _, rw := range options[u] {
			if nearest.IsZero() || rw.expiry.Before(nearest) {
				nearest = *rw.expiry
			}
		}
		if nearest.IsZero() {
			return nil, fmt.Errorf("%w: no live contracts for %s", ErrEmptyDirectory, u)
		}
		b.SetNearestExpiry(u, nearest)

		for _, rw := range options[u] {
			if !rw.expiry.Equal(nearest) {
				continue
			}
			kind := models.ContractKind(rw.instrumentType)
			b.AddContract(models.InstrumentRecord{
				InstrumentID:  rw.token,
				LogicalSymbol: rw.tradingSymbol,
				Underlying:    u,
				Strike:        rw.strike,
				ContractKind:  &kind,
				ExpiryDate:    rw.expiry,
			})
		}
	}

	return b.Build()
}

func parseRow(rec []string, cols map[string]int, loc *time.Location) (row, error) {
	field := func(name string) string {
		i := cols[name]
		if i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	token, err := strconv.ParseUint(field("instrument_token"), 10, 32)
	if err != nil {
		return row{}, err
	}

	rw := row{
		token:          uint32(token),
		tradingSymbol:  field("tradingsymbol"),
		name:           strings.Trim(field("name"), `"`),
		instrumentType: field("instrument_type"),
		segment:        field("segment"),
	}

	if raw := field("expiry"); raw != "" {
		expiry, err := time.ParseInLocation(expiryLayout, raw, loc)
		if err != nil {
			return row{}, err
		}
		rw.expiry = &expiry
	}
	if raw := field("strike"); raw != "" {
		strike, err := decimal.NewFromString(raw)
		if err != nil {
			return row{}, err
		}
		if !strike.IsZero() {
			rw.strike = &strike
		}
	}

	return rw, nil
}
