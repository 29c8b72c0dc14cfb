package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/irfndi/tickstream-go/internal/instruments"
	"github.com/irfndi/tickstream-go/internal/models"
)

// ErrNotFound is returned when a symbol has no row.
var ErrNotFound = errors.New("price not found")

// TxBeginner opens transactions. Both pooled connections and the pool
// itself satisfy it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// DatabasePool defines the pool operations the repository needs.
// This interface allows for both real pool and mock pool implementations.
type DatabasePool interface {
	TxBeginner
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PriceRepository issues the price table statements. Every upsert runs in
// its own transaction while holding the symbol lock stripes of its keys.
type PriceRepository struct {
	table string
	locks *SymbolLocks

	upsertOneSQL     string
	upsertBulkSQL    string
	upsertSpotSQL    string
	recomputeOneSQL  string
	recomputeBulkSQL string
	populateSQL      string
	selectSQL        string
	truncateSQL      string
}

func NewPriceRepository(table string, locks *SymbolLocks) *PriceRepository {
	if locks == nil {
		locks = NewSymbolLocks(1)
	}
	t := pgx.Identifier{table}.Sanitize()

	sourceColumns := `
			source_price = EXCLUDED.source_price,
			source_timestamp = EXCLUDED.source_timestamp,
			instrument_id = COALESCE(lp.instrument_id, EXCLUDED.instrument_id),
			expiry_date = COALESCE(lp.expiry_date, EXCLUDED.expiry_date),
			updated_at = now()`

	return &PriceRepository{
		table: table,
		locks: locks,

		upsertOneSQL: `
		INSERT INTO ` + t + ` AS lp (symbol, source_price, source_timestamp, instrument_id, expiry_date, updated_at)
		VALUES ($1, $2::numeric, $3, $4, $5, now())
		ON CONFLICT (symbol) DO UPDATE SET` + sourceColumns,

		upsertBulkSQL: `
		INSERT INTO ` + t + ` AS lp (symbol, source_price, source_timestamp, instrument_id, expiry_date, updated_at)
		SELECT u.symbol, u.source_price::numeric, u.source_timestamp, u.instrument_id, u.expiry_date, now()
		FROM unnest($1::text[], $2::text[], $3::timestamptz[], $4::bigint[], $5::date[])
			AS u(symbol, source_price, source_timestamp, instrument_id, expiry_date)
		ON CONFLICT (symbol) DO UPDATE SET` + sourceColumns,

		upsertSpotSQL: `
		INSERT INTO ` + t + ` AS lp (symbol, underlying, source, source_price, source_timestamp, instrument_id, expiry_date, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, now())
		ON CONFLICT (symbol) DO UPDATE SET
			underlying = EXCLUDED.underlying,
			source = EXCLUDED.source,` + sourceColumns,

		recomputeOneSQL: `
		UPDATE ` + t + `
		SET price = source_price, "timestamp" = source_timestamp
		WHERE symbol = $1 AND source_price IS NOT NULL`,

		recomputeBulkSQL: `
		UPDATE ` + t + `
		SET price = source_price, "timestamp" = source_timestamp
		WHERE symbol = ANY($1::text[]) AND source_price IS NOT NULL`,

		populateSQL: `
		INSERT INTO ` + t + ` AS lp (symbol, underlying, strike, contract_kind, instrument_id, source, expiry_date, updated_at)
		SELECT u.symbol, u.underlying, u.strike::numeric, u.contract_kind, u.instrument_id, $7, u.expiry_date, now()
		FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::bigint[], $6::date[])
			AS u(symbol, underlying, strike, contract_kind, instrument_id, expiry_date)
		ON CONFLICT (symbol) DO UPDATE SET
			underlying = EXCLUDED.underlying,
			strike = EXCLUDED.strike,
			contract_kind = EXCLUDED.contract_kind,
			instrument_id = EXCLUDED.instrument_id,
			expiry_date = EXCLUDED.expiry_date,
			updated_at = now()`,

		selectSQL: `
		SELECT symbol, price::text, "timestamp", underlying, strike::text, contract_kind, source,
			source_price::text, source_timestamp, instrument_id, expiry_date, updated_at
		FROM ` + t + `
		WHERE symbol = $1`,

		truncateSQL: `TRUNCATE TABLE ` + t,
	}
}

// Table is the unquoted table name.
func (r *PriceRepository) Table() string {
	return r.table
}

// EnsureTable creates the price table and its indexes if missing.
func (r *PriceRepository) EnsureTable(ctx context.Context, db Execer) error {
	return RunMigrations(ctx, db, r.table)
}

// Reset empties the table at the start of a trading session.
func (r *PriceRepository) Reset(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, r.truncateSQL); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", r.table, err)
	}
	return nil
}

// UpsertOne writes one contract's source columns and recomputes its price.
func (r *PriceRepository) UpsertOne(ctx context.Context, db TxBeginner, u models.PriceUpdate) error {
	unlock := r.locks.Lock(u.Symbol)
	defer unlock()

	return inTx(ctx, db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, r.upsertOneSQL,
			u.Symbol, u.Price.String(), u.Timestamp, int64(u.InstrumentID), toDate(u.ExpiryDate),
		); err != nil {
			return fmt.Errorf("upsert %s: %w", u.Symbol, err)
		}
		if _, err := tx.Exec(ctx, r.recomputeOneSQL, u.Symbol); err != nil {
			return fmt.Errorf("recompute %s: %w", u.Symbol, err)
		}
		return nil
	})
}

// UpsertBulk writes many contracts in one transaction. When a symbol occurs
// more than once the last occurrence wins.
func (r *PriceRepository) UpsertBulk(ctx context.Context, db TxBeginner, updates []models.PriceUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	rows := lastPerSymbol(updates)

	symbols := make([]string, len(rows))
	prices := make([]string, len(rows))
	stamps := make([]time.Time, len(rows))
	ids := make([]int64, len(rows))
	expiries := make([]pgtype.Date, len(rows))
	for i, u := range rows {
		symbols[i] = u.Symbol
		prices[i] = u.Price.String()
		stamps[i] = u.Timestamp
		ids[i] = int64(u.InstrumentID)
		expiries[i] = toDate(u.ExpiryDate)
	}

	unlock := r.locks.Lock(symbols...)
	defer unlock()

	return inTx(ctx, db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, r.upsertBulkSQL, symbols, prices, stamps, ids, expiries); err != nil {
			return fmt.Errorf("bulk upsert of %d rows: %w", len(rows), err)
		}
		if _, err := tx.Exec(ctx, r.recomputeBulkSQL, symbols); err != nil {
			return fmt.Errorf("bulk recompute of %d rows: %w", len(rows), err)
		}
		return nil
	})
}

// UpsertSpot writes an underlying's index price, stamping underlying and
// source as well.
func (r *PriceRepository) UpsertSpot(ctx context.Context, db TxBeginner, u models.SpotUpdate) error {
	unlock := r.locks.Lock(u.Symbol)
	defer unlock()

	return inTx(ctx, db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, r.upsertSpotSQL,
			u.Symbol, string(u.Underlying), u.Source, u.Price.String(), u.Timestamp,
			int64(u.InstrumentID), toDate(u.ExpiryDate),
		); err != nil {
			return fmt.Errorf("upsert spot %s: %w", u.Symbol, err)
		}
		if _, err := tx.Exec(ctx, r.recomputeOneSQL, u.Symbol); err != nil {
			return fmt.Errorf("recompute spot %s: %w", u.Symbol, err)
		}
		return nil
	})
}

// PopulateInitial seeds a row for every contract of underlying with a null
// price and source "Initial". It returns the number of rows written.
func (r *PriceRepository) PopulateInitial(ctx context.Context, db TxBeginner, dir *instruments.Directory, underlying models.Underlying) (int, error) {
	records := dir.Records(underlying)
	if len(records) == 0 {
		return 0, nil
	}
	fallback, hasFallback := dir.NearestExpiry(underlying)

	symbols := make([]string, 0, len(records))
	underlyings := make([]string, 0, len(records))
	strikes := make([]pgtype.Text, 0, len(records))
	kinds := make([]pgtype.Text, 0, len(records))
	ids := make([]int64, 0, len(records))
	expiries := make([]pgtype.Date, 0, len(records))

	for _, rec := range records {
		token, ok := dir.TokenForSymbol(rec.LogicalSymbol)
		if !ok {
			continue
		}
		expiry := rec.ExpiryDate
		if expiry == nil && hasFallback {
			expiry = &fallback
		}

		symbols = append(symbols, rec.LogicalSymbol)
		underlyings = append(underlyings, string(underlying))
		strikes = append(strikes, decimalText(rec.Strike))
		kinds = append(kinds, kindText(rec.ContractKind))
		ids = append(ids, int64(token))
		expiries = append(expiries, toDate(expiry))
	}

	unlock := r.locks.Lock(symbols...)
	defer unlock()

	err := inTx(ctx, db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, r.populateSQL,
			symbols, underlyings, strikes, kinds, ids, expiries, models.SourceInitial,
		); err != nil {
			return fmt.Errorf("populate %s: %w", underlying, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(symbols), nil
}

// GetBySymbol reads one row.
func (r *PriceRepository) GetBySymbol(ctx context.Context, db DatabasePool, symbol string) (*models.LivePrice, error) {
	var (
		lp                         models.LivePrice
		price, strike, sourcePrice *string
	)
	err := db.QueryRow(ctx, r.selectSQL, symbol).Scan(
		&lp.Symbol, &price, &lp.Timestamp, &lp.Underlying, &strike, &lp.ContractKind, &lp.Source,
		&sourcePrice, &lp.SourceTimestamp, &lp.InstrumentID, &lp.ExpiryDate, &lp.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get price for %s: %w", symbol, err)
	}

	if lp.Price, err = parseNullDecimal(price); err != nil {
		return nil, err
	}
	if lp.Strike, err = parseNullDecimal(strike); err != nil {
		return nil, err
	}
	if lp.SourcePrice, err = parseNullDecimal(sourcePrice); err != nil {
		return nil, err
	}
	return &lp, nil
}

func inTx(ctx context.Context, db TxBeginner, fn func(tx pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// lastPerSymbol keeps the final update of each symbol, ordered by symbol so
// concurrent bulk writers take row locks in the same order.
func lastPerSymbol(updates []models.PriceUpdate) []models.PriceUpdate {
	latest := make(map[string]int, len(updates))
	for i, u := range updates {
		latest[u.Symbol] = i
	}
	out := make([]models.PriceUpdate, 0, len(latest))
	for _, i := range latest {
		out = append(out, updates[i])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func toDate(t *time.Time) pgtype.Date {
	if t == nil {
		return pgtype.Date{}
	}
	return pgtype.Date{Time: time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), Valid: true}
}

func decimalText(d *decimal.Decimal) pgtype.Text {
	if d == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: d.String(), Valid: true}
}

func kindText(k *models.ContractKind) pgtype.Text {
	if k == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: string(*k), Valid: true}
}

func parseNullDecimal(s *string) (decimal.NullDecimal, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("invalid numeric %q: %w", *s, err)
	}
	return decimal.NewNullDecimal(d), nil
}
