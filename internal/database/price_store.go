package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/irfndi/tickstream-go/internal/instruments"
	"github.com/irfndi/tickstream-go/internal/models"
)

var errWriterReleased = errors.New("price writer released")

// PriceWriter is a consumer's private handle to the price table. Each
// writer owns one database connection until Release.
type PriceWriter interface {
	UpsertOne(ctx context.Context, u models.PriceUpdate) error
	UpsertBulk(ctx context.Context, updates []models.PriceUpdate) error
	UpsertSpot(ctx context.Context, u models.SpotUpdate) error
	Alive() bool
	Release()
}

// PriceStore hands out writers bound to pooled connections and performs the
// per-session table maintenance.
type PriceStore struct {
	pool *pgxpool.Pool
	repo *PriceRepository
}

func NewPriceStore(pool *pgxpool.Pool, repo *PriceRepository) *PriceStore {
	return &PriceStore{pool: pool, repo: repo}
}

// Repository exposes the statements backing the store.
func (s *PriceStore) Repository() *PriceRepository {
	return s.repo
}

// Acquire checks a connection out of the pool for exclusive use.
func (s *PriceStore) Acquire(ctx context.Context) (PriceWriter, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return &ConnWriter{conn: conn, repo: s.repo}, nil
}

// Prepare creates the table, optionally empties it, and seeds every
// contract of dir with a null price.
func (s *PriceStore) Prepare(ctx context.Context, dir *instruments.Directory, reset bool) (int, error) {
	if err := s.repo.EnsureTable(ctx, s.pool); err != nil {
		return 0, err
	}
	if reset {
		if err := s.repo.Reset(ctx, s.pool); err != nil {
			return 0, err
		}
	}

	total := 0
	for _, u := range dir.Underlyings() {
		n, err := s.repo.PopulateInitial(ctx, s.pool, dir, u)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Get reads one row through the pool.
func (s *PriceStore) Get(ctx context.Context, symbol string) (*models.LivePrice, error) {
	return s.repo.GetBySymbol(ctx, s.pool, symbol)
}

// ConnWriter binds the repository to one pooled connection.
type ConnWriter struct {
	conn *pgxpool.Conn
	repo *PriceRepository
}

func (w *ConnWriter) UpsertOne(ctx context.Context, u models.PriceUpdate) error {
	if w.conn == nil {
		return errWriterReleased
	}
	return w.repo.UpsertOne(ctx, w.conn, u)
}

func (w *ConnWriter) UpsertBulk(ctx context.Context, updates []models.PriceUpdate) error {
	if w.conn == nil {
		return errWriterReleased
	}
	return w.repo.UpsertBulk(ctx, w.conn, updates)
}

func (w *ConnWriter) UpsertSpot(ctx context.Context, u models.SpotUpdate) error {
	if w.conn == nil {
		return errWriterReleased
	}
	return w.repo.UpsertSpot(ctx, w.conn, u)
}

// Alive reports whether the underlying connection is still usable.
func (w *ConnWriter) Alive() bool {
	if w.conn == nil {
		return false
	}
	return !w.conn.Conn().IsClosed()
}

func (w *ConnWriter) Release() {
	if w.conn != nil {
		w.conn.Release()
		w.conn = nil
	}
}

var _ PriceWriter = (*ConnWriter)(nil)
