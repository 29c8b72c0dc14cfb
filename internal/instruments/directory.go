// Package instruments holds the per-session instrument directory and the
// catalog loader that builds it.
package instruments

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/irfndi/tickstream-go/internal/models"
)

// ErrEmptyDirectory is returned when an underlying has no spot or no contracts.
var ErrEmptyDirectory = errors.New("instrument directory is empty")

// Directory is the read-only instrument context shared by every component for
// one trading session. It is never mutated after Build.
type Directory struct {
	records       map[uint32]models.InstrumentRecord
	bySymbol      map[string]uint32
	byUnderlying  map[models.Underlying][]uint32
	spotIDs       map[models.Underlying]uint32
	spotByID      map[uint32]models.Underlying
	nearestExpiry map[models.Underlying]time.Time
	underlyings   []models.Underlying
}

// Lookup returns the contract record for id.
func (d *Directory) Lookup(id uint32) (models.InstrumentRecord, bool) {
	rec, ok := d.records[id]
	return rec, ok
}

// TokenForSymbol is the reverse index used during bootstrap.
func (d *Directory) TokenForSymbol(symbol string) (uint32, bool) {
	id, ok := d.bySymbol[symbol]
	return id, ok
}

// SpotID returns the index token of an underlying.
func (d *Directory) SpotID(u models.Underlying) (uint32, bool) {
	id, ok := d.spotIDs[u]
	return id, ok
}

// SpotUnderlying reports which underlying id is the spot token of, if any.
func (d *Directory) SpotUnderlying(id uint32) (models.Underlying, bool) {
	u, ok := d.spotByID[id]
	return u, ok
}

// NearestExpiry is the tracked expiry for u.
func (d *Directory) NearestExpiry(u models.Underlying) (time.Time, bool) {
	t, ok := d.nearestExpiry[u]
	return t, ok
}

// Records returns the contracts of u ordered by symbol.
func (d *Directory) Records(u models.Underlying) []models.InstrumentRecord {
	ids := d.byUnderlying[u]
	out := make([]models.InstrumentRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.records[id])
	}
	return out
}

// Underlyings lists the tracked underlyings in the order they were added.
func (d *Directory) Underlyings() []models.Underlying {
	return append([]models.Underlying(nil), d.underlyings...)
}

// SubscriptionIDs is every contract id plus every spot id, sorted.
func (d *Directory) SubscriptionIDs() []uint32 {
	ids := make([]uint32, 0, len(d.records)+len(d.spotIDs))
	for id := range d.records {
		ids = append(ids, id)
	}
	for _, id := range d.spotIDs {
		if _, dup := d.records[id]; !dup {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len is the number of contracts, spots excluded.
func (d *Directory) Len() int {
	return len(d.records)
}

// Builder accumulates directory contents. It is not safe for concurrent use.
type Builder struct {
	dir   *Directory
	built bool
}

func NewBuilder() *Builder {
	return &Builder{dir: &Directory{
		records:       make(map[uint32]models.InstrumentRecord),
		bySymbol:      make(map[string]uint32),
		byUnderlying:  make(map[models.Underlying][]uint32),
		spotIDs:       make(map[models.Underlying]uint32),
		spotByID:      make(map[uint32]models.Underlying),
		nearestExpiry: make(map[models.Underlying]time.Time),
	}}
}

func (b *Builder) track(u models.Underlying) {
	for _, have := range b.dir.underlyings {
		if have == u {
			return
		}
	}
	b.dir.underlyings = append(b.dir.underlyings, u)
}

// AddContract registers a contract. Later additions of the same id replace
// earlier ones.
func (b *Builder) AddContract(rec models.InstrumentRecord) *Builder {
	b.track(rec.Underlying)
	if _, exists := b.dir.records[rec.InstrumentID]; !exists {
		b.dir.byUnderlying[rec.Underlying] = append(b.dir.byUnderlying[rec.Underlying], rec.InstrumentID)
	}
	b.dir.records[rec.InstrumentID] = rec
	b.dir.bySymbol[rec.LogicalSymbol] = rec.InstrumentID
	return b
}

// SetSpot registers the index token of u.
func (b *Builder) SetSpot(u models.Underlying, id uint32) *Builder {
	b.track(u)
	if old, ok := b.dir.spotIDs[u]; ok {
		delete(b.dir.spotByID, old)
	}
	b.dir.spotIDs[u] = id
	b.dir.spotByID[id] = u
	return b
}

// SetNearestExpiry records the session expiry of u.
func (b *Builder) SetNearestExpiry(u models.Underlying, expiry time.Time) *Builder {
	b.track(u)
	b.dir.nearestExpiry[u] = expiry
	return b
}

// Build freezes the directory. Every tracked underlying must have a spot id
// and at least one contract.
func (b *Builder) Build() (*Directory, error) {
	if b.built {
		return nil, errors.New("instruments: builder already used")
	}
	if len(b.dir.underlyings) == 0 {
		return nil, ErrEmptyDirectory
	}
	for _, u := range b.dir.underlyings {
		if _, ok := b.dir.spotIDs[u]; !ok {
			return nil, fmt.Errorf("%w: no spot instrument for %s", ErrEmptyDirectory, u)
		}
		if len(b.dir.byUnderlying[u]) == 0 {
			return nil, fmt.Errorf("%w: no contracts for %s", ErrEmptyDirectory, u)
		}
		ids := b.dir.byUnderlying[u]
		sort.Slice(ids, func(i, j int) bool {
			return b.dir.records[ids[i]].LogicalSymbol < b.dir.records[ids[j]].LogicalSymbol
		})
	}
	b.built = true
	return b.dir, nil
}
