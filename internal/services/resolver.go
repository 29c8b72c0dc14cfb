package services

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/tickstream-go/internal/instruments"
	"github.com/irfndi/tickstream-go/internal/models"
)

// ResolutionKind says which write path a tick takes.
type ResolutionKind int

const (
	ResolvedUnknown ResolutionKind = iota
	ResolvedSpot
	ResolvedContract
)

func (k ResolutionKind) String() string {
	switch k {
	case ResolvedSpot:
		return "spot"
	case ResolvedContract:
		return "contract"
	default:
		return "unknown"
	}
}

// Drop reasons reported to metrics.
const (
	DropInvalid = "invalid"
	DropUnknown = "unknown_instrument"
)

// Resolution is the outcome of looking up one instrument id.
type Resolution struct {
	Kind       ResolutionKind
	Underlying models.Underlying
	Symbol     string
	Expiry     *time.Time
}

// ClassifiedBatch splits a batch into the two write paths.
type ClassifiedBatch struct {
	Spots     []models.SpotUpdate
	Contracts []models.PriceUpdate
	Dropped   map[string]int
}

// Size is the number of writes in the batch.
func (b ClassifiedBatch) Size() int {
	return len(b.Spots) + len(b.Contracts)
}

// Resolver maps instrument ids to symbols using the session directory.
type Resolver struct {
	dir    *instruments.Directory
	logger *logrus.Entry
}

func NewResolver(dir *instruments.Directory, logger *logrus.Logger) *Resolver {
	return &Resolver{dir: dir, logger: logger.WithField("component", "resolver")}
}

// Resolve checks the spot ids first, then the contract directory.
func (r *Resolver) Resolve(id uint32) Resolution {
	if u, ok := r.dir.SpotUnderlying(id); ok {
		res := Resolution{Kind: ResolvedSpot, Underlying: u, Symbol: u.SpotSymbol()}
		if expiry, ok := r.dir.NearestExpiry(u); ok {
			res.Expiry = &expiry
		}
		return res
	}

	rec, ok := r.dir.Lookup(id)
	if !ok {
		return Resolution{Kind: ResolvedUnknown}
	}
	res := Resolution{Kind: ResolvedContract, Underlying: rec.Underlying, Symbol: rec.LogicalSymbol, Expiry: rec.ExpiryDate}
	if res.Expiry == nil {
		if expiry, ok := r.dir.NearestExpiry(rec.Underlying); ok {
			res.Expiry = &expiry
		}
	}
	return res
}

// Classify resolves every envelope, preserving arrival order within each path.
func (r *Resolver) Classify(batch []models.TickEnvelope) ClassifiedBatch {
	out := ClassifiedBatch{Dropped: make(map[string]int)}

	for _, env := range batch {
		if !env.Valid() {
			out.Dropped[DropInvalid]++
			r.logger.WithField("instrument_id", env.InstrumentID).Debug("Dropping tick without instrument or price")
			continue
		}

		res := r.Resolve(env.InstrumentID)
		update := models.PriceUpdate{
			Symbol:       res.Symbol,
			Price:        env.LastPrice.Decimal,
			Timestamp:    env.EffectiveTimestamp(),
			InstrumentID: env.InstrumentID,
			ExpiryDate:   res.Expiry,
		}

		switch res.Kind {
		case ResolvedSpot:
			out.Spots = append(out.Spots, models.SpotUpdate{
				PriceUpdate: update,
				Underlying:  res.Underlying,
				Source:      string(env.Source),
			})
		case ResolvedContract:
			out.Contracts = append(out.Contracts, update)
		default:
			out.Dropped[DropUnknown]++
			r.logger.WithField("instrument_id", env.InstrumentID).Debug("Dropping tick for untracked instrument")
		}
	}

	return out
}
