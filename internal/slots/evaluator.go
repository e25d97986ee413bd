// Package slots filters and ranks upstream acceptance coefficients against
// one monitoring's constraints. Everything here is pure: the same snapshot
// always evaluates to the same winners.
package slots

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"slot-watcher/internal/storage"
)

// Upstream sanity bounds: coefficients outside 0..20 mean the slot is not
// actually offered.
var (
	coefficientFloor   = decimal.Zero
	coefficientCeiling = decimal.NewFromInt(20)
)

// Coefficient is one raw upstream acceptance-coefficient entry: a
// (warehouse, date, box type) triple with its current cost score.
type Coefficient struct {
	WarehouseID   int64
	WarehouseName string
	Date          time.Time
	Coefficient   decimal.Decimal
	BoxTypeID     *int64
	BoxTypeName   string
	AllowUnload   bool
}

// Candidate is a slot that passed one monitoring's filters during a single
// poll cycle. Candidates are transient and never persisted.
type Candidate struct {
	WarehouseID   int64
	WarehouseName string
	Date          time.Time
	Coefficient   decimal.Decimal
	BoxTypeID     *int64
	BoxTypeName   string
}

// Filter returns the coefficients that qualify for m, in input order.
//
// A raw entry qualifies only if the coefficient is inside both the
// upstream sanity bounds and the monitoring's range, unloading is allowed,
// the warehouse belongs to the monitoring's set, the date falls inside the
// effective window, the date is not blacklisted, and the box type matches
// when the monitoring constrains it.
func Filter(coefficients []Coefficient, m *storage.Monitoring) []Candidate {
	minDate := m.EffectiveMinDate()

	var maxDate *time.Time
	if m.DateTo != nil {
		d := m.DateTo.UTC().Truncate(24 * time.Hour)
		maxDate = &d
	}

	warehouses := make(map[int64]struct{}, len(m.WarehouseIDs))
	for _, id := range m.WarehouseIDs {
		warehouses[id] = struct{}{}
	}

	candidates := make([]Candidate, 0, len(coefficients))
	for _, entry := range coefficients {
		if entry.Coefficient.LessThan(coefficientFloor) || entry.Coefficient.GreaterThan(coefficientCeiling) {
			continue
		}
		if !entry.AllowUnload {
			continue
		}
		if entry.Coefficient.LessThan(m.CoefficientMin) || entry.Coefficient.GreaterThan(m.CoefficientMax) {
			continue
		}
		if _, ok := warehouses[entry.WarehouseID]; !ok {
			continue
		}

		day := entry.Date.UTC().Truncate(24 * time.Hour)
		if day.Before(minDate) {
			continue
		}
		if maxDate != nil && day.After(*maxDate) {
			continue
		}
		if m.HasFailedDate(day) {
			continue
		}

		if m.BoxTypeID != nil {
			if entry.BoxTypeID == nil || *entry.BoxTypeID != *m.BoxTypeID {
				continue
			}
		}

		candidates = append(candidates, Candidate{
			WarehouseID:   entry.WarehouseID,
			WarehouseName: entry.WarehouseName,
			Date:          day,
			Coefficient:   entry.Coefficient,
			BoxTypeID:     entry.BoxTypeID,
			BoxTypeName:   entry.BoxTypeName,
		})
	}
	return candidates
}

// Better reports whether a strictly beats b: a lower coefficient always
// wins; on a tie the date closer to minDate wins.
func Better(a, b Candidate, minDate time.Time) bool {
	switch a.Coefficient.Cmp(b.Coefficient) {
	case -1:
		return true
	case 1:
		return false
	}
	return dateDistance(a.Date, minDate) < dateDistance(b.Date, minDate)
}

// BestPerWarehouse groups candidates by warehouse and picks the winner of
// each group. Warehouses are never merged: progress on one must not hide
// opportunities on another.
func BestPerWarehouse(candidates []Candidate, minDate time.Time) map[int64]Candidate {
	best := make(map[int64]Candidate)
	for _, candidate := range candidates {
		current, ok := best[candidate.WarehouseID]
		if !ok || Better(candidate, current, minDate) {
			best[candidate.WarehouseID] = candidate
		}
	}
	return best
}

// Improvements returns, warehouse by warehouse, the new winners that
// strictly beat the cached best-slot record for that warehouse. A
// warehouse with no cached record always counts as improved.
func Improvements(best map[int64]Candidate, cache map[int64]Candidate, minDate time.Time) []Candidate {
	improved := make([]Candidate, 0, len(best))
	for warehouseID, candidate := range best {
		cached, ok := cache[warehouseID]
		if !ok || Better(candidate, cached, minDate) {
			improved = append(improved, candidate)
		}
	}
	// Deterministic order across runs: best warehouse first.
	sort.Slice(improved, func(i, j int) bool {
		a, b := improved[i], improved[j]
		if Better(a, b, minDate) {
			return true
		}
		if Better(b, a, minDate) {
			return false
		}
		return a.WarehouseID < b.WarehouseID
	})
	return improved
}

func dateDistance(day, minDate time.Time) int {
	diff := day.Sub(minDate)
	if diff < 0 {
		diff = -diff
	}
	return int(diff / (24 * time.Hour))
}
