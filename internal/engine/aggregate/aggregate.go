package aggregate

import (
	"sort"

	"github.com/shopspring/decimal"
	"github.com/vietddude/shopsync/internal/core/domain"
)

// Totals summarizes one numeric field over a set of entities.
type Totals struct {
	Count int
	Sum   decimal.Decimal
	Avg   decimal.Decimal
}

// ComputeTotals sums the given field across entities. Pure: safe to call on
// every render with no memoization concerns.
func ComputeTotals(entities []*domain.Entity, field string) Totals {
	t := Totals{Count: len(entities), Sum: decimal.Zero, Avg: decimal.Zero}
	for _, e := range entities {
		t.Sum = t.Sum.Add(domain.DecimalField(e.Fields, field))
	}
	if t.Count > 0 {
		t.Avg = t.Sum.DivRound(decimal.NewFromInt(int64(t.Count)), 4)
	}
	return t
}

// ComputeProfit derives total profit over product entities:
// sum((price - cost) * quantity).
func ComputeProfit(products []*domain.Entity) decimal.Decimal {
	total := decimal.Zero
	for _, e := range products {
		price := domain.DecimalField(e.Fields, domain.FieldPrice)
		cost := domain.DecimalField(e.Fields, domain.FieldCost)
		qty := domain.DecimalField(e.Fields, domain.FieldQuantity)
		total = total.Add(price.Sub(cost).Mul(qty))
	}
	return total
}

// SortByID orders entities by id for stable windowing. Returns the same
// slice for chaining.
func SortByID(entities []*domain.Entity) []*domain.Entity {
	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })
	return entities
}

// Paginate returns the pageIndex-th window of pageSize entities. Out-of-range
// pages yield an empty slice; a non-positive pageSize yields everything.
func Paginate(entities []*domain.Entity, pageSize, pageIndex int) []*domain.Entity {
	if pageSize <= 0 {
		return entities
	}
	if pageIndex < 0 {
		pageIndex = 0
	}
	start := pageIndex * pageSize
	if start >= len(entities) {
		return nil
	}
	end := start + pageSize
	if end > len(entities) {
		end = len(entities)
	}
	return entities[start:end]
}

// PageCount reports how many pages of pageSize cover n entities.
func PageCount(n, pageSize int) int {
	if pageSize <= 0 || n == 0 {
		return 1
	}
	return (n + pageSize - 1) / pageSize
}
