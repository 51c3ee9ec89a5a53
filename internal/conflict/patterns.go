package conflict

import (
	"context"
	"fmt"
	"sort"

	"github.com/hyperengineering/pipesync/internal/storage"
	"github.com/hyperengineering/pipesync/internal/types"
)

// patternMinSamples is the floor below which a field's resolution
// history is too thin to recommend anything.
const patternMinSamples = 3

// Recommendation suggests a default strategy for one entity field based
// on how its past conflicts were settled. Advisory only; nothing applies
// it automatically.
type Recommendation struct {
	Entity      types.EntityType `json:"entity"`
	Field       string           `json:"field"`
	Strategy    Strategy         `json:"strategy"`
	Occurrences int              `json:"occurrences"`
	Total       int              `json:"total"`
	Share       float64          `json:"share"`
}

// AnalyzePatterns aggregates resolved conflicts by entity and field and
// recommends the dominant strategy wherever one pair has enough history.
func (r *Resolver) AnalyzePatterns(ctx context.Context) ([]Recommendation, error) {
	rows, err := r.db.Select(ctx, conflictsTable, storage.Query{
		Filters: []storage.Filter{storage.Eq("status", string(StatusResolved))},
	})
	if err != nil {
		return nil, fmt.Errorf("load resolved conflicts: %w", err)
	}

	type pair struct {
		entity types.EntityType
		field  string
	}
	counts := make(map[pair]map[Strategy]int)
	for _, row := range rows {
		c, err := rowToConflict(row)
		if err != nil {
			continue
		}
		for _, diff := range c.Fields {
			key := pair{c.Entity, diff.Field}
			if counts[key] == nil {
				counts[key] = make(map[Strategy]int)
			}
			counts[key][c.Strategy]++
		}
	}

	var recs []Recommendation
	for key, perStrategy := range counts {
		total := 0
		for _, n := range perStrategy {
			total += n
		}
		if total < patternMinSamples {
			continue
		}

		var dominant Strategy
		best := -1
		for strategy, n := range perStrategy {
			if n > best || (n == best && strategy < dominant) {
				dominant, best = strategy, n
			}
		}
		recs = append(recs, Recommendation{
			Entity:      key.entity,
			Field:       key.field,
			Strategy:    dominant,
			Occurrences: best,
			Total:       total,
			Share:       float64(best) / float64(total),
		})
	}

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Entity != recs[j].Entity {
			return recs[i].Entity < recs[j].Entity
		}
		return recs[i].Field < recs[j].Field
	})
	return recs, nil
}
