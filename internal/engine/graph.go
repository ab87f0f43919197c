package engine

import (
	"fmt"
	"sort"

	"github.com/anneal-io/anneal/internal/resource"
)

// destructionOrder returns the ids of recs in the order they should be
// deleted: reverse creation order, refined by recorded dependency edges
// so that a dependent is always deleted before its dependency.
//
// If the recorded edges contain a cycle the returned order falls back
// to pure reverse creation order and a non-nil error reports the cycle;
// teardown proceeds with the fallback rather than stopping.
func destructionOrder(recs []*resource.Record) ([]string, error) {
	seq := make(map[string]int, len(recs))
	deps := make(map[string][]string, len(recs))
	for _, rec := range recs {
		seq[rec.ID] = rec.Seq
	}

	// in-degree counts dependents still waiting on a node; a node is
	// ready for deletion once every dependent is gone.
	indegree := make(map[string]int, len(recs))
	for _, rec := range recs {
		if _, ok := indegree[rec.ID]; !ok {
			indegree[rec.ID] = 0
		}
		for _, dep := range rec.DependsOn {
			if _, ok := seq[dep]; !ok {
				continue // edge into another scope or an already removed id
			}
			if dep == rec.ID {
				continue
			}
			deps[rec.ID] = append(deps[rec.ID], dep)
			indegree[dep]++
		}
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(recs))
	for len(ready) > 0 {
		// newest first among the unconstrained
		best := 0
		for i := 1; i < len(ready); i++ {
			if seq[ready[i]] > seq[ready[best]] {
				best = i
			}
		}
		id := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		order = append(order, id)

		for _, dep := range deps[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(recs) {
		return reverseCreation(recs), fmt.Errorf("dependency cycle among %d resource(s), using reverse creation order", len(recs)-len(order))
	}
	return order, nil
}

// reverseCreation returns ids sorted by descending sequence number.
func reverseCreation(recs []*resource.Record) []string {
	sorted := make([]*resource.Record, len(recs))
	copy(sorted, recs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq > sorted[j].Seq })
	ids := make([]string, len(sorted))
	for i, rec := range sorted {
		ids[i] = rec.ID
	}
	return ids
}
