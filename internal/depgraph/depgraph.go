// Package depgraph resolves daemon start order from a `depends` graph
// using Kahn's algorithm, grounded on original_source/src/deps.rs. Results
// are grouped into levels that can start in parallel (spec.md §4.1
// "Dependency starting": "nodes with no remaining pending predecessors
// start in parallel").
package depgraph

import (
	"github.com/wardenhq/warden/internal/daemonid"
	"github.com/wardenhq/warden/internal/wardenerr"
)

// Order groups daemons into levels; level N depends only on levels 0..N-1.
type Order struct {
	Levels [][]daemonid.ID
}

// Resolve computes the transitive closure of requested's dependencies
// (via depsOf) and topologically sorts it into parallel-start levels.
// depsOf(id) must return an error (NotFound-flavored) if id is unknown.
func Resolve(requested []daemonid.ID, depsOf func(daemonid.ID) ([]daemonid.ID, error)) (Order, error) {
	toStart := map[daemonid.ID]bool{}
	queue := append([]daemonid.ID{}, requested...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if toStart[id] {
			continue
		}
		deps, err := depsOf(id)
		if err != nil {
			return Order{}, err
		}
		toStart[id] = true
		for _, dep := range deps {
			if !toStart[dep] {
				queue = append(queue, dep)
			}
		}
	}

	inDegree := map[daemonid.ID]int{}
	dependents := map[daemonid.ID][]daemonid.ID{}
	for id := range toStart {
		inDegree[id] = 0
		dependents[id] = nil
	}
	for id := range toStart {
		deps, err := depsOf(id)
		if err != nil {
			return Order{}, err
		}
		for _, dep := range deps {
			if toStart[dep] {
				inDegree[id]++
				dependents[dep] = append(dependents[dep], id)
			}
		}
	}

	var levels [][]daemonid.ID
	remaining := len(toStart)
	processed := map[daemonid.ID]bool{}

	for remaining > 0 {
		var level []daemonid.ID
		for id, deg := range inDegree {
			if !processed[id] && deg == 0 {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			// Every remaining node has an unsatisfied predecessor: a cycle.
			var cyclePath []string
			for id, deg := range inDegree {
				if !processed[id] && deg > 0 {
					cyclePath = append(cyclePath, id.Qualified())
				}
			}
			return Order{}, wardenerr.CycleWith(cyclePath)
		}
		for _, id := range level {
			processed[id] = true
			remaining--
			for _, dependent := range dependents[id] {
				inDegree[dependent]--
			}
		}
		levels = append(levels, level)
	}

	return Order{Levels: levels}, nil
}
