package entity

import (
	"fmt"
	"slices"
)

// Graph maps each entity type to the types it references.
type Graph map[Type][]Type

// Dependencies is the relationship graph of the canonical model.
var Dependencies = Graph{
	TypePatient:     nil,
	TypeEncounter:   {TypePatient},
	TypeDiagnosis:   {TypeEncounter, TypePatient},
	TypeMedication:  {TypeEncounter, TypePatient},
	TypeProcedure:   {TypeEncounter, TypePatient},
	TypeObservation: {TypeEncounter, TypePatient},
}

func rank(t Type) int {
	if i := slices.Index(All, t); i >= 0 {
		return i
	}
	return len(All)
}

// LoadOrder returns the types of g in topological order. Types that become
// ready at the same time are ordered by their position in All, then by name,
// so the result is stable across runs.
func LoadOrder(g Graph) ([]Type, error) {
	indegree := make(map[Type]int, len(g))
	dependents := make(map[Type][]Type, len(g))
	for t, deps := range g {
		if _, ok := indegree[t]; !ok {
			indegree[t] = 0
		}
		for _, d := range deps {
			if _, ok := g[d]; !ok {
				return nil, fmt.Errorf("%s depends on unknown type %s", t, d)
			}
			indegree[t]++
			dependents[d] = append(dependents[d], t)
		}
	}

	less := func(a, b Type) int {
		if ra, rb := rank(a), rank(b); ra != rb {
			return ra - rb
		}
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	}

	var ready []Type
	for t, n := range indegree {
		if n == 0 {
			ready = append(ready, t)
		}
	}
	slices.SortFunc(ready, less)

	order := make([]Type, 0, len(g))
	for len(ready) > 0 {
		t := ready[0]
		ready = ready[1:]
		order = append(order, t)
		for _, dep := range dependents[t] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		slices.SortFunc(ready, less)
	}

	if len(order) != len(g) {
		return nil, fmt.Errorf("dependency cycle among entity types")
	}
	return order, nil
}

// Dependents returns every type that transitively references t.
func (g Graph) Dependents(t Type) []Type {
	seen := map[Type]bool{}
	var walk func(Type)
	walk = func(p Type) {
		for child, deps := range g {
			if seen[child] || !slices.Contains(deps, p) {
				continue
			}
			seen[child] = true
			walk(child)
		}
	}
	walk(t)

	out := make([]Type, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Type) int { return rank(a) - rank(b) })
	return out
}
