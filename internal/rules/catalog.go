package rules

import (
	"fmt"
	"sort"
	"strings"
)

// Symbolic base references resolved by the slip builder rather than by a rubric line.
const (
	BaseGross            = "BRUT"
	BaseSalary           = "SALAIRE_BASE"
	BaseEligibleChildren = "ENFANTS_ELIGIBLES"
	BaseWorkedDays       = "JOURS_TRAVAILLES"
	BaseWorkedHours      = "HEURES_TRAVAILLEES"
	RubricBaseSalaryCode = "SAL_BASE"
)

// IsSymbolicBase reports whether ref is resolved by the builder itself.
func IsSymbolicBase(ref string) bool {
	switch ref {
	case BaseGross, BaseSalary, BaseEligibleChildren, BaseWorkedDays, BaseWorkedHours:
		return true
	}
	return false
}

// ValidateCatalog rejects a rubric catalog whose default base references form a cycle.
func ValidateCatalog(rubrics map[string]Rubric) error {
	edges := make(map[string][]string, len(rubrics))
	for code, r := range rubrics {
		ref := strings.TrimSpace(r.DefaultBaseRef)
		if ref == "" {
			continue
		}
		if _, ok := rubrics[ref]; ok {
			edges[code] = append(edges[code], ref)
		}
	}
	return DetectCycle(edges)
}

// DetectCycle walks the dependency graph depth-first in sorted key order and
// returns ErrCyclicRubric naming the first cycle found.
func DetectCycle(edges map[string][]string) error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(edges))
	var path []string

	var visit func(node string) error
	visit = func(node string) error {
		switch state[node] {
		case visiting:
			start := 0
			for i, n := range path {
				if n == node {
					start = i
					break
				}
			}
			cycle := append(append([]string{}, path[start:]...), node)
			return fmt.Errorf("%w: %s", ErrCyclicRubric, strings.Join(cycle, " -> "))
		case done:
			return nil
		}
		state[node] = visiting
		path = append(path, node)
		next := append([]string{}, edges[node]...)
		sort.Strings(next)
		for _, n := range next {
			if err := visit(n); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[node] = done
		return nil
	}

	keys := make([]string, 0, len(edges))
	for k := range edges {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if state[k] == unvisited {
			if err := visit(k); err != nil {
				return err
			}
		}
	}
	return nil
}

// SortedRubrics returns the catalog ordered by computation order, then code.
func SortedRubrics(rubrics map[string]Rubric) []Rubric {
	out := make([]Rubric, 0, len(rubrics))
	for _, r := range rubrics {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ComputationOrder != out[j].ComputationOrder {
			return out[i].ComputationOrder < out[j].ComputationOrder
		}
		return out[i].Code < out[j].Code
	})
	return out
}
