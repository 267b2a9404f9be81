// Package dag validates a pipeline's stage graph and computes the ready
// set during execution. Adjacency is by stage-name string resolved
// through an index map at plan time; dependencies_of/dependents_of are
// precomputed once, never recomputed per call.
package dag

import (
	"fmt"
	"sort"
)

// StageNode is the planner's view of one stage definition: its name and
// the names of stages it depends on.
type StageNode struct {
	Name      string
	DependsOn []string
}

// UnknownDependencyError reports a depends_on reference to an undefined
// stage.
type UnknownDependencyError struct {
	Stage, Missing string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("dag: stage %q depends on undefined stage %q", e.Stage, e.Missing)
}

// DuplicateStageError reports a stage name defined more than once.
type DuplicateStageError struct {
	Name string
}

func (e *DuplicateStageError) Error() string {
	return fmt.Sprintf("dag: duplicate stage name %q", e.Name)
}

// CycleError reports a cycle found during validation, naming one
// representative cycle.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dag: cycle detected: %v", e.Cycle)
}

// Plan is a validated stage graph.
type Plan struct {
	order        []string
	dependsOn    map[string]map[string]struct{}
	dependents   map[string]map[string]struct{}
	allStages    []string
}

// Build validates stages in order (unique names, then dangling-dependency
// check, then cycle check) and returns a Plan or the first structured
// error encountered.
func Build(stages []StageNode) (*Plan, error) {
	index := make(map[string]StageNode, len(stages))
	names := make([]string, 0, len(stages))
	for _, s := range stages {
		if _, exists := index[s.Name]; exists {
			return nil, &DuplicateStageError{Name: s.Name}
		}
		index[s.Name] = s
		names = append(names, s.Name)
	}

	for _, s := range stages {
		for _, dep := range s.DependsOn {
			if _, ok := index[dep]; !ok {
				return nil, &UnknownDependencyError{Stage: s.Name, Missing: dep}
			}
		}
	}

	dependsOn := make(map[string]map[string]struct{}, len(stages))
	dependents := make(map[string]map[string]struct{}, len(stages))
	for _, name := range names {
		dependsOn[name] = make(map[string]struct{})
		dependents[name] = make(map[string]struct{})
	}
	for _, s := range stages {
		for _, dep := range s.DependsOn {
			dependsOn[s.Name][dep] = struct{}{}
			dependents[dep][s.Name] = struct{}{}
		}
	}

	order, cycle := topologicalOrder(names, dependsOn)
	if cycle != nil {
		return nil, &CycleError{Cycle: cycle}
	}

	sortedAll := append([]string(nil), names...)
	sort.Strings(sortedAll)

	return &Plan{
		order:      order,
		dependsOn:  dependsOn,
		dependents: dependents,
		allStages:  sortedAll,
	}, nil
}

// topologicalOrder computes a deterministic total order (Kahn's algorithm,
// tie-broken lexicographically by stage name at each step so the order is
// reproducible run to run). Returns a representative cycle if one exists.
func topologicalOrder(names []string, dependsOn map[string]map[string]struct{}) ([]string, []string) {
	remaining := make(map[string]int, len(names))
	for _, n := range names {
		remaining[n] = len(dependsOn[n])
	}

	var order []string
	for len(order) < len(names) {
		var ready []string
		for _, n := range names {
			if remaining[n] == 0 {
				already := false
				for _, done := range order {
					if done == n {
						already = true
						break
					}
				}
				if !already {
					ready = append(ready, n)
				}
			}
		}
		if len(ready) == 0 {
			return nil, findCycle(names, dependsOn)
		}
		sort.Strings(ready)
		next := ready[0]
		order = append(order, next)
		remaining[next] = -1 // consumed
		for _, n := range names {
			if _, dep := dependsOn[n][next]; dep {
				remaining[n]--
			}
		}
	}
	return order, nil
}

// findCycle does a DFS looking for a back-edge to report a representative
// cycle once Kahn's algorithm has stalled.
func findCycle(names []string, dependsOn map[string]map[string]struct{}) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(names))
	var path []string

	var visit func(string) []string
	visit = func(n string) []string {
		color[n] = gray
		path = append(path, n)
		deps := make([]string, 0, len(dependsOn[n]))
		for d := range dependsOn[n] {
			deps = append(deps, d)
		}
		sort.Strings(deps)
		for _, d := range deps {
			switch color[d] {
			case white:
				if cyc := visit(d); cyc != nil {
					return cyc
				}
			case gray:
				start := 0
				for i, p := range path {
					if p == d {
						start = i
						break
					}
				}
				cycle := append([]string(nil), path[start:]...)
				return append(cycle, d)
			}
		}
		path = path[:len(path)-1]
		color[n] = black
		return nil
	}

	for _, n := range names {
		if color[n] == white {
			if cyc := visit(n); cyc != nil {
				return cyc
			}
		}
	}
	return []string{"unknown"}
}

// TopologicalOrder returns the deterministic total order computed at
// build time.
func (p *Plan) TopologicalOrder() []string { return p.order }

// DependenciesOf returns the set of predecessor names for a stage.
func (p *Plan) DependenciesOf(name string) []string {
	return setToSortedSlice(p.dependsOn[name])
}

// DependentsOf returns the set of successor names for a stage.
func (p *Plan) DependentsOf(name string) []string {
	return setToSortedSlice(p.dependents[name])
}

// Ready returns the set of stage names whose dependencies are all in
// succeededSet, excluding names already in succeededSet themselves.
func (p *Plan) Ready(succeededSet map[string]struct{}) []string {
	var ready []string
	for _, name := range p.allStages {
		if _, done := succeededSet[name]; done {
			continue
		}
		satisfied := true
		for dep := range p.dependsOn[name] {
			if _, ok := succeededSet[dep]; !ok {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)
	return ready
}

// AllStages returns every stage name in the plan, sorted.
func (p *Plan) AllStages() []string { return p.allStages }

func setToSortedSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
