// Package graph models the dependency DAG between agents of a task. An edge
// from A to B means A is a predecessor of B.
package graph

import "fmt"

type Graph struct {
	name     string
	order    []string
	nodes    map[string]struct{}
	preds    map[string][]string
	succs    map[string][]string
	buildErr error
}

func New(name string) *Graph {
	return &Graph{
		name:  name,
		nodes: map[string]struct{}{},
		preds: map[string][]string{},
		succs: map[string][]string{},
	}
}

func (g *Graph) AddNode(id string) *Graph {
	if g == nil || g.buildErr != nil {
		return g
	}
	if id == "" {
		g.buildErr = fmt.Errorf("node id is required")
		return g
	}
	if _, exists := g.nodes[id]; exists {
		g.buildErr = fmt.Errorf("node %q already exists", id)
		return g
	}
	g.nodes[id] = struct{}{}
	g.order = append(g.order, id)
	return g
}

// AddEdge records from as a predecessor of to. Duplicate edges collapse.
func (g *Graph) AddEdge(from, to string) *Graph {
	if g == nil || g.buildErr != nil {
		return g
	}
	if from == "" || to == "" {
		g.buildErr = fmt.Errorf("edge endpoints are required")
		return g
	}
	for _, existing := range g.preds[to] {
		if existing == from {
			return g
		}
	}
	g.preds[to] = append(g.preds[to], from)
	g.succs[from] = append(g.succs[from], to)
	return g
}

func (g *Graph) Compile() error {
	if g == nil {
		return fmt.Errorf("graph is nil")
	}
	if g.buildErr != nil {
		return g.buildErr
	}
	if len(g.nodes) == 0 {
		return fmt.Errorf("graph %q has no nodes", g.name)
	}
	for to, froms := range g.preds {
		if _, ok := g.nodes[to]; !ok {
			return fmt.Errorf("edge target node %q does not exist", to)
		}
		for _, from := range froms {
			if _, ok := g.nodes[from]; !ok {
				return fmt.Errorf("node %q depends on unknown node %q", to, from)
			}
			if from == to {
				return fmt.Errorf("node %q depends on itself", to)
			}
		}
	}
	if cycle := g.findCycle(); len(cycle) > 0 {
		return fmt.Errorf("graph %q contains a cycle: %v", g.name, cycle)
	}
	return nil
}

// findCycle returns the node ids of one cycle, or nil.
func (g *Graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	stack := make([]string, 0, len(g.nodes))

	var cycle []string
	var visit func(nodeID string) bool
	visit = func(nodeID string) bool {
		color[nodeID] = gray
		stack = append(stack, nodeID)
		for _, next := range g.succs[nodeID] {
			switch color[next] {
			case gray:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						cycle = append(append([]string{}, stack[i:]...), next)
						break
					}
				}
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[nodeID] = black
		return false
	}

	for _, nodeID := range g.order {
		if color[nodeID] == white && visit(nodeID) {
			return cycle
		}
	}
	return nil
}

func (g *Graph) Has(id string) bool {
	if g == nil {
		return false
	}
	_, ok := g.nodes[id]
	return ok
}

func (g *Graph) Successors(id string) []string {
	if g == nil {
		return nil
	}
	return append([]string(nil), g.succs[id]...)
}

// InDegree is the number of distinct predecessors of id.
func (g *Graph) InDegree(id string) int {
	if g == nil {
		return 0
	}
	return len(g.preds[id])
}

// FromPredecessors builds a graph over ids with edges taken from preds. When
// ignoreUnknown is set, predecessors outside ids are dropped instead of
// failing compilation.
func FromPredecessors(name string, ids []string, preds func(id string) []string, ignoreUnknown bool) (*Graph, error) {
	g := New(name)
	for _, id := range ids {
		g.AddNode(id)
	}
	for _, id := range ids {
		for _, pred := range preds(id) {
			if ignoreUnknown && !g.Has(pred) {
				continue
			}
			g.AddEdge(pred, id)
		}
	}
	if err := g.Compile(); err != nil {
		return nil, err
	}
	return g, nil
}
