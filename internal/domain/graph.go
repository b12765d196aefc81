package domain

import (
	"errors"
	"fmt"
	"slices"
)

// Connection is a directed edge between two blocks of the same campaign.
// Label selects the branch for edges leaving a branching block.
type Connection struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

// Graph is an adjacency view over a campaign definition, built once so
// successor lookups do not rescan the connection list.
type Graph struct {
	blocks map[string]Block
	out    map[string][]Connection
}

// NewGraph indexes blocks by id and connections by source block.
func NewGraph(blocks []Block, conns []Connection) *Graph {
	g := &Graph{
		blocks: make(map[string]Block, len(blocks)),
		out:    make(map[string][]Connection, len(blocks)),
	}
	for _, b := range blocks {
		g.blocks[b.ID] = b
	}
	for _, c := range conns {
		g.out[c.From] = append(g.out[c.From], c)
	}
	return g
}

// Block looks up a block by id.
func (g *Graph) Block(id string) (Block, bool) {
	b, ok := g.blocks[id]
	return b, ok
}

// Outgoing returns the connections leaving id in declaration order.
func (g *Graph) Outgoing(id string) []Connection {
	return g.out[id]
}

// Successors returns the blocks to schedule after id completed with outcome.
// Branching blocks follow connections labeled with the outcome plus the path
// list their payload declares for it; other blocks follow every outgoing edge.
func (g *Graph) Successors(id, outcome string) []string {
	b, ok := g.blocks[id]
	if !ok {
		return nil
	}
	var next []string
	add := func(to string) {
		if to == "" || slices.Contains(next, to) {
			return
		}
		next = append(next, to)
	}
	if !b.Type.IsBranching() {
		for _, c := range g.out[id] {
			add(c.To)
		}
		return next
	}
	if outcome == "" {
		return nil
	}
	for _, c := range g.out[id] {
		if c.Label == outcome {
			add(c.To)
		}
	}
	for _, to := range b.DeclaredPath(outcome) {
		add(to)
	}
	return next
}

// ValidateDefinition checks a block list and its connections. An empty graph
// is valid here; activation separately requires at least one block.
func ValidateDefinition(blocks []Block, conns []Connection) error {
	var errs []error
	seen := make(map[string]Block, len(blocks))
	for _, b := range blocks {
		if err := b.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[b.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate block id %s", ErrInvalidDefinition, b.ID))
			continue
		}
		seen[b.ID] = b
	}

	type edge struct{ from, to string }
	edges := make(map[edge]bool, len(conns))
	outDegree := make(map[string]int)
	for _, c := range conns {
		from, okFrom := seen[c.From]
		_, okTo := seen[c.To]
		switch {
		case !okFrom || !okTo:
			errs = append(errs, fmt.Errorf("%w: connection %s -> %s references an unknown block",
				ErrInvalidDefinition, c.From, c.To))
			continue
		case c.From == c.To:
			errs = append(errs, fmt.Errorf("%w: self-loop on block %s", ErrInvalidDefinition, c.From))
			continue
		case edges[edge{c.From, c.To}]:
			errs = append(errs, fmt.Errorf("%w: duplicate connection %s -> %s",
				ErrInvalidDefinition, c.From, c.To))
			continue
		}
		edges[edge{c.From, c.To}] = true
		outDegree[c.From]++

		if from.Type.IsBranching() {
			if !slices.Contains(from.Type.BranchLabels(), c.Label) {
				errs = append(errs, fmt.Errorf("%w: connection %s -> %s needs one of labels %v",
					ErrInvalidDefinition, c.From, c.To, from.Type.BranchLabels()))
			}
		} else if outDegree[c.From] > 1 {
			errs = append(errs, fmt.Errorf("%w: %s block %s has more than one outgoing connection",
				ErrInvalidDefinition, from.Type, c.From))
		}
	}

	for _, b := range seen {
		for _, label := range b.Type.BranchLabels() {
			for _, to := range b.DeclaredPath(label) {
				if _, ok := seen[to]; !ok {
					errs = append(errs, fmt.Errorf("%w: block %s %s path references unknown block %s",
						ErrInvalidDefinition, b.ID, label, to))
				} else if to == b.ID {
					errs = append(errs, fmt.Errorf("%w: block %s %s path points at itself",
						ErrInvalidDefinition, b.ID, label))
				}
			}
		}
	}
	return errors.Join(errs...)
}
