// Package dag builds the parent→child index over a parsed log and
// classifies nodes, grounded on the teacher's dependency-tree and
// cycle-aware resurrection logic (internal/storage: DetectCycles,
// GetDependencyTree, TryResurrectParent) generalized from an issue
// hierarchy to a conversation-record hierarchy.
package dag

import (
	"fmt"
	"sort"

	"github.com/logrepair/core/internal/record"
)

// Kind classifies a node's position in the graph.
type Kind string

const (
	KindRoot     Kind = "root"
	KindInternal Kind = "internal"
	KindLeaf     Kind = "leaf"
	KindOrphan   Kind = "orphan"
)

// Node is one record's position within the graph.
type Node struct {
	Record   *record.Record
	Kind     Kind
	Children []string
}

// CycleError reports a cycle detected while building the graph. Per
// spec.md §4.3, the graph refuses to participate in repair for the
// affected records until the caller resolves the cycle.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected among %d record(s): %v", len(e.Nodes), e.Nodes)
}

// Graph is the parent→child index over one log (or one session's slice of
// a log). It is owned by whichever component invoked Build and is dropped
// when that call returns; it performs no I/O of its own.
type Graph struct {
	nodes map[string]*Node
	order []string
}

// Build constructs a Graph from records, in the order given. The order is
// preserved as insertion order for traversal tie-breaking (spec.md §4.3:
// "pre-order by timestamp with insertion-order tie-break").
//
// Build returns a *CycleError if any record's ancestor chain cycles back
// to itself; the caller must resolve the cycle before repair can proceed
// for the affected session.
func Build(records []*record.Record) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*Node, len(records))}

	for i, r := range records {
		r.SetSeq(i)
		g.nodes[r.UUID] = &Node{Record: r}
		g.order = append(g.order, r.UUID)
	}

	for _, uuid := range g.order {
		n := g.nodes[uuid]
		parent := n.Record.ParentUUID
		if parent == "" {
			continue
		}
		if pn, ok := g.nodes[parent]; ok {
			pn.Children = append(pn.Children, uuid)
		}
	}

	if cyc := g.findCycle(); cyc != nil {
		return nil, &CycleError{Nodes: cyc}
	}

	for _, uuid := range g.order {
		n := g.nodes[uuid]
		_, parentResolves := g.nodes[n.Record.ParentUUID]
		hasParent := n.Record.ParentUUID != ""
		hasChildren := len(n.Children) > 0

		switch {
		case hasParent && !parentResolves:
			n.Kind = KindOrphan
		case !hasParent:
			n.Kind = KindRoot
		case hasChildren:
			n.Kind = KindInternal
		default:
			n.Kind = KindLeaf
		}
	}

	return g, nil
}

// findCycle walks each node's ancestor chain looking for a repeat. It
// returns the cycle's node set (ordered by first encounter) or nil.
func (g *Graph) findCycle() []string {
	state := make(map[string]int, len(g.nodes)) // 0=unvisited 1=in-progress 2=done
	for _, start := range g.order {
		if state[start] == 2 {
			continue
		}
		path := []string{}
		cur := start
		for cur != "" {
			if state[cur] == 1 {
				// Found a cycle: trim path down to the repeated node.
				idx := 0
				for i, u := range path {
					if u == cur {
						idx = i
						break
					}
				}
				return append([]string(nil), path[idx:]...)
			}
			if state[cur] == 2 {
				break
			}
			n, ok := g.nodes[cur]
			if !ok {
				break
			}
			state[cur] = 1
			path = append(path, cur)
			next := n.Record.ParentUUID
			if _, ok := g.nodes[next]; !ok {
				break
			}
			cur = next
		}
		for _, u := range path {
			state[u] = 2
		}
	}
	return nil
}

// Node returns the node for uuid, or nil if it is not present in the
// graph.
func (g *Graph) Node(uuid string) *Node { return g.nodes[uuid] }

// Resolves reports whether parentUUID resolves to a record in this graph.
func (g *Graph) Resolves(parentUUID string) bool {
	_, ok := g.nodes[parentUUID]
	return ok
}

// Ancestors returns the chain of ancestor UUIDs starting from the
// immediate parent of uuid, bounded by depthCap (0 means unbounded).
func (g *Graph) Ancestors(uuid string, depthCap int) []string {
	var out []string
	n, ok := g.nodes[uuid]
	if !ok {
		return nil
	}
	cur := n.Record.ParentUUID
	for depth := 0; cur != ""; depth++ {
		if depthCap > 0 && depth >= depthCap {
			break
		}
		pn, ok := g.nodes[cur]
		if !ok {
			break
		}
		out = append(out, cur)
		cur = pn.Record.ParentUUID
	}
	return out
}

// Descendants returns every descendant of uuid via breadth-first
// expansion, bounded by depthCap (0 means unbounded).
func (g *Graph) Descendants(uuid string, depthCap int) []string {
	var out []string
	n, ok := g.nodes[uuid]
	if !ok {
		return nil
	}
	type frame struct {
		uuid  string
		depth int
	}
	queue := []frame{}
	for _, c := range n.Children {
		queue = append(queue, frame{c, 1})
	}
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		if depthCap > 0 && f.depth > depthCap {
			continue
		}
		out = append(out, f.uuid)
		if cn, ok := g.nodes[f.uuid]; ok {
			for _, c := range cn.Children {
				queue = append(queue, frame{c, f.depth + 1})
			}
		}
	}
	return out
}

// PreOrder returns every record UUID in pre-order: ordered by timestamp,
// ties broken by insertion order (spec.md §3: "timestamp is non-decreasing
// along any parent→child chain; ties are broken by insertion order").
func (g *Graph) PreOrder() []string {
	out := append([]string(nil), g.order...)
	sort.SliceStable(out, func(i, j int) bool {
		ni, nj := g.nodes[out[i]], g.nodes[out[j]]
		ti, tj := ni.Record.Timestamp, nj.Record.Timestamp
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return ni.Record.Seq() < nj.Record.Seq()
	})
	return out
}
