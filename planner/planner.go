// Package planner implements the planning phase: a deterministic
// shortest-path search over the version graph, weighted by package size,
// that produces the ordered list of packages transforming a workspace from
// its current revision to a goal revision. The graph itself is a sparse
// adjacency map keyed by revision, sized for the common case of a modest
// number of published versions and packages.
package planner

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/a-h/revctl/errs"
	"github.com/a-h/revctl/model"
)

// Empty is the virtual source node ∅ connected to every standalone
// package's To revision.
const Empty = ""

// Graph is the version graph: for every From revision (Empty included),
// the packages departing it.
type Graph struct {
	edges map[string][]model.PackageRef
}

// NewGraph builds a Graph from a repository's package edge list.
func NewGraph(packages []model.PackageRef) *Graph {
	g := &Graph{edges: make(map[string][]model.PackageRef)}
	for _, p := range packages {
		g.edges[p.From] = append(g.edges[p.From], p)
	}
	for from := range g.edges {
		// Deterministic tie-break requires a stable iteration order.
		edges := g.edges[from]
		sort.Slice(edges, func(i, j int) bool { return edges[i].Name < edges[j].Name })
		g.edges[from] = edges
	}
	return g
}

// cost is the priority-queue key: total package size, then edge count,
// then the lexicographically smallest sequence of package names.
type cost struct {
	size  int64
	edges int
	names []string
}

func (c cost) less(o cost) bool {
	if c.size != o.size {
		return c.size < o.size
	}
	if c.edges != o.edges {
		return c.edges < o.edges
	}
	for i := 0; i < len(c.names) && i < len(o.names); i++ {
		if c.names[i] != o.names[i] {
			return c.names[i] < o.names[i]
		}
	}
	return len(c.names) < len(o.names)
}

func (c cost) plus(p model.PackageRef) cost {
	names := make([]string, len(c.names)+1)
	copy(names, c.names)
	names[len(c.names)] = p.Name
	return cost{size: c.size + p.Size, edges: c.edges + 1, names: names}
}

type queueItem struct {
	revision string
	cost     cost
	index    int
}

type priorityQueue []*queueItem

func (pq priorityQueue) Len() int            { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool  { return pq[i].cost.less(pq[j].cost) }
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index, pq[j].index = i, j
}
func (pq *priorityQueue) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

// Plan runs Dijkstra's shortest path over g from src to dst, weighted by
// package size with a deterministic tie-break, and returns the ordered
// package edges to traverse. src == Empty means the workspace has no files
// yet. If src == dst the plan is empty (non-error): the driver will then
// only perform a full integrity check. If dst is unreachable from src,
// Plan returns *errs.NoPath.
func Plan(g *Graph, src, dst string) ([]model.PackageRef, error) {
	if src == dst {
		return nil, nil
	}

	best := map[string]cost{src: {}}
	prevEdge := map[string]model.PackageRef{}
	prevNode := map[string]string{}

	pq := &priorityQueue{{revision: src, cost: cost{}}}
	heap.Init(pq)

	visited := map[string]bool{}

	for pq.Len() > 0 {
		item := heap.Pop(pq).(*queueItem)
		if visited[item.revision] {
			continue
		}
		visited[item.revision] = true

		if item.revision == dst {
			return reconstruct(dst, prevNode, prevEdge), nil
		}

		for _, edge := range g.edges[item.revision] {
			if visited[edge.To] {
				continue
			}
			candidate := item.cost.plus(edge)
			existing, ok := best[edge.To]
			if !ok || candidate.less(existing) {
				best[edge.To] = candidate
				prevEdge[edge.To] = edge
				prevNode[edge.To] = item.revision
				heap.Push(pq, &queueItem{revision: edge.To, cost: candidate})
			}
		}
	}

	return nil, &errs.NoPath{From: src, To: dst}
}

func reconstruct(dst string, prevNode map[string]string, prevEdge map[string]model.PackageRef) []model.PackageRef {
	var rev []model.PackageRef
	for at := dst; ; {
		edge, ok := prevEdge[at]
		if !ok {
			break
		}
		rev = append(rev, edge)
		at = prevNode[at]
	}
	plan := make([]model.PackageRef, len(rev))
	for i, e := range rev {
		plan[len(rev)-1-i] = e
	}
	return plan
}

// TotalSize sums the size of every package in a plan, for progress and plan
// display.
func TotalSize(plan []model.PackageRef) int64 {
	var total int64
	for _, p := range plan {
		total += p.Size
	}
	return total
}

// Validate checks a resumed plan's packages still match what the
// repository's current edge list offers for the same (from, to) pairs, so
// a resumed run is still consistent with the current repository indices.
func Validate(g *Graph, plan []model.PackageRef) error {
	for i, want := range plan {
		found := false
		for _, have := range g.edges[want.From] {
			if have.To == want.To && have.Name == want.Name {
				if have.Size != want.Size {
					return fmt.Errorf("plan step %d (%s): size changed from %d to %d", i, want.Name, want.Size, have.Size)
				}
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("plan step %d (%s %s->%s): no longer offered by the repository", i, want.Name, want.From, want.To)
		}
	}
	return nil
}
