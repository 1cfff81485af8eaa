package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sasha-s/go-deadlock"
)

// Attrs are the annotations carried by a layer node. Tags and Repos are
// filled during the repository import pass; Ref counts the (repo, tag)
// pairs whose ancestry chain contains the node.
type Attrs struct {
	Tags  []string `json:"tags"`
	Repos []string `json:"repos"`
	Ref   int      `json:"ref"`
}

// Graph is a directed graph of layer nodes with parent edges. It is safe
// for concurrent use; scan workers mutate it from many goroutines.
type Graph struct {
	mu    deadlock.RWMutex
	nodes map[string]*Attrs
	edges map[string]map[string]bool // child id -> set of parent ids
}

// NotFoundError reports a lookup of a layer the graph has never seen,
// typically a repository index or tag pointing at a deleted image.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("layer %s is not in the graph", e.ID)
}

// CycleError means the registry returned ancestry chains that loop. A
// graph with a cycle cannot be ordered and must not be swept.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("ancestry contains a cycle through %s", strings.Join(e.Nodes, ", "))
}

func New() *Graph {
	return &Graph{
		nodes: map[string]*Attrs{},
		edges: map[string]map[string]bool{},
	}
}

// AddNode inserts a node with default annotations. Inserting an existing
// node is a no-op so annotations survive duplicate image listings.
func (g *Graph) AddNode(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addNodeLocked(id)
}

func (g *Graph) addNodeLocked(id string) {
	if _, ok := g.nodes[id]; ok {
		return
	}
	g.nodes[id] = &Attrs{Tags: []string{}, Repos: []string{}}
}

// AddPath inserts every id on an ancestry chain and an edge between each
// consecutive pair. Repeated edges collapse.
func (g *Graph) AddPath(ids []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, id := range ids {
		g.addNodeLocked(id)
	}
	for i := 0; i+1 < len(ids); i++ {
		child, parent := ids[i], ids[i+1]
		if g.edges[child] == nil {
			g.edges[child] = map[string]bool{}
		}
		g.edges[child][parent] = true
	}
}

// Node returns a copy of the node's annotations.
func (g *Graph) Node(id string) (Attrs, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	attrs, ok := g.nodes[id]
	if !ok {
		return Attrs{}, &NotFoundError{ID: id}
	}
	return Attrs{
		Tags:  append([]string{}, attrs.Tags...),
		Repos: append([]string{}, attrs.Repos...),
		Ref:   attrs.Ref,
	}, nil
}

// Has reports whether the graph contains id.
func (g *Graph) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// NodeIDs returns every node id in lexicographic order.
func (g *Graph) NodeIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodeIDsLocked()
}

func (g *Graph) nodeIDsLocked() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AddTag appends a "<repo>:<tag>" annotation to a head layer.
func (g *Graph) AddTag(id, tag string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	attrs, ok := g.nodes[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	attrs.Tags = append(attrs.Tags, tag)
	return nil
}

// AddRepo records that a repository's index includes this layer.
func (g *Graph) AddRepo(id, repo string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	attrs, ok := g.nodes[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	attrs.Repos = append(attrs.Repos, repo)
	return nil
}

// MarkReachable walks the ancestry of a head layer in preorder and
// increments the reference count of every visited node.
func (g *Graph) MarkReachable(head string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[head]; !ok {
		return &NotFoundError{ID: head}
	}
	for _, id := range g.dfsLocked(head) {
		g.nodes[id].Ref++
	}
	return nil
}

// DFS returns the preorder traversal from source along parent edges.
// Parents of a node are visited in lexicographic order so traversal is
// stable.
func (g *Graph) DFS(source string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[source]; !ok {
		return nil, &NotFoundError{ID: source}
	}
	return g.dfsLocked(source), nil
}

func (g *Graph) dfsLocked(source string) []string {
	var order []string
	visited := map[string]bool{}

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		order = append(order, id)

		parents := make([]string, 0, len(g.edges[id]))
		for parent := range g.edges[id] {
			parents = append(parents, parent)
		}
		sort.Strings(parents)
		for _, parent := range parents {
			visit(parent)
		}
	}
	visit(source)
	return order
}

// DFSTree returns the subgraph reachable from source, annotations
// included.
func (g *Graph) DFSTree(source string) (*Graph, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[source]; !ok {
		return nil, &NotFoundError{ID: source}
	}

	sub := New()
	for _, id := range g.dfsLocked(source) {
		attrs := g.nodes[id]
		sub.nodes[id] = &Attrs{
			Tags:  append([]string{}, attrs.Tags...),
			Repos: append([]string{}, attrs.Repos...),
			Ref:   attrs.Ref,
		}
	}
	for child, parents := range g.edges {
		if _, ok := sub.nodes[child]; !ok {
			continue
		}
		for parent := range parents {
			if _, ok := sub.nodes[parent]; !ok {
				continue
			}
			if sub.edges[child] == nil {
				sub.edges[child] = map[string]bool{}
			}
			sub.edges[child][parent] = true
		}
	}
	return sub, nil
}

// TopoSort orders nodes so every layer precedes its parents: heads first,
// roots last. Ties break lexicographically, which keeps the order stable
// across runs. With a non-nil subset the result is the restriction of the
// full-graph order to that subset.
func (g *Graph) TopoSort(subset []string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indegree := map[string]int{}
	for id := range g.nodes {
		indegree[id] = 0
	}
	for _, parents := range g.edges {
		for parent := range parents {
			indegree[parent]++
		}
	}

	ready := []string{}
	for id, degree := range indegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		parents := make([]string, 0, len(g.edges[id]))
		for parent := range g.edges[id] {
			parents = append(parents, parent)
		}
		sort.Strings(parents)
		for _, parent := range parents {
			indegree[parent]--
			if indegree[parent] == 0 {
				ready = insertSorted(ready, parent)
			}
		}
	}

	if len(order) < len(g.nodes) {
		var stuck []string
		for id, degree := range indegree {
			if degree > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, &CycleError{Nodes: stuck}
	}

	if subset == nil {
		return order, nil
	}

	keep := map[string]bool{}
	for _, id := range subset {
		keep[id] = true
	}
	restricted := make([]string, 0, len(subset))
	for _, id := range order {
		if keep[id] {
			restricted = append(restricted, id)
		}
	}
	return restricted, nil
}

func insertSorted(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}
