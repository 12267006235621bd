package cluster

import (
	"math/rand"
	"sort"
)

// graph is the similarity graph over candidate signatures. Node indices
// are positions in nodes; edges are symmetric and weighted by blended
// similarity.
type graph struct {
	nodes []string
	adj   []map[int]float64
}

func newGraph(nodes []string) *graph {
	g := &graph{nodes: nodes, adj: make([]map[int]float64, len(nodes))}
	for i := range g.adj {
		g.adj[i] = make(map[int]float64)
	}
	return g
}

func (g *graph) addEdge(i, j int, w float64) {
	g.adj[i][j] = w
	g.adj[j][i] = w
}

// communitiesCPM runs seeded local moving under the Constant Potts Model
// quality function: a node joins the community where its internal edge
// weight best exceeds the resolution cost of the extra members. Converges
// when a full sweep moves nothing.
func communitiesCPM(g *graph, resolution float64, maxIter int, seed int64) [][]int {
	n := len(g.nodes)
	comm := make([]int, n)
	size := make(map[int]int, n)
	for i := range comm {
		comm[i] = i
		size[i] = 1
	}

	rng := rand.New(rand.NewSource(seed))
	order := rng.Perm(n)

	for iter := 0; iter < maxIter; iter++ {
		moved := false
		for _, v := range order {
			old := comm[v]

			// Edge weight from v into each neighboring community.
			toComm := make(map[int]float64)
			for u, w := range g.adj[v] {
				toComm[comm[u]] += w
			}

			// Gain of staying put, with v notionally removed first.
			best, bestGain := old, toComm[old]-resolution*float64(size[old]-1)
			for c, w := range toComm {
				if c == old {
					continue
				}
				gain := w - resolution*float64(size[c])
				if gain > bestGain || (gain == bestGain && c < best) {
					best, bestGain = c, gain
				}
			}
			// Isolation wins when every community costs more than it pays.
			if bestGain < 0 && size[old] > 1 {
				best = freeCommunity(size, n)
			}

			if best != old {
				size[old]--
				size[best]++
				comm[v] = best
				moved = true
			}
		}
		if !moved {
			break
		}
	}
	return groupByCommunity(comm)
}

// labelPropagation is the cheap fallback: every node adopts the label
// carrying the most neighbor edge weight, ties to the smallest label.
func labelPropagation(g *graph, maxIter int, seed int64) [][]int {
	n := len(g.nodes)
	label := make([]int, n)
	for i := range label {
		label[i] = i
	}

	rng := rand.New(rand.NewSource(seed))
	order := rng.Perm(n)

	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for _, v := range order {
			weight := make(map[int]float64)
			for u, w := range g.adj[v] {
				weight[label[u]] += w
			}
			if len(weight) == 0 {
				continue
			}

			best, bestW := label[v], weight[label[v]]
			for l, w := range weight {
				if w > bestW || (w == bestW && l < best) {
					best, bestW = l, w
				}
			}
			if best != label[v] {
				label[v] = best
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return groupByCommunity(label)
}

func freeCommunity(size map[int]int, n int) int {
	for c := 0; ; c++ {
		if size[c] == 0 {
			return c
		}
		if c > 2*n {
			return n
		}
	}
}

func groupByCommunity(comm []int) [][]int {
	byComm := make(map[int][]int)
	for v, c := range comm {
		byComm[c] = append(byComm[c], v)
	}

	out := make([][]int, 0, len(byComm))
	for _, members := range byComm {
		sort.Ints(members)
		out = append(out, members)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
