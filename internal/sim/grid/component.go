package grid

import "sort"

// Component walks the connections reachable from start, visiting at most
// maxNodes nodes (0 means no limit). The result is sorted and includes start.
func (g *Graph) Component(start NodeID, maxNodes int) []NodeID {
	if _, ok := g.nodes[start]; !ok {
		return nil
	}
	visited := map[NodeID]bool{start: true}
	q := []NodeID{start}
	for len(q) > 0 {
		id := q[0]
		q = q[1:]
		for peer := range g.nodes[id].peers {
			if visited[peer] {
				continue
			}
			if maxNodes > 0 && len(visited) >= maxNodes {
				q = nil
				break
			}
			visited[peer] = true
			q = append(q, peer)
		}
	}

	out := make([]NodeID, 0, len(visited))
	for id := range visited {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NotifyAll fires every node's topology callback once, in id order. It
// settles devices after a bulk load that connected nodes with Loading set.
func (g *Graph) NotifyAll() {
	ids := make([]NodeID, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if n, ok := g.nodes[id]; ok {
			notify(n, id)
		}
	}
}
