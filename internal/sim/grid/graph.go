// Package grid holds the network graph: nodes owned by devices and the
// connections between them.
//
// Nodes live in an arena keyed by a stable NodeID and connections in a separate
// table keyed by ConnID, so neither side keeps pointers to the other. The graph
// is owned by the simulation goroutine and is not safe for concurrent use.
package grid

import (
	"sort"

	"busgrid.ai/internal/sim/geom"
)

type NodeID uint32

// NoNode is never assigned to a live node.
const NoNode NodeID = 0

type ConnID uint32

const NoConn ConnID = 0

type NodeConfig struct {
	// Owner is a free-form label used in diagnostics.
	Owner string
	// Capacity bounds the node's connection count under CapacityRule. Zero means unlimited.
	Capacity int
	// OnTopologyChanged is called after a connection of this node is created or destroyed.
	OnTopologyChanged func(NodeID)
}

type node struct {
	cfg     NodeConfig
	exposed geom.FaceSet
	peers   map[NodeID]ConnID
}

// Connection joins exactly two nodes.
type Connection struct {
	ID ConnID
	A  NodeID
	B  NodeID
	// External connections cross a block boundary; Side is the face of A they leave through.
	External bool
	Side     geom.Face
}

// Other returns the endpoint that is not n.
func (c Connection) Other(n NodeID) NodeID {
	if c.A == n {
		return c.B
	}
	return c.A
}

// SideOf returns the face through which n reaches its peer.
func (c Connection) SideOf(n NodeID) (geom.Face, bool) {
	if !c.External {
		return 0, false
	}
	if c.A == n {
		return c.Side, true
	}
	return c.Side.Opposite(), true
}

// Rule decides whether two nodes may be joined. A non-nil error rejects the pair.
type Rule func(g *Graph, a, b NodeID) error

type ConnectOptions struct {
	External bool
	Side     geom.Face
	Rule     Rule
	// Loading suppresses topology notifications; used while a host is being restored.
	Loading bool
}

type Graph struct {
	nodes    map[NodeID]*node
	conns    map[ConnID]Connection
	nextNode NodeID
	nextConn ConnID
}

func New() *Graph {
	return &Graph{
		nodes: map[NodeID]*node{},
		conns: map[ConnID]Connection{},
	}
}

func (g *Graph) NewNode(cfg NodeConfig) NodeID {
	g.nextNode++
	id := g.nextNode
	g.nodes[id] = &node{cfg: cfg, peers: map[NodeID]ConnID{}}
	return id
}

// RemoveNode destroys every connection of id and then the node. Peers are notified.
func (g *Graph) RemoveNode(id NodeID) {
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	for _, cid := range sortedConnIDs(n.peers) {
		g.disconnect(cid, false, id)
	}
	delete(g.nodes, id)
}

func (g *Graph) HasNode(id NodeID) bool {
	_, ok := g.nodes[id]
	return ok
}

func (g *Graph) Owner(id NodeID) string {
	if n, ok := g.nodes[id]; ok {
		return n.cfg.Owner
	}
	return ""
}

// Connect creates a connection between a and b and registers it on both nodes.
func (g *Graph) Connect(a, b NodeID, opts ConnectOptions) (ConnID, error) {
	na, okA := g.nodes[a]
	nb, okB := g.nodes[b]
	if !okA || !okB {
		return NoConn, ErrUnknownNode
	}
	if a == b {
		return NoConn, &ConnectionError{Kind: IncompatibleNetworks, A: a, B: b}
	}
	if _, exists := na.peers[b]; exists {
		return NoConn, &ConnectionError{Kind: AlreadyConnected, A: a, B: b}
	}
	if opts.Rule != nil {
		if err := opts.Rule(g, a, b); err != nil {
			return NoConn, &ConnectionError{Kind: IncompatibleNetworks, A: a, B: b, Reason: err}
		}
	}

	g.nextConn++
	c := Connection{ID: g.nextConn, A: a, B: b, External: opts.External, Side: opts.Side}
	g.conns[c.ID] = c
	na.peers[b] = c.ID
	nb.peers[a] = c.ID

	if !opts.Loading {
		notify(na, a)
		notify(nb, b)
	}
	return c.ID, nil
}

// Disconnect removes the connection from both endpoints. It reports whether
// anything was removed; disconnecting twice is a no-op.
func (g *Graph) Disconnect(id ConnID) bool {
	return g.disconnect(id, false, NoNode)
}

// DisconnectQuiet is Disconnect without topology notifications.
func (g *Graph) DisconnectQuiet(id ConnID) bool {
	return g.disconnect(id, true, NoNode)
}

func (g *Graph) disconnect(id ConnID, quiet bool, skip NodeID) bool {
	c, ok := g.conns[id]
	if !ok {
		return false
	}
	delete(g.conns, id)
	na := g.nodes[c.A]
	nb := g.nodes[c.B]
	if na != nil {
		delete(na.peers, c.B)
	}
	if nb != nil {
		delete(nb.peers, c.A)
	}
	if !quiet {
		if na != nil && c.A != skip {
			notify(na, c.A)
		}
		if nb != nil && c.B != skip {
			notify(nb, c.B)
		}
	}
	return true
}

func notify(n *node, id NodeID) {
	if n.cfg.OnTopologyChanged != nil {
		n.cfg.OnTopologyChanged(id)
	}
}

func (g *Graph) Connected(a, b NodeID) bool {
	n, ok := g.nodes[a]
	if !ok {
		return false
	}
	_, ok = n.peers[b]
	return ok
}

// ConnectionBetween returns the id of the edge joining a and b.
func (g *Graph) ConnectionBetween(a, b NodeID) (ConnID, bool) {
	n, ok := g.nodes[a]
	if !ok {
		return NoConn, false
	}
	id, ok := n.peers[b]
	return id, ok
}

func (g *Graph) Connection(id ConnID) (Connection, bool) {
	c, ok := g.conns[id]
	return c, ok
}

// Connections returns the node's connections ordered by id.
func (g *Graph) Connections(id NodeID) []Connection {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := make([]Connection, 0, len(n.peers))
	for _, cid := range sortedConnIDs(n.peers) {
		out = append(out, g.conns[cid])
	}
	return out
}

func (g *Graph) Peers(id NodeID) []NodeID {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := make([]NodeID, 0, len(n.peers))
	for p := range n.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (g *Graph) Degree(id NodeID) int {
	if n, ok := g.nodes[id]; ok {
		return len(n.peers)
	}
	return 0
}

func (g *Graph) Capacity(id NodeID) int {
	if n, ok := g.nodes[id]; ok {
		return n.cfg.Capacity
	}
	return 0
}

// SetExposedFaces records the faces on which the node may link to neighbors.
func (g *Graph) SetExposedFaces(id NodeID, faces geom.FaceSet) {
	if n, ok := g.nodes[id]; ok {
		n.exposed = faces
	}
}

func (g *Graph) ExposedFaces(id NodeID) geom.FaceSet {
	if n, ok := g.nodes[id]; ok {
		return n.exposed
	}
	return 0
}

// ConnectedSides returns the faces that carry an external connection of id.
func (g *Graph) ConnectedSides(id NodeID) geom.FaceSet {
	var out geom.FaceSet
	for _, c := range g.Connections(id) {
		if f, ok := c.SideOf(id); ok {
			out = out.With(f)
		}
	}
	return out
}

func (g *Graph) NodeCount() int       { return len(g.nodes) }
func (g *Graph) ConnectionCount() int { return len(g.conns) }

func sortedConnIDs(m map[NodeID]ConnID) []ConnID {
	out := make([]ConnID, 0, len(m))
	for _, cid := range m {
		out = append(out, cid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
