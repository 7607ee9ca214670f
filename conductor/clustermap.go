// Package conductor implements the BucketConfigArbiter (spec.md §4.3)
// and the Conductor reconciliation loop (spec.md §4.4) that keeps one
// Channel open per data node that owns a vbucket of interest.
package conductor

import "strconv"

// Node is one data node's connectable address.
type Node struct {
	Host string
	Port int
}

func (n Node) String() string { return n.Host + ":" + strconv.Itoa(n.Port) }

// Revision is the (epoch, number) pair that strictly orders cluster
// maps, per spec.md §3.
type Revision struct {
	Epoch  uint64
	Number uint64
}

// Newer reports whether r is strictly greater than other, using
// lexicographic (epoch, number) ordering.
func (r Revision) Newer(other Revision) bool {
	if r.Epoch != other.Epoch {
		return r.Epoch > other.Epoch
	}
	return r.Number > other.Number
}

// ClusterMap is the bucket topology as understood by the client:
// which node index owns each vbucket's active copy.
type ClusterMap struct {
	Revision Revision
	Nodes    []Node
	// VBucketToNodeIndex[v] is the index into Nodes that actively
	// owns vbucket v, or -1 if unknown. A stream is never opened
	// against a replica (spec.md §4.4 tie-break rule) — there is
	// deliberately no replica index here.
	VBucketToNodeIndex []int
}

// Ready reports whether the map has been populated with an owner for
// at least one vbucket. An empty map means "bucket just created,
// not ready yet" per spec.md §4.3.
func (m ClusterMap) Ready() bool {
	return len(m.VBucketToNodeIndex) > 0
}

// NumVBuckets returns N, the partition count (spec.md §3).
func (m ClusterMap) NumVBuckets() int {
	return len(m.VBucketToNodeIndex)
}

// OwnerOf returns the node that actively owns vbno, and whether that
// ownership is known.
func (m ClusterMap) OwnerOf(vbno uint16) (Node, bool) {
	if int(vbno) >= len(m.VBucketToNodeIndex) {
		return Node{}, false
	}
	idx := m.VBucketToNodeIndex[vbno]
	if idx < 0 || idx >= len(m.Nodes) {
		return Node{}, false
	}
	return m.Nodes[idx], true
}

// VBucketsOwnedBy returns the set of vbuckets, out of interested,
// that node currently owns.
func (m ClusterMap) VBucketsOwnedBy(node Node, interested []uint16) []uint16 {
	var owned []uint16
	for _, vbno := range interested {
		if owner, ok := m.OwnerOf(vbno); ok && owner == node {
			owned = append(owned, vbno)
		}
	}
	return owned
}
