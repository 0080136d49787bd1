package pubsub

import (
	"log"
	"strings"

	"github.com/tinymesh/linkstack/pkg/linkerr"
)

const (
	maxSegmentBytes = 7
	maxPathBytes    = 31
)

// subscriber pairs a callback with the identity used to suppress a
// publisher from receiving its own publication. Two subscriber values come
// from the same logical source iff their SourceID values are equal; Go
// closures can't be compared for equality, so identity is modeled
// explicitly via SourceID instead of the callback value itself.
type subscriber struct {
	sourceID SourceID
	linkSub  bool
	fn       Callback
}

// node is one entry in the topic tree. Parent is a back-index used for
// walkToRoot, not an owning reference, so the tree has no ownership cycle
// for a caller to worry about when a PubSub instance is torn down.
type node struct {
	name     string
	parent   *node
	children []*node

	subscribers []subscriber
	retained    *retainedValue
}

type retainedValue struct {
	value Value
	span  span // zero value when value is CONST or NULL
}

// splitPath breaks path into its '/'-delimited segments, rejecting paths
// over maxPathBytes outright and truncating any individual segment over
// maxSegmentBytes. A truncated segment is still usable as a topic name, but
// it silently collides with any other name sharing the same first
// maxSegmentBytes bytes, so every truncation is logged.
func splitPath(path string) ([]string, error) {
	if len(path) > maxPathBytes {
		return nil, linkerr.ErrParameterInvalid
	}
	if path == "" {
		return nil, nil
	}
	segs := strings.Split(path, "/")
	for i, s := range segs {
		if len(s) > maxSegmentBytes {
			segs[i] = s[:maxSegmentBytes]
			log.Printf("pubsub: topic segment %q truncated to %q (%d byte limit)", s, segs[i], maxSegmentBytes)
		}
	}
	return segs, nil
}

func newRoot() *node {
	return &node{}
}

func (n *node) findOrCreate(segs []string) *node {
	cur := n
	for _, s := range segs {
		var next *node
		for _, c := range cur.children {
			if c.name == s {
				next = c
				break
			}
		}
		if next == nil {
			next = &node{name: s, parent: cur}
			cur.children = append(cur.children, next)
		}
		cur = next
	}
	return cur
}

func (n *node) find(segs []string) *node {
	cur := n
	for _, s := range segs {
		var next *node
		for _, c := range cur.children {
			if c.name == s {
				next = c
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

// path reconstructs this node's full '/'-joined path from the root.
func (n *node) path() string {
	if n.parent == nil {
		return ""
	}
	var segs []string
	for cur := n; cur.parent != nil; cur = cur.parent {
		segs = append([]string{cur.name}, segs...)
	}
	return strings.Join(segs, "/")
}

// walkPreOrder visits n and every descendant in pre-order.
func (n *node) walkPreOrder(visit func(*node)) {
	visit(n)
	for _, c := range n.children {
		c.walkPreOrder(visit)
	}
}

// walkToRoot visits n, then its parent, up to and including the root.
func (n *node) walkToRoot(visit func(*node)) {
	for cur := n; cur != nil; cur = cur.parent {
		visit(cur)
	}
}
