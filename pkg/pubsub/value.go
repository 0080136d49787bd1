// Package pubsub implements the hierarchical, retained-value publish
// subscribe core: a topic tree with prefix-match subscriptions, a bounded
// arena budget for copies of non-CONST payloads (an occupancy count; each
// copy is its own heap slice, not a span of one circular buffer), and a FIFO
// process loop that fans out publishes without re-entering itself.
package pubsub

// Kind tags a Value's payload.
type Kind uint8

const (
	KindNull Kind = iota
	KindU32
	KindSTR
	KindJSON
	KindBIN
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "NULL"
	case KindU32:
		return "U32"
	case KindSTR:
		return "STR"
	case KindJSON:
		return "JSON"
	case KindBIN:
		return "BIN"
	default:
		return "UNKNOWN"
	}
}

// Value is the tagged union carried by every publish. RETAIN asks the topic
// node to remember this value for future subscribers; CONST declares that
// Bytes stays valid and unchanged for as long as the value is in use, so it
// is queued and retained without copying, while a non-CONST pointer payload
// is copied into the arena when it is published. A pointer-kind value that is both
// non-Const and RETAIN is rejected outright: the arena only ever copies a
// non-Const payload for the lifetime of one publish/process cycle, which is
// not a sound backing store for a value meant to be remembered indefinitely.
type Value struct {
	Kind   Kind
	U32    uint32
	Bytes  []byte
	Retain bool
	Const  bool
}

// Equal reports whether two values carry the same kind and payload, used to
// suppress redundant broadcasts of an unchanged retained value.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindU32:
		return v.U32 == o.U32
	default:
		return bytesEqual(v.Bytes, o.Bytes)
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func isPointerKind(k Kind) bool {
	switch k {
	case KindSTR, KindJSON, KindBIN:
		return true
	default:
		return false
	}
}
