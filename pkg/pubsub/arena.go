package pubsub

import "github.com/tinymesh/linkstack/pkg/linkerr"

// arena bounds the total bytes borrowed by in-flight non-CONST payloads, the
// same role the embedded reference's circular byte buffer plays. Go's
// allocator and GC already own the actual backing bytes of each copy, so
// this type only tracks aggregate occupancy; it does not manage a real ring
// of storage and does not check the order in which spans are released.
type arena struct {
	capacityBytes int
	used          int
}

func newArena(size int) *arena {
	return &arena{capacityBytes: size}
}

func (a *arena) capacity() int { return a.capacityBytes }
func (a *arena) free() int     { return a.capacityBytes - a.used }

// span is a live allocation; release must happen in the order spans were
// allocated (process drains the message queue FIFO, so this always holds).
type span struct {
	data []byte
}

// alloc copies payload and reserves its length against the arena budget.
// It fails with TooBig if payload exceeds half the arena — including any
// non-empty payload when the arena was sized to zero, disabling non-CONST
// values entirely — or NotEnoughMemory if there is currently insufficient
// free space.
func (a *arena) alloc(payload []byte) (span, error) {
	if len(payload) > a.capacityBytes/2 {
		return span{}, linkerr.ErrTooBig
	}
	if len(payload) > a.free() {
		return span{}, linkerr.ErrNotEnoughMemory
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	a.used += len(payload)
	return span{data: out}, nil
}

// release frees the arena space reserved by s.
func (a *arena) release(s span) {
	a.used -= len(s.data)
	if a.used < 0 {
		a.used = 0
	}
}
