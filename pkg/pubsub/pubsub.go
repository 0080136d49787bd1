package pubsub

import (
	"sync"

	"github.com/tinymesh/linkstack/pkg/linkerr"
)

// SourceID identifies the origin of a publish or a subscriber: two calls
// sharing a SourceID are the same logical source for self-publish
// suppression and unsubscribe.
// SourceID 0 is reserved for publishes with no subscriber origin (e.g. a
// fresh external publish).
type SourceID int64

// Callback is invoked once per matching publish. Its return value is
// collected by Process, which retains only the first non-nil error across
// an entire drain without aborting the fan-out.
type Callback func(path string, v Value) error

// Subscription is an opaque handle returned by Subscribe, passed back to
// Unsubscribe.
type Subscription struct {
	node     *node
	sourceID SourceID
}

type queuedMsg struct {
	path     string
	value    Value
	sourceID SourceID
	span     span
	hasSpan  bool
}

// Options configures a PubSub instance at construction.
type Options struct {
	// BufferSize is the arena's byte budget for non-CONST payload copies.
	// Zero disables non-CONST values entirely (publishing one with a
	// non-empty payload fails with TooBig).
	BufferSize int
	// QueueLimit bounds the number of buffered (unprocessed) messages.
	QueueLimit int
}

var defaultOptions = Options{
	BufferSize: 4096,
	QueueLimit: 256,
}

// Option mutates Options at construction.
type Option func(*Options)

// WithBufferSize sets the arena byte budget.
func WithBufferSize(n int) Option { return func(o *Options) { o.BufferSize = n } }

// WithQueueLimit sets the maximum number of buffered messages.
func WithQueueLimit(n int) Option { return func(o *Options) { o.QueueLimit = n } }

// PubSub is a hierarchical, retained-value topic tree with a FIFO process
// loop. All exported methods acquire mu, a single coarse lock covering the
// whole instance; subscriber callbacks run with that lock held, so they
// must not re-enter the same instance synchronously (re-entrant publishes
// are safe: they are queued, never processed inline).
type PubSub struct {
	mu sync.Mutex

	root  *node
	arena *arena
	opts  Options

	queue      []queuedMsg
	processing bool

	onPublish func()
}

// New constructs a PubSub with defaultOptions overridden by opts in order.
func New(opts ...Option) *PubSub {
	o := defaultOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &PubSub{
		root:  newRoot(),
		arena: newArena(o.BufferSize),
		opts:  o,
	}
}

// RegisterOnPublish installs a hook invoked synchronously at the end of
// every Publish call, used to poke an external event loop into calling
// Process. It is never invoked from within Process itself.
func (p *PubSub) RegisterOnPublish(hook func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onPublish = hook
}

// Subscribe attaches fn to path (creating intervening nodes as needed) and
// registers it for future publishes on path or any descendant (prefix-match
// semantics). Unless linkSub is set, every retained value already present in
// the subtree rooted at path is replayed to fn in pre-order, exactly once,
// before Subscribe returns.
//
// Link subscribers (linkSub true) skip that replay — they exist to mirror a
// bridge's metadata-forwarding traffic on '$' topics, not to receive a dump
// of ordinary retained state — but otherwise receive live publishes like
// any other subscriber.
func (p *PubSub) Subscribe(path string, sourceID SourceID, linkSub bool, fn Callback) (Subscription, error) {
	segs, err := splitPath(path)
	if err != nil {
		return Subscription{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.root.findOrCreate(segs)
	n.subscribers = append(n.subscribers, subscriber{sourceID: sourceID, linkSub: linkSub, fn: fn})

	if !linkSub {
		n.walkPreOrder(func(child *node) {
			if child.retained != nil {
				fn(child.path(), child.retained.value)
			}
		})
	}

	return Subscription{node: n, sourceID: sourceID}, nil
}

// Unsubscribe removes every subscriber entry on sub.node matching
// sub.sourceID. Unsubscribing then publishing does not invoke the removed
// callback.
func (p *PubSub) Unsubscribe(sub Subscription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub.node == nil {
		return linkerr.ErrNotFound
	}
	kept := sub.node.subscribers[:0]
	found := false
	for _, s := range sub.node.subscribers {
		if s.sourceID == sub.sourceID {
			found = true
			continue
		}
		kept = append(kept, s)
	}
	sub.node.subscribers = kept
	if !found {
		return linkerr.ErrNotFound
	}
	return nil
}

// Query performs a non-creating lookup, returning the retained value (if
// any) at path.
func (p *PubSub) Query(path string) (Value, bool) {
	segs, err := splitPath(path)
	if err != nil {
		return Value{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.root.find(segs)
	if n == nil || n.retained == nil {
		return Value{}, false
	}
	return n.retained.value, true
}

// Meta publishes metaJSON as the RETAIN+CONST metadata of path, addressed
// via path's '$' sibling topic.
func (p *PubSub) Meta(path string, metaJSON []byte, sourceID SourceID) error {
	return p.Publish(path+"$", Value{Kind: KindJSON, Bytes: metaJSON, Retain: true, Const: true}, sourceID)
}

// Publish enqueues value for delivery to subscribers of path and any
// ancestor. Non-CONST pointer values are copied into the arena immediately
// (synchronously, before Publish returns) so the caller's buffer can be
// reused the moment Publish returns.
func (p *PubSub) Publish(path string, value Value, sourceID SourceID) error {
	if !value.Const && value.Retain && isPointerKind(value.Kind) {
		return linkerr.ErrParameterInvalid
	}
	if _, err := splitPath(path); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) >= p.opts.QueueLimit {
		return linkerr.ErrFull
	}

	msg := queuedMsg{path: path, value: value, sourceID: sourceID}
	if isPointerKind(value.Kind) && !value.Const {
		sp, err := p.arena.alloc(value.Bytes)
		if err != nil {
			return err
		}
		msg.value.Bytes = sp.data
		msg.span = sp
		msg.hasSpan = true
	}

	p.queue = append(p.queue, msg)

	hook := p.onPublish
	if hook != nil {
		hook()
	}
	return nil
}

// Process drains the queue in FIFO order, delivering each message to every
// matching subscriber. It never re-enters itself: publishes issued from
// within a subscriber callback are appended to the queue and drained by
// this same call (the outermost Process), not by a nested one.
func (p *PubSub) Process() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.processing {
		return nil
	}
	p.processing = true
	defer func() { p.processing = false }()

	var firstErr error
	for len(p.queue) > 0 {
		msg := p.queue[0]
		p.queue = p.queue[1:]

		retainedOwnership, err := p.deliver(msg)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if msg.hasSpan && !retainedOwnership {
			p.arena.release(msg.span)
		}
	}
	return firstErr
}

// deliver fans msg out to every matching subscriber and returns whether
// msg's arena span (if any) was adopted by a retained slot, in which case
// the caller must not also release it.
func (p *PubSub) deliver(msg queuedMsg) (retainedOwnership bool, err error) {
	segs, splitErr := splitPath(msg.path)
	if splitErr != nil {
		return false, splitErr
	}
	n := p.root.findOrCreate(segs)

	isMetaTopic := len(n.name) > 0 && n.name[len(n.name)-1] == '$'

	if isMetaTopic && msg.value.Kind == KindNull {
		return false, p.rebroadcastMeta(n)
	}

	if msg.value.Retain {
		if n.retained != nil && n.retained.value.Equal(msg.value) {
			return false, nil // de-duplicate identical retained re-publish
		}
		old := n.retained
		n.retained = &retainedValue{value: msg.value}
		if old != nil && old.span.data != nil {
			p.arena.release(old.span)
		}
		if msg.hasSpan {
			n.retained.span = msg.span
			retainedOwnership = true
		}
	}

	var firstErr error
	n.walkToRoot(func(cur *node) {
		for _, s := range cur.subscribers {
			if msg.sourceID != 0 && s.sourceID == msg.sourceID {
				continue
			}
			if isMetaTopic && !s.linkSub {
				continue
			}
			if err := s.fn(msg.path, msg.value); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return retainedOwnership, firstErr
}

// rebroadcastMeta answers a NULL publish to a '$' topic: it re-delivers n's
// own current retained metadata value to every link subscriber reachable
// from n up to the root.
func (p *PubSub) rebroadcastMeta(n *node) error {
	if n.retained == nil {
		return nil
	}
	var firstErr error
	n.walkToRoot(func(cur *node) {
		for _, s := range cur.subscribers {
			if !s.linkSub {
				continue
			}
			if err := s.fn(n.path(), n.retained.value); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}
