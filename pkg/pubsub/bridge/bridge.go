// Package bridge mirrors a PubSub instance's traffic to a Redis channel so
// that two instances on different hosts can share retained state, using
// the metadata-forwarding "link subscriber" category to carry it.
package bridge

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tinymesh/linkstack/pkg/pubsub"
)

// envelope is the CBOR wire shape mirrored between instances: one PubSub
// message, addressed by topic path.
type envelope struct {
	Path  string      `cbor:"path"`
	Kind  pubsub.Kind `cbor:"kind"`
	U32   uint32      `cbor:"u32,omitempty"`
	Bytes []byte      `cbor:"bytes,omitempty"`
}

// Bridge forwards publishes between a local PubSub instance and a Redis
// channel. Local publishes (seen as a link subscriber) are marshaled to
// CBOR and pushed to Redis; messages arriving on Redis are unmarshaled and
// re-published locally under the bridge's own SourceID, so the bridge never
// re-forwards its own re-publication back out to Redis.
type Bridge struct {
	rdb     *redis.Client
	ctx     context.Context
	channel string
	hashKey string

	ps  *pubsub.PubSub
	src pubsub.SourceID

	cancelSub func()
	done      chan struct{}
}

// New connects to addr and constructs a Bridge mirroring every publish on ps
// (ordinary and '$' metadata topics alike) over channel, with retained values additionally mirrored into a
// Redis hash at hashKey for late joiners to read without waiting on a
// publish.
func New(addr, password string, db int, channel, hashKey string, ps *pubsub.PubSub, src pubsub.SourceID) (*Bridge, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	b := &Bridge{
		rdb:     rdb,
		ctx:     ctx,
		channel: channel,
		hashKey: hashKey,
		ps:      ps,
		src:     src,
		done:    make(chan struct{}),
	}

	if _, err := ps.Subscribe("", src, true, b.onLocalPublish); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to subscribe bridge to local pubsub: %w", err)
	}

	return b, nil
}

// onLocalPublish is wired as the bridge's link-subscriber callback: every
// local publish is mirrored out to Redis.
func (b *Bridge) onLocalPublish(path string, v pubsub.Value) error {
	env := envelope{Path: path, Kind: v.Kind, U32: v.U32, Bytes: v.Bytes}
	data, err := cbor.Marshal(env)
	if err != nil {
		log.Printf("bridge: failed to marshal CBOR envelope for %s: %v", path, err)
		return fmt.Errorf("failed to marshal CBOR: %w", err)
	}

	pipe := b.rdb.Pipeline()
	if v.Retain && b.hashKey != "" {
		pipe.HSet(b.ctx, b.hashKey, path, data)
	}
	pipe.Publish(b.ctx, b.channel, data)
	if _, err := pipe.Exec(b.ctx); err != nil {
		log.Printf("bridge: failed to publish %s to Redis: %v", path, err)
		return fmt.Errorf("failed to publish to Redis: %w", err)
	}
	return nil
}

// Run subscribes to the Redis channel and re-publishes every message
// locally until the context is canceled or Close is called. It is meant to
// run on its own goroutine alongside the local PubSub instance's own
// processing loop.
func (b *Bridge) Run(ctx context.Context) error {
	rsub := b.rdb.Subscribe(ctx, b.channel)
	ch := rsub.Channel()
	b.cancelSub = func() { rsub.Close() }

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handleRemote(msg)
		}
	}
}

func (b *Bridge) handleRemote(msg *redis.Message) {
	var env envelope
	if err := cbor.Unmarshal([]byte(msg.Payload), &env); err != nil {
		log.Printf("bridge: failed to unmarshal CBOR envelope (%s): %v", hex.EncodeToString([]byte(msg.Payload)), err)
		return
	}

	// Const: true because env.Bytes is already a fresh copy owned by the
	// CBOR unmarshal, never the remote's original buffer.
	v := pubsub.Value{Kind: env.Kind, U32: env.U32, Bytes: env.Bytes, Const: true}
	if env.Kind != pubsub.KindU32 && env.Kind != pubsub.KindNull {
		v.Retain = true
	}
	if err := b.ps.Publish(env.Path, v, b.src); err != nil {
		log.Printf("bridge: failed to re-publish %s locally: %v", env.Path, err)
	}
}

// Close stops Run (if active) and closes the Redis connection.
func (b *Bridge) Close() error {
	close(b.done)
	if b.cancelSub != nil {
		b.cancelSub()
	}
	return b.rdb.Close()
}
