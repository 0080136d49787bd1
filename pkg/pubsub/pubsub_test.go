package pubsub

import (
	"testing"
)

func TestRetainedReplayOnSubscribe(t *testing.T) {
	ps := New()
	if err := ps.Publish("s/a/x", Value{Kind: KindU32, U32: 1, Retain: true}, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := ps.Process(); err != nil {
		t.Fatalf("process: %v", err)
	}

	var calls int
	var gotPath string
	var gotVal Value
	if _, err := ps.Subscribe("s/a", 0, false, func(path string, v Value) error {
		calls++
		gotPath, gotVal = path, v
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if calls != 1 {
		t.Fatalf("expected exactly 1 replay invocation, got %d", calls)
	}
	if gotPath != "s/a/x" || gotVal.U32 != 1 {
		t.Fatalf("unexpected replay: path=%s val=%+v", gotPath, gotVal)
	}

	// A second identical retained publish yields no extra invocation.
	if err := ps.Publish("s/a/x", Value{Kind: KindU32, U32: 1, Retain: true}, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := ps.Process(); err != nil {
		t.Fatalf("process: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected de-duped retained publish to add no invocation, got %d calls", calls)
	}
}

func TestIdenticalRetainedPublishSuppressesBroadcast(t *testing.T) {
	ps := New()
	var calls int
	if _, err := ps.Subscribe("x", 0, false, func(string, Value) error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	v := Value{Kind: KindU32, U32: 42, Retain: true}
	for i := 0; i < 3; i++ {
		if err := ps.Publish("x", v, 0); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if err := ps.Process(); err != nil {
		t.Fatalf("process: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 invocation for 3 identical retained publishes, got %d", calls)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ps := New()
	var calls int
	sub, err := ps.Subscribe("x", 0, false, func(string, Value) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := ps.Unsubscribe(sub); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := ps.Publish("x", Value{Kind: KindU32, U32: 1}, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := ps.Process(); err != nil {
		t.Fatalf("process: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected 0 invocations after unsubscribe, got %d", calls)
	}
}

func TestSelfPublishIsSuppressed(t *testing.T) {
	ps := New()
	const bridgeSrc SourceID = 1
	var bGot, aGot int

	if _, err := ps.Subscribe("topic", bridgeSrc, false, func(string, Value) error {
		bGot++
		return nil
	}); err != nil {
		t.Fatalf("subscribe bridge: %v", err)
	}
	if _, err := ps.Subscribe("topic", 2, false, func(string, Value) error {
		aGot++
		return nil
	}); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}

	if err := ps.Publish("topic", Value{Kind: KindU32, U32: 1}, bridgeSrc); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := ps.Process(); err != nil {
		t.Fatalf("process: %v", err)
	}

	if bGot != 0 {
		t.Fatalf("expected publisher to not receive its own publication, got %d", bGot)
	}
	if aGot != 1 {
		t.Fatalf("expected other subscriber to see exactly one invocation, got %d", aGot)
	}
}

func TestPrefixMatchDeliversToAncestorSubscriber(t *testing.T) {
	ps := New()
	var calls int
	if _, err := ps.Subscribe("s/a", 0, false, func(path string, v Value) error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := ps.Publish("s/a/x/y", Value{Kind: KindU32, U32: 1}, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := ps.Process(); err != nil {
		t.Fatalf("process: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected ancestor subscriber to receive descendant publish, got %d calls", calls)
	}
}

func TestNonConstRetainIsRejected(t *testing.T) {
	ps := New()
	err := ps.Publish("x", Value{Kind: KindSTR, Bytes: []byte("hi"), Retain: true, Const: false}, 0)
	if err == nil {
		t.Fatal("expected error for non-CONST retained pointer value")
	}
}

func TestArenaCopiesNonConstPayloadBeforePublishReturns(t *testing.T) {
	ps := New(WithBufferSize(64))
	buf := []byte("hello")
	if err := ps.Publish("x", Value{Kind: KindSTR, Bytes: buf}, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}
	buf[0] = 'X' // mutate caller's buffer after Publish returns

	var got string
	if _, err := ps.Subscribe("x", 0, false, func(_ string, v Value) error {
		got = string(v.Bytes)
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := ps.Process(); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got != "hello" {
		t.Fatalf("expected arena copy to be immune to caller mutation, got %q", got)
	}
}

func TestQueryIsNonCreating(t *testing.T) {
	ps := New()
	if _, ok := ps.Query("never/published"); ok {
		t.Fatal("expected no retained value for an unpublished topic")
	}
	if n := ps.root.find([]string{"never"}); n != nil {
		t.Fatal("expected Query not to create nodes for the queried path")
	}
	if err := ps.Publish("a/b", Value{Kind: KindU32, U32: 7, Retain: true}, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := ps.Process(); err != nil {
		t.Fatalf("process: %v", err)
	}
	v, ok := ps.Query("a/b")
	if !ok || v.U32 != 7 {
		t.Fatalf("expected retained value 7, got ok=%v v=%+v", ok, v)
	}
}

func TestMetaTopicOnlyReachesLinkSubscribers(t *testing.T) {
	ps := New()
	var ordinaryGot, linkGot int
	if _, err := ps.Subscribe("dev$", 0, false, func(string, Value) error {
		ordinaryGot++
		return nil
	}); err != nil {
		t.Fatalf("subscribe ordinary: %v", err)
	}
	if _, err := ps.Subscribe("dev$", 0, true, func(string, Value) error {
		linkGot++
		return nil
	}); err != nil {
		t.Fatalf("subscribe link: %v", err)
	}

	if err := ps.Meta("dev", []byte(`{"v":1}`), 0); err != nil {
		t.Fatalf("meta: %v", err)
	}
	if err := ps.Process(); err != nil {
		t.Fatalf("process: %v", err)
	}

	if ordinaryGot != 0 {
		t.Fatalf("ordinary subscriber should not see metadata traffic, got %d", ordinaryGot)
	}
	if linkGot != 1 {
		t.Fatalf("expected link subscriber to see metadata traffic once, got %d", linkGot)
	}
}
