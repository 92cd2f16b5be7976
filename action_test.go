package storelink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestActionLocalCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore(ctx, "test")
	defer store.Close()

	var gotOrigin *StoreLink = store.SelfLink()
	var gotParams []any
	action := RequireAction(store, "set", func(origin *StoreLink, params ...any) error {
		gotOrigin = origin
		gotParams = params
		return nil
	})

	err := action.Call("k", 7)
	assert.Equal(t, nil, err)
	// a local invocation has no origin
	if gotOrigin != nil {
		t.Fatal("expected nil origin")
	}
	assert.Equal(t, []any{"k", 7}, gotParams)

	fail := errors.New("bad value")
	failing := RequireAction(store, "fail", func(origin *StoreLink, params ...any) error {
		return fail
	})
	assert.Equal(t, fail, failing.Call())
}

func TestActionRemoteRelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore(ctx, "test")
	defer store.Close()

	// server-style relay: forward every inbound say to all other peers
	var say *Action
	say = RequireAction(store, "say", func(origin *StoreLink, params ...any) error {
		if origin == nil {
			say.PublishTo(ToAll(), params...)
		} else {
			say.PublishTo(ToAllExcept(origin), params...)
		}
		return nil
	})

	a := newTestPeer(ctx, t, store)
	b := newTestPeer(ctx, t, store)
	c := newTestPeer(ctx, t, store)

	a.far.Send(NewMessage("say", "alice", "hi"))

	for _, peer := range []*testPeer{b, c} {
		message := peer.expectMessage(t)
		assert.Equal(t, ActionId("say"), message.Ident)
		assert.Equal(t, []any{"alice", "hi"}, message.Params)
		peer.expectNone(t)
	}
	a.expectNone(t)
}

func TestActionHandlerFailureIsIsolated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore(ctx, "test")
	defer store.Close()

	received := make(chan any, 4)
	RequireAction(store, "boom", func(origin *StoreLink, params ...any) error {
		panic("boom")
	})
	RequireAction(store, "ok", func(origin *StoreLink, params ...any) error {
		received <- params[0]
		return nil
	})

	a := newTestPeer(ctx, t, store)

	// a failing handler does not propagate to peers or take down the link
	a.far.Send(NewMessage("boom"))
	a.far.Send(NewMessage("ok", 1))

	select {
	case value := <-received:
		assert.Equal(t, 1, value)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for dispatch")
	}
	a.expectNone(t)
	assert.Equal(t, 1, store.LinkCount())
}
