package storelink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestRootStoreAcceptPayload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewStore(ctx, "game")
	defer server.Close()

	root := NewRootStore(ctx)
	defer root.Close()
	root.RequireRegister("game", func(req *SubscribeRequest) Admission {
		assert.Equal(t, []any{"blue"}, req.Params)
		return AcceptInto(server, "welcome", 42)
	})

	clientSide, serverSide := NewPipeConnection(ctx)
	root.Attach(serverSide)

	client := NewStore(ctx, "game")
	defer client.Close()
	link, payload, err := client.DialLink(ctx, clientSide, "game", "blue")
	if err != nil {
		t.Fatalf("dial error = %s", err)
	}
	assert.Equal(t, []any{"welcome", 42}, payload)

	// the dialed link becomes the client's main link
	assert.Equal(t, link, client.MainLink())
	assert.Equal(t, 1, server.LinkCount())
	assert.Equal(t, 1, client.LinkCount())
}

func TestRootStoreAlwaysDeny(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewStore(ctx, "game")
	defer server.Close()

	root := NewRootStore(ctx)
	defer root.Close()
	root.RequireRegister("game", func(req *SubscribeRequest) Admission {
		return Deny("nope")
	})

	// no sequence of attempts ever adds a link
	for i := 0; i < 3; i++ {
		clientSide, serverSide := NewPipeConnection(ctx)
		root.Attach(serverSide)

		client := NewStore(ctx, "game")
		_, _, err := client.DialLink(ctx, clientSide, "game")
		var denied *DeniedError
		if !errors.As(err, &denied) {
			t.Fatalf("expected denial, got %v", err)
		}
		assert.Equal(t, "nope", denied.Reason)
		client.Close()
	}
	assert.Equal(t, 0, server.LinkCount())
}

func TestRootStoreUnknownStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	root := NewRootStore(ctx)
	defer root.Close()

	clientSide, serverSide := NewPipeConnection(ctx)
	root.Attach(serverSide)

	client := NewStore(ctx, "missing")
	defer client.Close()
	_, _, err := client.DialLink(ctx, clientSide, "missing")
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected denial, got %v", err)
	}
}

func TestRootStoreDialTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// nothing attached on the far side: the handshake never answers
	clientSide, _ := NewPipeConnection(ctx)

	client := NewStore(ctx, "game")
	defer client.Close()

	dialCtx, dialCancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer dialCancel()
	_, _, err := client.DialLink(dialCtx, clientSide, "game")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

// full path: two clients admitted into one store, action relayed between them
func TestRootStoreRelayBetweenClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewStore(ctx, "chat")
	defer server.Close()
	var say *Action
	say = RequireAction(server, "say", func(origin *StoreLink, params ...any) error {
		say.PublishTo(ToAllExcept(origin), params...)
		return nil
	})

	root := NewRootStore(ctx)
	defer root.Close()
	root.RequireRegister("chat", func(req *SubscribeRequest) Admission {
		return AcceptInto(server)
	})

	newClient := func(name string) (*Store, *StoreLink, chan []any) {
		received := make(chan []any, 16)
		client := NewStore(ctx, "chat")
		RequireAction(client, "say", func(origin *StoreLink, params ...any) error {
			received <- params
			return nil
		})
		clientSide, serverSide := NewPipeConnection(ctx)
		root.Attach(serverSide)
		link, _, err := client.DialLink(ctx, clientSide, "chat")
		if err != nil {
			t.Fatalf("%s dial error = %s", name, err)
		}
		return client, link, received
	}

	clientA, linkA, receivedA := newClient("a")
	defer clientA.Close()
	clientB, _, receivedB := newClient("b")
	defer clientB.Close()

	clientA.PublishTo(ToOne(linkA), "say", "alice", "hi")

	select {
	case params := <-receivedB:
		assert.Equal(t, []any{"alice", "hi"}, params)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for relay")
	}
	select {
	case params := <-receivedA:
		t.Fatalf("relay echoed to origin: %v", params)
	case <-time.After(testSettle):
	}
}

// request delegation through the main link, the "ask the server" pattern
func TestRootStoreDelegatedRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewStore(ctx, "calc")
	defer server.Close()
	RequireRequest(server, "add", addHandler)

	root := NewRootStore(ctx)
	defer root.Close()
	root.RequireRegister("calc", func(req *SubscribeRequest) Admission {
		return AcceptInto(server)
	})

	client := NewStore(ctx, "calc")
	defer client.Close()
	var add *Request
	add = RequireRequest(client, "add", func(origin *StoreLink, params ...any) *Source {
		if origin == nil {
			return add.CallOn(client.MainLink(), params...)
		}
		return Just()
	})

	clientSide, serverSide := NewPipeConnection(ctx)
	root.Attach(serverSide)
	if _, _, err := client.DialLink(ctx, clientSide, "calc"); err != nil {
		t.Fatalf("dial error = %s", err)
	}

	// the local caller cannot tell the delegated answer from a local one
	values, err := add.Call(2, 3).Subscribe(ctx).Collect()
	assert.Equal(t, nil, err)
	assert.Equal(t, []any{5}, values)
}

// closing the root store closes connections still waiting on admission, and
// attach after close is refused
func TestRootStoreClosePendingConnections(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	root := NewRootStore(ctx)

	clientSide, serverSide := NewPipeConnection(ctx)
	root.Attach(serverSide)

	closed := make(chan struct{})
	clientSide.SetCloseCallback(func() {
		close(closed)
	})

	// never subscribed: the connection still belongs to the root store
	root.Close()
	select {
	case <-closed:
	case <-time.After(testTimeout):
		t.Fatal("pending connection survived close")
	}

	lateClosed := make(chan struct{})
	lateClient, lateServer := NewPipeConnection(ctx)
	lateClient.SetCloseCallback(func() {
		close(lateClosed)
	})
	root.Attach(lateServer)
	select {
	case <-lateClosed:
	case <-time.After(testTimeout):
		t.Fatal("attach after close left the connection open")
	}
}

// admission into a closed store denies up front: the peer never sees an
// accept it cannot use
func TestRootStoreDenyClosedStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewStore(ctx, "game")
	server.Close()

	root := NewRootStore(ctx)
	defer root.Close()
	root.RequireRegister("game", func(req *SubscribeRequest) Admission {
		return AcceptInto(server)
	})

	clientSide, serverSide := NewPipeConnection(ctx)
	root.Attach(serverSide)

	client := NewStore(ctx, "game")
	defer client.Close()
	_, _, err := client.DialLink(ctx, clientSide, "game")
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected denial, got %v", err)
	}
	assert.Equal(t, 0, client.LinkCount())
}

func TestRootStoreDuplicateRegister(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	root := NewRootStore(ctx)
	defer root.Close()

	subscribe := func(req *SubscribeRequest) Admission {
		return Deny("unused")
	}
	if err := root.Register("x", subscribe); err != nil {
		t.Fatalf("register error = %s", err)
	}
	if err := root.Register("x", subscribe); err == nil {
		t.Fatal("expected duplicate name error")
	}
}
