package storelink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// full admission and relay over a real websocket server
func TestWsSubscribeAndRelay(t *testing.T) {
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
		return AcceptInto(server, "welcome")
	})

	settings := DefaultWsConnectionSettings()
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		connection, err := UpgradeWs(ctx, w, r, settings)
		if err != nil {
			t.Errorf("upgrade error = %s", err)
			return
		}
		root.Attach(connection)
	}))
	defer httpServer.Close()
	wsUrl := "ws" + strings.TrimPrefix(httpServer.URL, "http")

	newClient := func() (*Store, *StoreLink, chan []any) {
		received := make(chan []any, 16)
		client := NewStore(ctx, "chat")
		RequireAction(client, "say", func(origin *StoreLink, params ...any) error {
			received <- params
			return nil
		})
		connection, err := DialWs(ctx, wsUrl, settings)
		if err != nil {
			t.Fatalf("dial error = %s", err)
		}
		link, payload, err := client.DialLink(ctx, connection, "chat")
		if err != nil {
			t.Fatalf("subscribe error = %s", err)
		}
		assert.Equal(t, []any{"welcome"}, payload)
		return client, link, received
	}

	clientA, linkA, receivedA := newClient()
	defer clientA.Close()
	clientB, _, receivedB := newClient()
	defer clientB.Close()

	clientA.PublishTo(ToOne(linkA), "say", "alice", "hi")

	select {
	case params := <-receivedB:
		// json carries the params as strings here, untouched
		assert.Equal(t, []any{"alice", "hi"}, params)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for relay")
	}
	select {
	case params := <-receivedA:
		t.Fatalf("relay echoed to origin: %v", params)
	case <-time.After(testSettle):
	}

	assert.Equal(t, 2, server.LinkCount())

	// closing the client transport unlinks on the server
	unlinked := make(chan struct{}, 4)
	server.SetOnUnlink(func(link *StoreLink) {
		unlinked <- struct{}{}
	})
	clientB.Close()
	select {
	case <-unlinked:
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for unlink")
	}
	assert.Equal(t, 1, server.LinkCount())
}
