package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/storelink/storelink"
)

// chatStore is the demo store served by `storectl serve` and mirrored by
// `storectl chat`. One `say` action fans out to peers; one `history` request
// answers with the retained transcript.
type chatStore struct {
	store   *storelink.Store
	say     *storelink.Action
	history *storelink.Request

	stateLock   sync.Mutex
	historySize int
	messages    []any
}

func newChatStore(ctx context.Context, historySize int) *chatStore {
	chat := &chatStore{
		store:       storelink.NewStore(ctx, "chat"),
		historySize: historySize,
	}

	// origin set: a peer said something, retain and relay to everyone else.
	// origin nil: said locally on the server, relay to everyone.
	chat.say = storelink.RequireAction(chat.store, "say", func(origin *storelink.StoreLink, params ...any) error {
		name, text, err := chatParams(params)
		if err != nil {
			return err
		}
		chat.retain(name, text)
		if origin == nil {
			chat.say.PublishTo(storelink.ToAll(), name, text)
		} else {
			chat.say.PublishTo(storelink.ToAllExcept(origin), name, text)
		}
		return nil
	})

	chat.history = storelink.RequireRequest(chat.store, "history", func(origin *storelink.StoreLink, params ...any) *storelink.Source {
		return storelink.Just(chat.snapshot()...)
	})

	return chat
}

func (self *chatStore) retain(name string, text string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.messages = append(self.messages, map[string]any{
		"name": name,
		"text": text,
	})
	if self.historySize < len(self.messages) {
		self.messages = self.messages[len(self.messages)-self.historySize:]
	}
}

func (self *chatStore) snapshot() []any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	messages := make([]any, len(self.messages))
	copy(messages, self.messages)
	return messages
}

// chatClientStore is the peer half: `say` prints relayed lines, `history`
// delegates to the main link so a local call gets the server's answer.
type chatClientStore struct {
	store   *storelink.Store
	say     *storelink.Action
	history *storelink.Request
}

func newChatClientStore(ctx context.Context, print func(name string, text string)) *chatClientStore {
	chat := &chatClientStore{
		store: storelink.NewStore(ctx, "chat"),
	}

	chat.say = storelink.RequireAction(chat.store, "say", func(origin *storelink.StoreLink, params ...any) error {
		name, text, err := chatParams(params)
		if err != nil {
			return err
		}
		print(name, text)
		return nil
	})

	chat.history = storelink.RequireRequest(chat.store, "history", func(origin *storelink.StoreLink, params ...any) *storelink.Source {
		if origin == nil {
			return chat.history.CallOn(chat.store.MainLink(), params...)
		}
		return storelink.Just()
	})

	return chat
}

func chatParams(params []any) (string, string, error) {
	if len(params) < 2 {
		return "", "", fmt.Errorf("say needs (name, text), got %d params", len(params))
	}
	name, ok := params[0].(string)
	if !ok {
		return "", "", fmt.Errorf("say name must be a string: %T", params[0])
	}
	text, ok := params[1].(string)
	if !ok {
		return "", "", fmt.Errorf("say text must be a string: %T", params[1])
	}
	return name, text, nil
}
