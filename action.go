package storelink

import (
	"fmt"

	"github.com/golang/glog"
)

// origin is nil for a local invocation, or the link that produced the
// inbound message for a remote one.
type ActionHandler func(origin *StoreLink, params ...any) error

// Action is a named fire-and-forget operation on a store. The same handler
// runs for local calls and for inbound peer messages; the handler typically
// mutates store state and relays via `PublishTo`.
type Action struct {
	store   *Store
	ident   ActionId
	handler ActionHandler
}

func NewAction(store *Store, ident ActionId, handler ActionHandler) (*Action, error) {
	action := &Action{
		store:   store,
		ident:   ident,
		handler: handler,
	}
	if err := store.addOperation(action); err != nil {
		return nil, err
	}
	return action, nil
}

func RequireAction(store *Store, ident ActionId, handler ActionHandler) *Action {
	action, err := NewAction(store, ident, handler)
	if err != nil {
		panic(err)
	}
	return action
}

func (self *Action) opIdent() ActionId {
	return self.ident
}

func (self *Action) Ident() ActionId {
	return self.ident
}

// Call runs the handler locally with no origin. The handler error, if any, is
// returned to the caller and never forwarded to peers.
func (self *Action) Call(params ...any) error {
	return self.invoke(nil, params)
}

// PublishTo forwards this action to peers per the target, without running the
// local handler.
func (self *Action) PublishTo(target Target, params ...any) {
	self.store.PublishTo(target, self.ident, params...)
}

// dispatch runs the handler for an inbound message. A handler failure is a
// logged drop: it never propagates to other peers and never takes down the
// store.
func (self *Action) dispatch(origin *StoreLink, params []any) {
	if err := self.invoke(origin, params); err != nil {
		handlerFailures.WithLabelValues(self.store.name, string(self.ident)).Inc()
		glog.Infof("[a]%s %s handler error = %s\n", self.store.name, self.ident, err)
	}
}

func (self *Action) invoke(origin *StoreLink, params []any) (returnErr error) {
	defer func() {
		if r := recover(); r != nil {
			returnErr = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return self.handler(origin, params...)
}
