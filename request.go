package storelink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// origin is nil for a local invocation, the self link for a delegated local
// answer, or the calling peer's link for a remote one. The returned source is
// lazy; the dispatch layer subscribes it once per invocation.
type RequestHandler func(origin *StoreLink, params ...any) *Source

// Request is a named RPC operation whose result is an asynchronous,
// cancellable, possibly multi-valued stream. Remote results are transported
// back over the originating link only, correlated by token.
type Request struct {
	store   *Store
	ident   ActionId
	handler RequestHandler
}

func NewRequest(store *Store, ident ActionId, handler RequestHandler) (*Request, error) {
	request := &Request{
		store:   store,
		ident:   ident,
		handler: handler,
	}
	if err := store.addOperation(request); err != nil {
		return nil, err
	}
	return request, nil
}

func RequireRequest(store *Store, ident ActionId, handler RequestHandler) *Request {
	request, err := NewRequest(store, ident, handler)
	if err != nil {
		panic(err)
	}
	return request
}

func (self *Request) opIdent() ActionId {
	return self.ident
}

func (self *Request) Ident() ActionId {
	return self.ident
}

// Call invokes the handler locally with no origin and returns its producer
// directly. Cancelling the subscription stops the handler's work.
func (self *Request) Call(params ...any) *Source {
	return self.invoke(nil, params)
}

// CallOn asks one peer for the answer. On the self link the handler runs
// locally with origin set to it; on a remote link the request goes over the
// wire and the returned source pumps the peer's result stream. Either way the
// consumer cannot tell a delegated answer from a locally computed one.
func (self *Request) CallOn(link *StoreLink, params ...any) *Source {
	if link == nil {
		return self.Call(params...)
	}
	if link.IsSelf() {
		return NewSource(func(ctx context.Context, emit EmitFunction) error {
			subscription := self.invoke(link, params).Subscribe(ctx)
			for value := range subscription.Values() {
				emit(value)
			}
			return subscription.Err()
		})
	}
	return self.store.newRemoteCallSource(link, self.ident, params)
}

func (self *Request) invoke(origin *StoreLink, params []any) *Source {
	source := func() (source *Source) {
		defer func() {
			if r := recover(); r != nil {
				source = SourceErr(fmt.Errorf("handler panic: %v", r))
			}
		}()
		return self.handler(origin, params...)
	}()
	if source == nil {
		return Just()
	}
	return source
}

// remoteCall is one outbound in-flight request on a link, keyed by its
// correlation token until a terminal reply or the link goes away.
type remoteCall struct {
	token Id
	link  *StoreLink

	values chan any
	// closed by `finish` after err is set; values already buffered must
	// still be drained by the consumer
	done chan struct{}
	// closed by the consumer when it stops listening
	gone     chan struct{}
	goneOnce sync.Once

	finishOnce sync.Once
	err        error
}

func (self *remoteCall) finish(err error) {
	self.finishOnce.Do(func() {
		self.err = err
		close(self.done)
	})
}

func (self *remoteCall) drop() {
	self.goneOnce.Do(func() {
		close(self.gone)
	})
}

// newRemoteCallSource is the caller half of the request protocol. Subscribing
// publishes a correlated `@request` to the link; emissions arrive as
// `@result` messages until a completion or error marker. Unsubscribing before
// the terminal marker sends `@cancel` with the same token.
func (self *Store) newRemoteCallSource(link *StoreLink, ident ActionId, params []any) *Source {
	return NewSource(func(ctx context.Context, emit EmitFunction) error {
		call := &remoteCall{
			token:  NewId(),
			link:   link,
			values: make(chan any, self.settings.RemoteCallBufferSize),
			done:   make(chan struct{}),
			gone:   make(chan struct{}),
		}

		self.stateLock.Lock()
		if _, ok := self.links[link.id]; !ok {
			self.stateLock.Unlock()
			return ErrLinkClosed
		}
		self.outbound[call.token] = call
		self.stateLock.Unlock()
		pendingCalls.WithLabelValues(self.name).Inc()

		defer func() {
			self.stateLock.Lock()
			delete(self.outbound, call.token)
			self.stateLock.Unlock()
			call.drop()
			pendingCalls.WithLabelValues(self.name).Dec()
		}()

		wireParams := append([]any{call.token.String(), string(ident)}, params...)
		link.Publish(requestIdent, wireParams...)

		for {
			select {
			case <-ctx.Done():
				link.Publish(cancelIdent, call.token.String())
				return ctx.Err()
			case value := <-call.values:
				emit(value)
			case <-call.done:
				// drain results buffered ahead of the terminal marker
				for {
					select {
					case value := <-call.values:
						emit(value)
					default:
						return call.err
					}
				}
			}
		}
	})
}

// handleRequest is the callee half: run the handler with origin set to the
// calling link, subscribe its producer, and transport every emission plus a
// terminal marker back to that link alone. The pending entry stays matchable
// by (link, token) until the producer finishes or a `@cancel` arrives.
func (self *Store) handleRequest(origin *StoreLink, params []any) {
	token, rest, ok := parseToken(params)
	if !ok || len(rest) == 0 {
		glog.V(1).Infof("[r]%s malformed request from %s\n", self.name, origin.id)
		return
	}
	identStr, ok := rest[0].(string)
	if !ok {
		glog.V(1).Infof("[r]%s malformed request from %s\n", self.name, origin.id)
		return
	}
	ident := ActionId(identStr)
	requestParams := rest[1:]

	self.stateLock.Lock()
	op := self.ops[ident]
	self.stateLock.Unlock()
	request, ok := op.(*Request)
	if !ok {
		unknownOperations.WithLabelValues(self.name).Inc()
		glog.V(1).Infof("[r]%s unknown request %s from %s\n", self.name, ident, origin.id)
		origin.Publish(errorIdent, token.String(), fmt.Sprintf("unknown request: %s", ident))
		return
	}

	subscription := request.invoke(origin, requestParams).Subscribe(self.ctx)
	key := pendingKey{
		linkId: origin.id,
		token:  token,
	}
	self.stateLock.Lock()
	self.inbound[key] = subscription
	self.stateLock.Unlock()
	pendingRequests.WithLabelValues(self.name).Inc()

	go self.pumpRequest(origin, ident, token, key, subscription)
}

// pumpRequest relays one invocation's emissions to the origin in production
// order, then the terminal marker. A cancelled producer sends no marker.
func (self *Store) pumpRequest(origin *StoreLink, ident ActionId, token Id, key pendingKey, subscription *Subscription) {
	defer func() {
		self.stateLock.Lock()
		if self.inbound[key] == subscription {
			delete(self.inbound, key)
		}
		self.stateLock.Unlock()
		pendingRequests.WithLabelValues(self.name).Dec()
	}()

	for value := range subscription.Values() {
		origin.Publish(resultIdent, token.String(), value)
	}
	err := subscription.Err()
	switch {
	case err == nil:
		origin.Publish(completeIdent, token.String())
	case errors.Is(err, context.Canceled):
		// cancelled by the peer or by unlink; nothing to report
	default:
		handlerFailures.WithLabelValues(self.name, string(ident)).Inc()
		origin.Publish(errorIdent, token.String(), err.Error())
	}
}

// handleCancel unsubscribes a still-pending producer for (origin, token). An
// unknown or already-completed token is a no-op.
func (self *Store) handleCancel(origin *StoreLink, params []any) {
	token, _, ok := parseToken(params)
	if !ok {
		return
	}
	key := pendingKey{
		linkId: origin.id,
		token:  token,
	}
	self.stateLock.Lock()
	subscription, ok := self.inbound[key]
	if ok {
		delete(self.inbound, key)
	}
	self.stateLock.Unlock()
	if ok {
		glog.V(2).Infof("[r]%s cancel %s from %s\n", self.name, token, origin.id)
		subscription.Cancel()
	}
}

// handleCallReply routes `@result`/`@complete`/`@error` back to the matching
// outbound call. Replies are only honored from the link the call went out on.
func (self *Store) handleCallReply(origin *StoreLink, ident ActionId, params []any) {
	token, rest, ok := parseToken(params)
	if !ok {
		return
	}
	self.stateLock.Lock()
	call, ok := self.outbound[token]
	self.stateLock.Unlock()
	if !ok || call.link != origin {
		// stale or misdirected reply
		return
	}

	switch ident {
	case resultIdent:
		if len(rest) == 0 {
			return
		}
		select {
		case call.values <- rest[0]:
		case <-call.gone:
		case <-call.done:
		}
	case completeIdent:
		call.finish(nil)
	case errorIdent:
		reason := "request failed"
		if len(rest) != 0 {
			if s, ok := rest[0].(string); ok {
				reason = s
			}
		}
		call.finish(errors.New(reason))
	}
}

func parseToken(params []any) (Id, []any, bool) {
	if len(params) == 0 {
		return Id{}, nil, false
	}
	tokenStr, ok := params[0].(string)
	if !ok {
		return Id{}, nil, false
	}
	token, err := ParseId(tokenStr)
	if err != nil {
		return Id{}, nil, false
	}
	return token, params[1:], true
}
