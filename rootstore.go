package storelink

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// RootStore bootstraps named-store subscription. It owns each attached
// connection only until admission: a `@subscribe` for a registered name runs
// that name's subscriber, and on accept the connection becomes a StoreLink of
// the admitted store and dispatch moves there.
type RootStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	stateLock   sync.Mutex
	closed      bool
	subscribers map[string]SubscribeFunc
	// attached connections not yet admitted into a store
	pending map[Connection]bool
}

func NewRootStore(ctx context.Context) *RootStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	root := &RootStore{
		ctx:         cancelCtx,
		cancel:      cancel,
		subscribers: map[string]SubscribeFunc{},
		pending:     map[Connection]bool{},
	}
	go func() {
		<-cancelCtx.Done()
		root.Close()
	}()
	return root
}

func (self *RootStore) Register(name string, subscribe SubscribeFunc) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if _, ok := self.subscribers[name]; ok {
		return fmt.Errorf("duplicate store name: %s", name)
	}
	self.subscribers[name] = subscribe
	return nil
}

func (self *RootStore) RequireRegister(name string, subscribe SubscribeFunc) {
	if err := self.Register(name, subscribe); err != nil {
		panic(err)
	}
}

// Attach takes ownership of a new connection and serves its subscription
// handshake. Messages other than `@subscribe` before admission are dropped.
// The connection stays owned here until admission hands it to a store;
// closing the root store closes every connection still waiting.
func (self *RootStore) Attach(connection Connection) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		connection.Close()
		return
	}
	self.pending[connection] = true
	self.stateLock.Unlock()

	connection.SetCloseCallback(func() {
		self.release(connection)
	})
	connection.SetReceiveCallback(func(message *Message) {
		if message.Ident != subscribeIdent {
			glog.V(1).Infof("[root]drop pre-admission %s\n", message)
			return
		}
		token, rest, ok := parseToken(message.Params)
		if !ok || len(rest) == 0 {
			glog.V(1).Infof("[root]malformed subscribe\n")
			return
		}
		name, ok := rest[0].(string)
		if !ok {
			glog.V(1).Infof("[root]malformed subscribe\n")
			return
		}
		// admission may block on asynchronous checks. Run it off the
		// connection's receive path.
		go self.admit(connection, token, name, rest[1:])
	})
}

func (self *RootStore) admit(connection Connection, token Id, name string, params []any) {
	self.stateLock.Lock()
	subscribe, ok := self.subscribers[name]
	self.stateLock.Unlock()

	deny := func(reason string) {
		admissionsDenied.WithLabelValues(name).Inc()
		glog.V(1).Infof("[root]deny %s = %s\n", name, reason)
		if err := connection.Send(NewMessage(denyIdent, append([]any{token.String()}, reason)...)); err != nil {
			glog.V(1).Infof("[root]deny reply drop = %s\n", err)
		}
	}

	if !ok {
		deny(fmt.Sprintf("unknown store: %s", name))
		return
	}

	admission := func() (admission Admission) {
		defer func() {
			if r := recover(); r != nil {
				admission = Deny(fmt.Sprintf("subscriber panic: %v", r))
			}
		}()
		return subscribe(&SubscribeRequest{
			Connection: connection,
			Params:     params,
		})
	}()
	if !admission.Accepted() {
		deny(admission.Reason())
		return
	}
	store := admission.Store()
	if store == nil || store.IsClosed() {
		// the subscriber admitted into nothing usable. Deciding this before
		// the accept reply keeps accept-then-deny off the wire.
		deny(fmt.Sprintf("store closed: %s", name))
		return
	}

	// the accept reply must be the first message the peer sees on this
	// subscription, so it goes out before OnLink gets a chance to publish.
	// Clearing the receive callback queues any inbound messages that arrive
	// between the reply and the link bind; AddLink flushes them in order.
	connection.SetReceiveCallback(nil)
	reply := NewMessage(acceptIdent, append([]any{token.String()}, admission.Payload()...)...)
	if err := connection.Send(reply); err != nil {
		glog.V(1).Infof("[root]accept reply drop = %s\n", err)
		connection.Close()
		return
	}
	link, err := store.AddLink(connection)
	if err != nil {
		// the store closed between the check and the bind. The accept already
		// went out, so there is nothing left to say; drop the subscription.
		glog.V(1).Infof("[root]accept bind failed %s = %s\n", name, err)
		connection.Close()
		return
	}
	self.release(connection)
	admissionsAccepted.WithLabelValues(name).Inc()
	glog.V(1).Infof("[root]accept %s -> %s\n", name, link)
}

func (self *RootStore) release(connection Connection) {
	self.stateLock.Lock()
	delete(self.pending, connection)
	self.stateLock.Unlock()
}

// Close stops admission and closes every attached connection still waiting
// for it. Connections already admitted belong to their store. Idempotent.
func (self *RootStore) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	pending := maps.Keys(self.pending)
	self.pending = map[Connection]bool{}
	self.stateLock.Unlock()

	for _, connection := range pending {
		connection.Close()
	}
	self.cancel()
}

// DialLink subscribes this store to a named remote store over a new
// connection: the client half of the admission handshake. On accept the
// connection joins this store's link set as its main link (when none is set)
// and the accept payload is returned. On deny the error is a *DeniedError.
func (self *Store) DialLink(ctx context.Context, connection Connection, storeName string, params ...any) (*StoreLink, []any, error) {
	token := NewId()

	type dialResult struct {
		link    *StoreLink
		payload []any
		err     error
	}
	resultCh := make(chan dialResult, 1)
	var linked *StoreLink
	var once sync.Once

	// both callbacks fire sequentially on the connection's receive path, so
	// `linked` needs no lock of its own. The close callback is installed
	// before the handshake and never rebound: a close before admission fails
	// the dial, one after unlinks.
	connection.SetCloseCallback(func() {
		once.Do(func() {
			resultCh <- dialResult{err: ErrConnectionClosed}
		})
		if linked != nil {
			self.Unlink(linked)
		}
	})

	// the handshake and everything after it arrive sequentially on the
	// connection's receive path, so the link attach happens in-line here and
	// later messages dispatch in order with no rebind race.
	connection.SetReceiveCallback(func(message *Message) {
		if linked != nil {
			self.Dispatch(linked, message)
			return
		}
		replyToken, rest, ok := parseToken(message.Params)
		if !ok || replyToken != token {
			return
		}
		switch message.Ident {
		case acceptIdent:
			link, err := self.attachDialedLink(connection)
			if err != nil {
				once.Do(func() {
					resultCh <- dialResult{err: err}
				})
				return
			}
			linked = link
			once.Do(func() {
				resultCh <- dialResult{link: link, payload: rest}
			})
		case denyIdent:
			reason := "denied"
			if len(rest) != 0 {
				if s, ok := rest[0].(string); ok {
					reason = s
				}
			}
			once.Do(func() {
				resultCh <- dialResult{err: &DeniedError{Reason: reason}}
			})
		}
	})

	subscribeParams := append([]any{token.String(), storeName}, params...)
	if err := connection.Send(NewMessage(subscribeIdent, subscribeParams...)); err != nil {
		return nil, nil, err
	}

	select {
	case <-ctx.Done():
		connection.Close()
		return nil, nil, ctx.Err()
	case result := <-resultCh:
		if result.err != nil {
			connection.Close()
			return nil, nil, result.err
		}
		return result.link, result.payload, nil
	}
}

// attachDialedLink is AddLink without any callback rebind: the dial callbacks
// stay installed and route dispatch and unlink themselves. It must be safe to
// call from inside the connection's receive path.
func (self *Store) attachDialedLink(connection Connection) (*StoreLink, error) {
	link := newStoreLink(NewId(), self, connection)

	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return nil, ErrStoreClosed
	}
	self.links[link.id] = link
	if self.mainLink == nil {
		self.mainLink = link
	}
	onLink := self.onLink
	self.stateLock.Unlock()

	activeLinks.WithLabelValues(self.name).Inc()

	glog.V(1).Infof("[s]%s link %s (dialed)\n", self.name, link.id)
	if onLink != nil {
		onLink(link)
	}
	return link, nil
}
