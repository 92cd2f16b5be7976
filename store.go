package storelink

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// an operation is one entry in a store's dispatch table, either an *Action or
// a *Request. The table is fixed by construction: identifiers are validated
// for uniqueness when the operation is created, not when a message arrives.
type operation interface {
	opIdent() ActionId
}

type StoreSettings struct {
	// buffered values between an inbound result message and the local
	// subscription consuming a remote call
	RemoteCallBufferSize int
}

func DefaultStoreSettings() *StoreSettings {
	return &StoreSettings{
		RemoteCallBufferSize: 32,
	}
}

type LinkFunction func(link *StoreLink)

// Store owns a set of peer links and a table of named operations. Inbound
// messages dispatch to the matching operation with origin set to the link
// that produced them; outbound messages fan out to the current link set per
// an addressing target.
type Store struct {
	ctx    context.Context
	cancel context.CancelFunc

	name     string
	settings *StoreSettings

	selfLink *StoreLink

	stateLock sync.Mutex
	closed    bool
	ops       map[ActionId]operation
	links     map[Id]*StoreLink
	mainLink  *StoreLink
	// inbound request producers keyed by (origin link, correlation token)
	inbound map[pendingKey]*Subscription
	// outbound remote calls keyed by correlation token
	outbound map[Id]*remoteCall

	onLink   LinkFunction
	onUnlink LinkFunction
}

type pendingKey struct {
	linkId Id
	token  Id
}

func NewStore(ctx context.Context, name string) *Store {
	return NewStoreWithSettings(ctx, name, DefaultStoreSettings())
}

func NewStoreWithSettings(ctx context.Context, name string, settings *StoreSettings) *Store {
	cancelCtx, cancel := context.WithCancel(ctx)
	store := &Store{
		ctx:      cancelCtx,
		cancel:   cancel,
		name:     name,
		settings: settings,
		ops:      map[ActionId]operation{},
		links:    map[Id]*StoreLink{},
		inbound:  map[pendingKey]*Subscription{},
		outbound: map[Id]*remoteCall{},
	}
	store.selfLink = newStoreLink(SelfLinkId, store, nil)
	return store
}

func (self *Store) Name() string {
	return self.name
}

func (self *Store) IsClosed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.closed
}

// SelfLink is the implicit local link with the reserved default id. A request
// delegated to it is answered locally.
func (self *Store) SelfLink() *StoreLink {
	return self.selfLink
}

// MainLink is the authoritative peer to delegate requests to. On a client
// this is the server link established by `DialLink`; unlinked it falls back
// to the self link.
func (self *Store) MainLink() *StoreLink {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.mainLink != nil {
		return self.mainLink
	}
	return self.selfLink
}

func (self *Store) SetMainLink(link *StoreLink) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.mainLink = link
}

// OnLink is invoked after a link joins the set, OnUnlink after it leaves.
func (self *Store) SetOnLink(onLink LinkFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.onLink = onLink
}

func (self *Store) SetOnUnlink(onUnlink LinkFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.onUnlink = onUnlink
}

func (self *Store) addOperation(op operation) error {
	ident := op.opIdent()
	if ident == "" {
		return fmt.Errorf("empty operation ident")
	}
	if ident.reserved() {
		return fmt.Errorf("operation ident is reserved: %s", ident)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if _, ok := self.ops[ident]; ok {
		return fmt.Errorf("duplicate operation ident: %s", ident)
	}
	self.ops[ident] = op
	return nil
}

// AddLink admits a connection into the link set with a fresh link id, binds
// inbound dispatch and the close path to it, and fires OnLink.
func (self *Store) AddLink(connection Connection) (*StoreLink, error) {
	link := newStoreLink(NewId(), self, connection)

	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return nil, ErrStoreClosed
	}
	self.links[link.id] = link
	onLink := self.onLink
	self.stateLock.Unlock()

	activeLinks.WithLabelValues(self.name).Inc()

	connection.SetReceiveCallback(func(message *Message) {
		self.Dispatch(link, message)
	})
	connection.SetCloseCallback(func() {
		self.Unlink(link)
	})

	glog.V(1).Infof("[s]%s link %s\n", self.name, link.id)
	if onLink != nil {
		onLink(link)
	}
	return link, nil
}

// Unlink removes a link from the set, cancels in-flight request work tied to
// it in either direction, fires OnUnlink, and closes the connection.
// Idempotent.
func (self *Store) Unlink(link *StoreLink) {
	self.stateLock.Lock()
	if _, ok := self.links[link.id]; !ok {
		self.stateLock.Unlock()
		return
	}
	delete(self.links, link.id)
	if self.mainLink == link {
		self.mainLink = nil
	}
	inbound := []*Subscription{}
	for key, subscription := range self.inbound {
		if key.linkId == link.id {
			inbound = append(inbound, subscription)
			delete(self.inbound, key)
		}
	}
	outbound := []*remoteCall{}
	for token, call := range self.outbound {
		if call.link == link {
			outbound = append(outbound, call)
			delete(self.outbound, token)
		}
	}
	onUnlink := self.onUnlink
	self.stateLock.Unlock()

	activeLinks.WithLabelValues(self.name).Dec()

	for _, subscription := range inbound {
		subscription.Cancel()
	}
	for _, call := range outbound {
		call.finish(ErrLinkClosed)
	}

	glog.V(1).Infof("[s]%s unlink %s\n", self.name, link.id)
	if onUnlink != nil {
		onUnlink(link)
	}
	if link.connection != nil {
		link.connection.Close()
	}
}

func (self *Store) Links() []*StoreLink {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Values(self.links)
}

func (self *Store) LinkCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.links)
}

// resolveTarget snapshots the target's links at call time. A link that leaves
// the set before the call is never addressed; one that leaves during the
// fan-out still receives the message.
func (self *Store) resolveTarget(target Target) []*StoreLink {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	switch target.mode {
	case targetOne:
		if target.link == nil {
			return nil
		}
		if target.link.IsSelf() {
			return []*StoreLink{target.link}
		}
		if _, ok := self.links[target.link.id]; !ok {
			// removed links are silently skipped
			return nil
		}
		return []*StoreLink{target.link}
	case targetAllExcept:
		links := []*StoreLink{}
		for _, link := range self.links {
			if link != target.link {
				links = append(links, link)
			}
		}
		return links
	default:
		return maps.Values(self.links)
	}
}

// PublishTo sends one message to every link the target resolves to against
// the current link set. Per-link ordering follows call order; there is no
// ordering across links.
func (self *Store) PublishTo(target Target, ident ActionId, params ...any) {
	message := NewMessage(ident, params...)
	for _, link := range self.resolveTarget(target) {
		link.publishMessage(message)
	}
}

// Dispatch routes one inbound message from a link: protocol idents to the
// request/result machinery, user idents via the dispatch table. An unknown
// ident is a logged drop and the connection stays open.
func (self *Store) Dispatch(link *StoreLink, message *Message) {
	messagesDispatched.WithLabelValues(self.name).Inc()
	glog.V(2).Infof("[s]%s<- %s %s\n", self.name, link.id, message)

	switch message.Ident {
	case requestIdent:
		self.handleRequest(link, message.Params)
		return
	case cancelIdent:
		self.handleCancel(link, message.Params)
		return
	case resultIdent, completeIdent, errorIdent:
		self.handleCallReply(link, message.Ident, message.Params)
		return
	}

	self.stateLock.Lock()
	op, ok := self.ops[message.Ident]
	self.stateLock.Unlock()
	if !ok {
		unknownOperations.WithLabelValues(self.name).Inc()
		glog.V(1).Infof("[s]%s unknown op %s\n", self.name, message.Ident)
		return
	}

	switch op := op.(type) {
	case *Action:
		op.dispatch(link, message.Params)
	case *Request:
		// a request must arrive in a correlated envelope
		unknownOperations.WithLabelValues(self.name).Inc()
		glog.V(1).Infof("[s]%s bare request %s\n", self.name, message.Ident)
	}
}

// Close evicts every link and cancels all in-flight request work.
func (self *Store) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	links := maps.Values(self.links)
	self.stateLock.Unlock()

	for _, link := range links {
		self.Unlink(link)
	}
	self.cancel()
}
