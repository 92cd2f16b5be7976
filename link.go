package storelink

import (
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// StoreLink binds one store to one remote peer's connection for the lifetime
// of that peer's subscription. The self link (id `SelfLinkId`) has no
// connection; publishing to it dispatches locally.
type StoreLink struct {
	id         Id
	store      *Store
	connection Connection

	// serializes publishes to this link in call order
	sendLock sync.Mutex
	// self-link delivery queue, guarded by sendLock
	selfQueue    []*Message
	selfDraining bool
}

func newStoreLink(id Id, store *Store, connection Connection) *StoreLink {
	return &StoreLink{
		id:         id,
		store:      store,
		connection: connection,
	}
}

func (self *StoreLink) Id() Id {
	return self.id
}

func (self *StoreLink) Store() *Store {
	return self.store
}

func (self *StoreLink) Connection() Connection {
	return self.connection
}

func (self *StoreLink) IsSelf() bool {
	return self.id == SelfLinkId
}

// Publish sends one message to this peer alone. Sends on one link are
// serialized in call order. A send after the link left the store's set, or
// after the transport failed, is a logged drop.
func (self *StoreLink) Publish(ident ActionId, params ...any) {
	self.publishMessage(NewMessage(ident, params...))
}

func (self *StoreLink) publishMessage(message *Message) {
	messagesPublished.WithLabelValues(self.store.name).Inc()

	if self.IsSelf() {
		self.dispatchSelf(message)
		return
	}

	self.sendLock.Lock()
	defer self.sendLock.Unlock()
	if err := self.connection.Send(message); err != nil {
		glog.V(1).Infof("[l]%s %s drop = %s\n", self.store.name, message, err)
	}
}

// dispatchSelf delivers self-link publishes locally, in call order, with the
// lock released around each dispatch. A handler reached this way may publish
// to the self link again: the nested message queues behind the one in flight
// and the draining frame delivers it next instead of re-entering the lock.
func (self *StoreLink) dispatchSelf(message *Message) {
	self.sendLock.Lock()
	self.selfQueue = append(self.selfQueue, message)
	if self.selfDraining {
		self.sendLock.Unlock()
		return
	}
	self.selfDraining = true
	for len(self.selfQueue) != 0 {
		next := self.selfQueue[0]
		self.selfQueue = self.selfQueue[1:]
		self.sendLock.Unlock()
		self.store.Dispatch(self, next)
		self.sendLock.Lock()
	}
	self.selfDraining = false
	self.sendLock.Unlock()
}

// Close evicts the link from its store and closes the underlying connection.
func (self *StoreLink) Close() {
	self.store.Unlink(self)
}

func (self *StoreLink) String() string {
	return fmt.Sprintf("%s@%s", self.id, self.store.name)
}
