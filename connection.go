package storelink

import (
	"context"
	"sync"
)

const PipeConnectionBufferSize = 32

type ConnectionReceiveFunction func(message *Message)

// Connection is the raw bidirectional transport a link wraps. Implementations
// must deliver receive callbacks for one connection sequentially, in arrival
// order, and must make `Close` idempotent. Framing, reconnect, and value
// serialization are the implementation's concern.
type Connection interface {
	Send(message *Message) error
	SetReceiveCallback(receiveCallback ConnectionReceiveFunction)
	SetCloseCallback(closeCallback func())
	Close()
}

// connectionCallbacks queues messages delivered before a receive callback is
// set, so that no early message is lost between dial and attach.
type connectionCallbacks struct {
	stateLock       sync.Mutex
	receiveCallback ConnectionReceiveFunction
	closeCallback   func()
	queued          []*Message
	closed          bool
}

func (self *connectionCallbacks) deliver(message *Message) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.receiveCallback == nil {
		self.queued = append(self.queued, message)
		return
	}
	self.receiveCallback(message)
}

func (self *connectionCallbacks) setReceiveCallback(receiveCallback ConnectionReceiveFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.receiveCallback = receiveCallback
	if receiveCallback != nil {
		for _, message := range self.queued {
			receiveCallback(message)
		}
		self.queued = nil
	}
}

func (self *connectionCallbacks) setCloseCallback(closeCallback func()) {
	self.stateLock.Lock()
	alreadyClosed := self.closed
	self.closeCallback = closeCallback
	self.stateLock.Unlock()
	if alreadyClosed && closeCallback != nil {
		closeCallback()
	}
}

func (self *connectionCallbacks) fireClose() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	closeCallback := self.closeCallback
	self.stateLock.Unlock()
	if closeCallback != nil {
		closeCallback()
	}
}

// PipeConnection is an in-process connected pair. Both ends share one lifetime:
// closing either end closes the pair.
type PipeConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	in   chan *Message
	peer *PipeConnection

	callbacks connectionCallbacks
}

func NewPipeConnection(ctx context.Context) (*PipeConnection, *PipeConnection) {
	cancelCtx, cancel := context.WithCancel(ctx)
	a := &PipeConnection{
		ctx:    cancelCtx,
		cancel: cancel,
		in:     make(chan *Message, PipeConnectionBufferSize),
	}
	b := &PipeConnection{
		ctx:    cancelCtx,
		cancel: cancel,
		in:     make(chan *Message, PipeConnectionBufferSize),
	}
	a.peer = b
	b.peer = a
	go a.run()
	go b.run()
	return a, b
}

func (self *PipeConnection) run() {
	defer self.callbacks.fireClose()
	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.in:
			self.callbacks.deliver(message)
		}
	}
}

func (self *PipeConnection) Send(message *Message) error {
	select {
	case <-self.ctx.Done():
		return ErrConnectionClosed
	case self.peer.in <- message:
		return nil
	}
}

func (self *PipeConnection) SetReceiveCallback(receiveCallback ConnectionReceiveFunction) {
	self.callbacks.setReceiveCallback(receiveCallback)
}

func (self *PipeConnection) SetCloseCallback(closeCallback func()) {
	self.callbacks.setCloseCallback(closeCallback)
}

func (self *PipeConnection) Close() {
	self.cancel()
}
