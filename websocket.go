package storelink

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const WsSendBufferSize = 32

type WsConnectionSettings struct {
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingTimeout  time.Duration
}

func DefaultWsConnectionSettings() *WsConnectionSettings {
	return &WsConnectionSettings{
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  30 * time.Second,
		PingTimeout:  10 * time.Second,
	}
}

// WsConnection carries the message tuple as json text frames over a
// websocket, with ping keepalive on idle. Note json round-trips numeric
// params as float64.
type WsConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws       *websocket.Conn
	settings *WsConnectionSettings

	send chan *Message

	callbacks connectionCallbacks
}

func NewWsConnection(ctx context.Context, ws *websocket.Conn, settings *WsConnectionSettings) *WsConnection {
	cancelCtx, cancel := context.WithCancel(ctx)
	connection := &WsConnection{
		ctx:      cancelCtx,
		cancel:   cancel,
		ws:       ws,
		settings: settings,
		send:     make(chan *Message, WsSendBufferSize),
	}
	go connection.sendLoop()
	go connection.receiveLoop()
	return connection
}

// DialWs connects to a websocket attach endpoint, e.g. storectl's /link.
func DialWs(ctx context.Context, url string, settings *WsConnectionSettings) (*WsConnection, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWsConnection(ctx, ws, settings), nil
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// UpgradeWs upgrades an http request, typically to hand the connection to
// `RootStore.Attach`.
func UpgradeWs(ctx context.Context, w http.ResponseWriter, r *http.Request, settings *WsConnectionSettings) (*WsConnection, error) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWsConnection(ctx, ws, settings), nil
}

func (self *WsConnection) sendLoop() {
	defer func() {
		self.cancel()
		self.ws.Close()
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.send:
			b, err := json.Marshal(message)
			if err != nil {
				glog.Infof("[ws]-> marshal error = %s\n", err)
				continue
			}
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				glog.V(1).Infof("[ws]-> error = %s\n", err)
				return
			}
			glog.V(2).Infof("[ws]-> %s\n", message)
		case <-time.After(self.settings.PingTimeout):
			if err := self.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(self.settings.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (self *WsConnection) receiveLoop() {
	defer func() {
		self.cancel()
		self.ws.Close()
		self.callbacks.fireClose()
	}()

	self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	self.ws.SetPongHandler(func(string) error {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})
	self.ws.SetPingHandler(func(data string) error {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		// WriteControl is safe concurrently with the send loop
		return self.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(self.settings.WriteTimeout))
	})

	for {
		_, b, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[ws]<- error = %s\n", err)
			return
		}
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		message := &Message{}
		if err := json.Unmarshal(b, message); err != nil {
			glog.V(1).Infof("[ws]<- malformed frame = %s\n", err)
			continue
		}
		glog.V(2).Infof("[ws]<- %s\n", message)
		self.callbacks.deliver(message)
	}
}

func (self *WsConnection) Send(message *Message) error {
	select {
	case <-self.ctx.Done():
		return ErrConnectionClosed
	case self.send <- message:
		return nil
	}
}

func (self *WsConnection) SetReceiveCallback(receiveCallback ConnectionReceiveFunction) {
	self.callbacks.setReceiveCallback(receiveCallback)
}

func (self *WsConnection) SetCloseCallback(closeCallback func()) {
	self.callbacks.setCloseCallback(closeCallback)
}

func (self *WsConnection) Close() {
	self.cancel()
}
