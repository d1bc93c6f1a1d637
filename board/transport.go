package board

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const transportSendBufferSize = 32

type BoardTransportSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultBoardTransportSettings() *BoardTransportSettings {
	return &BoardTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        10 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        30 * time.Second,
	}
}

type ConnectFunction = func()
type ReceiveFunction = func(message []byte)
type ErrorFunction = func(err error)

// BoardTransport owns the persistent bidirectional connection for one board
// session. It attaches the current identity token on dial, refreshes the
// token and retries exactly once on an auth failure, and reconnects on
// transport failures until closed. Each (re)connect fires the connect
// callbacks so the session can re-announce board membership: membership is
// not assumed to survive a transport-level reconnect.
type BoardTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectUrl  string
	tokenSource TokenSource

	settings *BoardTransportSettings

	send chan []byte

	connectCallbacks *CallbackList[ConnectFunction]
	receiveCallbacks *CallbackList[ReceiveFunction]
	errorCallbacks   *CallbackList[ErrorFunction]
}

func NewBoardTransportWithDefaults(
	ctx context.Context,
	connectUrl string,
	tokenSource TokenSource,
) *BoardTransport {
	return NewBoardTransport(ctx, connectUrl, tokenSource, DefaultBoardTransportSettings())
}

func NewBoardTransport(
	ctx context.Context,
	connectUrl string,
	tokenSource TokenSource,
	settings *BoardTransportSettings,
) *BoardTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &BoardTransport{
		ctx:              cancelCtx,
		cancel:           cancel,
		connectUrl:       connectUrl,
		tokenSource:      tokenSource,
		settings:         settings,
		send:             make(chan []byte, transportSendBufferSize),
		connectCallbacks: NewCallbackList[ConnectFunction](),
		receiveCallbacks: NewCallbackList[ReceiveFunction](),
		errorCallbacks:   NewCallbackList[ErrorFunction](),
	}
	go transport.run()
	return transport
}

func (self *BoardTransport) AddConnectCallback(connectCallback ConnectFunction) func() {
	callbackId := self.connectCallbacks.Add(connectCallback)
	return func() {
		self.connectCallbacks.Remove(callbackId)
	}
}

func (self *BoardTransport) AddReceiveCallback(receiveCallback ReceiveFunction) func() {
	callbackId := self.receiveCallbacks.Add(receiveCallback)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

func (self *BoardTransport) AddErrorCallback(errorCallback ErrorFunction) func() {
	callbackId := self.errorCallbacks.Add(errorCallback)
	return func() {
		self.errorCallbacks.Remove(callbackId)
	}
}

// Emit queues a named event. The queue is drained by the write pump of the
// active connection; events queued while reconnecting are sent after the
// next connect.
func (self *BoardTransport) Emit(event string, payload any) error {
	message, err := EncodeEvent(event, payload)
	if err != nil {
		return err
	}
	select {
	case <-self.ctx.Done():
		return fmt.Errorf("transport closed")
	case self.send <- message:
		return nil
	case <-time.After(self.settings.WriteTimeout):
		return fmt.Errorf("send backpressure timeout")
	}
}

func (self *BoardTransport) run() {
	defer self.cancel()

	authRefreshed := false

	for {
		connect := func() (*websocket.Conn, error) {
			token, err := self.tokenSource.Token(self.ctx)
			if err != nil {
				return nil, err
			}

			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			header := http.Header{}
			header.Add("Authorization", fmt.Sprintf("Bearer %s", token))

			ws, response, err := dialer.DialContext(self.ctx, self.connectUrl, header)
			if err != nil {
				if response != nil {
					switch response.StatusCode {
					case http.StatusUnauthorized, http.StatusForbidden:
						if authRefreshed {
							// one automatic refresh only. Repeated auth
							// failures are fatal.
							return nil, ErrNotAuthenticated
						}
						authRefreshed = true
						if _, refreshErr := self.tokenSource.Refresh(self.ctx); refreshErr != nil {
							return nil, ErrNotAuthenticated
						}
						return nil, err
					}
				}
				return nil, err
			}
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			if err == ErrNotAuthenticated {
				glog.Infof("[t]fatal auth error = %s\n", err)
				for _, errorCallback := range self.errorCallbacks.Get() {
					errorCallback(ErrNotAuthenticated)
				}
				return
			}
			glog.V(2).Infof("[t]connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		authRefreshed = false
		for _, connectCallback := range self.connectCallbacks.Get() {
			connectCallback()
		}

		self.handle(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

// one connected websocket until it errors out
func (self *BoardTransport) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	// write pump
	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-self.send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// a websocket deadline timeout cannot be recovered
					glog.V(2).Infof("[ts]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[ts]->\n")
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// read pump
	func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.V(2).Infof("[tr]<- error = %s\n", err)
				return
			}

			switch messageType {
			case websocket.TextMessage:
				for _, receiveCallback := range self.receiveCallbacks.Get() {
					receiveCallback(message)
				}
				glog.V(2).Infof("[tr]<-\n")
			default:
				glog.V(2).Infof("[tr]other=%d <-\n", messageType)
			}
		}
	}()
}

func (self *BoardTransport) Close() {
	self.cancel()
	self.connectCallbacks.Clear()
	self.receiveCallbacks.Clear()
	self.errorCallbacks.Clear()
}
