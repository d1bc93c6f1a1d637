package board

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"
)

type InboundEventFunction = func(event InboundEvent)

type BoardSessionSettings struct {
	TransportSettings *BoardTransportSettings
}

func DefaultBoardSessionSettings() *BoardSessionSettings {
	return &BoardSessionSettings{
		TransportSettings: DefaultBoardTransportSettings(),
	}
}

// BoardSession owns the transport handle for one board. It announces board
// membership after every (re)connect, decodes the inbound event stream into
// the closed event union, and guarantees that once Leave has run no handler
// registered for this board fires again.
type BoardSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	boardId     string
	tokenSource TokenSource

	transport *BoardTransport

	eventCallbacks *CallbackList[InboundEventFunction]

	closeLock sync.Mutex
	closed    bool
	unsubs    []func()
}

func NewBoardSessionWithDefaults(
	ctx context.Context,
	connectUrl string,
	boardId string,
	tokenSource TokenSource,
) *BoardSession {
	return NewBoardSession(ctx, connectUrl, boardId, tokenSource, DefaultBoardSessionSettings())
}

func NewBoardSession(
	ctx context.Context,
	connectUrl string,
	boardId string,
	tokenSource TokenSource,
	settings *BoardSessionSettings,
) *BoardSession {
	cancelCtx, cancel := context.WithCancel(ctx)
	session := &BoardSession{
		ctx:            cancelCtx,
		cancel:         cancel,
		boardId:        boardId,
		tokenSource:    tokenSource,
		eventCallbacks: NewCallbackList[InboundEventFunction](),
	}
	session.transport = NewBoardTransport(cancelCtx, connectUrl, tokenSource, settings.TransportSettings)
	session.unsubs = append(
		session.unsubs,
		session.transport.AddConnectCallback(session.announce),
		session.transport.AddReceiveCallback(session.dispatch),
	)
	return session
}

func (self *BoardSession) BoardId() string {
	return self.boardId
}

func (self *BoardSession) AddEventCallback(eventCallback InboundEventFunction) func() {
	callbackId := self.eventCallbacks.Add(eventCallback)
	return func() {
		self.eventCallbacks.Remove(callbackId)
	}
}

// AddConnectCallback fires after each successful (re)connect, after the
// membership announcement has been queued.
func (self *BoardSession) AddConnectCallback(connectCallback ConnectFunction) func() {
	return self.transport.AddConnectCallback(connectCallback)
}

// AddErrorCallback fires on fatal session errors, e.g. a failed token
// refresh after an auth failure.
func (self *BoardSession) AddErrorCallback(errorCallback ErrorFunction) func() {
	return self.transport.AddErrorCallback(errorCallback)
}

// membership must be re-established explicitly after every reconnect
func (self *BoardSession) announce() {
	if err := self.EmitWithToken(EventJoinBoard, &JoinBoardArgs{BoardId: self.boardId}); err != nil {
		glog.Infof("[ns]%s announce error = %s\n", self.boardId, err)
	}
}

func (self *BoardSession) dispatch(message []byte) {
	event, err := DecodeInboundEvent(message)
	if err != nil {
		if errors.Is(err, ErrUnknownEvent) {
			// expected when newer peers add event kinds
			glog.V(2).Infof("[ns]%s drop %s\n", self.boardId, err)
		} else {
			glog.Infof("[ns]%s decode error = %s\n", self.boardId, err)
		}
		return
	}

	for _, eventCallback := range self.eventCallbacks.Get() {
		eventCallback(event)
	}
}

func (self *BoardSession) Emit(event string, payload any) error {
	return self.transport.Emit(event, payload)
}

// EmitWithToken attaches the current identity token to the payload before
// emitting.
func (self *BoardSession) EmitWithToken(event string, payload any) error {
	if carrier, ok := payload.(tokenCarrier); ok {
		token, err := self.tokenSource.Token(self.ctx)
		if err != nil {
			return err
		}
		carrier.attachToken(token)
	}
	return self.transport.Emit(event, payload)
}

// Leave announces departure and tears the session down. All event
// subscriptions are removed before the transport closes, so no event handler
// registered for this board fires after leaving it.
func (self *BoardSession) Leave() {
	self.closeLock.Lock()
	if self.closed {
		self.closeLock.Unlock()
		return
	}
	self.closed = true
	unsubs := self.unsubs
	self.unsubs = nil
	self.closeLock.Unlock()

	// best effort. The relay also cleans up on disconnect.
	self.Emit(EventLeaveBoard, &LeaveBoardArgs{BoardId: self.boardId})

	for _, unsub := range unsubs {
		unsub()
	}
	self.eventCallbacks.Clear()
	self.cancel()
	self.transport.Close()
}

func (self *BoardSession) Close() {
	self.Leave()
}
