package board

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

var ErrEmptyNote = errors.New("note text is empty")

// the participant was rejected by a board member and must be evicted back to
// board selection
var ErrJoinRejected = errors.New("join rejected")

type JoinRequestFunction = func(user Participant)

type BoardClientSettings struct {
	SessionSettings  *BoardSessionSettings
	GateSettings     *JoinGateSettings
	TypingSettings   *TypingSettings
	StoreSettings    *NoteStoreSettings
	PresenceSettings *PresenceTrackerSettings
	Placement        *PlacementSettings

	CanvasBounds  Rect
	ReservedZones []Rect
}

func DefaultBoardClientSettings() *BoardClientSettings {
	return &BoardClientSettings{
		SessionSettings:  DefaultBoardSessionSettings(),
		GateSettings:     DefaultJoinGateSettings(),
		TypingSettings:   DefaultTypingSettings(),
		StoreSettings:    DefaultNoteStoreSettings(),
		PresenceSettings: DefaultPresenceTrackerSettings(),
		Placement:        DefaultPlacementSettings(),
		CanvasBounds:     Rect{X: 0, Y: 0, Width: 1400, Height: 900},
		// fixed UI chrome: the input bar and the online users row
		ReservedZones: []Rect{
			{X: 0, Y: 60, Width: 220, Height: 100},
			{X: 550, Y: 0, Width: 300, Height: 60},
		},
	}
}

// BoardClient is one participant's engine for one board: the connection and
// admission gate, the local note replica, presence and typing state. It is
// constructed per board entry and destroyed per board exit. Switching boards
// means Close and a new client; no state is reused across boards.
type BoardClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	boardId     string
	tokenSource TokenSource
	participant Participant

	settings *BoardClientSettings

	api     *BoardApi
	session *BoardSession
	gate    *JoinGate
	store   *NoteStore
	typing  *TypingAggregator
	// nil when no presence store is configured; the socket user_list is the
	// fallback online view then, and typing flows over the socket only
	presenceStore PresenceStore
	presence      *PresenceTracker

	stateLock         sync.Mutex
	onlineFromSession []Participant

	joinRequestCallbacks *CallbackList[JoinRequestFunction]
	errorCallbacks       *CallbackList[ErrorFunction]

	unsubs []func()
}

func NewBoardClientWithDefaults(
	ctx context.Context,
	apiUrl string,
	connectUrl string,
	boardId string,
	tokenSource TokenSource,
	presenceStore PresenceStore,
) (*BoardClient, error) {
	return NewBoardClient(
		ctx,
		apiUrl,
		connectUrl,
		boardId,
		tokenSource,
		presenceStore,
		DefaultBoardClientSettings(),
	)
}

func NewBoardClient(
	ctx context.Context,
	apiUrl string,
	connectUrl string,
	boardId string,
	tokenSource TokenSource,
	presenceStore PresenceStore,
	settings *BoardClientSettings,
) (*BoardClient, error) {
	token, err := tokenSource.Token(ctx)
	if err != nil {
		return nil, err
	}
	participant, err := ParticipantFromToken(token)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)

	client := &BoardClient{
		ctx:                  cancelCtx,
		cancel:               cancel,
		boardId:              boardId,
		tokenSource:          tokenSource,
		participant:          *participant,
		settings:             settings,
		joinRequestCallbacks: NewCallbackList[JoinRequestFunction](),
		errorCallbacks:       NewCallbackList[ErrorFunction](),
	}

	client.api = NewBoardApi(cancelCtx, apiUrl, tokenSource)
	client.gate = NewJoinGate(cancelCtx, settings.GateSettings)
	client.typing = NewTypingAggregator(cancelCtx, client.emitTyping, settings.TypingSettings)
	client.session = NewBoardSession(cancelCtx, connectUrl, boardId, tokenSource, settings.SessionSettings)
	client.store = NewNoteStore(cancelCtx, boardId, client.api, client.forward, settings.StoreSettings)

	if presenceStore != nil {
		client.presenceStore = presenceStore
		client.presence = NewPresenceTracker(
			cancelCtx,
			presenceStore,
			boardId,
			*participant,
			settings.PresenceSettings,
		)
	}

	client.unsubs = append(
		client.unsubs,
		client.session.AddConnectCallback(client.connected),
		client.session.AddEventCallback(client.route),
		client.session.AddErrorCallback(client.sessionError),
	)

	return client, nil
}

// Start loads the historical notes and joins presence. Both are
// asynchronous; the live event stream is already flowing and history is
// merged additively underneath it.
func (self *BoardClient) Start() {
	go func() {
		if err := self.store.Load(self.ctx); err != nil {
			if self.ctx.Err() == nil {
				glog.Infof("[c]%s load error = %s\n", self.boardId, err)
				for _, errorCallback := range self.errorCallbacks.Get() {
					errorCallback(err)
				}
			}
		}
	}()

	if self.presence != nil {
		go func() {
			if err := self.presence.Join(self.ctx); err != nil {
				if self.ctx.Err() == nil {
					glog.Infof("[c]%s presence join error = %s\n", self.boardId, err)
				}
			}
		}()
	}
	if self.presenceStore != nil {
		go func() {
			_, err := self.presenceStore.Subscribe(self.ctx, self.boardId, CollectionTyping, self.typingSnapshot)
			if err != nil && self.ctx.Err() == nil {
				glog.Infof("[c]%s typing subscribe error = %s\n", self.boardId, err)
			}
		}()
	}
}

func (self *BoardClient) BoardId() string {
	return self.boardId
}

func (self *BoardClient) Participant() Participant {
	return self.participant
}

func (self *BoardClient) connected() {
	// board membership was just re-announced by the session. A reconnect
	// restarts the gate from idle.
	if self.gate.State().IsTerminal() {
		self.gate.Reset()
	}
	self.gate.Announce()
}

func (self *BoardClient) sessionError(err error) {
	for _, errorCallback := range self.errorCallbacks.Get() {
		errorCallback(err)
	}
}

// route fans one decoded inbound event out to the owning component. The
// switch is exhaustive over the closed event union.
func (self *BoardClient) route(event InboundEvent) {
	switch e := event.(type) {
	case *NewNoteEvent:
		self.store.OnRemoteCreate(e)
	case *NoteEditedEvent:
		self.store.OnRemoteEdit(e)
	case *NoteMovedEvent:
		self.store.OnRemoteMove(e)
	case *NoteDeletedEvent:
		self.store.OnRemoteDelete(e)
	case *LoadExistingNotesEvent:
		self.store.OnLoadExisting(e)
	case *JoinGrantedEvent:
		if e.BoardId == "" || e.BoardId == self.boardId {
			self.gate.OnJoinGranted(e.OthersCount)
		}
	case *WaitingForApprovalEvent:
		if e.BoardId == "" || e.BoardId == self.boardId {
			self.gate.OnWaitingForApproval()
		}
	case *JoinRejectedEvent:
		if e.BoardId == "" || e.BoardId == self.boardId {
			self.gate.OnJoinRejected()
			for _, errorCallback := range self.errorCallbacks.Get() {
				errorCallback(ErrJoinRejected)
			}
		}
	case *JoinDeniedEvent:
		for _, errorCallback := range self.errorCallbacks.Get() {
			errorCallback(ErrNotAuthenticated)
		}
	case *JoinRequestEvent:
		if e.BoardId == self.boardId {
			for _, joinRequestCallback := range self.joinRequestCallbacks.Get() {
				joinRequestCallback(e.User)
			}
		}
	case *UserTypingEvent:
		if e.BoardId != "" && e.BoardId != self.boardId {
			return
		}
		if e.Uid == self.participant.Uid {
			// ignore self
			return
		}
		self.typing.OnRemoteTyping(e.Uid, e.Name)
	case *UserListEvent:
		if e.BoardId != "" && e.BoardId != self.boardId {
			return
		}
		self.stateLock.Lock()
		self.onlineFromSession = slices.Clone(e.Users)
		self.stateLock.Unlock()
	}
}

// forward puts an optimistic local mutation on the wire with the identity
// token attached.
func (self *BoardClient) forward(event string, payload any) {
	if err := self.session.EmitWithToken(event, payload); err != nil {
		glog.Infof("[c]%s forward %s error = %s\n", self.boardId, event, err)
	}
}

func (self *BoardClient) emitTyping() {
	self.session.Emit(EventUserTyping, &UserTypingArgs{
		BoardId: self.boardId,
		Uid:     self.participant.Uid,
		Name:    self.participant.DisplayName,
	})

	if self.presenceStore != nil {
		// typing documents share the presence document shape; the last-typed
		// time rides in the heartbeat field
		go func() {
			putCtx, putCancel := context.WithTimeout(self.ctx, self.settings.PresenceSettings.LeaveTimeout)
			defer putCancel()
			now := time.Now()
			err := self.presenceStore.Put(putCtx, self.boardId, CollectionTyping, &PresenceEntry{
				Uid:         self.participant.Uid,
				DisplayName: self.participant.DisplayName,
				JoinedAt:    now,
				HeartbeatAt: now,
			})
			if err != nil && self.ctx.Err() == nil {
				glog.V(2).Infof("[c]%s typing publish error = %s\n", self.boardId, err)
			}
		}()
	}
}

// typing documents from the store feed the same aggregator as socket typing
// events; the aggregator's own quiet period expires them
func (self *BoardClient) typingSnapshot(entries []*PresenceEntry) {
	for _, entry := range entries {
		if entry.Uid == self.participant.Uid {
			continue
		}
		if self.settings.TypingSettings.QuietPeriod < time.Since(entry.HeartbeatAt) {
			continue
		}
		self.typing.OnRemoteTyping(entry.Uid, entry.DisplayName)
	}
}

// AddNote computes a free position, creates the note optimistically, and
// forwards the creation. Returns ErrBoardFull without creating anything when
// no position is free.
func (self *BoardClient) AddNote(text string, noteType NoteType) (*Note, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyNote
	}
	if !noteType.Valid() {
		noteType = NoteTypeNote
	}

	position, err := AllocatePositionWithSettings(
		self.store.Notes(),
		self.settings.CanvasBounds,
		self.settings.ReservedZones,
		self.settings.Placement,
	)
	if err != nil {
		return nil, err
	}

	note := &Note{
		Id:        NewId(),
		Text:      text,
		X:         position.X,
		Y:         position.Y,
		Type:      noteType,
		BoardId:   self.boardId,
		CreatedAt: time.Now(),
		Author:    self.participant,
	}
	self.store.CreateLocal(note)
	return note, nil
}

func (self *BoardClient) EditNote(note *Note) {
	self.store.EditLocal(note)
}

func (self *BoardClient) MoveNote(id Id, x float64, y float64) {
	self.store.MoveLocal(id, x, y)
}

func (self *BoardClient) DeleteNote(id Id) {
	self.store.DeleteLocal(id)
}

// Keystroke reports local typing. Emission on the wire is throttled to one
// per quiet period.
func (self *BoardClient) Keystroke() {
	self.typing.OnLocalKeystroke()
}

// ApproveJoin admits a waiting participant. Any current member may approve.
func (self *BoardClient) ApproveJoin(uid string) error {
	return self.session.Emit(EventApproveUser, &ModerateUserArgs{
		BoardId: self.boardId,
		Uid:     uid,
	})
}

func (self *BoardClient) RejectJoin(uid string) error {
	return self.session.Emit(EventRejectUser, &ModerateUserArgs{
		BoardId: self.boardId,
		Uid:     uid,
	})
}

func (self *BoardClient) Notes() []*Note {
	return self.store.Notes()
}

func (self *BoardClient) NotesByType(noteType NoteType) []*Note {
	return self.store.NotesByType(noteType)
}

func (self *BoardClient) GateState() JoinGateState {
	return self.gate.State()
}

func (self *BoardClient) GateOverlayVisible() bool {
	return self.gate.OverlayVisible()
}

func (self *BoardClient) TypingNames() []string {
	return self.typing.TypingNames()
}

// OnlineUsers prefers the presence store view and falls back to the
// session's user_list broadcasts.
func (self *BoardClient) OnlineUsers() []Participant {
	if self.presence != nil {
		entries := self.presence.OnlineUsers()
		users := make([]Participant, 0, len(entries))
		for _, entry := range entries {
			users = append(users, Participant{
				Uid:         entry.Uid,
				DisplayName: entry.DisplayName,
				Email:       entry.Email,
			})
		}
		return users
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.onlineFromSession)
}

func (self *BoardClient) AddNotesChangeCallback(changeCallback NoteChangeFunction) func() {
	return self.store.AddChangeCallback(changeCallback)
}

func (self *BoardClient) AddGateStateCallback(stateChangeCallback JoinGateStateChangeFunction) func() {
	return self.gate.AddStateChangeCallback(stateChangeCallback)
}

func (self *BoardClient) AddTypingChangeCallback(changeCallback TypingChangeFunction) func() {
	return self.typing.AddChangeCallback(changeCallback)
}

func (self *BoardClient) AddPresenceChangeCallback(changeCallback PresenceChangeFunction) func() {
	if self.presence == nil {
		return func() {}
	}
	return self.presence.AddChangeCallback(changeCallback)
}

func (self *BoardClient) AddJoinRequestCallback(joinRequestCallback JoinRequestFunction) func() {
	callbackId := self.joinRequestCallbacks.Add(joinRequestCallback)
	return func() {
		self.joinRequestCallbacks.Remove(callbackId)
	}
}

func (self *BoardClient) AddErrorCallback(errorCallback ErrorFunction) func() {
	callbackId := self.errorCallbacks.Add(errorCallback)
	return func() {
		self.errorCallbacks.Remove(callbackId)
	}
}

// Close fully tears the board session down: presence leave, socket leave,
// every subscription removed. Nothing owned by this client survives for the
// next board.
func (self *BoardClient) Close() {
	for _, unsub := range self.unsubs {
		unsub()
	}
	self.unsubs = nil

	if self.presence != nil {
		self.presence.Close()
	}
	self.session.Leave()
	self.typing.Close()
	self.gate.Close()
	self.store.Close()
	self.api.Close()
	self.joinRequestCallbacks.Clear()
	self.errorCallbacks.Clear()
	self.cancel()
}
