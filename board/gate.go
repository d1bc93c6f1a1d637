package board

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// gate state machine is:
// JoinGateStateIdle
//
//	-> JoinGateStateRequesting
//	  -> JoinGateStateGranted (terminal)
//	  -> JoinGateStateWaitingApproval
//	    -> JoinGateStateGranted (terminal)
//	    -> JoinGateStateRejected (terminal)
//
// terminal states only reset via a full disconnect/reconnect.
type JoinGateState string

const (
	JoinGateStateIdle            JoinGateState = "idle"
	JoinGateStateRequesting      JoinGateState = "requesting"
	JoinGateStateWaitingApproval JoinGateState = "waiting_approval"
	JoinGateStateGranted         JoinGateState = "granted"
	JoinGateStateRejected        JoinGateState = "rejected"
)

func (self JoinGateState) IsTerminal() bool {
	switch self {
	case JoinGateStateGranted, JoinGateStateRejected:
		return true
	default:
		return false
	}
}

type JoinGateSettings struct {
	// the board must never become permanently inaccessible because a grant
	// signal was missed. After this wait the gate force-grants.
	FailsafeTimeout time.Duration
	// how long the granted overlay stays visible
	OverlayDuration time.Duration
}

func DefaultJoinGateSettings() *JoinGateSettings {
	return &JoinGateSettings{
		FailsafeTimeout: 15 * time.Second,
		OverlayDuration: 2800 * time.Millisecond,
	}
}

type JoinGateStateChangeFunction = func(state JoinGateState, overlayVisible bool)

// JoinGate decides whether this participant proceeds directly onto the board
// or waits for an admission signal. It is a UX affordance, not access
// control: any participant with a valid token is eventually granted.
type JoinGate struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *JoinGateSettings

	stateLock      sync.Mutex
	state          JoinGateState
	othersCount    int
	overlayVisible bool
	failsafeTimer  *time.Timer
	overlayTimer   *time.Timer

	stateChangeCallbacks *CallbackList[JoinGateStateChangeFunction]
}

func NewJoinGateWithDefaults(ctx context.Context) *JoinGate {
	return NewJoinGate(ctx, DefaultJoinGateSettings())
}

func NewJoinGate(ctx context.Context, settings *JoinGateSettings) *JoinGate {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &JoinGate{
		ctx:                  cancelCtx,
		cancel:               cancel,
		settings:             settings,
		state:                JoinGateStateIdle,
		stateChangeCallbacks: NewCallbackList[JoinGateStateChangeFunction](),
	}
}

func (self *JoinGate) AddStateChangeCallback(stateChangeCallback JoinGateStateChangeFunction) func() {
	callbackId := self.stateChangeCallbacks.Add(stateChangeCallback)
	return func() {
		self.stateChangeCallbacks.Remove(callbackId)
	}
}

func (self *JoinGate) State() JoinGateState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *JoinGate) OverlayVisible() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.overlayVisible
}

// OthersCount is the number of other participants reported at grant time.
func (self *JoinGate) OthersCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.othersCount
}

// Announce marks board membership as requested. Called when the session
// connects and the join announcement goes on the wire.
func (self *JoinGate) Announce() {
	self.stateLock.Lock()
	if self.state != JoinGateStateIdle {
		self.stateLock.Unlock()
		return
	}
	self.state = JoinGateStateRequesting
	if self.failsafeTimer != nil {
		self.failsafeTimer.Stop()
	}
	self.failsafeTimer = time.AfterFunc(self.settings.FailsafeTimeout, self.failsafe)
	self.stateLock.Unlock()

	self.stateChange()
}

func (self *JoinGate) OnWaitingForApproval() {
	self.stateLock.Lock()
	if self.state != JoinGateStateRequesting {
		self.stateLock.Unlock()
		return
	}
	self.state = JoinGateStateWaitingApproval
	self.stateLock.Unlock()

	self.stateChange()
}

func (self *JoinGate) OnJoinGranted(othersCount int) {
	self.stateLock.Lock()
	if self.state.IsTerminal() || self.state == JoinGateStateIdle {
		self.stateLock.Unlock()
		return
	}
	self.othersCount = othersCount

	passedWaiting := false
	if self.state == JoinGateStateRequesting && 0 < othersCount {
		// others were present, the grant was an admission signal
		self.state = JoinGateStateWaitingApproval
		passedWaiting = true
	}
	self.stateLock.Unlock()
	if passedWaiting {
		self.stateChange()
	}

	self.stateLock.Lock()
	if self.state.IsTerminal() {
		// the failsafe fired while the waiting notification was out
		self.stateLock.Unlock()
		return
	}
	fromWaiting := self.state == JoinGateStateWaitingApproval
	self.state = JoinGateStateGranted
	if self.failsafeTimer != nil {
		self.failsafeTimer.Stop()
		self.failsafeTimer = nil
	}
	if fromWaiting {
		// only gated participants see the overlay. The first participant
		// goes straight onto the board.
		self.overlayVisible = true
		if self.overlayTimer != nil {
			self.overlayTimer.Stop()
		}
		self.overlayTimer = time.AfterFunc(self.settings.OverlayDuration, self.hideOverlay)
	}
	self.stateLock.Unlock()

	self.stateChange()
}

func (self *JoinGate) OnJoinRejected() {
	self.stateLock.Lock()
	if self.state.IsTerminal() || self.state == JoinGateStateIdle {
		self.stateLock.Unlock()
		return
	}
	self.state = JoinGateStateRejected
	self.overlayVisible = false
	self.stopTimers()
	self.stateLock.Unlock()

	self.stateChange()
}

// Reset restarts the machine at idle. Called on full disconnect/reconnect.
func (self *JoinGate) Reset() {
	self.stateLock.Lock()
	self.state = JoinGateStateIdle
	self.othersCount = 0
	self.overlayVisible = false
	self.stopTimers()
	self.stateLock.Unlock()

	self.stateChange()
}

func (self *JoinGate) failsafe() {
	self.stateLock.Lock()
	if self.state.IsTerminal() || self.state == JoinGateStateIdle {
		self.stateLock.Unlock()
		return
	}
	glog.Infof("[gate]failsafe grant after %s\n", self.settings.FailsafeTimeout)
	self.state = JoinGateStateGranted
	self.overlayVisible = false
	self.failsafeTimer = nil
	self.stateLock.Unlock()

	self.stateChange()
}

func (self *JoinGate) hideOverlay() {
	self.stateLock.Lock()
	if !self.overlayVisible {
		self.stateLock.Unlock()
		return
	}
	self.overlayVisible = false
	self.overlayTimer = nil
	self.stateLock.Unlock()

	self.stateChange()
}

// called with stateLock held
func (self *JoinGate) stopTimers() {
	if self.failsafeTimer != nil {
		self.failsafeTimer.Stop()
		self.failsafeTimer = nil
	}
	if self.overlayTimer != nil {
		self.overlayTimer.Stop()
		self.overlayTimer = nil
	}
}

func (self *JoinGate) stateChange() {
	self.stateLock.Lock()
	state := self.state
	overlayVisible := self.overlayVisible
	self.stateLock.Unlock()

	for _, stateChangeCallback := range self.stateChangeCallbacks.Get() {
		stateChangeCallback(state, overlayVisible)
	}
}

func (self *JoinGate) Close() {
	self.cancel()

	self.stateLock.Lock()
	self.stopTimers()
	self.stateLock.Unlock()
	self.stateChangeCallbacks.Clear()
}
