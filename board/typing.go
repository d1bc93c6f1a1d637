package board

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type TypingEntry struct {
	Uid         string
	DisplayName string
	LastTyped   time.Time
}

type TypingSettings struct {
	// a typing entry expires after this quiet period with no refresh.
	// expiry is a local timer, independent of any remote stop signal.
	QuietPeriod time.Duration
}

func DefaultTypingSettings() *TypingSettings {
	return &TypingSettings{
		QuietPeriod: 3 * time.Second,
	}
}

type TypingChangeFunction = func(typingNames []string)

type EmitTypingFunction = func()

// TypingAggregator maintains the set of currently typing participants.
// One timer per uid, reset on every remote keystroke, so a missed expiry
// self-heals on the next event for that participant.
type TypingAggregator struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *TypingSettings

	// fired when a throttled local keystroke is due on the wire
	emit EmitTypingFunction

	stateLock     sync.Mutex
	entries       map[string]*TypingEntry
	expireTimers  map[string]*time.Timer
	lastLocalEmit time.Time

	changeCallbacks *CallbackList[TypingChangeFunction]
}

func NewTypingAggregatorWithDefaults(ctx context.Context, emit EmitTypingFunction) *TypingAggregator {
	return NewTypingAggregator(ctx, emit, DefaultTypingSettings())
}

func NewTypingAggregator(
	ctx context.Context,
	emit EmitTypingFunction,
	settings *TypingSettings,
) *TypingAggregator {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &TypingAggregator{
		ctx:             cancelCtx,
		cancel:          cancel,
		settings:        settings,
		emit:            emit,
		entries:         map[string]*TypingEntry{},
		expireTimers:    map[string]*time.Timer{},
		changeCallbacks: NewCallbackList[TypingChangeFunction](),
	}
}

func (self *TypingAggregator) AddChangeCallback(changeCallback TypingChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

// OnRemoteTyping inserts or refreshes the entry for uid and re-arms its
// expiry timer.
func (self *TypingAggregator) OnRemoteTyping(uid string, name string) {
	self.stateLock.Lock()
	select {
	case <-self.ctx.Done():
		self.stateLock.Unlock()
		return
	default:
	}
	self.entries[uid] = &TypingEntry{
		Uid:         uid,
		DisplayName: name,
		LastTyped:   time.Now(),
	}
	if expireTimer, ok := self.expireTimers[uid]; ok {
		expireTimer.Stop()
	}
	self.expireTimers[uid] = time.AfterFunc(self.settings.QuietPeriod, func() {
		self.expire(uid)
	})
	self.stateLock.Unlock()

	self.change()
}

func (self *TypingAggregator) expire(uid string) {
	self.stateLock.Lock()
	entry, ok := self.entries[uid]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	if time.Since(entry.LastTyped) < self.settings.QuietPeriod {
		// refreshed since this timer was armed
		self.stateLock.Unlock()
		return
	}
	delete(self.entries, uid)
	delete(self.expireTimers, uid)
	self.stateLock.Unlock()

	self.change()
}

// OnLocalKeystroke emits a typing signal on the wire, throttled so that at
// most one emission occurs per quiet period.
func (self *TypingAggregator) OnLocalKeystroke() {
	self.stateLock.Lock()
	now := time.Now()
	due := self.settings.QuietPeriod <= now.Sub(self.lastLocalEmit)
	if due {
		self.lastLocalEmit = now
	}
	emit := self.emit
	self.stateLock.Unlock()

	if due && emit != nil {
		emit()
	}
}

// TypingNames returns the display names currently typing, one per uid,
// sorted for a stable rendering order.
func (self *TypingAggregator) TypingNames() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	names := make([]string, 0, len(self.entries))
	for _, entry := range self.entries {
		names = append(names, entry.DisplayName)
	}
	slices.Sort(names)
	return names
}

func (self *TypingAggregator) change() {
	typingNames := self.TypingNames()
	for _, changeCallback := range self.changeCallbacks.Get() {
		changeCallback(typingNames)
	}
}

func (self *TypingAggregator) Close() {
	self.cancel()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, expireTimer := range self.expireTimers {
		expireTimer.Stop()
	}
	maps.Clear(self.expireTimers)
	maps.Clear(self.entries)
	self.changeCallbacks.Clear()
}
