package board

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

type PresenceCollection string

const (
	CollectionPresence PresenceCollection = "presence"
	CollectionTyping   PresenceCollection = "typing"
)

type PresenceEntry struct {
	Uid         string    `json:"uid"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email,omitempty"`
	JoinedAt    time.Time `json:"joinedAt"`
	HeartbeatAt time.Time `json:"heartbeatAt"`
}

type SnapshotFunction = func(entries []*PresenceEntry)

// PresenceStore is the external multi-writer document store for ephemeral
// participant state: one document per participant under a board-scoped
// collection. Subscriptions deliver the full current set on every change,
// never incremental diffs.
type PresenceStore interface {
	Put(ctx context.Context, boardId string, collection PresenceCollection, entry *PresenceEntry) error
	Remove(ctx context.Context, boardId string, collection PresenceCollection, uid string) error
	Subscribe(ctx context.Context, boardId string, collection PresenceCollection, snapshot SnapshotFunction) (func(), error)
}

type PresenceChangeFunction = func(entries []*PresenceEntry)

type PresenceTrackerSettings struct {
	// how often this client refreshes its own document
	HeartbeatTimeout time.Duration
	// bound on the best-effort leave write
	LeaveTimeout time.Duration
}

func DefaultPresenceTrackerSettings() *PresenceTrackerSettings {
	return &PresenceTrackerSettings{
		HeartbeatTimeout: 25 * time.Second,
		LeaveTimeout:     2 * time.Second,
	}
}

// PresenceTracker publishes this participant's join/heartbeat/leave documents
// and mirrors the board's online set from store snapshots. The local set is
// replaced wholesale on every snapshot, which sidesteps ordering and
// duplicate problems. Presence is eventually consistent and never
// authoritative for security decisions.
type PresenceTracker struct {
	ctx    context.Context
	cancel context.CancelFunc

	boardId     string
	participant Participant
	store       PresenceStore

	settings *PresenceTrackerSettings

	stateLock   sync.Mutex
	online      []*PresenceEntry
	joinedAt    time.Time
	unsubscribe func()

	changeCallbacks *CallbackList[PresenceChangeFunction]
}

func NewPresenceTrackerWithDefaults(
	ctx context.Context,
	store PresenceStore,
	boardId string,
	participant Participant,
) *PresenceTracker {
	return NewPresenceTracker(ctx, store, boardId, participant, DefaultPresenceTrackerSettings())
}

func NewPresenceTracker(
	ctx context.Context,
	store PresenceStore,
	boardId string,
	participant Participant,
	settings *PresenceTrackerSettings,
) *PresenceTracker {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &PresenceTracker{
		ctx:             cancelCtx,
		cancel:          cancel,
		boardId:         boardId,
		participant:     participant,
		store:           store,
		settings:        settings,
		changeCallbacks: NewCallbackList[PresenceChangeFunction](),
	}
}

func (self *PresenceTracker) AddChangeCallback(changeCallback PresenceChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

// Join writes this participant's presence document and starts streaming the
// board's online set. Idempotent: re-joining overwrites, never duplicates.
func (self *PresenceTracker) Join(ctx context.Context) error {
	self.stateLock.Lock()
	if self.joinedAt.IsZero() {
		self.joinedAt = time.Now()
	}
	joinedAt := self.joinedAt
	subscribed := self.unsubscribe != nil
	self.stateLock.Unlock()

	entry := &PresenceEntry{
		Uid:         self.participant.Uid,
		DisplayName: self.participant.DisplayName,
		Email:       self.participant.Email,
		JoinedAt:    joinedAt,
		HeartbeatAt: time.Now(),
	}
	if err := self.store.Put(ctx, self.boardId, CollectionPresence, entry); err != nil {
		return err
	}

	if !subscribed {
		unsubscribe, err := self.store.Subscribe(self.ctx, self.boardId, CollectionPresence, self.snapshot)
		if err != nil {
			return err
		}
		self.stateLock.Lock()
		self.unsubscribe = unsubscribe
		self.stateLock.Unlock()

		go self.heartbeat()
	}
	return nil
}

func (self *PresenceTracker) heartbeat() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.HeartbeatTimeout):
		}

		self.stateLock.Lock()
		joinedAt := self.joinedAt
		self.stateLock.Unlock()

		entry := &PresenceEntry{
			Uid:         self.participant.Uid,
			DisplayName: self.participant.DisplayName,
			Email:       self.participant.Email,
			JoinedAt:    joinedAt,
			HeartbeatAt: time.Now(),
		}
		if err := self.store.Put(self.ctx, self.boardId, CollectionPresence, entry); err != nil {
			glog.V(2).Infof("[p]%s heartbeat error = %s\n", self.boardId, err)
		}
	}
}

// replace the local set wholesale on each snapshot
func (self *PresenceTracker) snapshot(entries []*PresenceEntry) {
	online := make([]*PresenceEntry, len(entries))
	copy(online, entries)
	slices.SortFunc(online, func(a *PresenceEntry, b *PresenceEntry) int {
		if a.JoinedAt.Before(b.JoinedAt) {
			return -1
		} else if b.JoinedAt.Before(a.JoinedAt) {
			return 1
		}
		return 0
	})

	self.stateLock.Lock()
	self.online = online
	self.stateLock.Unlock()

	for _, changeCallback := range self.changeCallbacks.Get() {
		changeCallback(online)
	}
}

func (self *PresenceTracker) OnlineUsers() []*PresenceEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	online := make([]*PresenceEntry, len(self.online))
	copy(online, self.online)
	return online
}

// Leave removes this participant's own document, best effort. Guaranteed
// cleanup is not assumed; stale documents age out of snapshots by heartbeat.
func (self *PresenceTracker) Leave() {
	self.stateLock.Lock()
	unsubscribe := self.unsubscribe
	self.unsubscribe = nil
	self.stateLock.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), self.settings.LeaveTimeout)
	defer leaveCancel()
	if err := self.store.Remove(leaveCtx, self.boardId, CollectionPresence, self.participant.Uid); err != nil {
		glog.V(2).Infof("[p]%s leave error = %s\n", self.boardId, err)
	}

	self.cancel()
}

func (self *PresenceTracker) Close() {
	self.Leave()
	self.changeCallbacks.Clear()
}
