package board

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type NoteChangeFunction = func(notes []*Note)

// ForwardFunction puts a local mutation on the wire. The store applies the
// mutation optimistically before forwarding.
type ForwardFunction = func(event string, payload any)

type NoteStoreSettings struct {
	// bound on the historical fetch
	LoadTimeout time.Duration
}

func DefaultNoteStoreSettings() *NoteStoreSettings {
	return &NoteStoreSettings{
		LoadTimeout: 8 * time.Second,
	}
}

// NoteStore is the authoritative local replica of one board's notes.
//
// Conflict resolution is arrival order: a remote create for an id that
// already exists is a no-op, and remote edits/moves overwrite the mutable
// fields unconditionally. The last write observed locally wins. Events for a
// different board are dropped, which guards against cross-board leakage from
// a shared transport.
type NoteStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	boardId string
	api     *BoardApi
	forward ForwardFunction

	settings *NoteStoreSettings

	stateLock sync.Mutex
	notes     map[Id]*Note
	loaded    bool

	changeCallbacks *CallbackList[NoteChangeFunction]
}

func NewNoteStoreWithDefaults(
	ctx context.Context,
	boardId string,
	api *BoardApi,
	forward ForwardFunction,
) *NoteStore {
	return NewNoteStore(ctx, boardId, api, forward, DefaultNoteStoreSettings())
}

func NewNoteStore(
	ctx context.Context,
	boardId string,
	api *BoardApi,
	forward ForwardFunction,
	settings *NoteStoreSettings,
) *NoteStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &NoteStore{
		ctx:             cancelCtx,
		cancel:          cancel,
		boardId:         boardId,
		api:             api,
		forward:         forward,
		settings:        settings,
		notes:           map[Id]*Note{},
		changeCallbacks: NewCallbackList[NoteChangeFunction](),
	}
}

func (self *NoteStore) BoardId() string {
	return self.boardId
}

func (self *NoteStore) AddChangeCallback(changeCallback NoteChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

// Load fetches the historical notes once and merges them additively: a
// fetched note never replaces an entry that live events already created or
// removed state for. A slow fetch racing fast remote events must not roll
// the replica back.
func (self *NoteStore) Load(ctx context.Context) error {
	loadCtx, loadCancel := context.WithTimeout(ctx, self.settings.LoadTimeout)
	defer loadCancel()

	notes, err := self.api.GetNotesSync(loadCtx, self.boardId)
	if err != nil {
		return err
	}

	select {
	case <-self.ctx.Done():
		// the board changed while the fetch was in flight. Discard.
		return self.ctx.Err()
	default:
	}

	self.stateLock.Lock()
	for _, note := range notes {
		if note.BoardId != self.boardId {
			continue
		}
		if _, ok := self.notes[note.Id]; !ok {
			self.notes[note.Id] = note.Copy()
		}
	}
	self.loaded = true
	self.stateLock.Unlock()

	glog.V(2).Infof("[store]%s loaded %d notes\n", self.boardId, len(notes))
	self.change()
	return nil
}

func (self *NoteStore) Loaded() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.loaded
}

// CreateLocal inserts the note optimistically and forwards the creation.
// The remote echo of the same id later no-ops in OnRemoteCreate.
func (self *NoteStore) CreateLocal(note *Note) {
	if note.BoardId != self.boardId {
		return
	}

	self.stateLock.Lock()
	if _, ok := self.notes[note.Id]; ok {
		self.stateLock.Unlock()
		return
	}
	self.notes[note.Id] = note.Copy()
	self.stateLock.Unlock()

	if self.forward != nil {
		self.forward(EventCreateNote, &NoteArgs{Note: *note})
	}
	self.change()
}

func (self *NoteStore) EditLocal(note *Note) {
	if note.BoardId != self.boardId {
		return
	}

	self.stateLock.Lock()
	current, ok := self.notes[note.Id]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	current.Text = note.Text
	current.X = note.X
	current.Y = note.Y
	current.Type = note.Type
	edited := *current
	self.stateLock.Unlock()

	if self.forward != nil {
		self.forward(EventEditNote, &NoteArgs{Note: edited})
	}
	self.change()
}

func (self *NoteStore) MoveLocal(id Id, x float64, y float64) {
	self.stateLock.Lock()
	current, ok := self.notes[id]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	current.X = x
	current.Y = y
	self.stateLock.Unlock()

	if self.forward != nil {
		self.forward(EventMoveNote, &MoveNoteArgs{
			Id:      id,
			X:       x,
			Y:       y,
			BoardId: self.boardId,
		})
	}
	self.change()
}

func (self *NoteStore) DeleteLocal(id Id) {
	self.stateLock.Lock()
	_, ok := self.notes[id]
	if ok {
		delete(self.notes, id)
	}
	self.stateLock.Unlock()

	if ok && self.forward != nil {
		self.forward(EventDeleteNote, &DeleteNoteArgs{
			Id:      id,
			BoardId: self.boardId,
		})
	}
	if ok {
		self.change()
	}
}

// OnRemoteCreate applies a broadcast creation. A duplicate id is a silent
// no-op. This is the sole de-duplication mechanism.
func (self *NoteStore) OnRemoteCreate(event *NewNoteEvent) {
	if event.BoardId != self.boardId {
		return
	}

	self.stateLock.Lock()
	if _, ok := self.notes[event.Note.Id]; ok {
		self.stateLock.Unlock()
		return
	}
	self.notes[event.Note.Id] = event.Note.Copy()
	self.stateLock.Unlock()

	self.change()
}

// OnRemoteEdit overwrites the mutable fields unconditionally. Two
// near-simultaneous edits race; the event that arrives last here wins.
func (self *NoteStore) OnRemoteEdit(event *NoteEditedEvent) {
	if event.BoardId != self.boardId {
		return
	}

	self.stateLock.Lock()
	current, ok := self.notes[event.Note.Id]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	current.Text = event.Note.Text
	current.X = event.Note.X
	current.Y = event.Note.Y
	current.Type = event.Note.Type
	self.stateLock.Unlock()

	self.change()
}

func (self *NoteStore) OnRemoteMove(event *NoteMovedEvent) {
	if event.BoardId != self.boardId {
		return
	}

	self.stateLock.Lock()
	current, ok := self.notes[event.Id]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	current.X = event.X
	current.Y = event.Y
	self.stateLock.Unlock()

	self.change()
}

// OnRemoteDelete removes the entry. An already absent id is a silent no-op.
func (self *NoteStore) OnRemoteDelete(event *NoteDeletedEvent) {
	self.stateLock.Lock()
	_, ok := self.notes[event.Id]
	if ok {
		delete(self.notes, event.Id)
	}
	self.stateLock.Unlock()

	if ok {
		self.change()
	}
}

// OnLoadExisting merges a pushed history snapshot additively, same rule as
// Load.
func (self *NoteStore) OnLoadExisting(event *LoadExistingNotesEvent) {
	self.stateLock.Lock()
	changed := false
	for _, note := range event.Notes {
		if note.BoardId != self.boardId {
			continue
		}
		if _, ok := self.notes[note.Id]; !ok {
			self.notes[note.Id] = note.Copy()
			changed = true
		}
	}
	self.loaded = true
	self.stateLock.Unlock()

	if changed {
		self.change()
	}
}

func (self *NoteStore) Get(id Id) (*Note, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	note, ok := self.notes[id]
	if !ok {
		return nil, false
	}
	return note.Copy(), true
}

func (self *NoteStore) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.notes)
}

// Notes returns a copy of the replica in a stable order.
func (self *NoteStore) Notes() []*Note {
	self.stateLock.Lock()
	notes := make([]*Note, 0, len(self.notes))
	for _, note := range self.notes {
		notes = append(notes, note.Copy())
	}
	self.stateLock.Unlock()

	slices.SortFunc(notes, func(a *Note, b *Note) int {
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		} else if b.CreatedAt.Before(a.CreatedAt) {
			return 1
		} else if a.Id.LessThan(b.Id) {
			return -1
		} else if b.Id.LessThan(a.Id) {
			return 1
		}
		return 0
	})
	return notes
}

// NotesByType is the derived filtered view.
func (self *NoteStore) NotesByType(noteType NoteType) []*Note {
	filtered := []*Note{}
	for _, note := range self.Notes() {
		if note.Type == noteType {
			filtered = append(filtered, note)
		}
	}
	return filtered
}

func (self *NoteStore) change() {
	notes := self.Notes()
	for _, changeCallback := range self.changeCallbacks.Get() {
		changeCallback(notes)
	}
}

func (self *NoteStore) Close() {
	self.cancel()

	self.stateLock.Lock()
	maps.Clear(self.notes)
	self.stateLock.Unlock()
	self.changeCallbacks.Clear()
}
