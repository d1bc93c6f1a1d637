package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"corkboard.io/board"
)

type RelaySettings struct {
	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
}

func DefaultRelaySettings() *RelaySettings {
	return &RelaySettings{
		WsHandshakeTimeout: 2 * time.Second,
		PingTimeout:        10 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        30 * time.Second,
		SendBufferSize:     32,
	}
}

type member struct {
	participant board.Participant
	conns       map[*conn]bool
}

type pendingJoin struct {
	participant board.Participant
	conn        *conn
}

type room struct {
	boardId string
	conns   map[*conn]bool
	members map[string]*member
	pending map[string]*pendingJoin
	notes   map[board.Id]*board.Note
}

func newRoom(boardId string) *room {
	return &room{
		boardId: boardId,
		conns:   map[*conn]bool{},
		members: map[string]*member{},
		pending: map[string]*pendingJoin{},
		notes:   map[board.Id]*board.Note{},
	}
}

// occupiedByOther is true when the room has at least one connection owned by
// a different uid. An unknown connection counts as occupied, the safer read.
func (self *room) occupiedByOther(uid string) bool {
	for c := range self.conns {
		if c.uid == "" || c.uid != uid {
			return true
		}
	}
	return false
}

func (self *room) othersCount(uid string) int {
	count := 0
	for memberUid := range self.members {
		if memberUid != uid {
			count += 1
		}
	}
	return count
}

func (self *room) userList() []board.Participant {
	users := make([]board.Participant, 0, len(self.members))
	uids := maps.Keys(self.members)
	// stable broadcast order
	slices.Sort(uids)
	for _, uid := range uids {
		users = append(users, self.members[uid].participant)
	}
	return users
}

func (self *room) noteList() []*board.Note {
	notes := make([]*board.Note, 0, len(self.notes))
	for _, note := range self.notes {
		notes = append(notes, note.Copy())
	}
	return notes
}

// Relay is the board event peer: websocket rooms keyed by boardId, join
// gating, note event broadcast with in-memory persistence, and the
// historical notes endpoint. One relay serves many boards.
type Relay struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *RelaySettings

	upgrader websocket.Upgrader

	stateLock sync.Mutex
	rooms     map[string]*room
}

func NewRelayWithDefaults(ctx context.Context) *Relay {
	return NewRelay(ctx, DefaultRelaySettings())
}

func NewRelay(ctx context.Context, settings *RelaySettings) *Relay {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Relay{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		rooms: map[string]*room{},
	}
}

func (self *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", self.serveWs)
	mux.HandleFunc("/api/notes", self.serveNotes)
	return mux
}

func (self *Relay) serveWs(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.V(2).Infof("[relay]upgrade error = %s\n", err)
		return
	}

	c := newConn(self, ws)
	go c.writePump()
	go c.readPump()
}

// GET /api/notes?boardId= with a bearer identity token
func (self *Relay) serveNotes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	authorization := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	if _, err := board.ParticipantFromToken(token); err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	boardId := r.URL.Query().Get("boardId")

	self.stateLock.Lock()
	notes := []*board.Note{}
	if room, ok := self.rooms[boardId]; ok {
		notes = room.noteList()
	}
	self.stateLock.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(notes)
}

// called with stateLock held
func (self *Relay) room(boardId string) *room {
	room, ok := self.rooms[boardId]
	if !ok {
		room = newRoom(boardId)
		self.rooms[boardId] = room
	}
	return room
}

func (self *Relay) join(c *conn, participant board.Participant, boardId string) {
	self.stateLock.Lock()
	room := self.room(boardId)

	if room.occupiedByOther(participant.Uid) {
		// approval is needed from a present member
		room.pending[participant.Uid] = &pendingJoin{
			participant: participant,
			conn:        c,
		}
		memberConns := maps.Keys(room.conns)
		self.stateLock.Unlock()

		c.emit(board.EventWaitingForApproval, &board.WaitingForApprovalEvent{BoardId: boardId})
		request := &board.JoinRequestEvent{
			BoardId: boardId,
			User:    participant,
		}
		for _, memberConn := range memberConns {
			memberConn.emit(board.EventJoinRequest, request)
		}
		glog.V(1).Infof("[relay]%s approval needed for %s\n", boardId, participant.Uid)
		return
	}

	self.grantLocked(room, c, participant)
	self.stateLock.Unlock()
	glog.V(1).Infof("[relay]%s auto join %s\n", boardId, participant.Uid)
}

// called with stateLock held. Queues the grant emits before returning so the
// joiner sees join_granted before any later broadcast.
func (self *Relay) grantLocked(room *room, c *conn, participant board.Participant) {
	othersCount := room.othersCount(participant.Uid)

	c.uid = participant.Uid
	c.boardId = room.boardId
	room.conns[c] = true
	m, ok := room.members[participant.Uid]
	if !ok {
		m = &member{
			participant: participant,
			conns:       map[*conn]bool{},
		}
		room.members[participant.Uid] = m
	}
	m.conns[c] = true

	c.emit(board.EventJoinGranted, &board.JoinGrantedEvent{
		BoardId:     room.boardId,
		OthersCount: othersCount,
	})
	c.emitRaw(board.EventLoadExistingNotes, room.noteList())
	self.broadcastUserListLocked(room)
}

func (self *Relay) approve(approver *conn, boardId string, uid string) {
	self.stateLock.Lock()
	room, ok := self.rooms[boardId]
	if !ok || !room.conns[approver] {
		self.stateLock.Unlock()
		return
	}
	pending, ok := room.pending[uid]
	if !ok {
		self.stateLock.Unlock()
		glog.V(1).Infof("[relay]%s approve failed, no pending %s\n", boardId, uid)
		return
	}
	delete(room.pending, uid)
	self.grantLocked(room, pending.conn, pending.participant)
	self.stateLock.Unlock()
	glog.V(1).Infof("[relay]%s approved %s\n", boardId, uid)
}

func (self *Relay) reject(rejecter *conn, boardId string, uid string) {
	self.stateLock.Lock()
	room, ok := self.rooms[boardId]
	if !ok || !room.conns[rejecter] {
		self.stateLock.Unlock()
		return
	}
	pending, ok := room.pending[uid]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	delete(room.pending, uid)
	self.stateLock.Unlock()

	pending.conn.emit(board.EventJoinRejected, &board.JoinRejectedEvent{BoardId: boardId})
	glog.V(1).Infof("[relay]%s rejected %s\n", boardId, uid)
}

func (self *Relay) leave(c *conn) {
	self.stateLock.Lock()
	room, ok := self.rooms[c.boardId]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	self.removeConnLocked(room, c)
	self.broadcastUserListLocked(room)
	self.stateLock.Unlock()
}

// disconnect purges the connection from every room and pending list
func (self *Relay) disconnect(c *conn) {
	self.stateLock.Lock()
	for _, room := range self.rooms {
		if room.conns[c] {
			self.removeConnLocked(room, c)
			self.broadcastUserListLocked(room)
		}
		for uid, pending := range room.pending {
			if pending.conn == c {
				delete(room.pending, uid)
			}
		}
	}
	self.stateLock.Unlock()

	c.close()
}

// called with stateLock held
func (self *Relay) removeConnLocked(room *room, c *conn) {
	delete(room.conns, c)
	if m, ok := room.members[c.uid]; ok {
		delete(m.conns, c)
		if len(m.conns) == 0 {
			delete(room.members, c.uid)
		}
	}
}

// called with stateLock held
func (self *Relay) broadcastUserListLocked(room *room) {
	event := &board.UserListEvent{
		BoardId: room.boardId,
		Users:   room.userList(),
	}
	for memberConn := range room.conns {
		memberConn.emit(board.EventUserList, event)
	}
}

// broadcast queues an event to every granted connection in the room except
// the sender, matching the event protocol's echo semantics.
func (self *Relay) broadcast(boardId string, exclude *conn, event string, payload any) {
	self.stateLock.Lock()
	room, ok := self.rooms[boardId]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	targets := make([]*conn, 0, len(room.conns))
	for memberConn := range room.conns {
		if memberConn != exclude {
			targets = append(targets, memberConn)
		}
	}
	self.stateLock.Unlock()

	for _, target := range targets {
		target.emitRaw(event, payload)
	}
}

func (self *Relay) Close() {
	self.cancel()

	self.stateLock.Lock()
	conns := []*conn{}
	for _, room := range self.rooms {
		for c := range room.conns {
			conns = append(conns, c)
		}
	}
	maps.Clear(self.rooms)
	self.stateLock.Unlock()

	for _, c := range conns {
		c.close()
	}
}
