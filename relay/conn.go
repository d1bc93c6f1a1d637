package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"corkboard.io/board"
)

type conn struct {
	relay *Relay
	ws    *websocket.Conn

	// send is never closed. A racing emit against teardown must not panic,
	// so teardown signals the write pump with done instead.
	send chan []byte
	done chan struct{}

	closeLock sync.Mutex
	closed    bool

	// set when the join is granted
	uid     string
	boardId string
}

func newConn(relay *Relay, ws *websocket.Conn) *conn {
	return &conn{
		relay: relay,
		ws:    ws,
		send:  make(chan []byte, relay.settings.SendBufferSize),
		done:  make(chan struct{}),
	}
}

func (self *conn) emit(event string, payload any) {
	self.emitRaw(event, payload)
}

func (self *conn) emitRaw(event string, payload any) {
	message, err := board.EncodeEvent(event, payload)
	if err != nil {
		glog.Infof("[relay]encode %s error = %s\n", event, err)
		return
	}
	self.closeLock.Lock()
	closed := self.closed
	self.closeLock.Unlock()
	if closed {
		return
	}
	select {
	case self.send <- message:
	default:
		// slow consumer. Drop rather than stall the room.
		glog.V(2).Infof("[relay]drop -> %s\n", self.uid)
	}
}

func (self *conn) close() {
	self.closeLock.Lock()
	if self.closed {
		self.closeLock.Unlock()
		return
	}
	self.closed = true
	self.closeLock.Unlock()

	close(self.done)
	self.ws.Close()
}

func (self *conn) writePump() {
	settings := self.relay.settings
	for {
		select {
		case <-self.relay.ctx.Done():
			return
		case <-self.done:
			return
		case message := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-time.After(settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (self *conn) readPump() {
	defer self.relay.disconnect(self)

	settings := self.relay.settings
	self.ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
	self.ws.SetPongHandler(func(string) error {
		self.ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		return nil
	})

	for {
		self.ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[relay]<- error = %s\n", err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		self.handle(message)
	}
}

// handle routes one client event. Events with an invalid identity token are
// dropped; the board never reflects an unauthenticated write.
func (self *conn) handle(message []byte) {
	envelope, err := board.DecodeEnvelope(message)
	if err != nil {
		glog.V(2).Infof("[relay]bad envelope = %s\n", err)
		return
	}

	decode := func(payload any) bool {
		if err := json.Unmarshal(envelope.Payload, payload); err != nil {
			glog.V(2).Infof("[relay]bad %s payload = %s\n", envelope.Event, err)
			return false
		}
		return true
	}

	switch envelope.Event {
	case board.EventJoinBoard:
		args := &board.JoinBoardArgs{}
		if !decode(args) {
			return
		}
		participant, err := board.ParticipantFromToken(args.Token)
		if err != nil {
			self.emit(board.EventJoinDenied, &board.JoinDeniedEvent{
				Reason: "invalid or missing token",
			})
			return
		}
		self.relay.join(self, *participant, args.BoardId)

	case board.EventApproveUser:
		args := &board.ModerateUserArgs{}
		if !decode(args) {
			return
		}
		self.relay.approve(self, args.BoardId, args.Uid)

	case board.EventRejectUser:
		args := &board.ModerateUserArgs{}
		if !decode(args) {
			return
		}
		self.relay.reject(self, args.BoardId, args.Uid)

	case board.EventLeaveBoard:
		self.relay.leave(self)

	case board.EventCreateNote:
		args := &board.NoteArgs{}
		if !decode(args) {
			return
		}
		author, err := board.ParticipantFromToken(args.Token)
		if err != nil {
			glog.V(1).Infof("[relay]unauthorized create from %s\n", self.uid)
			return
		}
		note := args.Note.Copy()
		if note.Author.Uid == "" {
			note.Author = *author
		}
		if note.CreatedAt.IsZero() {
			note.CreatedAt = time.Now()
		}

		self.relay.stateLock.Lock()
		room := self.relay.room(note.BoardId)
		if _, ok := room.notes[note.Id]; !ok {
			room.notes[note.Id] = note
		}
		self.relay.stateLock.Unlock()

		self.relay.broadcast(note.BoardId, self, board.EventNewNote, note)

	case board.EventEditNote:
		args := &board.NoteArgs{}
		if !decode(args) {
			return
		}
		if _, err := board.ParticipantFromToken(args.Token); err != nil {
			glog.V(1).Infof("[relay]unauthorized edit from %s\n", self.uid)
			return
		}

		self.relay.stateLock.Lock()
		room := self.relay.room(args.BoardId)
		if note, ok := room.notes[args.Id]; ok {
			note.Text = args.Text
			note.X = args.X
			note.Y = args.Y
			note.Type = args.Type
		}
		self.relay.stateLock.Unlock()

		self.relay.broadcast(args.BoardId, self, board.EventNoteEdited, &board.NoteEditedEvent{Note: args.Note})

	case board.EventMoveNote:
		args := &board.MoveNoteArgs{}
		if !decode(args) {
			return
		}
		if _, err := board.ParticipantFromToken(args.Token); err != nil {
			glog.V(1).Infof("[relay]unauthorized move from %s\n", self.uid)
			return
		}

		self.relay.stateLock.Lock()
		room := self.relay.room(args.BoardId)
		if note, ok := room.notes[args.Id]; ok {
			note.X = args.X
			note.Y = args.Y
		}
		self.relay.stateLock.Unlock()

		self.relay.broadcast(args.BoardId, self, board.EventNoteMoved, &board.NoteMovedEvent{
			Id:      args.Id,
			X:       args.X,
			Y:       args.Y,
			BoardId: args.BoardId,
		})

	case board.EventDeleteNote:
		args := &board.DeleteNoteArgs{}
		if !decode(args) {
			return
		}
		if _, err := board.ParticipantFromToken(args.Token); err != nil {
			glog.V(1).Infof("[relay]unauthorized delete from %s\n", self.uid)
			return
		}

		self.relay.stateLock.Lock()
		room := self.relay.room(args.BoardId)
		delete(room.notes, args.Id)
		self.relay.stateLock.Unlock()

		self.relay.broadcast(args.BoardId, self, board.EventNoteDeleted, &board.NoteDeletedEvent{Id: args.Id})

	case board.EventUserTyping:
		args := &board.UserTypingArgs{}
		if !decode(args) {
			return
		}
		self.relay.broadcast(args.BoardId, self, board.EventUserTyping, &board.UserTypingEvent{
			BoardId: args.BoardId,
			Uid:     args.Uid,
			Name:    args.Name,
		})

	default:
		glog.V(2).Infof("[relay]drop unknown event %s\n", envelope.Event)
	}
}
