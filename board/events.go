package board

import (
	"encoding/json"
	"fmt"
)

// event names on the wire. The envelope is json `{"event": name, "payload": ...}`
// for interop with browser clients on the same boards.

// outbound
const (
	EventJoinBoard   = "join_board"
	EventLeaveBoard  = "leave_board"
	EventCreateNote  = "create_note"
	EventEditNote    = "edit_note"
	EventMoveNote    = "move_note"
	EventDeleteNote  = "delete_note"
	EventUserTyping  = "user_typing"
	EventApproveUser = "approve_user"
	EventRejectUser  = "reject_user"
)

// inbound
const (
	EventNewNote            = "new_note"
	EventNoteEdited         = "note_edited"
	EventNoteDeleted        = "note_deleted"
	EventNoteMoved          = "note_moved"
	EventLoadExistingNotes  = "load_existing_notes"
	EventJoinGranted        = "join_granted"
	EventJoinRejected       = "join_rejected"
	EventJoinDenied         = "join_denied"
	EventJoinRequest        = "join_request"
	EventWaitingForApproval = "waiting_for_approval"
	EventUserList           = "user_list"
)

type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func EncodeEvent(event string, payload any) ([]byte, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		var err error
		payloadBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(&Envelope{
		Event:   event,
		Payload: payloadBytes,
	})
}

func DecodeEnvelope(message []byte) (*Envelope, error) {
	envelope := &Envelope{}
	if err := json.Unmarshal(message, envelope); err != nil {
		return nil, err
	}
	if envelope.Event == "" {
		return nil, fmt.Errorf("missing event name")
	}
	return envelope, nil
}

// outbound payloads. Each mutation payload carries the identity token, which
// the client attaches just before emit.

type tokenCarrier interface {
	attachToken(token string)
}

type JoinBoardArgs struct {
	BoardId string `json:"boardId"`
	Token   string `json:"token,omitempty"`
}

func (self *JoinBoardArgs) attachToken(token string) {
	self.Token = token
}

type LeaveBoardArgs struct {
	BoardId string `json:"boardId"`
}

type NoteArgs struct {
	Note
	Token string `json:"token,omitempty"`
}

func (self *NoteArgs) attachToken(token string) {
	self.Token = token
}

type MoveNoteArgs struct {
	Id      Id      `json:"id"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	BoardId string  `json:"boardId"`
	Token   string  `json:"token,omitempty"`
}

func (self *MoveNoteArgs) attachToken(token string) {
	self.Token = token
}

type DeleteNoteArgs struct {
	Id      Id     `json:"id"`
	BoardId string `json:"boardId"`
	Token   string `json:"token,omitempty"`
}

func (self *DeleteNoteArgs) attachToken(token string) {
	self.Token = token
}

type UserTypingArgs struct {
	BoardId string `json:"boardId"`
	Uid     string `json:"uid"`
	Name    string `json:"name"`
}

type ModerateUserArgs struct {
	BoardId string `json:"boardId"`
	Uid     string `json:"uid"`
}

// InboundEvent is the closed set of events a board session can receive.
// Adding a new inbound event means adding a decode case in DecodeInboundEvent
// and a route case in the client dispatch, both checked at compile time.
type InboundEvent interface {
	inboundEvent()
}

type NewNoteEvent struct {
	Note
}

type NoteEditedEvent struct {
	Note
}

type NoteDeletedEvent struct {
	Id Id `json:"id"`
}

type NoteMovedEvent struct {
	Id      Id      `json:"id"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	BoardId string  `json:"boardId"`
}

type LoadExistingNotesEvent struct {
	Notes []*Note
}

type JoinGrantedEvent struct {
	BoardId     string `json:"boardId"`
	OthersCount int    `json:"othersCount"`
}

type JoinRejectedEvent struct {
	BoardId string `json:"boardId"`
}

type JoinDeniedEvent struct {
	Reason string `json:"reason"`
}

type WaitingForApprovalEvent struct {
	BoardId string `json:"boardId"`
}

type JoinRequestEvent struct {
	BoardId string      `json:"boardId"`
	User    Participant `json:"user"`
}

type UserTypingEvent struct {
	BoardId string `json:"boardId"`
	Uid     string `json:"uid"`
	Name    string `json:"name"`
}

type UserListEvent struct {
	BoardId string        `json:"boardId"`
	Users   []Participant `json:"users"`
}

func (*NewNoteEvent) inboundEvent()            {}
func (*NoteEditedEvent) inboundEvent()         {}
func (*NoteDeletedEvent) inboundEvent()        {}
func (*NoteMovedEvent) inboundEvent()          {}
func (*LoadExistingNotesEvent) inboundEvent()  {}
func (*JoinGrantedEvent) inboundEvent()        {}
func (*JoinRejectedEvent) inboundEvent()       {}
func (*JoinDeniedEvent) inboundEvent()         {}
func (*WaitingForApprovalEvent) inboundEvent() {}
func (*JoinRequestEvent) inboundEvent()        {}
func (*UserTypingEvent) inboundEvent()         {}
func (*UserListEvent) inboundEvent()           {}

var ErrUnknownEvent = fmt.Errorf("unknown event")

func DecodeInboundEvent(message []byte) (InboundEvent, error) {
	envelope, err := DecodeEnvelope(message)
	if err != nil {
		return nil, err
	}

	decode := func(event InboundEvent) (InboundEvent, error) {
		if len(envelope.Payload) == 0 {
			return event, nil
		}
		if err := json.Unmarshal(envelope.Payload, event); err != nil {
			return nil, err
		}
		return event, nil
	}

	switch envelope.Event {
	case EventNewNote:
		return decode(&NewNoteEvent{})
	case EventNoteEdited:
		return decode(&NoteEditedEvent{})
	case EventNoteDeleted:
		return decode(&NoteDeletedEvent{})
	case EventNoteMoved:
		return decode(&NoteMovedEvent{})
	case EventLoadExistingNotes:
		// the payload is a bare array of notes
		event := &LoadExistingNotesEvent{}
		if len(envelope.Payload) != 0 {
			if err := json.Unmarshal(envelope.Payload, &event.Notes); err != nil {
				return nil, err
			}
		}
		return event, nil
	case EventJoinGranted:
		return decode(&JoinGrantedEvent{})
	case EventJoinRejected:
		return decode(&JoinRejectedEvent{})
	case EventJoinDenied:
		return decode(&JoinDeniedEvent{})
	case EventWaitingForApproval:
		return decode(&WaitingForApprovalEvent{})
	case EventJoinRequest:
		return decode(&JoinRequestEvent{})
	case EventUserTyping:
		return decode(&UserTypingEvent{})
	case EventUserList:
		return decode(&UserListEvent{})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, envelope.Event)
	}
}
