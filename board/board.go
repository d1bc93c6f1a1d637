package board

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

// NewId returns a new time-ordered id. Note ids are generated client side,
// so ids from the same client can be ordered by create time.
func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) LessThan(b Id) bool {
	for i := 0; i < 16; i++ {
		if self[i] != b[i] {
			return self[i] < b[i]
		}
	}
	return false
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self Id) MarshalJSON() ([]byte, error) {
	b := make([]byte, 0, 38)
	b = append(b, '"')
	b = append(b, []byte(encodeUuid(self))...)
	b = append(b, '"')
	return b, nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// comparable
type NoteType string

const (
	NoteTypeNote     NoteType = "note"
	NoteTypeIdea     NoteType = "idea"
	NoteTypeIssue    NoteType = "issue"
	NoteTypeResearch NoteType = "research"
)

func (self NoteType) Valid() bool {
	switch self {
	case NoteTypeNote, NoteTypeIdea, NoteTypeIssue, NoteTypeResearch:
		return true
	default:
		return false
	}
}

type Participant struct {
	Uid         string `json:"uid"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
}

// a positioned, typed, authored piece of text on a board.
// the author is immutable after creation. Text, position and type are the
// mutable fields overwritten by edit/move events.
type Note struct {
	Id        Id          `json:"id"`
	Text      string      `json:"text"`
	X         float64     `json:"x"`
	Y         float64     `json:"y"`
	Type      NoteType    `json:"type"`
	BoardId   string      `json:"boardId"`
	CreatedAt time.Time   `json:"createdAt,omitempty"`
	Author    Participant `json:"author"`
}

func (self *Note) Copy() *Note {
	note := *self
	return &note
}
