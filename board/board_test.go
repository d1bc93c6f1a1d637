package board

import (
	"context"
	"encoding/json"
	"flag"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestIdOrder(t *testing.T) {
	// ids are ordered by create time, so notes from one client sort stably
	a := NewId()
	for i := 0; i < 4096; i++ {
		b := NewId()
		assert.Equal(t, a.LessThan(b), true)
		assert.Equal(t, b.LessThan(a), false)
		assert.Equal(t, b == a, false)
		a = b
	}
}

func TestIdJsonCodec(t *testing.T) {
	type Test struct {
		A Id  `json:"a,omitempty"`
		B *Id `json:"b,omitempty"`
	}

	test1 := &Test{}
	test1.A = NewId()
	b := NewId()
	test1.B = &b

	test1Json, err := json.Marshal(test1)
	assert.Equal(t, err, nil)

	test2 := &Test{}
	err = json.Unmarshal(test1Json, test2)
	assert.Equal(t, err, nil)

	assert.Equal(t, test1.A, test2.A)
	assert.Equal(t, test1.B, test2.B)

	_, err = ParseId("not-a-uuid")
	assert.NotEqual(t, err, nil)

	parsed, err := ParseId(test1.A.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, test1.A)
}

func TestNoteType(t *testing.T) {
	assert.Equal(t, NoteTypeNote.Valid(), true)
	assert.Equal(t, NoteTypeIdea.Valid(), true)
	assert.Equal(t, NoteTypeIssue.Valid(), true)
	assert.Equal(t, NoteTypeResearch.Valid(), true)
	assert.Equal(t, NoteType("banana").Valid(), false)
	assert.Equal(t, NoteType("").Valid(), false)
}

func TestTokenRoundTrip(t *testing.T) {
	participant := &Participant{
		Uid:         "u1",
		DisplayName: "User One",
		Email:       "u1@example.com",
	}

	token, err := MintToken(participant, []byte("test-key"), 1*time.Hour)
	assert.Equal(t, err, nil)

	parsed, err := ParticipantFromToken(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed.Uid, "u1")
	assert.Equal(t, parsed.DisplayName, "User One")
	assert.Equal(t, parsed.Email, "u1@example.com")

	_, err = ParticipantFromToken("garbage")
	assert.NotEqual(t, err, nil)
}

func TestTokenDisplayNameFallback(t *testing.T) {
	token, err := MintToken(
		&Participant{
			Uid:   "u2",
			Email: "u2@example.com",
		},
		[]byte("test-key"),
		1*time.Hour,
	)
	assert.Equal(t, err, nil)

	parsed, err := ParticipantFromToken(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed.DisplayName, "u2@example.com")
}

func TestStaticTokenSource(t *testing.T) {
	ctx := context.Background()

	tokenSource := NewStaticTokenSource("tok")

	token, err := tokenSource.Token(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, token, "tok")

	empty := NewStaticTokenSource("")
	_, err = empty.Token(ctx)
	assert.Equal(t, err, ErrNotAuthenticated)
}
