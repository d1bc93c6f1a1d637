package relay

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"corkboard.io/board"
)

func init() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	endTime := time.Now().Add(timeout)
	for {
		if condition() {
			return
		}
		if endTime.Before(time.Now()) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type testHarness struct {
	relay      *Relay
	server     *httptest.Server
	apiUrl     string
	connectUrl string
}

func newTestHarness(t *testing.T) *testHarness {
	ctx := context.Background()

	boardRelay := NewRelayWithDefaults(ctx)
	server := httptest.NewServer(boardRelay.Handler())
	t.Cleanup(func() {
		server.Close()
		boardRelay.Close()
	})

	return &testHarness{
		relay:      boardRelay,
		server:     server,
		apiUrl:     server.URL,
		connectUrl: "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
	}
}

func mintTestToken(t *testing.T, uid string, name string) string {
	t.Helper()
	token, err := board.MintToken(
		&board.Participant{
			Uid:         uid,
			DisplayName: name,
		},
		[]byte("test-key"),
		1*time.Hour,
	)
	assert.Equal(t, err, nil)
	return token
}

func newTestClient(t *testing.T, harness *testHarness, boardId string, uid string, name string) *board.BoardClient {
	t.Helper()

	settings := board.DefaultBoardClientSettings()
	settings.SessionSettings.TransportSettings.ReconnectTimeout = 50 * time.Millisecond
	settings.GateSettings.OverlayDuration = 50 * time.Millisecond

	client, err := board.NewBoardClient(
		context.Background(),
		harness.apiUrl,
		harness.connectUrl,
		boardId,
		board.NewStaticTokenSource(mintTestToken(t, uid, name)),
		nil,
		settings,
	)
	assert.Equal(t, err, nil)
	t.Cleanup(client.Close)

	client.Start()
	return client
}

func waitForGate(t *testing.T, client *board.BoardClient, state board.JoinGateState) {
	t.Helper()
	waitFor(t, 5*time.Second, func() bool {
		return client.GateState() == state
	})
}

func TestRelaySoloJoin(t *testing.T) {
	harness := newTestHarness(t)

	client := newTestClient(t, harness, "b1", "u1", "Alice")

	// an empty room admits immediately
	waitForGate(t, client, board.JoinGateStateGranted)
	assert.Equal(t, client.GateOverlayVisible(), false)

	note, err := client.AddNote("first note", board.NoteTypeIdea)
	assert.Equal(t, err, nil)
	assert.Equal(t, note.Author.Uid, "u1")
	assert.Equal(t, len(client.Notes()), 1)

	waitFor(t, 5*time.Second, func() bool {
		return len(client.OnlineUsers()) == 1
	})
}

func TestRelayApproval(t *testing.T) {
	harness := newTestHarness(t)

	alice := newTestClient(t, harness, "b1", "u1", "Alice")
	waitForGate(t, alice, board.JoinGateStateGranted)

	_, err := alice.AddNote("existing note", board.NoteTypeNote)
	assert.Equal(t, err, nil)
	// let the create reach the relay before the second join snapshots history
	waitForRelayNotes(t, harness, "b1", 1)

	var requestLock sync.Mutex
	requests := []board.Participant{}
	unsub := alice.AddJoinRequestCallback(func(user board.Participant) {
		requestLock.Lock()
		defer requestLock.Unlock()
		requests = append(requests, user)
	})
	defer unsub()

	bob := newTestClient(t, harness, "b1", "u2", "Bob")

	// an occupied room holds the joiner at the gate
	waitForGate(t, bob, board.JoinGateStateWaitingApproval)
	waitFor(t, 5*time.Second, func() bool {
		requestLock.Lock()
		defer requestLock.Unlock()
		return len(requests) == 1
	})
	requestLock.Lock()
	assert.Equal(t, requests[0].Uid, "u2")
	assert.Equal(t, requests[0].DisplayName, "Bob")
	requestLock.Unlock()

	err = alice.ApproveJoin("u2")
	assert.Equal(t, err, nil)

	waitForGate(t, bob, board.JoinGateStateGranted)

	// the grant pushes the room history
	waitFor(t, 5*time.Second, func() bool {
		return len(bob.Notes()) == 1
	})
	assert.Equal(t, bob.Notes()[0].Text, "existing note")

	// both sides converge on the member list
	waitFor(t, 5*time.Second, func() bool {
		return len(alice.OnlineUsers()) == 2 && len(bob.OnlineUsers()) == 2
	})
}

func TestRelayReject(t *testing.T) {
	harness := newTestHarness(t)

	alice := newTestClient(t, harness, "b1", "u1", "Alice")
	waitForGate(t, alice, board.JoinGateStateGranted)

	bob := newTestClient(t, harness, "b1", "u2", "Bob")
	waitForGate(t, bob, board.JoinGateStateWaitingApproval)

	var errorLock sync.Mutex
	bobErrors := []error{}
	unsub := bob.AddErrorCallback(func(err error) {
		errorLock.Lock()
		defer errorLock.Unlock()
		bobErrors = append(bobErrors, err)
	})
	defer unsub()

	err := alice.RejectJoin("u2")
	assert.Equal(t, err, nil)

	waitForGate(t, bob, board.JoinGateStateRejected)
	waitFor(t, 5*time.Second, func() bool {
		errorLock.Lock()
		defer errorLock.Unlock()
		return slicesContains(bobErrors, board.ErrJoinRejected)
	})
}

func TestRelayNoteBroadcast(t *testing.T) {
	harness := newTestHarness(t)

	alice, bob := joinedPair(t, harness, "b1")

	note, err := alice.AddNote("hello", board.NoteTypeNote)
	assert.Equal(t, err, nil)

	waitFor(t, 5*time.Second, func() bool {
		return len(bob.Notes()) == 1
	})
	assert.Equal(t, bob.Notes()[0].Id, note.Id)
	assert.Equal(t, bob.Notes()[0].Text, "hello")

	// the sender is excluded from its own broadcast, so no echo duplicate
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, len(alice.Notes()), 1)

	edited := note.Copy()
	edited.Text = "hello, edited"
	alice.EditNote(edited)
	waitFor(t, 5*time.Second, func() bool {
		notes := bob.Notes()
		return len(notes) == 1 && notes[0].Text == "hello, edited"
	})

	alice.MoveNote(note.Id, 464, 328)
	waitFor(t, 5*time.Second, func() bool {
		notes := bob.Notes()
		return len(notes) == 1 && notes[0].X == 464 && notes[0].Y == 328
	})

	bob.DeleteNote(note.Id)
	waitFor(t, 5*time.Second, func() bool {
		return len(alice.Notes()) == 0
	})
	waitForRelayNotes(t, harness, "b1", 0)
}

func TestRelayTypingBroadcast(t *testing.T) {
	harness := newTestHarness(t)

	alice, bob := joinedPair(t, harness, "b1")

	alice.Keystroke()

	waitFor(t, 5*time.Second, func() bool {
		typingNames := bob.TypingNames()
		return len(typingNames) == 1 && typingNames[0] == "Alice"
	})
	// the sender never lists itself
	assert.Equal(t, len(alice.TypingNames()), 0)
}

func TestRelayHistoryEndpoint(t *testing.T) {
	harness := newTestHarness(t)

	alice := newTestClient(t, harness, "b1", "u1", "Alice")
	waitForGate(t, alice, board.JoinGateStateGranted)
	_, err := alice.AddNote("persisted", board.NoteTypeResearch)
	assert.Equal(t, err, nil)
	waitForRelayNotes(t, harness, "b1", 1)

	// no token, no history
	response, err := http.Get(harness.apiUrl + "/api/notes?boardId=b1")
	assert.Equal(t, err, nil)
	response.Body.Close()
	assert.Equal(t, response.StatusCode, http.StatusUnauthorized)

	notes := fetchRelayNotes(t, harness, "b1")
	assert.Equal(t, len(notes), 1)
	assert.Equal(t, notes[0].Text, "persisted")
	assert.Equal(t, notes[0].Type, board.NoteTypeResearch)

	// an unknown board reads as empty, not an error
	assert.Equal(t, len(fetchRelayNotes(t, harness, "b9")), 0)
}

func TestRelayJoinDenied(t *testing.T) {
	harness := newTestHarness(t)

	// a raw peer with a garbage token is denied at the join, not dropped
	dialer := &websocket.Dialer{
		HandshakeTimeout: 2 * time.Second,
	}
	ws, _, err := dialer.Dial(harness.connectUrl, nil)
	assert.Equal(t, err, nil)
	defer ws.Close()

	message, err := board.EncodeEvent(board.EventJoinBoard, &board.JoinBoardArgs{
		BoardId: "b1",
		Token:   "garbage",
	})
	assert.Equal(t, err, nil)
	err = ws.WriteMessage(websocket.TextMessage, message)
	assert.Equal(t, err, nil)

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, response, err := ws.ReadMessage()
	assert.Equal(t, err, nil)

	event, err := board.DecodeInboundEvent(response)
	assert.Equal(t, err, nil)
	_, ok := event.(*board.JoinDeniedEvent)
	assert.Equal(t, ok, true)
}

func TestRelayBoardIsolation(t *testing.T) {
	harness := newTestHarness(t)

	alice := newTestClient(t, harness, "b1", "u1", "Alice")
	waitForGate(t, alice, board.JoinGateStateGranted)

	// a different board is a different room. No gating across boards.
	carol := newTestClient(t, harness, "b2", "u3", "Carol")
	waitForGate(t, carol, board.JoinGateStateGranted)

	_, err := carol.AddNote("other board", board.NoteTypeNote)
	assert.Equal(t, err, nil)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, len(alice.Notes()), 0)
}

// joinedPair returns two granted clients on the same board, the second
// admitted by the first.
func joinedPair(t *testing.T, harness *testHarness, boardId string) (*board.BoardClient, *board.BoardClient) {
	t.Helper()

	alice := newTestClient(t, harness, boardId, "u1", "Alice")
	waitForGate(t, alice, board.JoinGateStateGranted)

	unsub := alice.AddJoinRequestCallback(func(user board.Participant) {
		alice.ApproveJoin(user.Uid)
	})
	t.Cleanup(unsub)

	bob := newTestClient(t, harness, boardId, "u2", "Bob")
	waitForGate(t, bob, board.JoinGateStateGranted)
	return alice, bob
}

func fetchRelayNotes(t *testing.T, harness *testHarness, boardId string) []*board.Note {
	t.Helper()

	req, err := http.NewRequest("GET", harness.apiUrl+"/api/notes?boardId="+boardId, nil)
	assert.Equal(t, err, nil)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", mintTestToken(t, "u1", "Alice")))

	response, err := http.DefaultClient.Do(req)
	assert.Equal(t, err, nil)
	defer response.Body.Close()
	assert.Equal(t, response.StatusCode, http.StatusOK)

	notes := []*board.Note{}
	err = json.NewDecoder(response.Body).Decode(&notes)
	assert.Equal(t, err, nil)
	return notes
}

func waitForRelayNotes(t *testing.T, harness *testHarness, boardId string, count int) {
	t.Helper()
	waitFor(t, 5*time.Second, func() bool {
		return len(fetchRelayNotes(t, harness, boardId)) == count
	})
}

func slicesContains(errs []error, target error) bool {
	for _, err := range errs {
		if err == target {
			return true
		}
	}
	return false
}
