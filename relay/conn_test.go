package relay

import (
	"context"
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

// a peer that accepts the upgrade and drains until the connection drops
func drainWsServer(t *testing.T) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

// a member broadcast can race a disconnect teardown on the same conn. Emits
// landing in that window must be dropped, never panic the room.
func TestConnEmitCloseRace(t *testing.T) {
	ctx := context.Background()

	server := drainWsServer(t)

	boardRelay := NewRelayWithDefaults(ctx)
	defer boardRelay.Close()

	dialer := &websocket.Dialer{
		HandshakeTimeout: 2 * time.Second,
	}

	for i := 0; i < 50; i++ {
		ws, _, err := dialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
		assert.Equal(t, err, nil)

		c := newConn(boardRelay, ws)
		go c.writePump()

		var wg sync.WaitGroup
		for j := 0; j < 8; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for k := 0; k < 100; k++ {
					c.emitRaw(board.EventUserList, &board.UserListEvent{BoardId: "b1"})
				}
			}()
		}
		c.close()
		wg.Wait()

		// emits after teardown are silent no-ops
		c.emitRaw(board.EventUserList, &board.UserListEvent{BoardId: "b1"})
		c.close()
	}
}
