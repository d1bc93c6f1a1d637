package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"corkboard.io/board"
	"corkboard.io/relay"
)

const BoardCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Corkboard control.

The default urls are:
    api_url: http://localhost:5050
    connect_url: ws://localhost:5050/ws

Usage:
    boardctl serve [--listen=<listen>]
    boardctl mint --uid=<uid> --name=<name> [--email=<email>]
        [--key=<key>]
    boardctl watch [--api_url=<api_url>] [--connect_url=<connect_url>]
        --board=<board> --jwt=<jwt>
        [--approve_all]
    boardctl post [--api_url=<api_url>] [--connect_url=<connect_url>]
        --board=<board> --jwt=<jwt>
        [--type=<type>]
        <text>

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --listen=<listen>                Listen address [default: :5050].
    --api_url=<api_url>
    --connect_url=<connect_url>
    --board=<board>                  Board name.
    --jwt=<jwt>                      Your identity JWT.
    --uid=<uid>
    --name=<name>
    --email=<email>
    --key=<key>                      Signing key [default: local-dev-key].
    --type=<type>                    Note type: note, idea, issue, research [default: note].
    --approve_all                    Approve every join request.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], BoardCtlVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if mint_, _ := opts.Bool("mint"); mint_ {
		mint(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if post_, _ := opts.Bool("post"); post_ {
		post(opts)
	}
}

func serve(opts docopt.Opts) {
	listen, _ := opts.String("--listen")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boardRelay := relay.NewRelayWithDefaults(cancelCtx)
	defer boardRelay.Close()

	Out.Printf("relay listening on %s", listen)
	if err := http.ListenAndServe(listen, boardRelay.Handler()); err != nil {
		Err.Fatalf("listen error = %s", err)
	}
}

func mint(opts docopt.Opts) {
	uid, _ := opts.String("--uid")
	name, _ := opts.String("--name")
	email, _ := opts.String("--email")
	key, _ := opts.String("--key")

	token, err := board.MintToken(
		&board.Participant{
			Uid:         uid,
			DisplayName: name,
			Email:       email,
		},
		[]byte(key),
		24*time.Hour,
	)
	if err != nil {
		Err.Fatalf("mint error = %s", err)
	}
	Out.Printf("%s", token)
}

func watch(opts docopt.Opts) {
	client := newClient(opts)
	defer client.Close()

	approveAll, _ := opts.Bool("--approve_all")

	client.AddGateStateCallback(func(state board.JoinGateState, overlayVisible bool) {
		Out.Printf("gate: %s (overlay=%t)", state, overlayVisible)
	})
	client.AddNotesChangeCallback(func(notes []*board.Note) {
		Out.Printf("notes (%d):", len(notes))
		for _, note := range notes {
			Out.Printf("  [%s] (%.0f,%.0f) %s — %s", note.Type, note.X, note.Y, note.Text, note.Author.DisplayName)
		}
	})
	client.AddTypingChangeCallback(func(typingNames []string) {
		for _, typingName := range typingNames {
			Out.Printf("%s is typing...", typingName)
		}
	})
	client.AddPresenceChangeCallback(func(entries []*board.PresenceEntry) {
		Out.Printf("online: %d", len(entries))
	})
	client.AddJoinRequestCallback(func(user board.Participant) {
		if approveAll {
			Out.Printf("approving join request from %s", user.DisplayName)
			client.ApproveJoin(user.Uid)
		} else {
			Out.Printf("join request from %s (%s); use another watch with --approve_all", user.DisplayName, user.Uid)
		}
	})
	client.AddErrorCallback(func(err error) {
		Err.Printf("error = %s", err)
	})

	client.Start()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
}

func post(opts docopt.Opts) {
	client := newClient(opts)
	defer client.Close()

	text, _ := opts.String("<text>")
	noteTypeStr, _ := opts.String("--type")

	client.Start()

	// wait for admission before creating
	granted := make(chan struct{})
	unsub := client.AddGateStateCallback(func(state board.JoinGateState, overlayVisible bool) {
		if state == board.JoinGateStateGranted {
			select {
			case granted <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	select {
	case <-granted:
	case <-time.After(30 * time.Second):
		Err.Fatalf("join not granted")
	}

	note, err := client.AddNote(text, board.NoteType(noteTypeStr))
	if err != nil {
		Err.Fatalf("add note error = %s", err)
	}
	Out.Printf("posted %s at (%.0f,%.0f)", note.Id, note.X, note.Y)

	// let the send queue drain
	time.Sleep(1 * time.Second)
}

func newClient(opts docopt.Opts) *board.BoardClient {
	apiUrl, _ := opts.String("--api_url")
	if apiUrl == "" {
		apiUrl = "http://localhost:5050"
	}
	connectUrl, _ := opts.String("--connect_url")
	if connectUrl == "" {
		connectUrl = "ws://localhost:5050/ws"
	}
	boardId, _ := opts.String("--board")
	jwt, _ := opts.String("--jwt")

	client, err := board.NewBoardClientWithDefaults(
		context.Background(),
		apiUrl,
		connectUrl,
		boardId,
		board.NewStaticTokenSource(jwt),
		nil,
	)
	if err != nil {
		Err.Fatalf("client error = %s", err)
	}
	return client
}
