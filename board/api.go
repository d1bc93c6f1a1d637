package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// the historical fetch must be bounded. A slow fetch fails with a timeout
// error rather than hanging the board load.
const defaultHttpTimeout = 8 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any](ctx context.Context) (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		r := ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
		select {
		case c <- r:
		case <-ctx.Done():
		}
	})
	return apiCallback, c
}

// BoardApi is the client for the note persistence service. The service is
// external; the board engine only consumes the historical fetch.
type BoardApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	tokenSource TokenSource
}

func NewBoardApi(ctx context.Context, apiUrl string, tokenSource TokenSource) *BoardApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &BoardApi{
		ctx:         cancelCtx,
		cancel:      cancel,
		apiUrl:      apiUrl,
		tokenSource: tokenSource,
	}
}

type GetNotesCallback apiCallback[[]*Note]

// GetNotes fetches the historical notes for a board.
// Non-2xx and timeout both surface as a fetch error.
func (self *BoardApi) GetNotes(boardId string, callback GetNotesCallback) {
	go func() {
		result, err := self.GetNotesSync(self.ctx, boardId)
		callback.Result(result, err)
	}()
}

func (self *BoardApi) GetNotesSync(ctx context.Context, boardId string) ([]*Note, error) {
	requestUrl := fmt.Sprintf("%s/api/notes?boardId=%s", self.apiUrl, url.QueryEscape(boardId))
	return get(ctx, requestUrl, self.tokenSource, []*Note{})
}

func (self *BoardApi) Close() {
	self.cancel()
}

func get[R any](ctx context.Context, requestUrl string, tokenSource TokenSource, result R) (R, error) {
	var empty R

	req, err := http.NewRequestWithContext(ctx, "GET", requestUrl, nil)
	if err != nil {
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if tokenSource != nil {
		token, err := tokenSource.Token(ctx)
		if err != nil {
			return empty, err
		}
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		if errorMessage == "" {
			errorMessage = fmt.Sprintf("http status %d", r.StatusCode)
		}
		return empty, errors.New(errorMessage)
	}

	if err != nil {
		return empty, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		return empty, err
	}

	return result, nil
}
