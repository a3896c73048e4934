package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dipu67/socialApp-sub000/wire"
)

// ErrTimeout distinguishes a request that outlived its deadline from one the
// server rejected.
var ErrTimeout = errors.New("request timed out")

// APIError is a rejection from the durable-write boundary.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api: %d %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api: status %d", e.Status)
}

// API is the HTTP client for durable writes and authoritative fetches.
// Every call carries the session token and a hard timeout.
type API struct {
	base  string
	token string
	http  *http.Client
}

func NewAPI(baseURL, token string) *API {
	return &API{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (a *API) History(ctx context.Context, chatID string, limit int) ([]wire.Message, error) {
	var out []wire.Message
	path := "/api/chats/" + chatID + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := a.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *API) SendMessage(ctx context.Context, chatID string, req wire.SendMessageRequest) (*wire.Message, error) {
	var out wire.Message
	if err := a.do(ctx, http.MethodPost, "/api/chats/"+chatID+"/messages", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) ToggleReaction(ctx context.Context, messageID, emoji string) (map[string][]int, error) {
	var out wire.ReactionResponse
	err := a.do(ctx, http.MethodPost, "/api/messages/"+messageID+"/reactions", wire.ReactionRequest{Emoji: emoji}, &out)
	if err != nil {
		return nil, err
	}
	return out.Reactions, nil
}

func (a *API) UnreadCounts(ctx context.Context) (*wire.UnreadCounts, error) {
	var out wire.UnreadCounts
	if err := a.do(ctx, http.MethodGet, "/api/unread", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) MarkRead(ctx context.Context, chatID string) error {
	return a.do(ctx, http.MethodPost, "/api/chats/"+chatID+"/read", nil, nil)
}

func (a *API) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return ErrTimeout
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
