// SPDX-License-Identifier: MIT

package tatsumaki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/PandaX185/tatsumaki-go/chat"
)

// Client talks to the Tatsumaki REST surface.  The token is an opaque
// bearer credential supplied externally; the client never issues or
// refreshes it.
//
// All calls are plain GET/POST semantics and safe to retry.  List
// endpoints normalize a null or empty body to an empty slice, never
// nil: the server is inconsistent about which it returns.
type Client struct {
	h *http.Client

	addr  string
	token string

	trace bool
	log   *slog.Logger
}

type Options struct {
	// Trace prints every request and response status to stderr.
	Trace bool

	HTTPClient *http.Client

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func New(addr, token string, opts *Options) *Client {
	c := &Client{
		addr:  addr,
		token: token,
	}

	if opts != nil {
		c.trace = opts.Trace
		c.h = opts.HTTPClient
		c.log = opts.Logger
	}
	if c.h == nil {
		c.h = &http.Client{}
	}
	if c.log == nil {
		c.log = slog.Default()
	}

	return c
}

// Session resolves the current user and bundles it with the token.
func (c *Client) Session(ctx context.Context) (chat.Session, error) {
	user, err := c.CurrentUser(ctx)
	if err != nil {
		return chat.Session{}, err
	}
	return chat.Session{Token: c.token, User: user}, nil
}

func (c *Client) CurrentUser(ctx context.Context) (chat.User, error) {
	var user chat.User
	err := c.do(ctx, http.MethodGet, "/api/users/current", nil, &user)
	return user, err
}

// FetchDirectory returns the chats the user belongs to.  An empty
// directory is an empty slice, not nil.
func (c *Client) FetchDirectory(ctx context.Context) ([]chat.Chat, error) {
	var chats []chat.Chat
	if err := c.do(ctx, http.MethodGet, "/api/chats", nil, &chats); err != nil {
		return nil, err
	}
	if chats == nil {
		chats = []chat.Chat{}
	}
	return chats, nil
}

// FetchHistory returns the messages of one chat, oldest first.
func (c *Client) FetchHistory(ctx context.Context, chatID int64) ([]chat.Message, error) {
	var msgs []chat.Message
	path := "/api/messages/" + strconv.FormatInt(chatID, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return msgs, nil
}

// Send posts a message and returns the authoritative copy with the
// server-assigned id.
func (c *Client) Send(ctx context.Context, chatID, senderID int64, content string) (chat.Message, error) {
	body := struct {
		ChatID   int64  `json:"chat_id"`
		SenderID int64  `json:"sender_id"`
		Content  string `json:"content"`
	}{chatID, senderID, content}

	var m chat.Message
	err := c.do(ctx, http.MethodPost, "/api/messages", body, &m)
	return m, err
}

// MarkRead acknowledges that the user has seen chatID.
func (c *Client) MarkRead(ctx context.Context, chatID int64) error {
	path := "/api/messages/" + strconv.FormatInt(chatID, 10) + "/read"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// SearchUsers looks up users matching query.  Empty and null results
// normalize to an empty slice.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]chat.User, error) {
	var users []chat.User
	if err := c.do(ctx, http.MethodGet, "/api/users/"+query, nil, &users); err != nil {
		return nil, err
	}
	if users == nil {
		users = []chat.User{}
	}
	return users, nil
}

func (c *Client) CreateChat(ctx context.Context, name string, memberIDs []int64) (chat.Chat, error) {
	body := struct {
		Name    string  `json:"chat_name"`
		Members []int64 `json:"chat_members"`
	}{name, memberIDs}

	var created chat.Chat
	err := c.do(ctx, http.MethodPost, "/api/chats", body, &created)
	return created, err
}

// ChatPatch carries the fields of a chat edit.  Nil fields are left
// untouched by the server.
type ChatPatch struct {
	Name    *string  `json:"chat_name,omitempty"`
	Members *[]int64 `json:"chat_members,omitempty"`
}

func (c *Client) UpdateChat(ctx context.Context, chatID int64, patch ChatPatch) (chat.Chat, error) {
	var updated chat.Chat
	path := "/api/chats/" + strconv.FormatInt(chatID, 10)
	err := c.do(ctx, http.MethodPatch, path, patch, &updated)
	return updated, err
}

func (c *Client) DeleteChat(ctx context.Context, chatID int64) error {
	path := "/api/chats/" + strconv.FormatInt(chatID, 10)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) Members(ctx context.Context, chatID int64) ([]chat.User, error) {
	var users []chat.User
	path := "/api/chats/" + strconv.FormatInt(chatID, 10) + "/members"
	if err := c.do(ctx, http.MethodGet, path, nil, &users); err != nil {
		return nil, err
	}
	if users == nil {
		users = []chat.User{}
	}
	return users, nil
}

// Stream returns an event channel manager bound to this client's
// address, token and HTTP client.  Connecting is a separate step.
func (c *Client) Stream() *Stream {
	return newStream(c)
}

// do performs one JSON round trip.  A nil body sends no payload; a
// nil out discards the response body.  Decoding tolerates empty and
// null bodies by leaving out at its zero value.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.addr+path, reqBody)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.trace {
		fmt.Fprintf(os.Stderr, "%s: %s\n", method, path)
	}

	resp, err := c.h.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, &TransportError{Err: err})
	}
	defer resp.Body.Close()

	if c.trace {
		fmt.Fprintf(os.Stderr, "RESP: %s %s -> %s\n", method, path, resp.Status)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: %w", method, path, statusError(resp.StatusCode))
	}

	if out == nil {
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, &TransportError{Err: err})
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, &MalformedResponseError{Err: err})
	}

	return nil
}
