// SPDX-License-Identifier: MIT

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// API is the remote surface the engine needs.  *tatsumaki.Client
// satisfies it.
type API interface {
	FetchDirectory(ctx context.Context) ([]Chat, error)
	FetchHistory(ctx context.Context, chatID int64) ([]Message, error)
	Send(ctx context.Context, chatID, senderID int64, content string) (Message, error)
	MarkRead(ctx context.Context, chatID int64) error
	DeleteChat(ctx context.Context, chatID int64) error
}

var (
	// ErrNoChatOpen is returned by Send when no chat is selected.
	ErrNoChatOpen = errors.New("no chat open")

	// ErrNoUser is returned by Send when the session has no resolved
	// current user.
	ErrNoUser = errors.New("session has no current user")
)

// Engine is the reconciliation core.  It exclusively owns the
// Directory and Timeline stores and routes every inbound push event,
// history fetch and outgoing message through them.
//
// Store mutation is serialized by the engine mutex, so methods may be
// called from any goroutine.  In-flight network calls never hold the
// mutex; responses that land after the selection they were issued for
// has changed are discarded (stale-response guard).
type Engine struct {
	api     API
	session Session
	log     *slog.Logger

	dir *Directory
	tl  *Timeline

	mu       sync.Mutex
	selected int64 // 0 means no chat open
	gen      uint64

	refresh singleflight.Group
}

type EngineConfig struct {
	API     API
	Session Session

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func NewEngine(config EngineConfig) *Engine {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		api:     config.API,
		session: config.Session,
		log:     logger,
		dir:     NewDirectory(),
		tl:      NewTimeline(),
	}
}

// Directory exposes the directory store for reading.  Mutation stays
// with the engine.
func (e *Engine) Directory() *Directory { return e.dir }

// Timeline exposes the timeline store for reading.
func (e *Engine) Timeline() *Timeline { return e.tl }

// Selected returns the id of the open chat, or 0 when none is open.
func (e *Engine) Selected() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected
}

// Bootstrap seeds the directory from the snapshot API.
func (e *Engine) Bootstrap(ctx context.Context) error {
	chats, err := e.api.FetchDirectory(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap directory: %w", err)
	}
	e.dir.Upsert(chats)
	return nil
}

// HandleEvent applies one push event to the stores.  Failures on this
// path are logged and absorbed: the REST surface remains the fallback
// source of truth and the next trigger retries.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) {
	switch ev := ev.(type) {
	case MessageEvent:
		e.handleMessage(ctx, ev.Message)
	case UnreadSnapshotEvent:
		e.mu.Lock()
		selected := e.selected
		e.mu.Unlock()
		e.dir.ReplaceUnread(ev.ChatIDs, selected)
	default:
		e.log.Warn("unknown push event", "event", fmt.Sprintf("%T", ev))
	}
}

// handleMessage runs the two independent checks for a message event:
// append to the open chat's timeline, and update the directory unread
// state (refreshing the directory when the chat is unknown).  Both
// run for every event.
func (e *Engine) handleMessage(ctx context.Context, m Message) {
	e.mu.Lock()
	selected := e.selected
	e.mu.Unlock()

	if selected != 0 && m.ChatID == selected {
		e.tl.AppendIfAbsent(m)
	}

	if e.dir.Contains(m.ChatID) {
		if m.ChatID != selected {
			e.dir.SetUnread(m.ChatID, true)
		}
		return
	}

	// Unknown chat: the directory is stale, somebody created a chat
	// concurrently.  Concurrent triggers collapse into one fetch.
	if err := e.refreshDirectory(ctx); err != nil {
		e.log.Error("directory refresh failed", "chat_id", m.ChatID, "error", err)
		return
	}
	if m.ChatID != selected {
		e.dir.SetUnread(m.ChatID, true)
	}
}

func (e *Engine) refreshDirectory(ctx context.Context) error {
	_, err, _ := e.refresh.Do("directory", func() (interface{}, error) {
		chats, err := e.api.FetchDirectory(ctx)
		if err != nil {
			return nil, err
		}
		e.dir.Upsert(chats)
		return nil, nil
	})
	return err
}

// Select opens chat chatID: clears its unread marker, acknowledges
// the read to the server (fire and forget; a failure is logged, not
// surfaced, and does not roll back the local clear) and replaces the
// timeline with the chat's history.
//
// If the selection changes again before the history response lands,
// the stale response is discarded.
func (e *Engine) Select(ctx context.Context, chatID int64) error {
	e.mu.Lock()
	e.selected = chatID
	e.gen++
	gen := e.gen
	e.mu.Unlock()

	e.tl.Clear()
	e.dir.SetUnread(chatID, false)

	go func() {
		if err := e.api.MarkRead(context.WithoutCancel(ctx), chatID); err != nil {
			e.log.Error("mark read failed", "chat_id", chatID, "error", err)
		}
	}()

	history, err := e.api.FetchHistory(ctx, chatID)
	if err != nil {
		return fmt.Errorf("history for chat %d: %w", chatID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen || e.selected != chatID {
		// A newer selection won; this chat is no longer the open one.
		return nil
	}
	e.tl.Replace(history)
	return nil
}

// Deselect closes the open chat, if any.
func (e *Engine) Deselect() {
	e.mu.Lock()
	e.selected = 0
	e.gen++
	e.mu.Unlock()

	e.tl.Clear()
}

// Send posts content to the open chat and appends the authoritative
// copy the server returns.  There is no optimistic local echo: a
// message enters the timeline only once the server has assigned it an
// id, and through the same dedup choke point the push stream uses, so
// the later stream copy is absorbed as a no-op.
func (e *Engine) Send(ctx context.Context, content string) (Message, error) {
	e.mu.Lock()
	chatID := e.selected
	e.mu.Unlock()

	if chatID == 0 {
		return Message{}, ErrNoChatOpen
	}
	if e.session.User.ID == 0 {
		return Message{}, ErrNoUser
	}

	m, err := e.api.Send(ctx, chatID, e.session.User.ID, content)
	if err != nil {
		return Message{}, fmt.Errorf("send to chat %d: %w", chatID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.selected == m.ChatID {
		e.tl.AppendIfAbsent(m)
	}
	return m, nil
}

// Delete removes the chat remotely and locally.  If it was the open
// chat, the timeline is cleared and no chat remains selected.
func (e *Engine) Delete(ctx context.Context, chatID int64) error {
	if err := e.api.DeleteChat(ctx, chatID); err != nil {
		return fmt.Errorf("delete chat %d: %w", chatID, err)
	}

	e.dir.Remove(chatID)

	e.mu.Lock()
	open := e.selected == chatID
	if open {
		e.selected = 0
		e.gen++
	}
	e.mu.Unlock()
	if open {
		e.tl.Clear()
	}
	return nil
}

// ApplyChatUpdate reconciles an updated chat record (rename or
// membership change from the edit workflow) into the directory.
func (e *Engine) ApplyChatUpdate(c Chat) {
	e.dir.Update(c)
}
