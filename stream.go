// SPDX-License-Identifier: MIT

package tatsumaki

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/PandaX185/tatsumaki-go/chat"
)

// StreamState is the lifecycle state of the push connection.
type StreamState int

const (
	StreamClosed StreamState = iota
	StreamConnecting
	StreamOpen
)

// Stream owns the server-pushed event subscription for one session.
//
// The stream never reconnects on its own: a transport error closes
// the event channel and the caller decides whether and when to call
// Connect again.  Connect may be called repeatedly; it tears down the
// previous connection synchronously before dialing so at most one
// connection is live at a time (duplicate delivery across connections
// is otherwise possible).  Close is idempotent and safe at any point.
type Stream struct {
	c *Client

	mu      sync.Mutex
	state   StreamState
	current *streamConn
	lastErr error
}

// streamConn is one live connection.  Its close is guarded by a
// sync.Once so that teardown from Close, from a replacing Connect and
// from the reader goroutine never double-closes the response body.
type streamConn struct {
	body      io.ReadCloser
	events    chan chat.Event
	stop      chan struct{}
	closeOnce sync.Once
}

func (conn *streamConn) close() {
	conn.closeOnce.Do(func() {
		close(conn.stop)
		conn.body.Close()
	})
}

func newStream(c *Client) *Stream {
	return &Stream{c: c}
}

// Connect opens the push stream and returns the channel events will
// be delivered on.  The channel is closed when the connection ends,
// whether by transport error or by Close; after that Err reports the
// terminal error, if any.
//
// The token travels in the connection URI because EventSource-style
// endpoints take no headers.
func (s *Stream) Connect(ctx context.Context) (<-chan chat.Event, error) {
	s.mu.Lock()
	if s.current != nil {
		s.current.close()
		s.current = nil
	}
	s.state = StreamConnecting
	s.lastErr = nil
	s.mu.Unlock()

	endpoint := s.c.addr + "/api/realtime/messages?token=" + url.QueryEscape(s.c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, s.failConnect(err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.c.h.Do(req)
	if err != nil {
		return nil, s.failConnect(fmt.Errorf("open stream: %w", &TransportError{Err: err}))
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, s.failConnect(fmt.Errorf("open stream: %w", statusError(resp.StatusCode)))
	}

	conn := &streamConn{
		body:   resp.Body,
		events: make(chan chat.Event),
		stop:   make(chan struct{}),
	}

	s.mu.Lock()
	s.current = conn
	s.state = StreamOpen
	s.mu.Unlock()

	go s.readLoop(conn)

	return conn.events, nil
}

func (s *Stream) failConnect(err error) error {
	s.mu.Lock()
	s.state = StreamClosed
	s.lastErr = err
	s.mu.Unlock()
	return err
}

// Close tears down the live connection, if any.  Safe to call at any
// point and any number of times.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		s.current.close()
		s.current = nil
	}
	s.state = StreamClosed
	return nil
}

func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error of the last connection, nil after a
// deliberate Close.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Stream) readLoop(conn *streamConn) {
	sr := newSSEReader(conn.body)

	for sr.Next() {
		ev, err := decodeStreamEvent(sr.Type, sr.Data)
		if err != nil {
			// Read path: log and keep the stream alive, the REST
			// surface remains the source of truth.
			s.c.log.Warn("skipping malformed push event",
				"type", string(sr.Type), "error", err)
			continue
		}
		if ev == nil {
			continue
		}

		select {
		case conn.events <- ev:
		case <-conn.stop:
			s.finish(conn, nil)
			return
		}
	}

	s.finish(conn, sr.Err)
}

// finish records the terminal error and marks the stream closed,
// unless a newer connection already replaced this one.
func (s *Stream) finish(conn *streamConn, err error) {
	conn.close()
	close(conn.events)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == conn {
		s.current = nil
		s.state = StreamClosed
		s.lastErr = err
		if err != nil {
			s.c.log.Error("push stream closed", "error", err)
		}
	}
}

// decodeStreamEvent translates one SSE frame into the event union.
// Frames with unknown names decode to nil and are dropped.
func decodeStreamEvent(eventType, data []byte) (chat.Event, error) {
	switch string(eventType) {
	case "msg":
		var m chat.Message
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, &MalformedResponseError{Err: err}
		}
		return chat.MessageEvent{Message: m}, nil

	case "unread":
		var ids []int64
		if err := json.Unmarshal(data, &ids); err != nil {
			return nil, &MalformedResponseError{Err: err}
		}
		return chat.UnreadSnapshotEvent{ChatIDs: ids}, nil

	default:
		return nil, nil
	}
}
