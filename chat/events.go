// SPDX-License-Identifier: MIT

package chat

// Push events delivered over the realtime stream.  The server names
// them "msg" and "unread"; they arrive here as a tagged variant so the
// engine can handle them exhaustively instead of shape-checking
// payloads.

// Event is the sealed union of push events.  The only implementations
// are MessageEvent and UnreadSnapshotEvent.
type Event interface {
	event()
}

// MessageEvent carries a single new message, for any chat the user
// belongs to.
type MessageEvent struct {
	Message Message
}

// UnreadSnapshotEvent carries the server's full view of which chats
// have unseen activity.  It replaces the local unread set wholesale.
type UnreadSnapshotEvent struct {
	ChatIDs []int64
}

func (MessageEvent) event()        {}
func (UnreadSnapshotEvent) event() {}
