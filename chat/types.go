// SPDX-License-Identifier: MIT

package chat

import "time"

// Wire types for the Tatsumaki chat API.  Field names follow the JSON
// produced by the server: snake_case, numeric user and chat ids,
// string message ids.

// User identifies the author of messages.  Immutable once fetched for
// the session.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Fullname string `json:"fullname"`
}

// Chat is one conversation the user belongs to.
type Chat struct {
	ID      int64   `json:"id"`
	Name    string  `json:"chat_name"`
	Members []int64 `json:"chat_members,omitempty"`
}

// Message is a single chat message.  Messages are immutable after
// creation; the server assigns the id.
type Message struct {
	ID         string    `json:"id"`
	ChatID     int64     `json:"chat_id"`
	SenderID   int64     `json:"sender_id"`
	SenderName string    `json:"username"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// DirectoryEntry is a chat plus its local unread marker.
type DirectoryEntry struct {
	Chat   Chat
	Unread bool
}

// Session carries the bearer token and the resolved current user for
// the life of the authenticated view.  It is passed explicitly into
// every component that needs it; there is no ambient session state.
type Session struct {
	Token string
	User  User
}
