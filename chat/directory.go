// SPDX-License-Identifier: MIT

package chat

import "sync"

// Directory holds the set of chats the user belongs to and each
// chat's unread marker, in server order.  It is a plain state
// container: all decisions about when to mutate it belong to the
// Engine.
type Directory struct {
	mu      sync.RWMutex
	order   []int64
	entries map[int64]*DirectoryEntry
}

func NewDirectory() *Directory {
	return &Directory{
		entries: make(map[int64]*DirectoryEntry),
	}
}

// Upsert replaces the directory contents with chats, preserving the
// unread marker of every chat that survives and dropping markers for
// chats no longer present.
func (d *Directory) Upsert(chats []Chat) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries := make(map[int64]*DirectoryEntry, len(chats))
	order := make([]int64, 0, len(chats))
	for _, c := range chats {
		unread := false
		if prev, ok := d.entries[c.ID]; ok {
			unread = prev.Unread
		}
		entries[c.ID] = &DirectoryEntry{Chat: c, Unread: unread}
		order = append(order, c.ID)
	}
	d.entries = entries
	d.order = order
}

// Update reconciles a single changed chat record (rename or
// membership change) into the directory.  Unknown chats are appended.
func (d *Directory) Update(c Chat) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.entries[c.ID]; ok {
		e.Chat = c
		return
	}
	d.entries[c.ID] = &DirectoryEntry{Chat: c}
	d.order = append(d.order, c.ID)
}

func (d *Directory) SetUnread(chatID int64, unread bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.entries[chatID]; ok {
		e.Unread = unread
	}
}

// ReplaceUnread replaces the unread marker set wholesale with the
// server-provided set.  The chat identified by exceptChatID (the one
// currently open, if any) is always treated as read; pass 0 when no
// chat is open.
func (d *Directory) ReplaceUnread(chatIDs []int64, exceptChatID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	unread := make(map[int64]bool, len(chatIDs))
	for _, id := range chatIDs {
		unread[id] = true
	}
	for id, e := range d.entries {
		e.Unread = unread[id] && id != exceptChatID
	}
}

func (d *Directory) Remove(chatID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.entries[chatID]; !ok {
		return
	}
	delete(d.entries, chatID)
	for i, id := range d.order {
		if id == chatID {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

func (d *Directory) Contains(chatID int64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	_, ok := d.entries[chatID]
	return ok
}

// Get returns the entry for chatID, if present.
func (d *Directory) Get(chatID int64) (DirectoryEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.entries[chatID]
	if !ok {
		return DirectoryEntry{}, false
	}
	return *e, true
}

// Entries returns a copy of the directory in order.
func (d *Directory) Entries() []DirectoryEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]DirectoryEntry, 0, len(d.order))
	for _, id := range d.order {
		result = append(result, *d.entries[id])
	}
	return result
}

// UnreadIDs returns the ids of chats currently marked unread, in
// directory order.
func (d *Directory) UnreadIDs() []int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ids []int64
	for _, id := range d.order {
		if d.entries[id].Unread {
			ids = append(ids, id)
		}
	}
	return ids
}
