// SPDX-License-Identifier: MIT

package chat

import "sync"

// Timeline holds the ordered message list of the currently open chat.
//
// Every insertion funnels through AppendIfAbsent, keyed by message id.
// That single choke point is what guarantees the no-duplicate
// invariant across the send pipeline, the push stream and duplicate
// delivery; call sites never re-check for duplicates themselves.
//
// History order is preserved as fetched and pushed messages are kept
// in arrival order after it.  The store never re-sorts by CreatedAt:
// in-order delivery is an assumption of the transport.
type Timeline struct {
	mu   sync.RWMutex
	msgs []Message
	seen map[string]struct{}
}

func NewTimeline() *Timeline {
	return &Timeline{
		seen: make(map[string]struct{}),
	}
}

// Replace sets the timeline to msgs, discarding any prior content.
// Switching chats must not blend histories.
func (t *Timeline) Replace(msgs []Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.msgs = make([]Message, 0, len(msgs))
	t.seen = make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if _, dup := t.seen[m.ID]; dup {
			continue
		}
		t.seen[m.ID] = struct{}{}
		t.msgs = append(t.msgs, m)
	}
}

// AppendIfAbsent appends m unless a message with the same id is
// already present.  Reports whether the message was added.
func (t *Timeline) AppendIfAbsent(m Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.seen[m.ID]; dup {
		return false
	}
	t.seen[m.ID] = struct{}{}
	t.msgs = append(t.msgs, m)
	return true
}

func (t *Timeline) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.msgs = nil
	t.seen = make(map[string]struct{})
}

// Messages returns a copy of the timeline in order.
func (t *Timeline) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]Message, len(t.msgs))
	copy(result, t.msgs)
	return result
}

func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.msgs)
}
