package chat

import "sort"

// Log is a channel's in-memory message log: ids are unique and messages are
// ordered ascending by (CreatedAt, ID). The zero value is empty and ready.
type Log struct {
	msgs []Message
	ids  map[int64]struct{}
}

func before(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Insert adds m at its ordered position. It reports false, and changes
// nothing, when m.ID is already present.
func (l *Log) Insert(m Message) bool {
	if l.Contains(m.ID) {
		return false
	}
	if l.ids == nil {
		l.ids = make(map[int64]struct{})
	}
	i := sort.Search(len(l.msgs), func(i int) bool { return before(m, l.msgs[i]) })
	l.msgs = append(l.msgs, Message{})
	copy(l.msgs[i+1:], l.msgs[i:])
	l.msgs[i] = m
	l.ids[m.ID] = struct{}{}
	return true
}

// Replace discards the log and loads msgs.
func (l *Log) Replace(msgs []Message) {
	l.Clear()
	l.Merge(msgs)
}

// Merge inserts msgs and returns how many were new.
func (l *Log) Merge(msgs []Message) int {
	added := 0
	for _, m := range msgs {
		if l.Insert(m) {
			added++
		}
	}
	return added
}

func (l *Log) Contains(id int64) bool {
	_, ok := l.ids[id]
	return ok
}

// MaxID returns the largest id in the log.
func (l *Log) MaxID() (int64, bool) {
	if len(l.msgs) == 0 {
		return 0, false
	}
	max := l.msgs[0].ID
	for _, m := range l.msgs[1:] {
		if m.ID > max {
			max = m.ID
		}
	}
	return max, true
}

func (l *Log) Len() int { return len(l.msgs) }

// Snapshot returns a copy of the ordered messages.
func (l *Log) Snapshot() []Message {
	out := make([]Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

func (l *Log) Clear() {
	l.msgs = nil
	l.ids = nil
}

// UnreadCounter counts messages from other users above the high-water mark.
type UnreadCounter struct {
	Count         int
	HighWaterMark int64
}

// observe counts m if it is unread for userID.
func (u *UnreadCounter) observe(m Message, userID int64) {
	if m.SenderID != userID && m.ID > u.HighWaterMark {
		u.Count++
	}
}
