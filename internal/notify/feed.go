package notify

import "sort"

type entry struct {
	event  Event
	source Source
	seq    uint64
}

// Feed is the ordered, de-duplicated set of events for one session.
//
// Items are newest first. Equal CreatedAt values order push before pull,
// then by insertion. Feed is not safe for concurrent use; Channel guards it.
type Feed struct {
	entries []entry
	index   map[string]int
	nextSeq uint64
	unread  int
}

// NewFeed returns an empty feed.
func NewFeed() *Feed {
	return &Feed{index: make(map[string]int)}
}

// Insert adds ev unless an event with the same ID is present. An existing
// entry keeps its read state. Reports whether the event was inserted.
func (f *Feed) Insert(ev Event, src Source) bool {
	if ev.ID == "" {
		return false
	}
	if _, ok := f.index[ev.ID]; ok {
		return false
	}

	f.nextSeq++
	e := entry{event: ev, source: src, seq: f.nextSeq}
	pos := sort.Search(len(f.entries), func(i int) bool {
		return before(e, f.entries[i])
	})

	f.entries = append(f.entries, entry{})
	copy(f.entries[pos+1:], f.entries[pos:])
	f.entries[pos] = e
	f.reindex(pos)

	if !ev.Read {
		f.unread++
	}
	return true
}

// MarkRead flips an unread event to read. Reports false when the ID is
// unknown or already read.
func (f *Feed) MarkRead(id string) bool {
	i, ok := f.index[id]
	if !ok || f.entries[i].event.Read {
		return false
	}
	f.entries[i].event.Read = true
	f.unread--
	return true
}

// Items returns a copy of the events, newest first.
func (f *Feed) Items() []Event {
	out := make([]Event, len(f.entries))
	for i, e := range f.entries {
		out[i] = e.event
	}
	return out
}

// Len returns the number of events.
func (f *Feed) Len() int {
	return len(f.entries)
}

// UnreadCount returns the number of unread events.
func (f *Feed) UnreadCount() int {
	return f.unread
}

// Clear drops every event.
func (f *Feed) Clear() {
	f.entries = nil
	f.index = make(map[string]int)
	f.unread = 0
}

func (f *Feed) reindex(from int) {
	for i := from; i < len(f.entries); i++ {
		f.index[f.entries[i].event.ID] = i
	}
}

// before reports whether a sorts ahead of b.
func before(a, b entry) bool {
	if !a.event.CreatedAt.Equal(b.event.CreatedAt) {
		return a.event.CreatedAt.After(b.event.CreatedAt)
	}
	if a.source != b.source {
		return a.source == SourcePush
	}
	return a.seq < b.seq
}
