package chatsync

import (
	"sort"
	"time"
)

type presenceEntry struct {
	online   bool
	lastSeen time.Time
}

// Directory is the ordered collection of conversations visible to the
// current user, most recent first. It is not safe for concurrent use; the
// Engine owns it from a single goroutine.
type Directory struct {
	byID     map[string]*Conversation
	order    []string
	presence map[string]presenceEntry
}

func NewDirectory() *Directory {
	return &Directory{
		byID:     make(map[string]*Conversation),
		presence: make(map[string]presenceEntry),
	}
}

func (d *Directory) Len() int { return len(d.order) }

func (d *Directory) Has(id string) bool {
	_, ok := d.byID[id]
	return ok
}

// Get returns a copy of the conversation.
func (d *Directory) Get(id string) (Conversation, bool) {
	c, ok := d.byID[id]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// List returns copies of all conversations in directory order.
func (d *Directory) List() []Conversation {
	out := make([]Conversation, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.byID[id].clone())
	}
	return out
}

// IDs returns conversation ids in directory order.
func (d *Directory) IDs() []string {
	return append([]string(nil), d.order...)
}

func (d *Directory) Reset() {
	d.byID = make(map[string]*Conversation)
	d.order = nil
	d.presence = make(map[string]presenceEntry)
}

// Upsert inserts c or replaces the fields of the existing entry. The unread
// counter of an existing entry is kept unless unread is non-nil.
func (d *Directory) Upsert(c Conversation, unread *int) {
	c = c.clone()
	c.Participants = d.normalizeParticipants(c.Participants)

	cur, ok := d.byID[c.ID]
	if !ok {
		if unread != nil {
			c.UnreadCount = *unread
		}
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		if c.LastMessage != nil && c.LastMessage.CreatedAt.After(c.UpdatedAt) {
			c.UpdatedAt = c.LastMessage.CreatedAt
		}
		d.byID[c.ID] = &c
		d.order = append(d.order, c.ID)
		d.sort()
		return
	}

	count := cur.UnreadCount
	if unread != nil {
		count = *unread
	}
	c.LastMessage = mergeLastMessage(cur.LastMessage, c.LastMessage)
	c.UpdatedAt = latest(cur.UpdatedAt, c.UpdatedAt)
	if c.LastMessage != nil {
		c.UpdatedAt = latest(c.UpdatedAt, c.LastMessage.CreatedAt)
	}
	if len(c.Participants) == 0 {
		c.Participants = cur.Participants
	}
	c.UnreadCount = count
	*cur = c
	d.sort()
}

// normalizeParticipants drops duplicate ids and re-applies known presence.
func (d *Directory) normalizeParticipants(ps []User) []User {
	if len(ps) == 0 {
		return ps
	}
	seen := make(map[string]struct{}, len(ps))
	out := ps[:0]
	for _, p := range ps {
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		if pe, ok := d.presence[p.ID]; ok {
			p.Online = pe.online
			if !pe.lastSeen.IsZero() {
				p.LastSeenAt = pe.lastSeen
			}
		}
		out = append(out, p)
	}
	return out
}

// ApplyIncomingMessage folds msg into its conversation's denormalized fields
// and reports whether the conversation is known. Unknown conversations are
// left untouched; the caller refetches the directory.
func (d *Directory) ApplyIncomingMessage(msg Message, countUnread bool) bool {
	c, ok := d.byID[msg.ConversationID]
	if !ok {
		return false
	}
	m := msg.clone()
	c.LastMessage = mergeLastMessage(c.LastMessage, &m)
	c.UpdatedAt = latest(c.UpdatedAt, msg.CreatedAt)
	if countUnread {
		c.UnreadCount++
	}
	d.sort()
	return true
}

// MarkRead zeroes the unread counter and reports whether it was non-zero.
func (d *Directory) MarkRead(id string) bool {
	c, ok := d.byID[id]
	if !ok || c.UnreadCount == 0 {
		return false
	}
	c.UnreadCount = 0
	return true
}

// Unread returns the counter of one conversation.
func (d *Directory) Unread(id string) int {
	if c, ok := d.byID[id]; ok {
		return c.UnreadCount
	}
	return 0
}

// SetUnreadCounts overwrites counters for known conversations.
func (d *Directory) SetUnreadCounts(counts map[string]int) {
	for id, n := range counts {
		if c, ok := d.byID[id]; ok && n >= 0 {
			c.UnreadCount = n
		}
	}
}

// TotalUnread sums the per-conversation counters.
func (d *Directory) TotalUnread() int {
	total := 0
	for _, c := range d.byID {
		total += c.UnreadCount
	}
	return total
}

// MergeSnapshot upserts an authoritative directory listing. A local entry
// whose last message is newer than the snapshot's keeps that message and the
// larger unread counter. Conversations missing from the snapshot are kept.
func (d *Directory) MergeSnapshot(convs []Conversation) {
	for _, c := range convs {
		if c.ID == "" {
			continue
		}
		unread := c.UnreadCount
		if cur, ok := d.byID[c.ID]; ok && cur.LastMessage != nil {
			if c.LastMessage == nil || c.LastMessage.before(cur.LastMessage) {
				if cur.UnreadCount > unread {
					unread = cur.UnreadCount
				}
			}
		}
		d.Upsert(c, &unread)
	}
}

// SetPresence updates every cached participant record for userID.
func (d *Directory) SetPresence(userID string, online bool, lastSeen time.Time) {
	pe := d.presence[userID]
	pe.online = online
	if !lastSeen.IsZero() {
		pe.lastSeen = lastSeen
	}
	d.presence[userID] = pe
	for _, c := range d.byID {
		for i := range c.Participants {
			if c.Participants[i].ID == userID {
				c.Participants[i].Online = online
				if !lastSeen.IsZero() {
					c.Participants[i].LastSeenAt = lastSeen
				}
			}
		}
	}
}

// MirrorStatus advances the status of a matching last message.
func (d *Directory) MirrorStatus(messageID string, status MessageStatus) bool {
	changed := false
	for _, c := range d.byID {
		if c.LastMessage != nil && c.LastMessage.ID == messageID && c.LastMessage.Status.Advances(status) {
			c.LastMessage.Status = status
			changed = true
		}
	}
	return changed
}

// MirrorRead records reader on the conversation's last message, promoting it
// to read when the reader is someone other than self.
func (d *Directory) MirrorRead(conversationID, reader, self string) bool {
	c, ok := d.byID[conversationID]
	if !ok || c.LastMessage == nil {
		return false
	}
	lm := c.LastMessage
	if lm.ReadByUser(reader) {
		return false
	}
	lm.ReadBy = append(lm.ReadBy, reader)
	if reader != self && lm.Sender.ID != reader && lm.Status.Advances(StatusRead) {
		lm.Status = StatusRead
	}
	return true
}

// MirrorDeletion applies a deletion to the matching last message. A deletion
// for everyone tombstones it; a self-only deletion replaces it with next,
// which may be nil. An empty conversationID matches any conversation.
func (d *Directory) MirrorDeletion(conversationID, messageID string, forEveryone bool, next *Message) bool {
	changed := false
	for id, c := range d.byID {
		if conversationID != "" && id != conversationID {
			continue
		}
		if c.LastMessage == nil || c.LastMessage.ID != messageID {
			continue
		}
		if forEveryone {
			c.LastMessage.tombstone()
		} else if next != nil {
			m := next.clone()
			c.LastMessage = &m
		} else {
			c.LastMessage = nil
		}
		changed = true
	}
	return changed
}

// FindDirect returns the direct conversation between self and peer.
func (d *Directory) FindDirect(self, peer string) (Conversation, bool) {
	for _, id := range d.order {
		c := d.byID[id]
		if c.Type != ConversationDirect || !c.HasParticipant(peer) {
			continue
		}
		if peer == self || c.HasParticipant(self) || len(c.Participants) == 1 {
			return c.clone(), true
		}
	}
	return Conversation{}, false
}

// Participant returns the cached record for userID from any conversation.
func (d *Directory) Participant(userID string) (User, bool) {
	for _, id := range d.order {
		for _, p := range d.byID[id].Participants {
			if p.ID == userID {
				return p, true
			}
		}
	}
	return User{}, false
}

func (d *Directory) sort() {
	sort.SliceStable(d.order, func(i, j int) bool {
		a, b := d.byID[d.order[i]], d.byID[d.order[j]]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
}

// mergeLastMessage keeps the newer of two last messages. For the same
// message the status never regresses and a tombstone stays a tombstone.
func mergeLastMessage(cur, next *Message) *Message {
	switch {
	case next == nil:
		return cur
	case cur == nil:
		m := next.clone()
		return &m
	case cur.ID == next.ID:
		m := mergeMessage(*cur, *next)
		return &m
	case next.before(cur):
		return cur
	}
	m := next.clone()
	return &m
}

// mergeMessage combines a local copy with a fresher copy of the same message.
func mergeMessage(local, incoming Message) Message {
	out := incoming.clone()
	out.Status = maxStatus(local.Status, incoming.Status)
	for _, id := range local.ReadBy {
		if !out.ReadByUser(id) {
			out.ReadBy = append(out.ReadBy, id)
		}
	}
	if out.ClientID == "" {
		out.ClientID = local.ClientID
	}
	if local.DeletedForEveryone {
		out.tombstone()
	}
	return out
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
