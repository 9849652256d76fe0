package chatsync

import (
	"sort"
	"time"
)

// Timeline is the ascending message list of the single active conversation.
type Timeline struct {
	conversationID string
	msgs           []Message

	// hidden holds self-only deletions for the session so refetched pages
	// do not resurrect them.
	hidden map[string]struct{}
}

func NewTimeline() *Timeline {
	return &Timeline{hidden: make(map[string]struct{})}
}

func (t *Timeline) ConversationID() string { return t.conversationID }

func (t *Timeline) Len() int { return len(t.msgs) }

// Messages returns copies of the timeline in ascending order.
func (t *Timeline) Messages() []Message {
	out := make([]Message, len(t.msgs))
	for i, m := range t.msgs {
		out[i] = m.clone()
	}
	return out
}

// Get returns a copy of the message with id.
func (t *Timeline) Get(id string) (Message, bool) {
	if i := t.indexOf(id); i >= 0 {
		return t.msgs[i].clone(), true
	}
	return Message{}, false
}

// Last returns the newest message.
func (t *Timeline) Last() (*Message, bool) {
	if len(t.msgs) == 0 {
		return nil, false
	}
	m := t.msgs[len(t.msgs)-1].clone()
	return &m, true
}

// Oldest returns the oldest message.
func (t *Timeline) Oldest() (*Message, bool) {
	if len(t.msgs) == 0 {
		return nil, false
	}
	m := t.msgs[0].clone()
	return &m, true
}

// Reset discards the timeline and makes conversationID active.
func (t *Timeline) Reset(conversationID string) {
	t.conversationID = conversationID
	t.msgs = nil
}

// Forget drops the session's self-only deletions.
func (t *Timeline) Forget() {
	t.hidden = make(map[string]struct{})
}

// ReplacePage replaces the timeline with a fetched page. Local knowledge the
// page does not carry survives: advanced statuses, read receipts, tombstones
// and unconfirmed local echoes. With keepNewer, push-delivered messages newer
// than the page are kept too. It returns the client ids of local echoes the
// page confirmed.
func (t *Timeline) ReplacePage(msgs []Message, keepNewer bool) []string {
	page := t.admit(msgs)
	local := make(map[string]Message, len(t.msgs))
	for _, m := range t.msgs {
		local[m.ID] = m
	}

	inPage := make(map[string]struct{}, len(page))
	clientIDs := make(map[string]struct{})
	var unclaimed []int
	var newest *Message
	for i := range page {
		_, known := local[page[i].ID]
		if known {
			page[i] = mergeMessage(local[page[i].ID], page[i])
		}
		inPage[page[i].ID] = struct{}{}
		if page[i].ClientID != "" {
			clientIDs[page[i].ClientID] = struct{}{}
		} else if !known {
			unclaimed = append(unclaimed, i)
		}
		if newest == nil || newest.before(&page[i]) {
			newest = &page[i]
		}
	}

	out := page
	var confirmed []string
	for _, l := range t.msgs {
		if _, ok := inPage[l.ID]; ok {
			continue
		}
		if _, ok := clientIDs[l.ClientID]; ok && l.ClientID != "" {
			confirmed = append(confirmed, l.ClientID)
			continue
		}
		if isLocal(&l) {
			if i := confirmingIndex(out, unclaimed, &l); i >= 0 {
				out[unclaimed[i]].ClientID = l.ClientID
				unclaimed = append(unclaimed[:i], unclaimed[i+1:]...)
				confirmed = append(confirmed, l.ClientID)
				continue
			}
		}
		switch {
		case isLocal(&l):
			out = append(out, l)
		case keepNewer && (newest == nil || newest.before(&l)):
			out = append(out, l)
		}
	}
	sortMessages(out)
	t.msgs = out
	return confirmed
}

// echoSkew bounds how much earlier than its local echo a server copy
// without a client id may be stamped.
const echoSkew = time.Minute

func confirms(m, echo *Message) bool {
	return m.Sender.ID == echo.Sender.ID && m.Content == echo.Content &&
		!m.CreatedAt.Before(echo.CreatedAt.Add(-echoSkew))
}

// confirmingIndex returns the position in candidates of the oldest message
// in ms that confirms echo.
func confirmingIndex(ms []Message, candidates []int, echo *Message) int {
	best := -1
	for i, c := range candidates {
		if !confirms(&ms[c], echo) {
			continue
		}
		if best < 0 || ms[c].before(&ms[candidates[best]]) {
			best = i
		}
	}
	return best
}

// PrependPage merges an older page, skipping messages already present, and
// returns how many were added.
func (t *Timeline) PrependPage(msgs []Message) int {
	page := t.admit(msgs)
	added := 0
	for _, m := range page {
		if i := t.indexOf(m.ID); i >= 0 {
			t.msgs[i] = mergeMessage(t.msgs[i], m)
			continue
		}
		t.msgs = append(t.msgs, m)
		added++
	}
	sortMessages(t.msgs)
	return added
}

// AppendIncoming inserts msg at its chronological position when it belongs
// to the active conversation and is not already present. A matching local
// echo is reconciled in place. It reports whether the timeline grew.
func (t *Timeline) AppendIncoming(msg Message) bool {
	if msg.ConversationID != t.conversationID || t.conversationID == "" {
		return false
	}
	if _, ok := t.hidden[msg.ID]; ok {
		return false
	}
	if i := t.indexOf(msg.ID); i >= 0 {
		moved := !t.msgs[i].CreatedAt.Equal(msg.CreatedAt)
		// A copy already linked to an echo cannot confirm another one.
		linked := t.msgs[i].ClientID != "" && msg.ClientID == ""
		t.msgs[i] = mergeMessage(t.msgs[i], msg)
		if j := t.echoOf(msg); !linked && j >= 0 && j != i {
			t.msgs = append(t.msgs[:j], t.msgs[j+1:]...)
		}
		if moved {
			sortMessages(t.msgs)
		}
		return false
	}
	if i := t.echoOf(msg); i >= 0 {
		t.msgs[i] = mergeMessage(t.msgs[i], msg)
		sortMessages(t.msgs)
		return false
	}

	m := msg.clone()
	i := sort.Search(len(t.msgs), func(i int) bool { return m.before(&t.msgs[i]) })
	t.msgs = append(t.msgs, Message{})
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = m
	return true
}

// echoOf finds the unconfirmed local echo that msg confirms: by client id,
// or for a sender's own echo with identical content when the server did not
// return the client id.
func (t *Timeline) echoOf(msg Message) int {
	if msg.ClientID != "" {
		for i := range t.msgs {
			if t.msgs[i].ClientID == msg.ClientID && t.msgs[i].ID != msg.ID && isLocal(&t.msgs[i]) {
				return i
			}
		}
	}
	for i := range t.msgs {
		l := &t.msgs[i]
		if isLocal(l) && confirms(&msg, l) && (msg.ClientID == "" || l.ClientID == "") {
			return i
		}
	}
	return -1
}

func isLocal(m *Message) bool {
	return m.Status == StatusPending || m.Status == StatusFailed
}

// MutateStatus advances a message status; regressions are ignored.
func (t *Timeline) MutateStatus(id string, status MessageStatus) bool {
	i := t.indexOf(id)
	if i < 0 || !t.msgs[i].Status.Advances(status) {
		return false
	}
	t.msgs[i].Status = status
	return true
}

// resetEcho moves a failed local echo back to pending for a retry.
func (t *Timeline) resetEcho(clientID string) bool {
	for i := range t.msgs {
		if t.msgs[i].ClientID == clientID && t.msgs[i].Status == StatusFailed {
			t.msgs[i].Status = StatusPending
			return true
		}
	}
	return false
}

// ApplyDeletion tombstones a message in place when forEveryone, otherwise
// removes it from the local projection.
func (t *Timeline) ApplyDeletion(id string, forEveryone bool) bool {
	i := t.indexOf(id)
	if !forEveryone {
		t.hidden[id] = struct{}{}
		if i < 0 {
			return false
		}
		t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
		return true
	}
	if i < 0 {
		return false
	}
	t.msgs[i].tombstone()
	return true
}

// remove drops a message without recording it as hidden.
func (t *Timeline) remove(id string) bool {
	i := t.indexOf(id)
	if i < 0 {
		return false
	}
	t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
	return true
}

// MarkReadBy adds reader to every confirmed message lacking it. With
// promote, messages not sent by reader advance to read. It returns the
// number of messages changed.
func (t *Timeline) MarkReadBy(reader string, promote bool) int {
	n := 0
	for i := range t.msgs {
		m := &t.msgs[i]
		if isLocal(m) || m.ReadByUser(reader) {
			continue
		}
		m.ReadBy = append(m.ReadBy, reader)
		if promote && m.Sender.ID != reader && m.Status.Advances(StatusRead) {
			m.Status = StatusRead
		}
		n++
	}
	return n
}

// Seek returns the position of a message for highlight-seek.
func (t *Timeline) Seek(id string) (int, bool) {
	i := t.indexOf(id)
	return i, i >= 0
}

// admit filters a fetched page to the active conversation, drops hidden
// messages and collapses duplicates within the page.
func (t *Timeline) admit(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	pos := make(map[string]int, len(msgs))
	for _, m := range msgs {
		if m.ConversationID == "" {
			m.ConversationID = t.conversationID
		}
		if m.ConversationID != t.conversationID {
			continue
		}
		if _, ok := t.hidden[m.ID]; ok {
			continue
		}
		if m.Status == "" {
			m.Status = StatusSent
		}
		if i, ok := pos[m.ID]; ok {
			out[i] = mergeMessage(out[i], m)
			continue
		}
		pos[m.ID] = len(out)
		out = append(out, m.clone())
	}
	return out
}

func (t *Timeline) indexOf(id string) int {
	for i := range t.msgs {
		if t.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func sortMessages(ms []Message) {
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].before(&ms[j]) })
}
