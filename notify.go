package chatsync

import "time"

// Notification is a transient alert for an incoming message.
type Notification struct {
	ID             string    `json:"id"`
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	Preview        string    `json:"preview"`
	RaisedAt       time.Time `json:"raisedAt"`
}

// Notifier keeps at most one visible notification. A notification instance
// ends exactly once: dismissed, opened, expired or replaced.
type Notifier struct {
	current  *Notification
	notified *idSet
}

func NewNotifier(capacity int) *Notifier {
	return &Notifier{notified: newIDSet(capacity)}
}

// Raise shows a notification for msg, replacing any visible one. A message
// that already raised a notification is ignored.
func (n *Notifier) Raise(id string, msg Message, senderName string, now time.Time) (Notification, bool) {
	if n.notified.has(msg.ID) {
		return Notification{}, false
	}
	n.notified.add(msg.ID)
	if senderName == "" {
		senderName = msg.Sender.Name()
	}
	nt := Notification{
		ID:             id,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.Sender.ID,
		SenderName:     senderName,
		Preview:        msg.Preview(),
		RaisedAt:       now,
	}
	n.current = &nt
	return nt, true
}

// Current returns the visible notification.
func (n *Notifier) Current() (Notification, bool) {
	if n.current == nil {
		return Notification{}, false
	}
	return *n.current, true
}

// Dismiss ends the visible notification when it matches id.
func (n *Notifier) Dismiss(id string) bool {
	_, ok := n.take(id)
	return ok
}

// Open ends the visible notification when it matches id and returns it so
// the caller can navigate to its conversation.
func (n *Notifier) Open(id string) (Notification, bool) {
	return n.take(id)
}

// Expire is the auto-dismiss path.
func (n *Notifier) Expire(id string) bool {
	_, ok := n.take(id)
	return ok
}

func (n *Notifier) take(id string) (Notification, bool) {
	if n.current == nil || n.current.ID != id {
		return Notification{}, false
	}
	nt := *n.current
	n.current = nil
	return nt, true
}

func (n *Notifier) Reset() {
	n.current = nil
	n.notified.reset()
}

// idSet is a bounded set of ids; the oldest entries fall out first.
type idSet struct {
	cap   int
	ids   map[string]struct{}
	order []string
}

func newIDSet(capacity int) *idSet {
	if capacity <= 0 {
		capacity = 4096
	}
	return &idSet{cap: capacity, ids: make(map[string]struct{}, capacity)}
}

func (s *idSet) has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *idSet) add(id string) {
	if s.has(id) {
		return
	}
	if len(s.order) >= s.cap {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
}

func (s *idSet) reset() {
	s.ids = make(map[string]struct{}, s.cap)
	s.order = nil
}
