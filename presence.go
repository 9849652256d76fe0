package chatsync

import (
	"sort"
	"time"
)

// Presence maps user ids to their online state.
type Presence struct {
	online   map[string]bool
	lastSeen map[string]time.Time
}

func NewPresence() *Presence {
	return &Presence{
		online:   make(map[string]bool),
		lastSeen: make(map[string]time.Time),
	}
}

func (p *Presence) SetOnline(userID string) {
	p.online[userID] = true
}

func (p *Presence) SetOffline(userID string, lastSeen time.Time) {
	p.online[userID] = false
	if !lastSeen.IsZero() {
		p.lastSeen[userID] = lastSeen
	}
}

func (p *Presence) Online(userID string) bool { return p.online[userID] }

// LastSeen returns the last reported offline time for userID.
func (p *Presence) LastSeen(userID string) (time.Time, bool) {
	t, ok := p.lastSeen[userID]
	return t, ok
}

// Snapshot returns a copy of the presence map.
func (p *Presence) Snapshot() map[string]bool {
	out := make(map[string]bool, len(p.online))
	for k, v := range p.online {
		out[k] = v
	}
	return out
}

func (p *Presence) Reset() {
	p.online = make(map[string]bool)
	p.lastSeen = make(map[string]time.Time)
}

// Typing maps conversation ids to the set of users currently typing. Each
// entry remembers when it was last marked so a lost stop signal can expire.
type Typing struct {
	byConv map[string]map[string]time.Time
}

func NewTyping() *Typing {
	return &Typing{byConv: make(map[string]map[string]time.Time)}
}

// Mark adds userID to the conversation's set and reports whether it was
// absent. Marking again only refreshes the entry.
func (t *Typing) Mark(conversationID, userID string, now time.Time) bool {
	set, ok := t.byConv[conversationID]
	if !ok {
		set = make(map[string]time.Time)
		t.byConv[conversationID] = set
	}
	_, existed := set[userID]
	set[userID] = now
	return !existed
}

// Clear removes userID from the conversation's set if present.
func (t *Typing) Clear(conversationID, userID string) bool {
	set, ok := t.byConv[conversationID]
	if !ok {
		return false
	}
	if _, ok := set[userID]; !ok {
		return false
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(t.byConv, conversationID)
	}
	return true
}

// Expire clears entries not refreshed within ttl and reports how many were
// removed.
func (t *Typing) Expire(now time.Time, ttl time.Duration) int {
	n := 0
	for conv, set := range t.byConv {
		for user, at := range set {
			if now.Sub(at) >= ttl {
				delete(set, user)
				n++
			}
		}
		if len(set) == 0 {
			delete(t.byConv, conv)
		}
	}
	return n
}

// Users returns the sorted ids typing in a conversation.
func (t *Typing) Users(conversationID string) []string {
	set := t.byConv[conversationID]
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns conversation id to sorted typing user ids.
func (t *Typing) Snapshot() map[string][]string {
	out := make(map[string][]string, len(t.byConv))
	for conv := range t.byConv {
		out[conv] = t.Users(conv)
	}
	return out
}

func (t *Typing) Reset() {
	t.byConv = make(map[string]map[string]time.Time)
}
