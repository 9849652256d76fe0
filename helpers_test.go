package chatsync

import (
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(min int) time.Time { return t0.Add(time.Duration(min) * time.Minute) }

func testUser(id string) User {
	return User{ID: id, DisplayName: strings.ToUpper(id[:1]) + id[1:]}
}

func testMsg(id, conv, sender string, min int) Message {
	return Message{
		ID:             id,
		ConversationID: conv,
		Sender:         testUser(sender),
		Content:        "hello " + id,
		Type:           MessageText,
		Status:         StatusSent,
		CreatedAt:      at(min),
	}
}

func testConv(id string, min int, participants ...string) Conversation {
	c := Conversation{ID: id, Type: ConversationDirect, UpdatedAt: at(min)}
	if len(participants) > 2 {
		c.Type = ConversationGroup
		c.Name = "group " + id
	}
	for _, p := range participants {
		c.Participants = append(c.Participants, testUser(p))
	}
	return c
}

func intp(n int) *int { return &n }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testClock is a manually advanced clock.
type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestState(self string) (*State, *testClock) {
	clock := &testClock{now: at(0)}
	s := NewState(self, Config{Logger: discardLogger(), Now: clock.Now})
	n := 0
	s.newID = func() string {
		n++
		return "n" + strconv.Itoa(n)
	}
	return s, clock
}

func ids(ms []Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func convIDs(cs []Conversation) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

func isSorted(ms []Message) bool {
	for i := 1; i < len(ms); i++ {
		if ms[i].before(&ms[i-1]) {
			return false
		}
	}
	return true
}

func effectsOf[T Effect](fx []Effect) []T {
	var out []T
	for _, f := range fx {
		if v, ok := f.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
