package chatsync

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
)

func seed(s *State, convs ...Conversation) {
	s.Apply(directoryLoaded{Conversations: convs})
}

func page(conv string, from, n int) []Message {
	out := make([]Message, n)
	for i := range out {
		out[i] = testMsg("m"+strconv.Itoa(from+i), conv, "bob", from+i)
	}
	return out
}

func TestIncomingMessageUnreadAndNotification(t *testing.T) {
	s, _ := newTestState("me")
	seed(s, testConv("a", 1, "me", "bob"), testConv("b", 2, "me", "eve"))

	if diff := cmp.Diff([]string{"b", "a"}, convIDs(s.View().Conversations)); diff != "" {
		t.Fatalf("initial order (-want +got):\n%s", diff)
	}

	fx := s.Apply(NewMessage{Message: testMsg("m1", "a", "bob", 10)})
	v := s.View()

	if diff := cmp.Diff([]string{"a", "b"}, convIDs(v.Conversations)); diff != "" {
		t.Fatalf("order after message (-want +got):\n%s", diff)
	}
	a, _ := v.Conversation("a")
	if a.UnreadCount != 1 || v.TotalUnread != 1 {
		t.Fatalf("expected unread 1, got conv=%d total=%d", a.UnreadCount, v.TotalUnread)
	}
	if v.Notification == nil || v.Notification.MessageID != "m1" || v.Notification.SenderName != "Bob" {
		t.Fatalf("unexpected notification %+v", v.Notification)
	}
	timers := effectsOf[scheduleTimer](fx)
	if len(timers) != 1 || timers[0].After != 5*time.Second {
		t.Fatalf("expected one expiry timer, got %+v", timers)
	}
	if exp, ok := timers[0].Event.(notificationExpired); !ok || exp.ID != v.Notification.ID {
		t.Fatalf("timer event = %#v", timers[0].Event)
	}

	t.Run("redelivery does not double count", func(t *testing.T) {
		fx := s.Apply(NewMessage{Message: testMsg("m1", "a", "bob", 10)})
		if len(fx) != 0 {
			t.Fatalf("expected no effects, got %#v", fx)
		}
		if got := s.View().TotalUnread; got != 1 {
			t.Fatalf("expected unread 1, got %d", got)
		}
	})

	t.Run("newer notification replaces older", func(t *testing.T) {
		s.Apply(NewMessage{Message: testMsg("m2", "b", "eve", 11)})
		n := s.View().Notification
		if n == nil || n.MessageID != "m2" {
			t.Fatalf("expected m2 notification, got %+v", n)
		}
	})

	t.Run("own message never counts", func(t *testing.T) {
		before := s.View().TotalUnread
		fx := s.Apply(NewMessage{Message: testMsg("m3", "a", "me", 12)})
		if got := s.View().TotalUnread; got != before {
			t.Fatalf("expected unread %d, got %d", before, got)
		}
		if len(effectsOf[scheduleTimer](fx)) != 0 {
			t.Fatal("expected no notification for own message")
		}
	})
}

func TestVisibleConversationAutoMarksRead(t *testing.T) {
	s, _ := newTestState("me")
	seed(s, testConv("a", 1, "me", "bob"))
	s.Apply(widgetIntent{Open: true})
	s.Apply(setActive{ConversationID: "a"})

	fx := s.Apply(NewMessage{Message: testMsg("m1", "a", "bob", 5)})
	v := s.View()
	if v.TotalUnread != 0 {
		t.Fatalf("expected unread 0, got %d", v.TotalUnread)
	}
	if v.Notification != nil {
		t.Fatal("expected no notification for a visible conversation")
	}
	if marks := effectsOf[callMarkRead](fx); len(marks) != 1 || marks[0].ConversationID != "a" {
		t.Fatalf("expected mark read call, got %#v", fx)
	}
	if diff := cmp.Diff([]string{"m1"}, ids(v.Timeline)); diff != "" {
		t.Fatalf("timeline (-want +got):\n%s", diff)
	}

	t.Run("disabled auto mark read counts unread", func(t *testing.T) {
		s := NewState("me", Config{Logger: discardLogger(), DisableAutoMarkRead: true})
		seed(s, testConv("a", 1, "me", "bob"))
		s.Apply(widgetIntent{Open: true})
		s.Apply(setActive{ConversationID: "a"})
		fx := s.Apply(NewMessage{Message: testMsg("m1", "a", "bob", 5)})
		if len(effectsOf[callMarkRead](fx)) != 0 {
			t.Fatal("expected no mark read call")
		}
		if s.View().Notification != nil {
			t.Fatal("expected no notification for a visible conversation")
		}
	})
}

func TestMarkReadIsOptimistic(t *testing.T) {
	s, _ := newTestState("me")
	seed(s, testConv("a", 1, "me", "bob"))
	s.Apply(NewMessage{Message: testMsg("m1", "a", "bob", 2)})
	s.Apply(NewMessage{Message: testMsg("m2", "a", "bob", 3)})

	fx := s.Apply(markReadIntent{ConversationID: "a"})
	if got := s.View().TotalUnread; got != 0 {
		t.Fatalf("expected unread 0 before the call returns, got %d", got)
	}
	if diff := cmp.Diff([]Effect{callMarkRead{ConversationID: "a"}}, fx); diff != "" {
		t.Fatalf("effects (-want +got):\n%s", diff)
	}
}

func TestMessagesRead(t *testing.T) {
	s, _ := newTestState("me")
	seed(s, testConv("a", 1, "me", "bob"))
	s.Apply(setActive{ConversationID: "a"})
	s.Apply(pageLoaded{
		ConversationID: "a",
		Seq:            s.seq,
		Mode:           pageReplace,
		Query:          PageQuery{Page: 1, Limit: 30},
		Messages:       []Message{testMsg("m1", "a", "me", 1), testMsg("m2", "a", "bob", 2)},
	})

	t.Run("peer read promotes own messages", func(t *testing.T) {
		s.Apply(MessagesRead{ConversationID: "a", ReaderID: "bob"})
		v := s.View()
		if v.Timeline[0].Status != StatusRead {
			t.Fatalf("expected m1 read, got %s", v.Timeline[0].Status)
		}
		if v.Timeline[1].Status != StatusSent {
			t.Fatalf("expected bob's message untouched, got %s", v.Timeline[1].Status)
		}
	})

	t.Run("read on another device zeroes unread", func(t *testing.T) {
		s.Apply(NewMessage{Message: testMsg("m3", "a", "bob", 3)})
		s.Apply(MessagesRead{ConversationID: "a", ReaderID: "me"})
		if got := s.View().TotalUnread; got != 0 {
			t.Fatalf("expected unread 0, got %d", got)
		}
	})

	t.Run("unknown conversation resnapshots once", func(t *testing.T) {
		fx := s.Apply(MessagesRead{ConversationID: "zz", ReaderID: "bob"})
		if len(effectsOf[fetchDirectory](fx)) != 1 {
			t.Fatalf("expected directory refetch, got %#v", fx)
		}
		fx = s.Apply(MessagesRead{ConversationID: "zz", ReaderID: "bob"})
		if len(fx) != 0 {
			t.Fatalf("expected refetch to collapse, got %#v", fx)
		}
		fx = s.Apply(directoryLoaded{Conversations: []Conversation{testConv("zz", 9, "me", "bob")}, JoinNew: true})
		if joins := effectsOf[joinChannel](fx); len(joins) != 1 || joins[0].ConversationID != "zz" {
			t.Fatalf("expected join of new conversation, got %#v", fx)
		}
	})

	t.Run("messages not held locally are untouched", func(t *testing.T) {
		before := s.View().Timeline
		s.Apply(MessagesRead{ConversationID: "a", ReaderID: "eve"})
		after := s.View().Timeline
		if len(before) != len(after) {
			t.Fatalf("expected timeline size kept, %d != %d", len(before), len(after))
		}
	})
}

func TestStatusUpdate(t *testing.T) {
	s, _ := newTestState("me")
	seed(s, testConv("a", 1, "me", "bob"))
	s.Apply(setActive{ConversationID: "a"})
	s.Apply(NewMessage{Message: testMsg("m1", "a", "me", 2)})

	s.Apply(MessageStatusUpdated{MessageID: "m1", ConversationID: "a", Status: StatusRead})
	s.Apply(MessageStatusUpdated{MessageID: "m1", ConversationID: "a", Status: StatusDelivered})
	v := s.View()
	if v.Timeline[0].Status != StatusRead {
		t.Fatalf("expected read to stick, got %s", v.Timeline[0].Status)
	}
	a, _ := v.Conversation("a")
	if a.LastMessage.Status != StatusRead {
		t.Fatalf("expected directory mirror read, got %s", a.LastMessage.Status)
	}
	s.Apply(MessageStatusUpdated{MessageID: "nope", Status: StatusRead})
}

func TestTypingIndicators(t *testing.T) {
	s, clock := newTestState("me")
	seed(s, testConv("a", 1, "me", "bob"))

	s.Apply(TypingStarted{ConversationID: "a", UserID: "bob"})
	s.Apply(TypingStarted{ConversationID: "a", UserID: "bob"})
	if diff := cmp.Diff(map[string][]string{"a": {"bob"}}, s.View().Typing); diff != "" {
		t.Fatalf("typing (-want +got):\n%s", diff)
	}

	t.Run("own typing ignored", func(t *testing.T) {
		s.Apply(TypingStarted{ConversationID: "a", UserID: "me"})
		if got := s.View().Typing["a"]; len(got) != 1 {
			t.Fatalf("expected only bob, got %v", got)
		}
	})

	t.Run("stop clears", func(t *testing.T) {
		s.Apply(TypingStopped{ConversationID: "a", UserID: "bob"})
		if len(s.View().Typing) != 0 {
			t.Fatalf("expected no typing, got %v", s.View().Typing)
		}
		s.Apply(TypingStopped{ConversationID: "a", UserID: "bob"})
	})

	t.Run("message from typer clears", func(t *testing.T) {
		s.Apply(TypingStarted{ConversationID: "a", UserID: "bob"})
		s.Apply(NewMessage{Message: testMsg("m1", "a", "bob", 3)})
		if len(s.View().Typing) != 0 {
			t.Fatalf("expected no typing, got %v", s.View().Typing)
		}
	})

	t.Run("stale entry expires", func(t *testing.T) {
		s.Apply(TypingStarted{ConversationID: "a", UserID: "bob"})
		version := s.View().Version
		s.Apply(tick{Now: clock.Now().Add(time.Second)})
		if s.View().Version != version {
			t.Fatal("expected idle tick not to bump version")
		}
		s.Apply(tick{Now: clock.Now().Add(9 * time.Second)})
		if len(s.View().Typing) != 0 {
			t.Fatalf("expected expiry, got %v", s.View().Typing)
		}
	})

	t.Run("disconnect clears", func(t *testing.T) {
		s.Apply(TypingStarted{ConversationID: "a", UserID: "bob"})
		s.Apply(connectionChanged{Connected: false})
		if len(s.View().Typing) != 0 {
			t.Fatalf("expected no typing, got %v", s.View().Typing)
		}
	})
}

func TestPresenceChanged(t *testing.T) {
	s, _ := newTestState("me")
	seed(s, testConv("a", 1, "me", "bob"))
	s.Apply(PresenceChanged{UserID: "bob", Online: true})
	v := s.View()
	if !v.Online["bob"] {
		t.Fatal("expected bob online")
	}
	a, _ := v.Conversation("a")
	if !a.Participants[1].Online {
		t.Fatal("expected participant record online")
	}
	s.Apply(PresenceChanged{UserID: "bob", Online: false, LastSeenAt: at(4)})
	if s.View().Online["bob"] {
		t.Fatal("expected bob offline")
	}
	if ts, ok := s.presence.LastSeen("bob"); !ok || !ts.Equal(at(4)) {
		t.Fatalf("last seen = %v %v", ts, ok)
	}
}

func TestStalePageDiscarded(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewState("me", Config{Logger: discardLogger(), Metrics: NewMetrics(reg)})
	seed(s, testConv("a", 1, "me", "bob"), testConv("b", 2, "me", "eve"))

	fxA := s.Apply(setActive{ConversationID: "a"})
	fxB := s.Apply(setActive{ConversationID: "b"})
	pa := effectsOf[fetchPage](fxA)[0]
	pb := effectsOf[fetchPage](fxB)[0]

	if leaves := effectsOf[leaveChannel](fxB); len(leaves) != 1 || leaves[0].ConversationID != "a" {
		t.Fatalf("expected leave of a, got %#v", fxB)
	}

	s.Apply(pageLoaded{ConversationID: pa.ConversationID, Seq: pa.Seq, Mode: pa.Mode, Query: pa.Query, Messages: page("a", 0, 3)})
	v := s.View()
	if v.ActiveID != "b" || len(v.Timeline) != 0 {
		t.Fatalf("stale page applied: active=%s timeline=%v", v.ActiveID, ids(v.Timeline))
	}
	if !v.Loading {
		t.Fatal("expected b still loading")
	}

	s.Apply(pageLoaded{ConversationID: pb.ConversationID, Seq: pb.Seq, Mode: pb.Mode, Query: pb.Query, Messages: page("b", 0, 2)})
	v = s.View()
	if len(v.Timeline) != 2 || v.Loading {
		t.Fatalf("expected b page, got %v loading=%v", ids(v.Timeline), v.Loading)
	}

	if got := counterValue(t, reg, "chatsync_stale_pages_discarded_total"); got != 1 {
		t.Fatalf("expected 1 stale page, got %v", got)
	}
}

func TestReactivateSameConversation(t *testing.T) {
	s, _ := newTestState("me")
	seed(s, testConv("a", 1, "me", "bob"))
	first := effectsOf[fetchPage](s.Apply(setActive{ConversationID: "a"}))[0]
	fx := s.Apply(setActive{ConversationID: "a"})
	if len(effectsOf[leaveChannel](fx)) != 0 {
		t.Fatal("expected no leave when re-activating the same conversation")
	}
	s.Apply(pageLoaded{ConversationID: "a", Seq: first.Seq, Mode: pageReplace, Query: first.Query, Messages: page("a", 0, 1)})
	if len(s.View().Timeline) != 0 {
		t.Fatal("expected superseded page to be discarded")
	}
}

func TestPaging(t *testing.T) {
	s, _ := newTestState("me")
	seed(s, testConv("a", 1, "me", "bob"))
	fetch := effectsOf[fetchPage](s.Apply(setActive{ConversationID: "a"}))[0]
	if fetch.Query.Limit != 30 || fetch.Query.Page != 1 {
		t.Fatalf("unexpected query %+v", fetch.Query)
	}

	if fx := s.Apply(loadOlder{}); len(fx) != 0 {
		t.Fatal("expected loadOlder to wait for the first page")
	}

	s.Apply(pageLoaded{ConversationID: "a", Seq: fetch.Seq, Mode: pageReplace, Query: fetch.Query, Messages: page("a", 100, 30)})
	if !s.View().HasMore {
		t.Fatal("expected hasMore after a full page")
	}

	older := effectsOf[fetchPage](s.Apply(loadOlder{}))
	if len(older) != 1 || older[0].Mode != pagePrepend || older[0].Query.Page != 2 {
		t.Fatalf("unexpected older fetch %#v", older)
	}
	if fx := s.Apply(loadOlder{}); len(fx) != 0 {
		t.Fatal("expected one older fetch in flight")
	}

	s.Apply(pageLoaded{ConversationID: "a", Seq: older[0].Seq, Mode: pagePrepend, Query: older[0].Query, Messages: page("a", 80, 20)})
	v := s.View()
	if len(v.Timeline) != 50 || v.HasMore {
		t.Fatalf("expected 50 messages and no more, got %d hasMore=%v", len(v.Timeline), v.HasMore)
	}
	if !isSorted(v.Timeline) {
		t.Fatal("expected sorted timeline")
	}

	t.Run("fetch error keeps timeline", func(t *testing.T) {
		fx := effectsOf[fetchPage](s.Apply(resync{}))[0]
		s.Apply(pageLoaded{ConversationID: "a", Seq: fx.Seq, Mode: pageReplace, Query: fx.Query, Err: errors.New("boom")})
		v := s.View()
		if len(v.Timeline) != 50 || v.LastError != "boom" || v.Loading {
			t.Fatalf("unexpected view len=%d err=%q loading=%v", len(v.Timeline), v.LastError, v.Loading)
		}
	})
}

func TestSeekHighlight(t *testing.T) {
	s, _ := newTestState("me")
	seed(s, testConv("a", 1, "me", "bob"))
	fetch := effectsOf[fetchPage](s.Apply(setActive{ConversationID: "a", SeekID: "m5"}))[0]
	if fetch.Query.Around != "m5" {
		t.Fatalf("expected around query, got %+v", fetch.Query)
	}
	s.Apply(pageLoaded{ConversationID: "a", Seq: fetch.Seq, Mode: pageReplace, Query: fetch.Query, Messages: page("a", 3, 5)})
	if got := s.View().Highlight; got != "m5" {
		t.Fatalf("expected highlight m5, got %q", got)
	}

	t.Run("older pages extend around the oldest loaded message", func(t *testing.T) {
		s, _ := newTestState("me")
		s.cfg.PageSize = 3
		seed(s, testConv("a", 1, "me", "bob"))
		fetch := effectsOf[fetchPage](s.Apply(setActive{ConversationID: "a", SeekID: "m5"}))[0]
		s.Apply(pageLoaded{ConversationID: "a", Seq: fetch.Seq, Mode: pageReplace, Query: fetch.Query, Messages: page("a", 4, 3)})
		if !s.View().HasMore {
			t.Fatal("expected hasMore after a full around page")
		}

		older := effectsOf[fetchPage](s.Apply(loadOlder{}))
		want := PageQuery{Page: 1, Limit: 3, Around: "m4"}
		if len(older) != 1 || older[0].Mode != pagePrepend {
			t.Fatalf("unexpected older fetch %#v", older)
		}
		if diff := cmp.Diff(want, older[0].Query); diff != "" {
			t.Fatalf("query (-want +got):\n%s", diff)
		}

		s.Apply(pageLoaded{ConversationID: "a", Seq: older[0].Seq, Mode: pagePrepend, Query: older[0].Query, Messages: page("a", 3, 3)})
		v := s.View()
		if diff := cmp.Diff([]string{"m3", "m4", "m5", "m6"}, ids(v.Timeline)); diff != "" {
			t.Fatalf("timeline (-want +got):\n%s", diff)
		}
		if !v.HasMore {
			t.Fatal("expected hasMore while older messages arrive")
		}

		older = effectsOf[fetchPage](s.Apply(loadOlder{}))
		s.Apply(pageLoaded{ConversationID: "a", Seq: older[0].Seq, Mode: pagePrepend, Query: older[0].Query, Messages: page("a", 3, 2)})
		if s.View().HasMore {
			t.Fatal("expected no more once the window stops growing")
		}
	})
}

func TestSendLifecycle(t *testing.T) {
	s, _ := newTestState("me")
	seed(s, testConv("a", 1, "me", "bob"))
	s.Apply(setActive{ConversationID: "a"})

	fx := s.Apply(sendIntent{Op: OutboxOp{ClientID: "c1", Request: SendRequest{ConversationID: "a", Content: "hi"}}})
	sends := effectsOf[callSend](fx)
	if len(sends) != 1 || sends[0].Request.ClientID != "c1" || sends[0].Request.Type != MessageText {
		t.Fatalf("unexpected send effects %#v", fx)
	}
	if sig := effectsOf[emitSignal](fx); len(sig) != 1 || sig[0].Signal.Type != SignalStopTyping {
		t.Fatalf("expected stop typing signal, got %#v", fx)
	}
	timers := effectsOf[scheduleTimer](fx)
	if len(timers) != 1 {
		t.Fatalf("expected pending timeout, got %#v", fx)
	}
	echo, ok := s.timeline.Get("local-c1")
	if !ok || echo.Status != StatusPending {
		t.Fatalf("expected pending echo, got %+v", echo)
	}

	s.Apply(sendFailed{ClientID: "c1", Err: errors.New("offline")})
	v := s.View()
	if v.Timeline[0].Status != StatusFailed || v.Outbox[0].Status != StatusFailed || v.LastError != "offline" {
		t.Fatalf("expected failed send, got %+v", v.Outbox)
	}

	fx = s.Apply(retrySend{ClientID: "c1"})
	if len(effectsOf[callSend](fx)) != 1 {
		t.Fatalf("expected resend, got %#v", fx)
	}
	if s.View().Timeline[0].Status != StatusPending {
		t.Fatal("expected echo back to pending")
	}

	// The first attempt's timer fires late and must not fail the retry.
	s.Apply(timers[0].Event)
	if s.View().Outbox[0].Status != StatusPending {
		t.Fatal("expected stale timeout to be ignored")
	}

	confirmed := testMsg("srv-1", "a", "me", 1)
	confirmed.Content = "hi"
	confirmed.ClientID = "c1"
	s.Apply(NewMessage{Message: confirmed})
	v = s.View()
	if diff := cmp.Diff([]string{"srv-1"}, ids(v.Timeline)); diff != "" {
		t.Fatalf("timeline (-want +got):\n%s", diff)
	}
	if len(v.Outbox) != 0 || v.TotalUnread != 0 || v.Notification != nil {
		t.Fatalf("unexpected view outbox=%v unread=%d notification=%v", v.Outbox, v.TotalUnread, v.Notification)
	}
}

func TestSendTimeoutAndDiscard(t *testing.T) {
	s, _ := newTestState("me")
	seed(s, testConv("a", 1, "me", "bob"))
	s.Apply(setActive{ConversationID: "a"})
	fx := s.Apply(sendIntent{Op: OutboxOp{ClientID: "c1", Request: SendRequest{ConversationID: "a", Content: "hi"}}})

	s.Apply(effectsOf[scheduleTimer](fx)[0].Event)
	if got := s.View().Outbox[0].Status; got != StatusFailed {
		t.Fatalf("expected failed after timeout, got %s", got)
	}

	fx = s.Apply(deleteIntent{MessageID: "local-c1"})
	if len(fx) != 0 {
		t.Fatalf("expected no server call for a local echo, got %#v", fx)
	}
	v := s.View()
	if len(v.Timeline) != 0 || len(v.Outbox) != 0 {
		t.Fatalf("expected echo discarded, timeline=%v outbox=%v", ids(v.Timeline), v.Outbox)
	}
}

func TestPendingEchoSurvivesSwitch(t *testing.T) {
	s, _ := newTestState("me")
	seed(s, testConv("a", 1, "me", "bob"), testConv("b", 2, "me", "eve"))
	s.Apply(setActive{ConversationID: "a"})
	s.Apply(sendIntent{Op: OutboxOp{ClientID: "c1", Request: SendRequest{ConversationID: "a", Content: "hi"}}})
	s.Apply(setActive{ConversationID: "b"})
	s.Apply(setActive{ConversationID: "a"})
	if diff := cmp.Diff([]string{"local-c1"}, ids(s.View().Timeline)); diff != "" {
		t.Fatalf("timeline (-want +got):\n%s", diff)
	}
}

func TestPageConfirmsEchoWithoutClientID(t *testing.T) {
	s, clock := newTestState("me")
	seed(s, testConv("a", 1, "me", "bob"))
	first := effectsOf[fetchPage](s.Apply(setActive{ConversationID: "a"}))[0]
	s.Apply(pageLoaded{ConversationID: "a", Seq: first.Seq, Mode: first.Mode, Query: first.Query})
	fx := s.Apply(sendIntent{Op: OutboxOp{ClientID: "c1", Request: SendRequest{ConversationID: "a", Content: "hi"}}})

	confirmed := testMsg("s1", "a", "me", 0)
	confirmed.Content = "hi"
	confirmed.CreatedAt = clock.Now().Add(time.Second)
	again := effectsOf[fetchPage](s.Apply(resync{}))[0]
	s.Apply(pageLoaded{ConversationID: "a", Seq: again.Seq, Mode: again.Mode, Query: again.Query, Messages: []Message{confirmed}})

	v := s.View()
	if diff := cmp.Diff([]string{"s1"}, ids(v.Timeline)); diff != "" {
		t.Fatalf("timeline after page (-want +got):\n%s", diff)
	}
	if len(v.Outbox) != 0 {
		t.Fatalf("expected outbox settled by the page, got %v", v.Outbox)
	}

	s.Apply(NewMessage{Message: confirmed})
	s.Apply(effectsOf[scheduleTimer](fx)[0].Event)
	v = s.View()
	if diff := cmp.Diff([]string{"s1"}, ids(v.Timeline)); diff != "" {
		t.Fatalf("timeline after push (-want +got):\n%s", diff)
	}
	if v.Timeline[0].Status != StatusSent || v.LastError != "" {
		t.Fatalf("expected settled message, got %+v err=%q", v.Timeline[0], v.LastError)
	}

	t.Run("a second pending send with the same content is kept", func(t *testing.T) {
		s.Apply(sendIntent{Op: OutboxOp{ClientID: "c2", Request: SendRequest{ConversationID: "a", Content: "hi"}}})
		s.Apply(NewMessage{Message: confirmed})
		v := s.View()
		if len(v.Outbox) != 1 || v.Outbox[0].ClientID != "c2" {
			t.Fatalf("expected c2 still pending, got %v", v.Outbox)
		}
		if diff := cmp.Diff([]string{"local-c2", "s1"}, ids(v.Timeline)); diff != "" {
			t.Fatalf("timeline (-want +got):\n%s", diff)
		}
	})
}

func TestDeletion(t *testing.T) {
	setup := func() *State {
		s, _ := newTestState("me")
		seed(s, testConv("a", 1, "me", "bob"))
		s.Apply(setActive{ConversationID: "a"})
		s.Apply(NewMessage{Message: testMsg("m1", "a", "bob", 2)})
		s.Apply(NewMessage{Message: testMsg("m2", "a", "me", 3)})
		return s
	}

	t.Run("remote for everyone tombstones", func(t *testing.T) {
		s := setup()
		s.Apply(MessageDeleted{MessageID: "m2", ConversationID: "a", ForEveryone: true})
		v := s.View()
		if len(v.Timeline) != 2 || !v.Timeline[1].DeletedForEveryone {
			t.Fatalf("expected tombstone, got %+v", v.Timeline)
		}
		a, _ := v.Conversation("a")
		if !a.LastMessage.DeletedForEveryone {
			t.Fatal("expected directory preview tombstoned")
		}
	})

	t.Run("local for self removes and updates preview", func(t *testing.T) {
		s := setup()
		fx := s.Apply(deleteIntent{MessageID: "m2", ForEveryone: false})
		if diff := cmp.Diff([]Effect{callDelete{MessageID: "m2"}}, fx); diff != "" {
			t.Fatalf("effects (-want +got):\n%s", diff)
		}
		v := s.View()
		if diff := cmp.Diff([]string{"m1"}, ids(v.Timeline)); diff != "" {
			t.Fatalf("timeline (-want +got):\n%s", diff)
		}
		a, _ := v.Conversation("a")
		if a.LastMessage == nil || a.LastMessage.ID != "m1" {
			t.Fatalf("expected preview m1, got %+v", a.LastMessage)
		}
	})

	t.Run("unknown conversation resnapshots", func(t *testing.T) {
		s := setup()
		fx := s.Apply(MessageDeleted{MessageID: "x", ConversationID: "zz", ForEveryone: true})
		if len(effectsOf[fetchDirectory](fx)) != 1 {
			t.Fatalf("expected refetch, got %#v", fx)
		}
	})
}

func TestNotificationLifecycle(t *testing.T) {
	s, _ := newTestState("me")
	seed(s, testConv("a", 1, "me", "bob"), testConv("b", 2, "me", "eve"))
	s.Apply(NewMessage{Message: testMsg("m1", "a", "bob", 3)})
	first := s.View().Notification.ID

	t.Run("dismiss of unknown id is a no-op", func(t *testing.T) {
		s.Apply(dismissIntent{ID: "bogus"})
		if s.View().Notification == nil {
			t.Fatal("expected notification to stay")
		}
	})

	t.Run("open activates conversation", func(t *testing.T) {
		fx := s.Apply(openIntent{ID: first})
		v := s.View()
		if v.Notification != nil || !v.WidgetOpen || v.ActiveID != "a" {
			t.Fatalf("unexpected view notification=%v widget=%v active=%q", v.Notification, v.WidgetOpen, v.ActiveID)
		}
		if v.TotalUnread != 0 {
			t.Fatalf("expected unread 0, got %d", v.TotalUnread)
		}
		if len(effectsOf[fetchPage](fx)) != 1 || len(effectsOf[callMarkRead](fx)) != 1 {
			t.Fatalf("unexpected effects %#v", fx)
		}
		if fx := s.Apply(openIntent{ID: first}); len(fx) != 0 {
			t.Fatal("expected a notification to end only once")
		}
	})

	t.Run("replaced notification cannot be dismissed", func(t *testing.T) {
		s.Apply(widgetIntent{Open: false})
		s.Apply(NewMessage{Message: testMsg("m2", "b", "eve", 4)})
		older := s.View().Notification.ID
		s.Apply(NewMessage{Message: testMsg("m3", "b", "eve", 5)})
		s.Apply(dismissIntent{ID: older})
		if n := s.View().Notification; n == nil || n.MessageID != "m3" {
			t.Fatalf("expected m3 visible, got %+v", n)
		}
		s.Apply(notificationExpired{ID: s.View().Notification.ID})
		if s.View().Notification != nil {
			t.Fatal("expected expiry to clear")
		}
	})
}

func TestConversationEvents(t *testing.T) {
	s, _ := newTestState("me")
	seed(s, testConv("a", 1, "me", "bob"))
	s.Apply(NewMessage{Message: testMsg("m1", "a", "bob", 2)})

	t.Run("update without counter keeps unread", func(t *testing.T) {
		c := testConv("a", 3, "me", "bob")
		c.Name = "renamed"
		if fx := s.Apply(ConversationUpdated{Conversation: c}); len(fx) != 0 {
			t.Fatalf("expected no join for known conversation, got %#v", fx)
		}
		a, _ := s.View().Conversation("a")
		if a.UnreadCount != 1 || a.Name != "renamed" {
			t.Fatalf("unexpected conversation %+v", a)
		}
	})

	t.Run("unknown conversation joins", func(t *testing.T) {
		fx := s.Apply(ConversationUpdated{Conversation: testConv("n", 4, "me", "ann"), UnreadCount: intp(2)})
		if diff := cmp.Diff([]Effect{joinChannel{ConversationID: "n"}}, fx); diff != "" {
			t.Fatalf("effects (-want +got):\n%s", diff)
		}
		if got := s.View().TotalUnread; got != 3 {
			t.Fatalf("expected total 3, got %d", got)
		}
	})

	t.Run("added to group joins", func(t *testing.T) {
		fx := s.Apply(AddedToGroup{Conversation: testConv("g", 5, "me", "bob", "eve")})
		if len(effectsOf[joinChannel](fx)) != 1 {
			t.Fatalf("expected join, got %#v", fx)
		}
	})

	t.Run("unknown conversation message resnapshots", func(t *testing.T) {
		fx := s.Apply(NewMessage{Message: testMsg("x1", "new", "ann", 6)})
		if len(effectsOf[fetchDirectory](fx)) != 1 {
			t.Fatalf("expected refetch, got %#v", fx)
		}
	})
}

func TestForceLogout(t *testing.T) {
	s, _ := newTestState("me")
	seed(s, testConv("a", 1, "me", "bob"))
	s.Apply(NewMessage{Message: testMsg("m1", "a", "bob", 2)})
	s.Apply(setActive{ConversationID: "a"})
	s.Apply(deleteIntent{MessageID: "m1"})

	fx := s.Apply(ForceLogout{Reason: "session revoked"})
	if diff := cmp.Diff([]Effect{logout{Reason: "session revoked"}}, fx); diff != "" {
		t.Fatalf("effects (-want +got):\n%s", diff)
	}
	v := s.View()
	if !v.LoggedOut || len(v.Conversations) != 0 || v.TotalUnread != 0 || v.Notification != nil {
		t.Fatalf("expected cleared state, got %+v", v)
	}

	if len(s.timeline.hidden) != 0 {
		t.Fatalf("expected self-only deletions forgotten, got %v", s.timeline.hidden)
	}

	version := v.Version
	if fx := s.Apply(NewMessage{Message: testMsg("m2", "a", "bob", 3)}); fx != nil {
		t.Fatal("expected events ignored after logout")
	}
	if s.View().Version != version {
		t.Fatal("expected version frozen after logout")
	}
}

func counterValue(t *testing.T, g prometheus.Gatherer, name string) float64 {
	t.Helper()
	families, err := g.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		total := 0.0
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	return 0
}
