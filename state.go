package chatsync

import (
	"log/slog"
	"strings"
	"time"
)

// ============================================================================
// Internal events
// ============================================================================

// Intents and IO completions share the reducer with push events.
const (
	kindSetActive           EventKind = "setActive"
	kindLoadOlder           EventKind = "loadOlder"
	kindSend                EventKind = "send"
	kindRetrySend           EventKind = "retrySend"
	kindMarkRead            EventKind = "markRead"
	kindDelete              EventKind = "delete"
	kindWidget              EventKind = "widget"
	kindDismiss             EventKind = "dismissNotification"
	kindOpen                EventKind = "openNotification"
	kindConversationOpened  EventKind = "conversationOpened"
	kindDirectoryLoaded     EventKind = "directoryLoaded"
	kindUnreadLoaded        EventKind = "unreadLoaded"
	kindPageLoaded          EventKind = "pageLoaded"
	kindSendFailed          EventKind = "sendFailed"
	kindSendTimeout         EventKind = "sendTimeout"
	kindNotificationExpired EventKind = "notificationExpired"
	kindTick                EventKind = "tick"
	kindConnection          EventKind = "connection"
	kindResync              EventKind = "resync"
)

type setActive struct {
	ConversationID string
	SeekID         string
}

type loadOlder struct{}

type sendIntent struct {
	Op OutboxOp
}

type retrySend struct {
	ClientID string
}

type markReadIntent struct {
	ConversationID string
}

type deleteIntent struct {
	MessageID   string
	ForEveryone bool
}

type widgetIntent struct {
	Open bool
}

type dismissIntent struct {
	ID string
}

type openIntent struct {
	ID string
}

type conversationOpened struct {
	Conversation Conversation
}

type directoryLoaded struct {
	Conversations []Conversation
	Err           error
	// JoinNew joins conversations that were not known before the merge.
	JoinNew bool
}

type unreadLoaded struct {
	Counts map[string]int
}

type pageMode int

const (
	pageReplace pageMode = iota
	pagePrepend
)

type pageLoaded struct {
	ConversationID string
	Seq            uint64
	Mode           pageMode
	Query          PageQuery
	Messages       []Message
	Err            error
}

type sendFailed struct {
	ClientID string
	Err      error
}

type sendTimeout struct {
	ClientID string
	Attempt  int
}

type notificationExpired struct {
	ID string
}

type tick struct {
	Now time.Time
}

type connectionChanged struct {
	Connected bool
}

type resync struct{}

func (setActive) Kind() EventKind           { return kindSetActive }
func (loadOlder) Kind() EventKind           { return kindLoadOlder }
func (sendIntent) Kind() EventKind          { return kindSend }
func (retrySend) Kind() EventKind           { return kindRetrySend }
func (markReadIntent) Kind() EventKind      { return kindMarkRead }
func (deleteIntent) Kind() EventKind        { return kindDelete }
func (widgetIntent) Kind() EventKind        { return kindWidget }
func (dismissIntent) Kind() EventKind       { return kindDismiss }
func (openIntent) Kind() EventKind          { return kindOpen }
func (conversationOpened) Kind() EventKind  { return kindConversationOpened }
func (directoryLoaded) Kind() EventKind     { return kindDirectoryLoaded }
func (unreadLoaded) Kind() EventKind        { return kindUnreadLoaded }
func (pageLoaded) Kind() EventKind          { return kindPageLoaded }
func (sendFailed) Kind() EventKind          { return kindSendFailed }
func (sendTimeout) Kind() EventKind         { return kindSendTimeout }
func (notificationExpired) Kind() EventKind { return kindNotificationExpired }
func (tick) Kind() EventKind                { return kindTick }
func (connectionChanged) Kind() EventKind   { return kindConnection }
func (resync) Kind() EventKind              { return kindResync }

// ============================================================================
// Effects
// ============================================================================

// Effect is IO requested by the reducer and executed by the Engine.
type Effect interface {
	isEffect()
}

type fetchDirectory struct{}

type fetchPage struct {
	ConversationID string
	Seq            uint64
	Mode           pageMode
	Query          PageQuery
}

type joinChannel struct {
	ConversationID string
}

type leaveChannel struct {
	ConversationID string
}

type emitSignal struct {
	Signal Signal
}

type callMarkRead struct {
	ConversationID string
}

type callDelete struct {
	MessageID   string
	ForEveryone bool
}

type callSend struct {
	ClientID string
	Request  SendRequest
}

type scheduleTimer struct {
	After time.Duration
	Event Event
}

type logout struct {
	Reason string
}

func (fetchDirectory) isEffect() {}
func (fetchPage) isEffect()      {}
func (joinChannel) isEffect()    {}
func (leaveChannel) isEffect()   {}
func (emitSignal) isEffect()     {}
func (callMarkRead) isEffect()   {}
func (callDelete) isEffect()     {}
func (callSend) isEffect()       {}
func (scheduleTimer) isEffect()  {}
func (logout) isEffect()         {}

// ============================================================================
// State
// ============================================================================

// State is the synchronization state machine. Apply is the only mutator;
// it performs no IO and returns the IO to perform as effects.
type State struct {
	self    string
	cfg     Config
	log     *slog.Logger
	metrics *Metrics
	newID   func() string

	dir      *Directory
	timeline *Timeline
	presence *Presence
	typing   *Typing
	notifier *Notifier
	outbox   *outbox
	seen     *idSet

	activeID       string
	seq            uint64
	page           int
	hasMore        bool
	seeking        bool
	loading        bool
	highlight      string
	widgetOpen     bool
	connected      bool
	resnapshotting bool
	loggedOut      bool
	logoutReason   string
	lastErr        string
	version        uint64
}

// NewState creates an empty state for the user self.
func NewState(self string, cfg Config) *State {
	cfg.defaults()
	return &State{
		self:     self,
		cfg:      cfg,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		newID:    newClientID,
		dir:      NewDirectory(),
		timeline: NewTimeline(),
		presence: NewPresence(),
		typing:   NewTyping(),
		notifier: NewNotifier(cfg.SeenCapacity),
		outbox:   newOutbox(),
		seen:     newIDSet(cfg.SeenCapacity),
	}
}

func (s *State) now() time.Time { return s.cfg.Now() }

func (s *State) autoMarkRead() bool { return !s.cfg.DisableAutoMarkRead }

// Apply reduces one event into the state.
func (s *State) Apply(ev Event) []Effect {
	if s.loggedOut {
		return nil
	}
	s.metrics.eventApplied(string(ev.Kind()))

	changed := true
	var fx []Effect
	switch e := ev.(type) {
	case NewMessage:
		fx = s.applyNewMessage(e.Message)
	case ConversationUpdated:
		fx = s.applyConversation(e.Conversation, e.UnreadCount, false)
	case GroupUpdated:
		fx = s.applyConversation(e.Conversation, e.UnreadCount, false)
	case AddedToGroup:
		fx = s.applyConversation(e.Conversation, e.UnreadCount, true)
	case PresenceChanged:
		s.applyPresence(e)
	case TypingStarted:
		if e.UserID != s.self {
			s.typing.Mark(e.ConversationID, e.UserID, s.now())
		}
	case TypingStopped:
		s.typing.Clear(e.ConversationID, e.UserID)
	case MessagesRead:
		fx = s.applyMessagesRead(e)
	case MessageStatusUpdated:
		s.applyStatusUpdate(e)
	case MessageDeleted:
		fx = s.applyRemoteDeletion(e)
	case ForceLogout:
		fx = s.applyLogout(e.Reason)

	case setActive:
		fx = s.activate(e.ConversationID, e.SeekID)
	case loadOlder:
		fx = s.loadOlder()
	case sendIntent:
		fx = s.send(e.Op)
	case retrySend:
		fx = s.retry(e.ClientID)
	case markReadIntent:
		s.dir.MarkRead(e.ConversationID)
		fx = []Effect{callMarkRead{ConversationID: e.ConversationID}}
	case deleteIntent:
		fx = s.deleteLocal(e.MessageID, e.ForEveryone)
	case widgetIntent:
		s.widgetOpen = e.Open
		if e.Open && s.activeID != "" {
			fx = s.markReadIfUnread(s.activeID)
		}
	case dismissIntent:
		s.notifier.Dismiss(e.ID)
	case openIntent:
		fx = s.openNotification(e.ID)
	case notificationExpired:
		s.notifier.Expire(e.ID)

	case conversationOpened:
		fx = s.applyConversation(e.Conversation, nil, true)
	case directoryLoaded:
		fx = s.applyDirectory(e)
	case unreadLoaded:
		s.dir.SetUnreadCounts(e.Counts)
		if s.widgetOpen && s.activeID != "" {
			fx = s.markReadIfUnread(s.activeID)
		}
	case pageLoaded:
		s.applyPage(e)
	case sendFailed:
		msg := "send failed"
		if e.Err != nil {
			msg = e.Err.Error()
		}
		s.failSend(e.ClientID, msg)
	case sendTimeout:
		if op, ok := s.outbox.Get(e.ClientID); ok && op.Retries == e.Attempt {
			s.failSend(e.ClientID, "send timed out")
		}
	case tick:
		changed = s.cfg.TypingTimeout > 0 && s.typing.Expire(e.Now, s.cfg.TypingTimeout) > 0
	case connectionChanged:
		s.connected = e.Connected
		if !e.Connected {
			// Stop signals cannot arrive while offline.
			s.typing.Reset()
		}
	case resync:
		fx = s.resync()
	}

	if changed {
		s.version++
	}
	s.metrics.unread(s.dir.TotalUnread())
	return fx
}

// ============================================================================
// Push reducers
// ============================================================================

func (s *State) applyNewMessage(m Message) []Effect {
	own := m.Sender.ID == s.self
	first := !s.seen.has(m.ID)
	if own {
		if !s.pageConfirmed(m) {
			if op, ok := s.outbox.Ack(m); ok && m.ClientID == "" {
				m.ClientID = op.ClientID
			}
		}
	} else {
		s.typing.Clear(m.ConversationID, m.Sender.ID)
	}

	if m.ConversationID == s.activeID {
		s.timeline.AppendIncoming(m)
	}

	visible := s.widgetOpen && s.activeID == m.ConversationID
	known := s.dir.ApplyIncomingMessage(m, !own && first && !visible)
	s.seen.add(m.ID)

	var fx []Effect
	if !known {
		fx = append(fx, s.resnapshot()...)
	}
	if own || !first {
		return fx
	}
	if visible {
		if s.autoMarkRead() {
			s.dir.MarkRead(m.ConversationID)
			fx = append(fx, callMarkRead{ConversationID: m.ConversationID})
		}
		return fx
	}

	name := ""
	if m.Sender.DisplayName == "" {
		if p, ok := s.dir.Participant(m.Sender.ID); ok {
			name = p.Name()
		}
	}
	if n, ok := s.notifier.Raise(s.newID(), m, name, s.now()); ok {
		s.metrics.notified()
		fx = append(fx, scheduleTimer{After: s.cfg.NotificationTTL, Event: notificationExpired{ID: n.ID}})
	}
	return fx
}

func (s *State) applyConversation(c Conversation, unread *int, join bool) []Effect {
	if c.ID == "" {
		return nil
	}
	known := s.dir.Has(c.ID)
	if !known && unread == nil {
		n := c.UnreadCount
		unread = &n
	}
	s.dir.Upsert(c, unread)
	if !known || join {
		return []Effect{joinChannel{ConversationID: c.ID}}
	}
	return nil
}

func (s *State) applyPresence(e PresenceChanged) {
	if e.Online {
		s.presence.SetOnline(e.UserID)
	} else {
		s.presence.SetOffline(e.UserID, e.LastSeenAt)
	}
	s.dir.SetPresence(e.UserID, e.Online, e.LastSeenAt)
}

func (s *State) applyRemoteDeletion(e MessageDeleted) []Effect {
	var fx []Effect
	if e.ConversationID != "" && !s.dir.Has(e.ConversationID) {
		fx = append(fx, s.resnapshot()...)
	}
	if e.ConversationID == "" || e.ConversationID == s.activeID {
		s.timeline.ApplyDeletion(e.MessageID, e.ForEveryone)
	}
	s.mirrorDeletion(e.ConversationID, e.MessageID, e.ForEveryone)
	return fx
}

func (s *State) mirrorDeletion(conversationID, messageID string, forEveryone bool) {
	var next *Message
	if !forEveryone && (conversationID == s.activeID || conversationID == "") {
		next, _ = s.timeline.Last()
	}
	s.dir.MirrorDeletion(conversationID, messageID, forEveryone, next)
}

func (s *State) applyLogout(reason string) []Effect {
	s.loggedOut = true
	s.logoutReason = reason
	s.dir.Reset()
	s.timeline.Reset("")
	s.timeline.Forget()
	s.presence.Reset()
	s.typing.Reset()
	s.notifier.Reset()
	s.outbox.Reset()
	s.seen.reset()
	s.activeID = ""
	s.widgetOpen = false
	s.loading = false
	s.hasMore = false
	s.seeking = false
	s.seq++
	return []Effect{logout{Reason: reason}}
}

// resnapshot requests one directory refetch; repeats collapse until it lands.
func (s *State) resnapshot() []Effect {
	if s.resnapshotting {
		return nil
	}
	s.resnapshotting = true
	s.metrics.resnapshot()
	return []Effect{fetchDirectory{}}
}

// ============================================================================
// Intent reducers
// ============================================================================

func (s *State) activate(id, seek string) []Effect {
	var fx []Effect
	prev := s.activeID
	s.seq++
	if prev != "" && prev != id {
		fx = append(fx, leaveChannel{ConversationID: prev})
	}
	s.activeID = id
	s.timeline.Reset(id)
	s.page = 1
	s.hasMore = false
	s.seeking = false
	s.loading = false
	s.highlight = ""
	if id == "" {
		return fx
	}

	// Unconfirmed sends stay visible across switches.
	for _, op := range s.outbox.List() {
		if op.ConversationID == id {
			s.timeline.AppendIncoming(s.echo(&op))
		}
	}

	s.loading = true
	fx = append(fx,
		joinChannel{ConversationID: id},
		fetchPage{
			ConversationID: id,
			Seq:            s.seq,
			Mode:           pageReplace,
			Query:          PageQuery{Page: 1, Limit: s.cfg.PageSize, Around: seek},
		},
	)
	if s.widgetOpen {
		fx = append(fx, s.markReadIfUnread(id)...)
	}
	return fx
}

func (s *State) loadOlder() []Effect {
	if s.activeID == "" || s.loading || !s.hasMore {
		return nil
	}
	q := PageQuery{Page: s.page + 1, Limit: s.cfg.PageSize}
	if s.seeking {
		// Pages count from the newest message, so a seek window extends
		// around its oldest loaded message instead.
		oldest, ok := s.timeline.Oldest()
		if !ok || isLocal(oldest) {
			return nil
		}
		q = PageQuery{Page: 1, Limit: s.cfg.PageSize, Around: oldest.ID}
	}
	s.loading = true
	return []Effect{fetchPage{
		ConversationID: s.activeID,
		Seq:            s.seq,
		Mode:           pagePrepend,
		Query:          q,
	}}
}

func (s *State) resync() []Effect {
	if s.activeID == "" {
		return nil
	}
	s.seq++
	s.loading = true
	return []Effect{fetchPage{
		ConversationID: s.activeID,
		Seq:            s.seq,
		Mode:           pageReplace,
		Query:          PageQuery{Page: 1, Limit: s.cfg.PageSize},
	}}
}

func (s *State) applyPage(p pageLoaded) {
	if p.Seq != s.seq || p.ConversationID != s.activeID {
		s.metrics.stalePage()
		s.log.Debug("discarding stale page", "conversation", p.ConversationID, "active", s.activeID)
		return
	}
	s.loading = false
	if p.Err != nil {
		s.lastErr = p.Err.Error()
		return
	}
	switch p.Mode {
	case pageReplace:
		for _, clientID := range s.timeline.ReplacePage(p.Messages, p.Query.Around == "") {
			s.outbox.Drop(clientID)
		}
		s.page = 1
		s.seeking = p.Query.Around != ""
		if s.seeking {
			if _, ok := s.timeline.Seek(p.Query.Around); ok {
				s.highlight = p.Query.Around
			}
		}
		s.hasMore = len(p.Messages) >= p.Query.Limit
	case pagePrepend:
		added := s.timeline.PrependPage(p.Messages)
		if p.Query.Around != "" {
			s.hasMore = added > 0
			return
		}
		s.page = p.Query.Page
		s.hasMore = len(p.Messages) >= p.Query.Limit
	}
}

// pageConfirmed reports whether an own message is already in the timeline
// as a confirmed copy, so its outbox op was settled by a fetched page.
func (s *State) pageConfirmed(m Message) bool {
	if m.ConversationID != s.activeID {
		return false
	}
	got, ok := s.timeline.Get(m.ID)
	return ok && !isLocal(&got)
}

func (s *State) markReadIfUnread(id string) []Effect {
	if !s.autoMarkRead() || !s.dir.MarkRead(id) {
		return nil
	}
	return []Effect{callMarkRead{ConversationID: id}}
}

func (s *State) selfUser() User {
	if u, ok := s.dir.Participant(s.self); ok {
		return u
	}
	return User{ID: s.self}
}

func (s *State) echo(op *OutboxOp) Message {
	return Message{
		ID:             op.LocalID(),
		ClientID:       op.ClientID,
		ConversationID: op.ConversationID,
		Sender:         s.selfUser(),
		Content:        op.Request.Content,
		Type:           op.Request.Type,
		Attachments:    append([]Attachment(nil), op.Request.Attachments...),
		Status:         op.Status,
		CreatedAt:      op.CreatedAt,
	}
}

func (s *State) send(op OutboxOp) []Effect {
	if op.Request.Type == "" {
		op.Request.Type = MessageText
	}
	op.ConversationID = op.Request.ConversationID
	op.Request.ClientID = op.ClientID
	if op.CreatedAt.IsZero() {
		op.CreatedAt = s.now()
	}
	s.outbox.Enqueue(&op)
	if op.ConversationID == s.activeID {
		s.timeline.AppendIncoming(s.echo(&op))
	}
	return append(s.dispatchSend(&op), emitSignal{Signal: StopTypingSignal(op.ConversationID)})
}

func (s *State) dispatchSend(op *OutboxOp) []Effect {
	fx := []Effect{callSend{ClientID: op.ClientID, Request: op.Request}}
	if s.cfg.PendingTimeout > 0 {
		fx = append(fx, scheduleTimer{
			After: s.cfg.PendingTimeout,
			Event: sendTimeout{ClientID: op.ClientID, Attempt: op.Retries},
		})
	}
	return fx
}

func (s *State) retry(clientID string) []Effect {
	op, ok := s.outbox.Retry(clientID)
	if !ok {
		return nil
	}
	s.timeline.resetEcho(clientID)
	return s.dispatchSend(op)
}

func (s *State) failSend(clientID, reason string) {
	op, ok := s.outbox.Nack(clientID, reason)
	if !ok {
		return
	}
	s.timeline.MutateStatus(op.LocalID(), StatusFailed)
	s.metrics.sendFailed()
	s.lastErr = reason
}

// deleteLocal is the optimistic deletion path; it is not rolled back when
// the server call fails.
func (s *State) deleteLocal(id string, forEveryone bool) []Effect {
	if strings.HasPrefix(id, localIDPrefix) {
		clientID := strings.TrimPrefix(id, localIDPrefix)
		if op, ok := s.outbox.Get(clientID); ok && op.Status == StatusFailed {
			s.outbox.Drop(clientID)
			s.timeline.remove(id)
		}
		return nil
	}
	conv := s.activeID
	if m, ok := s.timeline.Get(id); ok {
		conv = m.ConversationID
	}
	s.timeline.ApplyDeletion(id, forEveryone)
	s.mirrorDeletion(conv, id, forEveryone)
	return []Effect{callDelete{MessageID: id, ForEveryone: forEveryone}}
}

func (s *State) openNotification(id string) []Effect {
	n, ok := s.notifier.Open(id)
	if !ok {
		return nil
	}
	s.widgetOpen = true
	if s.activeID != n.ConversationID {
		return s.activate(n.ConversationID, "")
	}
	return s.markReadIfUnread(n.ConversationID)
}

func (s *State) applyDirectory(e directoryLoaded) []Effect {
	if e.JoinNew {
		s.resnapshotting = false
	}
	if e.Err != nil {
		s.lastErr = e.Err.Error()
		return nil
	}
	before := make(map[string]struct{}, s.dir.Len())
	for _, id := range s.dir.IDs() {
		before[id] = struct{}{}
	}
	s.dir.MergeSnapshot(e.Conversations)

	var fx []Effect
	if e.JoinNew {
		for _, id := range s.dir.IDs() {
			if _, ok := before[id]; !ok {
				fx = append(fx, joinChannel{ConversationID: id})
			}
		}
	}
	if s.widgetOpen && s.activeID != "" {
		fx = append(fx, s.markReadIfUnread(s.activeID)...)
	}
	return fx
}

// ============================================================================
// View
// ============================================================================

// View is a deep copy of the engine state for readers.
type View struct {
	Self          string              `json:"self"`
	Conversations []Conversation      `json:"conversations"`
	TotalUnread   int                 `json:"totalUnread"`
	ActiveID      string              `json:"activeId,omitempty"`
	Timeline      []Message           `json:"timeline"`
	HasMore       bool                `json:"hasMore"`
	Loading       bool                `json:"loading"`
	Highlight     string              `json:"highlight,omitempty"`
	WidgetOpen    bool                `json:"widgetOpen"`
	Connected     bool                `json:"connected"`
	Online        map[string]bool     `json:"online"`
	Typing        map[string][]string `json:"typing"`
	Notification  *Notification       `json:"notification,omitempty"`
	Outbox        []OutboxOp          `json:"outbox,omitempty"`
	LastError     string              `json:"lastError,omitempty"`
	LoggedOut     bool                `json:"loggedOut"`
	LogoutReason  string              `json:"logoutReason,omitempty"`
	Version       uint64              `json:"version"`
}

// View builds a snapshot of the current state.
func (s *State) View() View {
	v := View{
		Self:          s.self,
		Conversations: s.dir.List(),
		TotalUnread:   s.dir.TotalUnread(),
		ActiveID:      s.activeID,
		Timeline:      s.timeline.Messages(),
		HasMore:       s.hasMore,
		Loading:       s.loading,
		Highlight:     s.highlight,
		WidgetOpen:    s.widgetOpen,
		Connected:     s.connected,
		Online:        s.presence.Snapshot(),
		Typing:        s.typing.Snapshot(),
		Outbox:        s.outbox.List(),
		LastError:     s.lastErr,
		LoggedOut:     s.loggedOut,
		LogoutReason:  s.logoutReason,
		Version:       s.version,
	}
	if n, ok := s.notifier.Current(); ok {
		v.Notification = &n
	}
	return v
}

// Conversation returns a directory entry from the view.
func (v View) Conversation(id string) (Conversation, bool) {
	for _, c := range v.Conversations {
		if c.ID == id {
			return c, true
		}
	}
	return Conversation{}, false
}
