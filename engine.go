package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const signalTimeout = 5 * time.Second

type item struct {
	ev   Event
	fn   func(*State)
	done chan struct{}
}

// Engine owns the synchronization State on a single goroutine. Push events,
// UI intents and REST completions all enter through one inbox; REST calls
// run on their own goroutines so they never delay push delivery.
type Engine struct {
	id        Identity
	api       SnapshotAPI
	transport Transport
	cfg       Config
	log       *slog.Logger
	state     *State

	inbox     chan item
	signals   chan Effect
	changes   chan struct{}
	stopped   chan struct{}
	loggedOut chan struct{}

	stopOnce   sync.Once
	logoutOnce sync.Once

	flight        singleflight.Group
	bootstrapped  atomic.Bool
	bootstrapping atomic.Bool

	mu      sync.Mutex
	running bool
	runCtx  context.Context
}

// NewEngine wires an engine for id over the given REST and push surfaces.
func NewEngine(id Identity, api SnapshotAPI, transport Transport, cfg Config) *Engine {
	cfg.defaults()
	e := &Engine{
		id:        id,
		api:       api,
		transport: transport,
		cfg:       cfg,
		log:       cfg.Logger.With("component", "engine", "user", id.UserID),
		state:     NewState(id.UserID, cfg),
		inbox:     make(chan item, cfg.InboxSize),
		signals:   make(chan Effect, cfg.InboxSize),
		changes:   make(chan struct{}, 1),
		stopped:   make(chan struct{}),
		loggedOut: make(chan struct{}),
	}

	transport.OnEvent(func(ev Event) { e.post(ev) })
	transport.OnConnected(func() {
		e.post(connectionChanged{Connected: true})
		if e.bootstrapped.Load() && !e.bootstrapping.Load() {
			e.log.Info("transport recovered, re-bootstrapping")
			go e.rebootstrap()
		}
	})
	transport.OnDisconnected(func(err error) {
		e.post(connectionChanged{Connected: false})
		if err != nil {
			e.log.Warn("transport lost", "err", err)
		}
	})
	return e
}

// Identity returns the session identity.
func (e *Engine) Identity() Identity { return e.id }

// Changes signals, coalesced, that the state changed.
func (e *Engine) Changes() <-chan struct{} { return e.changes }

// LoggedOut is closed when the server forces a logout.
func (e *Engine) LoggedOut() <-chan struct{} { return e.loggedOut }

// Done is closed when Run returns.
func (e *Engine) Done() <-chan struct{} { return e.stopped }

// ============================================================================
// Loop
// ============================================================================

// Run processes events until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("chatsync: engine already running")
	}
	e.running = true
	e.runCtx = ctx
	e.mu.Unlock()
	defer e.stopOnce.Do(func() { close(e.stopped) })

	go e.signalLoop(ctx)

	var sweep <-chan time.Time
	if e.cfg.TypingTimeout > 0 {
		t := time.NewTicker(sweepInterval(e.cfg.TypingTimeout))
		defer t.Stop()
		sweep = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it := <-e.inbox:
			e.handle(it)
		case <-sweep:
			e.handle(item{ev: tick{Now: e.cfg.Now()}})
		}
	}
}

func sweepInterval(ttl time.Duration) time.Duration {
	d := ttl / 4
	if d < 250*time.Millisecond {
		d = 250 * time.Millisecond
	}
	return d
}

func (e *Engine) handle(it item) {
	if it.fn != nil {
		it.fn(e.state)
		close(it.done)
		return
	}
	before := e.state.version
	fx := e.state.Apply(it.ev)
	e.execute(fx)
	if e.state.version != before {
		select {
		case e.changes <- struct{}{}:
		default:
		}
	}
	if it.done != nil {
		close(it.done)
	}
}

func (e *Engine) ctx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx != nil {
		return e.runCtx
	}
	return context.Background()
}

// post enqueues an event from a transport handler or IO completion.
func (e *Engine) post(ev Event) {
	select {
	case e.inbox <- item{ev: ev}:
	case <-e.stopped:
	}
}

// dispatch enqueues a UI intent.
func (e *Engine) dispatch(ctx context.Context, ev Event) error {
	select {
	case <-e.loggedOut:
		return ErrLoggedOut
	case <-e.stopped:
		return ErrEngineStopped
	default:
	}
	select {
	case e.inbox <- item{ev: ev}:
		return nil
	case <-e.stopped:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// apply enqueues ev and waits until the loop has reduced it.
func (e *Engine) apply(ctx context.Context, ev Event) error {
	done := make(chan struct{})
	select {
	case e.inbox <- item{ev: ev, done: done}:
	case <-e.stopped:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-e.stopped:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// query runs fn on the loop goroutine.
func (e *Engine) query(ctx context.Context, fn func(*State)) error {
	done := make(chan struct{})
	select {
	case e.inbox <- item{fn: fn, done: done}:
	case <-e.stopped:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-e.stopped:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a deep copy of the current state.
func (e *Engine) Snapshot(ctx context.Context) (View, error) {
	var v View
	err := e.query(ctx, func(s *State) { v = s.View() })
	return v, err
}

// ============================================================================
// Effects
// ============================================================================

func (e *Engine) execute(fx []Effect) {
	for _, f := range fx {
		switch f := f.(type) {
		case fetchDirectory:
			go e.refetchDirectory()
		case fetchPage:
			go e.fetchPage(f)
		case joinChannel, leaveChannel, emitSignal:
			select {
			case e.signals <- f:
			default:
				e.log.Warn("signal queue full, dropping", "effect", fmt.Sprintf("%T", f))
			}
		case callMarkRead:
			go e.call("mark read", func(ctx context.Context) error {
				return e.api.MarkRead(ctx, f.ConversationID)
			}, "conversation", f.ConversationID)
		case callDelete:
			go e.call("delete message", func(ctx context.Context) error {
				return e.api.DeleteMessage(ctx, f.MessageID, f.ForEveryone)
			}, "message", f.MessageID)
		case callSend:
			go e.sendMessage(f)
		case scheduleTimer:
			ev := f.Event
			time.AfterFunc(f.After, func() { e.post(ev) })
		case logout:
			e.log.Warn("forced logout", "reason", f.Reason)
			e.logoutOnce.Do(func() { close(e.loggedOut) })
			go func() {
				if err := e.transport.Disconnect(); err != nil {
					e.log.Debug("disconnect after logout", "err", err)
				}
			}()
		}
	}
}

// signalLoop sends channel and signaling frames in the order the reducer
// produced them.
func (e *Engine) signalLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-e.signals:
			sctx, cancel := context.WithTimeout(ctx, signalTimeout)
			var err error
			switch f := f.(type) {
			case joinChannel:
				err = e.transport.JoinChannel(sctx, f.ConversationID)
			case leaveChannel:
				err = e.transport.LeaveChannel(sctx, f.ConversationID)
			case emitSignal:
				err = e.transport.Emit(sctx, f.Signal)
			}
			cancel()
			if err != nil {
				level := slog.LevelWarn
				if errors.Is(err, ErrNotConnected) {
					level = slog.LevelDebug
				}
				e.log.Log(ctx, level, "signal failed", "effect", fmt.Sprintf("%T", f), "err", err)
			}
		}
	}
}

func (e *Engine) call(op string, fn func(context.Context) error, args ...any) {
	ctx, cancel := context.WithTimeout(e.ctx(), e.cfg.RequestTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		e.log.Warn(op+" failed", append(args, "err", err)...)
	}
}

func (e *Engine) refetchDirectory() {
	_, _, _ = e.flight.Do("directory", func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(e.ctx(), e.cfg.RequestTimeout)
		defer cancel()
		convs, err := e.api.ListConversations(ctx)
		if err != nil {
			e.log.Warn("directory refetch failed", "err", err)
		}
		e.post(directoryLoaded{Conversations: convs, Err: err, JoinNew: true})
		return nil, err
	})
}

func (e *Engine) fetchPage(f fetchPage) {
	ctx, cancel := context.WithTimeout(e.ctx(), e.cfg.RequestTimeout)
	defer cancel()
	msgs, err := e.api.ListMessages(ctx, f.ConversationID, f.Query)
	if err != nil {
		e.log.Warn("page fetch failed", "conversation", f.ConversationID, "err", err)
	}
	e.post(pageLoaded{
		ConversationID: f.ConversationID,
		Seq:            f.Seq,
		Mode:           f.Mode,
		Query:          f.Query,
		Messages:       msgs,
		Err:            err,
	})
}

func (e *Engine) sendMessage(f callSend) {
	ctx, cancel := context.WithTimeout(e.ctx(), e.cfg.RequestTimeout)
	defer cancel()
	req := f.Request
	if err := e.api.SendMessage(ctx, &req); err != nil {
		e.log.Warn("send failed", "conversation", req.ConversationID, "client_id", f.ClientID, "err", err)
		e.post(sendFailed{ClientID: f.ClientID, Err: err})
	}
}

// ============================================================================
// Intents
// ============================================================================

// SetActive makes conversationID the active timeline and fetches its first
// page, or the page around seekMessageID when non-empty. An empty id clears
// the active conversation.
func (e *Engine) SetActive(ctx context.Context, conversationID, seekMessageID string) error {
	return e.dispatch(ctx, setActive{ConversationID: conversationID, SeekID: seekMessageID})
}

// LoadOlder fetches the next older page of the active conversation.
func (e *Engine) LoadOlder(ctx context.Context) error {
	return e.dispatch(ctx, loadOlder{})
}

// SendMessage shows a pending local echo, posts the message and emits a
// stop-typing signal for the conversation. It returns the client id that
// identifies the echo.
func (e *Engine) SendMessage(ctx context.Context, req SendRequest) (string, error) {
	if req.ConversationID == "" {
		return "", errors.New("chatsync: conversation id is required")
	}
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		return "", errors.New("chatsync: message has no content")
	}
	clientID := newClientID()
	op := OutboxOp{ClientID: clientID, Request: req, CreatedAt: e.cfg.Now()}
	if err := e.dispatch(ctx, sendIntent{Op: op}); err != nil {
		return "", err
	}
	return clientID, nil
}

// RetrySend re-issues a failed send.
func (e *Engine) RetrySend(ctx context.Context, clientID string) error {
	return e.dispatch(ctx, retrySend{ClientID: clientID})
}

// MarkRead zeroes the conversation's unread counter and sends the receipt.
func (e *Engine) MarkRead(ctx context.Context, conversationID string) error {
	return e.dispatch(ctx, markReadIntent{ConversationID: conversationID})
}

// DeleteMessage removes or tombstones a message locally and calls the API.
func (e *Engine) DeleteMessage(ctx context.Context, messageID string, forEveryone bool) error {
	return e.dispatch(ctx, deleteIntent{MessageID: messageID, ForEveryone: forEveryone})
}

// SetWidgetOpen records whether the chat UI is visible.
func (e *Engine) SetWidgetOpen(ctx context.Context, open bool) error {
	return e.dispatch(ctx, widgetIntent{Open: open})
}

func (e *Engine) DismissNotification(ctx context.Context, id string) error {
	return e.dispatch(ctx, dismissIntent{ID: id})
}

// OpenNotification activates the notification's conversation and opens the
// chat UI.
func (e *Engine) OpenNotification(ctx context.Context, id string) error {
	return e.dispatch(ctx, openIntent{ID: id})
}

// Emit sends an outbound signal directly over the transport.
func (e *Engine) Emit(ctx context.Context, s Signal) error {
	return e.transport.Emit(ctx, s)
}

func (e *Engine) StartTyping(ctx context.Context, conversationID string) error {
	return e.Emit(ctx, StartTypingSignal(conversationID))
}

func (e *Engine) StopTyping(ctx context.Context, conversationID string) error {
	return e.Emit(ctx, StopTypingSignal(conversationID))
}

// ============================================================================
// Request/response operations
// ============================================================================

// OpenDirect returns the direct conversation with userID, creating it only
// when the directory has none.
func (e *Engine) OpenDirect(ctx context.Context, userID string) (Conversation, error) {
	var (
		found Conversation
		ok    bool
	)
	if err := e.query(ctx, func(s *State) { found, ok = s.dir.FindDirect(e.id.UserID, userID) }); err != nil {
		return Conversation{}, err
	}
	if ok {
		return found, nil
	}

	v, err, _ := e.flight.Do("direct:"+userID, func() (interface{}, error) {
		c, err := e.api.CreateDirectConversation(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("create direct conversation: %w", err)
		}
		if err := e.apply(ctx, conversationOpened{Conversation: *c}); err != nil {
			return nil, err
		}
		return *c, nil
	})
	if err != nil {
		return Conversation{}, err
	}
	return v.(Conversation), nil
}

// CreateGroup creates a group conversation and adds it to the directory.
func (e *Engine) CreateGroup(ctx context.Context, name string, participantIDs []string) (Conversation, error) {
	c, err := e.api.CreateGroupConversation(ctx, name, participantIDs)
	if err != nil {
		return Conversation{}, fmt.Errorf("create group conversation: %w", err)
	}
	if err := e.apply(ctx, conversationOpened{Conversation: *c}); err != nil {
		return Conversation{}, err
	}
	return *c, nil
}

// AddParticipant, RemoveParticipant and ToggleAdmin only issue the call; the
// resulting groupUpdated push updates the directory.
func (e *Engine) AddParticipant(ctx context.Context, conversationID, userID string) error {
	if err := e.api.AddParticipant(ctx, conversationID, userID); err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

func (e *Engine) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	if err := e.api.RemoveParticipant(ctx, conversationID, userID); err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	return nil
}

func (e *Engine) ToggleAdmin(ctx context.Context, conversationID, userID string) error {
	if err := e.api.ToggleAdmin(ctx, conversationID, userID); err != nil {
		return fmt.Errorf("toggle admin: %w", err)
	}
	return nil
}

// RefreshUnread reloads per-conversation unread counters.
func (e *Engine) RefreshUnread(ctx context.Context) error {
	counts, err := e.api.UnreadCounts(ctx)
	if err != nil {
		return fmt.Errorf("unread counts: %w", err)
	}
	return e.apply(ctx, unreadLoaded{Counts: counts})
}

// Close announces offline presence and disconnects the transport.
func (e *Engine) Close() error {
	return e.transport.Disconnect()
}
