package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownEvent is returned for push frames outside the closed event set.
	ErrUnknownEvent = errors.New("chatsync: unknown event type")
	// ErrInvalidPayload is returned when a push frame is missing required fields.
	ErrInvalidPayload = errors.New("chatsync: invalid event payload")
)

// ============================================================================
// Wire Format
// ============================================================================

// Envelope is the wire format for every push frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server frame.
type Command struct {
	Type    SignalType `json:"type"`
	Payload any        `json:"payload"`
}

// ============================================================================
// Push Events
// ============================================================================

// EventKind tags every event that flows through the reducer.
type EventKind string

const (
	EventNewMessage           EventKind = "newMessage"
	EventConversationUpdated  EventKind = "conversationUpdated"
	EventPresenceChanged      EventKind = "presenceChanged"
	EventTypingStarted        EventKind = "typingStarted"
	EventTypingStopped        EventKind = "typingStopped"
	EventMessagesRead         EventKind = "messagesRead"
	EventMessageStatusUpdated EventKind = "messageStatusUpdated"
	EventMessageDeleted       EventKind = "messageDeleted"
	EventGroupUpdated         EventKind = "groupUpdated"
	EventAddedToGroup         EventKind = "addedToGroup"
	EventForceLogout          EventKind = "forceLogout"
)

// Event is a tagged variant consumed by the reducer. Push events are the
// exported types below; intents and completions are internal variants.
type Event interface {
	Kind() EventKind
}

type NewMessage struct {
	Message Message
}

type ConversationUpdated struct {
	Conversation Conversation
	// UnreadCount is nil when the server did not send a counter; the local
	// counter is then preserved.
	UnreadCount *int
}

type PresenceChanged struct {
	UserID     string
	Online     bool
	LastSeenAt time.Time
}

type TypingStarted struct {
	ConversationID string
	UserID         string
}

type TypingStopped struct {
	ConversationID string
	UserID         string
}

type MessagesRead struct {
	ConversationID string
	ReaderID       string
}

type MessageStatusUpdated struct {
	MessageID      string
	ConversationID string
	Status         MessageStatus
}

type MessageDeleted struct {
	MessageID      string
	ConversationID string
	ForEveryone    bool
}

type GroupUpdated struct {
	Conversation Conversation
	UnreadCount  *int
}

type AddedToGroup struct {
	Conversation Conversation
	UnreadCount  *int
}

type ForceLogout struct {
	Reason string
}

func (NewMessage) Kind() EventKind           { return EventNewMessage }
func (ConversationUpdated) Kind() EventKind  { return EventConversationUpdated }
func (PresenceChanged) Kind() EventKind      { return EventPresenceChanged }
func (TypingStarted) Kind() EventKind        { return EventTypingStarted }
func (TypingStopped) Kind() EventKind        { return EventTypingStopped }
func (MessagesRead) Kind() EventKind         { return EventMessagesRead }
func (MessageStatusUpdated) Kind() EventKind { return EventMessageStatusUpdated }
func (MessageDeleted) Kind() EventKind       { return EventMessageDeleted }
func (GroupUpdated) Kind() EventKind         { return EventGroupUpdated }
func (AddedToGroup) Kind() EventKind         { return EventAddedToGroup }
func (ForceLogout) Kind() EventKind          { return EventForceLogout }

// ============================================================================
// Payload decoding
// ============================================================================

type conversationPayload struct {
	Conversation
	UnreadCount *int `json:"unreadCount"`
}

type presencePayload struct {
	UserID     string    `json:"userId"`
	Online     *bool     `json:"online"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

type typingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type readPayload struct {
	ConversationID string `json:"conversationId"`
	ReaderID       string `json:"readerId"`
}

type statusPayload struct {
	MessageID      string        `json:"messageId"`
	ConversationID string        `json:"conversationId"`
	Status         MessageStatus `json:"status"`
}

type deletedPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	ForEveryone    *bool  `json:"forEveryone"`
}

type logoutPayload struct {
	Reason string `json:"reason"`
}

func invalid(kind, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidPayload, kind, reason)
}

// DecodeEvent validates a push frame and converts it into a typed event.
func DecodeEvent(env Envelope) (Event, error) {
	kind := EventKind(env.Type)
	switch kind {
	case EventNewMessage:
		var m Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, invalid(env.Type, err.Error())
		}
		if m.ID == "" || m.ConversationID == "" {
			return nil, invalid(env.Type, "id and conversationId required")
		}
		if m.Type == "" {
			m.Type = MessageText
		}
		if m.Status == "" {
			m.Status = StatusSent
		}
		if !m.Status.Valid() {
			return nil, invalid(env.Type, "unknown status "+string(m.Status))
		}
		return NewMessage{Message: m}, nil

	case EventConversationUpdated, EventGroupUpdated, EventAddedToGroup:
		var p conversationPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, invalid(env.Type, err.Error())
		}
		if p.ID == "" {
			return nil, invalid(env.Type, "id required")
		}
		if p.UnreadCount != nil && *p.UnreadCount < 0 {
			return nil, invalid(env.Type, "negative unreadCount")
		}
		switch kind {
		case EventGroupUpdated:
			return GroupUpdated{Conversation: p.Conversation, UnreadCount: p.UnreadCount}, nil
		case EventAddedToGroup:
			return AddedToGroup{Conversation: p.Conversation, UnreadCount: p.UnreadCount}, nil
		}
		return ConversationUpdated{Conversation: p.Conversation, UnreadCount: p.UnreadCount}, nil

	case EventPresenceChanged:
		var p presencePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, invalid(env.Type, err.Error())
		}
		if p.UserID == "" || p.Online == nil {
			return nil, invalid(env.Type, "userId and online required")
		}
		return PresenceChanged{UserID: p.UserID, Online: *p.Online, LastSeenAt: p.LastSeenAt}, nil

	case EventTypingStarted, EventTypingStopped:
		var p typingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, invalid(env.Type, err.Error())
		}
		if p.ConversationID == "" || p.UserID == "" {
			return nil, invalid(env.Type, "conversationId and userId required")
		}
		if kind == EventTypingStarted {
			return TypingStarted{ConversationID: p.ConversationID, UserID: p.UserID}, nil
		}
		return TypingStopped{ConversationID: p.ConversationID, UserID: p.UserID}, nil

	case EventMessagesRead:
		var p readPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, invalid(env.Type, err.Error())
		}
		if p.ConversationID == "" || p.ReaderID == "" {
			return nil, invalid(env.Type, "conversationId and readerId required")
		}
		return MessagesRead{ConversationID: p.ConversationID, ReaderID: p.ReaderID}, nil

	case EventMessageStatusUpdated:
		var p statusPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, invalid(env.Type, err.Error())
		}
		if p.MessageID == "" {
			return nil, invalid(env.Type, "messageId required")
		}
		if !p.Status.Valid() || p.Status == StatusPending || p.Status == StatusFailed {
			return nil, invalid(env.Type, "unsupported status "+string(p.Status))
		}
		return MessageStatusUpdated{MessageID: p.MessageID, ConversationID: p.ConversationID, Status: p.Status}, nil

	case EventMessageDeleted:
		var p deletedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, invalid(env.Type, err.Error())
		}
		if p.MessageID == "" {
			return nil, invalid(env.Type, "messageId required")
		}
		// Server broadcasts are deletions for everyone unless stated otherwise.
		forEveryone := true
		if p.ForEveryone != nil {
			forEveryone = *p.ForEveryone
		}
		return MessageDeleted{MessageID: p.MessageID, ConversationID: p.ConversationID, ForEveryone: forEveryone}, nil

	case EventForceLogout:
		var p logoutPayload
		if len(env.Payload) > 0 && string(env.Payload) != "null" {
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return nil, invalid(env.Type, err.Error())
			}
		}
		return ForceLogout{Reason: p.Reason}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
}

// ============================================================================
// Outbound Signals
// ============================================================================

type SignalType string

const (
	SignalJoinUser       SignalType = "joinUser"
	SignalJoinChannel    SignalType = "joinChannel"
	SignalLeaveChannel   SignalType = "leaveChannel"
	SignalStartTyping    SignalType = "startTyping"
	SignalStopTyping     SignalType = "stopTyping"
	SignalPresenceChange SignalType = "presenceChange"
)

// Signal is a fire-and-forget outbound event.
type Signal struct {
	Type           SignalType
	ConversationID string
	UserID         string
	Online         bool
}

func StartTypingSignal(conversationID string) Signal {
	return Signal{Type: SignalStartTyping, ConversationID: conversationID}
}

func StopTypingSignal(conversationID string) Signal {
	return Signal{Type: SignalStopTyping, ConversationID: conversationID}
}

func PresenceSignal(online bool) Signal {
	return Signal{Type: SignalPresenceChange, Online: online}
}

func (s Signal) command() *Command {
	var payload any
	switch s.Type {
	case SignalJoinUser:
		payload = map[string]string{"userId": s.UserID}
	case SignalPresenceChange:
		payload = map[string]bool{"online": s.Online}
	default:
		payload = map[string]string{"conversationId": s.ConversationID}
	}
	return &Command{Type: s.Type, Payload: payload}
}
