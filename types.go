package chatsync

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the chat REST API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic REST response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided value.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Participants
// ============================================================================

// User is a conversation participant. Online and LastSeenAt are owned by
// presence events; every other field is immutable for the session.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	Role        string    `json:"role,omitempty"`
	Online      bool      `json:"isOnline"`
	LastSeenAt  time.Time `json:"lastSeenAt,omitempty"`
}

// Name returns the display name, falling back to the user id.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.ID
}

// ============================================================================
// Conversations
// ============================================================================

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// Conversation is a directory entry with denormalized last message and
// unread counter relative to the current user.
type Conversation struct {
	ID           string           `json:"id"`
	Type         ConversationType `json:"type"`
	Participants []User           `json:"participants"`
	Name         string           `json:"name,omitempty"`
	AvatarURL    string           `json:"avatarUrl,omitempty"`
	AdminIDs     []string         `json:"adminIds,omitempty"`
	LastMessage  *Message         `json:"lastMessage,omitempty"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	UnreadCount  int              `json:"unreadCount"`
}

// HasParticipant reports whether userID is a member of the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// IsAdmin reports whether userID administers a group conversation.
func (c *Conversation) IsAdmin(userID string) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Title returns the group name or, for direct conversations, the first
// participant that is not self.
func (c *Conversation) Title(self string) string {
	if c.Type == ConversationGroup && c.Name != "" {
		return c.Name
	}
	for _, p := range c.Participants {
		if p.ID != self {
			return p.Name()
		}
	}
	return c.ID
}

func (c Conversation) clone() Conversation {
	out := c
	out.Participants = append([]User(nil), c.Participants...)
	out.AdminIDs = append([]string(nil), c.AdminIDs...)
	if c.LastMessage != nil {
		m := c.LastMessage.clone()
		out.LastMessage = &m
	}
	return out
}

// ============================================================================
// Messages
// ============================================================================

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// MessageStatus is monotonic per message: pending < sent < delivered < read.
// Failed is only reachable from pending and is superseded by any server status.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusFailed    MessageStatus = "failed"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

func (s MessageStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusFailed:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	}
	return -1
}

// Valid reports whether s is a known status.
func (s MessageStatus) Valid() bool { return s.rank() >= 0 }

// Advances reports whether moving from s to next is a forward transition.
func (s MessageStatus) Advances(next MessageStatus) bool {
	if !next.Valid() {
		return false
	}
	if !s.Valid() {
		return true
	}
	return next.rank() > s.rank()
}

func maxStatus(a, b MessageStatus) MessageStatus {
	if a.Advances(b) {
		return b
	}
	return a
}

// Attachment references an uploaded file.
type Attachment struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is a single chat message. CreatedAt is the only ordering key.
type Message struct {
	ID                 string        `json:"id"`
	ClientID           string        `json:"clientId,omitempty"`
	ConversationID     string        `json:"conversationId"`
	Sender             User          `json:"sender"`
	Content            string        `json:"content"`
	Type               MessageType   `json:"type"`
	Attachments        []Attachment  `json:"attachments,omitempty"`
	ReadBy             []string      `json:"readBy,omitempty"`
	Status             MessageStatus `json:"status"`
	DeletedForEveryone bool          `json:"isDeletedForEveryone"`
	CreatedAt          time.Time     `json:"createdAt"`
}

func (m Message) clone() Message {
	out := m
	out.Attachments = append([]Attachment(nil), m.Attachments...)
	out.ReadBy = append([]string(nil), m.ReadBy...)
	return out
}

// ReadByUser reports whether userID is recorded in ReadBy.
func (m *Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// tombstone clears content but keeps identity and position.
func (m *Message) tombstone() {
	m.Content = ""
	m.Attachments = nil
	m.DeletedForEveryone = true
}

// before orders messages by creation time, then by id.
func (m *Message) before(o *Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// VoiceNote is the structured payload carried in Content for voice messages.
type VoiceNote struct {
	Kind       string `json:"kind"`
	URL        string `json:"url"`
	DurationMs int64  `json:"durationMs"`
	Waveform   []int  `json:"waveform,omitempty"`
}

// VoiceNote decodes the voice-note metadata from Content, if present.
func (m *Message) VoiceNote() (*VoiceNote, bool) {
	c := strings.TrimSpace(m.Content)
	if !strings.HasPrefix(c, "{") {
		return nil, false
	}
	var vn VoiceNote
	if err := json.Unmarshal([]byte(c), &vn); err != nil || vn.Kind != "voice" {
		return nil, false
	}
	return &vn, true
}

const previewMaxRunes = 120

// Preview renders a one-line summary suitable for notifications and the
// conversation list.
func (m *Message) Preview() string {
	if m.DeletedForEveryone {
		return "Message deleted"
	}
	if _, ok := m.VoiceNote(); ok {
		return "Voice message"
	}
	switch m.Type {
	case MessageImage:
		if m.Content == "" {
			return "Photo"
		}
	case MessageFile:
		if m.Content == "" {
			if len(m.Attachments) > 0 && m.Attachments[0].Name != "" {
				return "File: " + m.Attachments[0].Name
			}
			return "Attachment"
		}
	}
	text := strings.Join(strings.Fields(m.Content), " ")
	if utf8.RuneCountInString(text) > previewMaxRunes {
		r := []rune(text)
		text = string(r[:previewMaxRunes-3]) + "..."
	}
	return text
}

// ============================================================================
// Request Types
// ============================================================================

// PageQuery selects a page of messages. Around takes precedence over Page.
type PageQuery struct {
	Page   int
	Limit  int
	Around string
}

// SendRequest is the payload of a send-message call.
type SendRequest struct {
	ConversationID string       `json:"-"`
	ClientID       string       `json:"clientId,omitempty"`
	Content        string       `json:"content"`
	Type           MessageType  `json:"type"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

type createGroupRequest struct {
	Name           string   `json:"name"`
	ParticipantIDs []string `json:"participantIds"`
}
