// Package chatsync keeps a client's view of chat conversations, messages,
// presence, typing state, receipts and notifications consistent across a
// REST snapshot API and a websocket push channel.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://tms.example.com"))
//	ws := chatsync.NewWSTransport("https://tms.example.com", nil)
//	engine := chatsync.NewEngine(chatsync.Identity{UserID: "u1", Token: token},
//		client.SnapshotAPI(), ws, chatsync.Config{})
//
//	go engine.Run(ctx)
//	engine.Bootstrap(ctx)
//	view, _ := engine.Snapshot(ctx)
//
//	// Direct REST access (sub-client pattern)
//	client.Chat().Conversations.List(ctx)
//	client.Chat().Messages.List(ctx, "conv-1", chatsync.PageQuery{Limit: 30})
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	chat       *ChatClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client authenticated with a bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.chat = newChatClient(c)
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured server root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Chat returns the chat API sub-client.
func (c *Client) Chat() *ChatClient {
	return c.chat
}

// SnapshotAPI returns the request/response surface consumed by the Engine.
func (c *Client) SnapshotAPI() SnapshotAPI {
	return snapshotAdapter{chat: c.chat}
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) (int, []byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Chat Client (orchestrates sub-modules)
// ============================================================================

// ChatClient provides access to the chat API via sub-modules.
type ChatClient struct {
	client *Client

	Account       *AccountClient
	Conversations *ConversationsClient
	Messages      *MessagesClient
	Participants  *ParticipantsClient
}

func newChatClient(c *Client) *ChatClient {
	ch := &ChatClient{client: c}
	ch.Account = &AccountClient{chat: ch}
	ch.Conversations = &ConversationsClient{chat: ch}
	ch.Messages = &MessagesClient{chat: ch}
	ch.Participants = &ParticipantsClient{chat: ch}
	return ch
}

// do performs a request and unwraps the {ok, data, error} envelope. A non-2xx
// status or ok=false becomes an *APIError.
func (ch *ChatClient) do(ctx context.Context, method, path string, body interface{}, query url.Values) (*Result, error) {
	status, data, err := ch.client.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		if status >= 300 {
			return nil, &APIError{Code: "HTTP_" + strconv.Itoa(status), Message: http.StatusText(status)}
		}
		return &Result{OK: true}, nil
	}
	res, err := decodeJSON[Result](data)
	if err != nil {
		if status >= 300 {
			return nil, &APIError{Code: "HTTP_" + strconv.Itoa(status), Message: http.StatusText(status)}
		}
		return nil, err
	}
	if res.Error != nil {
		return nil, res.Error
	}
	if !res.OK || status >= 300 {
		return nil, &APIError{Code: "HTTP_" + strconv.Itoa(status), Message: "request was not successful"}
	}
	return res, nil
}

func call[T any](ctx context.Context, ch *ChatClient, method, path string, body interface{}, query url.Values) (T, error) {
	var out T
	res, err := ch.do(ctx, method, path, body, query)
	if err != nil {
		return out, err
	}
	if err := res.Decode(&out); err != nil {
		return out, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return out, nil
}

func pageQuery(q PageQuery) url.Values {
	v := url.Values{}
	if q.Around != "" {
		v.Set("around", q.Around)
	} else if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// ============================================================================
// Chat Sub-Clients
// ============================================================================

// AccountClient resolves the authenticated user.
type AccountClient struct{ chat *ChatClient }

func (a *AccountClient) Me(ctx context.Context) (*User, error) {
	u, err := call[User](ctx, a.chat, "GET", "/api/chat/me", nil, nil)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ConversationsClient handles the conversation directory.
type ConversationsClient struct{ chat *ChatClient }

func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	return call[[]Conversation](ctx, cv.chat, "GET", "/api/chat/conversations", nil, nil)
}

// UnreadCounts returns the unread counter per conversation id.
func (cv *ConversationsClient) UnreadCounts(ctx context.Context) (map[string]int, error) {
	return call[map[string]int](ctx, cv.chat, "GET", "/api/chat/conversations/unread", nil, nil)
}

// CreateDirect returns the direct conversation with userID, creating it if needed.
func (cv *ConversationsClient) CreateDirect(ctx context.Context, userID string) (*Conversation, error) {
	c, err := call[Conversation](ctx, cv.chat, "POST", "/api/chat/conversations/direct", map[string]string{"userId": userID}, nil)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (cv *ConversationsClient) CreateGroup(ctx context.Context, name string, participantIDs []string) (*Conversation, error) {
	c, err := call[Conversation](ctx, cv.chat, "POST", "/api/chat/conversations/group",
		&createGroupRequest{Name: name, ParticipantIDs: participantIDs}, nil)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (cv *ConversationsClient) MarkRead(ctx context.Context, conversationID string) error {
	_, err := cv.chat.do(ctx, "POST", "/api/chat/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
	return err
}

// MessagesClient handles message pages and mutations.
type MessagesClient struct{ chat *ChatClient }

func (m *MessagesClient) List(ctx context.Context, conversationID string, q PageQuery) ([]Message, error) {
	return call[[]Message](ctx, m.chat, "GET", "/api/chat/conversations/"+url.PathEscape(conversationID)+"/messages", nil, pageQuery(q))
}

// Send posts a message. The stored message arrives back over the push channel.
func (m *MessagesClient) Send(ctx context.Context, req *SendRequest) error {
	if req == nil || req.ConversationID == "" {
		return &APIError{Code: "INVALID_INPUT", Message: "conversation id is required"}
	}
	if req.Type == "" {
		req.Type = MessageText
	}
	_, err := m.chat.do(ctx, "POST", "/api/chat/conversations/"+url.PathEscape(req.ConversationID)+"/messages", req, nil)
	return err
}

func (m *MessagesClient) Delete(ctx context.Context, messageID string, forEveryone bool) error {
	q := url.Values{}
	q.Set("forEveryone", strconv.FormatBool(forEveryone))
	_, err := m.chat.do(ctx, "DELETE", "/api/chat/messages/"+url.PathEscape(messageID), nil, q)
	return err
}

// ParticipantsClient handles group membership.
type ParticipantsClient struct{ chat *ChatClient }

func (p *ParticipantsClient) Add(ctx context.Context, conversationID, userID string) error {
	_, err := p.chat.do(ctx, "POST", "/api/chat/conversations/"+url.PathEscape(conversationID)+"/participants",
		map[string]string{"userId": userID}, nil)
	return err
}

func (p *ParticipantsClient) Remove(ctx context.Context, conversationID, userID string) error {
	_, err := p.chat.do(ctx, "DELETE", "/api/chat/conversations/"+url.PathEscape(conversationID)+"/participants/"+url.PathEscape(userID), nil, nil)
	return err
}

func (p *ParticipantsClient) ToggleAdmin(ctx context.Context, conversationID, userID string) error {
	_, err := p.chat.do(ctx, "POST", "/api/chat/conversations/"+url.PathEscape(conversationID)+"/admins/"+url.PathEscape(userID)+"/toggle", nil, nil)
	return err
}

// ============================================================================
// SnapshotAPI
// ============================================================================

// SnapshotAPI is the request/response surface the Engine depends on.
type SnapshotAPI interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	UnreadCounts(ctx context.Context) (map[string]int, error)
	ListMessages(ctx context.Context, conversationID string, q PageQuery) ([]Message, error)
	CreateDirectConversation(ctx context.Context, userID string) (*Conversation, error)
	CreateGroupConversation(ctx context.Context, name string, participantIDs []string) (*Conversation, error)
	SendMessage(ctx context.Context, req *SendRequest) error
	MarkRead(ctx context.Context, conversationID string) error
	DeleteMessage(ctx context.Context, messageID string, forEveryone bool) error
	AddParticipant(ctx context.Context, conversationID, userID string) error
	RemoveParticipant(ctx context.Context, conversationID, userID string) error
	ToggleAdmin(ctx context.Context, conversationID, userID string) error
}

type snapshotAdapter struct{ chat *ChatClient }

func (s snapshotAdapter) ListConversations(ctx context.Context) ([]Conversation, error) {
	return s.chat.Conversations.List(ctx)
}

func (s snapshotAdapter) UnreadCounts(ctx context.Context) (map[string]int, error) {
	return s.chat.Conversations.UnreadCounts(ctx)
}

func (s snapshotAdapter) ListMessages(ctx context.Context, conversationID string, q PageQuery) ([]Message, error) {
	return s.chat.Messages.List(ctx, conversationID, q)
}

func (s snapshotAdapter) CreateDirectConversation(ctx context.Context, userID string) (*Conversation, error) {
	return s.chat.Conversations.CreateDirect(ctx, userID)
}

func (s snapshotAdapter) CreateGroupConversation(ctx context.Context, name string, participantIDs []string) (*Conversation, error) {
	return s.chat.Conversations.CreateGroup(ctx, name, participantIDs)
}

func (s snapshotAdapter) SendMessage(ctx context.Context, req *SendRequest) error {
	return s.chat.Messages.Send(ctx, req)
}

func (s snapshotAdapter) MarkRead(ctx context.Context, conversationID string) error {
	return s.chat.Conversations.MarkRead(ctx, conversationID)
}

func (s snapshotAdapter) DeleteMessage(ctx context.Context, messageID string, forEveryone bool) error {
	return s.chat.Messages.Delete(ctx, messageID, forEveryone)
}

func (s snapshotAdapter) AddParticipant(ctx context.Context, conversationID, userID string) error {
	return s.chat.Participants.Add(ctx, conversationID, userID)
}

func (s snapshotAdapter) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	return s.chat.Participants.Remove(ctx, conversationID, userID)
}

func (s snapshotAdapter) ToggleAdmin(ctx context.Context, conversationID, userID string) error {
	return s.chat.Participants.ToggleAdmin(ctx, conversationID, userID)
}
