package chatsync

import (
	"errors"
	"log/slog"
	"time"
)

var (
	// ErrEngineStopped is returned when the engine loop is not running.
	ErrEngineStopped = errors.New("chatsync: engine stopped")
	// ErrLoggedOut is returned after the server forced a logout.
	ErrLoggedOut = errors.New("chatsync: session logged out")
)

// Config tunes the Engine. Zero values take the defaults below.
type Config struct {
	// PageSize is the number of messages per page. Default 30.
	PageSize int
	// NotificationTTL is how long a notification stays visible. Default 5s.
	NotificationTTL time.Duration
	// TypingTimeout expires an incoming typing entry that was not refreshed
	// or stopped. Default 8s; negative disables expiry so only an explicit
	// stop clears it.
	TypingTimeout time.Duration
	// PendingTimeout moves an unconfirmed send to failed. Default 15s;
	// negative disables.
	PendingTimeout time.Duration
	// RequestTimeout bounds every REST call issued by the engine. Default 15s.
	RequestTimeout time.Duration
	// DisableAutoMarkRead stops the engine from marking the open
	// conversation read when it is shown or receives messages.
	DisableAutoMarkRead bool
	// InboxSize is the capacity of the event queue. Default 256.
	InboxSize int
	// SeenCapacity bounds the message ids remembered for unread and
	// notification de-duplication. Default 4096.
	SeenCapacity int

	Logger  *slog.Logger
	Metrics *Metrics
	// Now is the clock. Default time.Now.
	Now func() time.Time
}

func (c *Config) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = 30
	}
	if c.NotificationTTL <= 0 {
		c.NotificationTTL = 5 * time.Second
	}
	if c.TypingTimeout == 0 {
		c.TypingTimeout = 8 * time.Second
	}
	if c.PendingTimeout == 0 {
		c.PendingTimeout = 15 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
	if c.SeenCapacity <= 0 {
		c.SeenCapacity = 4096
	}
	c.Logger = orDefault(c.Logger)
	if c.Now == nil {
		c.Now = time.Now
	}
}
