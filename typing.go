package chatsync

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Emitter sends outbound signals. Transport and Engine implement it.
type Emitter interface {
	Emit(ctx context.Context, s Signal) error
}

// TypingSignaler debounces outgoing typing signals for one conversation:
// start on the first keystroke, a rate-limited refresh while typing goes
// on, and stop after a quiet period.
type TypingSignaler struct {
	emitter        Emitter
	conversationID string
	quiet          time.Duration
	limiter        *rate.Limiter

	mu     sync.Mutex
	typing bool
	timer  *time.Timer
}

// NewTypingSignaler creates a signaler. quiet defaults to 3s and refresh,
// the minimum interval between start signals, to 2s.
func NewTypingSignaler(emitter Emitter, conversationID string, quiet, refresh time.Duration) *TypingSignaler {
	if quiet <= 0 {
		quiet = 3 * time.Second
	}
	if refresh <= 0 {
		refresh = 2 * time.Second
	}
	return &TypingSignaler{
		emitter:        emitter,
		conversationID: conversationID,
		quiet:          quiet,
		limiter:        rate.NewLimiter(rate.Every(refresh), 1),
	}
}

// Keystroke records local typing activity.
func (t *TypingSignaler) Keystroke(ctx context.Context) error {
	t.mu.Lock()
	first := !t.typing
	t.typing = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.quiet, t.expire)
	allowed := t.limiter.Allow()
	t.mu.Unlock()

	if first || allowed {
		return t.emitter.Emit(ctx, StartTypingSignal(t.conversationID))
	}
	return nil
}

// Stop ends typing and emits the stop signal. After a send through the
// engine use Sent instead.
func (t *TypingSignaler) Stop(ctx context.Context) error {
	t.mu.Lock()
	was := t.typing
	t.typing = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	if !was {
		return nil
	}
	return t.emitter.Emit(ctx, StopTypingSignal(t.conversationID))
}

// Sent ends typing without a stop signal. Call it after Engine.SendMessage,
// which already emits the stop for the conversation, so the quiet timer does
// not send a second one.
func (t *TypingSignaler) Sent() {
	t.mu.Lock()
	t.typing = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
}

// Typing reports whether a start signal is outstanding.
func (t *TypingSignaler) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

func (t *TypingSignaler) expire() {
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	_ = t.Stop(ctx)
}
