package chatsync

import (
	"context"
	"fmt"
)

// Bootstrap fetches the directory snapshot, merges it, connects the
// transport, announces presence and joins every known conversation.
// Concurrent calls share one run; repeated runs never duplicate joins or
// double count unread messages.
func (e *Engine) Bootstrap(ctx context.Context) error {
	_, err, _ := e.flight.Do("bootstrap", func() (interface{}, error) {
		return nil, e.bootstrap(ctx)
	})
	return err
}

func (e *Engine) bootstrap(ctx context.Context) error {
	e.bootstrapping.Store(true)
	defer e.bootstrapping.Store(false)

	// After a recovery a failed fetch still replays joins for the
	// conversations already known, so pushes resume.
	convs, fetchErr := e.api.ListConversations(ctx)
	if fetchErr != nil {
		e.post(directoryLoaded{Err: fetchErr})
		if !e.bootstrapped.Load() {
			return fmt.Errorf("fetch directory: %w", fetchErr)
		}
		e.log.Warn("directory fetch failed, replaying known joins", "err", fetchErr)
	} else if err := e.apply(ctx, directoryLoaded{Conversations: convs}); err != nil {
		return err
	}

	var ids []string
	if err := e.query(ctx, func(s *State) { ids = s.dir.IDs() }); err != nil {
		return err
	}

	if err := e.transport.Connect(ctx, e.id); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	if err := e.transport.Emit(ctx, PresenceSignal(true)); err != nil {
		e.log.Warn("presence signal failed", "err", err)
	}
	for _, id := range ids {
		if err := e.transport.JoinChannel(ctx, id); err != nil {
			e.log.Warn("join failed", "conversation", id, "err", err)
		}
	}

	if fetchErr != nil {
		return fmt.Errorf("fetch directory: %w", fetchErr)
	}
	e.bootstrapped.Store(true)
	e.log.Info("bootstrapped", "conversations", len(ids))
	return nil
}

// rebootstrap replays the bootstrap sequence after the transport recovered
// and refreshes the active timeline.
func (e *Engine) rebootstrap() {
	ctx := e.ctx()
	if err := e.Bootstrap(ctx); err != nil {
		e.log.Warn("re-bootstrap failed", "err", err)
	}
	e.post(resync{})
}
