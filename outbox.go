package chatsync

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

const localIDPrefix = "local-"

// OutboxOp is an optimistic send awaiting its push echo.
type OutboxOp struct {
	ClientID       string        `json:"clientId"`
	ConversationID string        `json:"conversationId"`
	Request        SendRequest   `json:"request"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
	Retries        int           `json:"retries"`
	Error          string        `json:"error,omitempty"`
}

// LocalID is the id of the op's local echo in the timeline.
func (op *OutboxOp) LocalID() string { return localIDPrefix + op.ClientID }

// newClientID returns a fresh client id for an optimistic send.
func newClientID() string { return uuid.NewString() }

type outbox struct {
	ops map[string]*OutboxOp
}

func newOutbox() *outbox {
	return &outbox{ops: make(map[string]*OutboxOp)}
}

func (o *outbox) Enqueue(op *OutboxOp) {
	op.Status = StatusPending
	o.ops[op.ClientID] = op
}

func (o *outbox) Get(clientID string) (*OutboxOp, bool) {
	op, ok := o.ops[clientID]
	return op, ok
}

// Ack removes the op confirmed by msg: by client id, or for an echo without
// one, the oldest op in the same conversation with identical content.
func (o *outbox) Ack(msg Message) (*OutboxOp, bool) {
	if msg.ClientID != "" {
		if op, ok := o.ops[msg.ClientID]; ok {
			delete(o.ops, msg.ClientID)
			return op, true
		}
		return nil, false
	}
	var match *OutboxOp
	for _, op := range o.ops {
		if op.ConversationID != msg.ConversationID || op.Request.Content != msg.Content {
			continue
		}
		if match == nil || op.CreatedAt.Before(match.CreatedAt) {
			match = op
		}
	}
	if match == nil {
		return nil, false
	}
	delete(o.ops, match.ClientID)
	return match, true
}

// Nack marks a pending op failed. It reports false when the op is unknown or
// no longer pending.
func (o *outbox) Nack(clientID, errMsg string) (*OutboxOp, bool) {
	op, ok := o.ops[clientID]
	if !ok || op.Status != StatusPending {
		return nil, false
	}
	op.Status = StatusFailed
	op.Error = errMsg
	return op, true
}

// Retry moves a failed op back to pending.
func (o *outbox) Retry(clientID string) (*OutboxOp, bool) {
	op, ok := o.ops[clientID]
	if !ok || op.Status != StatusFailed {
		return nil, false
	}
	op.Status = StatusPending
	op.Error = ""
	op.Retries++
	return op, true
}

// Drop discards an op without sending.
func (o *outbox) Drop(clientID string) bool {
	if _, ok := o.ops[clientID]; !ok {
		return false
	}
	delete(o.ops, clientID)
	return true
}

// List returns copies of all ops, oldest first.
func (o *outbox) List() []OutboxOp {
	out := make([]OutboxOp, 0, len(o.ops))
	for _, op := range o.ops {
		out = append(out, *op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (o *outbox) PendingCount() int {
	n := 0
	for _, op := range o.ops {
		if op.Status == StatusPending {
			n++
		}
	}
	return n
}

func (o *outbox) Reset() {
	o.ops = make(map[string]*OutboxOp)
}
