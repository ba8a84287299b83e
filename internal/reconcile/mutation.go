package reconcile

import (
	"errors"
	"fmt"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/protocol"
)

// ErrIllegalTransition is returned when a mutation that already left the
// Pending state is asked to move again.
var ErrIllegalTransition = errors.New("mutation already settled")

// State is the lifecycle position of an optimistic mutation. The set is
// closed: Pending, Confirmed and Reverted.
type State interface {
	state()
	String() string
}

// Pending is waiting for the server.
type Pending struct{}

// Confirmed was matched to an authoritative server event. MessageID is the
// server ID the mutation settled on.
type Confirmed struct {
	MessageID string
}

// Reverted was undone. Reason says why.
type Reverted struct {
	Reason error
}

func (Pending) state()   {}
func (Confirmed) state() {}
func (Reverted) state()  {}

func (Pending) String() string   { return "pending" }
func (Confirmed) String() string { return "confirmed" }
func (Reverted) String() string  { return "reverted" }

// Mutation is one optimistic local change awaiting confirmation.
type Mutation struct {
	// Token is the client correlation token. For a send it is also the
	// placeholder's ID until the echo arrives.
	Token string
	Kind  protocol.CommandKind

	// TargetID is the message an edit or delete applies to. For a send it
	// equals Token.
	TargetID  string
	Body      string
	ReplyToID string

	IssuedAt time.Time
	// Session is the sequence number of the session the mutation was
	// issued on.
	Session uint64
	State   State

	// prior is the message before an edit or delete, used to revert.
	prior *models.Message
	// priorLocal is set when prior's edit time came from the local clock.
	priorLocal bool
}

// Settled reports whether the mutation left Pending.
func (m *Mutation) Settled() bool {
	_, pending := m.State.(Pending)
	return !pending
}

func (m *Mutation) transition(next State) error {
	if m.Settled() {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.State, next)
	}

	m.State = next

	return nil
}

// snapshot returns a copy safe to hand to callers.
func (m *Mutation) snapshot() Mutation {
	out := *m
	if m.prior != nil {
		p := m.prior.Clone()
		out.prior = &p
	}

	return out
}

// Outcome reports a mutation that settled. Err is nil when it was
// confirmed and carries the reason when it was reverted.
type Outcome struct {
	Mutation Mutation
	Err      error
}

// Confirmed reports whether the outcome is a confirmation.
func (o Outcome) Confirmed() bool {
	_, ok := o.Mutation.State.(Confirmed)
	return ok
}
