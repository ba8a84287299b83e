// Package protocol maps the chat websocket wire format to typed events and
// outbound commands. It performs no I/O.
package protocol

import (
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// Event is the closed set of inbound events. Only types in this package
// implement it.
type Event interface {
	event()
}

// SessionInit carries the identity the server assigned to the viewer.
type SessionInit struct {
	ViewerID string
}

// HistoryBatch is the authoritative message set the server replays on
// every (re)connect, in delivery order.
type HistoryBatch struct {
	Messages []models.Message
}

// MessageCreated is a newly accepted message. ConnectionID is the sender's
// connection identity when the server round-trips it.
type MessageCreated struct {
	Message      models.Message
	ConnectionID string
}

// MessageEdited replaces the body of an existing message. EditedAt is zero
// when the frame carries no edit timestamp.
type MessageEdited struct {
	ID       string
	NewBody  string
	EditedAt time.Time
}

// MessageDeleted removes a message.
type MessageDeleted struct {
	ID string
}

// CommandRejected is an explicit server refusal of an outbound command.
type CommandRejected struct {
	Command      CommandKind
	MessageID    string
	ConnectionID string
	Reason       string
}

func (SessionInit) event()     {}
func (HistoryBatch) event()    {}
func (MessageCreated) event()  {}
func (MessageEdited) event()   {}
func (MessageDeleted) event()  {}
func (CommandRejected) event() {}

// CommandKind identifies an outbound command.
type CommandKind string

const (
	CommandSend   CommandKind = "send"
	CommandEdit   CommandKind = "edit"
	CommandDelete CommandKind = "delete"
)
