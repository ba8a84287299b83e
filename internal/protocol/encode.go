package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Command is an encoded outbound frame ready to be written as a text
// message.
type Command struct {
	Kind CommandKind
	// MessageID is the target of an edit or delete; empty for sends.
	MessageID string
	Data      []byte
}

// ReplyRef identifies the message a send replies to and the text quoted
// from it at authoring time.
type ReplyRef struct {
	ID   string
	Text string
}

// sendFrame is the create command. reply_to and reply_to_text are null
// when the message is not a reply.
type sendFrame struct {
	UserID       any     `json:"user_id"`
	ConnectionID string  `json:"connectionId"`
	Message      string  `json:"message"`
	ReplyTo      any     `json:"reply_to"`
	ReplyToText  *string `json:"reply_to_text"`
}

type editFrame struct {
	Edit      bool   `json:"edit"`
	MessageID any    `json:"message_id"`
	Message   string `json:"message"`
}

type deleteFrame struct {
	Delete    bool `json:"delete"`
	MessageID any  `json:"message_id"`
}

// Encoder turns user intents into wire commands for one viewer on one
// connection. It is a pure mapping.
type Encoder struct {
	UserID       string
	ConnectionID string
}

// EncodeSend builds a create command.
func (e Encoder) EncodeSend(body string, reply *ReplyRef) (Command, error) {
	if strings.TrimSpace(body) == "" {
		return Command{}, errors.New("empty message body")
	}

	frame := sendFrame{
		UserID:       wireID(e.UserID),
		ConnectionID: e.ConnectionID,
		Message:      body,
	}

	if reply != nil && reply.ID != "" {
		text := reply.Text
		frame.ReplyTo = wireID(reply.ID)
		frame.ReplyToText = &text
	}

	return encode(CommandSend, "", frame)
}

// EncodeEdit builds an edit command.
func (e Encoder) EncodeEdit(id, body string) (Command, error) {
	if id == "" {
		return Command{}, errors.New("edit without message id")
	}

	if strings.TrimSpace(body) == "" {
		return Command{}, errors.New("empty message body")
	}

	return encode(CommandEdit, id, editFrame{Edit: true, MessageID: wireID(id), Message: body})
}

// EncodeDelete builds a delete command.
func (e Encoder) EncodeDelete(id string) (Command, error) {
	if id == "" {
		return Command{}, errors.New("delete without message id")
	}

	return encode(CommandDelete, id, deleteFrame{Delete: true, MessageID: wireID(id)})
}

func encode(kind CommandKind, id string, frame any) (Command, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return Command{}, fmt.Errorf("marshalling %s command: %w", kind, err)
	}

	return Command{Kind: kind, MessageID: id, Data: data}, nil
}

// wireID emits decimal identifiers as JSON numbers, which is what the
// server stores, and anything else as a string.
func wireID(id string) any {
	if _, err := strconv.ParseUint(id, 10, 64); err == nil {
		return json.Number(id)
	}

	return id
}
