package protocol

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/tidwall/gjson"
)

// maxSnippetBytes caps how much of a rejected frame is kept for logging.
const maxSnippetBytes = 256

// naiveLayouts cover ISO timestamps emitted without a zone offset. They
// are interpreted as UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// DecodeError reports a frame that could not be mapped to an Event. It is
// always per-frame: the caller logs it and keeps reading.
type DecodeError struct {
	Reason  string
	Snippet string
}

func (e *DecodeError) Error() string {
	return "decoding frame: " + e.Reason
}

// IsDecodeError reports whether err (or any error in its chain) is a
// DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

func decodeErr(data []byte, format string, args ...any) *DecodeError {
	return &DecodeError{
		Reason:  fmt.Sprintf(format, args...),
		Snippet: sanitizeSnippet(data),
	}
}

// Decode parses one inbound text frame into an Event.
func Decode(data []byte) (Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, decodeErr(data, "invalid JSON")
	}

	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, decodeErr(data, "frame is not an object")
	}

	switch typ := root.Get("type").String(); typ {
	case "init":
		viewer := firstID(root, "viewerIdentity", "account_id", "user_id")
		if viewer == "" {
			return nil, decodeErr(data, "init frame without viewer identity")
		}

		return SessionInit{ViewerID: viewer}, nil

	case "history":
		return decodeHistory(data, root)

	case "error":
		return CommandRejected{
			Command:      CommandKind(root.Get("command").String()),
			MessageID:    idString(root.Get("message_id")),
			ConnectionID: idString(root.Get("connectionId")),
			Reason:       root.Get("reason").String(),
		}, nil

	case "":
		// Edit, delete and create frames carry no type field.

	default:
		return nil, decodeErr(data, "unknown frame type %q", typ)
	}

	if root.Get("edit").Bool() {
		id := idString(root.Get("message_id"))
		if id == "" {
			return nil, decodeErr(data, "edit frame without message_id")
		}

		body := root.Get("new_text")
		if !body.Exists() || body.Type == gjson.Null {
			body = root.Get("message")
		}

		if body.Type != gjson.String {
			return nil, decodeErr(data, "edit frame without new text")
		}

		ev := MessageEdited{ID: id, NewBody: body.Str}

		if at := root.Get("edited_at"); at.Exists() && at.Type != gjson.Null {
			ts, err := parseTime(at)
			if err != nil {
				return nil, decodeErr(data, "edit frame: %v", err)
			}

			ev.EditedAt = ts
		}

		return ev, nil
	}

	if root.Get("delete").Bool() {
		id := idString(root.Get("message_id"))
		if id == "" {
			return nil, decodeErr(data, "delete frame without message_id")
		}

		return MessageDeleted{ID: id}, nil
	}

	if root.Get("message_id").Exists() {
		msg, err := parseMessage(root)
		if err != nil {
			return nil, decodeErr(data, "message frame: %v", err)
		}

		return MessageCreated{
			Message:      msg,
			ConnectionID: idString(root.Get("connectionId")),
		}, nil
	}

	return nil, decodeErr(data, "unrecognized frame")
}

func decodeHistory(data []byte, root gjson.Result) (Event, error) {
	list := root.Get("messages")
	if !list.IsArray() {
		return nil, decodeErr(data, "history frame without messages array")
	}

	items := list.Array()
	msgs := make([]models.Message, 0, len(items))

	for i, item := range items {
		msg, err := parseMessage(item)
		if err != nil {
			return nil, decodeErr(data, "history message %d: %v", i, err)
		}

		msgs = append(msgs, msg)
	}

	return HistoryBatch{Messages: msgs}, nil
}

// parseMessage maps a wire message object to a Message.
func parseMessage(r gjson.Result) (models.Message, error) {
	if !r.IsObject() {
		return models.Message{}, errors.New("not an object")
	}

	id := idString(r.Get("message_id"))
	if id == "" {
		return models.Message{}, errors.New("missing message_id")
	}

	author := firstID(r, "user_id", "account_id")
	if author == "" {
		return models.Message{}, errors.New("missing author")
	}

	body := r.Get("message")
	if body.Type != gjson.String {
		body = r.Get("text")
	}

	if body.Type != gjson.String {
		return models.Message{}, errors.New("missing message text")
	}

	created, err := parseTime(r.Get("timestamp"))
	if err != nil {
		return models.Message{}, fmt.Errorf("timestamp: %w", err)
	}

	msg := models.Message{
		ID:        id,
		AuthorID:  author,
		Body:      body.Str,
		CreatedAt: created,
		ReplyToID: idString(r.Get("reply_to")),
	}

	if msg.ReplyToID != "" {
		if text := r.Get("reply_to_text"); text.Type == gjson.String && text.Str != "" {
			msg.ReplyPreview = &models.ReplyPreview{
				AuthorID: idString(r.Get("reply_to_user_id")),
				Body:     models.TruncatePreview(text.Str),
			}
		}
	}

	if at := r.Get("edited_at"); at.Exists() && at.Type != gjson.Null {
		ts, err := parseTime(at)
		if err != nil {
			return models.Message{}, fmt.Errorf("edited_at: %w", err)
		}

		msg.EditedAt = ts
	} else if r.Get("is_edited").Bool() {
		// Edited without a timestamp: any later edit still wins.
		msg.EditedAt = created
	}

	return msg, nil
}

// idString renders a wire identifier as a string. Numbers keep their
// literal decimal form.
func idString(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return r.Str
	case gjson.Number:
		return r.Raw
	default:
		return ""
	}
}

func firstID(r gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := idString(r.Get(k)); v != "" {
			return v
		}
	}

	return ""
}

func parseTime(r gjson.Result) (time.Time, error) {
	switch r.Type {
	case gjson.Number:
		return time.UnixMilli(r.Int()).UTC(), nil

	case gjson.String:
		if ts, err := time.Parse(time.RFC3339Nano, r.Str); err == nil {
			return ts.UTC(), nil
		}

		for _, layout := range naiveLayouts {
			if ts, err := time.ParseInLocation(layout, r.Str, time.UTC); err == nil {
				return ts, nil
			}
		}

		return time.Time{}, fmt.Errorf("unparseable time %q", r.Str)

	default:
		return time.Time{}, errors.New("missing")
	}
}

// sanitizeSnippet truncates a frame for inclusion in logs and replaces
// non-printable characters to prevent log injection.
func sanitizeSnippet(data []byte) string {
	if len(data) > maxSnippetBytes {
		data = data[:maxSnippetBytes]
	}

	var clean []byte

	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			data = data[1:]

			continue
		}

		if r < 0x20 && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, data[:size]...)
		}

		data = data[size:]
	}

	return string(clean)
}
