// Package models defines types shared across internal packages.
package models

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// previewMaxRunes is the longest reply preview body shown verbatim.
	previewMaxRunes = 100

	// previewCutRunes is where longer bodies are cut before the ellipsis.
	previewCutRunes = 97
)

// Message is one chat message in a conversation.
type Message struct {
	ID        string    `json:"id" yaml:"id"`
	AuthorID  string    `json:"author_id" yaml:"author_id"`
	Body      string    `json:"body" yaml:"body"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`

	// EditedAt is zero until the first edit and is never cleared.
	EditedAt time.Time `json:"edited_at,omitzero" yaml:"edited_at,omitempty"`

	ReplyToID    string        `json:"reply_to_id,omitempty" yaml:"reply_to_id,omitempty"`
	ReplyPreview *ReplyPreview `json:"reply_preview,omitempty" yaml:"reply_preview,omitempty"`

	// LocalToken is set only on optimistic send placeholders. The ID of a
	// placeholder equals its token until the server echo replaces it.
	LocalToken string `json:"local_token,omitempty" yaml:"local_token,omitempty"`
}

// ReplyPreview is the snapshot of a reply target taken when the reply was
// authored. It is historical context, not a live join.
type ReplyPreview struct {
	AuthorID string `json:"author_id,omitempty" yaml:"author_id,omitempty"`
	Body     string `json:"body" yaml:"body"`
}

// Edited reports whether the message has ever been edited.
func (m Message) Edited() bool {
	return !m.EditedAt.IsZero()
}

// Pending reports whether the message is an unconfirmed local placeholder.
func (m Message) Pending() bool {
	return m.LocalToken != ""
}

// Equal reports whether two messages carry identical content.
func (m Message) Equal(o Message) bool {
	return m.ID == o.ID &&
		m.AuthorID == o.AuthorID &&
		m.Body == o.Body &&
		m.CreatedAt.Equal(o.CreatedAt) &&
		m.EditedAt.Equal(o.EditedAt) &&
		m.ReplyToID == o.ReplyToID &&
		m.LocalToken == o.LocalToken &&
		m.ReplyPreview.Equal(o.ReplyPreview)
}

// Equal compares two previews, treating nil as distinct from empty.
func (p *ReplyPreview) Equal(o *ReplyPreview) bool {
	if p == nil || o == nil {
		return p == o
	}

	return *p == *o
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	if m.ReplyPreview != nil {
		p := *m.ReplyPreview
		m.ReplyPreview = &p
	}

	return m
}

// Less orders messages by creation time, then by ID.
func Less(a, b Message) bool {
	return Compare(a, b) < 0
}

// Compare returns the store ordering of a and b: -1, 0 or +1.
func Compare(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}

	return CompareIDs(a.ID, b.ID)
}

// CompareIDs orders message IDs. Two decimal IDs compare numerically so
// that "9" sorts before "10"; anything else compares as plain strings.
func CompareIDs(a, b string) int {
	an, aerr := strconv.ParseUint(a, 10, 64)
	bn, berr := strconv.ParseUint(b, 10, 64)

	if aerr == nil && berr == nil {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}

	return strings.Compare(a, b)
}

// TruncatePreview shortens a reply preview body the way the web client
// does: bodies over 100 runes keep their first 97 runes plus "...".
func TruncatePreview(body string) string {
	if utf8.RuneCountInString(body) <= previewMaxRunes {
		return body
	}

	runes := []rune(body)

	return string(runes[:previewCutRunes]) + "..."
}
