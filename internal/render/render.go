// Package render formats the message store for a line-oriented terminal.
package render

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	syncerr "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/reconcile"
	"github.com/alexjbarnes/chat-sync/internal/reply"
	"github.com/alexjbarnes/chat-sync/internal/store"
	"github.com/sergi/go-diff/diffmatchpatch"
	"gopkg.in/yaml.v3"
)

const (
	timeLayout   = "15:04"
	editedMarker = "(edited)"
	sendingMark  = "(sending)"
)

// Renderer writes store changes as terminal lines. It remembers the last
// body it printed per message so edits can be shown as a diff, and which
// messages it saw removed so their quotes can say so.
type Renderer struct {
	w        io.Writer
	store    reply.Reader
	resolver *reply.Resolver
	loc      *time.Location
	viewer   func() string

	mu      sync.Mutex
	seen    map[string]string
	removed map[string]struct{}
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithLocation renders timestamps in loc instead of the local zone.
func WithLocation(loc *time.Location) Option {
	return func(r *Renderer) { r.loc = loc }
}

// WithViewer labels the viewer's own messages as "me".
func WithViewer(viewer func() string) Option {
	return func(r *Renderer) { r.viewer = viewer }
}

// New creates a Renderer writing to w that reads messages from s.
func New(w io.Writer, s reply.Reader, opts ...Option) *Renderer {
	r := &Renderer{
		w:        w,
		store:    s,
		resolver: reply.New(s),
		loc:      time.Local,
		viewer:   func() string { return "" },
		seen:     make(map[string]string),
		removed:  make(map[string]struct{}),
	}

	for _, o := range opts {
		o(r)
	}

	return r
}

// Line formats one message, with its reply preview on the line above.
func (r *Renderer) Line(m models.Message) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.line(m)
}

func (r *Renderer) line(m models.Message) string {
	var b strings.Builder

	if res, ok := r.resolver.Resolve(m); ok {
		b.WriteString("  ┌ ")
		b.WriteString(r.quote(res))
		b.WriteByte('\n')
	}

	b.WriteString(r.head(m))
	b.WriteString(m.Body)
	r.suffix(&b, m)

	return b.String()
}

func (r *Renderer) head(m models.Message) string {
	ts := "--:--"
	if !m.CreatedAt.IsZero() {
		ts = m.CreatedAt.In(r.loc).Format(timeLayout)
	}

	return fmt.Sprintf("[%s] %s #%s: ", ts, r.author(m.AuthorID), m.ID)
}

func (r *Renderer) suffix(b *strings.Builder, m models.Message) {
	if m.Edited() {
		b.WriteByte(' ')
		b.WriteString(editedMarker)
	}

	if m.Pending() {
		b.WriteByte(' ')
		b.WriteString(sendingMark)
	}
}

func (r *Renderer) author(id string) string {
	if id != "" && id == r.viewer() {
		return "me"
	}

	return id
}

// quote formats a resolved reply preview. A snapshot stands in both for
// a target removed while we watched and for one never loaded.
func (r *Renderer) quote(res reply.Resolved) string {
	switch res.Source {
	case reply.Live:
		s := res.AuthorID + ": " + res.Body
		if res.Edited {
			s += " " + editedMarker
		}

		return s
	case reply.Snapshot:
		marker := " (not loaded)"
		if _, ok := r.removed[res.TargetID]; ok {
			marker = " (deleted)"
		}

		if res.AuthorID == "" {
			return res.Body + marker
		}

		return res.AuthorID + ": " + res.Body + marker
	default:
		return "reply to #" + res.TargetID + " (not loaded)"
	}
}

// Apply prints the lines for one store change.
func (r *Renderer) Apply(c store.Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lines []string

	switch c.Kind {
	case store.ChangeInserted:
		delete(r.removed, c.ID)
		lines = append(lines, r.line(c.Message))
		r.seen[c.ID] = c.Message.Body

	case store.ChangeUpdated:
		prev, ok := r.seen[c.ID]
		if ok && prev != c.Message.Body {
			var b strings.Builder

			b.WriteString("~ ")
			b.WriteString(r.head(c.Message))
			b.WriteString(EditDiff(prev, c.Message.Body))
			r.suffix(&b, c.Message)
			lines = append(lines, b.String())
		} else if !ok {
			lines = append(lines, r.line(c.Message))
		}

		r.seen[c.ID] = c.Message.Body

	case store.ChangeRemoved:
		lines = append(lines, fmt.Sprintf("- #%s deleted", c.ID))
		delete(r.seen, c.ID)
		r.removed[c.ID] = struct{}{}

	case store.ChangeReplaced:
		delete(r.seen, c.OldID)
		delete(r.removed, c.ID)
		r.seen[c.ID] = c.Message.Body

		lines = append(lines, fmt.Sprintf("✓ %s is #%s", c.OldID, c.ID))
	}

	// Replies quoting the changed message now render differently.
	if c.Kind == store.ChangeUpdated || c.Kind == store.ChangeRemoved {
		for _, id := range r.resolver.Invalidated(c) {
			if m, ok := r.store.Get(id); ok {
				lines = append(lines, "↻ "+strings.ReplaceAll(r.line(m), "\n", "\n↻ "))
			}
		}
	}

	for _, l := range lines {
		if _, err := fmt.Fprintln(r.w, l); err != nil {
			return fmt.Errorf("writing line: %w", err)
		}
	}

	return nil
}

// List prints every message in msgs.
func (r *Renderer) List(msgs []models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range msgs {
		r.seen[m.ID] = m.Body

		if _, err := fmt.Fprintln(r.w, r.line(m)); err != nil {
			return fmt.Errorf("writing line: %w", err)
		}
	}

	return nil
}

// Outcome describes a settled mutation in one line.
func Outcome(o reconcile.Outcome) string {
	target := o.Mutation.TargetID
	if target == "" {
		target = o.Mutation.Token
	}

	if c, ok := o.Mutation.State.(reconcile.Confirmed); ok {
		return fmt.Sprintf("✓ %s #%s confirmed", o.Mutation.Kind, c.MessageID)
	}

	reason := "failed"

	switch {
	case errors.Is(o.Err, syncerr.ErrSendRejected):
		reason = "rejected"
	case errors.Is(o.Err, syncerr.ErrLostOnReconnect):
		reason = "lost on reconnect"
	case errors.Is(o.Err, syncerr.ErrUnacknowledged):
		reason = "not acknowledged"
	}

	if o.Err != nil {
		return fmt.Sprintf("✗ %s %s %s: %v", o.Mutation.Kind, target, reason, o.Err)
	}

	return fmt.Sprintf("✗ %s %s %s", o.Mutation.Kind, target, reason)
}

// EditDiff renders the change from old to next inline: removed text as
// [-text-] and inserted text as {+text+}.
func EditDiff(old, next string) string {
	dmp := diffmatchpatch.New()

	diffs := dmp.DiffMain(old, next, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var b strings.Builder

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			b.WriteString(d.Text)
		case diffmatchpatch.DiffDelete:
			b.WriteString("[-" + d.Text + "-]")
		case diffmatchpatch.DiffInsert:
			b.WriteString("{+" + d.Text + "+}")
		}
	}

	return b.String()
}

// dumpMessage is the YAML shape of one message in a snapshot export.
type dumpMessage struct {
	ID        string `yaml:"id"`
	Author    string `yaml:"author"`
	Body      string `yaml:"body"`
	CreatedAt string `yaml:"created_at,omitempty"`
	EditedAt  string `yaml:"edited_at,omitempty"`
	ReplyTo   string `yaml:"reply_to,omitempty"`
	Quote     string `yaml:"quote,omitempty"`
	Pending   bool   `yaml:"pending,omitempty"`
}

type dump struct {
	Viewer   string        `yaml:"viewer,omitempty"`
	Count    int           `yaml:"count"`
	Messages []dumpMessage `yaml:"messages"`
}

// Dump writes msgs as a YAML document.
func (r *Renderer) Dump(w io.Writer, msgs []models.Message) error {
	d := dump{
		Viewer:   r.viewer(),
		Count:    len(msgs),
		Messages: make([]dumpMessage, 0, len(msgs)),
	}

	for _, m := range msgs {
		dm := dumpMessage{
			ID:      m.ID,
			Author:  m.AuthorID,
			Body:    m.Body,
			ReplyTo: m.ReplyToID,
			Pending: m.Pending(),
		}

		if !m.CreatedAt.IsZero() {
			dm.CreatedAt = m.CreatedAt.UTC().Format(time.RFC3339)
		}

		if m.Edited() {
			dm.EditedAt = m.EditedAt.UTC().Format(time.RFC3339)
		}

		if res, ok := r.resolver.Resolve(m); ok && res.Source != reply.Missing {
			dm.Quote = res.Body
		}

		d.Messages = append(d.Messages, dm)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(d); err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	return enc.Close()
}
