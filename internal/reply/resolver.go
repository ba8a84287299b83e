// Package reply resolves a message's reply target to the preview shown
// above it.
package reply

import (
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/store"
)

// Source says where a resolved preview came from.
type Source int

const (
	// Missing means the target is not loaded and no snapshot was stored.
	Missing Source = iota
	// Live means the target is in the store; the preview reflects its
	// current body.
	Live
	// Snapshot means the target is absent and the stored snapshot taken
	// at authoring time is used.
	Snapshot
)

func (s Source) String() string {
	switch s {
	case Live:
		return "live"
	case Snapshot:
		return "snapshot"
	default:
		return "missing"
	}
}

// Resolved is the preview to render for a reply.
type Resolved struct {
	TargetID string
	AuthorID string
	Body     string
	Edited   bool
	Source   Source
}

// Reader is the part of the store the resolver needs.
type Reader interface {
	Get(id string) (models.Message, bool)
	Snapshot() []models.Message
}

// Resolver derives reply previews from the current store contents. It
// holds no state of its own, so every call reflects the latest edits.
type Resolver struct {
	store Reader
}

// New creates a Resolver over r.
func New(r Reader) *Resolver {
	return &Resolver{store: r}
}

// Resolve returns the preview for m. The boolean is false when m is not a
// reply at all.
func (r *Resolver) Resolve(m models.Message) (Resolved, bool) {
	if m.ReplyToID == "" {
		return Resolved{}, false
	}

	if target, ok := r.store.Get(m.ReplyToID); ok {
		return Resolved{
			TargetID: target.ID,
			AuthorID: target.AuthorID,
			Body:     models.TruncatePreview(target.Body),
			Edited:   target.Edited(),
			Source:   Live,
		}, true
	}

	if m.ReplyPreview != nil {
		return Resolved{
			TargetID: m.ReplyToID,
			AuthorID: m.ReplyPreview.AuthorID,
			Body:     m.ReplyPreview.Body,
			Source:   Snapshot,
		}, true
	}

	return Resolved{TargetID: m.ReplyToID, Source: Missing}, true
}

// Dependents lists the IDs of messages that reply to targetID, in store
// order.
func (r *Resolver) Dependents(targetID string) []string {
	if targetID == "" {
		return nil
	}

	var out []string

	for _, m := range r.store.Snapshot() {
		if m.ReplyToID == targetID {
			out = append(out, m.ID)
		}
	}

	return out
}

// Invalidated lists the messages whose rendered preview may differ after
// c. Stored snapshots are never touched; only the derived view changes.
func (r *Resolver) Invalidated(c store.Change) []string {
	switch c.Kind {
	case store.ChangeInserted, store.ChangeUpdated, store.ChangeRemoved, store.ChangeReplaced:
		// A reply can only target a server ID, so OldID never has
		// dependents.
		return r.Dependents(c.ID)
	default:
		return nil
	}
}
