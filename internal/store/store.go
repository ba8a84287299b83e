// Package store holds the ordered, deduplicated message collection for
// one conversation. It is written by a single owner (the reconciliation
// engine) and read by any number of presentation goroutines through
// Snapshot, Get and Subscribe.
package store

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

var (
	// ErrNotFound is returned for operations on an ID the store does not
	// hold. Callers treat it as a no-op, never as a failure.
	ErrNotFound = errors.New("message not found")

	// ErrStale is returned by ApplyEdit when the edit is older than the
	// body already held.
	ErrStale = errors.New("edit older than current body")
)

// Result describes what an Upsert did.
type Result int

const (
	Unchanged Result = iota
	Inserted
	Updated
)

func (r Result) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// ChangeKind identifies a store notification.
type ChangeKind int

const (
	ChangeInserted ChangeKind = iota + 1
	ChangeUpdated
	ChangeRemoved
	ChangeReplaced
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInserted:
		return "inserted"
	case ChangeUpdated:
		return "updated"
	case ChangeRemoved:
		return "removed"
	case ChangeReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// Change is one discrete store mutation. Message is the state after the
// change, or the removed message for ChangeRemoved. OldID is set only for
// ChangeReplaced and names the placeholder that was swapped out.
type Change struct {
	Kind    ChangeKind
	ID      string
	OldID   string
	Message models.Message
}

// Store is the ordered message collection.
type Store struct {
	mu     sync.RWMutex
	byID   map[string]models.Message
	sorted []models.Message

	subMu   sync.RWMutex
	subs    map[int]chan Change
	nextSub int
}

// New creates an empty store.
func New() *Store {
	return &Store{
		byID: make(map[string]models.Message),
		subs: make(map[int]chan Change),
	}
}

// Upsert inserts m or merges it into the message already held under the
// same ID. Applying identical content twice is a no-op and notifies no
// one. On merge the body only moves forward in edit time; CreatedAt,
// ReplyToID and ReplyPreview keep their first non-empty values.
func (s *Store) Upsert(m models.Message) Result {
	s.mu.Lock()

	old, ok := s.byID[m.ID]
	if !ok {
		s.insertLocked(m.Clone())
		s.mu.Unlock()
		s.publish(Change{Kind: ChangeInserted, ID: m.ID, Message: m.Clone()})

		return Inserted
	}

	merged := merge(old, m)
	if merged.Equal(old) {
		s.mu.Unlock()
		return Unchanged
	}

	s.setLocked(old, merged)
	s.mu.Unlock()
	s.publish(Change{Kind: ChangeUpdated, ID: m.ID, Message: merged.Clone()})

	return Updated
}

// ApplyEdit replaces the body of id. It returns ErrNotFound when id is
// absent and ErrStale when editedAt is older than the current edit time.
// Neither case mutates the store.
func (s *Store) ApplyEdit(id, body string, editedAt time.Time) error {
	return s.edit(id, body, editedAt, false)
}

// ForceEdit is ApplyEdit without the staleness check. It is for edit
// times that replace one taken from the local clock, which cannot order
// server edits.
func (s *Store) ForceEdit(id, body string, editedAt time.Time) error {
	return s.edit(id, body, editedAt, true)
}

func (s *Store) edit(id, body string, editedAt time.Time, force bool) error {
	s.mu.Lock()

	old, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}

	if !force && editedAt.Before(old.EditedAt) {
		s.mu.Unlock()
		return ErrStale
	}

	next := old.Clone()
	next.Body = body
	next.EditedAt = editedAt

	if next.Equal(old) {
		s.mu.Unlock()
		return nil
	}

	s.setLocked(old, next)
	s.mu.Unlock()
	s.publish(Change{Kind: ChangeUpdated, ID: id, Message: next.Clone()})

	return nil
}

// Remove deletes id. It reports whether anything was removed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()

	old, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return false
	}

	s.deleteLocked(old)
	s.mu.Unlock()
	s.publish(Change{Kind: ChangeRemoved, ID: id, Message: old})

	return true
}

// Replace swaps the placeholder oldID for the authoritative message m. If
// the store already holds m.ID the two are merged. If oldID is absent the
// call behaves like Upsert.
func (s *Store) Replace(oldID string, m models.Message) {
	s.mu.Lock()

	placeholder, ok := s.byID[oldID]
	if !ok {
		s.mu.Unlock()
		s.Upsert(m)

		return
	}

	s.deleteLocked(placeholder)

	next := m.Clone()
	if cur, exists := s.byID[m.ID]; exists {
		next = merge(cur, m)
		s.setLocked(cur, next)
	} else {
		s.insertLocked(next)
	}

	s.mu.Unlock()
	s.publish(Change{Kind: ChangeReplaced, ID: m.ID, OldID: oldID, Message: next.Clone()})
}

// Restore writes m verbatim, bypassing merge rules. It exists to undo an
// optimistic edit or delete and must not be used for server events.
func (s *Store) Restore(m models.Message) {
	s.mu.Lock()

	kind := ChangeInserted
	if old, ok := s.byID[m.ID]; ok {
		if old.Equal(m) {
			s.mu.Unlock()
			return
		}

		kind = ChangeUpdated
		s.setLocked(old, m.Clone())
	} else {
		s.insertLocked(m.Clone())
	}

	s.mu.Unlock()
	s.publish(Change{Kind: kind, ID: m.ID, Message: m.Clone()})
}

// ResetPolicy tunes Reset.
type ResetPolicy struct {
	// Keep reports whether a message absent from the batch survives. Nil
	// keeps nothing.
	Keep func(models.Message) bool

	// LocalEdit reports whether the edit time held for id came from the
	// local clock. The batch's edit time then replaces it outright, even
	// when that clears it.
	LocalEdit func(id string) bool
}

// Reset makes the store equal to the authoritative batch msgs. Messages
// not in the batch survive only if keep reports true for them (nil keeps
// nothing). Within the batch the last occurrence of an ID wins. Messages
// already held keep their reply snapshot and edit time; everything else
// comes from the batch.
func (s *Store) Reset(msgs []models.Message, keep func(models.Message) bool) []Change {
	return s.ResetWith(msgs, ResetPolicy{Keep: keep})
}

// ResetWith is Reset under policy p.
func (s *Store) ResetWith(msgs []models.Message, p ResetPolicy) []Change {
	batch := make(map[string]models.Message, len(msgs))
	for _, m := range msgs {
		batch[m.ID] = m
	}

	s.mu.Lock()

	var changes []Change

	for _, old := range slices.Clone(s.sorted) {
		if _, ok := batch[old.ID]; ok {
			continue
		}

		if p.Keep != nil && p.Keep(old) {
			continue
		}

		s.deleteLocked(old)
		changes = append(changes, Change{Kind: ChangeRemoved, ID: old.ID, Message: old})
	}

	for _, in := range msgs {
		m, ok := batch[in.ID]
		if !ok {
			continue // duplicate, already applied
		}

		delete(batch, in.ID)

		old, exists := s.byID[m.ID]
		if !exists {
			s.insertLocked(m.Clone())
			changes = append(changes, Change{Kind: ChangeInserted, ID: m.ID, Message: m.Clone()})

			continue
		}

		next := authoritative(old, m)
		if p.LocalEdit != nil && p.LocalEdit(m.ID) {
			next.EditedAt = m.EditedAt
		}

		if next.Equal(old) {
			continue
		}

		s.setLocked(old, next)
		changes = append(changes, Change{Kind: ChangeUpdated, ID: m.ID, Message: next.Clone()})
	}

	s.mu.Unlock()

	for _, c := range changes {
		s.publish(c)
	}

	return changes
}

// Get returns a copy of the message held under id.
func (s *Store) Get(id string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.byID[id]
	if !ok {
		return models.Message{}, false
	}

	return m.Clone(), true
}

// Len returns the number of messages held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sorted)
}

// Snapshot returns the messages ordered by creation time, then ID.
func (s *Store) Snapshot() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Message, len(s.sorted))
	for i, m := range s.sorted {
		out[i] = m.Clone()
	}

	return out
}

// Subscribe returns a channel of change notifications and a function that
// cancels the subscription. Delivery never blocks the writer: when the
// buffer is full the notification is dropped, and the subscriber is
// expected to resync from Snapshot.
func (s *Store) Subscribe(bufSize int) (<-chan Change, func()) {
	ch := make(chan Change, bufSize)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) publish(c Change) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// insertLocked adds m, which must not already be held.
func (s *Store) insertLocked(m models.Message) {
	i, _ := slices.BinarySearchFunc(s.sorted, m, models.Compare)
	s.sorted = slices.Insert(s.sorted, i, m)
	s.byID[m.ID] = m
}

func (s *Store) deleteLocked(m models.Message) {
	if i, ok := slices.BinarySearchFunc(s.sorted, m, models.Compare); ok {
		s.sorted = slices.Delete(s.sorted, i, i+1)
	}

	delete(s.byID, m.ID)
}

// setLocked replaces old with next. Both share an ID.
func (s *Store) setLocked(old, next models.Message) {
	if models.Compare(old, next) != 0 {
		s.deleteLocked(old)
		s.insertLocked(next)

		return
	}

	if i, ok := slices.BinarySearchFunc(s.sorted, old, models.Compare); ok {
		s.sorted[i] = next
	}

	s.byID[next.ID] = next
}

// merge folds an incoming copy of a message into the held one under the
// monotonic rule: a body whose edit time is older than the held edit time
// is ignored.
func merge(old, in models.Message) models.Message {
	next := old.Clone()

	if next.AuthorID == "" {
		next.AuthorID = in.AuthorID
	}

	if next.CreatedAt.IsZero() {
		next.CreatedAt = in.CreatedAt
	}

	keepReply(&next, in)

	if !in.EditedAt.Before(old.EditedAt) {
		next.Body = in.Body
		next.EditedAt = in.EditedAt
	}

	next.LocalToken = in.LocalToken

	return next
}

// authoritative applies a history batch copy over the held message. The
// batch body always wins; the edit time is never cleared.
func authoritative(old, in models.Message) models.Message {
	next := in.Clone()
	next.ReplyToID = old.ReplyToID
	next.ReplyPreview = nil

	if old.ReplyPreview != nil {
		p := *old.ReplyPreview
		next.ReplyPreview = &p
	}

	keepReply(&next, in)

	if next.EditedAt.Before(old.EditedAt) {
		next.EditedAt = old.EditedAt
	}

	return next
}

// keepReply fills reply fields on next from in only where next has none.
func keepReply(next *models.Message, in models.Message) {
	if next.ReplyToID == "" {
		next.ReplyToID = in.ReplyToID
	}

	if next.ReplyPreview == nil && in.ReplyPreview != nil {
		p := *in.ReplyPreview
		next.ReplyPreview = &p
	}
}
