// Package reconcile merges inbound server events and local optimistic
// mutations into the message store under one policy. The engine is not
// safe for concurrent use: the client's event loop is its only caller.
package reconcile

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	syncerr "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/protocol"
	"github.com/alexjbarnes/chat-sync/internal/store"
	"github.com/oklog/ulid/v2"
	"golang.org/x/text/unicode/norm"
)

const (
	// TokenPrefix marks client correlation tokens so they can never be
	// mistaken for server IDs.
	TokenPrefix = "local-"

	defaultEchoWindow = 30 * time.Second
)

var (
	// ErrEmptyBody is returned for sends and edits with no visible text.
	ErrEmptyBody = errors.New("empty message body")

	// ErrUnconfirmed is returned when editing or deleting a placeholder
	// whose server ID is not yet known.
	ErrUnconfirmed = errors.New("message not yet confirmed by server")
)

// Config holds the engine's collaborators and tuning.
type Config struct {
	Store  *store.Store
	Logger *slog.Logger

	// ViewerID is the local author. SessionInit events overwrite it.
	ViewerID string

	// EchoWindow bounds how long after a send its echo is still matched
	// to the placeholder.
	EchoWindow time.Duration

	// AckTimeout is how long a mutation may stay Pending before Sweep
	// reverts it. Zero disables sweeping.
	AckTimeout time.Duration

	Now      func() time.Time
	NewToken func() string
}

// Engine applies events and optimistic mutations to the store.
type Engine struct {
	store  *store.Store
	logger *slog.Logger

	viewerID     string
	connectionID string
	session      uint64

	echoWindow time.Duration
	ackTimeout time.Duration
	now        func() time.Time
	newToken   func() string

	// pending is ordered by issue time, oldest first.
	pending []*Mutation

	// localStamps holds the IDs whose stored edit time was taken from the
	// local clock rather than sent by the server.
	localStamps map[string]struct{}
}

// New creates an Engine from cfg, filling defaults for zero values.
func New(cfg Config) *Engine {
	e := &Engine{
		store:      cfg.Store,
		logger:     cfg.Logger,
		viewerID:   cfg.ViewerID,
		echoWindow: cfg.EchoWindow,
		ackTimeout: cfg.AckTimeout,
		now:        cfg.Now,
		newToken:   cfg.NewToken,

		localStamps: make(map[string]struct{}),
	}

	if e.logger == nil {
		e.logger = slog.Default()
	}

	if e.echoWindow <= 0 {
		e.echoWindow = defaultEchoWindow
	}

	if e.now == nil {
		e.now = time.Now
	}

	if e.newToken == nil {
		e.newToken = func() string { return TokenPrefix + ulid.Make().String() }
	}

	return e
}

// BeginSession records the identity of a freshly opened session. Pending
// mutations from earlier sessions are left alone until the session's
// history batch re-derives them.
func (e *Engine) BeginSession(connectionID string, seq uint64, resync bool) {
	e.connectionID = connectionID
	e.session = seq

	e.logger.Debug("session started",
		slog.String("connection_id", connectionID),
		slog.Uint64("seq", seq),
		slog.Bool("resync", resync),
		slog.Int("pending", len(e.pending)),
	)
}

// ViewerID returns the local author identity.
func (e *Engine) ViewerID() string {
	return e.viewerID
}

// LocalSend inserts a placeholder for body and returns the mutation plus
// the reply reference to put on the wire. A reply target must be loaded
// so its text can be quoted.
func (e *Engine) LocalSend(body, replyToID string) (Mutation, *protocol.ReplyRef, error) {
	if strings.TrimSpace(body) == "" {
		return Mutation{}, nil, ErrEmptyBody
	}

	now := e.now()
	token := e.newToken()

	placeholder := models.Message{
		ID:         token,
		AuthorID:   e.viewerID,
		Body:       body,
		CreatedAt:  now,
		LocalToken: token,
	}

	var ref *protocol.ReplyRef

	if replyToID != "" {
		target, ok := e.store.Get(replyToID)
		if !ok {
			return Mutation{}, nil, fmt.Errorf("reply target %s: %w", replyToID, store.ErrNotFound)
		}

		if target.Pending() {
			return Mutation{}, nil, fmt.Errorf("reply target %s: %w", replyToID, ErrUnconfirmed)
		}

		ref = &protocol.ReplyRef{ID: target.ID, Text: target.Body}
		placeholder.ReplyToID = target.ID
		placeholder.ReplyPreview = &models.ReplyPreview{
			AuthorID: target.AuthorID,
			Body:     models.TruncatePreview(target.Body),
		}
	}

	m := &Mutation{
		Token:     token,
		Kind:      protocol.CommandSend,
		TargetID:  token,
		Body:      body,
		ReplyToID: replyToID,
		IssuedAt:  now,
		Session:   e.session,
		State:     Pending{},
	}

	e.store.Upsert(placeholder)
	e.pending = append(e.pending, m)

	return m.snapshot(), ref, nil
}

// LocalEdit applies an edit immediately. Unknown IDs return
// store.ErrNotFound and record nothing.
func (e *Engine) LocalEdit(id, body string) (Mutation, error) {
	if strings.TrimSpace(body) == "" {
		return Mutation{}, ErrEmptyBody
	}

	prior, err := e.editable(id)
	if err != nil {
		return Mutation{}, err
	}

	now := e.now()

	editedAt := now
	if editedAt.Before(prior.EditedAt) {
		editedAt = prior.EditedAt
	}

	if err := e.store.ApplyEdit(id, body, editedAt); err != nil {
		return Mutation{}, fmt.Errorf("applying local edit: %w", err)
	}

	_, priorLocal := e.localStamps[id]
	e.localStamps[id] = struct{}{}

	m := &Mutation{
		Token:    e.newToken(),
		Kind:     protocol.CommandEdit,
		TargetID: id,
		Body:     body,
		IssuedAt: now,
		Session:  e.session,
		State:    Pending{},
		prior:    &prior,

		priorLocal: priorLocal,
	}
	e.pending = append(e.pending, m)

	return m.snapshot(), nil
}

// LocalDelete removes a message immediately. Unknown IDs return
// store.ErrNotFound and record nothing.
func (e *Engine) LocalDelete(id string) (Mutation, error) {
	prior, err := e.editable(id)
	if err != nil {
		return Mutation{}, err
	}

	e.store.Remove(id)

	m := &Mutation{
		Token:    e.newToken(),
		Kind:     protocol.CommandDelete,
		TargetID: id,
		IssuedAt: e.now(),
		Session:  e.session,
		State:    Pending{},
		prior:    &prior,
	}
	e.pending = append(e.pending, m)

	return m.snapshot(), nil
}

func (e *Engine) editable(id string) (models.Message, error) {
	m, ok := e.store.Get(id)
	if !ok {
		return models.Message{}, fmt.Errorf("message %s: %w", id, store.ErrNotFound)
	}

	if m.Pending() {
		return models.Message{}, fmt.Errorf("message %s: %w", id, ErrUnconfirmed)
	}

	return m, nil
}

// Abort reverts the mutation with token because its command never left
// the client. It reports false if no pending mutation has that token.
func (e *Engine) Abort(token string, cause error) (Outcome, bool) {
	m := e.find(func(m *Mutation) bool { return m.Token == token })
	if m == nil {
		return Outcome{}, false
	}

	return e.revert(m, cause, true), true
}

// Apply merges one inbound event and returns the mutations it settled.
func (e *Engine) Apply(ev protocol.Event) []Outcome {
	switch ev := ev.(type) {
	case protocol.SessionInit:
		if e.viewerID != ev.ViewerID {
			e.logger.Debug("viewer identity set", slog.String("viewer_id", ev.ViewerID))
		}

		e.viewerID = ev.ViewerID

		return nil

	case protocol.HistoryBatch:
		return e.applyHistory(ev)

	case protocol.MessageCreated:
		return e.applyCreated(ev)

	case protocol.MessageEdited:
		return e.applyEdited(ev)

	case protocol.MessageDeleted:
		return e.applyDeleted(ev)

	case protocol.CommandRejected:
		return e.applyRejected(ev)

	default:
		e.logger.Warn("unhandled event type", slog.String("type", fmt.Sprintf("%T", ev)))
		return nil
	}
}

func (e *Engine) applyCreated(ev protocol.MessageCreated) []Outcome {
	msg := ev.Message

	if _, known := e.store.Get(msg.ID); known {
		e.store.Upsert(msg)
		return nil
	}

	now := e.now()

	// The server does not echo our token, so an echo is recognized by
	// author, body and age. Identical sends in quick succession are paired
	// oldest first, which can mis-pair if the server reorders them.
	m := e.find(func(m *Mutation) bool {
		return m.Kind == protocol.CommandSend &&
			m.Session == e.session &&
			now.Sub(m.IssuedAt) <= e.echoWindow &&
			(ev.ConnectionID == "" || ev.ConnectionID == e.connectionID) &&
			msg.AuthorID == e.viewerID &&
			sameBody(msg.Body, m.Body)
	})
	if m == nil {
		e.store.Upsert(msg)
		return nil
	}

	e.store.Replace(m.Token, msg)

	return []Outcome{e.confirm(m, msg.ID)}
}

func (e *Engine) applyEdited(ev protocol.MessageEdited) []Outcome {
	var out []Outcome

	if m := e.find(func(m *Mutation) bool {
		return m.Kind == protocol.CommandEdit && m.TargetID == ev.ID && sameBody(m.Body, ev.NewBody)
	}); m != nil {
		out = append(out, e.confirm(m, ev.ID))
	}

	editedAt := ev.EditedAt
	synthesized := editedAt.IsZero()

	if synthesized {
		// No server timestamp: delivery order decides.
		editedAt = e.now()
		if cur, ok := e.store.Get(ev.ID); ok && editedAt.Before(cur.EditedAt) {
			editedAt = cur.EditedAt
		}
	}

	// A local-clock edit time cannot order server edits, so a server
	// timestamp replaces it without the staleness check.
	write := e.store.ApplyEdit
	if _, local := e.localStamps[ev.ID]; local && !synthesized {
		write = e.store.ForceEdit
	}

	switch err := write(ev.ID, ev.NewBody, editedAt); {
	case errors.Is(err, store.ErrNotFound):
		e.logger.Debug("edit for unknown message ignored", slog.String("message_id", ev.ID))
	case errors.Is(err, store.ErrStale):
		e.logger.Debug("stale edit ignored",
			slog.String("message_id", ev.ID),
			slog.Time("edited_at", editedAt),
		)
	case synthesized:
		e.localStamps[ev.ID] = struct{}{}
	default:
		delete(e.localStamps, ev.ID)
	}

	return out
}

func (e *Engine) applyDeleted(ev protocol.MessageDeleted) []Outcome {
	var out []Outcome

	for _, m := range slices.Clone(e.pending) {
		if m.TargetID != ev.ID {
			continue
		}

		switch m.Kind {
		case protocol.CommandDelete:
			out = append(out, e.confirm(m, ev.ID))
		case protocol.CommandEdit:
			out = append(out, e.revert(m, fmt.Errorf("message %s deleted: %w", ev.ID, store.ErrNotFound), false))
		}
	}

	delete(e.localStamps, ev.ID)

	if !e.store.Remove(ev.ID) && len(out) == 0 {
		e.logger.Debug("delete for unknown message ignored", slog.String("message_id", ev.ID))
	}

	return out
}

func (e *Engine) applyRejected(ev protocol.CommandRejected) []Outcome {
	m := e.find(func(m *Mutation) bool {
		return (ev.Command == "" || m.Kind == ev.Command) &&
			ev.MessageID != "" && m.TargetID == ev.MessageID
	})
	if m == nil {
		m = e.find(func(m *Mutation) bool {
			return ev.Command == "" || m.Kind == ev.Command
		})
	}

	if m == nil {
		e.logger.Debug("rejection matched no pending command",
			slog.String("command", string(ev.Command)),
			slog.String("message_id", ev.MessageID),
			slog.String("reason", ev.Reason),
		)

		return nil
	}

	reason := ev.Reason
	if reason == "" {
		reason = "no reason given"
	}

	return []Outcome{e.revert(m, fmt.Errorf("%w: %s", syncerr.ErrSendRejected, reason), true)}
}

// applyHistory makes the store equal to the batch, then re-derives every
// pending mutation from it. Only placeholders of sends issued on the
// current session survive; everything else is decided by the batch.
func (e *Engine) applyHistory(ev protocol.HistoryBatch) []Outcome {
	known := make(map[string]struct{}, e.store.Len())
	for _, m := range e.store.Snapshot() {
		known[m.ID] = struct{}{}
	}

	live := make(map[string]bool)

	for _, m := range e.pending {
		if m.Kind == protocol.CommandSend && m.Session == e.session {
			live[m.Token] = true
		}
	}

	changes := e.store.ResetWith(ev.Messages, store.ResetPolicy{
		Keep: func(m models.Message) bool {
			return m.Pending() && live[m.LocalToken]
		},
		// Optimistic edit times do not outlive a resync.
		LocalEdit: func(id string) bool {
			_, ok := e.localStamps[id]
			return ok
		},
	})
	clear(e.localStamps)

	e.logger.Debug("history applied",
		slog.Int("messages", len(ev.Messages)),
		slog.Int("changes", len(changes)),
	)

	batch := make(map[string]models.Message, len(ev.Messages))
	for _, m := range ev.Messages {
		batch[m.ID] = m
	}

	claimed := make(map[string]struct{})

	var out []Outcome

	for _, m := range slices.Clone(e.pending) {
		switch m.Kind {
		case protocol.CommandSend:
			if live[m.Token] {
				continue
			}

			if id, ok := e.matchInBatch(m, ev.Messages, known, claimed); ok {
				claimed[id] = struct{}{}
				out = append(out, e.confirm(m, id))
			} else {
				out = append(out, e.revert(m, syncerr.ErrLostOnReconnect, false))
			}

		case protocol.CommandEdit:
			if got, ok := batch[m.TargetID]; ok && sameBody(got.Body, m.Body) {
				out = append(out, e.confirm(m, m.TargetID))
			} else {
				out = append(out, e.revert(m, syncerr.ErrLostOnReconnect, false))
			}

		case protocol.CommandDelete:
			if _, ok := batch[m.TargetID]; !ok {
				out = append(out, e.confirm(m, m.TargetID))
			} else {
				out = append(out, e.revert(m, syncerr.ErrLostOnReconnect, false))
			}
		}
	}

	return out
}

// matchInBatch finds the server copy of a send issued on an earlier
// session: same author and body, not known before the resync, not claimed
// by an older send, and created within the echo window of the send.
func (e *Engine) matchInBatch(m *Mutation, msgs []models.Message, known, claimed map[string]struct{}) (string, bool) {
	for _, msg := range msgs {
		if _, ok := known[msg.ID]; ok {
			continue
		}

		if _, ok := claimed[msg.ID]; ok {
			continue
		}

		if msg.AuthorID != e.viewerID || !sameBody(msg.Body, m.Body) {
			continue
		}

		if d := msg.CreatedAt.Sub(m.IssuedAt).Abs(); !msg.CreatedAt.IsZero() && d > e.echoWindow {
			continue
		}

		return msg.ID, true
	}

	return "", false
}

// Sweep reverts mutations that have been pending longer than the ack
// timeout.
func (e *Engine) Sweep(now time.Time) []Outcome {
	if e.ackTimeout <= 0 {
		return nil
	}

	var out []Outcome

	for _, m := range slices.Clone(e.pending) {
		if now.Sub(m.IssuedAt) > e.ackTimeout {
			out = append(out, e.revert(m, syncerr.ErrUnacknowledged, true))
		}
	}

	return out
}

// Abandon forgets every pending mutation without reverting it. The store
// keeps its last known state until the next history batch.
func (e *Engine) Abandon() int {
	n := len(e.pending)
	e.pending = nil

	return n
}

// Pending returns copies of the mutations still waiting for the server.
func (e *Engine) Pending() []Mutation {
	out := make([]Mutation, len(e.pending))
	for i, m := range e.pending {
		out[i] = m.snapshot()
	}

	return out
}

// find returns the oldest pending mutation matching fn.
func (e *Engine) find(fn func(*Mutation) bool) *Mutation {
	for _, m := range e.pending {
		if fn(m) {
			return m
		}
	}

	return nil
}

func (e *Engine) confirm(m *Mutation, id string) Outcome {
	e.settle(m, Confirmed{MessageID: id})

	e.logger.Debug("mutation confirmed",
		slog.String("token", m.Token),
		slog.String("kind", string(m.Kind)),
		slog.String("message_id", id),
		slog.Duration("latency", e.now().Sub(m.IssuedAt)),
	)

	return Outcome{Mutation: m.snapshot()}
}

// revert settles m as Reverted. When undo is set the optimistic store
// change is rolled back; after a history reset the store is already
// authoritative and undo must be false.
func (e *Engine) revert(m *Mutation, reason error, undo bool) Outcome {
	if undo {
		e.undo(m)
	}

	e.settle(m, Reverted{Reason: reason})

	e.logger.Info("mutation reverted",
		slog.String("token", m.Token),
		slog.String("kind", string(m.Kind)),
		slog.String("target_id", m.TargetID),
		slog.String("reason", reason.Error()),
	)

	return Outcome{Mutation: m.snapshot(), Err: reason}
}

// undo rolls back m's optimistic effect unless a server event has since
// overtaken it.
func (e *Engine) undo(m *Mutation) {
	switch m.Kind {
	case protocol.CommandSend:
		e.store.Remove(m.Token)

	case protocol.CommandEdit:
		cur, ok := e.store.Get(m.TargetID)
		if ok && cur.Body == m.Body && m.prior != nil {
			e.store.Restore(*m.prior)

			if m.priorLocal {
				e.localStamps[m.TargetID] = struct{}{}
			} else {
				delete(e.localStamps, m.TargetID)
			}
		}

	case protocol.CommandDelete:
		if _, ok := e.store.Get(m.TargetID); !ok && m.prior != nil {
			e.store.Restore(*m.prior)
		}
	}
}

func (e *Engine) settle(m *Mutation, next State) {
	if err := m.transition(next); err != nil {
		e.logger.Error("settling mutation", slog.String("token", m.Token), slog.String("error", err.Error()))
		return
	}

	e.pending = slices.DeleteFunc(e.pending, func(p *Mutation) bool { return p == m })
}

// sameBody compares message bodies the way the server stores them:
// trimmed and NFC-normalized.
func sameBody(a, b string) bool {
	return norm.NFC.String(strings.TrimSpace(a)) == norm.NFC.String(strings.TrimSpace(b))
}
