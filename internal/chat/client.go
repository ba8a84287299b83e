// Package chat keeps one conversation's messages in sync over a single
// long-lived websocket.
//
// Architecture: the Manager's reader goroutine feeds raw frames into a
// channel. A single event loop goroutine (Client.Run) decodes them,
// applies them through the reconciliation engine, and also executes user
// operations (opCh) and the acknowledgement sweep. All store mutation and
// all outbound writes happen on the event loop, so the engine needs no
// locking and inbound events are applied strictly in delivery order.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	syncerr "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/protocol"
	"github.com/alexjbarnes/chat-sync/internal/reconcile"
	"github.com/alexjbarnes/chat-sync/internal/reply"
	"github.com/alexjbarnes/chat-sync/internal/store"
)

const (
	// opChanSize is the buffer for user operations waiting on the loop.
	opChanSize = 64

	defaultSweepInterval = 5 * time.Second
)

// transport is the part of Manager the client drives. It exists so the
// event loop can be tested against a scripted frame stream.
type transport interface {
	Open(ctx context.Context) (<-chan Frame, error)
	Send(ctx context.Context, cmd protocol.Command) error
	Close() error
	Err() error
}

// Config holds the client's collaborators and tuning.
type Config struct {
	Manager *Manager

	// ViewerID is the local author until the server's init frame says
	// otherwise.
	ViewerID   string
	EchoWindow time.Duration
	AckTimeout time.Duration
	// SweepInterval is how often pending mutations are checked against
	// AckTimeout.
	SweepInterval time.Duration

	// OnOutcome is called from the event loop for every settled
	// mutation. It must not block.
	OnOutcome func(reconcile.Outcome)

	Logger  *slog.Logger
	Metrics *Metrics
}

// op is a user operation executed on the event loop.
type op struct {
	run    func(ctx context.Context) opResult
	result chan opResult
}

type opResult struct {
	token   string
	pending []reconcile.Mutation
	err     error
}

// Client is the synchronization client for one conversation.
type Client struct {
	conn     transport
	store    *store.Store
	engine   *reconcile.Engine
	resolver *reply.Resolver
	logger   *slog.Logger
	metrics  *Metrics

	sweepInterval time.Duration
	onOutcome     func(reconcile.Outcome)

	opCh chan op

	// encoder is only touched by the event loop.
	encoder protocol.Encoder

	mu      sync.RWMutex
	state   SessionState
	session SessionInfo
	viewer  string
	// ready is true once the current session's history batch has been
	// applied. Commands are refused until then.
	ready  bool
	resync bool
}

// NewClient creates a Client from cfg.
func NewClient(cfg Config) *Client {
	return newClient(cfg, cfg.Manager)
}

func newClient(cfg Config, conn transport) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}

	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}

	s := store.New()

	return &Client{
		conn:     conn,
		store:    s,
		resolver: reply.New(s),
		engine: reconcile.New(reconcile.Config{
			Store:      s,
			Logger:     cfg.Logger,
			ViewerID:   cfg.ViewerID,
			EchoWindow: cfg.EchoWindow,
			AckTimeout: cfg.AckTimeout,
		}),
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		sweepInterval: cfg.SweepInterval,
		onOutcome:     cfg.OnOutcome,
		opCh:          make(chan op, opChanSize),
		encoder:       protocol.Encoder{UserID: cfg.ViewerID},
		state:         StateClosed,
		viewer:        cfg.ViewerID,
	}
}

// Store returns the message store. Callers read it through Snapshot, Get
// and Subscribe; only the event loop writes to it.
func (c *Client) Store() *store.Store {
	return c.store
}

// Resolver returns the reply resolver over the client's store.
func (c *Client) Resolver() *reply.Resolver {
	return c.resolver
}

// State returns the current session state.
func (c *Client) State() SessionState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.state
}

// Session returns the identity of the current or most recent session.
func (c *Client) Session() SessionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.session
}

// Resynchronizing reports whether a reconnected session is open but its
// history batch has not been applied yet.
func (c *Client) Resynchronizing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.resync
}

// Ready reports whether commands can be issued.
func (c *Client) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.ready
}

// ViewerID returns the local author identity.
func (c *Client) ViewerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.viewer
}

// Run opens the connection and runs the event loop until Close, context
// cancellation, or a fatal connection error. Pending mutations are
// abandoned on return, never reverted.
func (c *Client) Run(ctx context.Context) error {
	frames, err := c.conn.Open(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if n := c.engine.Abandon(); n > 0 {
			c.logger.Info("abandoned pending mutations", slog.Int("count", n))
		}

		c.metrics.PendingCommands.Set(0)
		c.setState(StateClosed, false)
	}()

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return c.conn.Err()
			}

			c.handleFrame(f)

		case o := <-c.opCh:
			o.result <- o.run(ctx)

		case now := <-ticker.C:
			c.deliver(c.engine.Sweep(now))

		case <-ctx.Done():
			c.conn.Close()
			return ctx.Err()
		}
	}
}

// Close tears down the connection. Run returns once the manager stops.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) handleFrame(f Frame) {
	switch f := f.(type) {
	case FrameOpened:
		c.engine.BeginSession(f.Session.ID, f.Session.Seq, f.Session.Resync)
		c.encoder.ConnectionID = f.Session.ID

		c.mu.Lock()
		c.state = StateOpen
		c.session = f.Session
		c.ready = false
		c.resync = f.Session.Resync
		c.mu.Unlock()

	case FrameData:
		ev, err := protocol.Decode(f.Data)
		if err != nil {
			c.metrics.DecodeErrors.Inc()

			var de *protocol.DecodeError
			if errors.As(err, &de) {
				c.logger.Warn("dropping malformed frame",
					slog.String("reason", de.Reason),
					slog.String("frame", de.Snippet),
				)
			}

			return
		}

		c.deliver(c.engine.Apply(ev))
		c.metrics.StoredMessages.Set(float64(c.store.Len()))

		switch ev := ev.(type) {
		case protocol.SessionInit:
			c.encoder.UserID = ev.ViewerID

			c.mu.Lock()
			c.viewer = ev.ViewerID
			c.mu.Unlock()

		case protocol.HistoryBatch:
			c.mu.Lock()
			c.ready = true
			c.resync = false
			c.mu.Unlock()
		}

	case FrameClosed:
		state := StateClosed
		if f.Err != nil {
			state = StateFailed
			c.logger.Debug("session ended",
				slog.Uint64("seq", f.Session),
				slog.String("error", f.Err.Error()),
				slog.Int("pending", len(c.engine.Pending())),
			)
		}

		c.setState(state, false)
	}
}

func (c *Client) setState(s SessionState, ready bool) {
	c.mu.Lock()
	c.state = s
	c.ready = ready
	c.mu.Unlock()
}

// deliver records and forwards settled mutations.
func (c *Client) deliver(outcomes []reconcile.Outcome) {
	for _, o := range outcomes {
		result := "confirmed"
		if !o.Confirmed() {
			result = "reverted"
		}

		c.metrics.Outcomes.WithLabelValues(string(o.Mutation.Kind), result).Inc()

		if c.onOutcome != nil {
			c.onOutcome(o)
		}
	}

	c.metrics.PendingCommands.Set(float64(len(c.engine.Pending())))
}

// submit hands run to the event loop and waits for its result.
func (c *Client) submit(ctx context.Context, run func(ctx context.Context) opResult) opResult {
	o := op{run: run, result: make(chan opResult, 1)}

	select {
	case c.opCh <- o:
	case <-ctx.Done():
		return opResult{err: ctx.Err()}
	}

	select {
	case r := <-o.result:
		return r
	case <-ctx.Done():
		return opResult{err: ctx.Err()}
	}
}

// Send posts body, optionally as a reply, and returns the correlation
// token of the placeholder. The placeholder is visible in the store
// before Send returns.
func (c *Client) Send(ctx context.Context, body, replyToID string) (string, error) {
	r := c.submit(ctx, func(ctx context.Context) opResult {
		if !c.Ready() {
			return opResult{err: syncerr.ErrNotConnected}
		}

		mut, ref, err := c.engine.LocalSend(body, replyToID)
		if err != nil {
			return opResult{err: err}
		}

		cmd, err := c.encoder.EncodeSend(body, ref)

		return c.dispatch(ctx, mut, cmd, err)
	})

	return r.token, r.err
}

// Edit replaces the body of message id.
func (c *Client) Edit(ctx context.Context, id, body string) (string, error) {
	r := c.submit(ctx, func(ctx context.Context) opResult {
		if !c.Ready() {
			return opResult{err: syncerr.ErrNotConnected}
		}

		mut, err := c.engine.LocalEdit(id, body)
		if err != nil {
			return opResult{err: err}
		}

		cmd, err := c.encoder.EncodeEdit(id, body)

		return c.dispatch(ctx, mut, cmd, err)
	})

	return r.token, r.err
}

// Delete removes message id.
func (c *Client) Delete(ctx context.Context, id string) (string, error) {
	r := c.submit(ctx, func(ctx context.Context) opResult {
		if !c.Ready() {
			return opResult{err: syncerr.ErrNotConnected}
		}

		mut, err := c.engine.LocalDelete(id)
		if err != nil {
			return opResult{err: err}
		}

		cmd, err := c.encoder.EncodeDelete(id)

		return c.dispatch(ctx, mut, cmd, err)
	})

	return r.token, r.err
}

// Pending lists the mutations still awaiting confirmation.
func (c *Client) Pending(ctx context.Context) ([]reconcile.Mutation, error) {
	r := c.submit(ctx, func(context.Context) opResult {
		return opResult{pending: c.engine.Pending()}
	})

	return r.pending, r.err
}

// dispatch writes cmd for the already-applied mutation. If encoding or
// the write fails, the optimistic change is reverted at once.
func (c *Client) dispatch(ctx context.Context, mut reconcile.Mutation, cmd protocol.Command, encodeErr error) opResult {
	err := encodeErr
	if err == nil {
		err = c.conn.Send(ctx, cmd)
	}

	if err != nil {
		if out, ok := c.engine.Abort(mut.Token, err); ok {
			c.deliver([]reconcile.Outcome{out})
		}

		return opResult{err: err}
	}

	c.metrics.PendingCommands.Set(float64(len(c.engine.Pending())))

	return opResult{token: mut.Token}
}
