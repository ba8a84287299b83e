package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/alexjbarnes/chat-sync/internal/reconcile"
	"github.com/alexjbarnes/chat-sync/internal/render"
	"github.com/alexjbarnes/chat-sync/internal/store"
)

const helpText = `commands:
  <text>              send a message
  /reply <id> <text>  reply to a message
  /edit <id> <text>   replace a message body
  /delete <id>        delete a message
  /list               print the conversation
  /dump               print the conversation as YAML
  /pending            show mutations awaiting confirmation
  /quit               exit`

var errQuit = errors.New("quit")

// chatCommands is the part of chat.Client the terminal drives.
type chatCommands interface {
	Store() *store.Store
	Send(ctx context.Context, body, replyToID string) (string, error)
	Edit(ctx context.Context, id, body string) (string, error)
	Delete(ctx context.Context, id string) (string, error)
	Pending(ctx context.Context) ([]reconcile.Mutation, error)
}

// terminal reads commands from in and prints the conversation to out.
type terminal struct {
	chat     chatCommands
	renderer *render.Renderer
	out      io.Writer
	logger   *slog.Logger
}

// run executes lines from in until ctx is done, in is exhausted, or the
// user quits. A quit ends the process, so it is reported as an error.
func (t *terminal) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)

	// The scanner blocks on stdin and cannot observe ctx, so it runs
	// apart and is abandoned on shutdown.
	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}

			if err := t.exec(ctx, line); err != nil {
				return err
			}
		}
	}
}

// exec runs one input line. Command failures are printed; only output
// failures and quitting are returned.
func (t *terminal) exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if !strings.HasPrefix(line, "/") {
		return t.report(t.chat.Send(ctx, line, ""))
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/reply":
		id, body, ok := splitArgs(rest)
		if !ok {
			return t.printf("usage: /reply <id> <text>")
		}

		return t.report(t.chat.Send(ctx, body, id))

	case "/edit":
		id, body, ok := splitArgs(rest)
		if !ok {
			return t.printf("usage: /edit <id> <text>")
		}

		return t.report(t.chat.Edit(ctx, id, body))

	case "/delete":
		if rest == "" {
			return t.printf("usage: /delete <id>")
		}

		return t.report(t.chat.Delete(ctx, rest))

	case "/list":
		return t.renderer.List(t.chat.Store().Snapshot())

	case "/dump":
		return t.renderer.Dump(t.out, t.chat.Store().Snapshot())

	case "/pending":
		pending, err := t.chat.Pending(ctx)
		if err != nil {
			return t.printf("! %v", err)
		}

		if len(pending) == 0 {
			return t.printf("nothing pending")
		}

		for _, m := range pending {
			if err := t.printf("… %s %s %s", m.Kind, m.TargetID, m.Token); err != nil {
				return err
			}
		}

		return nil

	case "/help":
		return t.printf("%s", helpText)

	case "/quit":
		return errQuit

	default:
		return t.printf("unknown command %s, try /help", cmd)
	}
}

// report prints a command failure. The token is not shown: the store
// change for the optimistic mutation is already on screen.
func (t *terminal) report(token string, err error) error {
	if err != nil {
		return t.printf("! %v", err)
	}

	t.logger.Debug("command issued", slog.String("token", token))

	return nil
}

func (t *terminal) printf(format string, args ...any) error {
	if _, err := fmt.Fprintf(t.out, format+"\n", args...); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}

	return nil
}

// splitArgs splits "<id> <text>" and requires both parts.
func splitArgs(s string) (id, body string, ok bool) {
	id, body, ok = strings.Cut(s, " ")
	body = strings.TrimSpace(body)

	return id, body, ok && id != "" && body != ""
}

// follow prints every store change until ctx is done. Dropped
// notifications are not replayed; /list reprints from the store.
func (t *terminal) follow(ctx context.Context) error {
	changes, cancel := t.chat.Store().Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-changes:
			if err := t.renderer.Apply(c); err != nil {
				return err
			}
		}
	}
}
