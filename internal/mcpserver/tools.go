// Package mcpserver registers MCP tools that expose the synchronized
// conversation. It adapts the chat client to the MCP SDK's tool handler
// interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/reconcile"
	"github.com/alexjbarnes/chat-sync/internal/reply"
	"github.com/alexjbarnes/chat-sync/internal/store"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Chat is the part of chat.Client the tools drive.
type Chat interface {
	Store() *store.Store
	Resolver() *reply.Resolver
	Send(ctx context.Context, body, replyToID string) (string, error)
	Edit(ctx context.Context, id, body string) (string, error)
	Delete(ctx context.Context, id string) (string, error)
	Pending(ctx context.Context) ([]reconcile.Mutation, error)
	State() chat.SessionState
	Ready() bool
	Resynchronizing() bool
	ViewerID() string
}

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, c Chat, logger *slog.Logger) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_list_messages",
		Description: "List the most recent messages in the conversation, oldest first, with reply previews and edit markers. Pending local sends are included and flagged.",
	}, listHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_get_message",
		Description: "Get one message by ID, including the preview of the message it replies to.",
	}, getHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send",
		Description: "Post a message, optionally as a reply. Returns a local token; the message shows as pending until the server confirms it.",
	}, sendHandler(c, logger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_edit",
		Description: "Replace the body of an existing message. The edit is shown immediately and reverted if the server rejects it.",
	}, editHandler(c, logger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_delete",
		Description: "Delete a message. It disappears immediately and is restored if the server rejects the delete.",
	}, deleteHandler(c, logger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_status",
		Description: "Report the connection state, viewer identity, message count, and mutations still waiting for server confirmation.",
	}, statusHandler(c))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// ListInput holds parameters for chat_list_messages.
type ListInput struct {
	Limit    int    `json:"limit,omitempty" jsonschema:"maximum number of messages, defaults to 50"`
	BeforeID string `json:"before_id,omitempty" jsonschema:"only list messages ordered before this message ID"`
}

// GetInput holds parameters for chat_get_message.
type GetInput struct {
	ID string `json:"id" jsonschema:"required,message ID"`
}

// SendInput holds parameters for chat_send.
type SendInput struct {
	Body      string `json:"body" jsonschema:"required,message text"`
	ReplyToID string `json:"reply_to_id,omitempty" jsonschema:"ID of the message being replied to"`
}

// EditInput holds parameters for chat_edit.
type EditInput struct {
	ID   string `json:"id" jsonschema:"required,message ID"`
	Body string `json:"body" jsonschema:"required,new message text"`
}

// DeleteInput holds parameters for chat_delete.
type DeleteInput struct {
	ID string `json:"id" jsonschema:"required,message ID"`
}

// StatusInput has no parameters.
type StatusInput struct{}

// --- Result types ---

// ReplyView is the resolved preview of a reply target.
type ReplyView struct {
	ID     string `json:"id"`
	Author string `json:"author,omitempty"`
	Body   string `json:"body,omitempty"`
	Source string `json:"source"`
}

// MessageView is one message as returned by the tools.
type MessageView struct {
	ID        string     `json:"id"`
	Author    string     `json:"author"`
	Body      string     `json:"body"`
	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	ReplyTo   *ReplyView `json:"reply_to,omitempty"`
	Pending   bool       `json:"pending,omitempty"`
}

// ListResult is the output of chat_list_messages.
type ListResult struct {
	Total    int           `json:"total"`
	Returned int           `json:"returned"`
	Messages []MessageView `json:"messages"`
}

// MutationResult is the output of chat_send, chat_edit and chat_delete.
type MutationResult struct {
	Token  string `json:"token"`
	Status string `json:"status"`
}

// PendingView is one mutation awaiting confirmation.
type PendingView struct {
	Token    string    `json:"token"`
	Kind     string    `json:"kind"`
	TargetID string    `json:"target_id,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
}

// StatusResult is the output of chat_status.
type StatusResult struct {
	State           string        `json:"state"`
	Ready           bool          `json:"ready"`
	Resynchronizing bool          `json:"resynchronizing"`
	ViewerID        string        `json:"viewer_id"`
	Messages        int           `json:"messages"`
	Pending         []PendingView `json:"pending"`
}

// --- Handlers ---

func listHandler(c Chat) mcp.ToolHandlerFor[ListInput, *ListResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ListInput) (*mcp.CallToolResult, *ListResult, error) {
		msgs := c.Store().Snapshot()

		if input.BeforeID != "" {
			anchor, ok := c.Store().Get(input.BeforeID)
			if !ok {
				return nil, nil, fmt.Errorf("message %s: %w", input.BeforeID, store.ErrNotFound)
			}

			cut := len(msgs)

			for i, m := range msgs {
				if models.Compare(m, anchor) >= 0 {
					cut = i
					break
				}
			}

			msgs = msgs[:cut]
		}

		limit := input.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}

		limit = min(limit, maxListLimit)

		total := len(msgs)
		if total > limit {
			msgs = msgs[total-limit:]
		}

		result := &ListResult{
			Total:    total,
			Returned: len(msgs),
			Messages: make([]MessageView, 0, len(msgs)),
		}

		for _, m := range msgs {
			result.Messages = append(result.Messages, view(c.Resolver(), m))
		}

		return textResult(result), result, nil
	}
}

func getHandler(c Chat) mcp.ToolHandlerFor[GetInput, *MessageView] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input GetInput) (*mcp.CallToolResult, *MessageView, error) {
		m, ok := c.Store().Get(input.ID)
		if !ok {
			return nil, nil, fmt.Errorf("message %s: %w", input.ID, store.ErrNotFound)
		}

		result := view(c.Resolver(), m)

		return textResult(result), &result, nil
	}
}

func sendHandler(c Chat, logger *slog.Logger) mcp.ToolHandlerFor[SendInput, *MutationResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendInput) (*mcp.CallToolResult, *MutationResult, error) {
		token, err := c.Send(ctx, input.Body, input.ReplyToID)
		if err != nil {
			return nil, nil, mutationError("send", err)
		}

		logger.Info("mcp send",
			slog.String("token", token),
			slog.String("reply_to", input.ReplyToID),
			slog.String("user_id", auth.RequestUserID(ctx)),
		)

		result := &MutationResult{Token: token, Status: "pending"}

		return textResult(result), result, nil
	}
}

func editHandler(c Chat, logger *slog.Logger) mcp.ToolHandlerFor[EditInput, *MutationResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input EditInput) (*mcp.CallToolResult, *MutationResult, error) {
		token, err := c.Edit(ctx, input.ID, input.Body)
		if err != nil {
			return nil, nil, mutationError("edit", err)
		}

		logger.Info("mcp edit",
			slog.String("token", token),
			slog.String("message_id", input.ID),
			slog.String("user_id", auth.RequestUserID(ctx)),
		)

		result := &MutationResult{Token: token, Status: "pending"}

		return textResult(result), result, nil
	}
}

func deleteHandler(c Chat, logger *slog.Logger) mcp.ToolHandlerFor[DeleteInput, *MutationResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input DeleteInput) (*mcp.CallToolResult, *MutationResult, error) {
		token, err := c.Delete(ctx, input.ID)
		if err != nil {
			return nil, nil, mutationError("delete", err)
		}

		logger.Info("mcp delete",
			slog.String("token", token),
			slog.String("message_id", input.ID),
			slog.String("user_id", auth.RequestUserID(ctx)),
		)

		result := &MutationResult{Token: token, Status: "pending"}

		return textResult(result), result, nil
	}
}

func statusHandler(c Chat) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		pending, err := c.Pending(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("listing pending mutations: %w", err)
		}

		result := &StatusResult{
			State:           c.State().String(),
			Ready:           c.Ready(),
			Resynchronizing: c.Resynchronizing(),
			ViewerID:        c.ViewerID(),
			Messages:        c.Store().Len(),
			Pending:         make([]PendingView, 0, len(pending)),
		}

		for _, m := range pending {
			result.Pending = append(result.Pending, PendingView{
				Token:    m.Token,
				Kind:     string(m.Kind),
				TargetID: m.TargetID,
				IssuedAt: m.IssuedAt,
			})
		}

		return textResult(result), result, nil
	}
}

// mutationError explains the failures a caller can act on.
func mutationError(op string, err error) error {
	switch {
	case errors.Is(err, reconcile.ErrEmptyBody):
		return fmt.Errorf("%s: message body is empty", op)
	case errors.Is(err, reconcile.ErrUnconfirmed):
		return fmt.Errorf("%s: target is still pending confirmation, retry once it has an ID: %w", op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func view(r *reply.Resolver, m models.Message) MessageView {
	v := MessageView{
		ID:        m.ID,
		Author:    m.AuthorID,
		Body:      m.Body,
		CreatedAt: m.CreatedAt,
		Pending:   m.Pending(),
	}

	if m.Edited() {
		at := m.EditedAt
		v.EditedAt = &at
	}

	if res, ok := r.Resolve(m); ok {
		v.ReplyTo = &ReplyView{
			ID:     res.TargetID,
			Author: res.AuthorID,
			Body:   res.Body,
			Source: res.Source.String(),
		}
	}

	return v
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
