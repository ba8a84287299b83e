package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/chat"
	syncerr "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/protocol"
	"github.com/alexjbarnes/chat-sync/internal/reconcile"
	"github.com/alexjbarnes/chat-sync/internal/reply"
	"github.com/alexjbarnes/chat-sync/internal/store"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 25, 11, 20, 0, 0, time.UTC)

// fakeChat records commands against a real store.
type fakeChat struct {
	store    *store.Store
	resolver *reply.Resolver

	mu      sync.Mutex
	calls   []string
	err     error
	pending []reconcile.Mutation
}

func newFakeChat() *fakeChat {
	s := store.New()

	s.Upsert(models.Message{ID: "1", AuthorID: "9", Body: "first", CreatedAt: t0})
	s.Upsert(models.Message{ID: "2", AuthorID: "42", Body: "second", CreatedAt: t0.Add(time.Minute), EditedAt: t0.Add(time.Hour)})
	s.Upsert(models.Message{
		ID: "3", AuthorID: "9", Body: "third", CreatedAt: t0.Add(2 * time.Minute),
		ReplyToID: "1", ReplyPreview: &models.ReplyPreview{AuthorID: "9", Body: "first"},
	})

	return &fakeChat{store: s, resolver: reply.New(s)}
}

func (f *fakeChat) record(call string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return "", f.err
	}

	f.calls = append(f.calls, call)

	return fmt.Sprintf("local-%d", len(f.calls)), nil
}

func (f *fakeChat) Store() *store.Store       { return f.store }
func (f *fakeChat) Resolver() *reply.Resolver { return f.resolver }
func (f *fakeChat) State() chat.SessionState  { return chat.StateOpen }
func (f *fakeChat) Ready() bool               { return true }
func (f *fakeChat) Resynchronizing() bool     { return false }
func (f *fakeChat) ViewerID() string          { return "42" }

func (f *fakeChat) Send(_ context.Context, body, replyTo string) (string, error) {
	return f.record("send " + body + " " + replyTo)
}

func (f *fakeChat) Edit(_ context.Context, id, body string) (string, error) {
	return f.record("edit " + id + " " + body)
}

func (f *fakeChat) Delete(_ context.Context, id string) (string, error) {
	return f.record("delete " + id)
}

func (f *fakeChat) Pending(context.Context) ([]reconcile.Mutation, error) {
	return f.pending, nil
}

// testSetup registers tools over a fake chat on an MCP server and returns
// a connected client session for calling tools.
func testSetup(t *testing.T) (*mcp.ClientSession, *fakeChat) {
	t.Helper()

	fc := newFakeChat()

	server := mcp.NewServer(
		&mcp.Implementation{Name: "chat-sync-mcp-test", Version: "test"},
		nil,
	)
	RegisterTools(server, fc, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx := context.Background()
	t1, t2 := mcp.NewInMemoryTransports()
	_, err := server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	client := mcp.NewClient(
		&mcp.Implementation{Name: "test-client", Version: "test"},
		nil,
	)
	session, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	return session, fc
}

// callTool is a helper that calls a tool and returns the result.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	return result
}

// extractJSON unmarshals the first text content from a CallToolResult.
func extractJSON(t *testing.T, result *mcp.CallToolResult, dest any) {
	t.Helper()
	require.NotEmpty(t, result.Content, "result has no content")
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}

func errorText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.True(t, result.IsError)
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestListTools(t *testing.T) {
	session, _ := testSetup(t)

	res, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}

	assert.ElementsMatch(t, []string{
		"chat_list_messages", "chat_get_message", "chat_send",
		"chat_edit", "chat_delete", "chat_status",
	}, names)
}

// --- chat_list_messages ---

func TestList_All(t *testing.T) {
	session, _ := testSetup(t)

	result := callTool(t, session, "chat_list_messages", nil)
	assert.False(t, result.IsError)

	var out ListResult
	extractJSON(t, result, &out)

	assert.Equal(t, 3, out.Total)
	require.Len(t, out.Messages, 3)
	assert.Equal(t, "1", out.Messages[0].ID)
	assert.Nil(t, out.Messages[0].EditedAt)
	require.NotNil(t, out.Messages[1].EditedAt)

	rv := out.Messages[2].ReplyTo
	require.NotNil(t, rv)
	assert.Equal(t, ReplyView{ID: "1", Author: "9", Body: "first", Source: "live"}, *rv)
}

func TestList_LimitKeepsNewest(t *testing.T) {
	session, _ := testSetup(t)

	result := callTool(t, session, "chat_list_messages", map[string]any{"limit": 2})

	var out ListResult
	extractJSON(t, result, &out)

	assert.Equal(t, 3, out.Total)
	assert.Equal(t, 2, out.Returned)
	assert.Equal(t, "2", out.Messages[0].ID)
	assert.Equal(t, "3", out.Messages[1].ID)
}

func TestList_BeforeID(t *testing.T) {
	session, _ := testSetup(t)

	result := callTool(t, session, "chat_list_messages", map[string]any{"before_id": "3"})

	var out ListResult
	extractJSON(t, result, &out)

	require.Len(t, out.Messages, 2)
	assert.Equal(t, "2", out.Messages[1].ID)
}

func TestList_BeforeUnknownID(t *testing.T) {
	session, _ := testSetup(t)

	result := callTool(t, session, "chat_list_messages", map[string]any{"before_id": "99"})
	assert.Contains(t, errorText(t, result), "not found")
}

// --- chat_get_message ---

func TestGet(t *testing.T) {
	session, fc := testSetup(t)

	fc.store.Remove("1")

	result := callTool(t, session, "chat_get_message", map[string]any{"id": "3"})
	assert.False(t, result.IsError)

	var out MessageView
	extractJSON(t, result, &out)

	assert.Equal(t, "third", out.Body)
	require.NotNil(t, out.ReplyTo)
	assert.Equal(t, "snapshot", out.ReplyTo.Source)
	assert.Equal(t, "first", out.ReplyTo.Body)
}

func TestGet_NotFound(t *testing.T) {
	session, _ := testSetup(t)

	result := callTool(t, session, "chat_get_message", map[string]any{"id": "404"})
	assert.Contains(t, errorText(t, result), "404")
}

// --- mutations ---

func TestSend(t *testing.T) {
	session, fc := testSetup(t)

	result := callTool(t, session, "chat_send", map[string]any{"body": "hello", "reply_to_id": "1"})
	assert.False(t, result.IsError)

	var out MutationResult
	extractJSON(t, result, &out)

	assert.Equal(t, MutationResult{Token: "local-1", Status: "pending"}, out)
	assert.Equal(t, []string{"send hello 1"}, fc.calls)
}

func TestEditAndDelete(t *testing.T) {
	session, fc := testSetup(t)

	result := callTool(t, session, "chat_edit", map[string]any{"id": "2", "body": "fixed"})
	assert.False(t, result.IsError)

	result = callTool(t, session, "chat_delete", map[string]any{"id": "3"})
	assert.False(t, result.IsError)

	assert.Equal(t, []string{"edit 2 fixed", "delete 3"}, fc.calls)
}

func TestSend_NotConnected(t *testing.T) {
	session, fc := testSetup(t)
	fc.err = syncerr.ErrNotConnected

	result := callTool(t, session, "chat_send", map[string]any{"body": "hello"})
	assert.Contains(t, errorText(t, result), "no open session")
}

func TestEdit_Unconfirmed(t *testing.T) {
	session, fc := testSetup(t)
	fc.err = fmt.Errorf("message local-1: %w", reconcile.ErrUnconfirmed)

	result := callTool(t, session, "chat_edit", map[string]any{"id": "local-1", "body": "x"})
	assert.Contains(t, errorText(t, result), "pending confirmation")
}

func TestSend_EmptyBody(t *testing.T) {
	session, fc := testSetup(t)
	fc.err = reconcile.ErrEmptyBody

	result := callTool(t, session, "chat_send", map[string]any{"body": " "})
	assert.Contains(t, errorText(t, result), "empty")
}

// --- chat_status ---

func TestStatus(t *testing.T) {
	session, fc := testSetup(t)
	fc.pending = []reconcile.Mutation{{
		Token: "local-7", Kind: protocol.CommandEdit, TargetID: "2", IssuedAt: t0,
	}}

	result := callTool(t, session, "chat_status", nil)
	assert.False(t, result.IsError)

	var out StatusResult
	extractJSON(t, result, &out)

	assert.Equal(t, "open", out.State)
	assert.True(t, out.Ready)
	assert.Equal(t, "42", out.ViewerID)
	assert.Equal(t, 3, out.Messages)
	require.Len(t, out.Pending, 1)
	assert.Equal(t, PendingView{Token: "local-7", Kind: "edit", TargetID: "2", IssuedAt: t0}, out.Pending[0])
}
