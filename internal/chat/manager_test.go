package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	syncerr "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/protocol"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func testManagerConfig() ManagerConfig {
	return ManagerConfig{
		Endpoint:       "ws://chat.test/ws/chat",
		ConversationID: "g1",
		ViewerID:       "u1",
		ReconnectMin:   time.Second,
		ReconnectMax:   8 * time.Second,
		Logger:         slog.New(slog.DiscardHandler),
	}
}

// scriptedDial returns a dialFunc that plays steps in order and counts
// calls. Once steps run out it keeps failing with a transport error.
type dialStep struct {
	conn wsConn
	resp *http.Response
	err  error
}

func scriptedDial(calls *atomic.Int32, steps ...dialStep) dialFunc {
	return func(ctx context.Context, u string, opts *websocket.DialOptions) (wsConn, *http.Response, error) {
		n := int(calls.Add(1)) - 1
		if n >= len(steps) {
			return nil, nil, errors.New("connection refused")
		}

		s := steps[n]

		return s.conn, s.resp, s.err
	}
}

// blockingRead makes Read wait until its context is cancelled.
func blockingRead(ctx context.Context) (websocket.MessageType, []byte, error) {
	<-ctx.Done()
	return 0, nil, ctx.Err()
}

func nextFrame(t *testing.T, frames <-chan Frame) Frame {
	t.Helper()

	select {
	case f, ok := <-frames:
		require.True(t, ok, "frame stream closed")
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func drain(frames <-chan Frame) []Frame {
	var got []Frame
	for f := range frames {
		got = append(got, f)
	}

	return got
}

// --- config ---

func TestManagerConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ManagerConfig)
	}{
		{"missing endpoint", func(c *ManagerConfig) { c.Endpoint = "" }},
		{"missing conversation", func(c *ManagerConfig) { c.ConversationID = "" }},
		{"missing viewer", func(c *ManagerConfig) { c.ViewerID = "" }},
		{"bad scheme", func(c *ManagerConfig) { c.Endpoint = "ftp://chat.test/ws" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testManagerConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.validate(), syncerr.ErrMissingParams)
		})
	}

	assert.NoError(t, testManagerConfig().validate())
}

func TestManagerConfig_DialURL(t *testing.T) {
	cfg := testManagerConfig()
	cfg.Endpoint = "wss://chat.test/ws/chat?v=2"

	assert.Equal(t, "wss://chat.test/ws/chat?group_id=g1&user_id=u1&v=2", cfg.dialURL())
}

func TestOpen_MissingParamsIsFatal(t *testing.T) {
	cfg := testManagerConfig()
	cfg.ViewerID = ""

	m := NewManager(cfg)

	var calls atomic.Int32
	m.dial = scriptedDial(&calls)

	_, err := m.Open(t.Context())
	require.ErrorIs(t, err, syncerr.ErrMissingParams)
	assert.Zero(t, calls.Load())
}

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager(ManagerConfig{ReconnectMin: 5 * time.Minute})

	assert.Equal(t, 5*time.Minute, m.cfg.ReconnectMax)
	assert.Equal(t, int64(defaultMaxFrameBytes), m.cfg.MaxFrameBytes)
	assert.Nil(t, m.limiter)
	assert.Equal(t, StateClosed, m.State())
}

// --- error classification ---

func TestClassifyDial(t *testing.T) {
	base := errors.New("handshake failed")

	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		err := classifyDial(base, &http.Response{StatusCode: status})
		require.True(t, IsAuth(err))

		var ae *AuthError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, status, ae.Status)
	}

	err := classifyDial(base, &http.Response{StatusCode: http.StatusBadGateway})
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, base)

	assert.True(t, IsTransient(classifyDial(base, nil)))
}

func TestClassifyClose(t *testing.T) {
	for _, code := range []websocket.StatusCode{websocket.StatusPolicyViolation, statusUnauthorized, statusForbidden} {
		err := classifyClose(websocket.CloseError{Code: code, Reason: "nope"})
		assert.True(t, IsAuth(err), "code %d", code)
	}

	err := classifyClose(websocket.CloseError{Code: websocket.StatusGoingAway})
	assert.True(t, IsTransient(err))
	assert.False(t, IsAuth(err))

	already := &TransportError{Err: errors.New("heartbeat")}
	assert.Same(t, already, classifyClose(already))
}

// --- Send ---

func TestManagerSend_NotConnected(t *testing.T) {
	m := NewManager(testManagerConfig())

	err := m.Send(t.Context(), protocol.Command{Kind: protocol.CommandSend, Data: []byte(`{}`)})
	assert.ErrorIs(t, err, syncerr.ErrNotConnected)
}

func TestManagerSend_WritesOnOpenSession(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockWSConn(ctrl)

	conn.EXPECT().SetReadLimit(int64(defaultMaxFrameBytes))
	conn.EXPECT().Read(gomock.Any()).DoAndReturn(blockingRead)
	conn.EXPECT().Write(gomock.Any(), websocket.MessageText, []byte(`{"type":"send"}`)).Return(nil)
	conn.EXPECT().Close(websocket.StatusNormalClosure, "bye").Return(nil)

	m := NewManager(testManagerConfig())

	var calls atomic.Int32
	m.dial = scriptedDial(&calls, dialStep{conn: conn})

	frames, err := m.Open(t.Context())
	require.NoError(t, err)

	opened, ok := nextFrame(t, frames).(FrameOpened)
	require.True(t, ok)
	assert.Equal(t, uint64(1), opened.Session.Seq)
	assert.False(t, opened.Session.Resync)
	assert.NotEmpty(t, opened.Session.ID)
	assert.Equal(t, StateOpen, m.State())

	err = m.Send(t.Context(), protocol.Command{Kind: protocol.CommandSend, Data: []byte(`{"type":"send"}`)})
	require.NoError(t, err)

	require.NoError(t, m.Close())
	drain(frames)
	assert.NoError(t, m.Err())
}

func TestManagerSend_WriteFailureIsTransient(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockWSConn(ctrl)

	conn.EXPECT().SetReadLimit(gomock.Any())
	conn.EXPECT().Read(gomock.Any()).DoAndReturn(blockingRead)
	conn.EXPECT().Write(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("broken pipe"))
	conn.EXPECT().Close(gomock.Any(), gomock.Any()).Return(nil)

	m := NewManager(testManagerConfig())

	var calls atomic.Int32
	m.dial = scriptedDial(&calls, dialStep{conn: conn})

	frames, err := m.Open(t.Context())
	require.NoError(t, err)
	nextFrame(t, frames)

	err = m.Send(t.Context(), protocol.Command{Kind: protocol.CommandEdit, Data: []byte(`{}`)})
	assert.True(t, IsTransient(err))

	require.NoError(t, m.Close())
	drain(frames)
}

// --- reconnect policy ---

func TestManager_RetriesExhausted(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		cfg := testManagerConfig()
		cfg.MaxAttempts = 3

		m := NewManager(cfg)

		var calls atomic.Int32
		m.dial = scriptedDial(&calls)

		start := time.Now()

		frames, err := m.Open(t.Context())
		require.NoError(t, err)

		assert.Empty(t, drain(frames))
		assert.ErrorIs(t, m.Err(), syncerr.ErrRetriesExhausted)
		assert.Equal(t, int32(3), calls.Load())

		// Two backoffs of 1s and 2s, each with up to 50% jitter.
		elapsed := time.Since(start)
		assert.GreaterOrEqual(t, elapsed, 3*time.Second)
		assert.Less(t, elapsed, 5*time.Second)
	})
}

func TestManager_BackoffIsCapped(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		cfg := testManagerConfig()
		cfg.MaxAttempts = 7
		cfg.ReconnectMax = 2 * time.Second

		m := NewManager(cfg)

		var calls atomic.Int32
		m.dial = scriptedDial(&calls)

		start := time.Now()

		frames, err := m.Open(t.Context())
		require.NoError(t, err)
		drain(frames)

		// Backoffs: 1s then five at the 2s cap, each with up to 50% jitter.
		elapsed := time.Since(start)
		assert.GreaterOrEqual(t, elapsed, 11*time.Second)
		assert.Less(t, elapsed, 16500*time.Millisecond)
	})
}

func TestManager_AuthDialIsFatal(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		m := NewManager(testManagerConfig())

		var calls atomic.Int32
		m.dial = scriptedDial(&calls, dialStep{
			resp: &http.Response{StatusCode: http.StatusUnauthorized},
			err:  errors.New("expected handshake response status code 101 but got 401"),
		})

		frames, err := m.Open(t.Context())
		require.NoError(t, err)
		drain(frames)

		require.True(t, IsAuth(m.Err()))
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestManager_CloseCancelsPendingReconnect(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		m := NewManager(testManagerConfig())

		var calls atomic.Int32
		m.dial = scriptedDial(&calls)

		frames, err := m.Open(t.Context())
		require.NoError(t, err)

		// The loop is now asleep in its first backoff.
		synctest.Wait()
		require.Equal(t, int32(1), calls.Load())

		require.NoError(t, m.Close())
		drain(frames)

		assert.NoError(t, m.Err())
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestManager_ReconnectsAfterDrop(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		first := NewMockWSConn(ctrl)
		second := NewMockWSConn(ctrl)

		first.EXPECT().SetReadLimit(gomock.Any())
		gomock.InOrder(
			first.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, []byte(`{"type":"init"}`), nil),
			first.EXPECT().Read(gomock.Any()).Return(websocket.MessageBinary, []byte{0x1}, nil),
			first.EXPECT().Read(gomock.Any()).Return(websocket.MessageType(0), nil, errors.New("EOF")),
		)

		second.EXPECT().SetReadLimit(gomock.Any())
		second.EXPECT().Read(gomock.Any()).DoAndReturn(blockingRead)
		second.EXPECT().Close(websocket.StatusNormalClosure, "bye").Return(nil)

		m := NewManager(testManagerConfig())

		var calls atomic.Int32
		m.dial = scriptedDial(&calls, dialStep{conn: first}, dialStep{conn: second})

		frames, err := m.Open(t.Context())
		require.NoError(t, err)

		opened := nextFrame(t, frames).(FrameOpened)
		assert.Equal(t, uint64(1), opened.Session.Seq)

		data := nextFrame(t, frames).(FrameData)
		assert.JSONEq(t, `{"type":"init"}`, string(data.Data))

		closed := nextFrame(t, frames).(FrameClosed)
		assert.Equal(t, uint64(1), closed.Session)
		assert.True(t, IsTransient(closed.Err))

		reopened := nextFrame(t, frames).(FrameOpened)
		assert.Equal(t, uint64(2), reopened.Session.Seq)
		assert.True(t, reopened.Session.Resync)
		assert.NotEqual(t, opened.Session.ID, reopened.Session.ID)

		require.NoError(t, m.Close())

		rest := drain(frames)
		require.Len(t, rest, 1)
		final := rest[0].(FrameClosed)
		assert.NoError(t, final.Err)
		assert.NoError(t, m.Err())
	})
}

func TestManager_AuthCloseIsFatal(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)

		conn.EXPECT().SetReadLimit(gomock.Any())
		conn.EXPECT().Read(gomock.Any()).
			Return(websocket.MessageType(0), nil, websocket.CloseError{Code: statusForbidden, Reason: "not a member"})

		m := NewManager(testManagerConfig())

		var calls atomic.Int32
		m.dial = scriptedDial(&calls, dialStep{conn: conn})

		frames, err := m.Open(t.Context())
		require.NoError(t, err)

		got := drain(frames)
		require.Len(t, got, 2)

		closed := got[1].(FrameClosed)
		assert.True(t, IsAuth(closed.Err))
		assert.True(t, IsAuth(m.Err()))
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestManager_HeartbeatFailureEndsSession(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)

		conn.EXPECT().SetReadLimit(gomock.Any())
		conn.EXPECT().Read(gomock.Any()).DoAndReturn(blockingRead)
		conn.EXPECT().Ping(gomock.Any()).Return(errors.New("pong timeout"))
		conn.EXPECT().Close(websocket.StatusGoingAway, "heartbeat timeout").Return(nil)

		cfg := testManagerConfig()
		cfg.HeartbeatInterval = 10 * time.Second
		cfg.PingTimeout = time.Second

		m := NewManager(cfg)

		var calls atomic.Int32
		m.dial = scriptedDial(&calls,
			dialStep{conn: conn},
			dialStep{resp: &http.Response{StatusCode: http.StatusForbidden}, err: errors.New("forbidden")},
		)

		frames, err := m.Open(t.Context())
		require.NoError(t, err)

		got := drain(frames)
		require.Len(t, got, 2)

		closed := got[1].(FrameClosed)
		assert.True(t, IsTransient(closed.Err))
		assert.ErrorContains(t, closed.Err, "heartbeat")

		assert.True(t, IsAuth(m.Err()))
		assert.Equal(t, int32(2), calls.Load())
	})
}

func TestManager_OpenTwice(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		m := NewManager(testManagerConfig())

		var calls atomic.Int32
		m.dial = scriptedDial(&calls)

		frames, err := m.Open(t.Context())
		require.NoError(t, err)

		_, err = m.Open(t.Context())
		assert.Error(t, err)

		require.NoError(t, m.Close())
		drain(frames)
	})
}
