package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iter8/tracker-node/internal/actionlog"
	"github.com/iter8/tracker-node/internal/agent"
	"github.com/iter8/tracker-node/internal/recorder"
	"github.com/iter8/tracker-node/pkg/shared"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCreateAndGetSession(t *testing.T) {
	o := New()
	sess, err := o.CreateSession(context.Background(), CreateOptions{URL: "startup.example"})
	require.NoError(t, err)

	got, err := o.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Same(t, sess, got)
	assert.Equal(t, "https://startup.example", got.Tracker.CurrentURL())
	assert.False(t, got.AgentConnected())
	assert.Equal(t, 1, o.Count())
}

func TestCreateSession_RejectsBadURL(t *testing.T) {
	o := New()
	_, err := o.CreateSession(context.Background(), CreateOptions{URL: "https://"})
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 0, o.Count())
}

func TestCreateSession_RemoteBrowserNeedsDocker(t *testing.T) {
	o := New()
	_, err := o.CreateSession(context.Background(), CreateOptions{RemoteBrowser: true})
	assert.ErrorIs(t, err, ErrNoDocker)
	assert.Equal(t, 0, o.Count())
}

func TestDestroySession(t *testing.T) {
	o := New()
	ctx := context.Background()
	sess, err := o.CreateSession(ctx, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, sess.Tracker.StartTracking(ctx))

	require.NoError(t, o.DestroySession(ctx, sess.ID))
	assert.False(t, sess.Tracker.IsLogging())

	_, err = o.GetSession(sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, o.DestroySession(ctx, sess.ID), ErrSessionNotFound)
}

func TestCleanupExpiredSessions(t *testing.T) {
	clock := newFakeClock()
	o := New(WithClock(clock.Now), WithSessionTimeout(15*time.Minute))
	ctx := context.Background()

	idle, err := o.CreateSession(ctx, CreateOptions{})
	require.NoError(t, err)
	busy, err := o.CreateSession(ctx, CreateOptions{})
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	_, err = o.GetSession(busy.ID)
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	o.cleanupExpiredSessions(ctx)

	_, err = o.GetSession(idle.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = o.GetSession(busy.ID)
	assert.NoError(t, err)
}

func TestOpenURL_LogsNavigation(t *testing.T) {
	o := New()
	ctx := context.Background()
	sess, err := o.CreateSession(ctx, CreateOptions{URL: "https://startup.example/"})
	require.NoError(t, err)
	require.NoError(t, sess.Tracker.StartTracking(ctx))

	require.NoError(t, o.OpenURL(ctx, sess.ID, "startup.example/pricing"))
	assert.Equal(t, "https://startup.example/pricing", sess.Tracker.CurrentURL())

	actions := sess.Tracker.CurrentSessionData().UserActions
	require.Len(t, actions, 1)
	assert.Equal(t, shared.ActionNavigation, actions[0].Type)
	assert.Equal(t, "https://startup.example/", actions[0].Data["from"])
	assert.Equal(t, "https://startup.example/pricing", actions[0].Data["to"])

	assert.Error(t, o.OpenURL(ctx, sess.ID, "   "))
	assert.ErrorIs(t, o.OpenURL(ctx, "missing", "https://startup.example"), ErrSessionNotFound)
}

func TestAttachAgent_ForwardsEvents(t *testing.T) {
	o := New()
	ctx := context.Background()
	sess, err := o.CreateSession(ctx, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, sess.Tracker.StartTracking(ctx))

	upgrader := websocket.Upgrader{}
	attached := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			attached <- err
			return
		}
		attached <- o.AttachAgent(r.Context(), sess.ID, conn)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	write := func(msg agent.Message) {
		data, err := json.Marshal(msg)
		require.NoError(t, err)
		require.NoError(t, client.WriteMessage(websocket.TextMessage, data))
	}
	write(agent.Message{Type: agent.TypeHello, URL: "https://startup.example/docs"})

	// wait for the node to subscribe before raising events
	for {
		_, data, err := client.ReadMessage()
		require.NoError(t, err)
		var msg agent.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type == agent.TypeSubscribe {
			break
		}
	}
	write(agent.Message{Type: agent.TypeDOMEvent, Event: &actionlog.DOMEvent{
		Kind: actionlog.EventClick, ClientX: 3, ClientY: 4, Target: actionlog.Target{Tag: "BUTTON"},
	}})

	require.Eventually(t, func() bool {
		return sess.Tracker.SessionStats().TotalActions == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, sess.AgentConnected())
	assert.Equal(t, "https://startup.example/docs", sess.Tracker.CurrentURL())

	action := sess.Tracker.CurrentSessionData().UserActions[0]
	assert.Equal(t, "https://startup.example/docs", action.URL)
	assert.Equal(t, "BUTTON", action.Element)

	require.NoError(t, client.Close())
	select {
	case <-attached:
	case <-time.After(2 * time.Second):
		t.Fatal("agent was not detached")
	}
	assert.False(t, sess.AgentConnected())
}

func TestDestroySession_ReleasesAgentAndRecording(t *testing.T) {
	o := New()
	ctx := context.Background()
	sess, err := o.CreateSession(ctx, CreateOptions{})
	require.NoError(t, err)
	blobs := o.store.(*recorder.MemoryBlobStore)

	upgrader := websocket.Upgrader{}
	attached := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			attached <- err
			return
		}
		attached <- o.AttachAgent(r.Context(), sess.ID, conn)
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	var writeMu sync.Mutex
	write := func(msg agent.Message) {
		data, _ := json.Marshal(msg)
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = client.WriteMessage(websocket.TextMessage, data)
	}
	write(agent.Message{Type: agent.TypeHello, Supported: true, MimeTypes: []string{"video/webm"},
		URL: "https://startup.example/app"})
	go func() {
		for {
			_, data, err := client.ReadMessage()
			if err != nil {
				return
			}
			var msg agent.Message
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			switch msg.Type {
			case agent.TypeCaptureRequest:
				write(agent.Message{Type: agent.TypeCaptureGranted, ID: msg.ID})
			case agent.TypeRecorderStart:
				writeMu.Lock()
				_ = client.WriteMessage(websocket.BinaryMessage, []byte("abc"))
				writeMu.Unlock()
			case agent.TypeRecorderStop:
				write(agent.Message{Type: agent.TypeRecorderStopped})
			}
		}
	}()

	require.Eventually(t, sess.Tracker.IsScreenRecordingSupported, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "https://startup.example/app", sess.PageURL())

	require.NoError(t, sess.Tracker.StartTracking(ctx))
	require.Equal(t, shared.RecordingRecording, sess.Tracker.RecordingStatus())

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	data, err := sess.Tracker.StopTracking(stopCtx)
	require.NoError(t, err)
	require.NotNil(t, data.ScreenRecording)
	url := data.ScreenRecording.RecordingURL
	blob, _, ok := blobs.Get(url)
	require.True(t, ok)
	assert.Equal(t, "abc", string(blob))

	require.NoError(t, o.DestroySession(ctx, sess.ID))
	select {
	case <-attached:
	case <-time.After(2 * time.Second):
		t.Fatal("agent was not detached")
	}
	assert.False(t, sess.AgentConnected())
	assert.Empty(t, sess.PageURL())
	_, _, ok = blobs.Get(url)
	assert.False(t, ok)
}
