package actionlog

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/iter8/tracker-node/pkg/shared"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLogger(t *testing.T) (*Logger, *Dispatcher, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	source := NewDispatcher()
	return New("sess-1", source, WithClock(clock.Now)), source, clock
}

func TestLogAction_GatedByLoggingState(t *testing.T) {
	l, _, _ := newTestLogger(t)

	assert.False(t, l.LogAction(shared.ActionNavigation, nil, nil, ""), "before start")
	l.StartLogging()
	assert.True(t, l.LogAction(shared.ActionNavigation, nil, nil, ""))
	l.StopLogging()
	assert.False(t, l.LogAction(shared.ActionNavigation, nil, nil, ""), "after stop")

	assert.Len(t, l.UserActions(), 1)
}

func TestStartLogging_Idempotent(t *testing.T) {
	l, source, _ := newTestLogger(t)

	l.StartLogging()
	l.StartLogging()
	assert.Equal(t, 1, source.Active())

	source.Dispatch(DOMEvent{Kind: EventClick, Target: Target{Tag: "BUTTON"}})
	assert.Len(t, l.UserActions(), 1, "a second StartLogging must not double-register")

	l.StopLogging()
	l.StopLogging()
	assert.Equal(t, 0, source.Active())
}

func TestStopLogging_StampsDuration(t *testing.T) {
	l, _, clock := newTestLogger(t)

	l.StartLogging()
	clock.Advance(2500 * time.Millisecond)
	l.StopLogging()

	data := l.SessionData()
	require.NotNil(t, data.EndTime)
	assert.Equal(t, int64(2500), data.Duration)
	assert.Equal(t, *data.EndTime-data.StartTime, data.Duration)
}

func TestClick_CapturesCoordinatesAndTarget(t *testing.T) {
	l, source, _ := newTestLogger(t)
	l.SetCurrentURL("https://startup.example/pricing")
	l.StartLogging()

	source.Dispatch(DOMEvent{
		Kind:    EventClick,
		Target:  Target{Tag: "A", ID: "buy", Class: "cta"},
		ClientX: 10,
		ClientY: 20,
	})

	actions := l.UserActions()
	require.Len(t, actions, 1)
	a := actions[0]
	assert.Equal(t, shared.ActionClick, a.Type)
	assert.Equal(t, &shared.Coordinates{X: 10, Y: 20}, a.Coordinates)
	assert.Equal(t, "A", a.Element)
	assert.Equal(t, "buy", a.Data["targetId"])
	assert.Equal(t, "https://startup.example/pricing", a.URL)
	assert.True(t, strings.HasPrefix(a.ID, "sess-1_"), a.ID)
}

func TestSetCurrentURL_NotRetroactive(t *testing.T) {
	l, _, _ := newTestLogger(t)
	l.StartLogging()

	l.SetCurrentURL("https://a.example")
	l.LogAction(shared.ActionPageLoad, nil, nil, "")
	l.SetCurrentURL("https://b.example")
	l.LogAction(shared.ActionURLChange, nil, nil, "")

	actions := l.UserActions()
	require.Len(t, actions, 2)
	assert.Equal(t, "https://a.example", actions[0].URL)
	assert.Equal(t, "https://b.example", actions[1].URL)
}

func TestKeydown_OnlyAllowListedKeys(t *testing.T) {
	l, source, _ := newTestLogger(t)
	l.StartLogging()

	for _, key := range []string{"a", "Enter", "p", "Tab", "Escape", "ArrowLeft", "1"} {
		source.Dispatch(DOMEvent{Kind: EventKeyDown, Key: key})
	}

	var keys []string
	for _, a := range l.UserActions() {
		assert.Equal(t, shared.ActionKeypress, a.Type)
		keys = append(keys, a.Data["key"].(string))
	}
	assert.Equal(t, []string{"Enter", "Tab", "Escape", "ArrowLeft"}, keys)
}

func TestMouseMove_Throttled(t *testing.T) {
	l, source, clock := newTestLogger(t)
	l.StartLogging()

	source.Dispatch(DOMEvent{Kind: EventMouseMove, ClientX: 1})
	clock.Advance(40 * time.Millisecond)
	source.Dispatch(DOMEvent{Kind: EventMouseMove, ClientX: 2})
	clock.Advance(70 * time.Millisecond)
	source.Dispatch(DOMEvent{Kind: EventMouseMove, ClientX: 3})

	actions := l.UserActions()
	require.Len(t, actions, 2)
	assert.Equal(t, float64(1), actions[0].Coordinates.X)
	assert.Equal(t, float64(3), actions[1].Coordinates.X)
}

func TestEventTypesMapping(t *testing.T) {
	l, source, _ := newTestLogger(t)
	l.StartLogging()

	source.Dispatch(DOMEvent{Kind: EventFocusIn, Target: Target{Tag: "INPUT"}})
	source.Dispatch(DOMEvent{Kind: EventFocusOut, Target: Target{Tag: "INPUT"}})
	source.Dispatch(DOMEvent{Kind: EventSubmit, Target: Target{ID: "signup"}, FormMethod: "post"})
	source.Dispatch(DOMEvent{Kind: EventResize, Width: 800, Height: 600})
	source.Dispatch(DOMEvent{Kind: EventScroll, ScrollTop: 120, Target: Target{Tag: "HTML"}})

	actions := l.UserActions()
	require.Len(t, actions, 5)
	assert.Equal(t, shared.ActionFocus, actions[0].Type)
	assert.Equal(t, shared.ActionBlur, actions[1].Type)
	assert.Equal(t, shared.ActionFormSubmit, actions[2].Type)
	assert.Equal(t, "FORM", actions[2].Element)
	assert.Equal(t, "signup", actions[2].Data["formId"])
	assert.Equal(t, shared.ActionResize, actions[3].Type)
	assert.Equal(t, 800, actions[3].Data["width"])
	assert.Equal(t, shared.ActionScroll, actions[4].Type)
}

func TestUserActions_ReturnsCopy(t *testing.T) {
	l, _, _ := newTestLogger(t)
	l.StartLogging()
	l.LogAction(shared.ActionClick, map[string]any{"k": "v"}, &shared.Coordinates{X: 1, Y: 2}, "DIV")

	snapshot := l.UserActions()
	snapshot[0].Data["k"] = "mutated"
	snapshot[0].Coordinates.X = 99
	snapshot = append(snapshot, shared.UserAction{})

	fresh := l.UserActions()
	require.Len(t, fresh, 1)
	assert.Equal(t, "v", fresh[0].Data["k"])
	assert.Equal(t, float64(1), fresh[0].Coordinates.X)
}

func TestClearActions_KeepsStartTime(t *testing.T) {
	l, _, clock := newTestLogger(t)
	start := l.SessionData().StartTime
	l.StartLogging()
	l.LogAction(shared.ActionClick, nil, nil, "")
	clock.Advance(time.Second)

	l.ClearActions()

	data := l.SessionData()
	assert.Empty(t, data.UserActions)
	assert.Equal(t, 0, data.Analytics.Interactions)
	assert.Equal(t, start, data.StartTime)
}

func TestNilSource_ExplicitActionsOnly(t *testing.T) {
	l := New("sess-2", nil)
	l.StartLogging()
	assert.True(t, l.LogAction(shared.ActionNavigation, map[string]any{"to": "/docs"}, nil, ""))
	l.StopLogging()
	assert.Len(t, l.UserActions(), 1)
}

type failingSource struct{}

func (failingSource) Subscribe([]EventKind, bool, func(DOMEvent)) (Subscription, error) {
	return nil, errors.New("no DOM")
}

func TestSubscribeFailure_DegradesToExplicitActions(t *testing.T) {
	l := New("sess-3", failingSource{})
	l.StartLogging()
	assert.True(t, l.IsLogging())
	assert.True(t, l.LogAction(shared.ActionFormSubmit, nil, nil, "FORM"))
	l.StopLogging()
}

func TestExportSessionData_RoundTrip(t *testing.T) {
	l, source, clock := newTestLogger(t)
	l.StartLogging()
	source.Dispatch(DOMEvent{Kind: EventClick, ClientX: 5, ClientY: 6})
	clock.Advance(10 * time.Millisecond)
	l.LogAction(shared.ActionNavigation, map[string]any{"to": "https://x.example"}, nil, "")
	clock.Advance(990 * time.Millisecond)
	l.StopLogging()

	out, err := l.ExportSessionData()
	require.NoError(t, err)

	var decoded shared.SessionData
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Len(t, decoded.UserActions, 2)
	assert.Equal(t, 2, decoded.Analytics.Interactions)
	require.NotNil(t, decoded.EndTime)
	assert.Equal(t, *decoded.EndTime-decoded.StartTime, decoded.Duration)
	assert.Len(t, decoded.Analytics.HeatmapData, 1)
	assert.Len(t, decoded.Analytics.UserJourney, 1)

	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &raw))
	for _, key := range []string{"sessionId", "startTime", "endTime", "duration", "userActions", "analytics"} {
		assert.Contains(t, raw, key)
	}
}

var dispatchableKinds = []EventKind{
	EventClick, EventScroll, EventKeyDown, EventFocusIn, EventFocusOut, EventSubmit, EventResize,
}

var kindToAction = map[EventKind]shared.ActionType{
	EventClick:    shared.ActionClick,
	EventScroll:   shared.ActionScroll,
	EventKeyDown:  shared.ActionKeypress,
	EventFocusIn:  shared.ActionFocus,
	EventFocusOut: shared.ActionBlur,
	EventSubmit:   shared.ActionFormSubmit,
	EventResize:   shared.ActionResize,
}

func TestProperty_DispatchOrderPreserved(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		clock := newFakeClock()
		source := NewDispatcher()
		l := New("prop", source, WithClock(clock.Now))
		l.StartLogging()

		kinds := rapid.SliceOf(rapid.SampledFrom(dispatchableKinds)).Draw(t, "kinds")
		for _, k := range kinds {
			clock.Advance(time.Duration(rapid.IntRange(0, 50).Draw(t, "gap_ms")) * time.Millisecond)
			source.Dispatch(DOMEvent{Kind: k, Key: "Enter"})
		}

		actions := l.UserActions()
		require.Len(t, actions, len(kinds))
		for i, a := range actions {
			assert.Equal(t, kindToAction[kinds[i]], a.Type)
			if i > 0 {
				assert.GreaterOrEqual(t, a.Timestamp, actions[i-1].Timestamp)
			}
		}
		assert.Equal(t, len(actions), l.AnalyticsData().Interactions)
	})
}

func TestProperty_NoActionsOutsideLoggingWindow(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		source := NewDispatcher()
		l := New("gate", source)

		before := rapid.IntRange(0, 10).Draw(t, "before")
		inside := rapid.IntRange(0, 10).Draw(t, "inside")
		after := rapid.IntRange(0, 10).Draw(t, "after")

		for range before {
			l.LogAction(shared.ActionHover, nil, nil, "")
			source.Dispatch(DOMEvent{Kind: EventClick})
		}
		l.StartLogging()
		for range inside {
			l.LogAction(shared.ActionHover, nil, nil, "")
		}
		l.StopLogging()
		for range after {
			l.LogAction(shared.ActionHover, nil, nil, "")
			source.Dispatch(DOMEvent{Kind: EventClick})
		}

		assert.Len(t, l.UserActions(), inside)
		assert.Equal(t, 0, source.Active())
	})
}

func TestTimestamps_ClampedWhenClockStepsBack(t *testing.T) {
	clock := newFakeClock()
	l := New("skew", nil, WithClock(clock.Now))
	l.StartLogging()

	l.LogAction(shared.ActionClick, nil, nil, "")
	clock.Advance(-5 * time.Second)
	l.LogAction(shared.ActionClick, nil, nil, "")

	actions := l.UserActions()
	require.Len(t, actions, 2)
	assert.Equal(t, actions[0].Timestamp, actions[1].Timestamp)
}
