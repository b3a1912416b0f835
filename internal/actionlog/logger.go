// Package actionlog turns DOM interaction events into an ordered log of
// UserAction records for one session.
package actionlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iter8/tracker-node/pkg/shared"
)

const mouseMoveInterval = 100 * time.Millisecond

// Logger records UserActions while logging is active. All methods are safe
// for concurrent use.
type Logger struct {
	sessionID string
	source    EventSource
	now       func() time.Time
	log       *slog.Logger

	mu            sync.Mutex
	logging       bool
	sub           Subscription
	startTime     int64
	endTime       *int64
	duration      int64
	currentURL    string
	actions       []shared.UserAction
	lastTimestamp int64
	lastMouseMove time.Time
}

type Option func(*Logger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(l *Logger) { l.log = log }
}

// New creates a logger for sessionID. source may be nil, in which case only
// actions pushed through LogAction are recorded.
func New(sessionID string, source EventSource, opts ...Option) *Logger {
	l := &Logger{
		sessionID: sessionID,
		source:    source,
		now:       time.Now,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With("session_id", sessionID, "component", "actionlog")
	l.startTime = l.now().UnixMilli()
	return l
}

// StartLogging subscribes to the event source. Calling it while already
// logging does nothing.
func (l *Logger) StartLogging() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logging {
		return
	}
	l.logging = true

	if l.source == nil {
		l.log.Info("action logging started without event source")
		return
	}

	sub, err := l.source.Subscribe(ObservedKinds, true, l.handleEvent)
	if err != nil {
		l.log.Warn("event subscription unavailable, logging explicit actions only", "error", err)
		return
	}
	l.sub = sub
	l.log.Info("action logging started")
}

// StopLogging closes the subscription and stamps the session end time.
func (l *Logger) StopLogging() {
	l.mu.Lock()
	if !l.logging {
		l.mu.Unlock()
		return
	}
	l.logging = false
	sub := l.sub
	l.sub = nil
	end := l.now().UnixMilli()
	if end < l.startTime {
		end = l.startTime
	}
	l.endTime = &end
	l.duration = end - l.startTime
	l.mu.Unlock()

	// Close outside the lock: a source may wait for an in-flight handler,
	// which itself needs l.mu.
	if sub != nil {
		if err := sub.Close(); err != nil {
			l.log.Warn("closing event subscription", "error", err)
		}
	}
	l.log.Info("action logging stopped")
}

// IsLogging reports whether actions are currently being recorded.
func (l *Logger) IsLogging() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.logging
}

// LogAction appends one action and reports whether it was recorded. Actions
// logged while inactive are dropped.
func (l *Logger) LogAction(actionType shared.ActionType, data map[string]any, coordinates *shared.Coordinates, element string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(actionType, data, coordinates, element)
}

func (l *Logger) appendLocked(actionType shared.ActionType, data map[string]any, coordinates *shared.Coordinates, element string) bool {
	if !l.logging {
		return false
	}

	ts := l.now().UnixMilli()
	if ts < l.lastTimestamp {
		ts = l.lastTimestamp
	}
	l.lastTimestamp = ts

	action := shared.UserAction{
		ID:        l.actionID(ts),
		Type:      actionType,
		Timestamp: ts,
		URL:       l.currentURL,
		Element:   element,
		Data:      maps.Clone(data),
		SessionID: l.sessionID,
	}
	if coordinates != nil {
		c := *coordinates
		action.Coordinates = &c
	}

	l.actions = append(l.actions, action)
	l.log.Debug("user action logged", "type", actionType, "id", action.ID)
	return true
}

func (l *Logger) actionID(ts int64) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%s_%d_%s", l.sessionID, ts, suffix)
}

// SetCurrentURL sets the URL attached to actions logged from now on.
func (l *Logger) SetCurrentURL(url string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.currentURL = url
}

func (l *Logger) CurrentURL() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentURL
}

// UserActions returns a copy of the log in capture order.
func (l *Logger) UserActions() []shared.UserAction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneActions(l.actions)
}

// SessionData returns a snapshot of the session aggregate.
func (l *Logger) SessionData() shared.SessionData {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionDataLocked()
}

func (l *Logger) sessionDataLocked() shared.SessionData {
	actions := cloneActions(l.actions)
	data := shared.SessionData{
		SessionID:   l.sessionID,
		StartTime:   l.startTime,
		Duration:    l.duration,
		UserActions: actions,
		Analytics:   shared.BuildAnalytics(actions, l.duration),
	}
	if l.endTime != nil {
		end := *l.endTime
		data.EndTime = &end
	}
	return data
}

// AnalyticsData returns the derived analytics view.
func (l *Logger) AnalyticsData() shared.AnalyticsData {
	l.mu.Lock()
	defer l.mu.Unlock()
	return shared.BuildAnalytics(cloneActions(l.actions), l.duration)
}

// ClearActions empties the log. The session start time is kept.
func (l *Logger) ClearActions() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.actions = nil
}

// ExportSessionData renders the session aggregate as indented JSON.
func (l *Logger) ExportSessionData() (string, error) {
	data := l.SessionData()
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal session data: %w", err)
	}
	return string(out), nil
}

func cloneActions(actions []shared.UserAction) []shared.UserAction {
	out := make([]shared.UserAction, len(actions))
	for i, a := range actions {
		out[i] = a
		out[i].Data = maps.Clone(a.Data)
		if a.Coordinates != nil {
			c := *a.Coordinates
			out[i].Coordinates = &c
		}
	}
	return out
}
