// Package tracking coordinates one session's action logging and screen
// recording behind a single lifecycle.
package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/iter8/tracker-node/internal/actionlog"
	"github.com/iter8/tracker-node/internal/recorder"
	"github.com/iter8/tracker-node/pkg/shared"
)

// Stats summarises a session for dashboards.
type Stats struct {
	TotalActions       int                    `json:"totalActions"`
	SessionDuration    int64                  `json:"sessionDuration"`
	ActionTypes        map[string]int         `json:"actionTypes"`
	HasScreenRecording bool                   `json:"hasScreenRecording"`
	RecordingStatus    shared.RecordingStatus `json:"recordingStatus"`
}

// Tracker owns one session. Action logging always runs; screen recording is
// best effort and its failures never abort the session.
type Tracker struct {
	sessionID string
	actions   *actionlog.Logger
	recorder  *recorder.Recorder
	log       *slog.Logger

	mu        sync.Mutex
	recording bool
	inflight  *stopCall

	// final is the aggregate of the last stop. It is dropped as soon as the
	// live log moves on; lastRec keeps the recording it carried.
	final   *shared.SessionData
	lastRec *shared.ScreenRecording
}

// stopCall is a StopTracking in progress. Concurrent callers wait on done
// and share its result.
type stopCall struct {
	done chan struct{}
	data *shared.SessionData
	err  error
}

type Config struct {
	SessionID string
	// Events feeds the action logger. Nil limits logging to explicit actions.
	Events actionlog.EventSource
	// Recorder is optional; without it the session never records video.
	Recorder *recorder.Recorder
	Logger   *slog.Logger
	// LoggerOptions are passed to the action logger.
	LoggerOptions []actionlog.Option
}

func New(cfg Config) *Tracker {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	opts := append([]actionlog.Option{actionlog.WithLogger(log)}, cfg.LoggerOptions...)
	rec := cfg.Recorder
	if rec == nil {
		rec = recorder.New(cfg.SessionID, nil, recorder.WithLogger(log))
	}
	return &Tracker{
		sessionID: cfg.SessionID,
		actions:   actionlog.New(cfg.SessionID, cfg.Events, opts...),
		recorder:  rec,
		log:       log.With("session_id", cfg.SessionID, "component", "tracking"),
	}
}

func (t *Tracker) SessionID() string { return t.sessionID }

// StartTracking starts action logging and, when the runtime supports it,
// screen recording. A recording failure is logged and tracking continues.
func (t *Tracker) StartTracking(ctx context.Context) error {
	t.actions.StartLogging()

	t.mu.Lock()
	already := t.recording
	t.final = nil
	if !already {
		t.lastRec = nil
	}
	t.mu.Unlock()
	if already {
		return nil
	}

	if !t.recorder.Supported() {
		t.log.Info("screen recording not supported, continuing with action logging only")
		return nil
	}

	if _, err := t.recorder.StartRecording(ctx); err != nil {
		t.log.Warn("screen recording not available, continuing with action logging only", "error", err)
		return nil
	}

	t.mu.Lock()
	t.recording = true
	t.mu.Unlock()
	t.log.Info("tracking started with screen recording")
	return nil
}

// StopTracking ends the session and returns the final aggregate. Stopping a
// stopped session returns the same aggregate again, and a stop that is still
// running is joined rather than repeated.
func (t *Tracker) StopTracking(ctx context.Context) (*shared.SessionData, error) {
	t.mu.Lock()
	if call := t.inflight; call != nil {
		t.mu.Unlock()
		select {
		case <-call.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if call.err != nil {
			return nil, call.err
		}
		out := cloneSessionData(*call.data)
		return &out, nil
	}
	if t.final != nil {
		out := cloneSessionData(*t.final)
		t.mu.Unlock()
		return &out, nil
	}
	call := &stopCall{done: make(chan struct{})}
	t.inflight = call
	t.mu.Unlock()

	data, err := t.stop(ctx)

	t.mu.Lock()
	t.inflight = nil
	if err == nil {
		t.final = data
		call.data = data
	}
	call.err = err
	t.mu.Unlock()
	close(call.done)

	if err != nil {
		return nil, err
	}
	out := cloneSessionData(*data)
	return &out, nil
}

func (t *Tracker) stop(ctx context.Context) (*shared.SessionData, error) {
	t.actions.StopLogging()

	t.mu.Lock()
	wasRecording := t.recording
	t.recording = false
	rec := t.lastRec.Clone()
	t.mu.Unlock()

	if wasRecording {
		var err error
		rec, err = t.recorder.StopRecording(ctx)
		if err != nil {
			t.recorder.ForceRemoveIndicator()
			return nil, fmt.Errorf("stop recording: %w", err)
		}
		t.mu.Lock()
		t.lastRec = rec.Clone()
		t.mu.Unlock()
	} else {
		t.recorder.ForceRemoveIndicator()
	}

	data := t.actions.SessionData()
	data.ScreenRecording = rec
	data.Analytics.ScreenRecording = rec.Clone()

	t.log.Info("tracking stopped", "actions", len(data.UserActions),
		"duration_ms", data.Duration, "recording_status", t.recorder.Status())
	return &data, nil
}

// PauseTracking stops the action observers and pauses recording. Actions
// raised before ResumeTracking are not recorded.
func (t *Tracker) PauseTracking() {
	t.actions.StopLogging()
	if t.isRecording() {
		t.recorder.PauseRecording()
	}
}

// ResumeTracking restarts the action observers and resumes recording. After
// a stop it reopens the live log; the stopped recording is kept.
func (t *Tracker) ResumeTracking() {
	t.dropFinal()
	t.actions.StartLogging()
	if t.isRecording() {
		t.recorder.ResumeRecording()
	}
}

// LogCustomAction records a caller-raised action such as an explicit
// navigation from the embedding page. It reports whether it was recorded.
func (t *Tracker) LogCustomAction(actionType shared.ActionType, data map[string]any, coordinates *shared.Coordinates, element string) bool {
	return t.actions.LogAction(actionType, data, coordinates, element)
}

func (t *Tracker) UpdateCurrentURL(url string) {
	t.actions.SetCurrentURL(url)
}

func (t *Tracker) CurrentURL() string {
	return t.actions.CurrentURL()
}

func (t *Tracker) SetRecordingTarget(target *recorder.Target) {
	t.recorder.SetTarget(target)
}

func (t *Tracker) IsLogging() bool {
	return t.actions.IsLogging()
}

// CurrentAnalytics returns the analytics view, including the live recording
// descriptor while one is running.
func (t *Tracker) CurrentAnalytics() shared.AnalyticsData {
	analytics := t.actions.AnalyticsData()
	if t.isRecording() {
		analytics.ScreenRecording = t.recorder.CurrentRecording()
	}
	return analytics
}

// CurrentSessionData returns the final aggregate while the session is
// stopped and the live one otherwise.
func (t *Tracker) CurrentSessionData() shared.SessionData {
	t.mu.Lock()
	final := t.final
	t.mu.Unlock()
	if final != nil {
		return cloneSessionData(*final)
	}

	data := t.actions.SessionData()
	t.mu.Lock()
	live := t.recording || t.inflight != nil
	rec := t.lastRec.Clone()
	t.mu.Unlock()
	if live {
		rec = t.recorder.CurrentRecording()
	}
	if rec != nil {
		data.ScreenRecording = rec
		data.Analytics.ScreenRecording = rec.Clone()
	}
	return data
}

func (t *Tracker) SessionStats() Stats {
	data := t.actions.SessionData()
	types := make(map[string]int)
	for _, a := range data.UserActions {
		types[string(a.Type)]++
	}
	return Stats{
		TotalActions:       len(data.UserActions),
		SessionDuration:    data.Duration,
		ActionTypes:        types,
		HasScreenRecording: t.isRecording(),
		RecordingStatus:    t.recorder.Status(),
	}
}

func (t *Tracker) RecordingStatus() shared.RecordingStatus {
	return t.recorder.Status()
}

func (t *Tracker) IsScreenRecordingSupported() bool {
	return t.recorder.Supported()
}

func (t *Tracker) SupportedRecordingFormats() []string {
	return t.recorder.SupportedFormats()
}

// ExportSessionData renders CurrentSessionData as indented JSON.
func (t *Tracker) ExportSessionData() (string, error) {
	out, err := json.MarshalIndent(t.CurrentSessionData(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal session data: %w", err)
	}
	return string(out), nil
}

// ClearData empties the live action log.
func (t *Tracker) ClearData() {
	t.dropFinal()
	t.actions.ClearActions()
}

func (t *Tracker) dropFinal() {
	t.mu.Lock()
	t.final = nil
	t.mu.Unlock()
}

// ForceCleanup releases observers, media and overlay whatever state the
// session is in. Safe to call repeatedly, including before StartTracking.
func (t *Tracker) ForceCleanup() {
	t.actions.StopLogging()
	t.mu.Lock()
	t.recording = false
	t.mu.Unlock()
	t.recorder.Abort()
	t.recorder.ForceRemoveIndicator()
}

func (t *Tracker) isRecording() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recording
}

func cloneSessionData(d shared.SessionData) shared.SessionData {
	out := d
	out.UserActions = slices.Clone(d.UserActions)
	out.Analytics.UserActions = slices.Clone(d.Analytics.UserActions)
	out.Analytics.HeatmapData = slices.Clone(d.Analytics.HeatmapData)
	out.Analytics.UserJourney = slices.Clone(d.Analytics.UserJourney)
	out.ScreenRecording = d.ScreenRecording.Clone()
	out.Analytics.ScreenRecording = d.Analytics.ScreenRecording.Clone()
	if d.EndTime != nil {
		end := *d.EndTime
		out.EndTime = &end
	}
	return out
}
