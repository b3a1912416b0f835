// Package recordertest provides in-memory capture backends and indicators
// for exercising the recorder without a browser.
package recordertest

import (
	"context"
	"errors"
	"sync"

	"github.com/iter8/tracker-node/internal/recorder"
	"github.com/iter8/tracker-node/pkg/shared"
)

// Backend is a scriptable CaptureBackend. The zero value is unsupported;
// use NewBackend for a working one.
type Backend struct {
	mu          sync.Mutex
	supported   bool
	mimeTypes   map[string]bool
	denyErr     error
	settings    recorder.VideoSettings
	streams     []*Stream
	requests    int
	recorderErr error
}

func NewBackend() *Backend {
	return &Backend{
		supported: true,
		mimeTypes: map[string]bool{
			"video/webm;codecs=vp8": true,
			"video/webm":            true,
		},
		settings: recorder.VideoSettings{Width: 1280, Height: 720, FrameRate: 30},
	}
}

// Unsupported returns a backend whose capability check fails.
func Unsupported() *Backend {
	return &Backend{}
}

// Deny makes every RequestDisplay fail with err (ErrPermissionDenied if nil).
func (b *Backend) Deny(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		err = recorder.ErrPermissionDenied
	}
	b.denyErr = err
}

// FailRecorderCreation makes NewMediaRecorder fail with err.
func (b *Backend) FailRecorderCreation(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recorderErr = err
}

func (b *Backend) Supported() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.supported
}

func (b *Backend) IsTypeSupported(mimeType string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mimeTypes[mimeType]
}

func (b *Backend) RequestDisplay(ctx context.Context, _ recorder.Constraints) (recorder.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.denyErr != nil {
		return nil, b.denyErr
	}
	s := &Stream{backend: b, settings: b.settings}
	b.streams = append(b.streams, s)
	return s, nil
}

// Requests counts RequestDisplay calls.
func (b *Backend) Requests() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests
}

// LastStream returns the most recently granted stream, or nil.
func (b *Backend) LastStream() *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.streams) == 0 {
		return nil
	}
	return b.streams[len(b.streams)-1]
}

type Stream struct {
	backend  *Backend
	settings recorder.VideoSettings

	mu       sync.Mutex
	stopped  bool
	recorder *MediaRecorder
}

func (s *Stream) Settings() recorder.VideoSettings { return s.settings }

func (s *Stream) NewMediaRecorder(opts recorder.RecorderOptions, events recorder.RecorderEvents) (recorder.MediaRecorder, error) {
	s.backend.mu.Lock()
	err := s.backend.recorderErr
	s.backend.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m := &MediaRecorder{opts: opts, events: events, state: "inactive"}
	s.mu.Lock()
	s.recorder = m
	s.mu.Unlock()
	return m, nil
}

func (s *Stream) StopTracks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

// TracksStopped reports whether StopTracks was called.
func (s *Stream) TracksStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Stream) Recorder() *MediaRecorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recorder
}

// MediaRecorder emits chunks on demand. Stop flushes a pending chunk, if
// any, and then raises OnStop unless HoldStop was called.
type MediaRecorder struct {
	opts   recorder.RecorderOptions
	events recorder.RecorderEvents

	mu       sync.Mutex
	state    string
	pending  []byte
	holdStop bool
}

func (m *MediaRecorder) Options() recorder.RecorderOptions { return m.opts }

func (m *MediaRecorder) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MediaRecorder) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != "inactive" {
		return errors.New("recorder already started")
	}
	m.state = "recording"
	return nil
}

func (m *MediaRecorder) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = "paused"
	return nil
}

func (m *MediaRecorder) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = "recording"
	return nil
}

func (m *MediaRecorder) Stop() error {
	m.mu.Lock()
	m.state = "inactive"
	pending := m.pending
	m.pending = nil
	hold := m.holdStop
	m.mu.Unlock()

	if len(pending) > 0 {
		m.events.OnData(pending)
	}
	if !hold {
		m.events.OnStop()
	}
	return nil
}

// Emit delivers chunk as a timeslice of data.
func (m *MediaRecorder) Emit(chunk []byte) {
	m.events.OnData(chunk)
}

// Buffer holds chunk back until Stop, like an in-flight timeslice.
func (m *MediaRecorder) Buffer(chunk []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, chunk...)
}

// HoldStop keeps Stop from raising OnStop, so callers block until Release,
// Fail or their context ends.
func (m *MediaRecorder) HoldStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdStop = true
}

// Release raises the OnStop that HoldStop kept back.
func (m *MediaRecorder) Release() {
	m.mu.Lock()
	m.holdStop = false
	m.mu.Unlock()
	m.events.OnStop()
}

// Fail raises a recorder error event.
func (m *MediaRecorder) Fail(err error) {
	m.events.OnError(err)
}

// Indicator records overlay calls.
type Indicator struct {
	mu        sync.Mutex
	visible   bool
	state     recorder.IndicatorState
	rect      shared.Rect
	shows     int
	removes   int
	removeErr error
}

func (i *Indicator) Show(rect shared.Rect, s recorder.IndicatorState) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.visible = true
	i.rect = rect
	i.state = s
	i.shows++
	return nil
}

func (i *Indicator) Update(s recorder.IndicatorState) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = s
	return nil
}

func (i *Indicator) Remove() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.removes++
	i.visible = false
	return i.removeErr
}

// FailRemove makes Remove report err while still hiding the overlay.
func (i *Indicator) FailRemove(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.removeErr = err
}

func (i *Indicator) Visible() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.visible
}

func (i *Indicator) State() recorder.IndicatorState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Indicator) Removes() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.removes
}
