// Package recorder captures a display stream into a single video blob and
// tracks the attempt through idle, recording, paused, stopped and error.
package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/iter8/tracker-node/pkg/shared"
)

const (
	idealWidth       = 1920
	idealHeight      = 1080
	idealFrameRate   = 30
	videoBitrate     = 2_500_000
	chunkTimeslice   = time.Second
	defaultMimeType  = "video/webm"
	recordingQuality = "medium"
)

// state is one of idleState, pendingState, *activeState, stoppedState or
// *errorState. Only *activeState owns a stream and a chunk buffer, so pause,
// resume and stop are only reachable while one exists.
type state interface {
	status() shared.RecordingStatus
}

type idleState struct{}

func (idleState) status() shared.RecordingStatus { return shared.RecordingIdle }

// pendingState holds while the runtime's capture picker is open.
type pendingState struct{}

func (pendingState) status() shared.RecordingStatus { return shared.RecordingIdle }

type activeState struct {
	stream     Stream
	media      MediaRecorder
	mimeType   string
	chunks     [][]byte
	paused     bool
	stopping   bool
	finalizing bool // flushed, blob being stored
	done       chan struct{}
	doneOnce   sync.Once
}

func (s *activeState) status() shared.RecordingStatus {
	if s.paused {
		return shared.RecordingPaused
	}
	return shared.RecordingRecording
}

func (s *activeState) signalDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

type stoppedState struct{}

func (stoppedState) status() shared.RecordingStatus { return shared.RecordingStopped }

type errorState struct {
	err       error
	collected bool
}

func (*errorState) status() shared.RecordingStatus { return shared.RecordingError }

// Recorder runs screen recording attempts for one session. It is safe for
// concurrent use.
type Recorder struct {
	sessionID string
	backend   CaptureBackend
	indicator Indicator
	store     BlobStore
	now       func() time.Time
	log       *slog.Logger

	mu             sync.Mutex
	state          state
	current        *shared.ScreenRecording
	target         *Target
	indicatorShown bool
}

type Option func(*Recorder)

func WithIndicator(indicator Indicator) Option {
	return func(r *Recorder) { r.indicator = indicator }
}

func WithBlobStore(store BlobStore) Option {
	return func(r *Recorder) { r.store = store }
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(r *Recorder) { r.log = log }
}

// New returns an idle recorder. A nil backend makes every start fail with
// ErrUnsupported.
func New(sessionID string, backend CaptureBackend, opts ...Option) *Recorder {
	r := &Recorder{
		sessionID: sessionID,
		backend:   backend,
		now:       time.Now,
		log:       slog.Default(),
		state:     idleState{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.store == nil {
		r.store = NewMemoryBlobStore()
	}
	r.log = r.log.With("session_id", sessionID, "component", "recorder")
	return r
}

func (r *Recorder) Supported() bool {
	return IsSupported(r.backend)
}

func (r *Recorder) SupportedFormats() []string {
	return SupportedFormats(r.backend)
}

// SetTarget sets the region the indicator outlines on the next start. The
// captured area itself is whatever the user picks in the capture dialog.
func (r *Recorder) SetTarget(target *Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if target == nil {
		r.target = nil
		return
	}
	t := *target
	r.target = &t
}

// StartRecording asks the runtime for a display stream and starts encoding
// it. Failures wrap ErrUnsupported, ErrPermissionDenied or ErrFault.
func (r *Recorder) StartRecording(ctx context.Context) (*shared.ScreenRecording, error) {
	r.mu.Lock()
	switch r.state.(type) {
	case *activeState, pendingState:
		r.mu.Unlock()
		return nil, ErrAlreadyActive
	}
	if !IsSupported(r.backend) {
		r.mu.Unlock()
		return nil, fmt.Errorf("start recording: %w", ErrUnsupported)
	}
	prev := r.state
	r.state = pendingState{}
	target := r.target
	r.mu.Unlock()

	if target != nil {
		r.showIndicator(target.Rect)
	}

	stream, err := r.backend.RequestDisplay(ctx, Constraints{
		Width:     idealWidth,
		Height:    idealHeight,
		FrameRate: idealFrameRate,
	})
	if err != nil {
		return nil, r.abortStart(prev, nil, classify(err))
	}

	mimeType := defaultMimeType
	if formats := r.SupportedFormats(); len(formats) > 0 {
		mimeType = formats[0]
	}

	as := &activeState{
		stream:   stream,
		mimeType: mimeType,
		done:     make(chan struct{}),
	}
	media, err := stream.NewMediaRecorder(RecorderOptions{
		MimeType:           mimeType,
		VideoBitsPerSecond: videoBitrate,
		Timeslice:          chunkTimeslice,
	}, RecorderEvents{
		OnData:  func(chunk []byte) { r.onData(as, chunk) },
		OnError: func(err error) { r.onError(as, err) },
		OnStop:  as.signalDone,
	})
	if err != nil {
		return nil, r.abortStart(prev, stream, fmt.Errorf("%w: create media recorder: %v", ErrFault, err))
	}
	as.media = media

	settings := stream.Settings()
	rec := &shared.ScreenRecording{
		SessionID: r.sessionID,
		StartTime: r.now().UnixMilli(),
		Status:    shared.RecordingRecording,
		Metadata: shared.RecordingMetadata{
			Resolution: shared.Resolution{
				Width:  orDefault(settings.Width, idealWidth),
				Height: orDefault(settings.Height, idealHeight),
			},
			FrameRate: idealFrameRate,
			Quality:   recordingQuality,
			Format:    formatName(mimeType),
		},
	}

	r.mu.Lock()
	r.state = as
	r.current = rec
	r.mu.Unlock()

	if err := media.Start(); err != nil {
		r.mu.Lock()
		r.state = prev
		r.current = nil
		r.mu.Unlock()
		return nil, r.abortStart(prev, stream, fmt.Errorf("%w: start media recorder: %v", ErrFault, err))
	}

	r.log.Info("screen recording started", "mime_type", mimeType,
		"width", rec.Metadata.Resolution.Width, "height", rec.Metadata.Resolution.Height)
	return rec.Clone(), nil
}

func (r *Recorder) abortStart(prev state, stream Stream, err error) error {
	if stream != nil {
		stream.StopTracks()
	}
	r.mu.Lock()
	if _, ok := r.state.(pendingState); ok {
		r.state = prev
	}
	r.mu.Unlock()
	r.removeIndicator()
	r.log.Warn("screen recording unavailable", "error", err)
	return fmt.Errorf("start recording: %w", err)
}

func classify(err error) error {
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrUnsupported), errors.Is(err, ErrFault):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrFault, err)
	}
}

// PauseRecording is a no-op unless a recording is running.
func (r *Recorder) PauseRecording() {
	r.mu.Lock()
	as, ok := r.state.(*activeState)
	if !ok || as.paused || as.stopping {
		r.mu.Unlock()
		return
	}
	if err := as.media.Pause(); err != nil {
		r.mu.Unlock()
		r.log.Warn("pause media recorder", "error", err)
		return
	}
	as.paused = true
	r.current.Status = shared.RecordingPaused
	r.mu.Unlock()

	r.updateIndicator(IndicatorPaused)
}

// ResumeRecording is a no-op unless a recording is paused.
func (r *Recorder) ResumeRecording() {
	r.mu.Lock()
	as, ok := r.state.(*activeState)
	if !ok || !as.paused || as.stopping {
		r.mu.Unlock()
		return
	}
	if err := as.media.Resume(); err != nil {
		r.mu.Unlock()
		r.log.Warn("resume media recorder", "error", err)
		return
	}
	as.paused = false
	r.current.Status = shared.RecordingRecording
	r.mu.Unlock()

	r.updateIndicator(IndicatorRecording)
}

// StopRecording finalizes the active attempt: it waits for the media
// recorder to flush, assembles the chunks into one blob and stores it. It
// returns nil when nothing was recording. An attempt that failed mid-capture
// is returned once with status error and no URL.
func (r *Recorder) StopRecording(ctx context.Context) (*shared.ScreenRecording, error) {
	r.mu.Lock()
	var as *activeState
	switch st := r.state.(type) {
	case *activeState:
		if st.stopping {
			r.mu.Unlock()
			return nil, nil
		}
		st.stopping = true
		as = st
	case *errorState:
		defer r.mu.Unlock()
		if st.collected {
			return nil, nil
		}
		st.collected = true
		return r.current.Clone(), nil
	default:
		r.mu.Unlock()
		return nil, nil
	}
	r.mu.Unlock()

	if err := as.media.Stop(); err != nil {
		r.onError(as, fmt.Errorf("stop media recorder: %w", err))
	}

	select {
	case <-as.done:
	case <-ctx.Done():
		r.onError(as, ctx.Err())
	}

	r.mu.Lock()
	if es, ok := r.state.(*errorState); ok {
		es.collected = true
		rec := r.current.Clone()
		r.mu.Unlock()
		return rec, nil
	}
	chunks := as.chunks
	as.chunks = nil
	as.finalizing = true
	rec := r.current
	end := r.now().UnixMilli()
	rec.EndTime = &end
	rec.Duration = end - rec.StartTime
	r.mu.Unlock()

	as.stream.StopTracks()
	r.removeIndicator()

	// The attempt stays active until its blob is stored, so the stopped
	// status is never observed without a URL.
	blob := bytes.Join(chunks, nil)
	url, err := r.store.PutBlob(ctx, r.sessionID, blob, contentType(as.mimeType))

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.log.Error("storing recording blob", "error", err, "size", len(blob))
		rec.Status = shared.RecordingError
		r.state = &errorState{err: err, collected: true}
		return rec.Clone(), nil
	}
	rec.RecordingURL = url
	rec.Status = shared.RecordingStopped
	r.state = stoppedState{}
	r.log.Info("screen recording stopped", "chunks", len(chunks), "size", len(blob),
		"duration_ms", rec.Duration, "url", url)
	return rec.Clone(), nil
}

// Abort tears down an active attempt without producing a video. The attempt
// ends in the error state.
func (r *Recorder) Abort() {
	r.mu.Lock()
	as, ok := r.state.(*activeState)
	r.mu.Unlock()
	if !ok {
		r.removeIndicator()
		return
	}
	if err := as.media.Stop(); err != nil {
		r.log.Debug("stopping media recorder during abort", "error", err)
	}
	r.onError(as, errors.New("recording aborted"))
}

func (r *Recorder) onData(as *activeState, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != state(as) || as.finalizing {
		return
	}
	as.chunks = append(as.chunks, bytes.Clone(chunk))
}

// onError moves a live attempt to the error state and releases everything
// it owns, exactly as a stop would.
func (r *Recorder) onError(as *activeState, err error) {
	r.mu.Lock()
	if r.state != state(as) || as.finalizing {
		r.mu.Unlock()
		return
	}
	r.state = &errorState{err: err}
	as.chunks = nil
	end := r.now().UnixMilli()
	r.current.EndTime = &end
	r.current.Duration = end - r.current.StartTime
	r.current.Status = shared.RecordingError
	r.mu.Unlock()

	r.log.Error("screen recording failed", "error", err)
	as.stream.StopTracks()
	as.signalDone()
	r.removeIndicator()
}

// Status returns the state of the latest attempt.
func (r *Recorder) Status() shared.RecordingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return r.state.status()
	}
	return r.current.Status
}

// CurrentRecording returns a copy of the latest attempt, or nil.
func (r *Recorder) CurrentRecording() *shared.ScreenRecording {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.Clone()
}

// ForceRemoveIndicator removes the overlay whatever state the recorder is in.
// It is safe to call any number of times.
func (r *Recorder) ForceRemoveIndicator() {
	r.removeIndicator()
}

func (r *Recorder) showIndicator(rect shared.Rect) {
	if r.indicator == nil {
		return
	}
	if err := r.indicator.Show(rect, IndicatorRecording); err != nil {
		r.log.Warn("showing recording indicator", "error", err)
		return
	}
	r.mu.Lock()
	r.indicatorShown = true
	r.mu.Unlock()
}

func (r *Recorder) updateIndicator(s IndicatorState) {
	r.mu.Lock()
	shown := r.indicatorShown
	r.mu.Unlock()
	if !shown {
		return
	}
	if err := r.indicator.Update(s); err != nil {
		r.log.Warn("updating recording indicator", "error", err)
	}
}

func (r *Recorder) removeIndicator() {
	r.mu.Lock()
	shown := r.indicatorShown
	r.indicatorShown = false
	r.mu.Unlock()
	if !shown {
		return
	}

	defer func() {
		if p := recover(); p != nil {
			r.log.Warn("panic removing recording indicator", "panic", p)
		}
	}()
	if err := r.indicator.Remove(); err != nil {
		r.log.Warn("removing recording indicator", "error", err)
	}
}

func formatName(mimeType string) string {
	if strings.HasPrefix(mimeType, "video/mp4") {
		return "mp4"
	}
	return "webm"
}

func contentType(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	return base
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
