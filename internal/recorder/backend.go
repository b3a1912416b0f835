package recorder

import (
	"context"
	"errors"
	"time"

	"github.com/iter8/tracker-node/pkg/shared"
)

var (
	ErrUnsupported      = errors.New("screen recording not supported")
	ErrPermissionDenied = errors.New("screen recording permission denied")
	ErrFault            = errors.New("screen recording fault")
	ErrAlreadyActive    = errors.New("screen recording already active")
)

// Constraints are the ideal stream parameters requested from the runtime.
type Constraints struct {
	Width     int  `json:"width"`
	Height    int  `json:"height"`
	FrameRate int  `json:"frameRate"`
	Audio     bool `json:"audio"`
}

// VideoSettings are what the runtime actually granted. Zero values mean the
// runtime did not report them.
type VideoSettings struct {
	Width     int `json:"width"`
	Height    int `json:"height"`
	FrameRate int `json:"frameRate"`
}

type RecorderOptions struct {
	MimeType           string        `json:"mimeType"`
	VideoBitsPerSecond int           `json:"videoBitsPerSecond"`
	Timeslice          time.Duration `json:"-"`
}

// RecorderEvents are the callbacks a MediaRecorder raises. OnData delivers
// chunks in order and every chunk is delivered before OnStop.
type RecorderEvents struct {
	OnData  func(chunk []byte)
	OnError func(err error)
	OnStop  func()
}

// CaptureBackend grants display streams. RequestDisplay blocks until the
// user answers the capture picker; a refusal is reported as
// ErrPermissionDenied.
type CaptureBackend interface {
	Supported() bool
	IsTypeSupported(mimeType string) bool
	RequestDisplay(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is a granted display capture. StopTracks releases it.
type Stream interface {
	Settings() VideoSettings
	NewMediaRecorder(opts RecorderOptions, events RecorderEvents) (MediaRecorder, error)
	StopTracks()
}

// MediaRecorder encodes a Stream. Stop is asynchronous: completion is
// signalled through RecorderEvents.OnStop.
type MediaRecorder interface {
	Start() error
	Pause() error
	Resume() error
	Stop() error
}

type IndicatorState string

const (
	IndicatorRecording IndicatorState = "REC"
	IndicatorPaused    IndicatorState = "PAU"
)

// Indicator draws the overlay marking the region being recorded.
type Indicator interface {
	Show(rect shared.Rect, state IndicatorState) error
	Update(state IndicatorState) error
	Remove() error
}

// BlobStore keeps finished videos and returns an address for playback.
type BlobStore interface {
	PutBlob(ctx context.Context, sessionID string, data []byte, contentType string) (string, error)
}

// Target is the page region highlighted while recording.
type Target struct {
	Selector string      `json:"selector"`
	Rect     shared.Rect `json:"rect"`
}

var preferredFormats = []string{
	"video/webm;codecs=vp9",
	"video/webm;codecs=vp8",
	"video/webm",
	"video/mp4",
}

// IsSupported reports whether backend can capture the display at all.
func IsSupported(backend CaptureBackend) bool {
	return backend != nil && backend.Supported()
}

// SupportedFormats lists the container/codec pairs backend can encode, most
// preferred first.
func SupportedFormats(backend CaptureBackend) []string {
	if !IsSupported(backend) {
		return nil
	}
	var formats []string
	for _, f := range preferredFormats {
		if backend.IsTypeSupported(f) {
			formats = append(formats, f)
		}
	}
	return formats
}
