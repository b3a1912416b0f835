// Package agent bridges a tracking session to the in-page agent running next
// to the embedded site. The agent forwards DOM events, owns the browser's
// capture APIs and draws the recording overlay; the bridge exposes those as
// an actionlog.EventSource, a recorder.CaptureBackend and a
// recorder.Indicator over a single WebSocket.
package agent

import (
	"github.com/iter8/tracker-node/internal/actionlog"
	"github.com/iter8/tracker-node/internal/recorder"
	"github.com/iter8/tracker-node/pkg/shared"
)

// Message types sent by the agent.
const (
	TypeHello              = "hello"
	TypeDOMEvent           = "dom_event"
	TypeCaptureGranted     = "capture_granted"
	TypeCaptureDenied      = "capture_denied"
	TypeCaptureUnsupported = "capture_unsupported"
	TypeRecorderStopped    = "recorder_stopped"
	TypeRecorderError      = "recorder_error"
)

// Message types sent to the agent.
const (
	TypeSubscribe       = "subscribe"
	TypeUnsubscribe     = "unsubscribe"
	TypeCaptureRequest  = "capture_request"
	TypeRecorderStart   = "recorder_start"
	TypeRecorderPause   = "recorder_pause"
	TypeRecorderResume  = "recorder_resume"
	TypeRecorderStop    = "recorder_stop"
	TypeStreamStop      = "stream_stop"
	TypeIndicatorShow   = "indicator_show"
	TypeIndicatorUpdate = "indicator_update"
	TypeIndicatorRemove = "indicator_remove"
)

// Message is one JSON text frame. Recorder data travels separately as
// binary frames, in order, for the single active recorder.
type Message struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	Event   *actionlog.DOMEvent   `json:"event,omitempty"`
	Kinds   []actionlog.EventKind `json:"kinds,omitempty"`
	Capture bool                  `json:"capture,omitempty"`

	Supported bool     `json:"supported,omitempty"`
	MimeTypes []string `json:"mimeTypes,omitempty"`
	URL       string   `json:"url,omitempty"`

	Constraints *recorder.Constraints     `json:"constraints,omitempty"`
	Options     *recorder.RecorderOptions `json:"options,omitempty"`
	TimesliceMS int64                     `json:"timesliceMs,omitempty"`
	Settings    *recorder.VideoSettings   `json:"settings,omitempty"`

	Rect  *shared.Rect `json:"rect,omitempty"`
	State string       `json:"state,omitempty"`

	Error string `json:"error,omitempty"`
}
