package models

import (
	"time"

	"github.com/iter8/tracker-node/pkg/shared"
)

type CreateSessionRequest struct {
	URL           string `json:"url"`
	RemoteBrowser bool   `json:"remote_browser"`
}

type CreateSessionResponse struct {
	SessionID string    `json:"session_id"`
	AgentURL  string    `json:"agent_url"`
	VNCURL    string    `json:"vnc_url,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

type OpenURLRequest struct {
	URL string `json:"url" binding:"required"`
}

type LogActionRequest struct {
	Type        string              `json:"type" binding:"required"`
	Data        map[string]any      `json:"data"`
	Coordinates *shared.Coordinates `json:"coordinates"`
	Element     string              `json:"element"`
}

type LogActionResponse struct {
	Recorded bool `json:"recorded"`
}

type TargetRequest struct {
	Selector string      `json:"selector"`
	Rect     shared.Rect `json:"rect"`
}

type SessionStatus struct {
	SessionID        string                 `json:"session_id"`
	Logging          bool                   `json:"logging"`
	RecordingStatus  shared.RecordingStatus `json:"recording_status"`
	RecordingSupport bool                   `json:"screen_recording_supported"`
	SupportedFormats []string               `json:"supported_formats"`
	AgentConnected   bool                   `json:"agent_connected"`
	AgentPageURL     string                 `json:"agent_page_url,omitempty"`
	CurrentURL       string                 `json:"current_url"`
	ExpiresAt        time.Time              `json:"expires_at"`
}

// StopResponse is the final session together with where it was stored.
type StopResponse struct {
	Session      *shared.SessionData `json:"session"`
	ManifestHash string              `json:"manifest_hash"`
	RecordingURL string              `json:"recording_url,omitempty"`
}

type SummarizeRequest struct {
	Text string `json:"text"`
}

type SummarizeResponse struct {
	Summary string `json:"summary"`
}

type RecordingList struct {
	Sessions []string `json:"sessions"`
}

// RecordingLink is a time-limited download URL for a stored video.
type RecordingLink struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}
