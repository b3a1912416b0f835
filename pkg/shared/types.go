package shared

// ActionType names one kind of captured interaction.
type ActionType string

const (
	ActionClick      ActionType = "click"
	ActionScroll     ActionType = "scroll"
	ActionHover      ActionType = "hover"
	ActionKeypress   ActionType = "keypress"
	ActionNavigation ActionType = "navigation"
	ActionURLChange  ActionType = "url_change"
	ActionPageLoad   ActionType = "page_load"
	ActionFormSubmit ActionType = "form_submit"
	ActionMouseMove  ActionType = "mouse_move"
	ActionFocus      ActionType = "focus"
	ActionBlur       ActionType = "blur"
	ActionResize     ActionType = "resize"
)

var actionTypes = map[ActionType]struct{}{
	ActionClick:      {},
	ActionScroll:     {},
	ActionHover:      {},
	ActionKeypress:   {},
	ActionNavigation: {},
	ActionURLChange:  {},
	ActionPageLoad:   {},
	ActionFormSubmit: {},
	ActionMouseMove:  {},
	ActionFocus:      {},
	ActionBlur:       {},
	ActionResize:     {},
}

func (t ActionType) Valid() bool {
	_, ok := actionTypes[t]
	return ok
}

// ParseActionType returns the ActionType for s, or a ValidationError when s
// is not one of the known interaction kinds.
func ParseActionType(s string) (ActionType, error) {
	t := ActionType(s)
	if !t.Valid() {
		return "", &ValidationError{Field: "type", Message: "unknown action type " + s}
	}
	return t, nil
}

type Coordinates struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// UserAction is one captured interaction. Timestamps are epoch milliseconds.
type UserAction struct {
	ID          string         `json:"id"`
	Type        ActionType     `json:"type"`
	Timestamp   int64          `json:"timestamp"`
	URL         string         `json:"url"`
	Coordinates *Coordinates   `json:"coordinates,omitempty"`
	Element     string         `json:"element,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	SessionID   string         `json:"sessionId"`
}

type RecordingStatus string

const (
	RecordingIdle      RecordingStatus = "idle"
	RecordingRecording RecordingStatus = "recording"
	RecordingPaused    RecordingStatus = "paused"
	RecordingStopped   RecordingStatus = "stopped"
	RecordingError     RecordingStatus = "error"
)

type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type RecordingMetadata struct {
	Resolution Resolution `json:"resolution"`
	FrameRate  int        `json:"frameRate"`
	Quality    string     `json:"quality"`
	Format     string     `json:"format"`
}

type ScreenRecording struct {
	SessionID    string            `json:"sessionId"`
	StartTime    int64             `json:"startTime"`
	EndTime      *int64            `json:"endTime,omitempty"`
	Duration     int64             `json:"duration"`
	RecordingURL string            `json:"recordingUrl,omitempty"`
	Status       RecordingStatus   `json:"status"`
	Metadata     RecordingMetadata `json:"metadata"`
}

// Playable reports whether the recording produced a usable video.
func (r *ScreenRecording) Playable() bool {
	return r != nil && r.Status == RecordingStopped && r.RecordingURL != ""
}

// Clone returns a deep copy.
func (r *ScreenRecording) Clone() *ScreenRecording {
	if r == nil {
		return nil
	}
	out := *r
	if r.EndTime != nil {
		end := *r.EndTime
		out.EndTime = &end
	}
	return &out
}

type HeatmapPoint struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Timestamp int64   `json:"timestamp"`
	Intensity float64 `json:"intensity"`
}

type UserJourneyStep struct {
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"`
	URL       string         `json:"url"`
	Data      map[string]any `json:"data,omitempty"`
}

// AnalyticsData is a derived view over SessionData.UserActions.
type AnalyticsData struct {
	SessionDuration int64             `json:"sessionDuration"`
	Interactions    int               `json:"interactions"`
	Sentiment       float64           `json:"sentiment"`
	HeatmapData     []HeatmapPoint    `json:"heatmapData"`
	UserJourney     []UserJourneyStep `json:"userJourney"`
	ScreenRecording *ScreenRecording  `json:"screenRecording,omitempty"`
	UserActions     []UserAction      `json:"userActions"`
}

type SessionData struct {
	SessionID       string           `json:"sessionId"`
	StartTime       int64            `json:"startTime"`
	EndTime         *int64           `json:"endTime,omitempty"`
	Duration        int64            `json:"duration"`
	UserActions     []UserAction     `json:"userActions"`
	ScreenRecording *ScreenRecording `json:"screenRecording,omitempty"`
	Analytics       AnalyticsData    `json:"analytics"`
}

// BuildAnalytics derives the analytics view from an action log.
func BuildAnalytics(actions []UserAction, duration int64) AnalyticsData {
	analytics := AnalyticsData{
		SessionDuration: duration,
		Interactions:    len(actions),
		HeatmapData:     []HeatmapPoint{},
		UserJourney:     []UserJourneyStep{},
		UserActions:     make([]UserAction, len(actions)),
	}
	copy(analytics.UserActions, actions)

	for _, a := range actions {
		switch a.Type {
		case ActionClick:
			if a.Coordinates != nil {
				analytics.HeatmapData = append(analytics.HeatmapData, HeatmapPoint{
					X:         a.Coordinates.X,
					Y:         a.Coordinates.Y,
					Timestamp: a.Timestamp,
					Intensity: 1,
				})
			}
		case ActionNavigation, ActionURLChange, ActionPageLoad:
			analytics.UserJourney = append(analytics.UserJourney, UserJourneyStep{
				Type:      string(a.Type),
				Timestamp: a.Timestamp,
				URL:       a.URL,
				Data:      a.Data,
			})
		}
	}
	return analytics
}

// Rect is a viewport-relative box in CSS pixels.
type Rect struct {
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Manifest describes a persisted session and the hashes of its artifacts.
type Manifest struct {
	SessionID       string          `json:"session_id"`
	UserID          string          `json:"user_id,omitempty"`
	URL             string          `json:"url"`
	StartTime       int64           `json:"start_time"`
	EndTime         int64           `json:"end_time"`
	Duration        int64           `json:"duration"`
	ActionCount     int             `json:"action_count"`
	ActionTypes     map[string]int  `json:"action_types"`
	RecordingStatus RecordingStatus `json:"recording_status"`
	Recording       *RecordingInfo  `json:"recording,omitempty"`
	Hashes          Hashes          `json:"hashes"`
}

type RecordingInfo struct {
	Format      string     `json:"format"`
	ContentType string     `json:"content_type"`
	Size        int64      `json:"size"`
	Resolution  Resolution `json:"resolution"`
}

type Hashes struct {
	SessionSHA256   string `json:"session_sha256"`
	RecordingSHA256 string `json:"recording_sha256,omitempty"`
}
