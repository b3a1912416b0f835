package manifest

import (
	"github.com/iter8/tracker-node/pkg/shared"
)

type Builder struct{}

func NewBuilder() *Builder {
	return &Builder{}
}

type BuildInput struct {
	Session     *shared.SessionData
	UserID      string
	URL         string
	Recording   []byte
	ContentType string
}

type BuildOutput struct {
	Manifest      *shared.Manifest
	SessionHash   string
	RecordingHash string
	ManifestHash  string
}

// Build describes a finished session. The session hash covers its canonical
// JSON, so it is stable across key order and indentation.
func (b *Builder) Build(input BuildInput) (*BuildOutput, error) {
	sessionBytes, err := shared.CanonicalJSON(input.Session)
	if err != nil {
		return nil, err
	}
	sessionHash := shared.SHA256Hex(sessionBytes)

	s := input.Session
	types := make(map[string]int)
	for _, a := range s.UserActions {
		types[string(a.Type)]++
	}

	m := &shared.Manifest{
		SessionID:       s.SessionID,
		UserID:          input.UserID,
		URL:             input.URL,
		StartTime:       s.StartTime,
		Duration:        s.Duration,
		ActionCount:     len(s.UserActions),
		ActionTypes:     types,
		RecordingStatus: shared.RecordingIdle,
	}
	if s.EndTime != nil {
		m.EndTime = *s.EndTime
	}
	m.Hashes.SessionSHA256 = sessionHash

	var recordingHash string
	if rec := s.ScreenRecording; rec != nil {
		m.RecordingStatus = rec.Status
		if rec.Playable() && input.Recording != nil {
			recordingHash = shared.SHA256Hex(input.Recording)
			m.Hashes.RecordingSHA256 = recordingHash
			m.Recording = &shared.RecordingInfo{
				Format:      rec.Metadata.Format,
				ContentType: input.ContentType,
				Size:        int64(len(input.Recording)),
				Resolution:  rec.Metadata.Resolution,
			}
		}
	}

	manifestBytes, err := shared.CanonicalJSON(m)
	if err != nil {
		return nil, err
	}

	return &BuildOutput{
		Manifest:      m,
		SessionHash:   sessionHash,
		RecordingHash: recordingHash,
		ManifestHash:  shared.SHA256Hex(manifestBytes),
	}, nil
}
