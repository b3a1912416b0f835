package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/iter8/tracker-node/internal/manifest"
	"github.com/iter8/tracker-node/internal/orchestrator"
	"github.com/iter8/tracker-node/internal/recorder"
	"github.com/iter8/tracker-node/pkg/models"
	"github.com/iter8/tracker-node/pkg/shared"
)

const stopTimeout = 10 * time.Second

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *Server) session(c *gin.Context) (*orchestrator.Session, bool) {
	sess, err := s.orchestrator.GetSession(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) createSession(c *gin.Context) {
	var req models.CreateSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
	}

	sess, err := s.orchestrator.CreateSession(c.Request.Context(), orchestrator.CreateOptions{
		URL:           req.URL,
		RemoteBrowser: req.RemoteBrowser,
	})
	if err != nil {
		s.fail(c, err)
		return
	}

	resp := models.CreateSessionResponse{
		SessionID: sess.ID,
		AgentURL:  fmt.Sprintf("/sessions/%s/agent", sess.ID),
		ExpiresAt: s.orchestrator.ExpiresAt(sess),
	}
	if sess.Browser != nil {
		resp.VNCURL = sess.Browser.VNCURL(s.publicHost)
	}

	c.JSON(201, resp)
}

func (s *Server) deleteSession(c *gin.Context) {
	if err := s.orchestrator.DestroySession(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(204)
}

// agentSocket upgrades the connection of an in-page agent and serves it
// until it disconnects.
func (s *Server) agentSocket(c *gin.Context) {
	sessionID := c.Param("id")
	if _, ok := s.session(c); !ok {
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("failed to upgrade agent connection", "session_id", sessionID, "error", err)
		return
	}

	if err := s.orchestrator.AttachAgent(c.Request.Context(), sessionID, conn); err != nil {
		s.log.Info("agent connection ended", "session_id", sessionID, "error", err)
	}
}

func (s *Server) startTracking(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	if err := sess.Tracker.StartTracking(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(200, gin.H{"logging": sess.Tracker.IsLogging(), "recording_status": sess.Tracker.RecordingStatus()})
}

// stopTracking ends the session and persists the session, its recording and
// a manifest describing both.
func (s *Server) stopTracking(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), stopTimeout)
	defer cancel()

	data, err := sess.Tracker.StopTracking(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}

	resp, err := s.persist(ctx, sess, data)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(200, resp)
}

func (s *Server) persist(ctx context.Context, sess *orchestrator.Session, data *shared.SessionData) (*models.StopResponse, error) {
	input := manifest.BuildInput{
		Session: data,
		URL:     sess.Tracker.CurrentURL(),
	}
	resp := &models.StopResponse{Session: data}

	if data.ScreenRecording.Playable() {
		video, contentType, err := s.store.GetRecording(ctx, data.SessionID)
		if err != nil {
			s.log.Warn("recording not readable from store", "session_id", data.SessionID, "error", err)
		} else {
			input.Recording = video
			input.ContentType = contentType
			resp.RecordingURL = data.ScreenRecording.RecordingURL
		}
	}

	out, err := s.manifest.Build(input)
	if err != nil {
		return nil, fmt.Errorf("failed to build manifest: %w", err)
	}
	if err := s.store.StoreSession(ctx, data); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	if err := s.store.StoreManifest(ctx, out.Manifest); err != nil {
		return nil, fmt.Errorf("failed to store manifest: %w", err)
	}

	resp.ManifestHash = out.ManifestHash
	return resp, nil
}

func (s *Server) pauseTracking(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	sess.Tracker.PauseTracking()
	c.JSON(200, gin.H{"logging": false, "recording_status": sess.Tracker.RecordingStatus()})
}

func (s *Server) resumeTracking(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	sess.Tracker.ResumeTracking()
	c.JSON(200, gin.H{"logging": sess.Tracker.IsLogging(), "recording_status": sess.Tracker.RecordingStatus()})
}

func (s *Server) logAction(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}

	var req models.LogActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	actionType, err := shared.ParseActionType(req.Type)
	if err != nil {
		s.fail(c, err)
		return
	}

	recorded := sess.Tracker.LogCustomAction(actionType, req.Data, req.Coordinates, req.Element)
	c.JSON(200, models.LogActionResponse{Recorded: recorded})
}

// updateURL follows a URL change inside the embedded page.
func (s *Server) updateURL(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}

	var req models.OpenURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	url, err := shared.NormalizeURL(req.URL)
	if err != nil {
		s.fail(c, err)
		return
	}

	from := sess.Tracker.CurrentURL()
	sess.Tracker.UpdateCurrentURL(url)
	recorded := sess.Tracker.LogCustomAction(shared.ActionURLChange, map[string]any{
		"from": from,
		"to":   url,
	}, nil, "")
	c.JSON(200, models.LogActionResponse{Recorded: recorded})
}

func (s *Server) openURL(c *gin.Context) {
	var req models.OpenURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	if err := s.orchestrator.OpenURL(c.Request.Context(), c.Param("id"), req.URL); err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(200, gin.H{"status": "ok"})
}

func (s *Server) setTarget(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}

	var req models.TargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	if req.Selector == "" {
		sess.Tracker.SetRecordingTarget(nil)
	} else {
		sess.Tracker.SetRecordingTarget(&recorder.Target{Selector: req.Selector, Rect: req.Rect})
	}
	c.JSON(200, gin.H{"status": "ok"})
}

func (s *Server) clearData(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	sess.Tracker.ClearData()
	c.Status(204)
}

func (s *Server) getAnalytics(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(200, sess.Tracker.CurrentAnalytics())
}

func (s *Server) getStats(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(200, sess.Tracker.SessionStats())
}

func (s *Server) exportSession(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	out, err := sess.Tracker.ExportSessionData()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=session-%s.json", sess.ID))
	c.Data(200, "application/json", []byte(out))
}

func (s *Server) getStatus(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(200, models.SessionStatus{
		SessionID:        sess.ID,
		Logging:          sess.Tracker.IsLogging(),
		RecordingStatus:  sess.Tracker.RecordingStatus(),
		RecordingSupport: sess.Tracker.IsScreenRecordingSupported(),
		SupportedFormats: sess.Tracker.SupportedRecordingFormats(),
		AgentConnected:   sess.AgentConnected(),
		AgentPageURL:     sess.PageURL(),
		CurrentURL:       sess.Tracker.CurrentURL(),
		ExpiresAt:        s.orchestrator.ExpiresAt(sess),
	})
}
