package api

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/iter8/tracker-node/pkg/models"
)

func (s *Server) listRecordings(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil {
		c.JSON(400, gin.H{"error": "limit must be a number"})
		return
	}

	ids, err := s.store.ListSessions(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(200, models.RecordingList{Sessions: ids})
}

const recordingLinkExpiry = time.Hour

func (s *Server) deleteRecording(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")

	exists, err := s.store.SessionExists(ctx, sessionID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !exists {
		c.JSON(404, gin.H{"error": "session not found"})
		return
	}
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(204)
}

func (s *Server) getVideo(c *gin.Context) {
	data, contentType, err := s.store.GetRecording(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(404, gin.H{"error": "recording not found"})
		return
	}
	c.Data(200, contentType, data)
}

// getVideoLink hands out a presigned URL so large videos can be fetched
// straight from object storage.
func (s *Server) getVideoLink(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")

	exists, err := s.store.SessionExists(ctx, sessionID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !exists {
		c.JSON(404, gin.H{"error": "recording not found"})
		return
	}

	url, err := s.store.PresignedRecordingURL(ctx, sessionID, recordingLinkExpiry)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(200, models.RecordingLink{URL: url, ExpiresAt: time.Now().UTC().Add(recordingLinkExpiry)})
}

func (s *Server) getStoredSession(c *gin.Context) {
	data, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(404, gin.H{"error": "session not found"})
		return
	}
	c.JSON(200, data)
}

func (s *Server) getManifest(c *gin.Context) {
	manifest, err := s.store.GetManifest(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(404, gin.H{"error": "manifest not found"})
		return
	}
	c.JSON(200, manifest)
}

// getBundle zips everything stored for a session.
func (s *Server) getBundle(c *gin.Context) {
	sessionID := c.Param("id")
	ctx := c.Request.Context()

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		c.JSON(404, gin.H{"error": "session not found"})
		return
	}

	manifestData, _ := s.store.GetManifest(ctx, sessionID)
	video, contentType, _ := s.store.GetRecording(ctx, sessionID)

	var buf bytes.Buffer
	zipWriter := zip.NewWriter(&buf)

	sessionJSON, _ := json.MarshalIndent(session, "", "  ")
	addFile(zipWriter, "session.json", sessionJSON)
	if manifestData != nil {
		manifestJSON, _ := json.MarshalIndent(manifestData, "", "  ")
		addFile(zipWriter, "manifest.json", manifestJSON)
	}
	if video != nil {
		addFile(zipWriter, "recording."+extension(contentType), video)
	}

	if err := zipWriter.Close(); err != nil {
		s.fail(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=session-%s.zip", shortID(sessionID)))
	c.Data(200, "application/zip", buf.Bytes())
}

func addFile(zw *zip.Writer, name string, data []byte) {
	if data == nil {
		return
	}
	w, err := zw.Create(name)
	if err != nil {
		return
	}
	w.Write(data)
}

func extension(contentType string) string {
	if strings.HasPrefix(contentType, "video/mp4") {
		return "mp4"
	}
	return "webm"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
