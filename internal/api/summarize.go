package api

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/iter8/tracker-node/internal/summarize"
	"github.com/iter8/tracker-node/pkg/models"
)

func (s *Server) summarize(c *gin.Context) {
	if s.summarizer == nil {
		c.JSON(503, gin.H{"error": "summarization is not configured"})
		return
	}

	var req models.SummarizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	summary, err := s.summarizer.Summarize(c.Request.Context(), req.Text)
	if err != nil {
		if errors.Is(err, summarize.ErrEmptyText) {
			c.JSON(400, gin.H{"error": "Text is required"})
			return
		}
		s.log.Error("summarization failed", "error", err)
		c.JSON(500, gin.H{"error": "Failed to generate summary"})
		return
	}

	c.JSON(200, models.SummarizeResponse{Summary: summary})
}
