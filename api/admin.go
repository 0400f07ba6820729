package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/backstage/services/workflow/projections"
)

func respondProjectionAction(c *gin.Context, err error) {
	if err != nil {
		if errors.Is(err, projections.ErrUnknownProjection) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// listProjections returns every projection checkpoint
func (s *Server) listProjections(c *gin.Context) {
	checkpoints, err := s.engine.ListCheckpoints(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"projections": checkpoints})
}

// pauseProjection stops a projection from processing further events
func (s *Server) pauseProjection(c *gin.Context) {
	respondProjectionAction(c, s.engine.Pause(c.Request.Context(), c.Param("name")))
}

// resumeProjection reactivates a paused or errored projection
func (s *Server) resumeProjection(c *gin.Context) {
	respondProjectionAction(c, s.engine.Resume(c.Request.Context(), c.Param("name")))
}

// rebuildProjection wipes a projection's read models and replays from zero
func (s *Server) rebuildProjection(c *gin.Context) {
	respondProjectionAction(c, s.engine.Rebuild(c.Request.Context(), c.Param("name")))
}

// runMigration executes the legacy backfill
func (s *Server) runMigration(c *gin.Context) {
	report, err := s.migrator.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "report": report})
		return
	}
	c.JSON(http.StatusOK, report)
}

// validateMigration compares legacy counts with migrated counts
func (s *Server) validateMigration(c *gin.Context) {
	report, err := s.migrator.Validate(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	status := http.StatusOK
	if !report.Passed {
		status = http.StatusConflict
	}
	c.JSON(status, report)
}

// rollbackMigration restores the legacy tables and clears migrated data
func (s *Server) rollbackMigration(c *gin.Context) {
	if err := s.migrator.Rollback(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rolled back"})
}

// runCleanup triggers a retention pass over the read models
func (s *Server) runCleanup(c *gin.Context) {
	report, err := s.cleaner.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "report": report})
		return
	}
	c.JSON(http.StatusOK, report)
}

// refreshStats recomputes the statistics snapshot immediately
func (s *Server) refreshStats(c *gin.Context) {
	stats, err := s.stats.Refresh(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}
