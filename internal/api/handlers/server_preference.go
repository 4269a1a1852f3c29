package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"herald.io/herald/internal/domain"
	apperrors "herald.io/herald/internal/pkg/errors"
)

// GetPreferences handles GET /preferences.
func (s *Server) GetPreferences(c *gin.Context) {
	set, err := s.prefs.Get(c.Request.Context(), userFromCtx(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, set)
}

// UpdatePreferences handles PUT /preferences. The body replaces the caller's
// whole preference set; its recipient_id is ignored.
func (s *Server) UpdatePreferences(c *gin.Context) {
	var set domain.PreferenceSet
	if err := c.ShouldBindJSON(&set); err != nil {
		_ = c.Error(apperrors.ErrValidationf("invalid preference body: %v", err))
		return
	}
	set.RecipientID = userFromCtx(c)

	updated, err := s.prefs.Update(c.Request.Context(), &set)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// ResetPreferences handles POST /preferences/reset.
func (s *Server) ResetPreferences(c *gin.Context) {
	set, err := s.prefs.Reset(c.Request.Context(), userFromCtx(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, set)
}
