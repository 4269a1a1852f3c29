package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"herald.io/herald/internal/domain"
	apperrors "herald.io/herald/internal/pkg/errors"
	"herald.io/herald/internal/pkg/logger"
)

// Dispatch handles POST /dispatch.
func (s *Server) Dispatch(c *gin.Context) {
	var req domain.NotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.ErrValidationf("invalid notification request: %v", err))
		return
	}

	res, err := s.dispatcher.Dispatch(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ServeWebSocket handles GET /ws. The upgrade writes its own error response.
func (s *Server) ServeWebSocket(c *gin.Context) {
	userID := userFromCtx(c)
	if err := s.hub.ServeWS(c.Writer, c.Request, userID); err != nil {
		logger.Warn("WebSocket session failed",
			zap.String("recipient_id", userID),
			zap.Error(err),
		)
	}
}
