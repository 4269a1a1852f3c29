package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"herald.io/herald/internal/channel"
	apperrors "herald.io/herald/internal/pkg/errors"
)

// GetContact handles GET /contacts.
func (s *Server) GetContact(c *gin.Context) {
	contact, err := s.contacts.Lookup(c.Request.Context(), userFromCtx(c))
	if err != nil {
		_ = c.Error(apperrors.ErrStoreUnavailable("get contact", err))
		return
	}
	c.JSON(http.StatusOK, contact)
}

// UpdateContact handles PUT /contacts. Empty fields keep the stored address.
func (s *Server) UpdateContact(c *gin.Context) {
	var body channel.Contact
	if err := c.ShouldBindJSON(&body); err != nil {
		_ = c.Error(apperrors.ErrValidationf("invalid contact body: %v", err))
		return
	}
	if body.IsZero() {
		_ = c.Error(apperrors.ErrValidationf("contact body sets no address"))
		return
	}

	ctx := c.Request.Context()
	user := userFromCtx(c)
	if err := s.contacts.Save(ctx, user, body); err != nil {
		_ = c.Error(apperrors.ErrStoreUnavailable("save contact", err))
		return
	}
	contact, err := s.contacts.Lookup(ctx, user)
	if err != nil {
		_ = c.Error(apperrors.ErrStoreUnavailable("get contact", err))
		return
	}
	c.JSON(http.StatusOK, contact)
}
