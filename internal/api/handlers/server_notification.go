package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "herald.io/herald/internal/pkg/errors"
	"herald.io/herald/internal/pkg/logger"
	"herald.io/herald/internal/store"
)

// ListNotifications handles GET /notifications.
func (s *Server) ListNotifications(c *gin.Context) {
	opts := store.ListOptions{Cursor: c.Query("cursor")}
	if raw := c.Query("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			_ = c.Error(apperrors.ErrValidationf("page_size must be a non-negative integer").
				WithFieldErrors([]apperrors.FieldError{{Field: "page_size", Code: "invalid", Message: raw}}))
			return
		}
		opts.PageSize = n
	}
	if raw := c.Query("unread_only"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			_ = c.Error(apperrors.ErrValidationf("unread_only must be a boolean").
				WithFieldErrors([]apperrors.FieldError{{Field: "unread_only", Code: "invalid", Message: raw}}))
			return
		}
		opts.UnreadOnly = b
	}

	page, err := s.store.ListPaginated(c.Request.Context(), userFromCtx(c), opts)
	if err != nil {
		if errors.Is(err, store.ErrInvalidCursor) {
			_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidCursor, "invalid pagination cursor"))
			return
		}
		_ = c.Error(apperrors.ErrStoreUnavailable("list notifications", err))
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetUnreadCount handles GET /notifications/unread-count.
func (s *Server) GetUnreadCount(c *gin.Context) {
	count, err := s.store.CountUnread(c.Request.Context(), userFromCtx(c))
	if err != nil {
		_ = c.Error(apperrors.ErrStoreUnavailable("count unread", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

// MarkNotificationRead handles POST /notifications/:id/read. Repeated calls
// succeed and keep the first read time. A record owned by someone else is
// reported as not found.
func (s *Server) MarkNotificationRead(c *gin.Context) {
	ctx := c.Request.Context()
	userID := userFromCtx(c)
	id := c.Param("id")

	rec, err := s.store.Get(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		_ = c.Error(apperrors.ErrNotificationNotFoundf(id))
		return
	case err != nil:
		_ = c.Error(apperrors.ErrStoreUnavailable("get notification", err))
		return
	}
	if rec.RecipientID != userID {
		_ = c.Error(apperrors.ErrNotificationNotFoundf(id))
		return
	}

	if !rec.IsRead() {
		if err := s.store.MarkRead(ctx, id, s.now().UTC()); err != nil {
			_ = c.Error(apperrors.ErrStoreUnavailable("mark read", err))
			return
		}
		s.pushUnreadCount(ctx, userID)
	}
	c.Status(http.StatusNoContent)
}

// MarkAllNotificationsRead handles POST /notifications/read-all.
func (s *Server) MarkAllNotificationsRead(c *gin.Context) {
	ctx := c.Request.Context()
	userID := userFromCtx(c)

	updated, err := s.store.MarkAllRead(ctx, userID, s.now().UTC())
	if err != nil {
		_ = c.Error(apperrors.ErrStoreUnavailable("mark all read", err))
		return
	}
	if updated > 0 {
		s.pushUnreadCount(ctx, userID)
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

// pushUnreadCount refreshes the recipient's badge on their open sockets.
func (s *Server) pushUnreadCount(ctx context.Context, userID string) {
	if s.hub == nil {
		return
	}
	count, err := s.store.CountUnread(ctx, userID)
	if err == nil {
		err = s.hub.PublishUnreadCount(ctx, userID, count)
	}
	if err != nil {
		logger.Debug("Unread count push failed",
			zap.String("recipient_id", userID),
			zap.Error(err),
		)
	}
}
