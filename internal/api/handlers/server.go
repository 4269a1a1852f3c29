// Package handlers implements Herald's HTTP API on gin.
//
// Routes are mounted by Register. Recipient-facing routes expect the
// middleware.Identity user id in the request context; dispatch and health
// routes do not.
//
// Import Path: herald.io/herald/internal/api/handlers
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"herald.io/herald/internal/api/middleware"
	"herald.io/herald/internal/channel"
	"herald.io/herald/internal/domain"
	"herald.io/herald/internal/preference"
	"herald.io/herald/internal/store"
)

// Dispatcher is the fan-out entry point behind POST /dispatch.
type Dispatcher interface {
	Dispatch(ctx context.Context, req domain.NotificationRequest) (*domain.DispatchResult, error)
}

// Hub serves websockets and pushes badge counts.
type Hub interface {
	ServeWS(w http.ResponseWriter, r *http.Request, recipientID string) error
	PublishUnreadCount(ctx context.Context, recipientID string, count int64) error
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server implements all API handlers.
type Server struct {
	store      store.Store
	prefs      *preference.Resolver
	contacts   channel.ContactBook
	dispatcher Dispatcher
	hub        Hub
	checks     map[string]Pinger
	now        func() time.Time
}

// ServerDeps holds all dependencies for creating a Server.
type ServerDeps struct {
	Store      store.Store
	Prefs      *preference.Resolver
	Contacts   channel.ContactBook
	Dispatcher Dispatcher
	Hub        Hub
	// ReadinessChecks are pinged by GET /health/ready, keyed by name.
	ReadinessChecks map[string]Pinger
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		store:      deps.Store,
		prefs:      deps.Prefs,
		contacts:   deps.Contacts,
		dispatcher: deps.Dispatcher,
		hub:        deps.Hub,
		checks:     deps.ReadinessChecks,
		now:        time.Now,
	}
}

// Register mounts every route on r.
func (s *Server) Register(r gin.IRouter) {
	r.GET("/health/live", s.GetLiveness)
	r.GET("/health/ready", s.GetReadiness)

	r.POST("/dispatch", s.Dispatch)

	user := r.Group("", middleware.Identity())
	user.GET("/notifications", s.ListNotifications)
	user.GET("/notifications/unread-count", s.GetUnreadCount)
	user.POST("/notifications/read-all", s.MarkAllNotificationsRead)
	user.POST("/notifications/:id/read", s.MarkNotificationRead)

	user.GET("/preferences", s.GetPreferences)
	user.PUT("/preferences", s.UpdatePreferences)
	user.POST("/preferences/reset", s.ResetPreferences)

	user.GET("/contacts", s.GetContact)
	user.PUT("/contacts", s.UpdateContact)

	user.GET("/ws", s.ServeWebSocket)
}

// userFromCtx returns the caller's user id set by middleware.Identity.
func userFromCtx(c *gin.Context) string {
	return middleware.GetUserID(c.Request.Context())
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }
