package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRequestID(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	var seen string
	router.GET("/", func(c *gin.Context) {
		seen = GetRequestID(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	t.Run("generated", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if seen == "" || w.Header().Get(RequestIDHeader) != seen {
			t.Fatalf("request id = %q, header = %q", seen, w.Header().Get(RequestIDHeader))
		}
	})

	t.Run("propagated", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "rid-1")
		router.ServeHTTP(w, req)
		if seen != "rid-1" {
			t.Fatalf("request id = %q, want rid-1", seen)
		}
	})
}

func TestIdentity(t *testing.T) {
	router := gin.New()
	router.Use(Identity())
	var seen string
	router.GET("/", func(c *gin.Context) {
		seen = GetUserID(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantUser   string
	}{
		{name: "present", header: "u1", wantStatus: http.StatusNoContent, wantUser: "u1"},
		{name: "trimmed", header: "  u2 ", wantStatus: http.StatusNoContent, wantUser: "u2"},
		{name: "missing", wantStatus: http.StatusUnauthorized},
		{name: "blank", header: "   ", wantStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(UserIDHeader, tt.header)
			}
			router.ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if seen != tt.wantUser {
				t.Fatalf("user = %q, want %q", seen, tt.wantUser)
			}
		})
	}
}
