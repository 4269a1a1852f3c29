package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"herald.io/herald/internal/api/middleware"
	"herald.io/herald/internal/channel"
	"herald.io/herald/internal/domain"
	apperrors "herald.io/herald/internal/pkg/errors"
	"herald.io/herald/internal/pkg/logger"
	"herald.io/herald/internal/preference"
	"herald.io/herald/internal/store"
	"herald.io/herald/internal/store/memstore"
)

func init() {
	gin.SetMode(gin.TestMode)
	_ = logger.Init("error", "json")
}

type fakeDispatcher struct {
	res *domain.DispatchResult
	err error
	got []domain.NotificationRequest
}

func (d *fakeDispatcher) Dispatch(_ context.Context, req domain.NotificationRequest) (*domain.DispatchResult, error) {
	d.got = append(d.got, req)
	return d.res, d.err
}

type fakeHub struct {
	mu     sync.Mutex
	counts map[string]int64
	wsUser string
}

func (h *fakeHub) ServeWS(w http.ResponseWriter, _ *http.Request, recipientID string) error {
	h.mu.Lock()
	h.wsUser = recipientID
	h.mu.Unlock()
	w.WriteHeader(http.StatusSwitchingProtocols)
	return nil
}

func (h *fakeHub) PublishUnreadCount(_ context.Context, recipientID string, count int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.counts == nil {
		h.counts = make(map[string]int64)
	}
	h.counts[recipientID] = count
	return nil
}

type testEnv struct {
	router     *gin.Engine
	store      *memstore.Store
	dispatcher *fakeDispatcher
	hub        *fakeHub
	contacts   *channel.Directory
	base       time.Time
}

func newTestEnv(t *testing.T, checks map[string]Pinger) *testEnv {
	t.Helper()
	resolver, err := preference.NewResolver(preference.DefaultCatalog(), preference.NewMemoryStore(), preference.Config{})
	require.NoError(t, err)

	env := &testEnv{
		store:      memstore.New(),
		dispatcher: &fakeDispatcher{},
		hub:        &fakeHub{},
		contacts:   channel.NewDirectory(nil),
		base:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	s := NewServer(ServerDeps{
		Store:           env.store,
		Prefs:           resolver,
		Contacts:        env.contacts,
		Dispatcher:      env.dispatcher,
		Hub:             env.hub,
		ReadinessChecks: checks,
	})
	s.now = func() time.Time { return env.base.Add(time.Hour) }

	r := gin.New()
	r.Use(middleware.RequestID(), middleware.ErrorHandler())
	s.Register(r.Group("/api/v1"))
	env.router = r
	return env
}

func (e *testEnv) seed(t *testing.T, recipient string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-n%02d", recipient, i)
		require.NoError(t, e.store.Create(context.Background(), &domain.NotificationRecord{
			ID:          id,
			RecipientID: recipient,
			Category:    domain.CategoryOutbid,
			Priority:    domain.PriorityNormal,
			DedupeKey:   "k-" + id,
			CreatedAt:   e.base.Add(time.Duration(i) * time.Minute),
		}))
		ids = append(ids, id)
	}
	return ids
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(middleware.UserIDHeader, user)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestListNotifications_Pagination(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "u1", 5)
	env.seed(t, "u2", 2)

	w := env.do(t, http.MethodGet, "/api/v1/notifications?page_size=2", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decodeBody[store.Page](t, w)
	require.Len(t, page.Items, 2)
	require.Equal(t, "u1-n04", page.Items[0].ID)
	require.NotEmpty(t, page.NextCursor)

	var seen []string
	cursor := ""
	for {
		w := env.do(t, http.MethodGet, "/api/v1/notifications?page_size=2&cursor="+cursor, "u1", nil)
		require.Equal(t, http.StatusOK, w.Code)
		p := decodeBody[store.Page](t, w)
		for _, it := range p.Items {
			seen = append(seen, it.ID)
		}
		if p.NextCursor == "" {
			break
		}
		cursor = p.NextCursor
	}
	require.Equal(t, []string{"u1-n04", "u1-n03", "u1-n02", "u1-n01", "u1-n00"}, seen)
}

func TestListNotifications_BadInput(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name     string
		query    string
		wantCode string
	}{
		{name: "bad page size", query: "page_size=abc", wantCode: apperrors.CodeValidationFailed},
		{name: "bad unread flag", query: "unread_only=maybe", wantCode: apperrors.CodeValidationFailed},
		{name: "bad cursor", query: "cursor=not-a-cursor", wantCode: apperrors.CodeInvalidCursor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/api/v1/notifications?"+tt.query, "u1", nil)
			require.Equal(t, http.StatusBadRequest, w.Code)
			require.Equal(t, tt.wantCode, decodeBody[map[string]any](t, w)["code"])
		})
	}
}

func TestNotifications_RequireIdentity(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, path := range []string{"/api/v1/notifications", "/api/v1/notifications/unread-count", "/api/v1/preferences"} {
		w := env.do(t, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestMarkNotificationRead(t *testing.T) {
	env := newTestEnv(t, nil)
	ids := env.seed(t, "u1", 2)
	ctx := context.Background()

	w := env.do(t, http.MethodPost, "/api/v1/notifications/"+ids[0]+"/read", "u1", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	rec, err := env.store.Get(ctx, ids[0])
	require.NoError(t, err)
	require.NotNil(t, rec.ReadAt)
	first := *rec.ReadAt
	require.Equal(t, int64(1), env.hub.counts["u1"])

	// Idempotent: the first read time is kept.
	env.base = env.base.Add(time.Hour)
	w = env.do(t, http.MethodPost, "/api/v1/notifications/"+ids[0]+"/read", "u1", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	rec, err = env.store.Get(ctx, ids[0])
	require.NoError(t, err)
	require.True(t, first.Equal(*rec.ReadAt))

	w = env.do(t, http.MethodGet, "/api/v1/notifications/unread-count", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"count":1}`, w.Body.String())

	// Another user's record and an unknown id are both not found.
	w = env.do(t, http.MethodPost, "/api/v1/notifications/"+ids[1]+"/read", "u2", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, http.MethodPost, "/api/v1/notifications/missing/read", "u1", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestMarkAllNotificationsRead(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "u1", 3)

	w := env.do(t, http.MethodPost, "/api/v1/notifications/read-all", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"updated":3}`, w.Body.String())
	require.Equal(t, int64(0), env.hub.counts["u1"])

	w = env.do(t, http.MethodPost, "/api/v1/notifications/read-all", "u1", nil)
	require.JSONEq(t, `{"updated":0}`, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/v1/notifications?unread_only=true", "u1", nil)
	require.Empty(t, decodeBody[store.Page](t, w).Items)
}

func TestPreferences(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/preferences", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	set := decodeBody[domain.PreferenceSet](t, w)
	require.Equal(t, "u1", set.RecipientID)
	require.Equal(t, []domain.Channel{domain.ChannelRealtime, domain.ChannelPush},
		set.Categories[domain.CategoryOutbid])

	w = env.do(t, http.MethodPut, "/api/v1/preferences", "u1", domain.PreferenceSet{
		RecipientID:      "someone-else",
		Categories:       map[domain.Category][]domain.Channel{domain.CategoryOutbid: {domain.ChannelEmail}},
		DisabledChannels: []domain.Channel{domain.ChannelSMS},
		QuietHours:       domain.QuietHours{Start: "22:00", End: "07:00"},
		Timezone:         "UTC",
	})
	require.Equal(t, http.StatusOK, w.Code)
	set = decodeBody[domain.PreferenceSet](t, w)
	require.Equal(t, "u1", set.RecipientID)

	w = env.do(t, http.MethodGet, "/api/v1/preferences", "u1", nil)
	set = decodeBody[domain.PreferenceSet](t, w)
	require.Equal(t, []domain.Channel{domain.ChannelEmail}, set.Categories[domain.CategoryOutbid])
	require.Equal(t, []domain.Channel{domain.ChannelSMS}, set.DisabledChannels)

	w = env.do(t, http.MethodPut, "/api/v1/preferences", "u1", domain.PreferenceSet{
		QuietHours: domain.QuietHours{Start: "25:00", End: "07:00"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/preferences/reset", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	set = decodeBody[domain.PreferenceSet](t, w)
	require.Equal(t, []domain.Channel{domain.ChannelRealtime, domain.ChannelPush},
		set.Categories[domain.CategoryOutbid])
	require.Empty(t, set.DisabledChannels)
}

func TestContacts(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/contacts", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{}`, w.Body.String())

	w = env.do(t, http.MethodPut, "/api/v1/contacts", "u1", channel.Contact{Phone: "+15550100", Email: "u1@example.com"})
	require.Equal(t, http.StatusOK, w.Code)

	// Empty fields keep what is on file.
	w = env.do(t, http.MethodPut, "/api/v1/contacts", "u1", channel.Contact{Phone: "+15550199"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, channel.Contact{Phone: "+15550199", Email: "u1@example.com"}, decodeBody[channel.Contact](t, w))

	w = env.do(t, http.MethodPut, "/api/v1/contacts", "u1", channel.Contact{})
	require.Equal(t, http.StatusBadRequest, w.Code)

	// Addresses are per caller.
	w = env.do(t, http.MethodGet, "/api/v1/contacts", "u2", nil)
	require.Equal(t, channel.Contact{}, decodeBody[channel.Contact](t, w))

	w = env.do(t, http.MethodGet, "/api/v1/contacts", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDispatch(t *testing.T) {
	env := newTestEnv(t, nil)
	req := domain.NotificationRequest{Category: domain.CategoryOutbid, Recipients: []string{"u1"}}

	env.dispatcher.res = &domain.DispatchResult{DedupeKey: "outbid:1", Results: []domain.RecipientResult{
		{RecipientID: "u1", RecordID: "r1", PerChannel: map[domain.Channel]domain.DeliveryOutcome{
			domain.ChannelRealtime: domain.Skipped("recipient not connected"),
		}},
	}}
	w := env.do(t, http.MethodPost, "/api/v1/dispatch", "", req)
	require.Equal(t, http.StatusOK, w.Code)
	res := decodeBody[domain.DispatchResult](t, w)
	require.Equal(t, "r1", res.Results[0].RecordID)
	require.Equal(t, req.Category, env.dispatcher.got[0].Category)

	env.dispatcher.err = apperrors.ErrValidationf("bad")
	w = env.do(t, http.MethodPost, "/api/v1/dispatch", "", req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	env.dispatcher.err = apperrors.ErrStoreUnavailable("create", errors.New("down"))
	w = env.do(t, http.MethodPost, "/api/v1/dispatch", "", req)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/dispatch", bytes.NewBufferString("{"))
	rw := httptest.NewRecorder()
	env.router.ServeHTTP(rw, r)
	require.Equal(t, http.StatusBadRequest, rw.Code)
}

func TestServeWebSocket_UsesCallerIdentity(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/api/v1/ws", "u7", nil)
	require.Equal(t, http.StatusSwitchingProtocols, w.Code)
	require.Equal(t, "u7", env.hub.wsUser)
}

func TestHealth(t *testing.T) {
	healthy := PingFunc(func(context.Context) error { return nil })
	broken := PingFunc(func(context.Context) error { return errors.New("refused") })

	env := newTestEnv(t, map[string]Pinger{"database": healthy})
	w := env.do(t, http.MethodGet, "/api/v1/health/live", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodGet, "/api/v1/health/ready", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok","checks":{"database":"ok"}}`, w.Body.String())

	env = newTestEnv(t, map[string]Pinger{"database": healthy, "redis": broken})
	w = env.do(t, http.MethodGet, "/api/v1/health/ready", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.JSONEq(t, `{"status":"degraded","checks":{"database":"ok","redis":"error"}}`, w.Body.String())
}
