package notification

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"herald.io/herald/internal/channel"
	"herald.io/herald/internal/dedupe"
	"herald.io/herald/internal/domain"
	apperrors "herald.io/herald/internal/pkg/errors"
	"herald.io/herald/internal/pkg/logger"
	"herald.io/herald/internal/pkg/worker"
	"herald.io/herald/internal/preference"
	"herald.io/herald/internal/presence"
	"herald.io/herald/internal/ratelimit"
	"herald.io/herald/internal/realtime"
	"herald.io/herald/internal/store"
	"herald.io/herald/internal/store/memstore"
)

func TestMain(m *testing.M) {
	_ = logger.Init("error", "json")
	os.Exit(m.Run())
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeAdapter struct {
	name    domain.Channel
	cap     channel.Capability
	deliver func(ctx context.Context, to channel.Recipient) domain.DeliveryOutcome

	mu    sync.Mutex
	calls []string
	msgs  []channel.Message
	tos   []channel.Recipient
}

func (a *fakeAdapter) Name() domain.Channel            { return a.name }
func (a *fakeAdapter) Capability() channel.Capability { return a.cap }

func (a *fakeAdapter) Deliver(ctx context.Context, to channel.Recipient, msg channel.Message) domain.DeliveryOutcome {
	a.mu.Lock()
	a.calls = append(a.calls, msg.RecordID)
	a.msgs = append(a.msgs, msg)
	a.tos = append(a.tos, to)
	a.mu.Unlock()
	if a.deliver != nil {
		return a.deliver(ctx, to)
	}
	return domain.Delivered(string(a.name)+"-ref", 1)
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (a *fakeAdapter) sent() ([]channel.Message, []channel.Recipient) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]channel.Message(nil), a.msgs...), append([]channel.Recipient(nil), a.tos...)
}

// inlineSubmitter runs tasks on the caller's goroutine, holds them, or
// rejects them.
type inlineSubmitter struct {
	mu     sync.Mutex
	hold   bool
	reject error
	held   []worker.Task
}

func (s *inlineSubmitter) SubmitDetached(_ string, task worker.Task) error {
	s.mu.Lock()
	if s.reject != nil {
		s.mu.Unlock()
		return s.reject
	}
	if s.hold {
		s.held = append(s.held, task)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	task(context.Background())
	return nil
}

// runHeld runs and forgets every held task.
func (s *inlineSubmitter) runHeld(ctx context.Context) {
	s.mu.Lock()
	held := s.held
	s.held = nil
	s.mu.Unlock()
	for _, task := range held {
		task(ctx)
	}
}

func (s *inlineSubmitter) heldCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

type fakeUnread struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (f *fakeUnread) PublishUnreadCount(_ context.Context, recipientID string, count int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[recipientID] = count
	return nil
}

type failingStore struct {
	store.Store
	createErr error
}

func (s *failingStore) Create(ctx context.Context, rec *domain.NotificationRecord) error {
	if s.createErr != nil {
		return s.createErr
	}
	return s.Store.Create(ctx, rec)
}

type brokenGuard struct{}

func (brokenGuard) CheckAndReserve(context.Context, string, string, time.Duration, string) (dedupe.Reservation, error) {
	return dedupe.Reservation{}, errors.New("redis: connection refused")
}

func (brokenGuard) Release(context.Context, string, string, string) error { return nil }

type harness struct {
	d        *Dispatcher
	deps     Deps
	cfg      Config
	store    *memstore.Store
	guard    *dedupe.MemoryGuard
	prefs    *preference.MemoryStore
	pools    *inlineSubmitter
	unread   *fakeUnread
	clock    *clock
	realtime *fakeAdapter
	push     *fakeAdapter
	sms      *fakeAdapter
	email    *fakeAdapter
}

type harnessOption func(*Deps, *Config)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		store:  memstore.New(),
		prefs:  preference.NewMemoryStore(),
		pools:  &inlineSubmitter{},
		unread: &fakeUnread{counts: map[string]int64{}},
		clock:  &clock{t: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)},
		realtime: &fakeAdapter{
			name: domain.ChannelRealtime,
			cap:  channel.Capability{Synchronous: true, CostTier: channel.CostFree},
			deliver: func(context.Context, channel.Recipient) domain.DeliveryOutcome {
				return domain.Skipped("recipient not connected")
			},
		},
		push:  &fakeAdapter{name: domain.ChannelPush, cap: channel.Capability{Retryable: true, CostTier: channel.CostLow, QuietSensitive: true}},
		sms:   &fakeAdapter{name: domain.ChannelSMS, cap: channel.Capability{Retryable: true, CostTier: channel.CostHigh, QuietSensitive: true}},
		email: &fakeAdapter{name: domain.ChannelEmail, cap: channel.Capability{Retryable: true, CostTier: channel.CostLow}},
	}
	h.guard = dedupe.NewMemoryGuardWithClock(h.clock.Now)

	resolver, err := preference.NewResolver(preference.DefaultCatalog(), h.prefs, preference.Config{
		DefaultTimezone: "UTC",
		RateLimits:      map[domain.Channel]int{domain.ChannelSMS: 2},
	})
	require.NoError(t, err)

	deps := Deps{
		Guard:    h.guard,
		Store:    h.store,
		Prefs:    resolver,
		Registry: channel.NewRegistry(h.realtime, h.push, h.sms, h.email),
		Contacts: channel.NewDirectory(nil),
		Limiter:  ratelimit.NewMemoryLimiter(),
		Pools:    h.pools,
		Unread:   h.unread,
	}
	cfg := Config{RealtimeTimeout: 50 * time.Millisecond}
	for _, o := range opts {
		o(&deps, &cfg)
	}
	h.deps, h.cfg = deps, cfg
	h.d = h.restart()
	return h
}

// restart returns a fresh dispatcher on the same store, guard and pools, as
// a replacement process would see them.
func (h *harness) restart() *Dispatcher {
	d := NewDispatcher(h.deps, h.cfg)
	d.now = h.clock.Now
	return d
}

func newWorkerPools(t *testing.T, delivery int) *worker.Pools {
	t.Helper()
	pools, err := worker.NewPools(context.Background(), worker.PoolConfig{GeneralPoolSize: 4, DeliveryPoolSize: delivery, SessionPoolSize: 4})
	require.NoError(t, err)
	return pools
}

func (h *harness) record(t *testing.T, id string) *domain.NotificationRecord {
	t.Helper()
	rec, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func bidOutcome(recipients ...string) domain.NotificationRequest {
	return domain.NotificationRequest{
		Category:      domain.CategoryBidOutcome,
		Recipients:    recipients,
		Payload:       json.RawMessage(`{"auction_id":"a-1","amount_minor":12500}`),
		SourceEventID: "evt-1",
		Title:         "You won",
	}
}

func TestDispatch_Validation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name  string
		req   domain.NotificationRequest
		field string
	}{
		{"no recipients", domain.NotificationRequest{Category: domain.CategoryOutbid}, "recipients"},
		{"blank recipients", domain.NotificationRequest{Category: domain.CategoryOutbid, Recipients: []string{" ", ""}}, "recipients"},
		{"unknown category", domain.NotificationRequest{Category: "auction-reminder", Recipients: []string{"u1"}}, "category"},
		{"bad priority", domain.NotificationRequest{Category: domain.CategoryOutbid, Recipients: []string{"u1"}, Priority: "urgent"}, "priority"},
		{"bad payload", domain.NotificationRequest{Category: domain.CategoryOutbid, Recipients: []string{"u1"}, Payload: json.RawMessage(`{"a":`)}, "payload"},
		{"contacts not an object", domain.NotificationRequest{Category: domain.CategoryOutbid, Recipients: []string{"u1"}, Payload: json.RawMessage(`{"contacts":["+15550100"]}`)}, "payload.contacts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.d.Dispatch(context.Background(), tt.req)
			require.Nil(t, res)
			require.True(t, apperrors.IsValidation(err))

			var appErr *apperrors.AppError
			require.True(t, errors.As(err, &appErr))
			require.Equal(t, tt.field, appErr.FieldErrors[0].Field)
		})
	}
}

func TestDedupeKey(t *testing.T) {
	base := domain.NotificationRequest{
		Category:   domain.CategoryOutbid,
		Recipients: []string{"u2", "u1"},
		Payload:    json.RawMessage(`{"auction_id": "a-1"}`),
	}
	keyFormat := regexp.MustCompile(`^outbid:[0-9a-f]{16}$`)
	require.Regexp(t, keyFormat, DedupeKey(base))

	reordered := base
	reordered.Recipients = []string{"u1", "u2"}
	reordered.Payload = json.RawMessage(`{"auction_id":"a-1"}`)
	require.Equal(t, DedupeKey(base), DedupeKey(reordered))

	otherPayload := base
	otherPayload.Payload = json.RawMessage(`{"auction_id":"a-2"}`)
	require.NotEqual(t, DedupeKey(base), DedupeKey(otherPayload))

	withEvent := base
	withEvent.SourceEventID = "evt-9"
	sameEvent := otherPayload
	sameEvent.SourceEventID = "evt-9"
	require.Equal(t, DedupeKey(withEvent), DedupeKey(sameEvent))

	otherCategory := withEvent
	otherCategory.Category = domain.CategoryNewMessage
	require.NotEqual(t, DedupeKey(withEvent), DedupeKey(otherCategory))

	explicit := base
	explicit.DedupeKey = "auction-a-1-closing"
	require.Equal(t, "auction-a-1-closing", DedupeKey(explicit))
}

func TestDispatch_BidOutcomeEndToEnd(t *testing.T) {
	h := newHarness(t, func(d *Deps, _ *Config) {
		d.Contacts = channel.NewDirectory(map[string]channel.Contact{"u1": {Phone: "+15550100"}})
	})
	// Real adapters for the recipient-facing channels.
	provider := &recordingProvider{}
	tracker := presence.NewTracker(90 * time.Second)
	pools := newWorkerPools(t, 2)
	defer pools.Shutdown()
	hub := realtime.NewHub(tracker, pools, realtime.DefaultHubConfig())
	defer hub.Close()
	h.d.registry.Register(channel.NewRealtimeAdapter(tracker, hub))
	h.d.registry.Register(channel.NewSMSAdapter(provider, channel.RetryPolicy{MaxAttempts: 1}))
	h.d.registry.Register(channel.NewPushAdapter(provider, channel.RetryPolicy{MaxAttempts: 1}))

	res, err := h.d.Dispatch(context.Background(), bidOutcome("u1"))
	require.NoError(t, err)
	require.Len(t, res.Results, 1)

	r := res.Results[0]
	require.False(t, r.Duplicate)
	require.Equal(t, domain.StatusSkipped, r.PerChannel[domain.ChannelRealtime].Status)
	require.Equal(t, domain.StatusPending, r.PerChannel[domain.ChannelSMS].Status)

	rec := h.record(t, r.RecordID)
	require.Nil(t, rec.ReadAt)
	require.Equal(t, domain.StatusSkipped, rec.Delivery[domain.ChannelRealtime].Status)
	require.Equal(t, domain.StatusDelivered, rec.Delivery[domain.ChannelSMS].Status)
	// No push endpoint on file.
	require.Equal(t, domain.StatusSkipped, rec.Delivery[domain.ChannelPush].Status)
	require.Equal(t, []string{"+15550100"}, provider.targets())

	page, err := h.store.ListPaginated(context.Background(), "u1", store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.EqualValues(t, 1, h.unread.counts["u1"])
}

func TestDispatch_DuplicateCollapses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.d.Dispatch(ctx, bidOutcome("u1", "u2"))
	require.NoError(t, err)
	second, err := h.d.Dispatch(ctx, bidOutcome("u2", "u1"))
	require.NoError(t, err)
	require.Equal(t, first.DedupeKey, second.DedupeKey)

	for _, id := range []string{"u1", "u2"} {
		a, _ := first.For(id)
		b, _ := second.For(id)
		require.False(t, a.Duplicate)
		require.True(t, b.Duplicate)
		require.Equal(t, a.RecordID, b.RecordID)
		require.Equal(t, domain.StatusDelivered, b.PerChannel[domain.ChannelPush].Status)
	}
	require.Equal(t, 2, h.push.callCount())

	page, err := h.store.ListPaginated(ctx, "u1", store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
}

func TestDispatch_DedupeWindowExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.d.Dispatch(ctx, bidOutcome("u1"))
	require.NoError(t, err)

	h.clock.Advance(4 * time.Minute)
	again, err := h.d.Dispatch(ctx, bidOutcome("u1"))
	require.NoError(t, err)
	require.True(t, again.Results[0].Duplicate)

	// The window is anchored at the first reservation.
	h.clock.Advance(2 * time.Minute)
	later, err := h.d.Dispatch(ctx, bidOutcome("u1"))
	require.NoError(t, err)
	require.False(t, later.Results[0].Duplicate)
	require.NotEqual(t, first.Results[0].RecordID, later.Results[0].RecordID)
}

func TestDispatch_DuplicateWhileWinnerIsCreating(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := bidOutcome("u1")

	_, err := h.guard.CheckAndReserve(ctx, DedupeKey(req), "u1", 5*time.Minute, "in-flight-id")
	require.NoError(t, err)

	res, err := h.d.Dispatch(ctx, req)
	require.NoError(t, err)
	r := res.Results[0]
	require.True(t, r.Duplicate)
	require.Equal(t, "in-flight-id", r.RecordID)
	require.Empty(t, r.PerChannel)
	require.Zero(t, h.realtime.callCount()+h.push.callCount()+h.sms.callCount())
}

func TestDispatch_DuplicateRetriesOnlyStalePending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.realtime.deliver = nil // connected: delivered
	h.pools.hold = true

	first, err := h.d.Dispatch(ctx, bidOutcome("u1"))
	require.NoError(t, err)
	recordID := first.Results[0].RecordID
	require.Equal(t, domain.StatusPending, h.record(t, recordID).Delivery[domain.ChannelPush].Status)

	// Still in flight: reported, not re-sent.
	h.pools.hold = false
	dup, err := h.d.Dispatch(ctx, bidOutcome("u1"))
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, dup.Results[0].PerChannel[domain.ChannelPush].Status)
	require.Zero(t, h.push.callCount())

	// Queued in this process, so stale age alone does not re-send it.
	h.clock.Advance(3 * time.Minute)
	dup, err = h.d.Dispatch(ctx, bidOutcome("u1"))
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, dup.Results[0].PerChannel[domain.ChannelPush].Status)
	require.Zero(t, h.push.callCount())

	// The process that queued it is gone.
	h.d = h.restart()
	dup, err = h.d.Dispatch(ctx, bidOutcome("u1"))
	require.NoError(t, err)
	r := dup.Results[0]
	require.True(t, r.Duplicate)
	require.Equal(t, recordID, r.RecordID)
	require.Equal(t, 1, h.realtime.callCount())
	require.Equal(t, 1, h.push.callCount())
	require.Equal(t, domain.StatusDelivered, h.record(t, recordID).Delivery[domain.ChannelPush].Status)
	// Skipped for cost after the realtime delivery, never attempted.
	require.Equal(t, domain.StatusSkipped, r.PerChannel[domain.ChannelSMS].Status)
	require.Zero(t, h.sms.callCount())
}

func TestDispatch_QuietHours(t *testing.T) {
	tests := []struct {
		name      string
		priority  domain.Priority
		disabled  []domain.Channel
		wantPush  domain.DeliveryStatus
		wantSMS   domain.DeliveryStatus
		smsReason string
	}{
		{"normal is held back", domain.PriorityNormal, nil, domain.StatusSkipped, domain.StatusSkipped, reasonQuietHours},
		{"critical bypasses quiet hours", domain.PriorityCritical, nil, domain.StatusPending, domain.StatusPending, ""},
		{"critical keeps opt-outs", domain.PriorityCritical, []domain.Channel{domain.ChannelSMS}, domain.StatusPending, domain.StatusSkipped, reasonOptedOut},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.clock.Advance(11 * time.Hour) // 23:00 UTC
			require.NoError(t, h.prefs.Put(ctx, &domain.PreferenceSet{
				RecipientID:      "u1",
				DisabledChannels: tt.disabled,
				QuietHours:       domain.QuietHours{Start: "22:00", End: "07:00"},
				Timezone:         "UTC",
			}))

			req := bidOutcome("u1")
			req.Priority = tt.priority
			res, err := h.d.Dispatch(ctx, req)
			require.NoError(t, err)

			r := res.Results[0]
			require.Equal(t, tt.wantPush, r.PerChannel[domain.ChannelPush].Status)
			require.Equal(t, tt.wantSMS, r.PerChannel[domain.ChannelSMS].Status)
			if tt.smsReason != "" {
				require.Equal(t, tt.smsReason, r.PerChannel[domain.ChannelSMS].Detail)
				require.Equal(t, tt.smsReason, h.record(t, r.RecordID).Delivery[domain.ChannelSMS].LastError)
			}
			// Realtime is never quiet-sensitive.
			require.Equal(t, 1, h.realtime.callCount())
		})
	}
}

func TestDispatch_PartialFailureDoesNotAbort(t *testing.T) {
	h := newHarness(t)
	h.push.deliver = func(context.Context, channel.Recipient) domain.DeliveryOutcome {
		return domain.Failed(errors.New("push gateway 503"), 3)
	}

	res, err := h.d.Dispatch(context.Background(), bidOutcome("u1", "u2"))
	require.NoError(t, err)
	require.Len(t, res.Results, 2)

	for _, r := range res.Results {
		rec := h.record(t, r.RecordID)
		require.Equal(t, domain.StatusFailed, rec.Delivery[domain.ChannelPush].Status)
		require.Equal(t, 3, rec.Delivery[domain.ChannelPush].Attempts)
		require.Equal(t, "push gateway 503", rec.Delivery[domain.ChannelPush].LastError)
		require.Equal(t, domain.StatusDelivered, rec.Delivery[domain.ChannelSMS].Status)
	}
}

func TestDispatch_CostTierSkipAfterRealtime(t *testing.T) {
	tests := []struct {
		name      string
		category  domain.Category
		wantSMS   domain.DeliveryStatus
		wantCalls int
	}{
		{"expensive channel skipped", domain.CategoryBidOutcome, domain.StatusSkipped, 0},
		{"multi-channel category keeps sms", domain.CategorySecurityAlert, domain.StatusDelivered, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.realtime.deliver = nil

			res, err := h.d.Dispatch(context.Background(), domain.NotificationRequest{
				Category: tt.category, Recipients: []string{"u1"}, SourceEventID: "evt-2",
			})
			require.NoError(t, err)
			rec := h.record(t, res.Results[0].RecordID)
			require.Equal(t, domain.StatusDelivered, rec.Delivery[domain.ChannelRealtime].Status)
			require.Equal(t, tt.wantSMS, rec.Delivery[domain.ChannelSMS].Status)
			require.Equal(t, tt.wantCalls, h.sms.callCount())
			if tt.wantSMS == domain.StatusSkipped {
				require.Equal(t, reasonCheaperFirst, rec.Delivery[domain.ChannelSMS].LastError)
			}
		})
	}
}

func TestDispatch_RealtimeIsAttemptedFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.prefs.Put(ctx, &domain.PreferenceSet{
		RecipientID: "u1",
		Categories: map[domain.Category][]domain.Channel{
			domain.CategoryOutbid: {domain.ChannelPush, domain.ChannelRealtime},
		},
	}))

	var order []domain.Channel
	var mu sync.Mutex
	track := func(ch domain.Channel, o domain.DeliveryOutcome) func(context.Context, channel.Recipient) domain.DeliveryOutcome {
		return func(context.Context, channel.Recipient) domain.DeliveryOutcome {
			mu.Lock()
			order = append(order, ch)
			mu.Unlock()
			return o
		}
	}
	h.realtime.deliver = track(domain.ChannelRealtime, domain.Delivered("sockets:1", 1))
	h.push.deliver = track(domain.ChannelPush, domain.Delivered("p", 1))

	_, err := h.d.Dispatch(ctx, domain.NotificationRequest{Category: domain.CategoryOutbid, Recipients: []string{"u1"}})
	require.NoError(t, err)
	require.Equal(t, []domain.Channel{domain.ChannelRealtime, domain.ChannelPush}, order)
}

func TestDispatch_RealtimeTimeout(t *testing.T) {
	h := newHarness(t)
	h.realtime.deliver = func(ctx context.Context, _ channel.Recipient) domain.DeliveryOutcome {
		<-ctx.Done()
		return domain.Failed(ctx.Err(), 1)
	}

	res, err := h.d.Dispatch(context.Background(), bidOutcome("u1"))
	require.NoError(t, err)
	out := res.Results[0].PerChannel[domain.ChannelRealtime]
	require.Equal(t, domain.StatusFailed, out.Status)
	require.Contains(t, out.Detail, "timed out")
	// A failed realtime attempt does not suppress the expensive channel.
	require.Equal(t, domain.StatusDelivered, h.record(t, res.Results[0].RecordID).Delivery[domain.ChannelSMS].Status)
}

func TestDispatch_PoolRejectionLeavesChannelPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.pools.reject = worker.ErrPoolOverload

	res, err := h.d.Dispatch(ctx, bidOutcome("u1"))
	require.NoError(t, err)
	id := res.Results[0].RecordID
	require.Equal(t, domain.StatusPending, res.Results[0].PerChannel[domain.ChannelPush].Status)
	rec := h.record(t, id)
	require.ElementsMatch(t, []domain.Channel{domain.ChannelPush, domain.ChannelSMS}, rec.PendingChannels())
	require.Empty(t, rec.Delivery[domain.ChannelPush].LastError)

	// Rejected work is not in flight; the next sweep sends it once.
	h.pools.reject = nil
	h.clock.Advance(3 * time.Minute)
	_, err = h.d.RetryPending(ctx, id)
	require.NoError(t, err)
	require.Empty(t, h.record(t, id).PendingChannels())
	require.Equal(t, domain.StatusDelivered, h.record(t, id).Delivery[domain.ChannelSMS].Status)
	require.Equal(t, 1, h.push.callCount())
	require.Equal(t, 1, h.sms.callCount())
}

func TestDispatch_RateLimitSkips(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var last *domain.DispatchResult
	for _, evt := range []string{"e1", "e2", "e3"} {
		req := bidOutcome("u1")
		req.SourceEventID = evt
		res, err := h.d.Dispatch(ctx, req)
		require.NoError(t, err)
		last = res
	}
	require.Equal(t, 2, h.sms.callCount())
	out := last.Results[0].PerChannel[domain.ChannelSMS]
	require.Equal(t, domain.StatusSkipped, out.Status)
	require.Equal(t, reasonRateLimited, out.Detail)
}

func TestDispatch_StoreUnavailableReleasesReservation(t *testing.T) {
	h := newHarness(t)
	fs := &failingStore{Store: h.store, createErr: errors.New("connection reset")}
	h.d.store = fs
	ctx := context.Background()

	res, err := h.d.Dispatch(ctx, bidOutcome("u1"))
	require.Nil(t, res)
	require.True(t, apperrors.IsStoreUnavailable(err))
	require.Zero(t, h.push.callCount())

	// The caller's retry is not mistaken for a duplicate.
	fs.createErr = nil
	res, err = h.d.Dispatch(ctx, bidOutcome("u1"))
	require.NoError(t, err)
	require.False(t, res.Results[0].Duplicate)
	require.Equal(t, 1, h.push.callCount())
}

func TestDispatch_GuardFailureFailsClosed(t *testing.T) {
	h := newHarness(t, func(d *Deps, _ *Config) { d.Guard = brokenGuard{} })

	res, err := h.d.Dispatch(context.Background(), bidOutcome("u1"))
	require.NoError(t, err)
	require.False(t, res.Results[0].Duplicate)
	require.NotEmpty(t, res.Results[0].RecordID)
	h.record(t, res.Results[0].RecordID)
}

func TestDispatch_NoAdapterRegistered(t *testing.T) {
	h := newHarness(t)
	h.d.registry = channel.NewRegistry(h.realtime, h.push)

	res, err := h.d.Dispatch(context.Background(), bidOutcome("u1"))
	require.NoError(t, err)
	out := res.Results[0].PerChannel[domain.ChannelSMS]
	require.Equal(t, domain.StatusSkipped, out.Status)
	require.Equal(t, reasonNoAdapter, out.Detail)
}

func TestRetryPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.d.RetryPending(ctx, "missing")
	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, apperrors.CodeNotificationNotFound, appErr.Code)

	h.pools.hold = true
	res, err := h.d.Dispatch(ctx, bidOutcome("u1"))
	require.NoError(t, err)
	id := res.Results[0].RecordID
	h.pools.hold = false

	out, err := h.d.RetryPending(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, out[domain.ChannelSMS].Status)
	require.Equal(t, domain.StatusSkipped, out[domain.ChannelRealtime].Status)

	// The queued attempts finish late; nothing else was sent meanwhile.
	h.pools.runHeld(ctx)
	require.Equal(t, 1, h.sms.callCount())
	require.Equal(t, 1, h.push.callCount())

	h.clock.Advance(5 * time.Minute)
	out, err = h.d.RetryPending(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusDelivered, out[domain.ChannelSMS].Status)
	require.Equal(t, 1, h.sms.callCount())
}

func TestRetryPending_InFlightIsNotResent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.pools.hold = true
	res, err := h.d.Dispatch(ctx, bidOutcome("u1"))
	require.NoError(t, err)
	id := res.Results[0].RecordID
	require.Equal(t, 2, h.pools.heldCount())

	for _, step := range []time.Duration{3 * time.Minute, time.Minute} {
		h.clock.Advance(step)
		out, err := h.d.RetryPending(ctx, id)
		require.NoError(t, err)
		require.Equal(t, domain.StatusPending, out[domain.ChannelPush].Status)
		require.Equal(t, domain.StatusPending, out[domain.ChannelSMS].Status)
	}
	require.Equal(t, 2, h.pools.heldCount())

	h.pools.runHeld(ctx)
	require.Equal(t, 1, h.push.callCount())
	require.Equal(t, 1, h.sms.callCount())
	require.Empty(t, h.record(t, id).PendingChannels())
}

func TestRetryPending_LostTaskIsResentOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.pools.hold = true
	res, err := h.d.Dispatch(ctx, bidOutcome("u1"))
	require.NoError(t, err)
	id := res.Results[0].RecordID
	// The original process died with both tasks queued.
	h.pools.held = nil

	a, b := h.restart(), h.restart()
	h.clock.Advance(3 * time.Minute)
	out, err := a.RetryPending(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, out[domain.ChannelSMS].Status)
	require.Equal(t, 2, h.pools.heldCount())

	// A concurrent sweep on another instance loses the claim.
	out, err = b.RetryPending(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, out[domain.ChannelSMS].Status)
	h.clock.Advance(time.Minute)
	_, err = b.RetryPending(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 2, h.pools.heldCount())

	h.pools.hold = false
	h.pools.runHeld(ctx)
	require.Equal(t, 1, h.push.callCount())
	require.Equal(t, 1, h.sms.callCount())
	require.Equal(t, domain.StatusDelivered, h.record(t, id).Delivery[domain.ChannelSMS].Status)
}

func TestDispatch_WithWorkerPools(t *testing.T) {
	pools := newWorkerPools(t, 4)
	defer pools.Shutdown()

	h := newHarness(t, func(d *Deps, _ *Config) { d.Pools = pools })
	release := make(chan struct{})
	h.sms.deliver = func(context.Context, channel.Recipient) domain.DeliveryOutcome {
		<-release
		return domain.Delivered("sms-1", 1)
	}

	res, err := h.d.Dispatch(context.Background(), bidOutcome("u1"))
	require.NoError(t, err)
	id := res.Results[0].RecordID
	// A slow SMS does not hold up the dispatch result.
	require.Equal(t, domain.StatusPending, res.Results[0].PerChannel[domain.ChannelSMS].Status)

	close(release)
	require.Eventually(t, func() bool {
		rec, err := h.store.Get(context.Background(), id)
		return err == nil && rec.Delivery[domain.ChannelSMS].Status == domain.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatch_SaturatedDeliveryPoolDoesNotBlock(t *testing.T) {
	pools := newWorkerPools(t, 1)
	defer pools.Shutdown()
	h := newHarness(t, func(d *Deps, _ *Config) { d.Pools = pools })
	ctx := context.Background()

	release := make(chan struct{})
	slow := func(ctx context.Context, _ channel.Recipient) domain.DeliveryOutcome {
		select {
		case <-release:
			return domain.Delivered("ref", 1)
		case <-ctx.Done():
			return domain.Failed(ctx.Err(), 1)
		}
	}
	h.push.deliver = slow
	h.sms.deliver = slow

	type result struct {
		res *domain.DispatchResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := h.d.Dispatch(ctx, bidOutcome("u1"))
		done <- result{res, err}
	}()
	var res *domain.DispatchResult
	select {
	case r := <-done:
		require.NoError(t, r.err)
		res = r.res
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch blocked on a saturated delivery pool")
	}
	id := res.Results[0].RecordID
	require.Equal(t, domain.StatusPending, res.Results[0].PerChannel[domain.ChannelPush].Status)
	require.Equal(t, domain.StatusPending, res.Results[0].PerChannel[domain.ChannelSMS].Status)

	// One channel holds the only worker, the other was turned away.
	require.Eventually(t, func() bool {
		return h.push.callCount()+h.sms.callCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	close(release)
	pending := func() int {
		rec, err := h.store.Get(ctx, id)
		if err != nil {
			return -1
		}
		return len(rec.PendingChannels())
	}
	require.Eventually(t, func() bool { return pending() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The sweep picks the rejected channel up once a worker is free again.
	require.Eventually(t, func() bool {
		h.clock.Advance(3 * time.Minute)
		_, err := h.d.RetryPending(ctx, id)
		return err == nil && pending() == 0
	}, 2*time.Second, 20*time.Millisecond)
	require.Equal(t, 1, h.push.callCount())
	require.Equal(t, 1, h.sms.callCount())
}

func TestDispatch_ShutdownLeavesDeliveryPending(t *testing.T) {
	pools := newWorkerPools(t, 4)
	h := newHarness(t, func(d *Deps, _ *Config) { d.Pools = pools })
	h.sms.deliver = func(ctx context.Context, _ channel.Recipient) domain.DeliveryOutcome {
		<-ctx.Done()
		return domain.Failed(ctx.Err(), 1)
	}

	res, err := h.d.Dispatch(context.Background(), bidOutcome("u1"))
	require.NoError(t, err)
	id := res.Results[0].RecordID
	require.Eventually(t, func() bool { return h.sms.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	pools.Shutdown()
	st := h.record(t, id).Delivery[domain.ChannelSMS]
	require.Equal(t, domain.StatusPending, st.Status)
	require.Empty(t, st.LastError)
	require.Equal(t, domain.StatusDelivered, h.record(t, id).Delivery[domain.ChannelPush].Status)
}

func TestDispatch_PayloadContactsAreStripped(t *testing.T) {
	dir := channel.NewDirectory(map[string]channel.Contact{"u2": {Phone: "+15550200", Email: "u2@example.com"}})
	h := newHarness(t, func(d *Deps, _ *Config) { d.Contacts = dir })
	ctx := context.Background()

	req := bidOutcome("u1", "u2")
	req.SourceEventID = ""
	req.Payload = json.RawMessage(`{"auction_id":"a-1","contacts":{"u1":{"phone":"+15550100"},"u2":{"phone":"+15550222"}}}`)
	res, err := h.d.Dispatch(ctx, req)
	require.NoError(t, err)

	// Addresses do not take part in the dedupe key.
	plain := bidOutcome("u1", "u2")
	plain.SourceEventID = ""
	plain.Payload = json.RawMessage(`{"auction_id":"a-1"}`)
	require.Equal(t, DedupeKey(plain), res.DedupeKey)

	for _, r := range res.Results {
		require.JSONEq(t, `{"auction_id":"a-1"}`, string(h.record(t, r.RecordID).Payload))
	}

	msgs, tos := h.sms.sent()
	require.Len(t, msgs, 2)
	phones := map[string]string{}
	for i, msg := range msgs {
		require.NotContains(t, string(msg.Payload), "+1555")
		require.NotContains(t, string(channel.NotificationView(msg).Payload), channel.PayloadContactsKey)
		phones[tos[i].ID] = tos[i].Phone
	}
	require.Equal(t, map[string]string{"u1": "+15550100", "u2": "+15550222"}, phones)

	// Supplied addresses are kept for later re-drives.
	c, err := dir.Lookup(ctx, "u2")
	require.NoError(t, err)
	require.Equal(t, channel.Contact{Phone: "+15550222", Email: "u2@example.com"}, c)
	c, err = dir.Lookup(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "+15550100", c.Phone)
}

func TestGuaranteeTally(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []domain.DeliveryOutcome
		want     int
	}{
		{"every channel failed", []domain.DeliveryOutcome{domain.Failed(errors.New("x"), 1), domain.Failed(errors.New("y"), 3)}, 1},
		{"failed and skipped", []domain.DeliveryOutcome{domain.Failed(errors.New("x"), 1), domain.Skipped("no address")}, 0},
		{"delivered and failed", []domain.DeliveryOutcome{domain.Delivered("r", 1), domain.Failed(errors.New("x"), 1)}, 0},
		{"one still pending", []domain.DeliveryOutcome{domain.Failed(errors.New("x"), 1)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fired int
			tally := newGuaranteeTally(2, func() { fired++ })
			for _, o := range tt.outcomes {
				tally.observe(o)
			}
			require.Equal(t, tt.want, fired)
		})
	}

	var nilTally *guaranteeTally
	nilTally.observe(domain.Delivered("r", 1))
}

type recordingProvider struct {
	mu   sync.Mutex
	sent []string
}

func (p *recordingProvider) Send(_ context.Context, target string, _ channel.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, target)
	return "sms-ref", nil
}

func (p *recordingProvider) targets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}
