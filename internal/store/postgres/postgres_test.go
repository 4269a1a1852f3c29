package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"herald.io/herald/internal/domain"
	"herald.io/herald/internal/store"
	"herald.io/herald/internal/store/postgres"
	"herald.io/herald/internal/testutil"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRecord(id, recipient string, createdAt time.Time) *domain.NotificationRecord {
	return &domain.NotificationRecord{
		ID:          id,
		RecipientID: recipient,
		Category:    domain.CategoryBidOutcome,
		Priority:    domain.PriorityNormal,
		Payload:     []byte(`{"auction_id":"a-1"}`),
		DedupeKey:   "bid-outcome:" + id,
		CreatedAt:   createdAt,
	}
}

func withPending(rec *domain.NotificationRecord, at time.Time, channels ...domain.Channel) *domain.NotificationRecord {
	rec.Delivery = make(map[domain.Channel]domain.DeliveryState, len(channels))
	for _, ch := range channels {
		rec.Delivery[ch] = domain.DeliveryState{Status: domain.StatusPending, UpdatedAt: at}
	}
	return rec
}

func TestStore_CreateWithDeliveryAndGet(t *testing.T) {
	ctx := context.Background()
	s := postgres.New(testutil.OpenPGXPool(t, "store_create"))

	rec := newRecord("n-1", "u-1", base)
	rec.Delivery = map[domain.Channel]domain.DeliveryState{
		domain.ChannelPush: {Status: domain.StatusSkipped, LastError: "quiet hours", UpdatedAt: base},
		domain.ChannelSMS:  {Status: domain.StatusPending, UpdatedAt: base},
	}
	require.NoError(t, s.Create(ctx, rec))

	got, err := s.Get(ctx, "n-1")
	require.NoError(t, err)
	require.Equal(t, "u-1", got.RecipientID)
	require.JSONEq(t, `{"auction_id":"a-1"}`, string(got.Payload))
	require.Nil(t, got.ReadAt)
	require.Equal(t, domain.StatusSkipped, got.Delivery[domain.ChannelPush].Status)
	require.Equal(t, "quiet hours", got.Delivery[domain.ChannelPush].LastError)
	require.Equal(t, []domain.Channel{domain.ChannelSMS}, got.PendingChannels())

	_, err = s.Get(ctx, "missing")
	require.True(t, errors.Is(err, store.ErrNotFound))
}

func TestStore_MarkRead(t *testing.T) {
	ctx := context.Background()
	s := postgres.New(testutil.OpenPGXPool(t, "store_mark_read"))
	require.NoError(t, s.Create(ctx, newRecord("n-1", "u-1", base)))

	require.NoError(t, s.MarkRead(ctx, "n-1", base.Add(time.Minute)))
	require.NoError(t, s.MarkRead(ctx, "n-1", base.Add(time.Hour)))

	got, err := s.Get(ctx, "n-1")
	require.NoError(t, err)
	require.True(t, got.ReadAt.Equal(base.Add(time.Minute)))

	require.True(t, errors.Is(s.MarkRead(ctx, "missing", base), store.ErrNotFound))

	count, err := s.CountUnread(ctx, "u-1")
	require.NoError(t, err)
	require.EqualValues(t, 0, count)
}

func TestStore_DeliveryStatusForwardOnly(t *testing.T) {
	ctx := context.Background()
	s := postgres.New(testutil.OpenPGXPool(t, "store_delivery"))
	require.NoError(t, s.Create(ctx, withPending(newRecord("n-1", "u-1", base), base, domain.ChannelSMS)))

	applied, err := s.UpdateDeliveryStatus(ctx, "n-1", domain.ChannelSMS, store.DeliveryUpdate{
		Status: domain.StatusDelivered, Attempts: 2, ProviderRef: "sms-7", At: base,
	})
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = s.UpdateDeliveryStatus(ctx, "n-1", domain.ChannelSMS, store.DeliveryUpdate{
		Status: domain.StatusFailed, At: base,
	})
	require.NoError(t, err)
	require.False(t, applied)

	claimed, err := s.ClaimPending(ctx, "n-1", domain.ChannelSMS, base.Add(time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestStore_ClaimPending(t *testing.T) {
	ctx := context.Background()
	s := postgres.New(testutil.OpenPGXPool(t, "store_claim"))
	require.NoError(t, s.Create(ctx, withPending(newRecord("n-1", "u-1", base), base, domain.ChannelPush)))

	claimed, err := s.ClaimPending(ctx, "n-1", domain.ChannelPush, base, base.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, claimed, "not stale yet")

	claimed, err = s.ClaimPending(ctx, "n-1", domain.ChannelPush, base.Add(time.Minute), base.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = s.ClaimPending(ctx, "n-1", domain.ChannelPush, base.Add(time.Minute), base.Add(2*time.Minute))
	require.NoError(t, err)
	require.False(t, claimed, "second claim with the same cutoff")

	got, err := s.Get(ctx, "n-1")
	require.NoError(t, err)
	require.True(t, got.Delivery[domain.ChannelPush].UpdatedAt.Equal(base.Add(time.Minute)))

	claimed, err = s.ClaimPending(ctx, "missing", domain.ChannelPush, base.Add(time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestStore_CursorPaginationIsStableUnderInserts(t *testing.T) {
	ctx := context.Background()
	s := postgres.New(testutil.OpenPGXPool(t, "store_page"))
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Create(ctx, newRecord(fmt.Sprintf("n-%02d", i), "u-1", base.Add(time.Duration(i)*time.Second))))
	}

	first, err := s.ListPaginated(ctx, "u-1", store.ListOptions{PageSize: 4})
	require.NoError(t, err)
	require.Len(t, first.Items, 4)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Create(ctx, newRecord(fmt.Sprintf("new-%d", i), "u-1", base.Add(time.Hour+time.Duration(i)*time.Second))))
	}

	seen := map[string]bool{}
	for _, it := range first.Items {
		seen[it.ID] = true
	}
	cursor := first.NextCursor
	for cursor != "" {
		page, err := s.ListPaginated(ctx, "u-1", store.ListOptions{Cursor: cursor, PageSize: 4})
		require.NoError(t, err)
		for _, it := range page.Items {
			require.False(t, seen[it.ID])
			seen[it.ID] = true
		}
		cursor = page.NextCursor
	}
	require.Len(t, seen, 10)
}

func TestStore_StalePendingAndRetention(t *testing.T) {
	ctx := context.Background()
	s := postgres.New(testutil.OpenPGXPool(t, "store_stale"))
	require.NoError(t, s.Create(ctx, withPending(newRecord("old", "u-1", base), base, domain.ChannelEmail)))

	stale, err := s.ListStalePending(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, domain.ChannelEmail, stale[0].Channel)
	require.True(t, stale[0].RecordCreatedAt.Equal(base))

	deleted, err := s.DeleteCreatedBefore(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	stale, err = s.ListStalePending(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Empty(t, stale)
}
