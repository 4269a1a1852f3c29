// Package postgres implements store.Store on the shared pgx pool.
//
// Record creation and its initial delivery rows share one transaction;
// delivery-status writes are single conditional upserts so concurrent
// adapters and the reconcile sweep never regress a terminal state.
//
// Import Path: herald.io/herald/internal/store/postgres
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"herald.io/herald/internal/domain"
	sqlcrepo "herald.io/herald/internal/repository/sqlc"
	"herald.io/herald/internal/store"
)

const pgForeignKeyViolation = "23503"

// Store is the PostgreSQL notification store.
type Store struct {
	pool    *pgxpool.Pool
	queries *sqlcrepo.Queries
}

var _ store.Store = (*Store)(nil)

// New creates a store on pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, queries: sqlcrepo.New(pool)}
}

func (s *Store) Create(ctx context.Context, rec *domain.NotificationRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create notification tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	qtx := s.queries.WithTx(tx)
	if err := qtx.InsertNotification(ctx, sqlcrepo.InsertNotificationParams{
		ID:            rec.ID,
		RecipientID:   rec.RecipientID,
		Category:      string(rec.Category),
		Priority:      string(rec.Priority),
		Title:         rec.Title,
		Body:          rec.Body,
		Payload:       rec.Payload,
		DedupeKey:     rec.DedupeKey,
		SourceEventID: rec.SourceEventID,
		CreatedAt:     rec.CreatedAt,
	}); err != nil {
		return fmt.Errorf("insert notification %s: %w", rec.ID, err)
	}

	for _, ch := range domain.AllChannels {
		st, ok := rec.Delivery[ch]
		if !ok {
			continue
		}
		if st.Status == domain.StatusPending {
			err = qtx.InsertPendingDelivery(ctx, sqlcrepo.InsertPendingDeliveryParams{
				RecordID: rec.ID, Channel: string(ch), UpdatedAt: st.UpdatedAt,
			})
		} else {
			_, err = qtx.UpsertTerminalDelivery(ctx, sqlcrepo.UpsertTerminalDeliveryParams{
				RecordID:    rec.ID,
				Channel:     string(ch),
				Status:      string(st.Status),
				Attempts:    int32(st.Attempts),
				ProviderRef: st.ProviderRef,
				LastError:   st.LastError,
				UpdatedAt:   st.UpdatedAt,
			})
		}
		if err != nil {
			return fmt.Errorf("insert delivery %s/%s: %w", rec.ID, ch, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create notification tx: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, recordID string) (*domain.NotificationRecord, error) {
	row, err := s.queries.GetNotification(ctx, recordID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get notification %s: %w", recordID, err)
	}
	recs := []domain.NotificationRecord{toRecord(row)}
	if err := s.attachDeliveries(ctx, recs); err != nil {
		return nil, err
	}
	return &recs[0], nil
}

func (s *Store) MarkRead(ctx context.Context, recordID string, at time.Time) error {
	n, err := s.queries.MarkNotificationRead(ctx, sqlcrepo.MarkNotificationReadParams{
		ID:     recordID,
		ReadAt: pgtype.Timestamptz{Time: at.UTC(), Valid: true},
	})
	if err != nil {
		return fmt.Errorf("mark notification %s read: %w", recordID, err)
	}
	if n > 0 {
		return nil
	}
	// Zero rows is either already-read (idempotent) or unknown.
	exists, err := s.queries.NotificationExists(ctx, recordID)
	if err != nil {
		return fmt.Errorf("check notification %s: %w", recordID, err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MarkAllRead(ctx context.Context, recipientID string, at time.Time) (int64, error) {
	n, err := s.queries.MarkAllNotificationsRead(ctx, sqlcrepo.MarkAllNotificationsReadParams{
		RecipientID: recipientID,
		ReadAt:      pgtype.Timestamptz{Time: at.UTC(), Valid: true},
	})
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read for %s: %w", recipientID, err)
	}
	return n, nil
}

func (s *Store) CountUnread(ctx context.Context, recipientID string) (int64, error) {
	n, err := s.queries.CountUnreadNotifications(ctx, recipientID)
	if err != nil {
		return 0, fmt.Errorf("count unread for %s: %w", recipientID, err)
	}
	return n, nil
}

func (s *Store) ListPaginated(ctx context.Context, recipientID string, opts store.ListOptions) (*store.Page, error) {
	cur, err := store.DecodeCursor(opts.Cursor)
	if err != nil {
		return nil, err
	}
	size := store.NormalizePageSize(opts.PageSize)

	params := sqlcrepo.ListNotificationsPageParams{
		RecipientID: recipientID,
		UnreadOnly:  opts.UnreadOnly,
		// One extra row tells us whether another page exists.
		Limit: int32(size + 1),
	}
	if cur != nil {
		params.HasCursor = true
		params.CursorCreatedAt = cur.CreatedAt
		params.CursorID = cur.ID
	}

	rows, err := s.queries.ListNotificationsPage(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("list notifications for %s: %w", recipientID, err)
	}

	page := &store.Page{Items: make([]domain.NotificationRecord, 0, min(size, len(rows)))}
	for i, row := range rows {
		if i == size {
			last := page.Items[len(page.Items)-1]
			page.NextCursor = store.EncodeCursor(store.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
			break
		}
		page.Items = append(page.Items, toRecord(row))
	}
	if err := s.attachDeliveries(ctx, page.Items); err != nil {
		return nil, err
	}
	return page, nil
}

func (s *Store) ClaimPending(ctx context.Context, recordID string, ch domain.Channel, staleBefore, at time.Time) (bool, error) {
	n, err := s.queries.ClaimPendingDelivery(ctx, sqlcrepo.ClaimPendingDeliveryParams{
		RecordID:    recordID,
		Channel:     string(ch),
		StaleBefore: staleBefore.UTC(),
		ClaimedAt:   at.UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("claim delivery %s/%s: %w", recordID, ch, err)
	}
	return n > 0, nil
}

func (s *Store) UpdateDeliveryStatus(ctx context.Context, recordID string, ch domain.Channel, u store.DeliveryUpdate) (bool, error) {
	if !u.Status.IsTerminal() {
		return false, fmt.Errorf("update delivery status: %q is not terminal", u.Status)
	}
	n, err := s.queries.UpsertTerminalDelivery(ctx, sqlcrepo.UpsertTerminalDeliveryParams{
		RecordID:    recordID,
		Channel:     string(ch),
		Status:      string(u.Status),
		Attempts:    int32(u.Attempts),
		ProviderRef: u.ProviderRef,
		LastError:   u.LastError,
		UpdatedAt:   u.At.UTC(),
	})
	if isForeignKeyViolation(err) {
		return false, store.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("update delivery %s/%s: %w", recordID, ch, err)
	}
	return n > 0, nil
}

func (s *Store) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]store.StalePending, error) {
	rows, err := s.queries.ListStalePendingDeliveries(ctx, sqlcrepo.ListStalePendingDeliveriesParams{
		OlderThan: olderThan.UTC(),
		Limit:     int32(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("list stale pending deliveries: %w", err)
	}
	out := make([]store.StalePending, 0, len(rows))
	for _, r := range rows {
		out = append(out, store.StalePending{
			RecordID:        r.RecordID,
			Channel:         domain.Channel(r.Channel),
			UpdatedAt:       r.UpdatedAt,
			RecordCreatedAt: r.RecordCreatedAt,
		})
	}
	return out, nil
}

func (s *Store) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.queries.DeleteNotificationsCreatedBefore(ctx, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete notifications before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return n, nil
}

func (s *Store) attachDeliveries(ctx context.Context, recs []domain.NotificationRecord) error {
	if len(recs) == 0 {
		return nil
	}
	ids := make([]string, len(recs))
	index := make(map[string]int, len(recs))
	for i := range recs {
		ids[i] = recs[i].ID
		index[recs[i].ID] = i
		recs[i].Delivery = make(map[domain.Channel]domain.DeliveryState)
	}
	rows, err := s.queries.ListDeliveriesForRecords(ctx, ids)
	if err != nil {
		return fmt.Errorf("load delivery state: %w", err)
	}
	for _, r := range rows {
		i, ok := index[r.RecordID]
		if !ok {
			continue
		}
		recs[i].Delivery[domain.Channel(r.Channel)] = domain.DeliveryState{
			Status:      domain.DeliveryStatus(r.Status),
			Attempts:    int(r.Attempts),
			ProviderRef: r.ProviderRef,
			LastError:   r.LastError,
			UpdatedAt:   r.UpdatedAt,
		}
	}
	return nil
}

func toRecord(row sqlcrepo.Notification) domain.NotificationRecord {
	rec := domain.NotificationRecord{
		ID:            row.ID,
		RecipientID:   row.RecipientID,
		Category:      domain.Category(row.Category),
		Priority:      domain.Priority(row.Priority),
		Title:         row.Title,
		Body:          row.Body,
		Payload:       row.Payload,
		DedupeKey:     row.DedupeKey,
		SourceEventID: row.SourceEventID,
		CreatedAt:     row.CreatedAt,
	}
	if row.ReadAt.Valid {
		t := row.ReadAt.Time
		rec.ReadAt = &t
	}
	return rec
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}
