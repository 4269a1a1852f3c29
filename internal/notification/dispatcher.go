// Package notification is the fan-out engine. The Dispatcher turns a
// NotificationRequest into one persisted record per recipient and drives
// that record's channels to a terminal delivery status.
//
// Per recipient the order is fixed: reserve the dedupe key, persist the
// record, then deliver. A record is never delivered before it exists, and
// a delivery outcome only ever updates the record it belongs to.
//
// Import Path: herald.io/herald/internal/notification
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"herald.io/herald/internal/channel"
	"herald.io/herald/internal/dedupe"
	"herald.io/herald/internal/domain"
	apperrors "herald.io/herald/internal/pkg/errors"
	"herald.io/herald/internal/pkg/logger"
	"herald.io/herald/internal/pkg/worker"
	"herald.io/herald/internal/preference"
	"herald.io/herald/internal/ratelimit"
	"herald.io/herald/internal/store"
)

// Submitter runs detached background tasks; *worker.Pools satisfies it.
type Submitter interface {
	SubmitDetached(poolName string, task worker.Task) error
}

// UnreadNotifier pushes a recipient's unread badge count.
type UnreadNotifier interface {
	PublishUnreadCount(ctx context.Context, recipientID string, count int64) error
}

// Config tunes the Dispatcher.
type Config struct {
	DedupeWindow    time.Duration
	RealtimeTimeout time.Duration
	// RetryAfter is how long a channel must have been pending before a
	// duplicate request or RetryPending re-drives it. Younger pending
	// channels, and channels this process still has queued, are in flight.
	RetryAfter time.Duration
	// RateWindow is the window the per-channel rate limits apply to.
	RateWindow time.Duration
	// StatusWriteTimeout bounds outcome writes made after the request
	// context is gone.
	StatusWriteTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DedupeWindow:       5 * time.Minute,
		RealtimeTimeout:    3 * time.Second,
		RetryAfter:         2 * time.Minute,
		RateWindow:         time.Hour,
		StatusWriteTimeout: 5 * time.Second,
	}
}

// Deps are the collaborators of a Dispatcher. Unread is optional. When
// Contacts is also a channel.ContactBook, addresses supplied in a request
// payload are saved to it.
type Deps struct {
	Guard    dedupe.Guard
	Store    store.Store
	Prefs    *preference.Resolver
	Registry *channel.Registry
	Contacts channel.ContactDirectory
	Limiter  ratelimit.Limiter
	Pools    Submitter
	Unread   UnreadNotifier
}

// Dispatcher fans notification requests out to recipients and channels.
type Dispatcher struct {
	guard    dedupe.Guard
	store    store.Store
	prefs    *preference.Resolver
	registry *channel.Registry
	contacts channel.ContactDirectory
	limiter  ratelimit.Limiter
	pools    Submitter
	unread   UnreadNotifier
	cfg      Config
	log      *zap.Logger

	// inflight holds the channels this process has handed to the delivery
	// pool and not yet settled.
	mu       sync.Mutex
	inflight map[deliveryKey]struct{}

	now   func() time.Time
	newID func() string
}

type deliveryKey struct {
	recordID string
	channel  domain.Channel
}

// NewDispatcher creates a Dispatcher. Zero Config fields take DefaultConfig
// values.
func NewDispatcher(deps Deps, cfg Config) *Dispatcher {
	def := DefaultConfig()
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = def.DedupeWindow
	}
	if cfg.RealtimeTimeout <= 0 {
		cfg.RealtimeTimeout = def.RealtimeTimeout
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = def.RetryAfter
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.StatusWriteTimeout <= 0 {
		cfg.StatusWriteTimeout = def.StatusWriteTimeout
	}
	return &Dispatcher{
		guard:    deps.Guard,
		store:    deps.Store,
		prefs:    deps.Prefs,
		registry: deps.Registry,
		contacts: deps.Contacts,
		limiter:  deps.Limiter,
		pools:    deps.Pools,
		unread:   deps.Unread,
		cfg:      cfg,
		log:      logger.Named("dispatcher"),
		inflight: make(map[deliveryKey]struct{}),
		now:      time.Now,
		newID:    newRecordID,
	}
}

func newRecordID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Dispatch delivers req to every recipient. It returns a ValidationError for
// a malformed request and StoreUnavailable when a record cannot be
// persisted; every channel-level problem is reported in the result instead.
//
// Records created for earlier recipients before a store failure stay; a
// retry of the same request is collapsed onto them by the dedupe key.
func (d *Dispatcher) Dispatch(ctx context.Context, req domain.NotificationRequest) (*domain.DispatchResult, error) {
	req, spec, supplied, err := d.normalize(req)
	if err != nil {
		return nil, err
	}

	key := DedupeKey(req)
	result := &domain.DispatchResult{
		DedupeKey: key,
		Results:   make([]domain.RecipientResult, 0, len(req.Recipients)),
	}
	for _, recipientID := range req.Recipients {
		res, err := d.dispatchOne(ctx, req, spec, key, recipientID, supplied[recipientID])
		if err != nil {
			return nil, err
		}
		result.Results = append(result.Results, res)
	}
	return result, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, req domain.NotificationRequest, spec preference.CategorySpec, key, recipientID string, supplied channel.Contact) (domain.RecipientResult, error) {
	candidate := d.newID()
	reserved := true
	rsv, err := d.guard.CheckAndReserve(ctx, key, recipientID, d.cfg.DedupeWindow, candidate)
	if err != nil {
		// Without the guard a duplicate is possible but a drop is not.
		d.log.Warn("Dedupe guard unavailable, dispatching as new",
			zap.String("recipient_id", recipientID),
			zap.String("dedupe_key", key),
			zap.Error(err),
		)
		rsv = dedupe.Reservation{IsNew: true}
		reserved = false
	}
	if !rsv.IsNew {
		return d.handleDuplicate(ctx, recipientID, rsv.ExistingRecordID, supplied)
	}

	now := d.now().UTC()
	pref := d.prefs.ResolveCategory(ctx, recipientID, spec, req.Priority)
	p := d.plan(spec, pref, req.Priority, now)

	rec := &domain.NotificationRecord{
		ID:            candidate,
		RecipientID:   recipientID,
		Category:      req.Category,
		Priority:      req.Priority,
		Title:         req.Title,
		Body:          req.Body,
		Payload:       req.Payload,
		DedupeKey:     key,
		SourceEventID: req.SourceEventID,
		CreatedAt:     now,
		Delivery:      p.initialStates(now),
	}
	if err := d.store.Create(ctx, rec); err != nil {
		d.release(ctx, reserved, key, recipientID, candidate)
		return domain.RecipientResult{}, apperrors.ErrStoreUnavailable("create", err)
	}

	per := make(map[domain.Channel]domain.DeliveryOutcome, len(rec.Delivery))
	for ch, reason := range p.skipped {
		per[ch] = domain.Skipped(reason)
	}
	to := d.recipient(ctx, recipientID, supplied)
	for ch, o := range d.execute(ctx, rec, spec, to, p.channels, pref.RateLimits) {
		per[ch] = o
	}
	d.pushUnreadCount(recipientID)

	d.log.Debug("Notification dispatched",
		zap.String("record_id", rec.ID),
		zap.String("recipient_id", recipientID),
		zap.String("category", string(rec.Category)),
		zap.Int("channels", len(p.channels)),
	)
	return domain.RecipientResult{RecipientID: recipientID, RecordID: rec.ID, PerChannel: per}, nil
}

func (d *Dispatcher) release(ctx context.Context, reserved bool, key, recipientID, recordID string) {
	if !reserved {
		return
	}
	if err := d.guard.Release(ctx, key, recipientID, recordID); err != nil {
		d.log.Warn("Failed to release dedupe reservation",
			zap.String("recipient_id", recipientID),
			zap.String("dedupe_key", key),
			zap.Error(err),
		)
	}
}

// handleDuplicate reports an existing record and re-drives its stale
// pending channels. Delivered channels are never attempted again.
func (d *Dispatcher) handleDuplicate(ctx context.Context, recipientID, existingID string, supplied channel.Contact) (domain.RecipientResult, error) {
	res := domain.RecipientResult{
		RecipientID: recipientID,
		RecordID:    existingID,
		Duplicate:   true,
		PerChannel:  map[domain.Channel]domain.DeliveryOutcome{},
	}
	rec, err := d.store.Get(ctx, existingID)
	if errors.Is(err, store.ErrNotFound) {
		// The winning dispatch holds the reservation but has not committed
		// the record yet; it owns delivery.
		return res, nil
	}
	if err != nil {
		return domain.RecipientResult{}, apperrors.ErrStoreUnavailable("load duplicate", err)
	}
	res.PerChannel = d.retry(ctx, rec, supplied)
	return res, nil
}

// RetryPending re-drives every channel of the record that has been pending
// for longer than Config.RetryAfter and returns the outcome of every channel.
// A channel is re-driven only by the caller that claims it in the store, so
// concurrent sweeps and duplicate requests send it once.
func (d *Dispatcher) RetryPending(ctx context.Context, recordID string) (map[domain.Channel]domain.DeliveryOutcome, error) {
	rec, err := d.store.Get(ctx, recordID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.ErrNotificationNotFoundf(recordID)
	}
	if err != nil {
		return nil, apperrors.ErrStoreUnavailable("load record", err)
	}
	return d.retry(ctx, rec, channel.Contact{}), nil
}

func (d *Dispatcher) retry(ctx context.Context, rec *domain.NotificationRecord, supplied channel.Contact) map[domain.Channel]domain.DeliveryOutcome {
	out := make(map[domain.Channel]domain.DeliveryOutcome, len(rec.Delivery))
	now := d.now().UTC()
	cutoff := now.Add(-d.cfg.RetryAfter)
	var due []domain.Channel
	for _, ch := range domain.AllChannels {
		st, ok := rec.Delivery[ch]
		if !ok {
			continue
		}
		if st.Status.IsTerminal() {
			out[ch] = outcomeFromState(st)
			continue
		}
		out[ch] = domain.Pending()
		if d.isInFlight(rec.ID, ch) || !st.UpdatedAt.Before(cutoff) {
			continue
		}
		claimed, err := d.store.ClaimPending(ctx, rec.ID, ch, cutoff, now)
		if err != nil {
			d.log.Warn("Failed to claim pending delivery",
				zap.String("record_id", rec.ID),
				zap.String("channel", string(ch)),
				zap.Error(err),
			)
			continue
		}
		if claimed {
			due = append(due, ch)
		}
	}
	if len(due) == 0 {
		return out
	}

	spec, ok := d.prefs.Catalog().Lookup(rec.Category)
	if !ok {
		spec = preference.CategorySpec{Category: rec.Category}
	}
	to := d.recipient(ctx, rec.RecipientID, supplied)
	for ch, o := range d.execute(ctx, rec, spec, to, due, nil) {
		out[ch] = o
	}
	return out
}

// recipient resolves the addresses for recipientID. Addresses supplied with
// the request win over the directory and are saved for later re-drives.
func (d *Dispatcher) recipient(ctx context.Context, recipientID string, supplied channel.Contact) channel.Recipient {
	c, err := d.contacts.Lookup(ctx, recipientID)
	if err != nil {
		d.log.Warn("Contact lookup failed, delivering without stored addresses",
			zap.String("recipient_id", recipientID),
			zap.Error(err),
		)
	}
	if !supplied.IsZero() {
		c = c.Merge(supplied)
		if book, ok := d.contacts.(channel.ContactBook); ok {
			if err := book.Save(ctx, recipientID, supplied); err != nil {
				d.log.Warn("Failed to save supplied contact",
					zap.String("recipient_id", recipientID),
					zap.Error(err),
				)
			}
		}
	}
	return channel.Recipient{ID: recipientID, Contact: c}
}

func (d *Dispatcher) beginInFlight(recordID string, ch domain.Channel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := deliveryKey{recordID: recordID, channel: ch}
	if _, ok := d.inflight[k]; ok {
		return false
	}
	d.inflight[k] = struct{}{}
	return true
}

func (d *Dispatcher) endInFlight(recordID string, ch domain.Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, deliveryKey{recordID: recordID, channel: ch})
}

func (d *Dispatcher) isInFlight(recordID string, ch domain.Channel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[deliveryKey{recordID: recordID, channel: ch}]
	return ok
}

func outcomeFromState(st domain.DeliveryState) domain.DeliveryOutcome {
	return domain.DeliveryOutcome{
		Status:      st.Status,
		ProviderRef: st.ProviderRef,
		Detail:      st.LastError,
		Attempts:    st.Attempts,
	}
}

func (d *Dispatcher) pushUnreadCount(recipientID string) {
	if d.unread == nil {
		return
	}
	err := d.pools.SubmitDetached(worker.PoolGeneral, func(ctx context.Context) {
		count, err := d.store.CountUnread(ctx, recipientID)
		if err != nil {
			d.log.Warn("Failed to count unread notifications",
				zap.String("recipient_id", recipientID),
				zap.Error(err),
			)
			return
		}
		if err := d.unread.PublishUnreadCount(ctx, recipientID, count); err != nil {
			d.log.Debug("Unread count push failed",
				zap.String("recipient_id", recipientID),
				zap.Error(err),
			)
		}
	})
	if err != nil {
		d.log.Debug("Unread count push not scheduled", zap.Error(err))
	}
}

// normalize validates req and fills defaults. Recipient ids are trimmed and
// deduplicated keeping their first position. Addresses supplied in the
// payload are split off and returned per recipient.
func (d *Dispatcher) normalize(req domain.NotificationRequest) (domain.NotificationRequest, preference.CategorySpec, map[string]channel.Contact, error) {
	var fieldErrs []apperrors.FieldError

	seen := make(map[string]struct{}, len(req.Recipients))
	recipients := make([]string, 0, len(req.Recipients))
	for _, id := range req.Recipients {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		recipients = append(recipients, id)
	}
	if len(recipients) == 0 {
		fieldErrs = append(fieldErrs, apperrors.FieldError{Field: "recipients", Code: "required", Message: "at least one recipient is required"})
	}
	req.Recipients = recipients

	spec, ok := d.prefs.Catalog().Lookup(req.Category)
	if !ok {
		fieldErrs = append(fieldErrs, apperrors.FieldError{Field: "category", Code: "unknown", Message: "unknown category " + string(req.Category)})
	}

	priority, err := domain.ParsePriority(string(req.Priority))
	if err != nil {
		fieldErrs = append(fieldErrs, apperrors.FieldError{Field: "priority", Code: "invalid", Message: err.Error()})
	}
	req.Priority = priority

	var supplied map[string]channel.Contact
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		fieldErrs = append(fieldErrs, apperrors.FieldError{Field: "payload", Code: "invalid", Message: "payload must be valid JSON"})
	} else if supplied, req.Payload, err = channel.ExtractContacts(req.Payload); err != nil {
		fieldErrs = append(fieldErrs, apperrors.FieldError{Field: "payload." + channel.PayloadContactsKey, Code: "invalid", Message: err.Error()})
	}

	if len(fieldErrs) > 0 {
		return req, spec, nil, apperrors.ErrValidationf("invalid notification request").WithFieldErrors(fieldErrs)
	}
	return req, spec, supplied, nil
}
