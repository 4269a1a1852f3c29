// Package preference resolves which channels a recipient wants for a
// category, and manages the stored PreferenceSet behind that decision.
//
// Resolution never writes and never fails because preferences are
// unreadable: a missing set resolves to the category defaults, and a store
// error resolves to the defaults with a warning.
//
// Import Path: herald.io/herald/internal/preference
package preference

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"herald.io/herald/internal/domain"
	apperrors "herald.io/herald/internal/pkg/errors"
	"herald.io/herald/internal/pkg/logger"
)

// ErrUnknownCategory is returned for a category missing from the catalog.
var ErrUnknownCategory = errors.New("unknown notification category")

// Config configures a Resolver.
type Config struct {
	CacheTTL        time.Duration
	DefaultTimezone string
	// RateLimits caps deliveries per recipient per hour by channel. Channels
	// missing from the map are unlimited.
	RateLimits map[domain.Channel]int
}

// ResolvedPreference is the delivery plan input for one recipient and category.
type ResolvedPreference struct {
	RecipientID string
	Category    domain.Category
	Spec        CategorySpec
	// Channels are the enabled channels in the recipient's order.
	Channels         []domain.Channel
	DisabledChannels []domain.Channel
	QuietHours       domain.QuietHours
	Location         *time.Location
	RateLimits       map[domain.Channel]int
}

// InQuietHours reports whether now falls in the recipient's quiet window,
// evaluated in the recipient's timezone.
func (p ResolvedPreference) InQuietHours(now time.Time) bool {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	return p.QuietHours.Contains(now.In(loc))
}

type cacheEntry struct {
	set       *domain.PreferenceSet // nil when the recipient has no stored set
	expiresAt time.Time
}

// Resolver combines the catalog defaults with stored preferences.
type Resolver struct {
	catalog    *Catalog
	store      Store
	ttl        time.Duration
	defaultLoc *time.Location
	rateLimits map[domain.Channel]int
	now        func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewResolver creates a resolver.
func NewResolver(catalog *Catalog, store Store, cfg Config) (*Resolver, error) {
	tz := cfg.DefaultTimezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load default timezone %q: %w", tz, err)
	}
	limits := make(map[domain.Channel]int, len(cfg.RateLimits))
	for ch, n := range cfg.RateLimits {
		if n > 0 {
			limits[ch] = n
		}
	}
	return &Resolver{
		catalog:    catalog,
		store:      store,
		ttl:        cfg.CacheTTL,
		defaultLoc: loc,
		rateLimits: limits,
		now:        time.Now,
		cache:      make(map[string]cacheEntry),
	}, nil
}

// Catalog returns the category catalog the resolver uses.
func (r *Resolver) Catalog() *Catalog {
	return r.catalog
}

// Resolve returns the recipient's enabled channels for cat with channel-wide
// opt-outs removed.
func (r *Resolver) Resolve(ctx context.Context, recipientID string, cat domain.Category) (ResolvedPreference, error) {
	return r.ResolveFor(ctx, recipientID, cat, domain.PriorityNormal)
}

// ResolveFor is Resolve with the priority of the request taken into account.
// Critical requests on a safety-relevant category restore the category's
// default channels even where the recipient removed them for that category.
// Channel-wide opt-outs always win.
func (r *Resolver) ResolveFor(ctx context.Context, recipientID string, cat domain.Category, priority domain.Priority) (ResolvedPreference, error) {
	spec, ok := r.catalog.Lookup(cat)
	if !ok {
		return ResolvedPreference{}, fmt.Errorf("%w: %s", ErrUnknownCategory, cat)
	}
	return r.ResolveCategory(ctx, recipientID, spec, priority), nil
}

// ResolveCategory resolves against a catalog entry the caller already
// looked up.
func (r *Resolver) ResolveCategory(ctx context.Context, recipientID string, spec CategorySpec, priority domain.Priority) ResolvedPreference {
	cat := spec.Category
	set := r.cachedSet(ctx, recipientID)

	channels := spec.DefaultChannels
	var disabled []domain.Channel
	quiet := domain.QuietHours{}
	loc := r.defaultLoc
	if set != nil {
		if userChannels, ok := set.Categories[cat]; ok {
			channels = userChannels
		}
		disabled = set.DisabledChannels
		quiet = set.QuietHours
		if set.Timezone != "" {
			if l, err := time.LoadLocation(set.Timezone); err == nil {
				loc = l
			}
		}
	}

	if priority == domain.PriorityCritical && spec.SafetyRelevant {
		channels = union(channels, spec.DefaultChannels)
	}

	enabled := make([]domain.Channel, 0, len(channels))
	for _, ch := range channels {
		if slices.Contains(disabled, ch) || slices.Contains(enabled, ch) {
			continue
		}
		enabled = append(enabled, ch)
	}

	return ResolvedPreference{
		RecipientID:      recipientID,
		Category:         cat,
		Spec:             spec,
		Channels:         enabled,
		DisabledChannels: slices.Clone(disabled),
		QuietHours:       quiet,
		Location:         loc,
		RateLimits:       r.rateLimits,
	}
}

// Get returns the recipient's effective preferences. Categories the
// recipient never customized are filled from the catalog defaults.
func (r *Resolver) Get(ctx context.Context, recipientID string) (*domain.PreferenceSet, error) {
	set, err := r.store.Get(ctx, recipientID)
	switch {
	case errors.Is(err, ErrNoPreferences):
		set = &domain.PreferenceSet{RecipientID: recipientID}
	case err != nil:
		return nil, apperrors.ErrStoreUnavailable("get preferences", err)
	}

	if set.Categories == nil {
		set.Categories = make(map[domain.Category][]domain.Channel)
	}
	for _, cat := range r.catalog.Categories() {
		if _, ok := set.Categories[cat]; ok {
			continue
		}
		spec, _ := r.catalog.Lookup(cat)
		set.Categories[cat] = spec.DefaultChannels
	}
	return set, nil
}

// Update validates and stores set, replacing the recipient's preferences.
func (r *Resolver) Update(ctx context.Context, set *domain.PreferenceSet) (*domain.PreferenceSet, error) {
	if err := r.validate(set); err != nil {
		return nil, err
	}
	cp := cloneSet(set)
	cp.UpdatedAt = r.now().UTC()
	if err := r.store.Put(ctx, cp); err != nil {
		return nil, apperrors.ErrStoreUnavailable("update preferences", err)
	}
	r.Invalidate(cp.RecipientID)
	return cp, nil
}

// Reset replaces the recipient's preferences with the system defaults.
func (r *Resolver) Reset(ctx context.Context, recipientID string) (*domain.PreferenceSet, error) {
	set := &domain.PreferenceSet{
		RecipientID: recipientID,
		Categories:  map[domain.Category][]domain.Channel{},
		UpdatedAt:   r.now().UTC(),
	}
	if err := r.store.Put(ctx, set); err != nil {
		return nil, apperrors.ErrStoreUnavailable("reset preferences", err)
	}
	r.Invalidate(recipientID)
	return r.Get(ctx, recipientID)
}

// Invalidate drops the cached set for recipientID.
func (r *Resolver) Invalidate(recipientID string) {
	r.mu.Lock()
	delete(r.cache, recipientID)
	r.mu.Unlock()
}

func (r *Resolver) cachedSet(ctx context.Context, recipientID string) *domain.PreferenceSet {
	now := r.now()
	if r.ttl > 0 {
		r.mu.Lock()
		e, ok := r.cache[recipientID]
		r.mu.Unlock()
		if ok && now.Before(e.expiresAt) {
			return e.set
		}
	}

	set, err := r.store.Get(ctx, recipientID)
	switch {
	case errors.Is(err, ErrNoPreferences):
		set = nil
	case err != nil:
		logger.Warn("Preference lookup failed, using category defaults",
			zap.String("recipient_id", recipientID),
			zap.Error(err),
		)
		// Not cached, so the next dispatch retries the store.
		return nil
	}

	if r.ttl > 0 {
		r.mu.Lock()
		r.cache[recipientID] = cacheEntry{set: set, expiresAt: now.Add(r.ttl)}
		r.mu.Unlock()
	}
	return set
}

func (r *Resolver) validate(set *domain.PreferenceSet) error {
	var fields []apperrors.FieldError
	if set == nil || set.RecipientID == "" {
		return apperrors.ErrValidationf("recipient id is required")
	}
	for cat, chans := range set.Categories {
		if !r.catalog.Known(cat) {
			fields = append(fields, apperrors.FieldError{
				Field: "categories." + string(cat), Code: apperrors.CodeUnknownCategory,
			})
			continue
		}
		seen := make(map[domain.Channel]bool, len(chans))
		for _, ch := range chans {
			if !ch.Valid() || seen[ch] {
				fields = append(fields, apperrors.FieldError{
					Field: "categories." + string(cat), Code: apperrors.CodeInvalidPreference,
					Message: fmt.Sprintf("invalid or repeated channel %q", ch),
				})
			}
			seen[ch] = true
		}
	}
	for _, ch := range set.DisabledChannels {
		if !ch.Valid() {
			fields = append(fields, apperrors.FieldError{
				Field: "disabled_channels", Code: apperrors.CodeInvalidPreference,
				Message: fmt.Sprintf("unknown channel %q", ch),
			})
		}
	}
	if err := set.QuietHours.Validate(); err != nil {
		fields = append(fields, apperrors.FieldError{
			Field: "quiet_hours", Code: apperrors.CodeInvalidPreference, Message: err.Error(),
		})
	}
	if set.Timezone != "" {
		if _, err := time.LoadLocation(set.Timezone); err != nil {
			fields = append(fields, apperrors.FieldError{
				Field: "timezone", Code: apperrors.CodeInvalidPreference, Message: err.Error(),
			})
		}
	}
	if len(fields) > 0 {
		return apperrors.ErrValidationf("invalid preferences").WithFieldErrors(fields)
	}
	return nil
}

func union(first, second []domain.Channel) []domain.Channel {
	out := slices.Clone(first)
	for _, ch := range second {
		if !slices.Contains(out, ch) {
			out = append(out, ch)
		}
	}
	return out
}
