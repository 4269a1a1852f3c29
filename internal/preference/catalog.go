package preference

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"herald.io/herald/internal/domain"
)

// CategorySpec describes how a category is delivered when the recipient has
// not said otherwise.
type CategorySpec struct {
	Category        domain.Category  `yaml:"category"`
	DefaultChannels []domain.Channel `yaml:"default_channels"`
	// SafetyRelevant lets critical priority restore channels the recipient
	// removed for this category. Channel-wide opt-outs still apply.
	SafetyRelevant bool `yaml:"safety_relevant"`
	// RequireMultiChannel disables the cost-tier skip after a successful
	// realtime delivery.
	RequireMultiChannel bool `yaml:"require_multi_channel"`
	// UIEvent is the display name used for socket badge events.
	UIEvent string `yaml:"ui_event"`
}

// Catalog is the set of known categories.
type Catalog struct {
	mu    sync.RWMutex
	specs map[domain.Category]CategorySpec
}

// DefaultCatalog returns the built-in categories.
func DefaultCatalog() *Catalog {
	c := &Catalog{specs: make(map[domain.Category]CategorySpec)}
	for _, s := range []CategorySpec{
		{
			Category:        domain.CategoryBidOutcome,
			DefaultChannels: []domain.Channel{domain.ChannelRealtime, domain.ChannelPush, domain.ChannelSMS},
			UIEvent:         "auction_result",
		},
		{
			Category:        domain.CategoryOutbid,
			DefaultChannels: []domain.Channel{domain.ChannelRealtime, domain.ChannelPush},
			UIEvent:         "outbid",
		},
		{
			Category:        domain.CategoryNewMessage,
			DefaultChannels: []domain.Channel{domain.ChannelRealtime, domain.ChannelPush},
			UIEvent:         "new_message",
		},
		{
			Category:            domain.CategoryPayment,
			DefaultChannels:     []domain.Channel{domain.ChannelRealtime, domain.ChannelEmail},
			RequireMultiChannel: true,
			UIEvent:             "payment_update",
		},
		{
			Category:        domain.CategorySystemBroadcast,
			DefaultChannels: []domain.Channel{domain.ChannelRealtime},
			UIEvent:         "announcement",
		},
		{
			Category:            domain.CategorySecurityAlert,
			DefaultChannels:     []domain.Channel{domain.ChannelRealtime, domain.ChannelEmail, domain.ChannelSMS},
			SafetyRelevant:      true,
			RequireMultiChannel: true,
			UIEvent:             "security_alert",
		},
	} {
		c.specs[s.Category] = s
	}
	return c
}

// LoadCatalogFile returns the built-in catalog extended or overridden by the
// YAML file at path. The file holds a top-level "categories" list.
func LoadCatalogFile(path string) (*Catalog, error) {
	c := DefaultCatalog()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read category catalog: %w", err)
	}
	var doc struct {
		Categories []CategorySpec `yaml:"categories"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse category catalog %s: %w", path, err)
	}
	for _, s := range doc.Categories {
		if err := c.Register(s); err != nil {
			return nil, fmt.Errorf("category catalog %s: %w", path, err)
		}
	}
	return c, nil
}

// Register adds or replaces a category.
func (c *Catalog) Register(s CategorySpec) error {
	s.Category = domain.Category(strings.TrimSpace(string(s.Category)))
	if s.Category == "" {
		return fmt.Errorf("category name is required")
	}
	if len(s.DefaultChannels) == 0 {
		return fmt.Errorf("category %s: at least one default channel is required", s.Category)
	}
	for _, ch := range s.DefaultChannels {
		if !ch.Valid() {
			return fmt.Errorf("category %s: unknown channel %q", s.Category, ch)
		}
	}
	if s.UIEvent == "" {
		s.UIEvent = strings.ReplaceAll(string(s.Category), "-", "_")
	}
	s.DefaultChannels = slices.Clone(s.DefaultChannels)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.specs[s.Category] = s
	return nil
}

// Lookup returns the catalog entry for cat.
func (c *Catalog) Lookup(cat domain.Category) (CategorySpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.specs[cat]
	if ok {
		s.DefaultChannels = slices.Clone(s.DefaultChannels)
	}
	return s, ok
}

// Known reports whether cat is registered.
func (c *Catalog) Known(cat domain.Category) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.specs[cat]
	return ok
}

// Categories lists registered categories in name order.
func (c *Catalog) Categories() []domain.Category {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Category, 0, len(c.specs))
	for cat := range c.specs {
		out = append(out, cat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
