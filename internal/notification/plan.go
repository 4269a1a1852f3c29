package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"herald.io/herald/internal/domain"
	"herald.io/herald/internal/preference"
)

// Skip reasons recorded as the detail of skipped outcomes.
const (
	reasonOptedOut     = "recipient opted out of channel"
	reasonQuietHours   = "quiet hours"
	reasonNoAdapter    = "no adapter registered for channel"
	reasonRateLimited  = "channel rate limit exceeded"
	reasonCheaperFirst = "delivered on a cheaper channel"
)

// deliveryPlan is the per-recipient channel decision made before the record
// is persisted.
type deliveryPlan struct {
	// channels to attempt, realtime first.
	channels []domain.Channel
	// skipped maps suppressed channels to the reason.
	skipped map[domain.Channel]string
}

// initialStates is the delivery map the record is created with: planned
// channels pending, suppressed channels already terminal.
func (p deliveryPlan) initialStates(at time.Time) map[domain.Channel]domain.DeliveryState {
	states := make(map[domain.Channel]domain.DeliveryState, len(p.channels)+len(p.skipped))
	for _, ch := range p.channels {
		states[ch] = domain.DeliveryState{Status: domain.StatusPending, UpdatedAt: at}
	}
	for ch, reason := range p.skipped {
		states[ch] = domain.DeliveryState{Status: domain.StatusSkipped, LastError: reason, UpdatedAt: at}
	}
	return states
}

func (d *Dispatcher) plan(spec preference.CategorySpec, pref preference.ResolvedPreference, priority domain.Priority, now time.Time) deliveryPlan {
	p := deliveryPlan{skipped: map[domain.Channel]string{}}

	// Opt-outs are already gone from pref.Channels; record the category
	// defaults they removed so the record shows why nothing was sent there.
	for _, ch := range pref.DisabledChannels {
		if slices.Contains(spec.DefaultChannels, ch) {
			p.skipped[ch] = reasonOptedOut
		}
	}

	quiet := priority != domain.PriorityCritical && pref.InQuietHours(now)
	for _, ch := range pref.Channels {
		a, ok := d.registry.Get(ch)
		switch {
		case !ok:
			p.skipped[ch] = reasonNoAdapter
		case quiet && a.Capability().QuietSensitive:
			p.skipped[ch] = reasonQuietHours
		default:
			p.channels = append(p.channels, ch)
		}
	}

	slices.SortStableFunc(p.channels, func(a, b domain.Channel) int {
		switch {
		case a == b:
			return 0
		case a == domain.ChannelRealtime:
			return -1
		case b == domain.ChannelRealtime:
			return 1
		default:
			return 0
		}
	})
	return p
}

// DedupeKey returns the key that collapses repeats of req. An explicit
// DedupeKey wins. Otherwise the key hashes the category with the source
// event id, or with the sorted recipients and payload when there is no
// source event. The result reads "<category>:<16 hex digits>".
func DedupeKey(req domain.NotificationRequest) string {
	if k := strings.TrimSpace(req.DedupeKey); k != "" {
		return k
	}

	h := xxhash.New()
	_, _ = h.WriteString(string(req.Category))
	_, _ = h.WriteString("|")
	if req.SourceEventID != "" {
		_, _ = h.WriteString(req.SourceEventID)
	} else {
		recipients := slices.Clone(req.Recipients)
		slices.Sort(recipients)
		_, _ = h.WriteString(strings.Join(recipients, ","))
		_, _ = h.WriteString("|")
		_, _ = fmt.Fprintf(h, "%016x", xxhash.Sum64(canonicalPayload(req.Payload)))
	}
	return fmt.Sprintf("%s:%016x", req.Category, h.Sum64())
}

// canonicalPayload strips insignificant whitespace so that re-encoded
// copies of the same payload hash alike.
func canonicalPayload(payload json.RawMessage) []byte {
	if len(payload) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return payload
	}
	return buf.Bytes()
}
