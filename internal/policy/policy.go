// Package policy is the preference & policy gate (C3): given a
// notification and the current time, decides which requested channels may
// deliver now, which must be deferred, and which are dropped outright.
//
// Grounded on internal/notifications/manager.go's UserPreference/QuietHours
// structs (declared there but never consulted by any send path) and
// internal/services/notification_service.go's canSendToUser/
// getEnabledChannelsForUser checks, generalized into the most-specific-wins
// resolution this service requires.
package policy

import (
	"context"
	"time"

	"notifyhub/internal/notification"
)

// PreferenceSource resolves the effective preference for a user/category,
// applying most-specific-wins tie-break. Implemented by *store.Store.
type PreferenceSource interface {
	ResolvePreference(ctx context.Context, userID, category string) (*notification.Preference, error)
}

// RevocationChecker answers whether a user has been globally revoked
// (blacklisted). Implemented by the authn package's token/user blacklist.
type RevocationChecker interface {
	IsUserRevoked(ctx context.Context, userID string) (bool, error)
}

// DigestWriter buffers a deferred notification instead of delivering it
// immediately.
type DigestWriter interface {
	AppendDigestBuffer(ctx context.Context, userID, category string, bucket time.Time, notificationID string) error
}

// QuietHoursPolicy controls what happens to a non-CRITICAL notification
// whose requested channel falls inside the recipient's quiet hours: either
// it is deferred into the digest buffer for delivery once the window ends,
// or it is dropped outright. This is an operator-configured choice; this
// service defaults to Defer so no notification is silently lost.
type QuietHoursPolicy int

const (
	QuietHoursDefer QuietHoursPolicy = iota
	QuietHoursDrop
)

// Decision is the gate's verdict for one notification.
type Decision struct {
	// Allowed is the channel set the dispatcher may deliver to immediately.
	Allowed []notification.Channel
	// Deferred is the channel set buffered for later delivery (digest
	// frequency or quiet-hours-defer); not delivered by this decision.
	Deferred []notification.Channel
	// Dropped is the channel set suppressed outright, each with a reason.
	Dropped map[notification.Channel]string
	// Revoked is true when the recipient is globally blacklisted; Allowed
	// and Deferred are both empty in that case.
	Revoked bool
}

// Suppressed reports whether no channel survived evaluation; the dispatcher
// transitions the notification straight to SENT with a "suppressed" reason
// in that case instead of attempting delivery.
func (d *Decision) Suppressed() bool {
	return !d.Revoked && len(d.Allowed) == 0 && len(d.Deferred) == 0
}

// Gate is the C3 policy evaluator.
type Gate struct {
	preferences PreferenceSource
	revocation  RevocationChecker
	digest      DigestWriter
	quietHours  QuietHoursPolicy
}

func New(preferences PreferenceSource, revocation RevocationChecker, digest DigestWriter, quietHours QuietHoursPolicy) *Gate {
	return &Gate{preferences: preferences, revocation: revocation, digest: digest, quietHours: quietHours}
}

// Evaluate runs, in order: revocation check, then per-channel
// opt-in/quiet-hours/frequency gating.
func (g *Gate) Evaluate(ctx context.Context, n *notification.Notification, now time.Time) (*Decision, error) {
	revoked, err := g.revocation.IsUserRevoked(ctx, n.UserID)
	if err != nil {
		// Fail closed: an unreadable revocation store is treated as revoked.
		return &Decision{Revoked: true}, nil
	}
	if revoked {
		return &Decision{Revoked: true}, nil
	}

	pref, err := g.preferences.ResolvePreference(ctx, n.UserID, n.Type)
	if err != nil {
		return nil, err
	}

	channels := n.Channels
	if len(channels) == 0 {
		channels = notification.AllChannels
	}

	decision := &Decision{Dropped: map[notification.Channel]string{}}

	inQuiet := inQuietHours(pref.QuietHours, now)
	bypassQuiet := n.Priority == notification.PriorityCritical

	for _, ch := range channels {
		if !pref.ChannelEnabled(ch) {
			decision.Dropped[ch] = "channel_opted_out"
			continue
		}

		if inQuiet && !bypassQuiet {
			if g.quietHours == QuietHoursDrop {
				decision.Dropped[ch] = "quiet_hours"
				continue
			}
			if g.digest != nil {
				bucket := quietHoursEndBucket(pref.QuietHours, now)
				if err := g.digest.AppendDigestBuffer(ctx, n.UserID, n.Type+":quiet", bucket, n.ID); err != nil {
					return nil, err
				}
			}
			decision.Deferred = append(decision.Deferred, ch)
			continue
		}

		if pref.Frequency != notification.FrequencyImmediate && pref.Frequency != notification.FrequencyOff {
			if g.digest != nil {
				bucket := notification.DigestBucket(pref.Frequency, now)
				if err := g.digest.AppendDigestBuffer(ctx, n.UserID, n.Type, bucket, n.ID); err != nil {
					return nil, err
				}
			}
			decision.Deferred = append(decision.Deferred, ch)
			continue
		}

		if pref.Frequency == notification.FrequencyOff {
			decision.Dropped[ch] = "frequency_off"
			continue
		}

		decision.Allowed = append(decision.Allowed, ch)
	}

	return decision, nil
}

// inQuietHours reports whether now (interpreted in qh.Timezone) falls
// inside the [Start, End) window, handling windows that wrap past
// midnight (e.g. 22:00-08:00).
func inQuietHours(qh notification.QuietHours, now time.Time) bool {
	if !qh.Enabled || qh.Start == "" || qh.End == "" {
		return false
	}

	loc := time.UTC
	if qh.Timezone != "" {
		if l, err := time.LoadLocation(qh.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	nowMinutes := local.Hour()*60 + local.Minute()

	start, okStart := parseHHMM(qh.Start)
	end, okEnd := parseHHMM(qh.End)
	if !okStart || !okEnd {
		return false
	}

	if start == end {
		return false
	}
	if start < end {
		return nowMinutes >= start && nowMinutes < end
	}
	// Window wraps past midnight.
	return nowMinutes >= start || nowMinutes < end
}

// quietHoursEndBucket returns the timestamp at which the current quiet
// window ends, used as the digest-buffer bucket key for deferred delivery.
func quietHoursEndBucket(qh notification.QuietHours, now time.Time) time.Time {
	loc := time.UTC
	if qh.Timezone != "" {
		if l, err := time.LoadLocation(qh.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	end, ok := parseHHMM(qh.End)
	if !ok {
		return now.UTC()
	}
	endTime := time.Date(local.Year(), local.Month(), local.Day(), end/60, end%60, 0, 0, loc)
	if endTime.Before(local) {
		endTime = endTime.Add(24 * time.Hour)
	}
	return endTime.UTC()
}

func parseHHMM(s string) (int, bool) {
	if len(s) != 5 || s[2] != ':' {
		return 0, false
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
