package policy

import (
	"context"
	"testing"
	"time"

	"notifyhub/internal/notification"
)

type fakePreferences struct {
	byKey map[string]*notification.Preference
}

func (f *fakePreferences) ResolvePreference(ctx context.Context, userID, category string) (*notification.Preference, error) {
	if p, ok := f.byKey[userID+"/"+category]; ok {
		return p, nil
	}
	if p, ok := f.byKey[userID+"/"]; ok {
		return p, nil
	}
	return &notification.Preference{
		UserID: userID, Category: category,
		ChannelsEnabled: notification.AllChannels,
		Frequency:       notification.FrequencyImmediate,
	}, nil
}

type fakeRevocation struct {
	revoked map[string]bool
	err     error
}

func (f *fakeRevocation) IsUserRevoked(ctx context.Context, userID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.revoked[userID], nil
}

type fakeDigest struct {
	appended []string
}

func (f *fakeDigest) AppendDigestBuffer(ctx context.Context, userID, category string, bucket time.Time, notificationID string) error {
	f.appended = append(f.appended, notificationID)
	return nil
}

func TestEvaluateRevokedUserBlocksEverything(t *testing.T) {
	prefs := &fakePreferences{byKey: map[string]*notification.Preference{}}
	rev := &fakeRevocation{revoked: map[string]bool{"u1": true}}
	gate := New(prefs, rev, &fakeDigest{}, QuietHoursDefer)

	n := &notification.Notification{ID: "n1", UserID: "u1", Type: "billing", Channels: []notification.Channel{notification.ChannelEmail}}
	d, err := gate.Evaluate(context.Background(), n, time.Now())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Revoked || len(d.Allowed) != 0 {
		t.Fatalf("expected revoked decision with no allowed channels, got %+v", d)
	}
}

func TestEvaluateRevocationStoreErrorFailsClosed(t *testing.T) {
	prefs := &fakePreferences{byKey: map[string]*notification.Preference{}}
	rev := &fakeRevocation{err: context.DeadlineExceeded}
	gate := New(prefs, rev, &fakeDigest{}, QuietHoursDefer)

	n := &notification.Notification{ID: "n1", UserID: "u1", Type: "billing"}
	d, err := gate.Evaluate(context.Background(), n, time.Now())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Revoked {
		t.Fatalf("expected fail-closed Revoked=true on revocation store error")
	}
}

func TestEvaluateChannelOptOut(t *testing.T) {
	prefs := &fakePreferences{byKey: map[string]*notification.Preference{
		"u1/billing": {UserID: "u1", Category: "billing", ChannelsEnabled: []notification.Channel{notification.ChannelEmail}, Frequency: notification.FrequencyImmediate},
	}}
	rev := &fakeRevocation{revoked: map[string]bool{}}
	gate := New(prefs, rev, &fakeDigest{}, QuietHoursDefer)

	n := &notification.Notification{ID: "n1", UserID: "u1", Type: "billing", Channels: []notification.Channel{notification.ChannelEmail, notification.ChannelSMS}}
	d, err := gate.Evaluate(context.Background(), n, time.Now())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(d.Allowed) != 1 || d.Allowed[0] != notification.ChannelEmail {
		t.Fatalf("expected only EMAIL allowed, got %+v", d.Allowed)
	}
	if reason := d.Dropped[notification.ChannelSMS]; reason != "channel_opted_out" {
		t.Fatalf("expected SMS dropped as channel_opted_out, got %q", reason)
	}
}

func TestEvaluateQuietHoursDefersNonCritical(t *testing.T) {
	prefs := &fakePreferences{byKey: map[string]*notification.Preference{
		"u1/billing": {
			UserID: "u1", Category: "billing",
			ChannelsEnabled: []notification.Channel{notification.ChannelEmail},
			Frequency:       notification.FrequencyImmediate,
			QuietHours:      notification.QuietHours{Enabled: true, Start: "22:00", End: "08:00", Timezone: "UTC"},
		},
	}}
	rev := &fakeRevocation{revoked: map[string]bool{}}
	digest := &fakeDigest{}
	gate := New(prefs, rev, digest, QuietHoursDefer)

	inside := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	n := &notification.Notification{ID: "n1", UserID: "u1", Type: "billing", Priority: notification.PriorityNormal, Channels: []notification.Channel{notification.ChannelEmail}}
	d, err := gate.Evaluate(context.Background(), n, inside)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(d.Allowed) != 0 || len(d.Deferred) != 1 {
		t.Fatalf("expected deferred delivery inside quiet hours, got %+v", d)
	}
	if len(digest.appended) != 1 {
		t.Fatalf("expected digest buffer write for quiet-hours deferral")
	}
}

func TestEvaluateCriticalBypassesQuietHours(t *testing.T) {
	prefs := &fakePreferences{byKey: map[string]*notification.Preference{
		"u1/billing": {
			UserID: "u1", Category: "billing",
			ChannelsEnabled: []notification.Channel{notification.ChannelEmail},
			Frequency:       notification.FrequencyImmediate,
			QuietHours:      notification.QuietHours{Enabled: true, Start: "22:00", End: "08:00", Timezone: "UTC"},
		},
	}}
	rev := &fakeRevocation{revoked: map[string]bool{}}
	gate := New(prefs, rev, &fakeDigest{}, QuietHoursDefer)

	inside := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	n := &notification.Notification{ID: "n1", UserID: "u1", Type: "billing", Priority: notification.PriorityCritical, Channels: []notification.Channel{notification.ChannelEmail}}
	d, err := gate.Evaluate(context.Background(), n, inside)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(d.Allowed) != 1 {
		t.Fatalf("expected CRITICAL to bypass quiet hours, got %+v", d)
	}
}

func TestEvaluateDigestFrequencyDefersDelivery(t *testing.T) {
	prefs := &fakePreferences{byKey: map[string]*notification.Preference{
		"u1/billing": {
			UserID: "u1", Category: "billing",
			ChannelsEnabled: []notification.Channel{notification.ChannelEmail},
			Frequency:       notification.FrequencyDigestDaily,
		},
	}}
	rev := &fakeRevocation{revoked: map[string]bool{}}
	digest := &fakeDigest{}
	gate := New(prefs, rev, digest, QuietHoursDefer)

	n := &notification.Notification{ID: "n1", UserID: "u1", Type: "billing", Channels: []notification.Channel{notification.ChannelEmail}}
	d, err := gate.Evaluate(context.Background(), n, time.Now())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(d.Allowed) != 0 || len(d.Deferred) != 1 {
		t.Fatalf("expected digest frequency to defer delivery, got %+v", d)
	}
}

func TestEvaluateEmptyDecisionIsSuppressed(t *testing.T) {
	d := &Decision{Dropped: map[notification.Channel]string{notification.ChannelEmail: "channel_opted_out"}}
	if !d.Suppressed() {
		t.Fatalf("expected Suppressed() true when nothing allowed or deferred")
	}
}

func TestQuietHoursWindowWrapsMidnight(t *testing.T) {
	qh := notification.QuietHours{Enabled: true, Start: "22:00", End: "08:00", Timezone: "UTC"}
	before := time.Date(2026, 1, 1, 21, 59, 0, 0, time.UTC)
	during := time.Date(2026, 1, 2, 2, 0, 0, 0, time.UTC)
	after := time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)

	if inQuietHours(qh, before) {
		t.Fatalf("21:59 should be outside a 22:00-08:00 window")
	}
	if !inQuietHours(qh, during) {
		t.Fatalf("02:00 should be inside a 22:00-08:00 window")
	}
	if inQuietHours(qh, after) {
		t.Fatalf("08:00 should be outside (end is exclusive)")
	}
}
