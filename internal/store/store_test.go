package store

import (
	"context"
	"testing"
	"time"

	"notifyhub/internal/apperr"
	"notifyhub/internal/notification"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite::memory:", 1, 1)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleNotification(id string) *notification.Notification {
	now := time.Now().UTC()
	return &notification.Notification{
		ID:         id,
		UserID:     "user-1",
		Type:       "order.shipped",
		Priority:   notification.PriorityNormal,
		Title:      "Your order shipped",
		Content:    "It's on the way",
		Channels:   []notification.Channel{notification.ChannelEmail},
		State:      notification.StatePending,
		MaxRetries: 3,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestInsertNotificationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	n := sampleNotification("n-1")

	if err := s.InsertNotification(ctx, n); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := s.InsertNotification(ctx, n); err != nil {
		t.Fatalf("second insert should be a no-op, got: %v", err)
	}

	got, err := s.GetNotification(ctx, "n-1")
	if err != nil {
		t.Fatalf("get notification: %v", err)
	}
	if got.Title != n.Title {
		t.Fatalf("expected title %q, got %q", n.Title, got.Title)
	}
}

func TestTransitionStateCAS(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	n := sampleNotification("n-2")
	if err := s.InsertNotification(ctx, n); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := s.TransitionState(ctx, "n-2", notification.StatePending, notification.StateQueued, nil, nil, "enqueued"); err != nil {
		t.Fatalf("valid transition failed: %v", err)
	}

	err := s.TransitionState(ctx, "n-2", notification.StatePending, notification.StateQueued, nil, nil, "stale retry")
	if !apperr.Is(err, apperr.KindConcurrentState) {
		t.Fatalf("expected ConcurrentState error for stale CAS, got: %v", err)
	}

	got, err := s.GetNotification(ctx, "n-2")
	if err != nil {
		t.Fatalf("get notification: %v", err)
	}
	if got.State != notification.StateQueued {
		t.Fatalf("expected state QUEUED after one valid transition, got %s", got.State)
	}
}

func TestTransitionStateUnknownID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	err := s.TransitionState(ctx, "does-not-exist", notification.StatePending, notification.StateQueued, nil, nil, "")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected NotFound for missing id, got: %v", err)
	}
}

func TestMarkReadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	n := sampleNotification("n-3")
	if err := s.InsertNotification(ctx, n); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := s.MarkRead(ctx, "n-3", "user-1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	first, err := s.GetNotification(ctx, "n-3")
	if err != nil || first.ReadAt == nil {
		t.Fatalf("expected read_at set, got %v err=%v", first, err)
	}
	firstReadAt := *first.ReadAt

	time.Sleep(5 * time.Millisecond)
	if err := s.MarkRead(ctx, "n-3", "user-1"); err != nil {
		t.Fatalf("second mark read: %v", err)
	}
	second, err := s.GetNotification(ctx, "n-3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !second.ReadAt.Equal(firstReadAt) {
		t.Fatalf("read_at should not change on repeat MarkRead: first=%v second=%v", firstReadAt, second.ReadAt)
	}
}

func TestSoftDeleteHidesFromListByUser(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	n := sampleNotification("n-4")
	if err := s.InsertNotification(ctx, n); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.SoftDelete(ctx, "n-4", "user-1"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	list, err := s.ListByUser(ctx, "user-1", ListFilters{}, Page{Number: 1, Size: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, item := range list {
		if item.ID == "n-4" {
			t.Fatalf("soft-deleted notification should not appear in ListByUser")
		}
	}
}

func TestArchiveOlderThanMovesTerminalRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	n := sampleNotification("n-5")
	n.State = notification.StateSent
	n.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	if err := s.InsertNotification(ctx, n); err != nil {
		t.Fatalf("insert: %v", err)
	}

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	count, err := s.ArchiveOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 archived row, got %d", count)
	}

	_, err = s.GetNotification(ctx, "n-5")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected archived row removed from live table, got err=%v", err)
	}

	cursor := s.ExportArchived("", 10)
	got, ok, err := cursor.Next(ctx)
	if err != nil || !ok {
		t.Fatalf("expected one exported archive row, ok=%v err=%v", ok, err)
	}
	if got.ID != "n-5" {
		t.Fatalf("expected exported row n-5, got %s", got.ID)
	}
	_, ok, _ = cursor.Next(ctx)
	if ok {
		t.Fatalf("expected cursor exhausted after one row")
	}
}

func TestResolvePreferenceMostSpecificWins(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	wide := &notification.Preference{
		UserID:          "user-1",
		Category:        "",
		ChannelsEnabled: []notification.Channel{notification.ChannelEmail},
		Frequency:       notification.FrequencyImmediate,
	}
	specific := &notification.Preference{
		UserID:          "user-1",
		Category:        "billing",
		ChannelsEnabled: []notification.Channel{notification.ChannelSMS, notification.ChannelEmail},
		Frequency:       notification.FrequencyDigestDaily,
	}
	if err := s.UpsertPreference(ctx, wide); err != nil {
		t.Fatalf("upsert wide: %v", err)
	}
	if err := s.UpsertPreference(ctx, specific); err != nil {
		t.Fatalf("upsert specific: %v", err)
	}

	got, err := s.ResolvePreference(ctx, "user-1", "billing")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Frequency != notification.FrequencyDigestDaily {
		t.Fatalf("expected the category-specific preference to win, got frequency %s", got.Frequency)
	}

	fallback, err := s.ResolvePreference(ctx, "user-1", "shipping")
	if err != nil {
		t.Fatalf("resolve fallback: %v", err)
	}
	if fallback.Frequency != notification.FrequencyImmediate {
		t.Fatalf("expected the user-wide default for an unconfigured category, got %s", fallback.Frequency)
	}

	unconfigured, err := s.ResolvePreference(ctx, "user-2", "billing")
	if err != nil {
		t.Fatalf("resolve unconfigured user: %v", err)
	}
	if len(unconfigured.ChannelsEnabled) != len(notification.AllChannels) {
		t.Fatalf("expected built-in default of all channels for a wholly unconfigured user")
	}
}

func TestUpsertTemplateBumpsVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tmpl := &notification.Template{
		TemplateID: "order-shipped",
		Channel:    notification.ChannelEmail,
		Locale:     "en-US",
		Subject:    "Your order shipped",
		Body:       "Hello {{.Name}}",
		HTML:       true,
	}
	if err := s.UpsertTemplate(ctx, tmpl); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if tmpl.Version != 1 {
		t.Fatalf("expected version 1, got %d", tmpl.Version)
	}

	tmpl.Body = "Hello {{.Name}}, updated"
	if err := s.UpsertTemplate(ctx, tmpl); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if tmpl.Version != 2 {
		t.Fatalf("expected version bumped to 2, got %d", tmpl.Version)
	}

	got, err := s.GetTemplate(ctx, "order-shipped", notification.ChannelEmail, "en-US")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 2 || got.Body != tmpl.Body {
		t.Fatalf("expected persisted version 2 with updated body, got version=%d body=%q", got.Version, got.Body)
	}
}

func TestDeadLetterLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	dl := &notification.DeadLetter{
		ID:             "dl-1",
		NotificationID: "n-1",
		Queue:          "notifications.email",
		FirstError:     "smtp timeout",
		LastError:      "smtp timeout",
		AttemptCount:   3,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.InsertDeadLetter(ctx, dl); err != nil {
		t.Fatalf("insert: %v", err)
	}

	list, err := s.ListDeadLetters(ctx, "notifications.email", Page{Number: 1, Size: 10})
	if err != nil || len(list) != 1 {
		t.Fatalf("expected 1 dead letter, got %d err=%v", len(list), err)
	}

	if err := s.PurgeDeadLetter(ctx, "dl-1"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	_, err = s.GetDeadLetter(ctx, "dl-1")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected NotFound after purge, got %v", err)
	}
}

func TestDigestBufferAccumulatesWithoutDuplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bucket := notification.DigestBucket(notification.FrequencyDigestDaily, time.Now())

	if err := s.AppendDigestBuffer(ctx, "user-1", "billing", bucket, "n-1"); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := s.AppendDigestBuffer(ctx, "user-1", "billing", bucket, "n-2"); err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if err := s.AppendDigestBuffer(ctx, "user-1", "billing", bucket, "n-1"); err != nil {
		t.Fatalf("append duplicate: %v", err)
	}

	ids, err := s.GetDigestBuffer(ctx, "user-1", "billing", bucket)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 distinct buffered ids, got %d (%v)", len(ids), ids)
	}
}
