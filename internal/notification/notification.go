// Package notification is the single normalized Notification domain model
// for this service.
//
// This module previously carried three shapes of essentially the same
// concept: internal/models.Notification (GORM-tagged), internal/notifications.Notification
// (a second, simplified struct in the manager package), and yet a third
// ad-hoc shape built inline by internal/services.NotificationService. This
// package is the one normalized view every other package imports; nothing
// else in this module defines a competing Notification type.
package notification

import (
	"encoding/json"
	"time"
)

// Priority determines queue selection and quiet-hours override.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityUrgent   Priority = "URGENT"
	PriorityCritical Priority = "CRITICAL"
)

// rank orders priorities so quiet-hours/preemption comparisons can use <.
var rank = map[Priority]int{
	PriorityLow: 0, PriorityNormal: 1, PriorityHigh: 2, PriorityUrgent: 3, PriorityCritical: 4,
}

// AtLeast reports whether p is at least as urgent as other.
func (p Priority) AtLeast(other Priority) bool { return rank[p] >= rank[other] }

// IsPriorityLane reports whether this priority is routed onto the priority
// queue lane (HIGH|URGENT|CRITICAL per the glossary's "priority lane").
func (p Priority) IsPriorityLane() bool { return rank[p] >= rank[PriorityHigh] }

// BrokerPriority maps Priority onto the broker's 0-10 x-max-priority scale.
func (p Priority) BrokerPriority() uint8 {
	switch p {
	case PriorityCritical:
		return 10
	case PriorityUrgent:
		return 8
	case PriorityHigh:
		return 6
	case PriorityNormal:
		return 3
	default:
		return 0
	}
}

// Channel is a delivery medium.
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelInApp Channel = "IN_APP"
	ChannelPush  Channel = "PUSH"
	ChannelSMS   Channel = "SMS"
)

// AllChannels is the complete channel set, used when preferences derive an
// empty explicit channel list.
var AllChannels = []Channel{ChannelEmail, ChannelInApp, ChannelPush, ChannelSMS}

// State is the notification lifecycle state machine.
type State string

const (
	StatePending  State = "PENDING"
	StateQueued   State = "QUEUED"
	StateRendered State = "RENDERED"
	StateSending  State = "SENDING"
	StateSent     State = "SENT"
	StateFailed   State = "FAILED"
	StateDead     State = "DEAD"
	StateArchived State = "ARCHIVED"
)

// IsTerminal reports whether no further transition is expected in normal
// operation (used by the dispatcher's idempotency check).
func (s State) IsTerminal() bool {
	switch s {
	case StateSent, StateDead, StateArchived:
		return true
	default:
		return false
	}
}

// Variables is the template variable bag: key to scalar value.
type Variables map[string]string

// Metadata is the free-form structured metadata object.
type Metadata map[string]string

// MetadataMap is the flat metadata map carried alongside Metadata. The
// dispatcher merges the two with MetadataMap winning on key collision — see
// MergedMetadata below.
type MetadataMap map[string]string

// Notification is the durable record C1 owns, C5 creates, C6/C7/C8 mutate,
// and C9 archives.
type Notification struct {
	ID         string
	UserID     string
	Type       string
	Priority   Priority
	Title      string
	Content    string
	TemplateID string
	Variables  Variables
	Locale     string
	Channels   []Channel
	Metadata   Metadata
	MetadataMap MetadataMap
	State      State
	Attempts   int
	MaxRetries int

	CreatedAt time.Time
	UpdatedAt time.Time
	SentAt    *time.Time
	ReadAt    *time.Time
	DeletedAt *time.Time

	// LastError records the message from the most recent failed delivery
	// attempt, surfaced to admin tooling and the DLQ envelope.
	LastError string
}

// MergedMetadata consults both the structured Metadata object and the flat
// MetadataMap, with MetadataMap winning on key collision.
func (n *Notification) MergedMetadata() map[string]string {
	merged := make(map[string]string, len(n.Metadata)+len(n.MetadataMap))
	for k, v := range n.Metadata {
		merged[k] = v
	}
	for k, v := range n.MetadataMap {
		merged[k] = v
	}
	return merged
}

// UserEmail extracts the recipient email from merged metadata.
func (n *Notification) UserEmail() (string, bool) {
	v, ok := n.MergedMetadata()["userEmail"]
	return v, ok && v != ""
}

// HasChannel reports whether ch is among the notification's requested
// channels.
func (n *Notification) HasChannel(ch Channel) bool {
	for _, c := range n.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// ShouldRetry reports whether another delivery attempt is permitted:
// attempts must remain below max_retries.
func (n *Notification) ShouldRetry() bool {
	return n.Attempts < n.MaxRetries
}

// SortedJSON renders Variables as sorted-key JSON, which is also the
// deterministic cache-key component C2 uses: rendering is pure for a fixed
// template version and sorted variable set.
func (v Variables) SortedJSON() (string, error) {
	if v == nil {
		v = Variables{}
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sortStrings(keys)
	ordered := make([]keyValue, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, keyValue{K: k, V: v[k]})
	}
	b, err := json.Marshal(ordered)
	return string(b), err
}

type keyValue struct {
	K string `json:"k"`
	V string `json:"v"`
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// DeadLetter is an immutable envelope recorded when a delivery attempt is
// exhausted or fails permanently.
type DeadLetter struct {
	ID               string
	NotificationID   string
	Queue            string
	OriginalPayload  []byte
	FirstError       string
	LastError        string
	AttemptCount     int
	CreatedAt        time.Time
}

// Frequency controls whether a preference-gated channel delivers
// immediately or is deferred into a digest buffer.
type Frequency string

const (
	FrequencyImmediate     Frequency = "IMMEDIATE"
	FrequencyDigestHourly  Frequency = "DIGEST_HOURLY"
	FrequencyDigestDaily   Frequency = "DIGEST_DAILY"
	FrequencyDigestWeekly  Frequency = "DIGEST_WEEKLY"
	FrequencyOff           Frequency = "OFF"
)

// QuietHours is a user-configured suppression window (glossary).
type QuietHours struct {
	Enabled  bool
	Start    string // "HH:MM" in the given timezone
	End      string // "HH:MM"; may wrap past midnight (e.g. 22:00-08:00)
	Timezone string
}

// Preference is keyed by (UserID, Category); Category "" means the
// user-wide default tier ((user, *)) per the most-specific-wins tie-break.
type Preference struct {
	UserID          string
	Category        string
	ChannelsEnabled []Channel
	Frequency       Frequency
	QuietHours      QuietHours
}

// ChannelEnabled reports whether ch is in ChannelsEnabled.
func (p *Preference) ChannelEnabled(ch Channel) bool {
	for _, c := range p.ChannelsEnabled {
		if c == ch {
			return true
		}
	}
	return false
}

// Template is keyed by (TemplateID, Channel, Locale); see C2.
type Template struct {
	TemplateID string
	Channel    Channel
	Locale     string
	Subject    string // EMAIL only
	Body       string
	HTML       bool // whether Body should be HTML-escaped on render
	Version    int64

	// RequiredVars lists variable names that must be present in a
	// notification's Variables map for this template to render; a missing
	// one is reported before execution. Names not listed here are not
	// pre-checked, but no variable renders as an empty string when absent:
	// a template that references a name found neither in Variables nor
	// among the built-in fields the renderer always supplies (Title,
	// Content, UserID, Type) fails with a MissingVariable error.
	RequiredVars []string
}

// AuditEntry records one state transition, written atomically with
// TransitionState so every state change carries a timestamp.
type AuditEntry struct {
	ID             string
	NotificationID string
	FromState      State
	ToState        State
	Reason         string
	At             time.Time
}

// DigestBucket truncates t to the bucket boundary implied by f, used as the
// digest buffer key component (see DESIGN.md for the digest-buffer design
// decision).
func DigestBucket(f Frequency, t time.Time) time.Time {
	u := t.UTC()
	switch f {
	case FrequencyDigestHourly:
		return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), 0, 0, 0, time.UTC)
	case FrequencyDigestDaily:
		return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	case FrequencyDigestWeekly:
		offset := int(u.Weekday())
		d := u.AddDate(0, 0, -offset)
		return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return u
	}
}
