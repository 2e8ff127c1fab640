package notification

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Severity orders user-facing notifications; the host shell decides how
// each level is surfaced.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is a single user-facing message. ID is unique per emission
// so the host shell can deduplicate redeliveries.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Severity  Severity  `json:"severity"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier delivers notifications to the user. Delivery failures are the
// notifier's problem; callers never block on them.
type Notifier interface {
	Notify(n Notification)
}

// LogNotifier writes notifications to the structured log. It is the
// default sink when no host shell is attached.
type LogNotifier struct{}

func (LogNotifier) Notify(n Notification) {
	event := log.Info()
	switch n.Severity {
	case SeverityWarning:
		event = log.Warn()
	case SeverityError:
		event = log.Error()
	}
	event.
		Str("notification_id", n.ID).
		Str("source", n.Source).
		Str("title", n.Title).
		Msg(n.Body)
}

// New builds a notification with a fresh ID and timestamp.
func New(source, title, body string, severity Severity) Notification {
	return Notification{
		ID:        uuid.NewString(),
		Title:     title,
		Body:      body,
		Severity:  severity,
		Source:    source,
		Timestamp: time.Now(),
	}
}

// Throttler suppresses repeat notifications per key after a fixed number
// of deliveries. Recovery resets the counter so the next incident is
// reported again.
type Throttler struct {
	mu       sync.Mutex
	max      int
	counts   map[string]int
	delegate Notifier
}

func NewThrottler(delegate Notifier, max int) *Throttler {
	return &Throttler{
		max:      max,
		counts:   map[string]int{},
		delegate: delegate,
	}
}

// Notify delivers unless key has already hit its limit. Returns whether
// the notification was delivered.
func (t *Throttler) Notify(key string, n Notification) bool {
	t.mu.Lock()
	t.counts[key]++
	suppressed := t.counts[key] > t.max
	count := t.counts[key]
	t.mu.Unlock()

	if suppressed {
		log.Debug().Str("key", key).Int("attempts", count).Msg("notification suppressed")
		return false
	}
	t.delegate.Notify(n)
	return true
}

// Reset clears the delivery count for key.
func (t *Throttler) Reset(key string) {
	t.mu.Lock()
	delete(t.counts, key)
	t.mu.Unlock()
}
