package observability

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Alarm kinds raised to operators.
const (
	AlarmPayoutFailed   = "payout_failed"
	AlarmConsistency    = "consistency"
	AlarmReviewRequired = "review_required"
	AlarmWinnerConflict = "winner_conflict"
	AlarmCustody        = "custody"
)

// Alert is one operator-facing alarm. Subject identifies the record (payout
// id, lock id, match id) the operator needs to look at.
type Alert struct {
	Kind    string
	Subject string
	Message string
	Fields  map[string]any
}

// Alerter delivers operator alarms. Callers raise an alarm only after winning
// the transition that makes it true, so delivery need not deduplicate.
type Alerter interface {
	Raise(ctx context.Context, a Alert)
}

// LogAlerter writes alarms as error-level log lines and counts them.
type LogAlerter struct {
	log     zerolog.Logger
	metrics *Metrics
}

func NewLogAlerter(log zerolog.Logger, metrics *Metrics) *LogAlerter {
	return &LogAlerter{log: log, metrics: metrics}
}

func (a *LogAlerter) Raise(_ context.Context, alert Alert) {
	a.metrics.Alarm(alert.Kind)
	a.log.Error().
		Str("alarm", alert.Kind).
		Str("subject", alert.Subject).
		Fields(alert.Fields).
		Msg(alert.Message)
}

// RecordingAlerter keeps raised alarms in memory. Used by tests and the
// in-memory run mode.
type RecordingAlerter struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *RecordingAlerter) Raise(_ context.Context, a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *RecordingAlerter) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

// Count returns how many alarms of kind were raised for subject; an empty
// subject matches any.
func (r *RecordingAlerter) Count(kind, subject string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if a.Kind == kind && (subject == "" || a.Subject == subject) {
			n++
		}
	}
	return n
}

// MultiAlerter fans an alarm out to several alerters.
type MultiAlerter []Alerter

func (m MultiAlerter) Raise(ctx context.Context, a Alert) {
	for _, al := range m {
		al.Raise(ctx, a)
	}
}
