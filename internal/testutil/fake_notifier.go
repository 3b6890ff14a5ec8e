package testutil

import (
	"sync"

	roastguard "github.com/eugener/roastguard/internal"
)

// RecordingNotifier collects every alert it is given.
type RecordingNotifier struct {
	mu     sync.Mutex
	alerts []roastguard.BudgetAlert
}

// Notify records a.
func (n *RecordingNotifier) Notify(a roastguard.BudgetAlert) {
	n.mu.Lock()
	n.alerts = append(n.alerts, a)
	n.mu.Unlock()
}

// Alerts returns a copy of the recorded alerts.
func (n *RecordingNotifier) Alerts() []roastguard.BudgetAlert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]roastguard.BudgetAlert(nil), n.alerts...)
}
