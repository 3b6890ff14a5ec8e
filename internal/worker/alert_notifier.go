package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	roastguard "github.com/eugener/roastguard/internal"
)

const (
	alertChanSize  = 64
	alertDrainTime = 10 * time.Second
)

// AlertSender delivers one alert.
type AlertSender interface {
	Send(ctx context.Context, a roastguard.BudgetAlert) error
}

// AlertNotifier queues budget alerts off the confirm path and delivers them
// in the background. Alerts are dropped if the queue is full.
type AlertNotifier struct {
	ch     chan roastguard.BudgetAlert
	sender AlertSender
	gauge  prometheus.Gauge
}

// NewAlertNotifier creates an AlertNotifier. gauge may be nil.
func NewAlertNotifier(sender AlertSender, gauge prometheus.Gauge) *AlertNotifier {
	return &AlertNotifier{
		ch:     make(chan roastguard.BudgetAlert, alertChanSize),
		sender: sender,
		gauge:  gauge,
	}
}

// Notify enqueues an alert. It never blocks.
func (n *AlertNotifier) Notify(a roastguard.BudgetAlert) {
	select {
	case n.ch <- a:
		n.setGauge()
	default:
		slog.Warn("budget alert dropped, queue full", "kind", a.Kind, "month", a.Month)
	}
}

// Run delivers alerts until ctx is cancelled, then drains the queue.
func (n *AlertNotifier) Run(ctx context.Context) error {
	for {
		select {
		case a := <-n.ch:
			n.send(ctx, a)
		case <-ctx.Done():
			n.drain()
			return nil
		}
	}
}

func (n *AlertNotifier) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), alertDrainTime)
	defer cancel()

	for {
		select {
		case a := <-n.ch:
			n.send(ctx, a)
		default:
			return
		}
	}
}

func (n *AlertNotifier) send(ctx context.Context, a roastguard.BudgetAlert) {
	n.setGauge()
	if err := n.sender.Send(ctx, a); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "budget alert delivery failed",
			slog.String("kind", string(a.Kind)),
			slog.String("month", a.Month),
			slog.String("error", err.Error()),
		)
	}
}

func (n *AlertNotifier) setGauge() {
	if n.gauge != nil {
		n.gauge.Set(float64(len(n.ch)))
	}
}
