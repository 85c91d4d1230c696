package governor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emberworks/fabric/pkg/alert"
	"github.com/emberworks/fabric/pkg/metrics"
	"github.com/emberworks/fabric/pkg/models"
	"github.com/emberworks/fabric/pkg/services"
)

// Breaker evaluates the circuit rules every tick and applies the triggered
// action through the circuit service's once-per-window guard.
type Breaker struct {
	circuit   *services.CircuitService
	collector *Collector
	alerts    alert.Sink
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	warned map[string]struct{}
}

// NewBreaker creates a Breaker. interval is also the trigger window
// granularity: one event at most per rule per interval.
func NewBreaker(circuit *services.CircuitService, collector *Collector, alerts alert.Sink, interval time.Duration) *Breaker {
	if interval <= 0 {
		interval = time.Minute
	}
	if alerts == nil {
		alerts = alert.NewFanout(alert.NewSlogSink())
	}
	return &Breaker{
		circuit:   circuit,
		collector: collector,
		alerts:    alerts,
		interval:  interval,
		logger:    slog.With("component", "circuit_breaker"),
		now:       func() time.Time { return time.Now().UTC() },
		warned:    make(map[string]struct{}),
	}
}

// Interval returns the tick period.
func (b *Breaker) Interval() time.Duration {
	return b.interval
}

// Tick evaluates every enabled rule once. Rule failures are isolated: one
// broken rule does not stop the others.
func (b *Breaker) Tick(ctx context.Context) error {
	rules, err := b.circuit.EnabledRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load breaker rules: %w", err)
	}
	now := b.now()
	windowKey := now.Truncate(b.interval).UTC().Format(time.RFC3339)

	for _, rule := range rules {
		if err := b.evaluateRule(ctx, rule, now, windowKey); err != nil {
			b.logger.Error("Rule evaluation failed", "rule", rule.Name, "error", err)
		}
	}
	return nil
}

func (b *Breaker) evaluateRule(ctx context.Context, rule models.CircuitRule, now time.Time, windowKey string) error {
	window, err := ParseWindow(rule.Window)
	if err != nil {
		b.warnOnce(rule.Name, "invalid window", err)
		return nil
	}
	cond, err := ParseCondition(rule.Condition)
	if err != nil {
		// An unparseable condition never fires.
		b.warnOnce(rule.Name, "invalid condition", err)
		return nil
	}

	snapshot, err := b.collector.Collect(ctx, now.Add(-window), now)
	if err != nil {
		return err
	}
	if !cond.Evaluate(snapshot) {
		return nil
	}

	details := fmt.Sprintf("condition %q held over %s", rule.Condition, rule.Window)
	if snapshot.Commands.Proposed < snapshot.Commands.Total {
		// Some commands in the window were auto-approved agent actions.
		details += "; " + agentOriginMarker
	}

	triggered, err := b.circuit.Trigger(ctx, rule, windowKey, *snapshot, details)
	if err != nil {
		return err
	}
	if !triggered {
		// Another checker already recorded this window.
		return nil
	}

	b.logger.Warn("Circuit breaker tripped",
		"rule", rule.Name, "action", rule.Action, "window", rule.Window)
	metrics.BreakerTriggers.WithLabelValues(rule.Name, string(rule.Action)).Inc()
	_ = b.alerts.Send(ctx, alert.Alert{
		Severity:  rule.AlertSeverity,
		Rule:      rule.Name,
		Message:   fmt.Sprintf("circuit breaker %s tripped: %s", rule.Name, details),
		Timestamp: now,
		Details: models.JSONMap{
			"action":      string(rule.Action),
			"commandType": rule.CommandType,
			"window":      rule.Window,
		},
	})
	return nil
}

// warnOnce logs a malformed rule exactly once per breaker instance.
func (b *Breaker) warnOnce(ruleName, what string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := ruleName + "|" + what
	if _, seen := b.warned[key]; seen {
		return
	}
	b.warned[key] = struct{}{}
	b.logger.Warn("Ignoring malformed breaker rule", "rule", ruleName, "problem", what, "error", err)
}
