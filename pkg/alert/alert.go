// Package alert delivers operator notifications from the governor. Delivery
// is best-effort: a sink failure is logged and never blocks the loop that
// raised the alert.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/emberworks/fabric/pkg/models"
)

// Alert is one operator notification.
type Alert struct {
	Severity  string         `json:"severity"`
	Rule      string         `json:"rule,omitempty"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Details   models.JSONMap `json:"details,omitempty"`
}

// Sink delivers alerts somewhere an operator will see them.
type Sink interface {
	Send(ctx context.Context, a Alert) error
}

// SlogSink writes alerts to the structured log. Always present so alerts
// are never silently dropped when no broker is configured.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates the logging sink.
func NewSlogSink() *SlogSink {
	return &SlogSink{logger: slog.With("component", "alert")}
}

// Send implements Sink.
func (s *SlogSink) Send(_ context.Context, a Alert) error {
	s.logger.Warn("ALERT",
		"severity", a.Severity, "rule", a.Rule, "message", a.Message)
	return nil
}

// Publisher is the slice of the broker client the MQTT sink needs.
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
}

// MQTTSink publishes JSON alerts to ops/governor/alerts/{severity}.
type MQTTSink struct {
	publisher   Publisher
	topicPrefix string
}

// NewMQTTSink creates an MQTT sink. The default topic prefix is
// "ops/governor/alerts".
func NewMQTTSink(publisher Publisher, topicPrefix string) *MQTTSink {
	if topicPrefix == "" {
		topicPrefix = "ops/governor/alerts"
	}
	return &MQTTSink{publisher: publisher, topicPrefix: topicPrefix}
}

// Send implements Sink.
func (s *MQTTSink) Send(_ context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	return s.publisher.Publish(s.topicPrefix+"/"+a.Severity, 1, payload)
}

// Fanout sends each alert to every sink, logging failures instead of
// propagating them.
type Fanout struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewFanout composes sinks. A nil or empty list still satisfies Sink.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, logger: slog.With("component", "alert")}
}

// Send implements Sink. Always returns nil; delivery is best-effort.
func (f *Fanout) Send(ctx context.Context, a Alert) error {
	for _, sink := range f.sinks {
		if err := sink.Send(ctx, a); err != nil {
			f.logger.Warn("Alert sink failed", "severity", a.Severity, "rule", a.Rule, "error", err)
		}
	}
	return nil
}
