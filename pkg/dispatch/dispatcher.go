// Package dispatch turns session-closed broker events into kernel missions.
// The broker callback only enqueues; a single consumer goroutine does the
// decode, validation, and idempotent submission.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emberworks/fabric/pkg/broker"
	"github.com/emberworks/fabric/pkg/metrics"
	"github.com/emberworks/fabric/pkg/models"
)

const (
	// DefaultTopic matches every machine's session-closed events.
	DefaultTopic = "ops/+/+/+/session/closed"
	// DefaultGoal is the mission goal submitted for each event.
	DefaultGoal = "generate-roast-report"

	defaultBufferSize = 256
	errorRingSize     = 20
	snippetLimit      = 200
)

// Submitter is the slice of the kernel client the dispatcher needs.
type Submitter interface {
	SubmitMission(ctx context.Context, req *models.MissionRequest) (*models.Mission, bool, error)
}

// Subscriber registers broker subscriptions; satisfied by *broker.Client.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler broker.Handler) error
}

// Config tunes the dispatcher.
type Config struct {
	Topics        []string
	Goals         []string
	MaxAttempts   int
	BufferSize    int
	ReplayEnabled bool
}

func (c Config) withDefaults() Config {
	if len(c.Topics) == 0 {
		c.Topics = []string{DefaultTopic}
	}
	if len(c.Goals) == 0 {
		c.Goals = []string{DefaultGoal}
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	return c
}

// Counters are the dispatcher's processing totals since start.
type Counters struct {
	Received         uint64 `json:"received"`
	Dropped          uint64 `json:"dropped"`
	ParseErrors      uint64 `json:"parseErrors"`
	ValidationErrors uint64 `json:"validationErrors"`
	MissionsCreated  uint64 `json:"missionsCreated"`
	MissionsDeduped  uint64 `json:"missionsDeduped"`
	KernelErrors     uint64 `json:"kernelErrors"`
}

// ErrorRecord is one entry in the bounded recent-error ring.
type ErrorRecord struct {
	Time    time.Time `json:"time"`
	Stage   string    `json:"stage"`
	Topic   string    `json:"topic,omitempty"`
	Error   string    `json:"error"`
	Snippet string    `json:"snippet,omitempty"`
}

// Status is the /status response body.
type Status struct {
	Counters     Counters      `json:"counters"`
	RecentErrors []ErrorRecord `json:"recentErrors"`
	Topics       []string      `json:"topics"`
	Goals        []string      `json:"goals"`
	Replay       bool          `json:"replayEnabled"`
}

type inbound struct {
	topic   string
	payload []byte
}

// Dispatcher consumes session-closed events and submits missions.
type Dispatcher struct {
	kernel Submitter
	cfg    Config
	logger *slog.Logger
	inbox  chan inbound

	mu       sync.Mutex
	counters Counters
	ring     []ErrorRecord

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Dispatcher.
func New(kernel Submitter, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		kernel: kernel,
		cfg:    cfg,
		logger: slog.With("component", "dispatcher"),
		inbox:  make(chan inbound, cfg.BufferSize),
	}
}

// Start subscribes the configured topics and launches the consumer.
func (d *Dispatcher) Start(ctx context.Context, sub Subscriber) error {
	if d.cancel != nil {
		return nil
	}
	for _, topic := range d.cfg.Topics {
		if err := sub.Subscribe(topic, 1, d.Enqueue); err != nil {
			return fmt.Errorf("dispatcher: %w", err)
		}
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	go d.run(ctx)

	d.logger.Info("Dispatcher started",
		"topics", d.cfg.Topics, "goals", d.cfg.Goals, "buffer", d.cfg.BufferSize)
	return nil
}

// Stop drains nothing: buffered events not yet processed are lost, the same
// as a crash; idempotent submission makes the replay safe.
func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
	d.logger.Info("Dispatcher stopped")
}

// Enqueue is the broker callback. It never blocks the broker thread: a full
// buffer drops the message and counts it.
func (d *Dispatcher) Enqueue(topic string, payload []byte) {
	d.mu.Lock()
	d.counters.Received++
	d.mu.Unlock()

	select {
	case d.inbox <- inbound{topic: topic, payload: payload}:
	default:
		d.mu.Lock()
		d.counters.Dropped++
		d.mu.Unlock()
		metrics.DispatcherEvents.WithLabelValues("dropped").Inc()
		d.recordError("enqueue", topic, errors.New("buffer full, message dropped"), payload)
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.inbox:
			d.process(ctx, msg.topic, msg.payload)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, topic string, payload []byte) {
	ev, err := models.ParseSessionClosed(payload)
	if err != nil {
		var parseErr *models.ParseError
		if errors.As(err, &parseErr) {
			d.count(func(c *Counters) { c.ParseErrors++ })
			metrics.DispatcherEvents.WithLabelValues("parse_error").Inc()
			d.recordError("parse", topic, err, payload)
			return
		}
		d.count(func(c *Counters) { c.ValidationErrors++ })
		metrics.DispatcherEvents.WithLabelValues("validation_error").Inc()
		d.recordError("validate", topic, err, payload)
		return
	}
	d.submit(ctx, topic, ev)
}

// Replay force-submits a validated event through the same path as a broker
// delivery, reusing the idempotency key so a re-run cannot double-create.
func (d *Dispatcher) Replay(ctx context.Context, ev *models.SessionClosed) (*models.Mission, bool, error) {
	if err := ev.Validate(); err != nil {
		return nil, false, err
	}
	mission, created, err := d.kernel.SubmitMission(ctx, d.buildRequest(ev))
	if err != nil {
		return nil, false, err
	}
	d.countSubmission(created)
	return mission, created, nil
}

func (d *Dispatcher) submit(ctx context.Context, topic string, ev *models.SessionClosed) {
	mission, created, err := d.kernel.SubmitMission(ctx, d.buildRequest(ev))
	if err != nil {
		d.count(func(c *Counters) { c.KernelErrors++ })
		metrics.DispatcherEvents.WithLabelValues("kernel_error").Inc()
		d.recordError("submit", topic, err, nil)
		return
	}
	d.countSubmission(created)
	d.logger.Info("Mission submitted",
		"mission_id", mission.MissionID, "session_id", ev.SessionID, "created", created)
}

func (d *Dispatcher) buildRequest(ev *models.SessionClosed) *models.MissionRequest {
	goal := d.cfg.Goals[0]
	return &models.MissionRequest{
		Goal: goal,
		Params: models.JSONMap{
			"sessionId":  ev.SessionID,
			"reportKind": ev.ReportKind,
		},
		SubjectID:      ev.MachineID,
		IdempotencyKey: fmt.Sprintf("%s:%s:%s", goal, ev.ReportKind, ev.SessionID),
		MaxAttempts:    d.cfg.MaxAttempts,
	}
}

func (d *Dispatcher) countSubmission(created bool) {
	if created {
		d.count(func(c *Counters) { c.MissionsCreated++ })
		metrics.DispatcherEvents.WithLabelValues("created").Inc()
		return
	}
	d.count(func(c *Counters) { c.MissionsDeduped++ })
	metrics.DispatcherEvents.WithLabelValues("deduped").Inc()
}

func (d *Dispatcher) count(mutate func(*Counters)) {
	d.mu.Lock()
	mutate(&d.counters)
	d.mu.Unlock()
}

func (d *Dispatcher) recordError(stage, topic string, err error, payload []byte) {
	rec := ErrorRecord{
		Time:  time.Now().UTC(),
		Stage: stage,
		Topic: topic,
		Error: err.Error(),
	}
	if len(payload) > 0 {
		snippet := string(payload)
		if len(snippet) > snippetLimit {
			snippet = snippet[:snippetLimit]
		}
		rec.Snippet = snippet
	}

	d.mu.Lock()
	d.ring = append(d.ring, rec)
	if len(d.ring) > errorRingSize {
		d.ring = d.ring[len(d.ring)-errorRingSize:]
	}
	d.mu.Unlock()

	d.logger.Warn("Dispatcher event rejected", "stage", stage, "topic", topic, "error", err)
}

// Status snapshots counters and recent errors for the admin endpoint.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	recent := make([]ErrorRecord, len(d.ring))
	copy(recent, d.ring)
	return Status{
		Counters:     d.counters,
		RecentErrors: recent,
		Topics:       d.cfg.Topics,
		Goals:        d.cfg.Goals,
		Replay:       d.cfg.ReplayEnabled,
	}
}

// ReplayEnabled reports whether the admin replay endpoint is active.
func (d *Dispatcher) ReplayEnabled() bool {
	return d.cfg.ReplayEnabled
}
