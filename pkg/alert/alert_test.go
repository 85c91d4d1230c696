package alert

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	topic   string
	payload []byte
	err     error
}

func (p *capturePublisher) Publish(topic string, _ byte, payload []byte) error {
	p.topic = topic
	p.payload = payload
	return p.err
}

func TestMQTTSinkTopicPerSeverity(t *testing.T) {
	pub := &capturePublisher{}
	sink := NewMQTTSink(pub, "")

	err := sink.Send(context.Background(), Alert{
		Severity:  "critical",
		Rule:      "critical_incident",
		Message:   "autonomy reverted to L3",
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, "ops/governor/alerts/critical", pub.topic)

	var decoded Alert
	require.NoError(t, json.Unmarshal(pub.payload, &decoded))
	assert.Equal(t, "critical_incident", decoded.Rule)
}

func TestFanoutSwallowsSinkErrors(t *testing.T) {
	failing := NewMQTTSink(&capturePublisher{err: errors.New("broker down")}, "")
	ok := &capturePublisher{}
	fanout := NewFanout(NewSlogSink(), failing, NewMQTTSink(ok, ""))

	err := fanout.Send(context.Background(), Alert{Severity: "warning", Message: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ops/governor/alerts/warning", ok.topic)
}
