package publish

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nidsguard/internal/config"
	"nidsguard/internal/model"
)

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

type fakeConn struct {
	subjects []string
	payloads [][]byte
	drainErr error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeConn) Drain() error {
	return f.drainErr
}

func sample() model.PredictionResult {
	return model.PredictionResult{
		ID:         "0b6f",
		ModelID:    "ddos-detector",
		Label:      model.LabelThreat,
		Confidence: 0.88,
		ProducedAt: time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC),
		Source:     model.SourceRemote,
	}
}

func TestKafkaPublish(t *testing.T) {
	w := &fakeWriter{}
	k := &Kafka{w: w, topic: "t"}
	require.NoError(t, k.Publish(context.Background(), sample()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "ddos-detector", string(w.msgs[0].Key))

	var got model.PredictionResult
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "0b6f", got.ID)
	assert.Equal(t, model.LabelThreat, got.Label)
	assert.Equal(t, "threat", string(w.msgs[0].Headers[0].Value))

	require.NoError(t, CloseAll([]Publisher{k}))
	assert.True(t, w.closed)
}

func TestNATSPublish(t *testing.T) {
	c := &fakeConn{}
	n := &NATS{nc: c, subject: "nidsguard.predictions"}
	require.NoError(t, n.Publish(context.Background(), sample()))
	assert.Equal(t, []string{"nidsguard.predictions.ddos-detector"}, c.subjects)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, n.Publish(ctx, sample()))
	assert.Len(t, c.subjects, 1)

	c.drainErr = errors.New("closed")
	assert.Error(t, CloseAll([]Publisher{n}))
}

func TestDisabledSinks(t *testing.T) {
	assert.Nil(t, NewKafka(config.KafkaConfig{}, nil))
	n, err := NewNATS(config.NATSConfig{}, nil)
	assert.NoError(t, err)
	assert.Nil(t, n)
}
