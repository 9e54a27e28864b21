package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, Event) error { return errors.New("broker down") }

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, nil)), &buf
}

func TestNew_StampsEvent(t *testing.T) {
	e := New(TypeDiscrepancyDetected, "acme", map[string]string{"id": "d-1"})

	assert.NotEmpty(t, e.ID.String())
	assert.Equal(t, "acme", e.TenantID)
	assert.WithinDuration(t, time.Now(), e.OccurredAt, time.Minute)
}

func TestRecorder_OfType(t *testing.T) {
	r := &Recorder{}
	ctx := context.Background()

	require.NoError(t, r.Publish(ctx, New(TypeSettlementSubmitted, "acme", nil)))
	require.NoError(t, r.Publish(ctx, New(TypeSettlementFailed, "acme", nil)))
	require.NoError(t, r.Publish(ctx, New(TypeSettlementSubmitted, "acme", nil)))

	assert.Len(t, r.Events(), 3)
	assert.Len(t, r.OfType(TypeSettlementSubmitted), 2)
	assert.Empty(t, r.OfType(TypeDiscrepancyResolved))
}

func TestLogPublisher(t *testing.T) {
	logger, buf := bufferLogger()

	err := NewLogPublisher(logger).Publish(context.Background(), New(TypeReconciliationCompleted, "acme", nil))

	require.NoError(t, err)
	assert.Contains(t, buf.String(), "[Events] reconciliation.completed")
	assert.Contains(t, buf.String(), "tenant=acme")
}

func TestEmit_NeverFails(t *testing.T) {
	logger, buf := bufferLogger()

	Emit(context.Background(), nil, logger, New(TypeSettlementFailed, "acme", nil))
	assert.Empty(t, buf.String())

	Emit(context.Background(), failingPublisher{}, logger, New(TypeSettlementFailed, "acme", nil))
	assert.Contains(t, buf.String(), "publish failed")
	assert.Contains(t, buf.String(), "broker down")
}

func TestNATSPublisher_Subject(t *testing.T) {
	assert.Equal(t, "settlement.discrepancy.detected", (&NATSPublisher{prefix: "settlement"}).Subject(TypeDiscrepancyDetected))
	assert.Equal(t, "discrepancy.detected", (&NATSPublisher{}).Subject(TypeDiscrepancyDetected))
}

func TestNATSPublisher_ConnectFails(t *testing.T) {
	_, err := NewNATSPublisher(NATSConfig{URL: "nats://127.0.0.1:1", ConnectTimeout: 200 * time.Millisecond}, nil)

	assert.Error(t, err)
}

// Runs against a real server when SETTLE_NATS_URL is set.
func TestNATSPublisher_RoundTrip(t *testing.T) {
	url := os.Getenv("SETTLE_NATS_URL")
	if url == "" {
		t.Skip("SETTLE_NATS_URL not set")
	}

	// GIVEN: A subscriber on the prefixed subject
	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()
	s, err := sub.SubscribeSync("test-settlement.>")
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	pub, err := NewNATSPublisher(NATSConfig{URL: url, Name: "events-test", SubjectPrefix: "test-settlement"}, nil)
	require.NoError(t, err)

	// WHEN: An event is published
	sent := New(TypeDiscrepancyResolved, "acme", map[string]string{"id": "d-1"})
	require.NoError(t, pub.Publish(context.Background(), sent))
	require.NoError(t, pub.Close())

	// THEN: The subscriber receives the JSON event
	msg, err := s.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "test-settlement.discrepancy.resolved", msg.Subject)
	var got Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, "acme", got.TenantID)
}
