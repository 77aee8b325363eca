package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"sitewatch/internal/metrics"
	"sitewatch/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu       sync.Mutex
	events   []models.Event
	failures int
	block    chan struct{}
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(_ context.Context, ev models.Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("broker down")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) received() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Event(nil), s.events...)
}

// MockPublisher is a mock implementation of Publisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	args := m.Called(topic, qos, retained, payload)
	return args.Error(0)
}

func siteEvent(site string) models.Event {
	return models.Event{Kind: models.EventSiteStatusChanged, SiteID: site, Timestamp: time.Now()}
}

func TestNotifier_DeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	n := NewNotifier(Options{}, zap.NewNop(), sink)
	n.Start(context.Background())

	for _, site := range []string{"a", "b", "c"} {
		n.Emit(siteEvent(site))
	}
	n.Stop()

	got := sink.received()
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].SiteID)
	assert.Equal(t, "c", got[2].SiteID)
}

func TestNotifier_EmitDoesNotBlock(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	n := NewNotifier(Options{QueueSize: 2}, zap.NewNop(), sink)
	n.Start(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			n.Emit(siteEvent("s"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a stuck sink")
	}
	assert.NotZero(t, n.Dropped())
	assert.LessOrEqual(t, n.Pending(), 2)

	close(sink.block)
	n.Stop()
}

func TestNotifier_RetriesFailedSink(t *testing.T) {
	sink := &recordingSink{failures: 2}
	n := NewNotifier(Options{MaxAttempts: 3, RetryBackoff: time.Millisecond}, zap.NewNop(), sink)
	n.Start(context.Background())

	n.Emit(siteEvent("a"))
	n.Stop()

	assert.Len(t, sink.received(), 1)
}

func TestNotifier_GivesUpAfterMaxAttempts(t *testing.T) {
	failing := &recordingSink{failures: 10}
	ok := &recordingSink{}
	n := NewNotifier(Options{MaxAttempts: 2, RetryBackoff: time.Millisecond}, zap.NewNop(), failing, ok)
	n.Start(context.Background())

	n.Emit(siteEvent("a"))
	n.Stop()

	assert.Empty(t, failing.received())
	assert.Len(t, ok.received(), 1)
	assert.Equal(t, uint64(1), n.Dropped())
}

func TestNotifier_RedeliversAfterSinkRecovers(t *testing.T) {
	flaky := &recordingSink{failures: 3}
	ok := &recordingSink{}
	n := NewNotifier(Options{MaxAttempts: 1, RedeliveryInterval: 5 * time.Millisecond}, zap.NewNop(), flaky, ok)
	n.Start(context.Background())
	defer n.Stop()

	for _, site := range []string{"a", "b", "c"} {
		n.Emit(siteEvent(site))
	}

	assert.Eventually(t, func() bool { return len(flaky.received()) == 3 }, 2*time.Second, 5*time.Millisecond)
	got := flaky.received()
	assert.Equal(t, "a", got[0].SiteID)
	assert.Equal(t, "b", got[1].SiteID)
	assert.Equal(t, "c", got[2].SiteID)
	assert.Len(t, ok.received(), 3)
	assert.Zero(t, n.Dropped())
}

func TestNotifier_RecordsMetrics(t *testing.T) {
	m := metrics.New()
	failing := &recordingSink{failures: 10}
	n := NewNotifier(Options{QueueSize: 1, MaxAttempts: 1, Metrics: m}, zap.NewNop(), failing)

	// not started yet, so the queue overflows
	n.Emit(siteEvent("a"))
	n.Emit(siteEvent("b"))
	n.Emit(siteEvent("c"))
	n.Start(context.Background())
	n.Stop()

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, sample := range mf.GetMetric() {
			values[mf.GetName()] += sample.GetCounter().GetValue()
		}
	}
	// two overflowed the queue, the third never left the backlog
	assert.Equal(t, 3.0, values["sitewatch_events_dropped_total"])
	assert.Equal(t, 1.0, values["sitewatch_events_delivery_failures_total"])
}

func TestRedisStreamSink(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sink := NewRedisStreamSink(client, "sitewatch:events", 1000)
	ctx := context.Background()

	status := models.SeverityCritical
	require.NoError(t, sink.Publish(ctx, models.Event{
		Kind:   models.EventSiteStatusChanged,
		SiteID: "site-a",
		Status: &status,
	}))

	entries, err := client.XRange(ctx, "sitewatch:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var ev models.Event
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["data"].(string)), &ev))
	assert.Equal(t, models.EventSiteStatusChanged, ev.Kind)
	require.NotNil(t, ev.Status)
	assert.Equal(t, models.SeverityCritical, *ev.Status)
}

func TestMQTTSink_TopicAndRetain(t *testing.T) {
	pub := new(MockPublisher)
	sink := NewMQTTSink(pub, "sitewatch", 1)

	pub.On("Publish", "sitewatch/site-a/siteStatusChanged", byte(1), true, mock.Anything).Return(nil)
	pub.On("Publish", "sitewatch/site-a/alarmCreated", byte(1), false, mock.Anything).Return(nil)

	require.NoError(t, sink.Publish(context.Background(), siteEvent("site-a")))
	require.NoError(t, sink.Publish(context.Background(), models.Event{
		Kind:   models.EventAlarmCreated,
		SiteID: "site-a",
		Alarm:  &models.Alarm{AlarmID: "x", SiteID: "site-a", Status: models.SeverityMajor},
	}))

	pub.AssertExpectations(t)
}

func TestMQTTSink_PublishError(t *testing.T) {
	pub := new(MockPublisher)
	sink := NewMQTTSink(pub, "sitewatch", 0)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("not connected"))

	assert.Error(t, sink.Publish(context.Background(), siteEvent("site-a")))
}

func TestLogSink(t *testing.T) {
	sink := NewLogSink(zap.NewNop())
	assert.NoError(t, sink.Publish(context.Background(), siteEvent("site-a")))
}

type fakeKafkaWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func TestKafkaSink_KeysBySite(t *testing.T) {
	w := &fakeKafkaWriter{}
	sink := NewKafkaSink(w)

	require.NoError(t, sink.Publish(context.Background(), siteEvent("site-a")))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("site-a"), w.msgs[0].Key)
	require.Len(t, w.msgs[0].Headers, 1)
	assert.Equal(t, "siteStatusChanged", string(w.msgs[0].Headers[0].Value))

	var ev models.Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.Equal(t, "site-a", ev.SiteID)

	w.err = errors.New("leader not available")
	assert.Error(t, sink.Publish(context.Background(), siteEvent("site-a")))
}

func TestNewKafkaWriter(t *testing.T) {
	w := NewKafkaWriter([]string{"kafka-1:9092", "kafka-2:9092"}, "sitewatch.events")
	defer w.Close()
	assert.Equal(t, "sitewatch.events", w.Topic)
	assert.Equal(t, kafka.RequireOne, w.RequiredAcks)
}
