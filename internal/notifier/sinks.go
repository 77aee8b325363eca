package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	commonredis "sitewatch/common/redis"
	"sitewatch/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// RedisStreamSink appends events to a redis stream (XADD)
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamSink creates the sink
func NewRedisStreamSink(client *redis.Client, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Name() string { return "redis-stream" }

// Publish writes the event as the JSON "data" field of a stream entry
func (s *RedisStreamSink) Publish(ctx context.Context, event models.Event) error {
	if _, err := commonredis.PublishJSONToStream(ctx, s.client, s.stream, event, s.maxLen); err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", s.stream, err)
	}
	return nil
}

// Publisher mqtt publish capability (common/mqtt.Client)
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTTSink publishes events to <prefix>/<site>/<kind>
type MQTTSink struct {
	publisher Publisher
	prefix    string
	qos       byte
}

// NewMQTTSink creates the sink
func NewMQTTSink(publisher Publisher, prefix string, qos byte) *MQTTSink {
	return &MQTTSink{publisher: publisher, prefix: prefix, qos: qos}
}

func (s *MQTTSink) Name() string { return "mqtt" }

// Topic builds the topic of an event
func (s *MQTTSink) Topic(event models.Event) string {
	return fmt.Sprintf("%s/%s/%s", s.prefix, event.SiteID, event.Kind)
}

// Publish sends the JSON encoded event. Status events are retained so new
// subscribers see the current value.
func (s *MQTTSink) Publish(_ context.Context, event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	retained := event.Kind == models.EventSiteStatusChanged || event.Kind == models.EventEquipmentStatusChanged
	return s.publisher.Publish(s.Topic(event), s.qos, retained, payload)
}

// MessageWriter kafka producer capability (*kafka.Writer)
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSink produces events keyed by site so one site's events stay ordered
// within a partition
type KafkaSink struct {
	writer MessageWriter
}

// NewKafkaWriter builds the producer for brokers/topic
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

// NewKafkaSink creates the sink
func NewKafkaSink(writer MessageWriter) *KafkaSink {
	return &KafkaSink{writer: writer}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.SiteID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(event.Kind)},
		},
		Time: event.Timestamp,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	return nil
}

// LogSink writes every event to the service log
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates the sink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Publish(_ context.Context, event models.Event) error {
	fields := []zap.Field{
		zap.String("kind", string(event.Kind)),
		zap.String("site_id", event.SiteID),
		zap.Time("timestamp", event.Timestamp),
	}
	if event.DeviceID != "" {
		fields = append(fields, zap.String("device_id", event.DeviceID))
	}
	if event.Alarm != nil {
		fields = append(fields,
			zap.String("alarm_id", event.Alarm.AlarmID),
			zap.Int("pin", event.Alarm.PinNumber),
			zap.Stringer("alarm_status", event.Alarm.Status),
		)
	}
	if event.Equipment != "" {
		fields = append(fields, zap.String("equipment", event.Equipment))
	}
	if event.Status != nil {
		fields = append(fields, zap.Stringer("status", *event.Status))
	}
	if event.State != "" {
		fields = append(fields, zap.String("state", string(event.State)))
	}
	s.logger.Info("Event", fields...)
	return nil
}
