package events

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/yourorg/exchanger/internal/model"
	"go.uber.org/zap"
)

// messageWriter is the part of *kafka.Writer the publisher uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// TaskEvent is the payload published for one changed task
type TaskEvent struct {
	Task        string           `json:"task"`
	Status      model.TaskStatus `json:"status"`
	PublishedAt time.Time        `json:"published_at"`
}

// StatusPublisher forwards task status changes to a Kafka topic, one
// message per changed task keyed by task key.
type StatusPublisher struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
	now    func() time.Time

	last map[string]string
}

// NewStatusPublisher creates a publisher writing to topic on brokers
func NewStatusPublisher(brokers []string, topic, clientID string, logger *zap.Logger) *StatusPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		Transport: &kafka.Transport{
			ClientID: clientID,
		},
	}
	return newStatusPublisher(writer, topic, logger)
}

func newStatusPublisher(writer messageWriter, topic string, logger *zap.Logger) *StatusPublisher {
	return &StatusPublisher{
		writer: writer,
		topic:  topic,
		logger: logger,
		now:    time.Now,
		last:   make(map[string]string),
	}
}

// Run publishes every snapshot received on updates until ctx is done or
// updates is closed. Publish failures are logged and do not stop the loop.
func (p *StatusPublisher) Run(ctx context.Context, updates <-chan model.TaskSnapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-updates:
			if !ok {
				return
			}
			if err := p.Publish(ctx, snapshot); err != nil && ctx.Err() == nil {
				p.logger.Warn("Failed to publish task status", zap.Error(err))
			}
		}
	}
}

// Publish writes the tasks of snapshot that changed since the last
// successful publish
func (p *StatusPublisher) Publish(ctx context.Context, snapshot model.TaskSnapshot) error {
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var msgs []kafka.Message
	encoded := make(map[string]string, len(keys))
	for _, task := range keys {
		status, err := json.Marshal(snapshot[task])
		if err != nil {
			p.logger.Error("Failed to marshal task status", zap.String("task", task), zap.Error(err))
			continue
		}
		if p.last[task] == string(status) {
			continue
		}
		encoded[task] = string(status)

		value, err := json.Marshal(TaskEvent{Task: task, Status: snapshot[task], PublishedAt: p.now().UTC()})
		if err != nil {
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(task),
			Value: value,
			Time:  p.now(),
		})
	}

	if len(msgs) == 0 {
		return nil
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.logger.Error("Failed to publish message",
			zap.String("topic", p.topic),
			zap.Int("count", len(msgs)),
			zap.Error(err))
		return err
	}

	for task, status := range encoded {
		p.last[task] = status
	}
	p.logger.Debug("Task status published", zap.String("topic", p.topic), zap.Int("count", len(msgs)))
	return nil
}

// Close closes the underlying writer
func (p *StatusPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		p.logger.Error("Failed to close Kafka writer", zap.String("topic", p.topic), zap.Error(err))
		return err
	}
	return nil
}
