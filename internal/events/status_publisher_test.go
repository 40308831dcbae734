package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/exchanger/internal/model"
	"go.uber.org/zap"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

func TestPublishOnlyChangedTasks(t *testing.T) {
	writer := &fakeWriter{}
	p := newStatusPublisher(writer, "exchanger.tasks", zap.NewNop())

	snapshot := model.TaskSnapshot{
		"backfill:cnb": {"status": "running", "message": "Starting..."},
		"backfill:fcs": {"status": "done", "message": "ok"},
	}
	require.NoError(t, p.Publish(context.Background(), snapshot))
	require.Len(t, writer.msgs, 2)
	assert.Equal(t, "backfill:cnb", string(writer.msgs[0].Key))

	var event TaskEvent
	require.NoError(t, json.Unmarshal(writer.msgs[0].Value, &event))
	assert.Equal(t, "backfill:cnb", event.Task)
	assert.Equal(t, "running", event.Status["status"])

	snapshot["backfill:cnb"] = model.TaskStatus{"status": "done", "message": "Completed"}
	require.NoError(t, p.Publish(context.Background(), snapshot))
	assert.Len(t, writer.msgs, 3)
}

func TestFailedPublishIsRetriedNextTime(t *testing.T) {
	writer := &fakeWriter{err: errors.New("broker down")}
	p := newStatusPublisher(writer, "exchanger.tasks", zap.NewNop())
	snapshot := model.TaskSnapshot{"backfill:cnb": {"status": "running"}}

	assert.Error(t, p.Publish(context.Background(), snapshot))

	writer.err = nil
	require.NoError(t, p.Publish(context.Background(), snapshot))
	assert.Len(t, writer.msgs, 1)
}

func TestRunStopsWhenUpdatesClose(t *testing.T) {
	writer := &fakeWriter{}
	p := newStatusPublisher(writer, "exchanger.tasks", zap.NewNop())

	updates := make(chan model.TaskSnapshot, 2)
	updates <- model.TaskSnapshot{"populate_symbols:cnb": {"status": "running"}}
	close(updates)

	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), updates)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, 1, writer.count())

	require.NoError(t, p.Close())
	assert.True(t, writer.closed)
}
