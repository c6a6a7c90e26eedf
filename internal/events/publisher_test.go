package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPublisher_PublishSubscribe(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	ch := p.Subscribe("task-1")

	p.Publish(NewEvent(EventWorkerBusy, "task-1", BusyData{WorkerID: "w1"}))

	select {
	case got := <-ch:
		assert.Equal(t, EventWorkerBusy, got.Type)
		assert.Equal(t, "task-1", got.TaskID)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestMemoryPublisher_GlobalSubscriber(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	global := p.Subscribe(GlobalTaskID)

	p.Publish(NewEvent(EventLogWorker, "task-9", WorkerLogData{Repo: "acme/foo"}))

	select {
	case got := <-global:
		assert.Equal(t, "task-9", got.TaskID)
	case <-time.After(time.Second):
		t.Fatal("global subscriber missed the event")
	}
}

func TestMemoryPublisher_FullBufferDoesNotBlock(t *testing.T) {
	p := NewMemoryPublisher(WithBufferSize(1))
	defer p.Close()

	_ = p.Subscribe("task-1")

	done := make(chan struct{})
	go func() {
		for range 10 {
			p.Publish(NewEvent(EventSessionText, "task-1", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}
}

func TestMemoryPublisher_Unsubscribe(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	ch := p.Subscribe("task-1")
	require.Equal(t, 1, p.SubscriberCount("task-1"))

	p.Unsubscribe("task-1", ch)
	assert.Equal(t, 0, p.SubscriberCount("task-1"))

	// Channel is closed after unsubscribe.
	_, open := <-ch
	assert.False(t, open)
}

func TestNewCheckpointEvent_DedupKey(t *testing.T) {
	e := NewCheckpointEvent("task-1", 3, "pr_ready")
	assert.Equal(t, "3:pr_ready", e.DedupKey)
	data, ok := e.Data.(CheckpointData)
	require.True(t, ok)
	assert.Equal(t, 3, data.Seq)
	assert.Equal(t, "pr_ready", data.Checkpoint)
}
