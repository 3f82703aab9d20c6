package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ymera-io/ymera/core"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	bus := New(nil)
	defer bus.Close()

	var mu sync.Mutex
	received := map[string]int{}
	record := func(name string) Handler {
		return func(event Event) {
			mu.Lock()
			received[name]++
			mu.Unlock()
		}
	}

	require.NoError(t, bus.Subscribe(TopicTaskCompleted, "manager", record("manager")))
	require.NoError(t, bus.Subscribe(TopicTaskCompleted, "knowledge", record("knowledge")))

	bus.Publish(TopicTaskCompleted, map[string]interface{}{"task_id": "t1"})
	bus.Publish(TopicTaskCompleted, map[string]interface{}{"task_id": "t2"})

	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, received["manager"])
	assert.Equal(t, 2, received["knowledge"])
}

func TestPerSubscriberOrderingIsFIFO(t *testing.T) {
	bus := New(nil)
	defer bus.Close()

	var mu sync.Mutex
	var order []string

	require.NoError(t, bus.Subscribe(TopicAgentStateChanged, "audit", func(event Event) {
		mu.Lock()
		order = append(order, event.Payload["seq"].(string))
		mu.Unlock()
	}))

	for _, seq := range []string{"a", "b", "c", "d", "e"} {
		bus.Publish(TopicAgentStateChanged, map[string]interface{}{"seq": seq})
	}

	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, order)
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := New(&Config{InboxSize: 1})
	t.Cleanup(bus.Close)

	// Released after Close starts so the drain in Close can finish.
	blocked := make(chan struct{})
	t.Cleanup(func() { close(blocked) })
	require.NoError(t, bus.Subscribe(TopicTaskFailed, "slow", func(event Event) {
		<-blocked
	}))

	fastDone := make(chan struct{}, 16)
	require.NoError(t, bus.Subscribe(TopicTaskFailed, "fast", func(event Event) {
		fastDone <- struct{}{}
	}))

	// More events than the slow subscriber's inbox can hold. Publish must
	// not block, and pacing on the fast subscriber keeps its one-slot
	// inbox from overflowing so it sees every event.
	for i := 0; i < 5; i++ {
		bus.Publish(TopicTaskFailed, map[string]interface{}{"i": i})
		select {
		case <-fastDone:
		case <-time.After(2 * time.Second):
			t.Fatalf("fast subscriber starved at event %d", i)
		}
	}
}

func TestPublishConcurrentWithCloseDoesNotPanic(t *testing.T) {
	bus := New(nil)
	require.NoError(t, bus.Subscribe(TopicTaskCompleted, "sink", func(Event) {}))

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 200; j++ {
				bus.Publish(TopicTaskCompleted, map[string]interface{}{"j": j})
			}
		}()
	}

	close(start)
	bus.Close()
	wg.Wait()
}

func TestPublishConcurrentWithUnsubscribeDoesNotPanic(t *testing.T) {
	bus := New(nil)
	defer bus.Close()
	require.NoError(t, bus.Subscribe(TopicTaskCompleted, "ephemeral", func(Event) {}))

	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		for j := 0; j < 200; j++ {
			bus.Publish(TopicTaskCompleted, map[string]interface{}{"j": j})
		}
	}()

	close(start)
	bus.Unsubscribe(TopicTaskCompleted, "ephemeral")
	wg.Wait()
}

func TestSubscribeValidation(t *testing.T) {
	bus := New(nil)
	defer bus.Close()

	assert.ErrorIs(t, bus.Subscribe("", "x", func(Event) {}), core.ErrInvalidRequest)
	assert.ErrorIs(t, bus.Subscribe("topic", "", func(Event) {}), core.ErrInvalidRequest)
	assert.ErrorIs(t, bus.Subscribe("topic", "x", nil), core.ErrInvalidRequest)

	require.NoError(t, bus.Subscribe("topic", "x", func(Event) {}))
	assert.ErrorIs(t, bus.Subscribe("topic", "x", func(Event) {}), core.ErrAlreadyExists)
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	bus := New(nil)
	defer bus.Close()

	delivered := make(chan struct{}, 2)
	require.NoError(t, bus.Subscribe(TopicKnowledgeNew, "panicky", func(event Event) {
		if event.Payload["boom"] == true {
			panic("subscriber bug")
		}
		delivered <- struct{}{}
	}))

	bus.Publish(TopicKnowledgeNew, map[string]interface{}{"boom": true})
	bus.Publish(TopicKnowledgeNew, map[string]interface{}{"boom": false})

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not survive a panicking event")
	}
}

func TestPublishAfterCloseIsNoOp(t *testing.T) {
	bus := New(nil)
	require.NoError(t, bus.Subscribe("topic", "x", func(Event) {}))
	bus.Close()

	// Must not panic on a closed inbox.
	bus.Publish("topic", map[string]interface{}{"k": "v"})
}
