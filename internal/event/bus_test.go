package event

import (
	"sync"
	"testing"
)

func TestSubscribeAndPublish(t *testing.T) {
	bus := NewBus()

	var received []Event
	bus.Subscribe("agent.spawned", func(e Event) {
		received = append(received, e)
	})

	bus.Publish(NewAgentSpawnedEvent("a1", "explorer", "map the repo"))
	bus.Publish(NewPhaseStartedEvent("p1", 0, []string{"a1"}))

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	spawned, ok := received[0].(AgentSpawnedEvent)
	if !ok {
		t.Fatalf("expected AgentSpawnedEvent, got %T", received[0])
	}
	if spawned.AgentID != "a1" || spawned.Type != "explorer" {
		t.Errorf("unexpected event payload: %+v", spawned)
	}
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	bus := NewBus()

	var count int
	bus.SubscribeAll(func(Event) { count++ })

	bus.Publish(NewAgentSpawnedEvent("a1", "tester", "run tests"))
	bus.Publish(NewApprovalRequestedEvent("p1", 0))
	bus.Publish(NewTaskFailedEvent("t1", "merge conflict"))

	if count != 3 {
		t.Errorf("wildcard handler saw %d events, want 3", count)
	}
}

func TestSpecificHandlersBeforeWildcard(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.SubscribeAll(func(Event) { order = append(order, "wildcard") })
	bus.Subscribe("phase.started", func(Event) { order = append(order, "specific") })

	bus.Publish(NewPhaseStartedEvent("p1", 0, nil))

	if len(order) != 2 || order[0] != "specific" || order[1] != "wildcard" {
		t.Errorf("dispatch order = %v, want [specific wildcard]", order)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()

	var count int
	id := bus.Subscribe("agent.retried", func(Event) { count++ })

	bus.Publish(NewAgentRetriedEvent("a1", "a2", 1))
	if !bus.Unsubscribe(id) {
		t.Fatal("Unsubscribe should find the subscription")
	}
	bus.Publish(NewAgentRetriedEvent("a2", "a3", 2))

	if count != 1 {
		t.Errorf("handler called %d times, want 1", count)
	}
	if bus.Unsubscribe(id) {
		t.Error("second Unsubscribe should return false")
	}
}

func TestPanickingHandlerDoesNotBlockDelivery(t *testing.T) {
	bus := NewBus()

	var delivered bool
	bus.Subscribe("workflow.status_changed", func(Event) { panic("handler bug") })
	bus.Subscribe("workflow.status_changed", func(Event) { delivered = true })

	bus.Publish(NewWorkflowStatusChangedEvent("wf-1", "running", 0))

	if !delivered {
		t.Error("second handler should run despite first handler's panic")
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var count int
	bus.SubscribeAll(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(NewTaskAssignedEvent("t1", "w1"))
		}()
	}
	wg.Wait()

	if count != 20 {
		t.Errorf("handler called %d times, want 20", count)
	}
}

func TestClear(t *testing.T) {
	bus := NewBus()
	bus.Subscribe("x", func(Event) {})
	bus.SubscribeAll(func(Event) {})

	if bus.SubscriptionCount() != 2 {
		t.Fatalf("SubscriptionCount = %d, want 2", bus.SubscriptionCount())
	}
	bus.Clear()
	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount after Clear = %d, want 0", bus.SubscriptionCount())
	}
}
