package realtime

import (
	"testing"
)

func TestBus_PublishReachesSubscribers(t *testing.T) {
	bus := NewBus()

	var got []Event
	cancel := bus.Subscribe(TopicMutation, func(ev Event) {
		got = append(got, ev)
	})
	defer cancel()

	bus.Publish(Event{Topic: TopicMutation, Name: "saved_properties", RelatedID: "u1"})
	bus.Publish(Event{Topic: TopicVisibility, Name: SignalVisible})

	if len(got) != 1 {
		t.Fatalf("Expected 1 event on mutation topic, got %d", len(got))
	}
	if got[0].Name != "saved_properties" || got[0].RelatedID != "u1" {
		t.Errorf("Unexpected event payload: %+v", got[0])
	}

	t.Log("✓ Events reach only their topic's subscribers")
}

func TestBus_CancelRemovesHandler(t *testing.T) {
	bus := NewBus()

	calls := 0
	cancel := bus.Subscribe(TopicMutation, func(Event) {
		calls++
	})

	bus.Publish(Event{Topic: TopicMutation, Name: "property_update"})
	cancel()
	bus.Publish(Event{Topic: TopicMutation, Name: "property_update"})
	cancel() // second cancel is a no-op

	if calls != 1 {
		t.Errorf("Expected 1 delivery before cancel, got %d", calls)
	}
	if n := bus.Subscribers(TopicMutation); n != 0 {
		t.Errorf("Expected 0 subscribers after cancel, got %d", n)
	}

	t.Log("✓ Cancelled handlers receive nothing")
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := NewBus()

	a, b := 0, 0
	cancelA := bus.Subscribe(TopicVisibility, func(Event) { a++ })
	cancelB := bus.Subscribe(TopicVisibility, func(Event) { b++ })
	defer cancelA()
	defer cancelB()

	bus.Publish(Event{Topic: TopicVisibility, Name: SignalVisible})

	if a != 1 || b != 1 {
		t.Errorf("Expected both subscribers to see the event, got a=%d b=%d", a, b)
	}

	t.Log("✓ All subscribers on a topic receive each event")
}

func TestBus_HandlerMayCancelDuringDispatch(t *testing.T) {
	bus := NewBus()

	var cancel func()
	calls := 0
	cancel = bus.Subscribe(TopicMutation, func(Event) {
		calls++
		cancel()
	})

	bus.Publish(Event{Topic: TopicMutation, Name: "property_delete"})
	bus.Publish(Event{Topic: TopicMutation, Name: "property_delete"})

	if calls != 1 {
		t.Errorf("Expected self-cancelling handler to fire once, got %d", calls)
	}

	t.Log("✓ Handlers can cancel themselves while dispatching")
}
