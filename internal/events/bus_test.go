package events

import "testing"

func TestPublishReachesSubscriber(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer sub.Close()

	bus.Publish(EventSyncStarted, map[string]interface{}{"eligible": 3})

	select {
	case event := <-sub.Events():
		if event.Type != EventSyncStarted {
			t.Errorf("Type = %q, want %q", event.Type, EventSyncStarted)
		}
		if event.Data["eligible"] != 3 {
			t.Errorf("Data = %v", event.Data)
		}
		if event.Timestamp == 0 {
			t.Error("Timestamp not stamped")
		}
	default:
		t.Fatal("No event delivered")
	}
}

func TestTypeFilter(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventPhotoCompleted)
	defer sub.Close()

	bus.Publish(EventSyncStarted, nil)
	bus.Publish(EventPhotoCompleted, nil)
	bus.Publish(EventSyncCompleted, nil)

	select {
	case event := <-sub.Events():
		if event.Type != EventPhotoCompleted {
			t.Errorf("Filtered subscription received %q", event.Type)
		}
	default:
		t.Fatal("Matching event not delivered")
	}

	select {
	case event := <-sub.Events():
		t.Errorf("Unexpected second event %q", event.Type)
	default:
	}
}

func TestCloseUnsubscribes(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()

	if got := bus.SubscriberCount(); got != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", got)
	}

	sub.Close()
	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount after close = %d, want 0", got)
	}

	// Channel is closed, so receive completes immediately
	if _, ok := <-sub.Events(); ok {
		t.Error("Channel still open after Close")
	}

	// Double close must not panic
	sub.Close()
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer sub.Close()

	// Overfill the buffer; Publish must never block
	for i := 0; i < 100; i++ {
		bus.Publish(EventPhotoProgress, map[string]interface{}{"i": i})
	}

	received := 0
	for {
		select {
		case <-sub.Events():
			received++
			continue
		default:
		}
		break
	}
	if received != 64 {
		t.Errorf("Buffered %d events, want 64", received)
	}
}
