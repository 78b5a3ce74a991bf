package events

import "testing"

func TestBusFansOutToAllSubscribers(t *testing.T) {
	b := NewBus()
	a := b.Subscribe()
	c := b.Subscribe()

	b.Publish(Event{Topic: TopicEntryOpened, Symbol: "BTCUSDT"})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case ev := <-ch:
			if ev.Topic != TopicEntryOpened || ev.Symbol != "BTCUSDT" {
				t.Fatalf("event = %+v", ev)
			}
		default:
			t.Fatal("subscriber missed the event")
		}
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	b := NewBus()
	b.Subscribe() // never drained

	// Overfill the subscriber buffer; Publish must drop, not block.
	for i := 0; i < subscriberBuffer*2; i++ {
		b.Publish(Event{Topic: TopicCycleSummary})
	}
}

func TestBusCloseEndsSubscribers(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe()
	b.Close()

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after Close")
	}

	// Publish and a second Close after Close are no-ops.
	b.Publish(Event{Topic: TopicEntryOpened})
	b.Close()

	late := b.Subscribe()
	if _, ok := <-late; ok {
		t.Fatal("subscription after Close returned an open channel")
	}
}
