package progress

import (
	"sync"

	"github.com/beaconhq/beacon/pkg/types"
)

// Subscriber is a channel that receives published task events
type Subscriber chan *types.TaskEvent

// broker fans published events out to in-process subscribers. Delivery is
// non-blocking; a subscriber with a full buffer skips the event.
type broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]string // value is the task filter, "" = all
}

func newBroker() *broker {
	return &broker{
		subscribers: make(map[Subscriber]string),
	}
}

// subscribe registers a subscriber. taskID filters delivery to one task;
// empty means every task.
func (b *broker) subscribe(taskID string) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = taskID
	return sub
}

// unsubscribe removes and closes a subscriber channel
func (b *broker) unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// publish delivers an event to every matching subscriber
func (b *broker) publish(event *types.TaskEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, filter := range b.subscribers {
		if filter != "" && filter != event.TaskID {
			continue
		}
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// count returns the number of active subscribers
func (b *broker) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// closeAll closes every subscriber channel; used on engine shutdown
func (b *broker) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		delete(b.subscribers, sub)
		close(sub)
	}
}
