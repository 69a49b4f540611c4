package daemon

import (
	"encoding/json"
	"sync"
)

const sseSubscriberBuffer = 16

// sseBroker fans daemon events out to local SSE subscribers. Slow
// subscribers drop events rather than block the daemon; the durable record
// stays in the store.
type sseBroker struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

func newSSEBroker() *sseBroker {
	return &sseBroker{subs: make(map[chan []byte]struct{})}
}

func (b *sseBroker) subscribe() chan []byte {
	ch := make(chan []byte, sseSubscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *sseBroker) unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

// publish marshals v once and offers it to every subscriber.
func (b *sseBroker) publish(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- data:
		default:
			// Subscriber is behind; drop.
		}
	}
}

func (b *sseBroker) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
