package services

import "sync"

// CartEventKind names what changed in a cart.
type CartEventKind string

const (
	CartEventQuantityChanged CartEventKind = "quantity_changed"
	CartEventLineRemoved     CartEventKind = "line_removed"
)

// CartEvent announces a cart mutation. Owner identifies the customer whose cart changed and Source
// is the selector that made the change, so it can ignore its own events.
type CartEvent struct {
	Kind      CartEventKind
	Owner     string
	VariantID string
	Quantity  int
	Source    any
}

const cartFeedBuffer = 16

// CartFeed fans cart events out to subscribers. Slow subscribers miss events rather than block
// publishers; a missed event only delays a refresh.
type CartFeed struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan CartEvent
	closed bool
}

// NewCartFeed constructs an empty feed.
func NewCartFeed() *CartFeed {
	return &CartFeed{subs: make(map[int]chan CartEvent)}
}

// Subscribe registers a listener. The returned cancel func unsubscribes and closes the channel.
func (f *CartFeed) Subscribe() (<-chan CartEvent, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan CartEvent, cartFeedBuffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if sub, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers event to every subscriber without blocking.
func (f *CartFeed) Publish(event CartEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (f *CartFeed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close unsubscribes everyone.
func (f *CartFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
