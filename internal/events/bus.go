package events

import "sync"

// Topic names an event stream carrying values of type T.
type Topic[T any] struct {
	name string
}

func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

func (t Topic[T]) Name() string { return t.name }

type subscription struct {
	id uint64
	fn func(any)
}

// Bus dispatches published values to subscribers. The zero value is ready to
// use.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string][]subscription
}

func (b *Bus) subscribe(name string, fn func(any)) func() {
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[string][]subscription)
	}
	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[name]
			for i, s := range list {
				if s.id == id {
					b.subs[name] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

func (b *Bus) publish(name string, v any) {
	b.mu.Lock()
	list := append([]subscription(nil), b.subs[name]...)
	b.mu.Unlock()

	for _, s := range list {
		s.fn(v)
	}
}

// Subscribers reports how many handlers are attached to a topic.
func (b *Bus) Subscribers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[name])
}

// Subscribe attaches fn to topic and returns a function that detaches it.
func Subscribe[T any](b *Bus, topic Topic[T], fn func(T)) (unsubscribe func()) {
	return b.subscribe(topic.name, func(v any) {
		fn(v.(T))
	})
}

// Publish delivers v to every current subscriber of topic before returning.
func Publish[T any](b *Bus, topic Topic[T], v T) {
	b.publish(topic.name, v)
}
