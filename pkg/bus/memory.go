package bus

import (
	"sync"
)

type message struct {
	subject string
	data    []byte
}

// MemoryBus is an in-process Bus used by unit tests and by the dummy cloud's
// fake agents. Delivery is asynchronous through a single dispatch goroutine
// so publish never blocks on slow handlers, matching the NATS behavior the
// rest of the code is written against.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[string]map[int]Handler
	nextID  int
	msgCh   chan message
	stopCh  chan struct{}
	stopped sync.Once
}

// NewMemory builds a started memory bus.
func NewMemory() *MemoryBus {
	b := &MemoryBus{
		subs:   make(map[string]map[int]Handler),
		msgCh:  make(chan message, 256),
		stopCh: make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *MemoryBus) Publish(subject string, data []byte) error {
	// copy so publishers can reuse their buffer
	d := make([]byte, len(data))
	copy(d, data)
	select {
	case b.msgCh <- message{subject: subject, data: d}:
	case <-b.stopCh:
	}
	return nil
}

func (b *MemoryBus) Subscribe(subject string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.subs[subject][id] = h
	return &memorySub{bus: b, subject: subject, id: id}, nil
}

func (b *MemoryBus) Close() {
	b.stopped.Do(func() { close(b.stopCh) })
}

func (b *MemoryBus) run() {
	for {
		select {
		case msg := <-b.msgCh:
			b.mu.RLock()
			handlers := make([]Handler, 0, len(b.subs[msg.subject]))
			for _, h := range b.subs[msg.subject] {
				handlers = append(handlers, h)
			}
			b.mu.RUnlock()
			for _, h := range handlers {
				h(msg.subject, msg.data)
			}
		case <-b.stopCh:
			return
		}
	}
}

type memorySub struct {
	bus     *MemoryBus
	subject string
	id      int
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs[s.subject], s.id)
	return nil
}
