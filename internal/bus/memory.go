package bus

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Bus.
type Memory struct {
	delay time.Duration

	mu     sync.Mutex
	topics map[string]*memoryTopic
	closed bool
	done   chan struct{}
	timers sync.WaitGroup
}

type memoryTopic struct {
	items    [][]byte
	inflight int
	notify   chan struct{}
}

// NewMemory returns a Memory bus that redelivers failed messages after delay.
func NewMemory(delay time.Duration) *Memory {
	return &Memory{
		delay:  delay,
		topics: make(map[string]*memoryTopic),
		done:   make(chan struct{}),
	}
}

func (m *Memory) topic(name string) *memoryTopic {
	t, ok := m.topics[name]
	if !ok {
		t = &memoryTopic{notify: make(chan struct{}, 1)}
		m.topics[name] = t
	}
	return t
}

func (t *memoryTopic) signal() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Publish appends payload to topic.
func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	t := m.topic(topic)
	t.items = append(t.items, append([]byte(nil), payload...))
	t.signal()
	return nil
}

// Subscribe consumes topic in publish order until ctx is cancelled or the bus
// is closed.
func (m *Memory) Subscribe(ctx context.Context, topic string, handler Handler) error {
	m.mu.Lock()
	t := m.topic(topic)
	m.mu.Unlock()

	for {
		payload, ok, err := m.pop(t)
		if err != nil {
			return err
		}
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-m.done:
				return nil
			case <-t.notify:
			}
			continue
		}
		herr := handler(ctx, payload)
		m.mu.Lock()
		t.inflight--
		m.mu.Unlock()
		if herr != nil {
			m.redeliver(topic, payload)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (m *Memory) pop(t *memoryTopic) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	if len(t.items) == 0 {
		return nil, false, nil
	}
	payload := t.items[0]
	t.items = t.items[1:]
	t.inflight++
	if len(t.items) > 0 {
		t.signal()
	}
	return payload, true, nil
}

func (m *Memory) redeliver(topic string, payload []byte) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.timers.Add(1)
	m.mu.Unlock()
	time.AfterFunc(m.delay, func() {
		defer m.timers.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			return
		}
		t := m.topic(topic)
		t.items = append(t.items, payload)
		t.signal()
	})
}

// Pending reports queued plus in-flight messages on topic.
func (m *Memory) Pending(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[topic]
	if !ok {
		return 0
	}
	return len(t.items) + t.inflight
}

// Close stops all subscribers. Undelivered messages are discarded.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()
	m.timers.Wait()
	return nil
}
