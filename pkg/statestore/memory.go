package statestore

import (
	"context"
	"path"
	"sync"
	"time"
)

const subscriptionBuffer = 256

// MemoryStore is an in-process Store used for tests and single-node dev mode.
// It mirrors the redis semantics the platform relies on: hash field maps,
// fan-out pub/sub, and FIFO list queues with blocking pop.
type MemoryStore struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	queues map[string][][]byte
	subs   map[*memorySubscription]struct{}
	pushed chan struct{}
	closed bool
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hashes: make(map[string]map[string]string),
		queues: make(map[string][][]byte),
		subs:   make(map[*memorySubscription]struct{}),
		pushed: make(chan struct{}),
	}
}

func (s *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (s *MemoryStore) HDel(ctx context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(s.hashes, key)
	}
	return nil
}

func (s *MemoryStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		delete(s.hashes, k)
		delete(s.queues, k)
	}
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for k := range s.hashes {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *MemoryStore) Publish(ctx context.Context, channel string, payload []byte) error {
	msg := &Message{Channel: channel, Payload: append([]byte(nil), payload...)}

	s.mu.Lock()
	defer s.mu.Unlock()

	for sub := range s.subs {
		sub.deliver(msg)
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	sub := &memorySubscription{
		store:    s,
		channels: make(map[string]bool, len(channels)),
		ch:       make(chan *Message, subscriptionBuffer),
		done:     make(chan struct{}),
	}
	for _, c := range channels {
		sub.channels[c] = true
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	return sub, nil
}

func (s *MemoryStore) RPush(ctx context.Context, queue string, payload []byte) error {
	s.mu.Lock()
	s.queues[queue] = append(s.queues[queue], append([]byte(nil), payload...))
	signal := s.pushed
	s.pushed = make(chan struct{})
	s.mu.Unlock()

	close(signal)
	return nil
}

func (s *MemoryStore) BLPop(ctx context.Context, timeout time.Duration, queues ...string) (string, []byte, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		for _, q := range queues {
			if items := s.queues[q]; len(items) > 0 {
				payload := items[0]
				s.queues[q] = items[1:]
				s.mu.Unlock()
				return q, payload, nil
			}
		}
		signal := s.pushed
		s.mu.Unlock()

		select {
		case <-signal:
		case <-deadline.C:
			return "", nil, ErrNoMessage
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for sub := range s.subs {
		sub.closeLocked()
	}
	s.subs = make(map[*memorySubscription]struct{})
	return nil
}

type memorySubscription struct {
	store    *MemoryStore
	channels map[string]bool
	ch       chan *Message
	done     chan struct{}
	once     sync.Once
}

func (m *memorySubscription) deliver(msg *Message) {
	if !m.channels[msg.Channel] {
		return
	}
	select {
	case m.ch <- msg:
	default:
		// Slow consumer: drop, as redis pub/sub would under backpressure.
	}
}

func (m *memorySubscription) Receive(ctx context.Context, timeout time.Duration) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-m.ch:
		return msg, nil
	case <-m.done:
		return nil, ErrSubscriptionClosed
	case <-timer.C:
		return nil, ErrNoMessage
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *memorySubscription) Close() error {
	m.store.mu.Lock()
	delete(m.store.subs, m)
	m.closeLocked()
	m.store.mu.Unlock()
	return nil
}

func (m *memorySubscription) closeLocked() {
	m.once.Do(func() { close(m.done) })
}
