package relay

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var ErrProducerBusy = errors.New("producer slot busy")

// IngressState is the lifecycle of a producer connection.
type IngressState int32

const (
	AwaitingCredentials IngressState = iota
	Authenticated
	Streaming
	Closed
)

func (s IngressState) String() string {
	switch s {
	case AwaitingCredentials:
		return "awaiting-credentials"
	case Authenticated:
		return "authenticated"
	case Streaming:
		return "streaming"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Producer is one ingress connection.
type Producer struct {
	id    string
	state atomic.Int32
}

func NewProducer() *Producer {
	return &Producer{id: uuid.NewString()}
}

func (p *Producer) ID() string { return p.id }

func (p *Producer) State() IngressState {
	return IngressState(p.state.Load())
}

// advance moves p forward to next. Closed is terminal and states never go
// backwards.
func (p *Producer) advance(next IngressState) bool {
	for {
		cur := p.state.Load()
		if IngressState(cur) == Closed || IngressState(cur) >= next {
			return false
		}
		if p.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

// Stream marks an authenticated producer as streaming.
func (p *Producer) Stream() bool {
	return p.state.CompareAndSwap(int32(Authenticated), int32(Streaming))
}

// Close moves p to Closed from any state.
func (p *Producer) Close() { p.advance(Closed) }

// ProducerSlot admits at most one authenticated producer at a time. A
// second producer is refused while the first one holds the slot.
type ProducerSlot struct {
	mu     sync.Mutex
	holder *Producer
}

// Acquire moves p to Authenticated and makes it the holder. The returned
// release func moves p to Closed and frees the slot; it is safe to call
// more than once.
func (s *ProducerSlot) Acquire(p *Producer) (release func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holder != nil {
		return nil, ErrProducerBusy
	}
	if !p.advance(Authenticated) {
		return nil, ErrProducerBusy
	}
	s.holder = p

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			p.advance(Closed)
			if s.holder == p {
				s.holder = nil
			}
		})
	}, nil
}

// Holder returns the current producer, or nil.
func (s *ProducerSlot) Holder() *Producer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holder
}
