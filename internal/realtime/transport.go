package realtime

import (
	"context"
	"sync"

	"github.com/voxdesk/extwatch/internal/protocol"
)

// Transport opens push subscriptions against the PBX.
type Transport interface {
	Subscribe(ctx context.Context, req protocol.SubscribeRequest) (Stream, error)
}

// Stream is one open push subscription. Events is never closed; Done is
// closed when the stream ends, after which Err explains why.
type Stream interface {
	Events() <-chan protocol.PushEvent
	Done() <-chan struct{}
	Err() error
	Close() error
}

// baseStream implements the bookkeeping shared by transports.
type baseStream struct {
	events chan protocol.PushEvent
	done   chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

func newBaseStream() *baseStream {
	return &baseStream{
		events: make(chan protocol.PushEvent, 64),
		done:   make(chan struct{}),
	}
}

func (s *baseStream) Events() <-chan protocol.PushEvent { return s.events }
func (s *baseStream) Done() <-chan struct{}             { return s.done }

func (s *baseStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// end records err (the first one wins) and closes Done. It reports whether
// this call ended the stream.
func (s *baseStream) end(err error) bool {
	ended := false
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		ended = true
	})
	return ended
}

// deliver hands ev to the consumer unless the stream has ended.
func (s *baseStream) deliver(ev protocol.PushEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}
