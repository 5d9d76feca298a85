package memory

import (
	"context"
	"path"
	"sync"

	"github.com/alanyoungcy/pivengine/internal/domain"
)

var _ domain.SignalBus = (*SignalBus)(nil)

// subscriberBuffer bounds each subscriber's queue. Publishing never blocks;
// a subscriber that falls this far behind misses events.
const subscriberBuffer = 128

// SignalBus is an in-process domain.SignalBus. Channels may be glob
// patterns in the path.Match syntax.
type SignalBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	pattern string
	ch      chan []byte
}

// NewSignalBus creates a bus with no subscribers.
func NewSignalBus() *SignalBus {
	return &SignalBus{subs: make(map[*subscriber]struct{})}
}

// Publish delivers payload to every matching subscriber.
func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if ok, _ := path.Match(s.pattern, channel); !ok {
			continue
		}
		select {
		case s.ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe registers for channel until ctx is cancelled, which also closes
// the returned channel.
func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if _, err := path.Match(channel, ""); err != nil {
		return nil, domain.Errorf(domain.KindInvalidArgument, "bad channel pattern %q", channel)
	}
	s := &subscriber{pattern: channel, ch: make(chan []byte, subscriberBuffer)}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		close(s.ch)
	}()
	return s.ch, nil
}
