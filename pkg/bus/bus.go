// Package bus is a keyed in-process pub/sub bus. The device manager uses it
// to fan out lifecycle events and recoverable errors without coupling
// producers to subscribers. Subscriber channels are buffered so a sampling
// loop never blocks on a slow consumer; overflowing messages are dropped.
//
// Keyed subscriber sets are immutable snapshots, replaced wholesale on
// subscribe and unsubscribe, so the dispatch goroutine can range over them
// without locking. Unsubscription runs on the dispatch goroutine itself: a
// channel is only closed once no dispatch can still send to it.
package bus

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

type Message[K comparable, M any] struct {
	Key     K
	Message M
}

type Publisher[M any] func(ctx context.Context, msg M)

type subscription[K comparable, M any] struct {
	keys []K
	ch   chan Message[K, M]
}

type Bus[K comparable, M any] struct {
	log       *zap.Logger
	ready     chan struct{}
	done      chan struct{}
	subBuffer int
	ch        chan Message[K, M]
	unsub     chan subscription[K, M]
	// keySubs values are never mutated in place; Subscribe and unsubscribe
	// swap in a fresh copy
	keySubs    *xsync.MapOf[K, map[chan Message[K, M]]struct{}]
	globalSubs *xsync.MapOf[chan Message[K, M], struct{}]
}

type Option func(*options)

type options struct {
	subBuffer int
}

// WithSubscriberBuffer sets the per-subscriber channel depth.
func WithSubscriberBuffer(n int) Option {
	return func(o *options) {
		o.subBuffer = n
	}
}

func NewBus[K comparable, M any](logger *zap.Logger, opts ...Option) *Bus[K, M] {
	o := options{subBuffer: 64}
	for _, opt := range opts {
		opt(&o)
	}
	return &Bus[K, M]{
		log:        logger,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		subBuffer:  o.subBuffer,
		ch:         make(chan Message[K, M]),
		unsub:      make(chan subscription[K, M]),
		keySubs:    xsync.NewMapOf[K, map[chan Message[K, M]]struct{}](),
		globalSubs: xsync.NewMapOf[chan Message[K, M], struct{}](),
	}
}

func (b *Bus[K, M]) Start(ctx context.Context) error {
	go func() {
		defer close(b.done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-b.ch:
				b.dispatch(msg)
			case sub := <-b.unsub:
				b.remove(sub)
				close(sub.ch)
			}
		}
	}()
	close(b.ready)
	return nil
}

func (b *Bus[K, M]) Ready() <-chan struct{} {
	return b.ready
}

func (b *Bus[K, M]) Publish(ctx context.Context, key K, msg M) {
	select {
	case <-ctx.Done():
	case b.ch <- Message[K, M]{key, msg}:
	}
}

func (b *Bus[K, M]) CreatePublisher(key K) Publisher[M] {
	return func(ctx context.Context, msg M) {
		b.Publish(ctx, key, msg)
	}
}

func (b *Bus[K, M]) dispatch(msg Message[K, M]) {
	b.globalSubs.Range(func(sub chan Message[K, M], _ struct{}) bool {
		b.send(sub, msg)
		return true
	})
	subs, ok := b.keySubs.Load(msg.Key)
	if !ok {
		return
	}
	for sub := range subs {
		b.send(sub, msg)
	}
}

func (b *Bus[K, M]) send(sub chan Message[K, M], msg Message[K, M]) {
	select {
	case sub <- msg:
	default:
		b.log.Warn("bus subscriber full, dropping message")
	}
}

func (b *Bus[K, M]) remove(sub subscription[K, M]) {
	if len(sub.keys) == 0 {
		b.globalSubs.Delete(sub.ch)
		return
	}
	for _, k := range sub.keys {
		b.keySubs.Compute(k, func(old map[chan Message[K, M]]struct{}, ok bool) (map[chan Message[K, M]]struct{}, bool) {
			if !ok {
				return nil, true
			}
			next := make(map[chan Message[K, M]]struct{}, len(old))
			for s := range old {
				if s != sub.ch {
					next[s] = struct{}{}
				}
			}
			return next, len(next) == 0
		})
	}
}

// Subscribe returns a channel of messages for the given keys, or all
// messages when no key is given. The channel is closed when ctx is done.
func (b *Bus[K, M]) Subscribe(ctx context.Context, keys ...K) <-chan Message[K, M] {
	ch := make(chan Message[K, M], b.subBuffer)
	if len(keys) == 0 {
		b.globalSubs.Store(ch, struct{}{})
	} else {
		for _, k := range keys {
			b.keySubs.Compute(k, func(old map[chan Message[K, M]]struct{}, ok bool) (map[chan Message[K, M]]struct{}, bool) {
				next := make(map[chan Message[K, M]]struct{}, len(old)+1)
				for s := range old {
					next[s] = struct{}{}
				}
				next[ch] = struct{}{}
				return next, false
			})
		}
	}
	go func() {
		<-ctx.Done()
		select {
		case b.unsub <- subscription[K, M]{keys, ch}:
		case <-b.done:
			// dispatcher is gone, nothing can send anymore
			b.remove(subscription[K, M]{keys, ch})
			close(ch)
		}
	}()
	return ch
}
