package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"fireframe/internal/observability"
	"fireframe/internal/provider"
)

// Realtime fans committed row changes out to subscribers. With a Redis client
// events travel over pub/sub channels named by provider.Subscription.Channel,
// so every process sharing the Redis instance sees them. Without one it falls
// back to an in-process broker.
type Realtime struct {
	rdb    *redis.Client
	tables *registry
	log    *observability.WSLogger

	mu   sync.Mutex
	subs map[string]map[*mailbox]struct{}
}

// NewRealtime creates a broker. rdb may be nil.
func NewRealtime(rdb *redis.Client) *Realtime {
	return &Realtime{
		rdb:    rdb,
		tables: defaultRegistry,
		log:    observability.NewWSLogger("realtime"),
		subs:   make(map[string]map[*mailbox]struct{}),
	}
}

// Distributed reports whether events go through Redis.
func (r *Realtime) Distributed() bool { return r.rdb != nil }

// Subscribe registers handler for events matching sub. The subscription ends
// when the returned Unsubscribe is called or ctx is cancelled.
func (r *Realtime) Subscribe(ctx context.Context, sub provider.Subscription, handler func(provider.ChangeEvent)) (provider.Unsubscribe, error) {
	if handler == nil {
		return nil, errors.New("realtime: nil handler")
	}
	if _, ok := r.tables.lookup(sub.Table); !ok {
		return nil, &provider.Error{Code: provider.CodeInvalidInput, Message: fmt.Sprintf("unknown table %q", sub.Table)}
	}
	if _, _, err := provider.ParseFilter(sub.Filter); err != nil {
		return nil, &provider.Error{Code: provider.CodeInvalidInput, Message: "invalid subscription filter", Err: err}
	}

	deliver := func(ev provider.ChangeEvent) {
		ok, err := sub.Matches(ev)
		if err != nil {
			r.log.LogError(ctx, sub.Channel(), err, string(ev.EventType))
			return
		}
		if !ok {
			return
		}
		defer func() {
			if rec := recover(); rec != nil {
				r.log.LogError(ctx, sub.Channel(), fmt.Errorf("panic in change handler: %v\n%s", rec, debug.Stack()), string(ev.EventType))
			}
		}()
		observability.FeedEvents.WithLabelValues(ev.Table, string(ev.EventType), "delivered").Inc()
		handler(ev)
	}

	if r.rdb != nil {
		return r.subscribeRedis(ctx, sub, deliver)
	}
	return r.subscribeLocal(ctx, sub, deliver), nil
}

func (r *Realtime) subscribeRedis(ctx context.Context, sub provider.Subscription, deliver func(provider.ChangeEvent)) (provider.Unsubscribe, error) {
	ps := r.rdb.Subscribe(ctx, sub.Channel())
	// Wait for the subscription confirmation so no event published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		observability.RedisErrors.WithLabelValues("subscribe").Inc()
		return nil, fmt.Errorf("realtime subscribe %s: %w", sub.Channel(), err)
	}
	ch := ps.Channel()
	r.log.LogConnect(ctx, "redis", sub.Channel())

	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}

	go func() {
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev provider.ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					r.log.LogError(ctx, msg.Channel, fmt.Errorf("decode change event: %w", err), "")
					continue
				}
				deliver(ev)
			}
		}
	}()

	return func() {
		stop()
		r.log.LogDisconnect(context.Background(), "redis", sub.Channel(), "unsubscribe")
	}, nil
}

func (r *Realtime) subscribeLocal(ctx context.Context, sub provider.Subscription, deliver func(provider.ChangeEvent)) provider.Unsubscribe {
	mb := newMailbox()
	channel := sub.Channel()

	r.mu.Lock()
	set, ok := r.subs[channel]
	if !ok {
		set = make(map[*mailbox]struct{})
		r.subs[channel] = set
	}
	set[mb] = struct{}{}
	r.mu.Unlock()

	go mb.run(deliver)

	var once sync.Once
	stop := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs[channel], mb)
			if len(r.subs[channel]) == 0 {
				delete(r.subs, channel)
			}
			r.mu.Unlock()
			mb.close()
		})
	}
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				stop()
			case <-mb.closed:
			}
		}()
	}
	return provider.Unsubscribe(stop)
}

// Publish broadcasts a committed change.
func (r *Realtime) Publish(ctx context.Context, ev provider.ChangeEvent) error {
	if ev.Schema == "" {
		ev.Schema = provider.DefaultSchema
	}
	if ev.CommitTimestamp.IsZero() {
		ev.CommitTimestamp = time.Now().UTC()
	}
	channel := provider.Subscription{Schema: ev.Schema, Table: ev.Table}.Channel()
	observability.FeedEvents.WithLabelValues(ev.Table, string(ev.EventType), "published").Inc()

	if r.rdb != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode change event: %w", err)
		}
		if err := r.rdb.Publish(ctx, channel, payload).Err(); err != nil {
			observability.RedisErrors.WithLabelValues("publish").Inc()
			return fmt.Errorf("realtime publish %s: %w", channel, err)
		}
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for mb := range r.subs[channel] {
		mb.push(ev)
	}
	return nil
}

// mailbox is an unbounded FIFO drained by one goroutine, so a slow handler
// never blocks publishers and events for one subscriber stay in order.
type mailbox struct {
	mu     sync.Mutex
	queue  []provider.ChangeEvent
	notify chan struct{}
	closed chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (m *mailbox) push(ev provider.ChangeEvent) {
	m.mu.Lock()
	m.queue = append(m.queue, ev)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) close() {
	close(m.closed)
}

func (m *mailbox) run(deliver func(provider.ChangeEvent)) {
	for {
		select {
		case <-m.closed:
			return
		case <-m.notify:
		}
		for {
			m.mu.Lock()
			if len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			ev := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()

			select {
			case <-m.closed:
				return
			default:
			}
			deliver(ev)
		}
	}
}
