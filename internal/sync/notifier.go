package sync

import (
	"context"
	"sync"
	"time"
)

// Notification tells UI subscribers that the cache changed for one entity.
// Subscribers re-read the store; the notification carries identity only.
type Notification struct {
	Table     string
	Key       []any
	Op        Op
	Timestamp time.Time
}

// Notifier fans cache-change notifications out to per-table subscribers.
// Slow subscribers drop notifications instead of blocking the merge path; a
// dropped notification is safe because subscribers re-read the store anyway.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*notifierSubscriber
	nextID      int64
	bufferSize  int
}

type notifierSubscriber struct {
	id     int64
	stream chan Notification
}

// NewNotifier constructs a Notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[string]map[int64]*notifierSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers interest in one table's cache changes. The returned
// cleanup is idempotent and also runs when ctx ends.
func (n *Notifier) Subscribe(ctx context.Context, table string) (<-chan Notification, func()) {
	if table == "" {
		ch := make(chan Notification)
		close(ch)
		return ch, func() {}
	}
	subscriber := &notifierSubscriber{
		id:     n.nextSequence(),
		stream: make(chan Notification, n.bufferSize),
	}
	n.registerSubscriber(table, subscriber)
	cleanup := func() {
		n.unregisterSubscriber(table, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers a notification to every subscriber of its table.
func (n *Notifier) Publish(notification Notification) {
	if notification.Table == "" {
		return
	}
	n.mu.RLock()
	subscribers := n.subscribers[notification.Table]
	if len(subscribers) == 0 {
		n.mu.RUnlock()
		return
	}
	copies := make([]*notifierSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	n.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- notification:
		default:
		}
	}
}

func (n *Notifier) nextSequence() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	return n.nextID
}

func (n *Notifier) registerSubscriber(table string, subscriber *notifierSubscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subscribers[table]; !ok {
		n.subscribers[table] = make(map[int64]*notifierSubscriber)
	}
	n.subscribers[table][subscriber.id] = subscriber
}

func (n *Notifier) unregisterSubscriber(table string, subscriberID int64) {
	n.mu.Lock()
	subscribers := n.subscribers[table]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(n.subscribers, table)
		}
	}
	n.mu.Unlock()
}
