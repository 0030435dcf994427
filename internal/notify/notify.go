// Package notify is a small publish/subscribe bus for sync events.
package notify

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/guilherme-santos/availsync"
	"github.com/guilherme-santos/availsync/internal"
)

const (
	CalendarUpdated  = "calendar-updated"
	ConflictDetected = "conflict-detected"
)

// Event is delivered to every handler subscribed to Name. Conflicts is only
// set on ConflictDetected.
type Event struct {
	Name      string
	Timestamp time.Time
	Conflicts []availsync.ConflictReport
}

type Handler func(Event)

// Subscription identifies a registered handler, pass it to Off.
type Subscription struct {
	name string
	id   uint64
}

type subscriber struct {
	id uint64
	fn Handler
}

type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscriber
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger: internal.LoggerOrDefault(logger),
		subs:   make(map[string][]subscriber),
	}
}

func (b *Bus) On(name string, fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs[name] = append(b.subs[name], subscriber{id: b.nextID, fn: fn})
	return Subscription{name: name, id: b.nextID}
}

func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.name]
	for i, s := range subs {
		if s.id == sub.id {
			b.subs[sub.name] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit calls the handlers synchronously in subscription order. A panicking
// handler is logged and the remaining ones still run.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	subs := append([]subscriber(nil), b.subs[e.Name]...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.call(s, e)
	}
}

func (b *Bus) call(s subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler failed", "event", e.Name, "error", fmt.Sprint(r))
		}
	}()
	s.fn(e)
}
