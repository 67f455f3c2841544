// Package bus delivers orchestration lifecycle events to registered
// observers. Delivery is ordered per emitting component. An optional Redis
// Streams backend mirrors events for out-of-process consumers.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind tags an event variant.
type Kind string

const (
	WorkflowStarted  Kind = "workflow:started"
	StepCompleted    Kind = "workflow:step:completed"
	StepFailed       Kind = "workflow:step:failed"
	WorkflowComplete Kind = "workflow:completed"
	WorkflowFailed   Kind = "workflow:failed"
	WorkflowStopped  Kind = "workflow:stopped"

	TeamFormed      Kind = "team_formation:completed"
	SessionStarted  Kind = "session:started"
	SessionEnded    Kind = "session:ended"
	DecisionReached Kind = "decision:reached"
	KnowledgeShared Kind = "knowledge_sharing:shared"
	HealthSnapshot  Kind = "health:snapshot"
)

// Event is the tagged variant delivered to observers.
type Event struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Component string         `json:"component"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Observer receives events. Implementations must not block; slow observers
// lose oldest events first.
type Observer interface {
	Notify(ev Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ev Event)

// Notify calls f(ev).
func (f ObserverFunc) Notify(ev Event) { f(ev) }

type subscription struct {
	ch chan Event
}

// Bus is the in-process event hub. Components publish through it; observers
// and channel subscribers consume from it.
type Bus struct {
	mu        sync.RWMutex
	observers []Observer
	subs      map[string]*subscription
	mirror    *StreamMirror
	logger    *zap.Logger
}

// New creates an event bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[string]*subscription),
		logger: logger,
	}
}

// SetMirror attaches a Redis Streams mirror. Nil detaches.
func (b *Bus) SetMirror(m *StreamMirror) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = m
}

// Register adds an observer called synchronously in publish order.
func (b *Bus) Register(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

// Subscribe returns a buffered channel of events and a cancel func that
// closes it. When the buffer is full the oldest event is dropped so
// publishers never block.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscription{ch: make(chan Event, buffer)}
	id := uuid.New().String()

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			close(s.ch)
			delete(b.subs, id)
		}
	}
	return sub.ch, cancel
}

// Publish delivers an event to all observers and subscribers. Events from one
// component are delivered in the order they were published.
func (b *Bus) Publish(component string, kind Kind, payload map[string]any) {
	ev := Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Component: component,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	observers := b.observers
	mirror := b.mirror

	// Channel sends happen under the read lock so a concurrent cancel, which
	// closes the channel under the write lock, can never race a send.
	for _, s := range b.subs {
		for {
			select {
			case s.ch <- ev:
			default:
				// Buffer full: drop the oldest and retry once.
				select {
				case <-s.ch:
				default:
				}
				continue
			}
			break
		}
	}
	b.mu.RUnlock()

	for _, o := range observers {
		o.Notify(ev)
	}

	if mirror != nil {
		if err := mirror.Append(ev); err != nil {
			b.logger.Warn("event mirror append failed",
				zap.String("kind", string(kind)), zap.Error(err))
		}
	}
}
