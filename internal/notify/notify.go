// Package notify forwards selected orchestration events to chat platforms.
// Sinks subscribe to the event bus and post terse summaries; a failing sink
// never blocks the workflow that produced the event.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/caremesh/internal/bus"
)

// Sink posts one rendered event to an external platform.
type Sink interface {
	Name() string
	Post(ctx context.Context, text string) error
}

// Notifier fans selected bus events out to sinks.
type Notifier struct {
	sinks  []Sink
	kinds  map[bus.Kind]bool
	cancel func()
	wg     sync.WaitGroup
	logger *zap.Logger
}

// New creates a notifier forwarding the given event kinds. An empty kinds
// list forwards workflow and decision outcomes.
func New(sinks []Sink, kinds []bus.Kind, logger *zap.Logger) *Notifier {
	if len(kinds) == 0 {
		kinds = []bus.Kind{
			bus.WorkflowComplete,
			bus.WorkflowFailed,
			bus.DecisionReached,
			bus.TeamFormed,
		}
	}
	wanted := make(map[bus.Kind]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}
	return &Notifier{sinks: sinks, kinds: wanted, logger: logger}
}

// Start subscribes to the bus and forwards events until Stop is called.
func (n *Notifier) Start(events *bus.Bus) {
	ch, cancel := events.Subscribe(64)
	n.cancel = cancel

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for ev := range ch {
			if !n.kinds[ev.Kind] {
				continue
			}
			n.post(render(ev))
		}
	}()
}

// Stop cancels the subscription and waits for the forwarder to drain.
func (n *Notifier) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
}

func (n *Notifier) post(text string) {
	for _, s := range n.sinks {
		if err := s.Post(context.Background(), text); err != nil {
			n.logger.Warn("notification failed", zap.String("sink", s.Name()), zap.Error(err))
		}
	}
}

// render turns an event into a one line chat message.
func render(ev bus.Event) string {
	var b strings.Builder
	switch ev.Kind {
	case bus.WorkflowComplete:
		fmt.Fprintf(&b, "workflow completed")
	case bus.WorkflowFailed:
		fmt.Fprintf(&b, "workflow failed")
	case bus.DecisionReached:
		fmt.Fprintf(&b, "decision reached")
	case bus.TeamFormed:
		fmt.Fprintf(&b, "team formed")
	default:
		fmt.Fprintf(&b, "%s", ev.Kind)
	}
	for _, key := range []string{"goal", "instance", "team", "decision", "status"} {
		if v, ok := ev.Payload[key]; ok {
			fmt.Fprintf(&b, " %s=%v", key, v)
		}
	}
	return b.String()
}
