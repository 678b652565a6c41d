// Package live maintains the single realtime push subscription of an
// inbox. Leaking a subscription is a correctness bug, not a resource
// leak: a stale channel delivers another conversation's inserts into
// the active view. The manager therefore closes the previous channel
// and waits for its pump to drain before opening the next one.
package live

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Samuel-0228/sabimarket/internal/backend"
	"github.com/Samuel-0228/sabimarket/internal/bus"
	"go.uber.org/zap"
)

// State represents the subscription lifecycle.
type State string

const (
	// Idle means no conversation is subscribed.
	Idle State = "IDLE"
	// Subscribing means a channel open has been requested.
	Subscribing State = "SUBSCRIBING"
	// Subscribed means events are flowing.
	Subscribed State = "SUBSCRIBED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Idle:        {Subscribing},
	Subscribing: {Subscribed, Idle},
	Subscribed:  {Idle},
}

// Manager owns at most one open channel at a time. Inbound inserts are
// republished on the bus as live.message events; the reconciliation
// layer picks them up from there.
type Manager struct {
	realtime backend.Realtime
	bus      *bus.Bus
	logger   *zap.Logger

	mu             sync.Mutex
	state          State
	conversationID string
	channel        backend.Channel
	pumpDone       chan struct{}
}

// NewManager creates a manager in the Idle state.
func NewManager(realtime backend.Realtime, b *bus.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		realtime: realtime,
		bus:      b,
		logger:   logger,
		state:    Idle,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Active returns the subscribed conversation id, or empty when idle.
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Subscribed {
		return ""
	}
	return m.conversationID
}

// Switch subscribes to conversationID's inserts. Any previous channel
// is fully torn down first; the two subscriptions never overlap.
func (m *Manager) Switch(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeLocked()

	if err := m.transition(Subscribing); err != nil {
		return err
	}
	m.conversationID = conversationID

	ch, err := m.realtime.MessageInserts(ctx, conversationID)
	if err != nil {
		_ = m.transition(Idle)
		m.conversationID = ""
		return fmt.Errorf("open channel: %w", err)
	}
	m.channel = ch
	if err := m.transition(Subscribed); err != nil {
		_ = ch.Close()
		return err
	}

	done := make(chan struct{})
	m.pumpDone = done
	go m.pump(conversationID, ch, done)

	m.logger.Info("subscribed", zap.String("conversation_id", conversationID))
	return nil
}

// Close tears the current subscription down. Mandatory on conversation
// switch and on view teardown; idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
}

func (m *Manager) closeLocked() {
	if m.state == Idle {
		return
	}
	if m.channel != nil {
		_ = m.channel.Close()
		m.channel = nil
	}
	if m.pumpDone != nil {
		<-m.pumpDone
		m.pumpDone = nil
	}
	prev := m.conversationID
	m.conversationID = ""
	if err := m.transition(Idle); err != nil {
		m.logger.Error("teardown transition failed", zap.Error(err))
	}
	m.logger.Info("unsubscribed", zap.String("conversation_id", prev))
}

func (m *Manager) pump(conversationID string, ch backend.Channel, done chan struct{}) {
	defer close(done)
	for msg := range ch.Events() {
		// The server filters by conversation; this is the defensive
		// client-side check against stale-filter leakage.
		if msg.ConversationID != conversationID {
			m.logger.Warn("dropping event for foreign conversation",
				zap.String("want", conversationID),
				zap.String("got", msg.ConversationID))
			continue
		}
		m.bus.Publish(bus.Event{
			Kind:      bus.KindLiveMessage,
			Timestamp: time.Now(),
			Payload:   msg,
		})
	}
}

func (m *Manager) transition(to State) error {
	allowed := validTransitions[m.state]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.state, to)
	}
	m.state = to
	return nil
}
