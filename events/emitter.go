package events

import (
	"sync"

	"go.uber.org/zap"
)

// EventType labels what happened.
type EventType string

const (
	EventBlockCommitted   EventType = "block_committed"
	EventTxApplied        EventType = "tx_applied"
	EventReorg            EventType = "reorg"
	EventValidatorStaked  EventType = "validator_staked"
	EventValidatorJailed  EventType = "validator_jailed"
	EventValidatorSlashed EventType = "validator_slashed"
	EventEpochAdvanced    EventType = "epoch_advanced"
	EventPeerBanned       EventType = "peer_banned"
	EventSnapshotCreated  EventType = "snapshot_created"
)

// Event carries a typed payload emitted after a state change.
type Event struct {
	Type        EventType      `json:"type"`
	TxHash      string         `json:"tx_hash,omitempty"`
	BlockHeight uint64         `json:"block_height,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Handler is a callback invoked for matching events.
type Handler func(Event)

// Emitter is a simple pub/sub broker. Subscribe before Emit.
type Emitter struct {
	log      *zap.Logger
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEmitter creates an Emitter with no subscribers, logging handler panics
// through log.
func NewEmitter(log *zap.Logger) *Emitter {
	return &Emitter{log: log, handlers: make(map[EventType][]Handler)}
}

// Subscribe registers h to be called whenever typ is emitted.
func (e *Emitter) Subscribe(typ EventType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[typ] = append(e.handlers[typ], h)
}

// Emit delivers ev to all subscribers for ev.Type synchronously.
// Each handler is guarded by panic recovery so a misbehaving subscriber
// cannot crash the node or halt block production.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	handlers := e.handlers[ev.Type]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("event handler panicked", zap.String("event_type", string(ev.Type)), zap.Any("recover", r))
				}
			}()
			h(ev)
		}()
	}
}
