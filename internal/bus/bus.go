// Package bus decouples the HTTP surface from the engine: commands flow one
// way in, events fan out one way to UI consumers. No component holds a back
// reference across it.
package bus

import (
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("bus")

// Commands consumed by the engine worker.
type (
	// Play schedules a block, interrupting whatever holds its port.
	Play struct {
		BlockID uuid.UUID
	}
	// PlayAt schedules a block for a fixed start beat. The group protocol
	// issues it when an intent arms, so armed starts flow through the same
	// worker as everything else.
	PlayAt struct {
		BlockID   uuid.UUID
		StartBeat float64
	}
	// Interrupt stops the current playback through the cleanup path.
	Interrupt struct{}
	// ReloadOutputs rescans the MIDI output ports.
	ReloadOutputs struct{}
)

// Command is one of Play, PlayAt, Interrupt, ReloadOutputs.
type Command any

// PlayingStateChanged is published by the engine when a block starts or
// stops.
type PlayingStateChanged struct {
	BlockID uuid.UUID
	Playing bool
}

// Event is any published notification (PlayingStateChanged, link.Snapshot).
type Event any

// Bus carries commands to the single engine consumer and fans events out to
// any number of listeners. Event listeners are buffered and lossy; a slow
// WebSocket drops snapshots instead of queueing unboundedly.
type Bus struct {
	commands chan Command

	mu        sync.Mutex
	listeners []chan Event
}

func New() *Bus {
	return &Bus{commands: make(chan Command, 16)}
}

// Send queues a command. A full queue drops the command with a warning
// rather than blocking an HTTP handler.
func (b *Bus) Send(cmd Command) {
	select {
	case b.commands <- cmd:
	default:
		log.Warnw("command queue full, dropping", "cmd", cmd)
	}
}

// Commands is the engine's receive side.
func (b *Bus) Commands() <-chan Command {
	return b.commands
}

// Publish fans an event out to all listeners, dropping per listener when its
// buffer is full.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe returns a buffered event channel.
func (b *Bus) Subscribe() chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 16)
	b.listeners = append(b.listeners, ch)
	return ch
}

// Unsubscribe closes and removes a listener channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, l := range b.listeners {
		if l == ch {
			close(l)
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}
