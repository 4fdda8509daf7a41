// Package registry owns the table of playable blocks. It is the sole owner
// of block metadata; the engine only flips the playing flag through it.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("registry")

// ErrUnknownBlock is returned for operations on a vanished block id.
var ErrUnknownBlock = errors.New("registry: unknown block")

// Kind tells the engine how to play a block.
type Kind byte

const (
	KindMidi Kind = iota
	KindSharedMemory
)

func (k Kind) String() string {
	switch k {
	case KindMidi:
		return "midi"
	case KindSharedMemory:
		return "shared-memory"
	default:
		return "unknown"
	}
}

// Block is one playable artifact. Payload bytes live in the content store
// under SHA1; the registry carries metadata only.
type Block struct {
	ID       uuid.UUID
	Kind     Kind
	FileName string
	SHA1     string
	Format   uint16
	Tracks   uint16
	Group    string
	Keybind  string
	Port     int // MIDI output port index; -1 means the default port
	Playing  bool
}

// Delta is a partial block update; nil fields are left untouched.
type Delta struct {
	Group   *string
	Keybind *string
	Port    *int
}

// Registry is an insertion-ordered block table. Readers share the lock,
// mutations are exclusive, nothing holds it across blocking calls.
type Registry struct {
	mu     sync.RWMutex
	blocks map[uuid.UUID]*Block
	order  []uuid.UUID
}

func New() *Registry {
	return &Registry{blocks: map[uuid.UUID]*Block{}}
}

// Insert adds a block, assigning an id when it has none, and returns the id.
func (r *Registry) Insert(b Block) uuid.UUID {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	r.mu.Lock()
	if _, exists := r.blocks[b.ID]; !exists {
		r.order = append(r.order, b.ID)
	}
	r.blocks[b.ID] = &b
	r.mu.Unlock()
	log.Debugw("block inserted", "id", b.ID, "kind", b.Kind, "file", b.FileName)
	return b.ID
}

// Get returns a copy of the block.
func (r *Registry) Get(id uuid.UUID) (Block, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.blocks[id]
	if !ok {
		return Block{}, fmt.Errorf("%w: %s", ErrUnknownBlock, id)
	}
	return *b, nil
}

// Update applies a partial update.
func (r *Registry) Update(id uuid.UUID, d Delta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blocks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBlock, id)
	}
	if d.Group != nil {
		b.Group = *d.Group
	}
	if d.Keybind != nil {
		b.Keybind = *d.Keybind
	}
	if d.Port != nil {
		b.Port = *d.Port
	}
	return nil
}

// SetPlaying flips the playing flag; the only block field the engine writes.
func (r *Registry) SetPlaying(id uuid.UUID, playing bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blocks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBlock, id)
	}
	b.Playing = playing
	return nil
}

// Delete removes a block.
func (r *Registry) Delete(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.blocks[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBlock, id)
	}
	delete(r.blocks, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// List returns copies of all blocks in insertion order.
func (r *Registry) List() []Block {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Block, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.blocks[id])
	}
	return out
}

// InGroup returns the blocks whose group matches, in insertion order. The
// empty group never matches: it means "no group".
func (r *Registry) InGroup(group string) []Block {
	if group == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Block
	for _, id := range r.order {
		if b := r.blocks[id]; b.Group == group {
			out = append(out, *b)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
