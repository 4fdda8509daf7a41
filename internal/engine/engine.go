// Package engine turns an agreed start beat plus a block payload into timed
// MIDI output. A single worker consumes commands; a new Play interrupts the
// incumbent playback through the notes-off path before the next block claims
// the port, so switching blocks never leaves stuck notes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/harmonia-project/harmonia/internal/bus"
	"github.com/harmonia-project/harmonia/internal/clock"
	"github.com/harmonia-project/harmonia/internal/groups"
	"github.com/harmonia-project/harmonia/internal/link"
	"github.com/harmonia-project/harmonia/internal/registry"
	"github.com/harmonia-project/harmonia/internal/shm"
)

var log = logging.Logger("engine")

// State is the playback state machine exposed to the UI.
type State int

const (
	Idle State = iota
	Waiting
	Running
	Interrupting
	Cleaning
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case Running:
		return "running"
	case Interrupting:
		return "interrupting"
	case Cleaning:
		return "cleaning"
	default:
		return "unknown"
	}
}

// sharedMemoryTickInterval gives readers well over the promised 100 Hz.
const sharedMemoryTickInterval = 5 * time.Millisecond

// Engine is the single logical playback worker of a peer.
type Engine struct {
	clk     clock.Clock
	session *link.Session
	reg     *registry.Registry
	store   *registry.Store
	bus     *bus.Bus
	groups  *groups.Manager
	outs    Outputs

	// startMu serializes interrupt-then-claim sequences so two starts can
	// never race each other past the incumbent check.
	startMu sync.Mutex

	mu      sync.Mutex
	state   State
	current *running
}

// running is the incumbent playback task.
type running struct {
	blockID uuid.UUID
	pb      *playback
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(clk clock.Clock, session *link.Session, reg *registry.Registry, store *registry.Store, b *bus.Bus, gm *groups.Manager, outs Outputs) *Engine {
	return &Engine{
		clk:     clk,
		session: session,
		reg:     reg,
		store:   store,
		bus:     b,
		groups:  gm,
		outs:    outs,
	}
}

// Run consumes bus commands until ctx is cancelled. It is the only consumer
// of the command channel.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.InterruptAll()
			return
		case cmd := <-e.bus.Commands():
			switch c := cmd.(type) {
			case bus.Play:
				if err := e.Play(ctx, c.BlockID); err != nil {
					log.Errorw("play failed", "block", c.BlockID, "err", err)
				}
			case bus.PlayAt:
				if err := e.PlayAt(ctx, c.BlockID, c.StartBeat); err != nil {
					log.Errorw("play failed", "block", c.BlockID, "start_beat", c.StartBeat, "err", err)
				}
			case bus.Interrupt:
				e.InterruptAll()
			case bus.ReloadOutputs:
				log.Infow("midi outputs", "ports", e.outs.Names())
			default:
				log.Warnw("unknown command", "cmd", cmd)
			}
		}
	}
}

// Play resolves the start beat for a block and schedules it: group blocks go
// through the participatory-start protocol, solo blocks start at the next
// whole beat.
func (e *Engine) Play(ctx context.Context, id uuid.UUID) error {
	b, err := e.reg.Get(id)
	if err != nil {
		return err
	}
	var startBeat float64
	if b.Group != "" {
		startBeat, err = e.groups.Start(b.Group)
		if err != nil {
			return err
		}
	} else {
		startBeat = nextWholeBeat(e.session.Beat())
	}
	return e.PlayAt(ctx, id, startBeat)
}

// PlayAt schedules a block for a fixed start beat. The incumbent playback,
// if any, is interrupted first and its cleanup completes before the new
// block claims the output.
func (e *Engine) PlayAt(ctx context.Context, id uuid.UUID, startBeat float64) error {
	b, err := e.reg.Get(id)
	if err != nil {
		return err
	}

	e.startMu.Lock()
	defer e.startMu.Unlock()
	e.interruptCurrent()

	switch b.Kind {
	case registry.KindMidi:
		return e.playMidi(ctx, b, startBeat)
	case registry.KindSharedMemory:
		return e.playSharedMemory(ctx, b)
	default:
		return fmt.Errorf("%w: kind %d", ErrUnsupportedMidi, b.Kind)
	}
}

func (e *Engine) playMidi(ctx context.Context, b registry.Block, startBeat float64) error {
	payload, err := e.store.Get(b.SHA1)
	if err != nil {
		return fmt.Errorf("%w: %s", registry.ErrUnknownBlock, b.ID)
	}
	score, err := Parse(payload)
	if err != nil {
		return err
	}
	out, release, err := e.outs.Claim(b.Port)
	if err != nil {
		return err
	}

	pb := newPlayback(e.clk, e.session, score, out, b.Port, startBeat)
	runCtx, cancel := context.WithCancel(ctx)
	r := &running{blockID: b.ID, pb: pb, cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.state = Waiting
	e.current = r
	e.mu.Unlock()

	e.setPlaying(b.ID, true)
	e.session.SetIsPlaying(true, startBeat)
	log.Infow("scheduled block", "block", b.ID, "file", b.FileName, "start_beat", startBeat, "port", b.Port)

	go func() {
		defer close(r.done)
		defer release()

		e.setState(r, Waiting)
		err := pb.run(runCtx)

		e.setState(r, Cleaning)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("playback error", "block", b.ID, "err", err)
		}

		e.mu.Lock()
		if e.current == r {
			e.current = nil
			e.state = Idle
		}
		e.mu.Unlock()
		e.setPlaying(b.ID, false)
	}()

	// Mark Running once the start beat passes; the dispatch goroutine owns
	// the precise timing.
	go func() {
		target := e.session.HostTimeAt(startBeat)
		if e.clk.SleepUntil(runCtx, target) == nil {
			e.setState(r, Running)
		}
	}()
	return nil
}

// playSharedMemory publishes the session beat into the shared tick region
// until interrupted.
func (e *Engine) playSharedMemory(ctx context.Context, b registry.Block) error {
	region, err := shm.Create()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &running{blockID: b.ID, cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.state = Running
	e.current = r
	e.mu.Unlock()
	e.setPlaying(b.ID, true)
	log.Infow("publishing shared-memory tick", "block", b.ID)

	go func() {
		defer close(r.done)
		defer region.Close()
		ticker := time.NewTicker(sharedMemoryTickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				e.mu.Lock()
				if e.current == r {
					e.current = nil
					e.state = Idle
				}
				e.mu.Unlock()
				e.setPlaying(b.ID, false)
				return
			case <-ticker.C:
				region.WriteBeat(e.session.Beat())
			}
		}
	}()
	return nil
}

// InterruptAll stops the incumbent playback through the cleanup path and
// waits for its trailing note-offs.
func (e *Engine) InterruptAll() {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	e.interruptCurrent()
}

// interruptCurrent cancels the incumbent playback, if any, and waits for its
// done channel. Callers hold startMu.
func (e *Engine) interruptCurrent() {
	e.mu.Lock()
	r := e.current
	if r == nil {
		e.mu.Unlock()
		return
	}
	e.state = Interrupting
	e.mu.Unlock()

	r.cancel()
	<-r.done
}

// State reports the playback state machine position.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Playing returns the incumbent block id, if any.
func (e *Engine) Playing() (uuid.UUID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return uuid.Nil, false
	}
	return e.current.blockID, true
}

// Progress reports dispatched and total event counts of the incumbent
// playback.
func (e *Engine) Progress() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil || e.current.pb == nil {
		return 0, 0
	}
	return e.current.pb.progress()
}

// OnGroupArmed queues every local block in the group for the agreed beat; it
// is the groups-manager handler. Starts go through the bus so the worker
// stays the only goroutine scheduling playback.
func (e *Engine) OnGroupArmed() groups.Handler {
	return func(group string, startBeat float64) {
		for _, b := range e.reg.InGroup(group) {
			e.bus.Send(bus.PlayAt{BlockID: b.ID, StartBeat: startBeat})
		}
	}
}

func (e *Engine) setState(r *running, st State) {
	e.mu.Lock()
	if e.current == r {
		e.state = st
	}
	e.mu.Unlock()
}

func (e *Engine) setPlaying(id uuid.UUID, playing bool) {
	if err := e.reg.SetPlaying(id, playing); err != nil && !errors.Is(err, registry.ErrUnknownBlock) {
		log.Warnw("set playing", "block", id, "err", err)
	}
	e.bus.Publish(bus.PlayingStateChanged{BlockID: id, Playing: playing})
}
