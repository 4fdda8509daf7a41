package engine

import (
	"context"
	"math"
	"sort"
	"sync"

	"gitlab.com/gomidi/midi/v2"

	"github.com/harmonia-project/harmonia/internal/clock"
	"github.com/harmonia-project/harmonia/internal/link"
)

// sleepChunk bounds how long a dispatch sleep runs before the target host
// time is recomputed from the live session, so tempo changes re-anchor
// pending events within one chunk.
const sleepChunkMicros = 50_000

type voiceKey struct {
	Channel uint8
	Key     uint8
	Port    int
}

// ledger tracks sounding notes with the off host time recorded when the
// note-on was emitted. An interrupt drains it to emit exactly the pending
// note-offs.
type ledger struct {
	mu      sync.Mutex
	entries map[voiceKey]int64
}

func newLedger() *ledger {
	return &ledger{entries: map[voiceKey]int64{}}
}

func (l *ledger) add(k voiceKey, offHostTime int64) {
	l.mu.Lock()
	l.entries[k] = offHostTime
	l.mu.Unlock()
}

func (l *ledger) remove(k voiceKey) {
	l.mu.Lock()
	delete(l.entries, k)
	l.mu.Unlock()
}

func (l *ledger) get(k voiceKey) (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.entries[k]
	return t, ok
}

func (l *ledger) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// drain empties the ledger and returns the keys ordered by channel then key,
// so cleanup output is deterministic.
func (l *ledger) drain() []voiceKey {
	l.mu.Lock()
	keys := make([]voiceKey, 0, len(l.entries))
	for k := range l.entries {
		keys = append(keys, k)
	}
	l.entries = map[voiceKey]int64{}
	l.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Channel != keys[j].Channel {
			return keys[i].Channel < keys[j].Channel
		}
		return keys[i].Key < keys[j].Key
	})
	return keys
}

// playback is one scheduled run of a score against an output port.
type playback struct {
	clk       clock.Clock
	session   *link.Session
	score     *Score
	out       Output
	port      int
	startBeat float64

	ledger *ledger

	mu           sync.Mutex
	dispatched   int
	seenChannels map[uint8]bool
}

func newPlayback(clk clock.Clock, session *link.Session, score *Score, out Output, port int, startBeat float64) *playback {
	return &playback{
		clk:          clk,
		session:      session,
		score:        score,
		out:          out,
		port:         port,
		startBeat:    startBeat,
		ledger:       newLedger(),
		seenChannels: map[uint8]bool{},
	}
}

// progress reports dispatched and total event counts.
func (p *playback) progress() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dispatched, len(p.score.Events)
}

// run waits for the start beat, then dispatches every event at its host
// time. A cancelled context exits through the cleanup path: pending
// note-offs, then all-notes-off and sustain-off per seen channel. The error
// is the context's, nil on natural end.
func (p *playback) run(ctx context.Context) error {
	if err := p.sleepUntilBeat(ctx, p.startBeat); err != nil {
		p.cleanup()
		return err
	}

	for i := range p.score.Events {
		ev := &p.score.Events[i]
		// A note-off whose note-on is already sounding keeps the host time
		// recorded at emission; tempo changes re-anchor only pending events.
		if t, ok := p.recordedOffTime(ev); ok {
			if err := p.clk.SleepUntil(ctx, t); err != nil {
				p.cleanup()
				return err
			}
		} else if err := p.sleepUntilBeat(ctx, p.startBeat+ev.Beat); err != nil {
			p.cleanup()
			return err
		}
		p.dispatch(ev)
	}

	// Natural end: a well-formed file closed every note; anything left is
	// an unmatched note-on, turned off now without the panic CCs.
	for _, k := range p.ledger.drain() {
		p.send(midi.NoteOff(k.Channel, k.Key))
	}
	return nil
}

// sleepUntilBeat sleeps in bounded chunks, recomputing the host target from
// the live session each wake. Pending events thereby follow tempo changes;
// the final chunk lands on the exact target.
func (p *playback) sleepUntilBeat(ctx context.Context, beat float64) error {
	for {
		target := p.session.HostTimeAt(beat)
		now := p.clk.NowMicros()
		if now >= target {
			return ctx.Err()
		}
		chunk := target
		if max := now + sleepChunkMicros; max < chunk {
			chunk = max
		}
		if err := p.clk.SleepUntil(ctx, chunk); err != nil {
			return err
		}
	}
}

func (p *playback) recordedOffTime(ev *Event) (int64, bool) {
	if !ev.NoteOff {
		return 0, false
	}
	return p.ledger.get(voiceKey{ev.Channel, ev.Key, p.port})
}

func (p *playback) dispatch(ev *Event) {
	switch {
	case ev.Tempo > 0:
		log.Infow("score tempo change", "bpm", ev.Tempo)
		p.session.SetTempo(ev.Tempo)
	case ev.NoteOn:
		// The off host time is fixed at emission; a later tempo change
		// does not retime a sounding note.
		off := p.session.HostTimeAt(p.startBeat + ev.OffBeat)
		p.ledger.add(voiceKey{ev.Channel, ev.Key, p.port}, off)
		p.markChannel(ev.Channel)
		p.send(ev.Msg)
	case ev.NoteOff:
		p.ledger.remove(voiceKey{ev.Channel, ev.Key, p.port})
		p.markChannel(ev.Channel)
		p.send(ev.Msg)
	default:
		p.send(ev.Msg)
	}
	p.mu.Lock()
	p.dispatched++
	p.mu.Unlock()
}

// cleanup emits the pending note-offs, then all-notes-off (CC 123) and
// sustain-off (CC 64 = 0) on every channel seen, before the port is
// released.
func (p *playback) cleanup() {
	for _, k := range p.ledger.drain() {
		p.send(midi.NoteOff(k.Channel, k.Key))
	}
	p.mu.Lock()
	channels := make([]uint8, 0, len(p.seenChannels))
	for ch := range p.seenChannels {
		channels = append(channels, ch)
	}
	p.mu.Unlock()
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
	for _, ch := range channels {
		p.send(midi.ControlChange(ch, midi.AllNotesOff, 0))
		p.send(midi.ControlChange(ch, midi.HoldPedalSwitch, 0))
	}
}

func (p *playback) markChannel(ch uint8) {
	p.mu.Lock()
	p.seenChannels[ch] = true
	p.mu.Unlock()
}

func (p *playback) send(msg []byte) {
	if err := p.out.Send(msg); err != nil {
		log.Warnw("midi send failed", "err", err)
	}
}

// nextWholeBeat is the solo-start rule: the first whole beat at or after
// now.
func nextWholeBeat(beat float64) float64 {
	return math.Ceil(beat)
}
