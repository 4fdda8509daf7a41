package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"gitlab.com/gomidi/midi/v2"

	"github.com/harmonia-project/harmonia/internal/clock"
	"github.com/harmonia-project/harmonia/internal/link"
)

type recorded struct {
	at  int64
	msg []byte
}

// recordOutput captures every sent message with its host timestamp.
type recordOutput struct {
	clk *clock.Manual

	mu   sync.Mutex
	msgs []recorded
}

func (r *recordOutput) Send(msg []byte) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, recorded{at: r.clk.NowMicros(), msg: msg})
	r.mu.Unlock()
	return nil
}

func (r *recordOutput) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recorded, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func isNoteOn(m []byte) (ch, key uint8, ok bool) {
	var vel uint8
	ok = midi.Message(m).GetNoteStart(&ch, &key, &vel)
	return
}

func isNoteOff(m []byte) (ch, key uint8, ok bool) {
	ok = midi.Message(m).GetNoteEnd(&ch, &key)
	return
}

func isControl(m []byte) (ch, cc, val uint8, ok bool) {
	ok = midi.Message(m).GetControlChange(&ch, &cc, &val)
	return
}

// pump advances the manual clock in 10 ms steps, letting the scheduler
// goroutine reach its next sleep between steps, until the clock passes
// `until` or the playback finishes.
func pump(t *testing.T, clk *clock.Manual, done <-chan struct{}, until int64) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for clk.NowMicros() < until {
		for clk.Sleepers() == 0 {
			select {
			case <-done:
				return
			default:
			}
			if time.Now().After(deadline) {
				t.Fatal("scheduler never reached its next sleep")
			}
			time.Sleep(50 * time.Microsecond)
		}
		clk.Advance(10_000)
	}
}

func testSession(t *testing.T, clk clock.Clock) *link.Session {
	t.Helper()
	s, err := link.Open(context.Background(), clk, link.Options{Disable: true})
	if err != nil {
		t.Fatalf("link.Open: %v", err)
	}
	return s
}

// A one-note score played at beat 0: note-on lands at the timeline origin,
// note-off one beat later, 500 ms at 120 BPM.
func TestPlaybackSingleNoteTiming(t *testing.T) {
	clk := clock.NewManual(0)
	session := testSession(t, clk)
	score, err := Parse(buildSMF(0, track(
		ev(0, 0x90, 60, 100),
		ev(480, 0x80, 60, 0),
	)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	out := &recordOutput{clk: clk}
	pb := newPlayback(clk, session, score, out, 0, 0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := pb.run(context.Background()); err != nil {
			t.Errorf("run: %v", err)
		}
	}()

	pump(t, clk, done, 600_000)
	<-done

	msgs := out.all()
	if len(msgs) != 2 {
		t.Fatalf("recorded %d messages", len(msgs))
	}
	if ch, key, ok := isNoteOn(msgs[0].msg); !ok || ch != 0 || key != 60 {
		t.Fatalf("first message not NoteOn(0,60): %v", msgs[0].msg)
	}
	if msgs[0].at != 0 {
		t.Fatalf("note on at %d, want 0", msgs[0].at)
	}
	if _, _, ok := isNoteOff(msgs[1].msg); !ok {
		t.Fatalf("second message not NoteOff: %v", msgs[1].msg)
	}
	if off := msgs[1].at; off < 499_000 || off > 501_000 {
		t.Fatalf("note off at %d, want 500000 ±1ms", off)
	}
	if pb.ledger.len() != 0 {
		t.Fatalf("ledger not empty after natural end")
	}
}

// Tempo drops from 120 to 60 BPM mid-block: pending events re-anchor, the
// already-sounding note keeps its originally recorded off time.
func TestTempoChangeRetimesPendingOnly(t *testing.T) {
	clk := clock.NewManual(0)
	session := testSession(t, clk)
	score, err := Parse(buildSMF(0, track(
		ev(0, 0x90, 60, 100),   // A on, beat 0
		ev(480, 0x90, 64, 100), // B on, beat 1
		ev(480, 0x80, 60, 0),   // A off, beat 2
		ev(0, 0x80, 64, 0),     // B off, beat 2
	)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	out := &recordOutput{clk: clk}
	pb := newPlayback(clk, session, score, out, 0, 0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		pb.run(context.Background())
	}()

	pump(t, clk, done, 250_000)
	session.SetTempo(60) // beat 0.5 stays put; beats now 1 s long
	pump(t, clk, done, 2_000_000)
	<-done

	msgs := out.all()
	if len(msgs) != 4 {
		t.Fatalf("recorded %d messages", len(msgs))
	}
	// A on at 0 recorded its off for host time 1_000_000 under 120 BPM.
	if at := msgs[2].at; at < 999_000 || at > 1_001_000 {
		t.Fatalf("in-flight off at %d, want 1000000 ±1ms", at)
	}
	// B on re-anchored: beat 1 = 250ms + 0.5 beat at 60 BPM = 750 ms.
	if at := msgs[1].at; at < 749_000 || at > 751_000 {
		t.Fatalf("re-anchored on at %d, want 750000 ±1ms", at)
	}
	// B off scheduled after the change: beat 2 at 1750 ms.
	if at := msgs[3].at; at < 1_749_000 || at > 1_751_000 {
		t.Fatalf("re-anchored off at %d, want 1750000 ±1ms", at)
	}
}

// Interrupt with five held notes across two channels: exactly five matching
// note-offs, then CC 123 and sustain-off on both channels.
func TestInterruptDrainsLedger(t *testing.T) {
	clk := clock.NewManual(0)
	session := testSession(t, clk)
	score, err := Parse(buildSMF(0, track(
		ev(0, 0x90, 60, 100),
		ev(0, 0x90, 62, 100),
		ev(0, 0x90, 64, 100),
		ev(0, 0x91, 40, 100),
		ev(0, 0x91, 42, 100),
		ev(4800, 0x80, 60, 0), // far in the future
		ev(0, 0x80, 62, 0),
		ev(0, 0x80, 64, 0),
		ev(0, 0x81, 40, 0),
		ev(0, 0x81, 42, 0),
	)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	out := &recordOutput{clk: clk}
	pb := newPlayback(clk, session, score, out, 0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		pb.run(ctx)
	}()

	pump(t, clk, done, 100_000) // all five ons dispatched, offs far away
	if pb.ledger.len() != 5 {
		t.Fatalf("ledger holds %d notes, want 5", pb.ledger.len())
	}

	interruptedAt := time.Now()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup did not finish")
	}
	if elapsed := time.Since(interruptedAt); elapsed > 50*time.Millisecond {
		t.Fatalf("interrupt took %v, budget 50ms", elapsed)
	}

	msgs := out.all()
	var offs int
	var ccs []struct{ ch, cc uint8 }
	for _, m := range msgs[5:] { // skip the five ons
		if _, _, ok := isNoteOff(m.msg); ok {
			offs++
			continue
		}
		if ch, cc, _, ok := isControl(m.msg); ok {
			ccs = append(ccs, struct{ ch, cc uint8 }{ch, cc})
		}
	}
	if offs != 5 {
		t.Fatalf("%d cleanup note-offs, want 5", offs)
	}
	want := []struct{ ch, cc uint8 }{
		{0, 123}, {0, 64}, {1, 123}, {1, 64},
	}
	if len(ccs) != len(want) {
		t.Fatalf("cleanup CCs %v", ccs)
	}
	for i, w := range want {
		if ccs[i] != w {
			t.Fatalf("cleanup CC %d = %v, want %v", i, ccs[i], w)
		}
	}
	if pb.ledger.len() != 0 {
		t.Fatal("ledger not empty after interrupt")
	}
}

// For any schedule of notes and any interrupt point, the ledger ends empty
// and every note-on has a matching note-off on the same channel and key.
func TestNoStuckNotes(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("every note-on is matched after termination", prop.ForAll(
		func(keys []uint8, cancelAfterMs int) bool {
			if len(keys) == 0 {
				return true
			}
			var events [][]byte
			for i, k := range keys {
				key := k % 120
				ch := byte(i % 4)
				delta := 0
				if i > 0 {
					delta = 120 // quarter of a beat apart
				}
				events = append(events, ev(delta, 0x90|ch, key, 100))
				events = append(events, ev(240, 0x80|ch, key, 0))
			}
			score, err := Parse(buildSMF(0, track(events...)))
			if err != nil {
				return false
			}

			clk := clock.NewManual(0)
			session, err := link.Open(context.Background(), clk, link.Options{Disable: true})
			if err != nil {
				return false
			}
			out := &recordOutput{clk: clk}
			pb := newPlayback(clk, session, score, out, 0, 0)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			done := make(chan struct{})
			go func() {
				defer close(done)
				pb.run(ctx)
			}()

			until := int64(cancelAfterMs) * 1_000
			deadline := time.Now().Add(10 * time.Second)
			for clk.NowMicros() < until {
				if time.Now().After(deadline) {
					return false
				}
				finished := false
				for clk.Sleepers() == 0 {
					select {
					case <-done:
						finished = true
					default:
						time.Sleep(20 * time.Microsecond)
					}
					if finished || time.Now().After(deadline) {
						break
					}
				}
				if finished {
					break
				}
				clk.Advance(10_000)
			}
			cancel()
			<-done

			if pb.ledger.len() != 0 {
				return false
			}
			held := map[[2]uint8]int{}
			for _, m := range out.all() {
				if ch, key, ok := isNoteOn(m.msg); ok {
					held[[2]uint8{ch, key}]++
				} else if ch, key, ok := isNoteOff(m.msg); ok {
					held[[2]uint8{ch, key}]--
				}
			}
			for _, n := range held {
				if n != 0 {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(8, gen.UInt8()),
		gen.IntRange(0, 3_000),
	))

	properties.TestingRun(t)
}
