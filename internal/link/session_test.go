package link

import (
	"bytes"
	"context"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/harmonia-project/harmonia/internal/clock"
)

func openDisabled(t *testing.T, clk clock.Clock) *Session {
	t.Helper()
	s, err := Open(context.Background(), clk, Options{Disable: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestBeatMapping(t *testing.T) {
	clk := clock.NewManual(0)
	s := openDisabled(t, clk)

	if got := s.Beat(); got != 0 {
		t.Fatalf("beat at origin = %v", got)
	}
	// 120 BPM: one beat per 500 ms.
	clk.Advance(500_000)
	if got := s.Beat(); math.Abs(got-1) > 1e-9 {
		t.Fatalf("beat after 500ms = %v, want 1", got)
	}
	if got := s.HostTimeAt(4); got != 2_000_000 {
		t.Fatalf("HostTimeAt(4) = %d, want 2000000", got)
	}
}

func TestSetTempoPreservesBeat(t *testing.T) {
	clk := clock.NewManual(0)
	s := openDisabled(t, clk)

	clk.Advance(1_000_000) // beat 2 at 120 BPM
	before := s.Beat()
	s.SetTempo(60)
	after := s.Beat()
	if math.Abs(before-after) > 1e-6 {
		t.Fatalf("tempo change moved the beat: %v -> %v", before, after)
	}
	// At 60 BPM one more second is one more beat.
	clk.Advance(1_000_000)
	if got := s.Beat(); math.Abs(got-(after+1)) > 1e-6 {
		t.Fatalf("beat after change = %v, want %v", got, after+1)
	}
}

func TestRequestBeatAtTime(t *testing.T) {
	clk := clock.NewManual(0)
	s := openDisabled(t, clk)

	target := int64(3_000_000)
	s.RequestBeatAtTime(8, target, 4)
	if got := s.BeatAt(target); math.Abs(math.Mod(got-8, 4)) > 1e-6 {
		t.Fatalf("beat at target = %v, want ≡ 8 (mod 4)", got)
	}
}

func TestSnapshotConsistent(t *testing.T) {
	clk := clock.NewManual(0)
	s := openDisabled(t, clk)
	s.SetTempo(90)
	snap := s.Snapshot()
	if snap.BPM != 90 || snap.PeerCount != 1 || snap.SessionID != s.SessionID() {
		t.Fatalf("snapshot %+v", snap)
	}
}

func TestSubscribeReceivesChanges(t *testing.T) {
	clk := clock.NewManual(0)
	s := openDisabled(t, clk)
	ch := s.Subscribe()
	defer s.Unsubscribe(ch)

	s.SetTempo(140)
	select {
	case snap := <-ch:
		if snap.BPM != 140 {
			t.Fatalf("snapshot BPM %v", snap.BPM)
		}
	default:
		t.Fatal("no snapshot published")
	}
}

func TestMonotoneBeatUnderTempoChanges(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("beat never decreases across tempo changes", prop.ForAll(
		func(tempos []float64, advances []int64) bool {
			if len(tempos) == 0 || len(advances) == 0 {
				return true
			}
			clk := clock.NewManual(0)
			s, err := Open(context.Background(), clk, Options{Disable: true})
			if err != nil {
				return false
			}
			prev := s.Beat()
			for i := range tempos {
				clk.Advance(advances[i%len(advances)])
				if b := s.Beat(); b < prev-1e-9 {
					return false
				} else {
					prev = b
				}
				s.SetTempo(tempos[i])
				if b := s.Beat(); b < prev-1e-6 {
					return false
				} else {
					prev = b
				}
			}
			return true
		},
		gen.SliceOfN(20, gen.Float64Range(30, 300)),
		gen.SliceOfN(20, gen.Int64Range(0, 2_000_000)),
	))

	properties.TestingRun(t)
}

// deliver hands every peer's Alive to every other peer, as a lossless bus
// round.
func deliver(sessions []*Session) {
	for _, from := range sessions {
		pkt := from.packet(KindAlive, 0)
		for _, to := range sessions {
			if to == from {
				continue
			}
			to.handlePacket(pkt, nil, to.clk.NowMicros())
		}
	}
}

func TestSessionConvergence(t *testing.T) {
	const n = 5
	clocks := make([]*clock.Manual, n)
	sessions := make([]*Session, n)
	for i := 0; i < n; i++ {
		// Distinct host-clock skews.
		clocks[i] = clock.NewManual(int64(i) * 777_000)
		sessions[i] = openDisabled(t, clocks[i])
		sessions[i].SetTempo(60 + float64(i)*10)
	}

	min := sessions[0].SessionID()
	for _, s := range sessions[1:] {
		id := s.SessionID()
		if bytes.Compare(id[:], min[:]) < 0 {
			min = id
		}
	}

	for round := 0; round < 6; round++ {
		deliver(sessions)
		for _, c := range clocks {
			c.Advance(aliveIntervalMicros)
		}
	}

	wantBPM := sessions[0].Tempo()
	for i, s := range sessions {
		if s.SessionID() != min {
			t.Fatalf("peer %d session %v, want %v", i, s.SessionID(), min)
		}
		if s.Tempo() != wantBPM {
			t.Fatalf("peer %d tempo %v, want %v", i, s.Tempo(), wantBPM)
		}
	}

	// Beats agree up to the clock-skew bound: all clocks were advanced in
	// lockstep and offsets are exact on a lossless bus.
	ref := sessions[0].Beat()
	for i, s := range sessions {
		if math.Abs(s.Beat()-ref) > 0.01 {
			t.Fatalf("peer %d beat %v, reference %v", i, s.Beat(), ref)
		}
	}
}

func TestJoinerAdoptsLowerSession(t *testing.T) {
	clkA := clock.NewManual(0)
	clkB := clock.NewManual(500_000)
	a := openDisabled(t, clkA)
	b := openDisabled(t, clkB)

	idA, idB := a.SessionID(), b.SessionID()
	lower, higher := a, b
	if bytes.Compare(idB[:], idA[:]) < 0 {
		lower, higher = b, a
	}
	lower.SetTempo(97)

	higher.handlePacket(lower.packet(KindAlive, 0), nil, higher.clk.NowMicros())

	if higher.SessionID() != lower.SessionID() {
		t.Fatalf("session not adopted: %v vs %v", higher.SessionID(), lower.SessionID())
	}
	if higher.Tempo() != 97 {
		t.Fatalf("tempo not adopted: %v", higher.Tempo())
	}
	if higher.PeerCount() != 2 {
		t.Fatalf("peer count %d", higher.PeerCount())
	}
}

func TestHigherSessionIgnored(t *testing.T) {
	clk := clock.NewManual(0)
	a := openDisabled(t, clk)
	b := openDisabled(t, clk)

	idA, idB := a.SessionID(), b.SessionID()
	lower, higher := a, b
	if bytes.Compare(idB[:], idA[:]) < 0 {
		lower, higher = b, a
	}
	higher.SetTempo(180)
	want := lower.Tempo()

	lower.handlePacket(higher.packet(KindAlive, 0), nil, lower.clk.NowMicros())

	if lower.Tempo() != want {
		t.Fatalf("lower session adopted higher timeline: tempo %v", lower.Tempo())
	}
	if lower.SessionID() != lower.PeerID() {
		t.Fatalf("lower session changed id")
	}
}

func TestByeByeEvictsImmediately(t *testing.T) {
	clk := clock.NewManual(0)
	a := openDisabled(t, clk)
	b := openDisabled(t, clk)

	a.handlePacket(b.packet(KindAlive, 0), nil, 0)
	if a.PeerCount() != 2 {
		t.Fatalf("peer count %d after alive", a.PeerCount())
	}
	a.handlePacket(b.packet(KindByeBye, 0), nil, 0)
	if a.PeerCount() != 1 {
		t.Fatalf("peer count %d after byebye", a.PeerCount())
	}
}

func TestSilentPeerEvicted(t *testing.T) {
	clk := clock.NewManual(0)
	a := openDisabled(t, clk)
	b := openDisabled(t, clk)

	a.handlePacket(b.packet(KindAlive, 0), nil, clk.NowMicros())
	if got := a.peers.pruneStale(clk.NowMicros() - 3*aliveIntervalMicros); got != 0 {
		t.Fatalf("evicted fresh peer")
	}
	clk.Advance(4 * aliveIntervalMicros)
	if got := a.peers.pruneStale(clk.NowMicros() - 3*aliveIntervalMicros); got != 1 {
		t.Fatalf("silent peer not evicted, pruned %d", got)
	}
	if a.PeerCount() != 1 {
		t.Fatalf("peer count %d", a.PeerCount())
	}
}

func TestStartStopMerge(t *testing.T) {
	clk := clock.NewManual(0)
	a := openDisabled(t, clk)
	b := openDisabled(t, clk)

	b.SetIsPlaying(true, 8)
	a.handlePacket(b.packet(KindAlive, 0), nil, 0)
	if !a.IsPlaying() {
		t.Fatal("newer at_beat not adopted")
	}

	// An older announcement must not win.
	stale := b.packet(KindAlive, 0)
	stale.IsPlaying = false
	stale.AtBeat = 2
	a.handlePacket(stale, nil, 0)
	if !a.IsPlaying() {
		t.Fatal("stale start_stop_state overwrote newer one")
	}
}

func TestOffsetFromResponseEcho(t *testing.T) {
	tbl := newPeerTable()
	p := Packet{Kind: KindResponse, TxHostTime: 10_000, EchoHostTime: 4_000}
	p.PeerID[0] = 1

	// rx 6000, echo 4000: rtt 2000, offset = 10000 + 1000 - 6000 = 5000.
	ps, isNew := tbl.observe(p, 6_000, 2_000)
	if !isNew {
		t.Fatal("expected new peer")
	}
	if math.Abs(ps.Offset-5_000) > 1e-9 {
		t.Fatalf("offset %v, want 5000", ps.Offset)
	}
	if !ps.HaveRTT || ps.RTT != 2_000 {
		t.Fatalf("rtt %v", ps.RTT)
	}
}
