// Package link maintains the shared tempo timeline: a peer-to-peer beat
// clock agreed over IPv4 multicast. Every peer broadcasts its view of the
// session; sessions merge deterministically toward the lowest session id.
package link

import (
	"bytes"
	"context"
	"math"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/harmonia-project/harmonia/internal/clock"
)

var log = logging.Logger("link")

const (
	// AliveInterval is the broadcast cadence; peers silent for three
	// intervals are evicted.
	AliveInterval = 100 * time.Millisecond

	aliveIntervalMicros = int64(AliveInterval / time.Microsecond)

	// t0Tolerance bounds how far a same-session origin may drift (clock
	// estimation jitter) before we adopt the remote value.
	t0Tolerance = 1000.0 // µs

	// TempoPort carries the tempo session; the group overlay uses its own
	// port on the same multicast group.
	TempoPort = 20808
)

// DefaultTempo is the session tempo before anyone has touched it.
const DefaultTempo = 120.0

// Snapshot is an atomic view of the session for UI consumers. Beat is
// evaluated at capture time.
type Snapshot struct {
	SessionID uuid.UUID
	BPM       float64
	Beat      float64
	IsPlaying bool
	AtBeat    float64
	PeerCount int
}

type transport interface {
	Broadcast(b []byte)
	SendTo(addr *net.UDPAddr, b []byte)
	Close() error
}

// Session owns the local view of the shared timeline. All beat/time
// conversions other components perform go through it.
type Session struct {
	clk    clock.Clock
	peerID uuid.UUID

	mu        sync.RWMutex
	sessionID uuid.UUID
	t0        int64 // local host µs at beat 0
	bpm       float64
	isPlaying bool
	atBeat    float64
	atPeer    uuid.UUID
	listeners []chan Snapshot

	peers *peerTable
	tr    transport

	cancel context.CancelFunc
	done   chan struct{}
}

// Options configures a session.
type Options struct {
	// Disable suppresses all network activity: a single-peer session.
	Disable bool
	// Port overrides TempoPort (tests).
	Port int
}

// Open starts a session and, unless disabled, its multicast transport and
// broadcast loop. The initial session id equals the peer id.
func Open(ctx context.Context, clk clock.Clock, opts Options) (*Session, error) {
	id := uuid.New()
	s := &Session{
		clk:       clk,
		peerID:    id,
		sessionID: id,
		t0:        clk.NowMicros(),
		bpm:       DefaultTempo,
		atPeer:    id,
		peers:     newPeerTable(),
		done:      make(chan struct{}),
	}

	if opts.Disable {
		log.Infow("session disabled, running single-peer", "peer", id)
		close(s.done)
		return s, nil
	}

	port := opts.Port
	if port == 0 {
		port = TempoPort
	}
	tr, err := OpenMulticast(ctx, port, s.onDatagram)
	if err != nil {
		return nil, err
	}
	s.tr = tr

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(runCtx)
	log.Infow("session open", "peer", id, "port", port)
	return s, nil
}

// PeerID identifies this peer on the wire.
func (s *Session) PeerID() uuid.UUID { return s.peerID }

// SessionID returns the current (merged) session id.
func (s *Session) SessionID() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// Tempo returns the session tempo in beats per minute.
func (s *Session) Tempo() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bpm
}

// BeatAt maps a local host time to the shared beat timeline.
func (s *Session) BeatAt(hostMicros int64) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.beatAtLocked(hostMicros)
}

func (s *Session) beatAtLocked(hostMicros int64) float64 {
	return float64(hostMicros-s.t0) * s.bpm / 60e6
}

// Beat returns the beat at the current instant.
func (s *Session) Beat() float64 {
	return s.BeatAt(s.clk.NowMicros())
}

// HostTimeAt maps a beat to local host microseconds under the current
// timeline.
func (s *Session) HostTimeAt(beat float64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t0 + int64(math.Round(beat*60e6/s.bpm))
}

// SetTempo changes the tempo while preserving the current beat, so the
// mapping stays continuous at the instant of change.
func (s *Session) SetTempo(bpm float64) {
	if bpm <= 0 {
		return
	}
	now := s.clk.NowMicros()
	s.mu.Lock()
	beat := s.beatAtLocked(now)
	s.bpm = bpm
	s.t0 = now - int64(math.Round(beat*60e6/bpm))
	s.mu.Unlock()
	s.notify()
}

// RequestBeatAtTime re-phases the origin so that beat falls exactly on host
// time t. With a positive quantum the origin moves by whole quanta, keeping
// the session's quantum grid intact.
func (s *Session) RequestBeatAtTime(beat float64, t int64, quantum float64) {
	s.mu.Lock()
	usPerBeat := 60e6 / s.bpm
	want := float64(t) - beat*usPerBeat
	if quantum > 0 {
		step := quantum * usPerBeat
		k := math.Round((float64(s.t0) - want) / step)
		want += k * step
	}
	s.t0 = int64(math.Round(want))
	s.mu.Unlock()
	s.notify()
}

// SetIsPlaying updates the shared transport state, stamping it with our peer
// id for tie-breaking.
func (s *Session) SetIsPlaying(playing bool, atBeat float64) {
	s.mu.Lock()
	s.isPlaying = playing
	s.atBeat = atBeat
	s.atPeer = s.peerID
	s.mu.Unlock()
	s.notify()
}

// IsPlaying reports the shared transport state.
func (s *Session) IsPlaying() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isPlaying
}

// PeerCount counts session members including ourselves.
func (s *Session) PeerCount() int {
	return 1 + s.peers.count()
}

// Snapshot captures an atomic view of the session; the (t0, bpm) pair is
// never observed torn.
func (s *Session) Snapshot() Snapshot {
	now := s.clk.NowMicros()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		SessionID: s.sessionID,
		BPM:       s.bpm,
		Beat:      s.beatAtLocked(now),
		IsPlaying: s.isPlaying,
		AtBeat:    s.atBeat,
		PeerCount: 1 + s.peers.count(),
	}
}

// Subscribe returns a channel of snapshots published on every state change.
// Slow consumers lose snapshots rather than blocking the session.
func (s *Session) Subscribe() chan Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Snapshot, 16)
	s.listeners = append(s.listeners, ch)
	return ch
}

// Unsubscribe closes and removes a listener channel.
func (s *Session) Unsubscribe(ch chan Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.listeners {
		if l == ch {
			close(l)
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *Session) notify() {
	snap := s.Snapshot()
	s.mu.RLock()
	for _, ch := range s.listeners {
		select {
		case ch <- snap:
		default:
		}
	}
	s.mu.RUnlock()
}

// Close sends a best-effort ByeBye and stops the transport.
func (s *Session) Close() error {
	if s.tr == nil {
		return nil
	}
	s.tr.Broadcast(Encode(s.packet(KindByeBye, 0)))
	s.cancel()
	<-s.done
	return s.tr.Close()
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(AliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tr.Broadcast(Encode(s.packet(KindAlive, 0)))
			cutoff := s.clk.NowMicros() - 3*aliveIntervalMicros
			if n := s.peers.pruneStale(cutoff); n > 0 {
				log.Debugw("evicted silent peers", "count", n)
				s.notify()
			}
		}
	}
}

// packet builds an outgoing datagram in our own host-clock frame.
func (s *Session) packet(kind Kind, echo int64) Packet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Packet{
		Kind:         kind,
		PeerID:       s.peerID,
		SessionID:    s.sessionID,
		T0:           s.t0,
		BPM:          s.bpm,
		IsPlaying:    s.isPlaying,
		AtBeat:       s.atBeat,
		AtPeer:       s.atPeer,
		TxHostTime:   s.clk.NowMicros(),
		EchoHostTime: echo,
	}
}

func (s *Session) onDatagram(b []byte, src *net.UDPAddr) {
	p, err := Decode(b)
	if err != nil {
		log.Debugw("dropped datagram", "err", err)
		return
	}
	s.handlePacket(p, src, s.clk.NowMicros())
}

// handlePacket folds one decoded datagram into local state. rx is the local
// receive time; src may be nil when no unicast reply path exists.
func (s *Session) handlePacket(p Packet, src *net.UDPAddr, rx int64) {
	if p.PeerID == s.peerID {
		return
	}

	if p.Kind == KindByeBye {
		if s.peers.remove(p.PeerID) {
			log.Debugw("peer said goodbye", "peer", p.PeerID)
			s.notify()
		}
		return
	}

	// A Response echoes our own transmit time, so the round trip is
	// measured entirely in our clock frame.
	rtt := int64(-1)
	if p.Kind == KindResponse && p.EchoHostTime != 0 {
		if d := rx - p.EchoHostTime; d >= 0 {
			rtt = d
		}
	}
	ps, isNew := s.peers.observe(p, rx, rtt)

	if isNew {
		log.Infow("new peer", "peer", p.PeerID, "session", p.SessionID)
		if p.Kind == KindAlive && src != nil && s.tr != nil {
			s.tr.SendTo(src, Encode(s.packet(KindResponse, p.TxHostTime)))
		}
	}

	// Remote origin translated into our clock frame.
	t0Local := p.T0 - int64(math.Round(ps.Offset))

	s.mu.Lock()
	changed := isNew
	switch cmp := bytes.Compare(p.SessionID[:], s.sessionID[:]); {
	case cmp < 0:
		// Lower session id wins; adopt its timeline wholesale.
		s.sessionID = p.SessionID
		s.t0 = t0Local
		s.bpm = p.BPM
		changed = true
	case cmp == 0:
		// Same session: tempo changes are accepted from any peer. The
		// tolerance absorbs offset-estimation jitter on the origin.
		if p.BPM != s.bpm || math.Abs(float64(t0Local-s.t0)) > t0Tolerance {
			s.t0 = t0Local
			s.bpm = p.BPM
			changed = true
		}
	}
	if p.AtBeat > s.atBeat ||
		(p.AtBeat == s.atBeat && bytes.Compare(p.AtPeer[:], s.atPeer[:]) < 0) {
		if s.isPlaying != p.IsPlaying || s.atBeat != p.AtBeat {
			changed = true
		}
		s.isPlaying = p.IsPlaying
		s.atBeat = p.AtBeat
		s.atPeer = p.AtPeer
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}
