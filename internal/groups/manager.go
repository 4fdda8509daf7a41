// Package groups implements the participatory-start protocol: peers announce
// start-at-beat intents for named groups on a second multicast channel, and
// any peer holding a block in the same group schedules it for the agreed
// beat. Best effort over a LAN; an issuer never waits for acks.
package groups

import (
	"bytes"
	"context"
	"math"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/harmonia-project/harmonia/internal/link"
)

var log = logging.Logger("groups")

const (
	// Port carries group announcements on the shared multicast group.
	Port = 20810

	// DefaultQuantum aligns group starts to four-beat boundaries.
	DefaultQuantum = 4.0

	// startEpsilon is the guard band before start_beat inside which a late
	// intent is no longer honored.
	startEpsilon = 0.1

	resendInterval = 100 * time.Millisecond
)

type transport interface {
	Broadcast(b []byte)
	SendTo(addr *net.UDPAddr, b []byte)
	Close() error
}

type armedGroup struct {
	startBeat float64
	issuer    uuid.UUID
}

// Handler is notified when an intent (local or foreign) arms a group. The
// engine uses it to schedule matching local blocks.
type Handler func(group string, startBeat float64)

// Manager arms and announces group starts on top of a tempo session.
type Manager struct {
	session *link.Session
	quantum float64
	handler Handler
	tr      transport

	mu    sync.Mutex
	armed map[string]armedGroup

	cancel context.CancelFunc
	done   chan struct{}
}

// Options configures a manager.
type Options struct {
	// Disable suppresses network activity (single-peer operation).
	Disable bool
	// Port overrides the default group port (tests).
	Port int
	// Quantum is the beat grid for group starts; 0 means DefaultQuantum.
	Quantum float64
	// OnArmed is called when a group becomes armed or re-arms earlier.
	OnArmed Handler
}

// New starts a manager. While any self-issued group is armed its intent is
// re-broadcast every 100 ms so peers that missed the first datagram can
// still join before the start beat.
func New(ctx context.Context, session *link.Session, opts Options) (*Manager, error) {
	m := &Manager{
		session: session,
		quantum: opts.Quantum,
		handler: opts.OnArmed,
		armed:   map[string]armedGroup{},
		done:    make(chan struct{}),
	}
	if m.quantum <= 0 {
		m.quantum = DefaultQuantum
	}

	if opts.Disable {
		close(m.done)
		return m, nil
	}

	port := opts.Port
	if port == 0 {
		port = Port
	}
	tr, err := link.OpenMulticast(ctx, port, m.onDatagram)
	if err != nil {
		return nil, err
	}
	m.tr = tr

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.run(runCtx)
	log.Infow("group channel open", "port", port, "quantum", m.quantum)
	return m, nil
}

// SetOnArmed installs the armed handler after construction. The engine and
// the manager reference each other, so wiring binds the handler once both
// exist.
func (m *Manager) SetOnArmed(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Quantum returns the configured beat grid.
func (m *Manager) Quantum() float64 { return m.quantum }

// NextQuantum returns the first quantum boundary at or after beat.
func (m *Manager) NextQuantum(beat float64) float64 {
	return math.Ceil(beat/m.quantum) * m.quantum
}

// Start arms group for the next quantum boundary, announces the intent and
// returns the agreed start beat. If a peer already armed the group for an
// earlier beat, that beat is returned instead.
func (m *Manager) Start(group string) (float64, error) {
	if len(group) == 0 || len(group) > MaxNameLen {
		return 0, ErrNameTooLong
	}
	now := m.session.Beat()
	start := m.NextQuantum(now)

	m.mu.Lock()
	if ag, ok := m.armed[group]; ok && ag.startBeat <= start {
		// A pending earlier start only counts while it is still reachable;
		// a beat the resend prune has not caught yet must not win.
		if now < ag.startBeat-startEpsilon {
			start = ag.startBeat
			m.mu.Unlock()
			return start, nil
		}
		delete(m.armed, group)
	}
	m.armed[group] = armedGroup{startBeat: start, issuer: m.session.PeerID()}
	m.mu.Unlock()

	m.announce(group, start)
	log.Infow("armed group", "group", group, "start_beat", start)
	return start, nil
}

// Stop disarms a group locally; no wire message, the intent simply stops
// being re-sent and dies at its deadline on other peers.
func (m *Manager) Stop(group string) {
	m.mu.Lock()
	delete(m.armed, group)
	m.mu.Unlock()
}

// Armed reports the pending start beat for a group, if any.
func (m *Manager) Armed(group string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ag, ok := m.armed[group]
	return ag.startBeat, ok
}

// Close stops the re-send loop and the transport.
func (m *Manager) Close() error {
	if m.tr == nil {
		return nil
	}
	m.cancel()
	<-m.done
	return m.tr.Close()
}

func (m *Manager) announce(group string, start float64) {
	if m.tr == nil {
		return
	}
	b, err := Encode(Announcement{
		Kind:      KindIntent,
		Group:     group,
		StartBeat: start,
		Issuer:    m.session.PeerID(),
		Deadline:  start,
	})
	if err != nil {
		log.Errorw("encode intent", "group", group, "err", err)
		return
	}
	m.tr.Broadcast(b)
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(resendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.resend()
		}
	}
}

// resend re-announces self-issued intents and prunes groups whose start beat
// has passed.
func (m *Manager) resend() {
	now := m.session.Beat()
	self := m.session.PeerID()

	m.mu.Lock()
	type pending struct {
		group string
		start float64
	}
	var out []pending
	for g, ag := range m.armed {
		if ag.startBeat < now {
			delete(m.armed, g)
			continue
		}
		if ag.issuer == self {
			out = append(out, pending{g, ag.startBeat})
		}
	}
	m.mu.Unlock()

	for _, p := range out {
		m.announce(p.group, p.start)
	}
}

func (m *Manager) onDatagram(b []byte, src *net.UDPAddr) {
	a, err := Decode(b)
	if err != nil {
		log.Debugw("dropped group datagram", "err", err)
		return
	}
	m.handle(a, src)
}

// handle folds one announcement into the armed set.
func (m *Manager) handle(a Announcement, src *net.UDPAddr) {
	if a.Issuer == m.session.PeerID() {
		return
	}
	if a.Kind == KindAck {
		log.Debugw("ack", "group", a.Group, "from", a.Issuer)
		return
	}

	now := m.session.Beat()
	if now >= a.StartBeat-startEpsilon || now >= a.Deadline {
		log.Debugw("late intent ignored", "group", a.Group, "start_beat", a.StartBeat, "now", now)
		return
	}

	m.mu.Lock()
	ag, ok := m.armed[a.Group]
	adopt := false
	switch {
	case !ok:
		adopt = true
	case a.StartBeat < ag.startBeat:
		// An earlier foreign start for the same group wins.
		adopt = true
	case a.StartBeat == ag.startBeat:
		// Equal beats are one event; keep the lower issuer, no re-notify.
		if bytes.Compare(a.Issuer[:], ag.issuer[:]) < 0 {
			m.armed[a.Group] = armedGroup{startBeat: a.StartBeat, issuer: a.Issuer}
		}
	}
	if adopt {
		m.armed[a.Group] = armedGroup{startBeat: a.StartBeat, issuer: a.Issuer}
	}
	h := m.handler
	m.mu.Unlock()

	if src != nil && m.tr != nil {
		if ack, err := Encode(Announcement{
			Kind:      KindAck,
			Group:     a.Group,
			StartBeat: a.StartBeat,
			Issuer:    m.session.PeerID(),
			Deadline:  a.Deadline,
		}); err == nil {
			m.tr.SendTo(src, ack)
		}
	}

	if adopt {
		log.Infow("intent adopted", "group", a.Group, "start_beat", a.StartBeat, "issuer", a.Issuer)
		if h != nil {
			h(a.Group, a.StartBeat)
		}
	}
}
