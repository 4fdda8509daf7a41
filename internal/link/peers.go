package link

import (
	"sync"

	"github.com/google/uuid"
)

// offsetAlpha is the exponential smoothing factor for clock-offset and RTT
// estimates.
const offsetAlpha = 0.1

// peerState is everything known about one remote peer, times in local host
// microseconds unless noted.
type peerState struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	LastSeen  int64

	// Offset estimates remoteHost - localHost. RTT is the smoothed round
	// trip measured from Responses; Alive datagrams reuse it.
	Offset  float64
	RTT     float64
	HaveRTT bool
}

type peerTable struct {
	mu    sync.Mutex
	peers map[uuid.UUID]*peerState
}

func newPeerTable() *peerTable {
	return &peerTable{peers: map[uuid.UUID]*peerState{}}
}

// observe folds one datagram into the table and returns the updated state
// plus whether the peer is new. rx is the local receive time, rtt < 0 means
// no fresh RTT sample (Alive/ByeBye).
func (t *peerTable) observe(p Packet, rx int64, rtt int64) (peerState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps, ok := t.peers[p.PeerID]
	if !ok {
		ps = &peerState{ID: p.PeerID}
		t.peers[p.PeerID] = ps
	}
	ps.SessionID = p.SessionID
	ps.LastSeen = rx

	if rtt >= 0 {
		if ps.HaveRTT {
			ps.RTT += offsetAlpha * (float64(rtt) - ps.RTT)
		} else {
			ps.RTT = float64(rtt)
			ps.HaveRTT = true
		}
	}
	sample := float64(p.TxHostTime) + ps.RTT/2 - float64(rx)
	if !ok {
		ps.Offset = sample
	} else {
		ps.Offset += offsetAlpha * (sample - ps.Offset)
	}
	return *ps, !ok
}

func (t *peerTable) remove(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; !ok {
		return false
	}
	delete(t.peers, id)
	return true
}

func (t *peerTable) get(id uuid.UUID) (peerState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps, ok := t.peers[id]
	if !ok {
		return peerState{}, false
	}
	return *ps, true
}

func (t *peerTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// pruneStale drops peers not heard from since cutoff and returns how many
// were evicted.
func (t *peerTable) pruneStale(cutoff int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, ps := range t.peers {
		if ps.LastSeen < cutoff {
			delete(t.peers, id)
			n++
		}
	}
	return n
}
