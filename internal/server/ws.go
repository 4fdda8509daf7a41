package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// coalesceInterval caps the outbound frame rate per connection; between
// ticks only the latest status survives.
const coalesceInterval = 50 * time.Millisecond

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The admin surface binds to loopback or the LAN; origin checks add
	// nothing against peers that can already reach the socket.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleLinkStatusWS pushes an HTML fragment with the live link status.
// One frame per coalesce interval at most, and only when the rendered
// fragment changed.
func (d Deps) handleLinkStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugw("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(coalesceInterval)
	defer ticker.Stop()

	var last string
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			frag := d.linkStatusFragment()
			if frag == last {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frag)); err != nil {
				return
			}
			last = frag
		}
	}
}

func (d Deps) linkStatusFragment() string {
	snap := d.Session.Snapshot()
	playing := "&ndash;"
	if id, ok := d.Engine.Playing(); ok && id != uuid.Nil {
		playing = id.String()
	}
	return fmt.Sprintf(
		`<div id="link-status"><span class="bpm">%.1f</span> BPM &middot; beat <span class="beat">%.2f</span> &middot; <span class="peers">%d</span> peer(s) &middot; playing <span class="block">%s</span></div>`,
		snap.BPM, snap.Beat, snap.PeerCount, playing,
	)
}
