package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
)

// MulticastGroup is the IPv4 group both harmonia channels live on.
var MulticastGroup = net.IPv4(224, 76, 78, 75)

// ErrNoInterfaces means not a single multicast-capable interface could be
// bound; the process cannot participate in a session.
var ErrNoInterfaces = errors.New("link: no multicast-capable interface could be bound")

const (
	maxDatagram     = 1500
	refreshInterval = 5 * time.Second
)

// Multicast is one listener socket joined to the group on every capable
// interface, plus one sender socket per interface. The interface set is
// re-enumerated periodically so cable plugs and Wi-Fi joins take effect
// without a restart.
type Multicast struct {
	port    int
	group   *net.UDPAddr
	handler func(b []byte, src *net.UDPAddr)

	pc    *ipv4.PacketConn
	lconn net.PacketConn

	mu      sync.Mutex
	joined  map[int]*net.Interface // ifindex -> joined interface
	senders map[int]*net.UDPConn   // ifindex -> sender socket

	cancel context.CancelFunc
	done   chan struct{}
}

// OpenMulticast binds port on 0.0.0.0 with address reuse, joins the group on
// every multicast-capable interface and starts the receive loop. Per-interface
// failures are logged; only a total failure is fatal.
func OpenMulticast(ctx context.Context, port int, handler func(b []byte, src *net.UDPAddr)) (*Multicast, error) {
	lc := net.ListenConfig{Control: reuseControl}
	conn, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("link: bind :%d: %w", port, err)
	}

	m := &Multicast{
		port:    port,
		group:   &net.UDPAddr{IP: MulticastGroup, Port: port},
		handler: handler,
		pc:      ipv4.NewPacketConn(conn),
		lconn:   conn,
		joined:  map[int]*net.Interface{},
		senders: map[int]*net.UDPConn{},
		done:    make(chan struct{}),
	}

	if n := m.refresh(); n == 0 {
		conn.Close()
		return nil, ErrNoInterfaces
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.readLoop()
	go m.refreshLoop(runCtx)
	return m, nil
}

// Broadcast sends the datagram to the group through every interface's sender
// socket. Send errors are logged and the remaining interfaces still get the
// datagram.
func (m *Multicast) Broadcast(b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for idx, conn := range m.senders {
		if _, err := conn.WriteToUDP(b, m.group); err != nil {
			log.Debugw("multicast send failed", "ifindex", idx, "err", err)
		}
	}
}

// SendTo unicasts a datagram to one peer, best effort.
func (m *Multicast) SendTo(addr *net.UDPAddr, b []byte) {
	if _, err := m.lconn.WriteTo(b, addr); err != nil {
		log.Debugw("unicast send failed", "addr", addr, "err", err)
	}
}

func (m *Multicast) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	err := m.lconn.Close()
	<-m.done
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.senders {
		conn.Close()
	}
	m.senders = map[int]*net.UDPConn{}
	return err
}

func (m *Multicast) readLoop() {
	defer close(m.done)
	buf := make([]byte, maxDatagram)
	for {
		n, _, src, err := m.pc.ReadFrom(buf)
		if err != nil {
			// Closed socket ends the loop; transient errors keep it alive.
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debugw("multicast read failed", "err", err)
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		udp, _ := src.(*net.UDPAddr)
		m.handler(pkt, udp)
	}
}

func (m *Multicast) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refresh()
		}
	}
}

// refresh reconciles the joined/sender sets against the live interface list
// and returns how many interfaces are currently usable.
func (m *Multicast) refresh() int {
	ifaces, err := net.Interfaces()
	if err != nil {
		log.Warnw("interface enumeration failed", "err", err)
		return m.senderCount()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := map[int]bool{}
	for i := range ifaces {
		ifc := ifaces[i]
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagMulticast == 0 {
			continue
		}
		ip := interfaceIPv4(&ifc)
		if ip == nil {
			continue
		}
		seen[ifc.Index] = true

		if _, ok := m.joined[ifc.Index]; !ok {
			if err := m.pc.JoinGroup(&ifc, &net.UDPAddr{IP: MulticastGroup}); err != nil {
				log.Warnw("join group failed", "iface", ifc.Name, "err", err)
				continue
			}
			m.joined[ifc.Index] = &ifc
			log.Infow("joined multicast group", "iface", ifc.Name, "addr", ip)
		}
		if _, ok := m.senders[ifc.Index]; !ok {
			conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: 0})
			if err != nil {
				log.Warnw("sender bind failed", "iface", ifc.Name, "err", err)
				continue
			}
			m.senders[ifc.Index] = conn
		}
	}

	for idx, ifc := range m.joined {
		if !seen[idx] {
			m.pc.LeaveGroup(ifc, &net.UDPAddr{IP: MulticastGroup})
			delete(m.joined, idx)
			if conn, ok := m.senders[idx]; ok {
				conn.Close()
				delete(m.senders, idx)
			}
			log.Infow("left multicast group", "iface", ifc.Name)
		}
	}
	return len(m.senders)
}

func (m *Multicast) senderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.senders)
}

func interfaceIPv4(ifc *net.Interface) net.IP {
	addrs, err := ifc.Addrs()
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip4 := ip.To4(); ip4 != nil {
			return ip4
		}
	}
	return nil
}
