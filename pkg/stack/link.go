package stack

import (
	"context"
	"errors"
	"time"

	"github.com/backkem/bthost/pkg/discovery"
	"github.com/backkem/bthost/pkg/hci"
	"github.com/backkem/bthost/pkg/transport"
)

// linkHandler forwards link events of the transport to L2CAP. Every method
// runs on the loop goroutine.
type linkHandler struct {
	s *Stack
}

var _ transport.Handler = linkHandler{}

func (h linkHandler) LinkConnected(l *transport.Link) {
	s := h.s
	addr := l.RemoteAddr()

	d, outgoing := s.dials[l]
	if outgoing {
		delete(s.dials, l)
		if !d.addr.IsZero() {
			delete(s.dialing, d.addr)
			if d.addr != addr {
				s.wrongPeer(l, d)
				return
			}
		}
	}
	delete(s.dialing, addr)

	if s.log != nil {
		s.log.Infof("link 0x%04X to %s up", uint16(l.Handle()), addr)
	}
	s.connected[l] = struct{}{}
	s.rememberPeer(addr, d.endpoint, d.name, true)
	s.l2cap.LinkConnected(l)

	if s.config.OnLinkConnected != nil {
		s.config.OnLinkConnected(addr)
	}
}

func (h linkHandler) LinkData(l *transport.Link, p hci.ACLPacket) {
	h.s.l2cap.HandleACL(l, p)
}

func (h linkHandler) LinkPacketsSent(l *transport.Link) {
	h.s.l2cap.LinkWritable(l)
}

func (h linkHandler) LinkDisconnected(l *transport.Link, reason hci.Status) {
	s := h.s
	if r := s.running.Load(); r != nil {
		r.tcp.Forget(l)
	}

	// A dialed link that never finished its handshake.
	if d, ok := s.dials[l]; ok {
		delete(s.dials, l)
		if !d.addr.IsZero() {
			delete(s.dialing, d.addr)
			s.l2cap.LinkFailed(d.addr, hci.StatusPageTimeout)
		}
		return
	}
	if _, ok := s.connected[l]; !ok {
		return
	}
	delete(s.connected, l)

	if s.log != nil {
		s.log.Infof("link 0x%04X to %s down: %s", uint16(l.Handle()), l.RemoteAddr(), reason)
	}
	s.l2cap.LinkDisconnected(l, reason)

	if s.config.OnLinkDisconnected != nil {
		s.config.OnLinkDisconnected(l.RemoteAddr(), reason)
	}
}

// connect is the L2CAP connector. It resolves the endpoint of addr and
// dials it in the background; the outcome comes back through the loop.
func (s *Stack) connect(addr hci.Addr) {
	if s.dialing[addr] {
		return
	}

	r := s.running.Load()
	if r == nil {
		s.loop.ExecuteOnMainThread(func() {
			s.l2cap.LinkFailed(addr, hci.StatusPageTimeout)
		})
		return
	}
	s.dialing[addr] = true

	peer, err := s.config.Storage.LoadPeer(addr)
	if err != nil {
		peer = Peer{Addr: addr}
	}

	if s.log != nil {
		s.log.Debugf("connecting to %s", addr)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(r.ctx, s.config.DialTimeout)
		defer cancel()

		d := dial{addr: addr, endpoint: peer.Endpoint, name: peer.Name}
		err := resolveEndpoint(ctx, &d, r.discovery)
		var link *transport.Link
		if err == nil {
			link, err = r.tcp.Dial(ctx, d.endpoint)
		}

		s.loop.ExecuteOnMainThread(func() {
			if err != nil {
				s.dialFailed(addr, err)
				return
			}
			s.trackDial(link, d)
		})
	}()
}

// resolveEndpoint fills in the endpoint of d from DNS-SD when the peer
// store has none.
func resolveEndpoint(ctx context.Context, d *dial, disc *discovery.Manager) error {
	if d.endpoint != "" {
		return nil
	}
	if disc == nil {
		return ErrNoEndpoint
	}
	svc, err := disc.Lookup(ctx, d.addr)
	if err != nil {
		return err
	}
	endpoint, err := svc.DialAddress()
	if err != nil {
		return err
	}
	d.endpoint = endpoint
	d.name = svc.Endpoint.Name
	return nil
}

func (s *Stack) dialFailed(addr hci.Addr, err error) {
	delete(s.dialing, addr)
	if s.log != nil {
		s.log.Warnf("connect %s: %v", addr, err)
	}
	status := hci.StatusPageTimeout
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, discovery.ErrTimeout) {
		status = hci.StatusConnectionTimeout
	}
	s.l2cap.LinkFailed(addr, status)
}

// trackDial records an outgoing link. The handshake may already be over
// by the time the dial result reaches the loop.
func (s *Stack) trackDial(l *transport.Link, d dial) {
	switch l.State() {
	case transport.LinkStateConnected:
		if !d.addr.IsZero() {
			delete(s.dialing, d.addr)
			if l.RemoteAddr() != d.addr {
				s.wrongPeer(l, d)
				return
			}
		}
		s.rememberPeer(l.RemoteAddr(), d.endpoint, d.name, false)
	case transport.LinkStateClosed:
		if !d.addr.IsZero() {
			delete(s.dialing, d.addr)
			s.l2cap.LinkFailed(d.addr, hci.StatusPageTimeout)
		}
	default:
		s.dials[l] = d
	}
}

// wrongPeer drops a link whose endpoint answered with another address.
func (s *Stack) wrongPeer(l *transport.Link, d dial) {
	if s.log != nil {
		s.log.Warnf("%s at %s announced %s", d.addr, d.endpoint, l.RemoteAddr())
	}
	l.Disconnect(hci.StatusConnectionTerminatedByLocalHost)
	s.l2cap.LinkFailed(d.addr, hci.StatusPageTimeout)
}

// rememberPeer updates the stored record of addr. connected counts a new
// link; otherwise only the endpoint and name are filled in.
func (s *Stack) rememberPeer(addr hci.Addr, endpoint, name string, connected bool) {
	p, err := s.config.Storage.LoadPeer(addr)
	if err != nil {
		p = Peer{Addr: addr}
	}
	if endpoint != "" {
		p.Endpoint = endpoint
	}
	if name != "" {
		p.Name = name
	}
	if connected {
		p.LastSeen = time.Now()
		p.Connections++
	}
	if err := s.config.Storage.SavePeer(p); err != nil && s.log != nil {
		s.log.Warnf("save peer %s: %v", addr, err)
	}
}
