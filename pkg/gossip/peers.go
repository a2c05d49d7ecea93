package gossip

import (
	"net"
	"sync"
	"sync/atomic"
)

// peerSet is an append-only list of peer addresses. Readers get an immutable
// snapshot, so flood sends can iterate while the receive loop appends.
type peerSet struct {
	mu    sync.Mutex
	list  atomic.Pointer[[]*net.UDPAddr]
	index map[string]struct{}
}

func newPeerSet() *peerSet {
	s := &peerSet{index: make(map[string]struct{})}
	empty := make([]*net.UDPAddr, 0)
	s.list.Store(&empty)
	return s
}

// add reports whether addr was new.
func (s *peerSet) add(addr *net.UDPAddr) bool {
	key := addr.String()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[key]; ok {
		return false
	}
	s.index[key] = struct{}{}

	old := *s.list.Load()
	next := make([]*net.UDPAddr, len(old), len(old)+1)
	copy(next, old)
	next = append(next, &net.UDPAddr{IP: addr.IP, Port: addr.Port, Zone: addr.Zone})
	s.list.Store(&next)
	return true
}

func (s *peerSet) snapshot() []*net.UDPAddr {
	return *s.list.Load()
}

func (s *peerSet) len() int {
	return len(s.snapshot())
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.Port == b.Port && a.IP.Equal(b.IP)
}
